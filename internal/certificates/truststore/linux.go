package truststore

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	linuxStoreDirectoryPermissions = 0o700
	linuxStoreFilePermissions      = 0o600
	linuxTrustDirectoryPermissions = 0o755
	linuxTrustFilePermissions      = 0o644
	linuxPersonalStoreDirectory    = "my"
	linuxRootStoreDirectory        = "root"
	linuxStoreFileExtension        = ".pfx"
	linuxTrustFileExtension        = ".pem"
)

// linuxCertificateManager keeps development certificates in per-user PKCS#12 store directories and establishes trust
// through an OpenSSL hashed directory plus the NSS databases browsers read.
type linuxCertificateManager struct {
	invoker        toolInvoker
	storeDirectory string
	trustDirectory string
	nss            nssTrustStore
}

func newLinuxCertificateManager(commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error) {
	invoker := toolInvoker{
		commandRunner:  commandRunner,
		fileSystem:     fileSystem,
		loggingService: loggingService,
		environment:    configuration.ToolEnvironment,
	}
	return &linuxCertificateManager{
		invoker:        invoker,
		storeDirectory: defaultPath(configuration.LinuxStoreDirectory, configuration.HomeDirectory, ".dotnet", "corefx", "cryptography", "x509stores"),
		trustDirectory: defaultPath(configuration.LinuxTrustDirectory, configuration.HomeDirectory, ".aspnet", "dev-certs", "trust"),
		nss:            newNSSTrustStore(invoker, configuration),
	}, nil
}

func (platform *linuxCertificateManager) Name() string {
	return "linux"
}

func (platform *linuxCertificateManager) storePath(storeName certificates.StoreName) string {
	if storeName == certificates.StoreNameRoot {
		return filepath.Join(platform.storeDirectory, linuxRootStoreDirectory)
	}
	return filepath.Join(platform.storeDirectory, linuxPersonalStoreDirectory)
}

func (platform *linuxCertificateManager) storeFilePath(storeName certificates.StoreName, thumbprint string) string {
	return filepath.Join(platform.storePath(storeName), thumbprint+linuxStoreFileExtension)
}

func (platform *linuxCertificateManager) trustFilePath(thumbprint string) string {
	return filepath.Join(platform.trustDirectory, certificates.MirrorFilePrefix+thumbprint+linuxTrustFileExtension)
}

func (platform *linuxCertificateManager) ListStore(ctx context.Context, storeName certificates.StoreName, storeLocation certificates.StoreLocation) ([]certificates.DevelopmentCertificate, error) {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return nil, nil
	}
	paths, listErr := platform.invoker.fileSystem.ListFiles(platform.storePath(storeName), "*"+linuxStoreFileExtension)
	if listErr != nil {
		return nil, fmt.Errorf("enumerate %s store: %w", storeName, listErr)
	}
	var stored []certificates.DevelopmentCertificate
	for _, path := range paths {
		pfxData, readErr := platform.invoker.fileSystem.ReadFile(path)
		if readErr != nil {
			platform.invoker.loggingService.Warn("skipping unreadable store file", readErr, logging.String(logFieldPath, path))
			continue
		}
		certificate, decodeErr := certificates.DecodePFX(pfxData, "")
		if decodeErr != nil {
			platform.invoker.loggingService.Debug("skipping undecodable store file", logging.String(logFieldPath, path), logging.ErrorField(decodeErr))
			continue
		}
		stored = append(stored, certificate)
	}
	return developmentCertificatesOnly(stored), nil
}

func (platform *linuxCertificateManager) SaveToStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("linux stores development certificates only for %s", certificates.StoreLocationCurrentUser)
	}
	path := platform.storeFilePath(storeName, certificate.Thumbprint())
	exists, existsErr := platform.invoker.fileSystem.FileExists(path)
	if existsErr != nil {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("check store file: %w", existsErr)
	}
	if exists {
		return certificate, nil
	}

	var pfxData []byte
	var encodeErr error
	if storeName == certificates.StoreNameRoot || !certificate.HasPrivateKey() {
		pfxData, encodeErr = certificates.EncodePublicPFX(certificate)
	} else {
		pfxData, encodeErr = certificates.EncodePFX(certificate, "")
	}
	if encodeErr != nil {
		return certificates.DevelopmentCertificate{}, encodeErr
	}
	if directoryErr := platform.invoker.fileSystem.EnsureDirectory(platform.storePath(storeName), linuxStoreDirectoryPermissions); directoryErr != nil {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("ensure store directory: %w", directoryErr)
	}
	if writeErr := platform.invoker.fileSystem.WriteFile(path, pfxData, linuxStoreFilePermissions); writeErr != nil {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("write store file: %w", writeErr)
	}
	return certificate, nil
}

func (platform *linuxCertificateManager) RemoveFromStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) error {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return nil
	}
	if storeName == certificates.StoreNameRoot {
		return platform.RemoveTrust(ctx, certificate)
	}
	return platform.invoker.fileSystem.Remove(platform.storeFilePath(storeName, certificate.Thumbprint()))
}

func (platform *linuxCertificateManager) ResolvePrivateKey(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	if certificate.HasPrivateKey() {
		return certificate, nil
	}
	pfxData, readErr := platform.invoker.fileSystem.ReadFile(platform.storeFilePath(certificates.StoreNamePersonal, certificate.Thumbprint()))
	if readErr != nil {
		return certificate, certificates.ErrInvalidCertificateState
	}
	stored, decodeErr := certificates.DecodePFX(pfxData, "")
	if decodeErr != nil || !stored.HasPrivateKey() {
		return certificate, certificates.ErrInvalidCertificateState
	}
	return stored, nil
}

// IsTrusted verifies against the OpenSSL trust directory only; NSS state is reported through the trust level.
func (platform *linuxCertificateManager) IsTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) (bool, error) {
	exists, existsErr := platform.invoker.fileSystem.FileExists(platform.trustFilePath(certificate.Thumbprint()))
	if existsErr != nil {
		return false, fmt.Errorf("check trust file: %w", existsErr)
	}
	if !exists {
		return false, nil
	}
	trusted := false
	verifyErr := platform.invoker.withPublicCertificate(certificate, func(path string) error {
		result, runErr := platform.invoker.run(ctx, commandNameOpenSSL, "verify", "-CApath", platform.trustDirectory, path)
		if runErr != nil {
			return runErr
		}
		trusted = result.Succeeded()
		return nil
	})
	if verifyErr != nil {
		return false, fmt.Errorf("verify certificate trust: %w", verifyErr)
	}
	return trusted, nil
}

// Trust is Full when the OpenSSL directory, the user Root store and every NSS database accepted the certificate,
// Partial when OpenSSL succeeded but a secondary target did not.
func (platform *linuxCertificateManager) Trust(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.TrustLevel, error) {
	thumbprintField := logging.String(logFieldThumbprint, certificate.Thumbprint())
	trustPath := platform.trustFilePath(certificate.Thumbprint())

	if directoryErr := platform.invoker.fileSystem.EnsureDirectory(platform.trustDirectory, linuxTrustDirectoryPermissions); directoryErr != nil {
		return certificates.TrustLevelNone, fmt.Errorf("%w: ensure trust directory: %w", certificates.ErrTrustFailed, directoryErr)
	}
	if writeErr := platform.invoker.fileSystem.WriteFile(trustPath, certificates.EncodeCertificatePEM(certificate), linuxTrustFilePermissions); writeErr != nil {
		return certificates.TrustLevelNone, fmt.Errorf("%w: write trust file: %w", certificates.ErrTrustFailed, writeErr)
	}
	if rehashErr := platform.rehash(ctx); rehashErr != nil {
		return certificates.TrustLevelNone, fmt.Errorf("%w: %w", certificates.ErrTrustFailed, rehashErr)
	}

	trustLevel := certificates.TrustLevelFull
	if _, saveErr := platform.SaveToStore(ctx, certificate.PublicOnly(), certificates.StoreNameRoot, certificates.StoreLocationCurrentUser); saveErr != nil {
		platform.invoker.loggingService.Warn("failed to save certificate to the root store", saveErr, thumbprintField)
		trustLevel = certificates.TrustLevelPartial
	}
	nssTrusted, nssErr := platform.nss.trust(ctx, certificate, trustPath)
	if nssErr != nil {
		platform.invoker.loggingService.Warn("failed to trust certificate in nss databases", nssErr, thumbprintField)
	}
	if !nssTrusted {
		trustLevel = certificates.TrustLevelPartial
	}
	platform.invoker.loggingService.Info("set SSL_CERT_DIR to include the trust directory for OpenSSL clients",
		logging.String(logFieldPath, platform.trustDirectory),
	)
	return trustLevel, nil
}

func (platform *linuxCertificateManager) rehash(ctx context.Context) error {
	if _, rehashErr := platform.invoker.runChecked(ctx, commandNameOpenSSL, "rehash", platform.trustDirectory); rehashErr != nil {
		return fmt.Errorf("rehash trust directory: %w", rehashErr)
	}
	return nil
}

func (platform *linuxCertificateManager) RemoveTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	var removalErr error
	trustPath := platform.trustFilePath(certificate.Thumbprint())
	trustFileExists, existsErr := platform.invoker.fileSystem.FileExists(trustPath)
	removalErr = multierr.Append(removalErr, existsErr)
	if trustFileExists {
		if removeErr := platform.invoker.fileSystem.Remove(trustPath); removeErr != nil {
			removalErr = multierr.Append(removalErr, fmt.Errorf("remove trust file: %w", removeErr))
		} else {
			removalErr = multierr.Append(removalErr, platform.rehash(ctx))
		}
	}
	if removeErr := platform.invoker.fileSystem.Remove(platform.storeFilePath(certificates.StoreNameRoot, certificate.Thumbprint())); removeErr != nil {
		removalErr = multierr.Append(removalErr, fmt.Errorf("remove root store file: %w", removeErr))
	}
	removalErr = multierr.Append(removalErr, platform.nss.removeTrust(ctx, certificate))
	return removalErr
}

func (platform *linuxCertificateManager) CheckState(ctx context.Context, certificate certificates.DevelopmentCertificate, interactive bool) (certificates.CheckCertificateStateResult, error) {
	return certificates.CheckCertificateStateResult{IsValid: true}, nil
}

func (platform *linuxCertificateManager) CorrectState(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	return nil
}
