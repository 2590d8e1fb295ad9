package truststore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	macOSMirrorDirectoryPermissions = 0o700
	macOSMirrorFilePermissions      = 0o600
	macOSUserCancelledMarker        = "canceled by the user"
	macOSItemNotFoundMarker         = "could not be found"
)

// macOSCertificateManager keeps the login keychain and the on-disk PKCS#12 mirror in step.
type macOSCertificateManager struct {
	invoker         toolInvoker
	keychainPath    string
	mirrorDirectory string
}

func newMacOSCertificateManager(commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error) {
	return &macOSCertificateManager{
		invoker: toolInvoker{
			commandRunner:  commandRunner,
			fileSystem:     fileSystem,
			loggingService: loggingService,
			environment:    configuration.ToolEnvironment,
		},
		keychainPath:    defaultPath(configuration.MacOSKeychainPath, configuration.HomeDirectory, "Library", "Keychains", "login.keychain-db"),
		mirrorDirectory: defaultPath(configuration.MacOSMirrorDirectory, configuration.HomeDirectory, ".aspnet", "https"),
	}, nil
}

func (platform *macOSCertificateManager) Name() string {
	return "macos"
}

// ListStore merges the keychain and the disk mirror by thumbprint. Keychain-only entries and entries present in
// both are returned; the latter carry the mirror's private key. Disk-only leftovers are never surfaced.
func (platform *macOSCertificateManager) ListStore(ctx context.Context, storeName certificates.StoreName, storeLocation certificates.StoreLocation) ([]certificates.DevelopmentCertificate, error) {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return nil, nil
	}
	keychainCertificates, keychainErr := platform.listKeychain(ctx)
	if keychainErr != nil {
		return nil, keychainErr
	}
	if storeName == certificates.StoreNameRoot {
		var trusted []certificates.DevelopmentCertificate
		for _, candidate := range keychainCertificates {
			isTrusted, trustedErr := platform.IsTrusted(ctx, candidate)
			if trustedErr != nil {
				return nil, trustedErr
			}
			if isTrusted {
				trusted = append(trusted, candidate)
			}
		}
		return trusted, nil
	}

	diskCertificates := platform.listMirror()
	diskByThumbprint := make(map[string]certificates.DevelopmentCertificate, len(diskCertificates))
	for _, candidate := range diskCertificates {
		diskByThumbprint[candidate.Thumbprint()] = candidate
	}

	merged := make([]certificates.DevelopmentCertificate, 0, len(keychainCertificates))
	presentInBoth := 0
	for _, candidate := range keychainCertificates {
		if diskCopy, found := diskByThumbprint[candidate.Thumbprint()]; found {
			merged = append(merged, diskCopy)
			presentInBoth++
			continue
		}
		merged = append(merged, candidate)
	}
	platform.invoker.loggingService.Debug("merged keychain and disk certificates",
		logging.Int("keychain", len(keychainCertificates)),
		logging.Int("disk", len(diskCertificates)),
		logging.Int("both", presentInBoth),
	)
	return merged, nil
}

func (platform *macOSCertificateManager) listKeychain(ctx context.Context) ([]certificates.DevelopmentCertificate, error) {
	result, runErr := platform.invoker.runChecked(ctx, commandNameSecurity, "find-certificate", "-a", "-Z", "-p", platform.keychainPath)
	if runErr != nil {
		return nil, fmt.Errorf("enumerate keychain %s: %w", platform.keychainPath, runErr)
	}
	var listed []certificates.DevelopmentCertificate
	for _, parsed := range certificates.ParseCertificatesPEM([]byte(result.Stdout)) {
		listed = append(listed, certificates.NewDevelopmentCertificate(parsed, nil))
	}
	return developmentCertificatesOnly(listed), nil
}

func (platform *macOSCertificateManager) listMirror() []certificates.DevelopmentCertificate {
	paths, listErr := platform.invoker.fileSystem.ListFiles(platform.mirrorDirectory, certificates.MirrorFilePrefix+"*"+certificates.MirrorFileExtension)
	if listErr != nil {
		platform.invoker.loggingService.Warn("failed to enumerate certificate mirror", listErr, logging.String(logFieldPath, platform.mirrorDirectory))
		return nil
	}
	var mirrored []certificates.DevelopmentCertificate
	for _, path := range paths {
		certificate, readErr := platform.readMirrorFile(path)
		if readErr != nil {
			platform.invoker.loggingService.Warn("skipping unreadable mirrored certificate", readErr, logging.String(logFieldPath, path))
			continue
		}
		mirrored = append(mirrored, certificate)
	}
	return developmentCertificatesOnly(mirrored)
}

func (platform *macOSCertificateManager) readMirrorFile(path string) (certificates.DevelopmentCertificate, error) {
	pfxData, readErr := platform.invoker.fileSystem.ReadFile(path)
	if readErr != nil {
		return certificates.DevelopmentCertificate{}, readErr
	}
	return certificates.DecodePFX(pfxData, "")
}

func (platform *macOSCertificateManager) mirrorPath(certificate certificates.DevelopmentCertificate) string {
	return filepath.Join(platform.mirrorDirectory, certificates.MirrorFileName(certificate.Thumbprint()))
}

// SaveToStore writes the keychain first and the disk mirror second. Each failure is logged; the save fails only when
// neither record could be written.
func (platform *macOSCertificateManager) SaveToStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	if storeName != certificates.StoreNamePersonal || storeLocation != certificates.StoreLocationCurrentUser {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("macos keeps development certificates only in %s/%s", certificates.StoreLocationCurrentUser, certificates.StoreNamePersonal)
	}
	if !certificate.HasPrivateKey() {
		return certificates.DevelopmentCertificate{}, certificates.ErrPrivateKeyRequired
	}
	thumbprintField := logging.String(logFieldThumbprint, certificate.Thumbprint())

	keychainErr := platform.saveToKeychain(ctx, certificate)
	if keychainErr != nil {
		platform.invoker.loggingService.Warn("failed to save certificate to keychain", keychainErr, thumbprintField)
	}
	mirrorErr := platform.writeMirror(certificate)
	if mirrorErr != nil {
		platform.invoker.loggingService.Warn("failed to save certificate to disk", mirrorErr, thumbprintField)
	}
	if keychainErr != nil && mirrorErr != nil {
		return certificates.DevelopmentCertificate{}, multierr.Combine(keychainErr, mirrorErr)
	}
	return certificate, nil
}

func (platform *macOSCertificateManager) saveToKeychain(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	keychainCertificates, listErr := platform.listKeychain(ctx)
	if listErr != nil {
		return listErr
	}
	if containsThumbprint(keychainCertificates, certificate.Thumbprint()) {
		return nil
	}
	password := transitPassword()
	pfxData, encodeErr := certificates.EncodeLegacyPFX(certificate, password)
	if encodeErr != nil {
		return encodeErr
	}
	return platform.invoker.withTemporaryFile("devcert-*.pfx", pfxData, func(path string) error {
		_, importErr := platform.invoker.runChecked(ctx, commandNameSecurity, "import", path, "-k", platform.keychainPath, "-t", "cert", "-f", "pkcs12", "-P", password, "-A")
		if importErr != nil {
			return fmt.Errorf("import certificate into keychain: %w", importErr)
		}
		return nil
	})
}

func (platform *macOSCertificateManager) writeMirror(certificate certificates.DevelopmentCertificate) error {
	if directoryErr := platform.invoker.fileSystem.EnsureDirectory(platform.mirrorDirectory, macOSMirrorDirectoryPermissions); directoryErr != nil {
		return fmt.Errorf("ensure certificate directory: %w", directoryErr)
	}
	pfxData, encodeErr := certificates.EncodePFX(certificate, "")
	if encodeErr != nil {
		return encodeErr
	}
	if writeErr := platform.invoker.fileSystem.WriteFile(platform.mirrorPath(certificate), pfxData, macOSMirrorFilePermissions); writeErr != nil {
		return fmt.Errorf("write certificate mirror: %w", writeErr)
	}
	return nil
}

// RemoveFromStore deletes the keychain entry and then the mirror, unconditionally. The Root store on macOS is the
// set of trust settings, so removing from it removes trust.
func (platform *macOSCertificateManager) RemoveFromStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) error {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return nil
	}
	if storeName == certificates.StoreNameRoot {
		return platform.RemoveTrust(ctx, certificate)
	}
	thumbprintField := logging.String(logFieldThumbprint, certificate.Thumbprint())

	result, deleteErr := platform.invoker.run(ctx, commandNameSecurity, "delete-certificate", "-Z", certificate.Thumbprint(), platform.keychainPath)
	if deleteErr == nil && !result.Succeeded() && !strings.Contains(result.Stderr, macOSItemNotFoundMarker) && !strings.Contains(result.Stderr, "Unable to delete certificate matching") {
		deleteErr = &certificates.CommandError{Executable: commandNameSecurity, Arguments: []string{"delete-certificate", "-Z", certificate.Thumbprint()}, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	if removeErr := platform.invoker.fileSystem.Remove(platform.mirrorPath(certificate)); removeErr != nil {
		platform.invoker.loggingService.Warn("failed to delete certificate mirror", removeErr, thumbprintField, logging.String(logFieldPath, platform.mirrorPath(certificate)))
	}
	if deleteErr != nil {
		return fmt.Errorf("delete certificate from keychain: %w", deleteErr)
	}
	return nil
}

// ResolvePrivateKey reads the key from the disk mirror and falls back to exporting the identity from the keychain.
func (platform *macOSCertificateManager) ResolvePrivateKey(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	if certificate.HasPrivateKey() {
		return certificate, nil
	}
	mirrored, readErr := platform.readMirrorFile(platform.mirrorPath(certificate))
	if readErr == nil && mirrored.HasPrivateKey() {
		return mirrored, nil
	}
	exported, exportErr := platform.exportIdentity(ctx, certificate)
	if exportErr != nil {
		return certificate, fmt.Errorf("%w: %w", certificates.ErrInvalidCertificateState, exportErr)
	}
	return exported, nil
}

// exportIdentity exports every keychain identity to a transient PKCS#12 file and picks the one matching certificate.
func (platform *macOSCertificateManager) exportIdentity(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	password := transitPassword()
	var exported certificates.DevelopmentCertificate
	exportErr := platform.invoker.withTemporaryFile("devcert-export-*.pfx", nil, func(path string) error {
		if _, runErr := platform.invoker.runChecked(ctx, commandNameSecurity, "export", "-k", platform.keychainPath, "-t", "identities", "-f", "pkcs12", "-P", password, "-o", path); runErr != nil {
			return fmt.Errorf("export keychain identities: %w", runErr)
		}
		pfxData, readErr := platform.invoker.fileSystem.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read exported identities: %w", readErr)
		}
		identities, decodeErr := certificates.DecodeIdentities(pfxData, password)
		if decodeErr != nil {
			return decodeErr
		}
		for _, identity := range identities {
			if identity.Thumbprint() == certificate.Thumbprint() && identity.HasPrivateKey() {
				exported = identity
				return nil
			}
		}
		return fmt.Errorf("%w: no exportable identity for %s", certificates.ErrCertificateNotFound, certificate.Thumbprint())
	})
	if exportErr != nil {
		return certificates.DevelopmentCertificate{}, exportErr
	}
	return exported, nil
}

// IsTrusted evaluates the certificate against the SSL trust policy.
func (platform *macOSCertificateManager) IsTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) (bool, error) {
	trusted := false
	verifyErr := platform.invoker.withPublicCertificate(certificate, func(path string) error {
		result, runErr := platform.invoker.run(ctx, commandNameSecurity, "verify-cert", "-c", path, "-p", "basic", "-p", "ssl")
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

func (platform *macOSCertificateManager) Trust(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.TrustLevel, error) {
	trustErr := platform.invoker.withPublicCertificate(certificate, func(path string) error {
		result, runErr := platform.invoker.runChecked(ctx, commandNameSecurity, "add-trusted-cert", "-r", "trustRoot", "-k", platform.keychainPath, path)
		if runErr != nil && strings.Contains(strings.ToLower(result.Stderr), macOSUserCancelledMarker) {
			return certificates.ErrUserCancelledTrust
		}
		return runErr
	})
	if trustErr != nil {
		if errors.Is(trustErr, certificates.ErrUserCancelledTrust) {
			return certificates.TrustLevelNone, trustErr
		}
		return certificates.TrustLevelNone, fmt.Errorf("%w: %w", certificates.ErrTrustFailed, trustErr)
	}
	return certificates.TrustLevelFull, nil
}

// RemoveTrust removes the user-domain trust setting. When the certificate stays trusted, an admin-domain setting
// from an older tool generation is removed with elevated privileges.
func (platform *macOSCertificateManager) RemoveTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	return platform.invoker.withPublicCertificate(certificate, func(path string) error {
		if _, runErr := platform.invoker.run(ctx, commandNameSecurity, "remove-trusted-cert", path); runErr != nil {
			return fmt.Errorf("remove user trust setting: %w", runErr)
		}
		stillTrusted, trustedErr := platform.IsTrusted(ctx, certificate)
		if trustedErr != nil {
			return trustedErr
		}
		if !stillTrusted {
			return nil
		}
		platform.invoker.loggingService.Info("removing administrator trust setting", logging.String(logFieldThumbprint, certificate.Thumbprint()))
		if _, privilegedErr := platform.invoker.runPrivileged(ctx, commandNameSecurity, "remove-trusted-cert", "-d", path); privilegedErr != nil {
			return fmt.Errorf("remove admin trust setting: %w", privilegedErr)
		}
		return nil
	})
}

// CheckState is invalid whenever the mirror file is absent, because only the mirror guarantees key access
// without a keychain prompt.
func (platform *macOSCertificateManager) CheckState(ctx context.Context, certificate certificates.DevelopmentCertificate, interactive bool) (certificates.CheckCertificateStateResult, error) {
	mirrorExists, existsErr := platform.invoker.fileSystem.FileExists(platform.mirrorPath(certificate))
	if existsErr != nil {
		return certificates.CheckCertificateStateResult{}, fmt.Errorf("check certificate mirror: %w", existsErr)
	}
	if mirrorExists {
		if _, readErr := platform.readMirrorFile(platform.mirrorPath(certificate)); readErr == nil {
			return certificates.CheckCertificateStateResult{IsValid: true}, nil
		}
	}
	keychainCertificates, listErr := platform.listKeychain(ctx)
	if listErr != nil {
		return certificates.CheckCertificateStateResult{}, listErr
	}
	inKeychain := containsThumbprint(keychainCertificates, certificate.Thumbprint())
	return certificates.CheckCertificateStateResult{
		IsValid:             false,
		DiagnosticMessage:   fmt.Sprintf("the certificate %s is not stored at %s; %s", certificate.Thumbprint(), platform.mirrorPath(certificate), certificates.RemediationMessage),
		RequiresInteraction: inKeychain && !interactive,
	}, nil
}

// CorrectState restores a missing mirror. Without key material in hand the identity is exported from the keychain,
// which may prompt the user. An export failure is logged and leaves the state unchanged.
func (platform *macOSCertificateManager) CorrectState(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	mirrorExists, existsErr := platform.invoker.fileSystem.FileExists(platform.mirrorPath(certificate))
	if existsErr != nil {
		return fmt.Errorf("check certificate mirror: %w", existsErr)
	}
	if mirrorExists {
		return nil
	}
	thumbprintField := logging.String(logFieldThumbprint, certificate.Thumbprint())
	if !certificate.HasPrivateKey() {
		exported, exportErr := platform.exportIdentity(ctx, certificate)
		if exportErr != nil {
			platform.invoker.loggingService.Warn("failed to export certificate from keychain", exportErr, thumbprintField)
			return nil
		}
		certificate = exported
	}
	if writeErr := platform.writeMirror(certificate); writeErr != nil {
		return writeErr
	}
	platform.invoker.loggingService.Info("restored certificate mirror", thumbprintField)
	return nil
}
