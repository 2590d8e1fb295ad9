package truststore

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	windowsUserCancelledMarker = "canceled by the user"
	windowsUserCancelledCode   = "0x800704c7"
	windowsListScriptTemplate  = "Get-ChildItem -Path 'Cert:\\%s\\%s' | " +
		"Where-Object { $_.Extensions | Where-Object { $_.Oid.Value -eq '%s' } } | " +
		"ForEach-Object { [pscustomobject]@{ Thumbprint = $_.Thumbprint; RawBase64 = [Convert]::ToBase64String($_.RawData); HasPrivateKey = $_.HasPrivateKey } } | " +
		"ConvertTo-Json -Compress"
)

// windowsStoreEntry is the JSON projection emitted by the enumeration script.
type windowsStoreEntry struct {
	Thumbprint    string `json:"Thumbprint"`
	RawBase64     string `json:"RawBase64"`
	HasPrivateKey bool   `json:"HasPrivateKey"`
}

// windowsCertificateManager drives the Windows certificate stores through PowerShell and certutil.
type windowsCertificateManager struct {
	invoker toolInvoker
}

func newWindowsCertificateManager(commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error) {
	return &windowsCertificateManager{
		invoker: toolInvoker{
			commandRunner:  commandRunner,
			fileSystem:     fileSystem,
			loggingService: loggingService,
			environment:    configuration.ToolEnvironment,
		},
	}, nil
}

func (platform *windowsCertificateManager) Name() string {
	return "windows"
}

func userScopeArguments(storeLocation certificates.StoreLocation) []string {
	if storeLocation == certificates.StoreLocationCurrentUser {
		return []string{"-user"}
	}
	return nil
}

func (platform *windowsCertificateManager) ListStore(ctx context.Context, storeName certificates.StoreName, storeLocation certificates.StoreLocation) ([]certificates.DevelopmentCertificate, error) {
	script := fmt.Sprintf(windowsListScriptTemplate, storeLocation, storeName, certificates.DevelopmentCertificateOID)
	result, runErr := platform.invoker.runChecked(ctx, commandNamePowerShell, "-NoProfile", "-NonInteractive", "-Command", script)
	if runErr != nil {
		return nil, fmt.Errorf("enumerate %s/%s: %w", storeLocation, storeName, runErr)
	}
	entries, parseErr := parseWindowsStoreEntries(result.Stdout)
	if parseErr != nil {
		return nil, fmt.Errorf("parse %s/%s enumeration: %w", storeLocation, storeName, parseErr)
	}
	listed := make([]certificates.DevelopmentCertificate, 0, len(entries))
	for _, entry := range entries {
		reported := certificates.NormalizeThumbprint(entry.Thumbprint)
		der, decodeErr := base64.StdEncoding.DecodeString(entry.RawBase64)
		if decodeErr != nil {
			platform.invoker.loggingService.Warn("skipping certificate with malformed encoding", decodeErr, logging.String(logFieldThumbprint, reported))
			continue
		}
		parsed, parseCertificateErr := x509.ParseCertificate(der)
		if parseCertificateErr != nil {
			platform.invoker.loggingService.Warn("skipping unparsable certificate", parseCertificateErr, logging.String(logFieldThumbprint, reported))
			continue
		}
		if computed := certificates.Thumbprint(der); reported != computed {
			platform.invoker.loggingService.Warn("skipping certificate with mismatched thumbprint", nil, logging.String(logFieldThumbprint, reported), logging.String("computed", computed))
			continue
		}
		// Private keys stay in the store; HasPrivateKey only tells whether exportpfx can recover one.
		listed = append(listed, certificates.NewDevelopmentCertificate(parsed, nil))
	}
	return developmentCertificatesOnly(listed), nil
}

// parseWindowsStoreEntries accepts the three shapes ConvertTo-Json produces: nothing, a single object, or an array.
func parseWindowsStoreEntries(output string) ([]windowsStoreEntry, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var entries []windowsStoreEntry
		if unmarshalErr := json.Unmarshal([]byte(trimmed), &entries); unmarshalErr != nil {
			return nil, unmarshalErr
		}
		return entries, nil
	}
	var entry windowsStoreEntry
	if unmarshalErr := json.Unmarshal([]byte(trimmed), &entry); unmarshalErr != nil {
		return nil, unmarshalErr
	}
	return []windowsStoreEntry{entry}, nil
}

func (platform *windowsCertificateManager) contains(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (bool, error) {
	listed, listErr := platform.ListStore(ctx, storeName, storeLocation)
	if listErr != nil {
		return false, listErr
	}
	return containsThumbprint(listed, certificate.Thumbprint()), nil
}

func (platform *windowsCertificateManager) SaveToStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	present, containsErr := platform.contains(ctx, certificate, storeName, storeLocation)
	if containsErr != nil {
		return certificates.DevelopmentCertificate{}, containsErr
	}
	if present {
		return certificate, nil
	}
	if storeName == certificates.StoreNameRoot || !certificate.HasPrivateKey() {
		addErr := platform.invoker.withTemporaryFile("devcert-*.cer", certificate.Raw(), func(path string) error {
			arguments := append(userScopeArguments(storeLocation), "-f", "-addstore", string(storeName), path)
			_, runErr := platform.invoker.runChecked(ctx, commandNameCertutil, arguments...)
			return runErr
		})
		if addErr != nil {
			return certificates.DevelopmentCertificate{}, fmt.Errorf("add certificate to %s/%s: %w", storeLocation, storeName, addErr)
		}
		return certificate, nil
	}

	password := transitPassword()
	pfxData, encodeErr := certificates.EncodePFX(certificate, password)
	if encodeErr != nil {
		return certificates.DevelopmentCertificate{}, encodeErr
	}
	importErr := platform.invoker.withTemporaryFile("devcert-*.pfx", pfxData, func(path string) error {
		arguments := append(userScopeArguments(storeLocation), "-f", "-p", password, "-importpfx", string(storeName), path, "NoRoot")
		_, runErr := platform.invoker.runChecked(ctx, commandNameCertutil, arguments...)
		return runErr
	})
	if importErr != nil {
		return certificates.DevelopmentCertificate{}, fmt.Errorf("import certificate into %s/%s: %w", storeLocation, storeName, importErr)
	}
	return certificate, nil
}

func (platform *windowsCertificateManager) RemoveFromStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) error {
	arguments := append(userScopeArguments(storeLocation), "-delstore", string(storeName), certificate.Thumbprint())
	if _, runErr := platform.invoker.runChecked(ctx, commandNameCertutil, arguments...); runErr != nil {
		return fmt.Errorf("delete certificate from %s/%s: %w", storeLocation, storeName, runErr)
	}
	return nil
}

// ResolvePrivateKey exports the key-bearing certificate from the personal store with a transit password.
// The CurrentUser store is tried first, then LocalMachine.
func (platform *windowsCertificateManager) ResolvePrivateKey(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	if certificate.HasPrivateKey() {
		return certificate, nil
	}
	for _, storeLocation := range []certificates.StoreLocation{certificates.StoreLocationCurrentUser, certificates.StoreLocationLocalMachine} {
		resolved, exportErr := platform.exportPersonal(ctx, certificate, storeLocation)
		if exportErr == nil && resolved.HasPrivateKey() {
			return resolved, nil
		}
		platform.invoker.loggingService.Debug("private key export failed",
			logging.String(logFieldThumbprint, certificate.Thumbprint()),
			logging.String(logFieldStore, string(storeLocation)),
			logging.ErrorField(exportErr))
	}
	return certificate, certificates.ErrInvalidCertificateState
}

func (platform *windowsCertificateManager) exportPersonal(ctx context.Context, certificate certificates.DevelopmentCertificate, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	password := transitPassword()
	var resolved certificates.DevelopmentCertificate
	exportErr := platform.invoker.withTemporaryFile("devcert-*.pfx", nil, func(path string) error {
		arguments := append(userScopeArguments(storeLocation), "-f", "-p", password, "-exportpfx", string(certificates.StoreNamePersonal), certificate.Thumbprint(), path)
		if _, runErr := platform.invoker.runChecked(ctx, commandNameCertutil, arguments...); runErr != nil {
			return runErr
		}
		pfxData, readErr := platform.invoker.fileSystem.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		exported, decodeErr := certificates.DecodePFX(pfxData, password)
		if decodeErr != nil {
			return decodeErr
		}
		resolved = exported
		return nil
	})
	return resolved, exportErr
}

func (platform *windowsCertificateManager) IsTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) (bool, error) {
	return platform.contains(ctx, certificate, certificates.StoreNameRoot, certificates.StoreLocationCurrentUser)
}

// Trust adds the public certificate to the current user's Root store. Windows asks for consent in a dialog.
func (platform *windowsCertificateManager) Trust(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.TrustLevel, error) {
	trustErr := platform.invoker.withTemporaryFile("devcert-*.cer", certificate.Raw(), func(path string) error {
		result, runErr := platform.invoker.runChecked(ctx, commandNameCertutil, "-user", "-addstore", "-f", string(certificates.StoreNameRoot), path)
		if runErr != nil && isWindowsCancellation(result) {
			return certificates.ErrUserCancelledTrust
		}
		return runErr
	})
	if errors.Is(trustErr, certificates.ErrUserCancelledTrust) {
		return certificates.TrustLevelNone, trustErr
	}
	if trustErr != nil {
		return certificates.TrustLevelNone, fmt.Errorf("%w: %w", certificates.ErrTrustFailed, trustErr)
	}
	return certificates.TrustLevelFull, nil
}

func isWindowsCancellation(result certificates.CommandResult) bool {
	combined := strings.ToLower(result.Stdout + result.Stderr)
	return strings.Contains(combined, windowsUserCancelledMarker) || strings.Contains(combined, windowsUserCancelledCode)
}

func (platform *windowsCertificateManager) RemoveTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	return platform.RemoveFromStore(ctx, certificate, certificates.StoreNameRoot, certificates.StoreLocationCurrentUser)
}

func (platform *windowsCertificateManager) CheckState(ctx context.Context, certificate certificates.DevelopmentCertificate, interactive bool) (certificates.CheckCertificateStateResult, error) {
	return certificates.CheckCertificateStateResult{IsValid: true}, nil
}

func (platform *windowsCertificateManager) CorrectState(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	return nil
}
