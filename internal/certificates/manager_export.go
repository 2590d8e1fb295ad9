package certificates

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	exportDirectoryPermissions = 0o700
	exportFilePermissions      = 0o600
	privateKeyFileExtension    = ".key"
	logFieldPath               = "path"
)

// ExportFormat selects the on-disk encoding of an exported certificate.
type ExportFormat string

const (
	ExportFormatPfx ExportFormat = "pfx"
	ExportFormatPem ExportFormat = "pem"
)

// ParseExportFormat validates a user supplied format name.
func ParseExportFormat(rawValue string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(rawValue))) {
	case "", ExportFormatPfx:
		return ExportFormatPfx, nil
	case ExportFormatPem:
		return ExportFormatPem, nil
	default:
		return "", fmt.Errorf("unsupported export format %s", rawValue)
	}
}

// ExportRequest describes where and how to export a certificate.
type ExportRequest struct {
	Path              string
	Format            ExportFormat
	Password          string
	IncludePrivateKey bool
}

// ImportRequest describes a PKCS#12 file to import into the personal store.
type ImportRequest struct {
	Path     string
	Password string
}

// ExportCertificate writes the certificate to request.Path.
// PFX exports without a private key fall back to DER. PEM exports write the key next to the certificate with a .key extension.
func (manager Manager) ExportCertificate(ctx context.Context, certificate DevelopmentCertificate, request ExportRequest) (DevelopmentCertificate, error) {
	if strings.TrimSpace(request.Path) == "" {
		return certificate, errors.New("export path is required")
	}
	format := request.Format
	if format == "" {
		format = ExportFormatPfx
	}
	if request.IncludePrivateKey && !certificate.HasPrivateKey() {
		resolved, resolveErr := manager.platform.ResolvePrivateKey(ctx, certificate)
		if resolveErr != nil {
			return certificate, fmt.Errorf("resolve private key: %w", resolveErr)
		}
		certificate = resolved
	}
	if directoryErr := manager.fileSystem.EnsureDirectory(filepath.Dir(request.Path), exportDirectoryPermissions); directoryErr != nil {
		return certificate, fmt.Errorf("ensure export directory: %w", directoryErr)
	}

	switch format {
	case ExportFormatPfx:
		exportBytes := certificate.Raw()
		if request.IncludePrivateKey {
			pfxData, encodeErr := EncodePFX(certificate, request.Password)
			if encodeErr != nil {
				return certificate, encodeErr
			}
			exportBytes = pfxData
		}
		if writeErr := manager.fileSystem.WriteFile(request.Path, exportBytes, exportFilePermissions); writeErr != nil {
			return certificate, fmt.Errorf("write exported certificate: %w", writeErr)
		}
	case ExportFormatPem:
		if writeErr := manager.fileSystem.WriteFile(request.Path, EncodeCertificatePEM(certificate), exportFilePermissions); writeErr != nil {
			return certificate, fmt.Errorf("write exported certificate: %w", writeErr)
		}
		if request.IncludePrivateKey {
			keyBytes, encodeErr := EncodePrivateKeyPEM(certificate.PrivateKey, request.Password)
			if encodeErr != nil {
				return certificate, encodeErr
			}
			keyPath := PrivateKeyPathFor(request.Path)
			if writeErr := manager.fileSystem.WriteFile(keyPath, keyBytes, exportFilePermissions); writeErr != nil {
				return certificate, fmt.Errorf("write exported private key: %w", writeErr)
			}
		}
	default:
		return certificate, fmt.Errorf("unsupported export format %s", format)
	}
	manager.info("development certificate exported",
		logging.String(logFieldThumbprint, certificate.Thumbprint()),
		logging.String(logFieldPath, request.Path),
	)
	return certificate, nil
}

// PrivateKeyPathFor returns the key file written alongside a PEM export.
func PrivateKeyPathFor(certificatePath string) string {
	return strings.TrimSuffix(certificatePath, filepath.Ext(certificatePath)) + privateKeyFileExtension
}

// ImportCertificate reads a PKCS#12 development certificate and saves it to the current user's personal store.
// Import is refused while any development certificate is already present.
func (manager Manager) ImportCertificate(ctx context.Context, request ImportRequest) (DevelopmentCertificate, error) {
	exists, existsErr := manager.fileSystem.FileExists(request.Path)
	if existsErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("check certificate file: %w", existsErr)
	}
	if !exists {
		return DevelopmentCertificate{}, fmt.Errorf("%w: %s", ErrCertificateFileMissing, request.Path)
	}
	pfxData, readErr := manager.fileSystem.ReadFile(request.Path)
	if readErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("read certificate file: %w", readErr)
	}
	imported, decodeErr := DecodePFX(pfxData, request.Password)
	if decodeErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("%w: %w", ErrInvalidCertificate, decodeErr)
	}
	if !IsDevelopmentCertificate(imported.Certificate) {
		return DevelopmentCertificate{}, ErrNoDevelopmentCertificate
	}
	if !imported.HasPrivateKey() {
		return DevelopmentCertificate{}, ErrPrivateKeyRequired
	}

	existing, listErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationCurrentUser, false)
	if listErr != nil {
		return DevelopmentCertificate{}, listErr
	}
	if len(existing) > 0 {
		return DevelopmentCertificate{}, ErrExistingCertificatesPresent
	}
	return manager.SaveCertificate(ctx, imported, StoreNamePersonal, StoreLocationCurrentUser)
}
