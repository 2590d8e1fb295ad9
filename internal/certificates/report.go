package certificates

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const describeTimeLayout = "2006-01-02 15:04:05Z"

// CertificateReport is the machine-readable view of one development certificate.
type CertificateReport struct {
	Thumbprint                    string    `json:"Thumbprint"`
	Subject                       string    `json:"Subject"`
	SubjectAlternativeNames       []string  `json:"X509SubjectAlternativeNameExtension"`
	Version                       int       `json:"Version"`
	ValidityNotBefore             time.Time `json:"ValidityNotBefore"`
	ValidityNotAfter              time.Time `json:"ValidityNotAfter"`
	IsHttpsDevelopmentCertificate bool      `json:"IsHttpsDevelopmentCertificate"`
	IsExportable                  bool      `json:"IsExportable"`
	TrustLevel                    string    `json:"TrustLevel"`
}

// Describe renders a human readable one-line description including the current trust status.
func (manager Manager) Describe(ctx context.Context, certificate DevelopmentCertificate) string {
	trustStatus := "unknown"
	trusted, trustedErr := manager.platform.IsTrusted(ctx, certificate)
	if trustedErr != nil {
		manager.warn("failed to determine trust status", trustedErr, logging.String(logFieldThumbprint, certificate.Thumbprint()))
	} else {
		trustStatus = fmt.Sprintf("%t", trusted)
	}
	return DescribeCertificate(certificate, trustStatus)
}

// DescribeCertificate formats the certificate with an already computed trust status.
func DescribeCertificate(certificate DevelopmentCertificate, trustStatus string) string {
	var builder strings.Builder
	builder.WriteString(certificate.Thumbprint())
	builder.WriteString(" - CN=")
	builder.WriteString(certificate.Subject())
	builder.WriteString(" - Valid: [")
	builder.WriteString(certificate.NotBefore().UTC().Format(describeTimeLayout))
	builder.WriteString(" - ")
	builder.WriteString(certificate.NotAfter().UTC().Format(describeTimeLayout))
	builder.WriteString("] - IsHttpsDevelopmentCertificate: ")
	builder.WriteString(fmt.Sprintf("%t", IsDevelopmentCertificate(certificate.Certificate)))
	builder.WriteString(" - IsTrusted: ")
	builder.WriteString(trustStatus)
	return builder.String()
}

// Report builds machine-readable entries for the current user's valid development certificates.
func (manager Manager) Report(ctx context.Context) ([]CertificateReport, error) {
	certificates, listErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationCurrentUser, true)
	if listErr != nil {
		return nil, listErr
	}
	reports := make([]CertificateReport, 0, len(certificates))
	for _, certificate := range certificates {
		trustLevel := TrustLevelNone
		trusted, trustedErr := manager.platform.IsTrusted(ctx, certificate)
		if trustedErr != nil {
			manager.warn("failed to determine trust status", trustedErr, logging.String(logFieldThumbprint, certificate.Thumbprint()))
		} else if trusted {
			trustLevel = TrustLevelFull
		}
		reports = append(reports, CertificateReport{
			Thumbprint:                    certificate.Thumbprint(),
			Subject:                       "CN=" + certificate.Subject(),
			SubjectAlternativeNames:       certificate.Hosts(),
			Version:                       certificate.Version(),
			ValidityNotBefore:             certificate.NotBefore().UTC(),
			ValidityNotAfter:              certificate.NotAfter().UTC(),
			IsHttpsDevelopmentCertificate: IsDevelopmentCertificate(certificate.Certificate),
			IsExportable:                  certificate.HasPrivateKey(),
			TrustLevel:                    trustLevel.String(),
		})
	}
	return reports, nil
}
