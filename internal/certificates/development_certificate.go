package certificates

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// StoreName identifies a logical certificate collection.
type StoreName string

const (
	StoreNamePersonal StoreName = "My"
	StoreNameRoot     StoreName = "Root"
)

// StoreLocation qualifies a store by scope.
type StoreLocation string

const (
	StoreLocationCurrentUser  StoreLocation = "CurrentUser"
	StoreLocationLocalMachine StoreLocation = "LocalMachine"
)

// ParseStoreName accepts "my", "personal" or "root" in any case.
func ParseStoreName(rawValue string) (StoreName, error) {
	switch strings.ToLower(strings.TrimSpace(rawValue)) {
	case "my", "personal":
		return StoreNamePersonal, nil
	case "root", "trustedroot":
		return StoreNameRoot, nil
	default:
		return "", fmt.Errorf("unsupported store name %s", rawValue)
	}
}

// ParseStoreLocation accepts "current-user" or "local-machine" style values in any case.
func ParseStoreLocation(rawValue string) (StoreLocation, error) {
	normalized := strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(strings.TrimSpace(rawValue)))
	switch normalized {
	case "currentuser", "user":
		return StoreLocationCurrentUser, nil
	case "localmachine", "machine":
		return StoreLocationLocalMachine, nil
	default:
		return "", fmt.Errorf("unsupported store location %s", rawValue)
	}
}

// TrustLevel reports how many trust targets accepted a certificate.
type TrustLevel int

const (
	TrustLevelNone TrustLevel = iota
	TrustLevelPartial
	TrustLevelFull
)

func (level TrustLevel) String() string {
	switch level {
	case TrustLevelFull:
		return "Full"
	case TrustLevelPartial:
		return "Partial"
	default:
		return "None"
	}
}

// CheckCertificateStateResult is a point-in-time verdict on whether a certificate's key is usable.
type CheckCertificateStateResult struct {
	IsValid             bool
	DiagnosticMessage   string
	RequiresInteraction bool
}

// DevelopmentCertificate couples a parsed certificate with its private key when one is available.
type DevelopmentCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// NewDevelopmentCertificate wraps a parsed certificate and an optional private key.
func NewDevelopmentCertificate(certificate *x509.Certificate, privateKey crypto.Signer) DevelopmentCertificate {
	return DevelopmentCertificate{Certificate: certificate, PrivateKey: privateKey}
}

// Thumbprint is the upper-case hexadecimal SHA-1 digest of the DER encoding.
func (certificate DevelopmentCertificate) Thumbprint() string {
	if certificate.Certificate == nil {
		return ""
	}
	return Thumbprint(certificate.Certificate.Raw)
}

// Subject returns the subject common name.
func (certificate DevelopmentCertificate) Subject() string {
	return certificate.Certificate.Subject.CommonName
}

func (certificate DevelopmentCertificate) NotBefore() time.Time {
	return certificate.Certificate.NotBefore
}

func (certificate DevelopmentCertificate) NotAfter() time.Time {
	return certificate.Certificate.NotAfter
}

// Raw returns the DER encoding.
func (certificate DevelopmentCertificate) Raw() []byte {
	return certificate.Certificate.Raw
}

func (certificate DevelopmentCertificate) HasPrivateKey() bool {
	return certificate.PrivateKey != nil
}

// WithPrivateKey returns a copy carrying privateKey.
func (certificate DevelopmentCertificate) WithPrivateKey(privateKey crypto.Signer) DevelopmentCertificate {
	certificate.PrivateKey = privateKey
	return certificate
}

// PublicOnly returns a copy without the private key.
func (certificate DevelopmentCertificate) PublicOnly() DevelopmentCertificate {
	certificate.PrivateKey = nil
	return certificate
}

// Version returns the development certificate generation encoded in the marker extension.
func (certificate DevelopmentCertificate) Version() int {
	return CertificateVersion(certificate.Certificate)
}

// IsValidAt reports whether instant falls inside the validity window.
func (certificate DevelopmentCertificate) IsValidAt(instant time.Time) bool {
	return !instant.Before(certificate.Certificate.NotBefore) && !instant.After(certificate.Certificate.NotAfter)
}

// Hosts lists the DNS and IP subject alternative names.
func (certificate DevelopmentCertificate) Hosts() []string {
	hosts := append([]string{}, certificate.Certificate.DNSNames...)
	for _, address := range certificate.Certificate.IPAddresses {
		hosts = append(hosts, address.String())
	}
	return hosts
}

// Thumbprint computes the identity of a DER-encoded certificate.
func Thumbprint(der []byte) string {
	digest := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(digest[:]))
}

// NormalizeThumbprint upper-cases a thumbprint and strips separators.
func NormalizeThumbprint(rawValue string) string {
	return strings.ToUpper(strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(rawValue)))
}

// IsDevelopmentCertificate reports whether the certificate carries the development marker extension.
func IsDevelopmentCertificate(certificate *x509.Certificate) bool {
	_, found := developmentExtensionValue(certificate)
	return found
}

// CertificateVersion decodes the marker extension. Certificates from the oldest generation carry
// the ASCII friendly name instead of a version byte and report version 0.
func CertificateVersion(certificate *x509.Certificate) int {
	value, found := developmentExtensionValue(certificate)
	if !found || len(value) != 1 {
		return 0
	}
	return int(value[0])
}

func developmentExtensionValue(certificate *x509.Certificate) ([]byte, bool) {
	if certificate == nil {
		return nil, false
	}
	for _, extension := range certificate.Extensions {
		if extension.Id.Equal(developmentCertificateObjectIdentifier) {
			return extension.Value, true
		}
	}
	return nil, false
}

var developmentCertificateObjectIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 84, 1, 1}

// DeduplicateByThumbprint keeps the first occurrence of each thumbprint, preferring entries that carry a private key.
func DeduplicateByThumbprint(candidates []DevelopmentCertificate) []DevelopmentCertificate {
	positions := map[string]int{}
	result := make([]DevelopmentCertificate, 0, len(candidates))
	for _, candidate := range candidates {
		thumbprint := candidate.Thumbprint()
		position, seen := positions[thumbprint]
		if !seen {
			positions[thumbprint] = len(result)
			result = append(result, candidate)
			continue
		}
		if !result[position].HasPrivateKey() && candidate.HasPrivateKey() {
			result[position] = candidate
		}
	}
	return result
}
