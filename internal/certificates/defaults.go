package certificates

import "time"

const (
	// DevelopmentCertificateOID tags a certificate as an HTTPS development certificate.
	DevelopmentCertificateOID = "1.3.6.1.4.1.311.84.1.1"

	// DevelopmentCertificateFriendlyName is the value older generations stored in the marker extension.
	DevelopmentCertificateFriendlyName = "ASP.NET Core HTTPS development certificate"

	CurrentCertificateVersion = 2
	MinimumCertificateVersion = 1

	DefaultCertificateSubject  = "localhost"
	DefaultCertificateValidity = 365 * 24 * time.Hour
	DefaultRSAKeyBitSize       = 2048

	// MirrorFilePrefix and MirrorFileExtension form the disk mirror name aspnetcore-localhost-<THUMBPRINT>.pfx.
	MirrorFilePrefix    = "aspnetcore-localhost-"
	MirrorFileExtension = ".pfx"

	certificatePemBlockType          = "CERTIFICATE"
	privateKeyPemBlockType           = "PRIVATE KEY"
	encryptedPrivateKeyPemBlockType  = "ENCRYPTED PRIVATE KEY"
	rsaPrivateKeyPemBlockType        = "RSA PRIVATE KEY"
	ecPrivateKeyPemBlockType         = "EC PRIVATE KEY"
	certificateSerialNumberUpperBits = 128
)

// DefaultCertificateHosts lists the subject alternative names of a new certificate.
var DefaultCertificateHosts = []string{"localhost"}

// MirrorFileName returns the disk mirror file name for a thumbprint.
func MirrorFileName(thumbprint string) string {
	return MirrorFilePrefix + thumbprint + MirrorFileExtension
}
