package certificates

import "errors"

// RemediationMessage tells the user how to recover from an inconsistent certificate state.
const RemediationMessage = "run 'devcerts https clean' to remove the existing certificates, 'devcerts https ensure' to create a new one and 'devcerts https trust' to trust it"

var (
	// ErrInvalidCertificateState marks store, trust and disk records that cannot be reconciled automatically.
	ErrInvalidCertificateState = errors.New("the development certificate is in an invalid state; " + RemediationMessage)

	// ErrTrustFailed wraps a failed trust installation.
	ErrTrustFailed = errors.New("failed to trust the development certificate")

	// ErrUserCancelledTrust reports that the operating system consent prompt was dismissed.
	ErrUserCancelledTrust = errors.New("the user cancelled the trust prompt")

	// ErrFailedToMakeKeyAccessible reports a private key that could not be made usable.
	ErrFailedToMakeKeyAccessible = errors.New("failed to make the development certificate key accessible")

	ErrCertificateNotFound         = errors.New("no development certificate found")
	ErrNoDevelopmentCertificate    = errors.New("the certificate is not a development certificate")
	ErrExistingCertificatesPresent = errors.New("development certificates are already present")
	ErrCertificateFileMissing      = errors.New("certificate file does not exist")
	ErrInvalidCertificate          = errors.New("the certificate file is invalid or the password is wrong")
	ErrPrivateKeyRequired          = errors.New("the operation requires the certificate private key")
	ErrUnsupportedPlatform         = errors.New("unsupported operating system")
)
