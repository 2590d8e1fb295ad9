package certificates

import "context"

// Platform is the per-operating-system capability set: a certificate store adapter combined with a trust backend.
// Implementations enumerate only certificates carrying the development marker.
type Platform interface {
	Name() string

	ListStore(ctx context.Context, storeName StoreName, storeLocation StoreLocation) ([]DevelopmentCertificate, error)
	// SaveToStore is idempotent by thumbprint and returns the certificate as persisted.
	SaveToStore(ctx context.Context, certificate DevelopmentCertificate, storeName StoreName, storeLocation StoreLocation) (DevelopmentCertificate, error)
	RemoveFromStore(ctx context.Context, certificate DevelopmentCertificate, storeName StoreName, storeLocation StoreLocation) error
	// ResolvePrivateKey returns the certificate with its private key attached.
	ResolvePrivateKey(ctx context.Context, certificate DevelopmentCertificate) (DevelopmentCertificate, error)

	IsTrusted(ctx context.Context, certificate DevelopmentCertificate) (bool, error)
	Trust(ctx context.Context, certificate DevelopmentCertificate) (TrustLevel, error)
	RemoveTrust(ctx context.Context, certificate DevelopmentCertificate) error

	CheckState(ctx context.Context, certificate DevelopmentCertificate, interactive bool) (CheckCertificateStateResult, error)
	CorrectState(ctx context.Context, certificate DevelopmentCertificate) error
}
