package certificates_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/devcerts/internal/certificates"
)

type storeKey struct {
	name     certificates.StoreName
	location certificates.StoreLocation
}

type memoryPlatform struct {
	stores         map[storeKey][]certificates.DevelopmentCertificate
	trusted        map[string]bool
	invalidStates  map[string]bool
	trustLevel     certificates.TrustLevel
	trustErr       error
	removeTrustErr error
	correctErr     error
	calls          []string
}

func newMemoryPlatform() *memoryPlatform {
	return &memoryPlatform{
		stores:        map[storeKey][]certificates.DevelopmentCertificate{},
		trusted:       map[string]bool{},
		invalidStates: map[string]bool{},
		trustLevel:    certificates.TrustLevelFull,
	}
}

func (platform *memoryPlatform) Name() string {
	return "memory"
}

func (platform *memoryPlatform) ListStore(ctx context.Context, storeName certificates.StoreName, storeLocation certificates.StoreLocation) ([]certificates.DevelopmentCertificate, error) {
	platform.calls = append(platform.calls, "list")
	return append([]certificates.DevelopmentCertificate{}, platform.stores[storeKey{storeName, storeLocation}]...), nil
}

func (platform *memoryPlatform) SaveToStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	platform.calls = append(platform.calls, "save")
	key := storeKey{storeName, storeLocation}
	for _, existing := range platform.stores[key] {
		if existing.Thumbprint() == certificate.Thumbprint() {
			return existing, nil
		}
	}
	platform.stores[key] = append(platform.stores[key], certificate)
	return certificate, nil
}

func (platform *memoryPlatform) RemoveFromStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) error {
	platform.calls = append(platform.calls, "remove")
	key := storeKey{storeName, storeLocation}
	kept := platform.stores[key][:0]
	for _, existing := range platform.stores[key] {
		if existing.Thumbprint() != certificate.Thumbprint() {
			kept = append(kept, existing)
		}
	}
	platform.stores[key] = kept
	return nil
}

func (platform *memoryPlatform) ResolvePrivateKey(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	for _, existing := range platform.stores[storeKey{certificates.StoreNamePersonal, certificates.StoreLocationCurrentUser}] {
		if existing.Thumbprint() == certificate.Thumbprint() && existing.HasPrivateKey() {
			return existing, nil
		}
	}
	return certificate, certificates.ErrInvalidCertificateState
}

func (platform *memoryPlatform) IsTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) (bool, error) {
	return platform.trusted[certificate.Thumbprint()], nil
}

func (platform *memoryPlatform) Trust(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.TrustLevel, error) {
	platform.calls = append(platform.calls, "trust")
	if platform.trustErr != nil {
		return certificates.TrustLevelNone, platform.trustErr
	}
	platform.trusted[certificate.Thumbprint()] = true
	rootKey := storeKey{certificates.StoreNameRoot, certificates.StoreLocationCurrentUser}
	platform.stores[rootKey] = append(platform.stores[rootKey], certificate.PublicOnly())
	return platform.trustLevel, nil
}

func (platform *memoryPlatform) RemoveTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	platform.calls = append(platform.calls, "untrust")
	if platform.removeTrustErr != nil {
		return platform.removeTrustErr
	}
	delete(platform.trusted, certificate.Thumbprint())
	return platform.RemoveFromStore(ctx, certificate, certificates.StoreNameRoot, certificates.StoreLocationCurrentUser)
}

func (platform *memoryPlatform) CheckState(ctx context.Context, certificate certificates.DevelopmentCertificate, interactive bool) (certificates.CheckCertificateStateResult, error) {
	if platform.invalidStates[certificate.Thumbprint()] {
		return certificates.CheckCertificateStateResult{IsValid: false, DiagnosticMessage: certificates.RemediationMessage}, nil
	}
	return certificates.CheckCertificateStateResult{IsValid: true}, nil
}

func (platform *memoryPlatform) CorrectState(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	platform.calls = append(platform.calls, "correct")
	if platform.correctErr != nil {
		return platform.correctErr
	}
	delete(platform.invalidStates, certificate.Thumbprint())
	return nil
}

func (platform *memoryPlatform) countCalls(name string) int {
	count := 0
	for _, call := range platform.calls {
		if call == name {
			count++
		}
	}
	return count
}

var testReferenceTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func issueTestCertificate(testingT *testing.T, subject string, notBefore time.Time, notAfter time.Time) certificates.DevelopmentCertificate {
	testingT.Helper()
	issuer := certificates.NewDevelopmentCertificateIssuer(rand.Reader, certificates.IssuerConfiguration{RSAKeyBitSize: 1024})
	certificate, issueErr := issuer.Issue(context.Background(), certificates.IssueRequest{
		Subject:   subject,
		Hosts:     []string{subject},
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	require.NoError(testingT, issueErr)
	return certificate
}

func newTestManager(platform certificates.Platform, fileSystem certificates.FileSystem) certificates.Manager {
	issuer := certificates.NewDevelopmentCertificateIssuer(rand.Reader, certificates.IssuerConfiguration{RSAKeyBitSize: 1024})
	return certificates.NewManager(platform, issuer, fileSystem, certificates.FixedClock{Instant: testReferenceTime}, nil, certificates.ManagerConfiguration{})
}
