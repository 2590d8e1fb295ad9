package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/spf13/viper"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

type fakePlatform struct {
	personal map[string]certificates.DevelopmentCertificate
	root     map[string]certificates.DevelopmentCertificate
	// keyLocked makes every certificate report a key that only an interactive session can reach.
	keyLocked bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		personal: map[string]certificates.DevelopmentCertificate{},
		root:     map[string]certificates.DevelopmentCertificate{},
	}
}

func (platform *fakePlatform) store(storeName certificates.StoreName) map[string]certificates.DevelopmentCertificate {
	if storeName == certificates.StoreNameRoot {
		return platform.root
	}
	return platform.personal
}

func (platform *fakePlatform) Name() string {
	return "fake"
}

func (platform *fakePlatform) ListStore(ctx context.Context, storeName certificates.StoreName, storeLocation certificates.StoreLocation) ([]certificates.DevelopmentCertificate, error) {
	if storeLocation != certificates.StoreLocationCurrentUser {
		return nil, nil
	}
	listed := []certificates.DevelopmentCertificate{}
	for _, certificate := range platform.store(storeName) {
		listed = append(listed, certificate)
	}
	return listed, nil
}

func (platform *fakePlatform) SaveToStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) (certificates.DevelopmentCertificate, error) {
	target := platform.store(storeName)
	if existing, found := target[certificate.Thumbprint()]; found {
		return existing, nil
	}
	target[certificate.Thumbprint()] = certificate
	return certificate, nil
}

func (platform *fakePlatform) RemoveFromStore(ctx context.Context, certificate certificates.DevelopmentCertificate, storeName certificates.StoreName, storeLocation certificates.StoreLocation) error {
	delete(platform.store(storeName), certificate.Thumbprint())
	return nil
}

func (platform *fakePlatform) ResolvePrivateKey(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.DevelopmentCertificate, error) {
	if stored, found := platform.personal[certificate.Thumbprint()]; found && stored.HasPrivateKey() {
		return stored, nil
	}
	return certificate, certificates.ErrInvalidCertificateState
}

func (platform *fakePlatform) IsTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) (bool, error) {
	_, trusted := platform.root[certificate.Thumbprint()]
	return trusted, nil
}

func (platform *fakePlatform) Trust(ctx context.Context, certificate certificates.DevelopmentCertificate) (certificates.TrustLevel, error) {
	platform.root[certificate.Thumbprint()] = certificate.PublicOnly()
	return certificates.TrustLevelFull, nil
}

func (platform *fakePlatform) RemoveTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	delete(platform.root, certificate.Thumbprint())
	return nil
}

func (platform *fakePlatform) CheckState(ctx context.Context, certificate certificates.DevelopmentCertificate, interactive bool) (certificates.CheckCertificateStateResult, error) {
	if platform.keyLocked {
		return certificates.CheckCertificateStateResult{
			DiagnosticMessage:   "the certificate key is locked",
			RequiresInteraction: !interactive,
		}, nil
	}
	return certificates.CheckCertificateStateResult{IsValid: true}, nil
}

func (platform *fakePlatform) CorrectState(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	return nil
}

type commandFixture struct {
	resources  *applicationResources
	platform   *fakePlatform
	fileSystem certificates.AferoFileSystem
}

func newCommandFixture(testingInstance *testing.T) commandFixture {
	testingInstance.Helper()
	platform := newFakePlatform()
	fileSystem := certificates.NewMemoryFileSystem()
	configurationManager := newConfigurationManager()
	configurationManager.Set(configKeyInteractive, false)
	resources := &applicationResources{
		configurationManager: configurationManager,
		loggingService:       logging.NewTestService(logging.TypeConsole),
		defaultConfigDirPath: testingInstance.TempDir(),
	}
	resources.managerFactory = func(resources *applicationResources) (certificates.Manager, error) {
		issuer := certificates.NewDevelopmentCertificateIssuer(rand.Reader, certificates.IssuerConfiguration{RSAKeyBitSize: 1024})
		return certificates.NewManager(platform, issuer, fileSystem, certificates.NewSystemClock(), resources.loggingService, certificates.ManagerConfiguration{
			Subject: resources.configurationManager.GetString(configKeyCertificateSubject),
		}), nil
	}
	return commandFixture{resources: resources, platform: platform, fileSystem: fileSystem}
}

// run executes the command tree and returns what it printed to stdout.
func (fixture commandFixture) run(arguments ...string) (string, error) {
	rootCommand := newRootCommand(fixture.resources)
	var output bytes.Buffer
	rootCommand.SetOut(&output)
	rootCommand.SetContext(context.WithValue(context.Background(), contextKeyApplicationResources, fixture.resources))
	rootCommand.SetArgs(arguments)
	runErr := rootCommand.Execute()
	return output.String(), runErr
}

func newBareResources(testingInstance *testing.T) *applicationResources {
	testingInstance.Helper()
	return &applicationResources{
		configurationManager: viper.New(),
		loggingService:       logging.NewTestService(logging.TypeConsole),
		defaultConfigDirPath: testingInstance.TempDir(),
	}
}
