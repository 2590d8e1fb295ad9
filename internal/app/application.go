package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/internal/certificates/truststore"
	"github.com/tyemirov/devcerts/pkg/logging"
)

type contextKey string

const (
	contextKeyApplicationResources contextKey = "application-resources"

	defaultConfigFileName  = "config"
	defaultConfigFileType  = "yaml"
	defaultApplicationName = "devcerts"

	flagNameConfigFile      = "config"
	flagNameLoggingType     = "logging-type"
	flagNameVerbose         = "verbose"
	flagNameInteractive     = "interactive"
	flagNameTrust           = "trust"
	flagNameExportPath      = "export-path"
	flagNameFormat          = "format"
	flagNamePassword        = "password"
	flagNameNoPassword      = "no-password"
	flagNameMachineReadable = "machine-readable"
	flagNameStore           = "store"
	flagNameLocation        = "location"
	flagNameAll             = "all"
	flagNamePort            = "port"

	configKeyLoggingType           = "logging.type"
	configKeyLoggingVerbose        = "logging.verbose"
	configKeyCertificateSubject    = "certificate.subject"
	configKeyCertificateHosts      = "certificate.hosts"
	configKeyCertificateValidity   = "certificate.validity"
	configKeyCertificateKeyBits    = "certificate.key_bits"
	configKeyMacOSKeychain         = "macos.keychain"
	configKeyMacOSMirrorDirectory  = "macos.mirror_directory"
	configKeyLinuxStoreDirectory   = "linux.store_directory"
	configKeyLinuxTrustDirectory   = "linux.trust_directory"
	configKeyLinuxNSSDatabases     = "linux.nss_databases"
	configKeyProcessTimeout        = "process.timeout"
	configKeyProcessSDKRoot        = "process.sdk_root"
	configKeyInteractive           = "interactive"
	logMessageFailedInitializeLog  = "failed to initialize logger"
	logMessageResolveUserConfigDir = "resolve user config directory"
	logMessageCommandFailed        = "command execution failed"
)

type managerFactory func(resources *applicationResources) (certificates.Manager, error)

type applicationResources struct {
	configurationManager *viper.Viper
	loggingService       *logging.Service
	defaultConfigDirPath string
	managerFactory       managerFactory
}

func (resources *applicationResources) updateLogger(loggingType string, verbose bool) error {
	normalizedType, err := logging.NormalizeType(loggingType)
	if err != nil {
		return err
	}
	if resources.loggingService != nil && resources.loggingService.Type() == normalizedType && resources.loggingService.Verbose() == verbose {
		return nil
	}
	service, err := logging.NewService(normalizedType, verbose)
	if err != nil {
		return err
	}
	if resources.loggingService != nil {
		_ = resources.loggingService.Sync()
	}
	resources.loggingService = service
	return nil
}

func (resources *applicationResources) loggingType() string {
	if resources.loggingService == nil {
		return logging.TypeConsole
	}
	return resources.loggingService.Type()
}

func (resources *applicationResources) manager() (certificates.Manager, error) {
	factory := resources.managerFactory
	if factory == nil {
		factory = buildManager
	}
	return factory(resources)
}

// Execute runs the CLI using the provided context and arguments, returning an exit code.
func Execute(ctx context.Context, arguments []string) int {
	initialService, err := logging.NewService(logging.TypeConsole, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", logMessageFailedInitializeLog, err)
		return 1
	}

	userConfigDir, userConfigErr := os.UserConfigDir()
	if userConfigErr != nil {
		initialService.Error(logMessageResolveUserConfigDir, userConfigErr)
		return 1
	}
	resources := &applicationResources{
		configurationManager: newConfigurationManager(),
		loggingService:       initialService,
		defaultConfigDirPath: filepath.Join(userConfigDir, defaultApplicationName),
	}
	defer func() {
		if resources.loggingService != nil {
			_ = resources.loggingService.Sync()
		}
	}()

	return executeWithResources(ctx, resources, arguments)
}

func executeWithResources(ctx context.Context, resources *applicationResources, arguments []string) int {
	rootCommand := newRootCommand(resources)
	baseContext := context.WithValue(ctx, contextKeyApplicationResources, resources)
	rootCommand.SetContext(baseContext)
	rootCommand.SetArgs(arguments)

	if executionErr := rootCommand.Execute(); executionErr != nil {
		resources.loggingService.Error(logMessageCommandFailed, executionErr)
		return 1
	}
	return 0
}

func newConfigurationManager() *viper.Viper {
	configurationManager := viper.New()
	configurationManager.SetEnvPrefix(strings.ToUpper(defaultApplicationName))
	configurationManager.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configurationManager.AutomaticEnv()

	configurationManager.SetDefault(configKeyLoggingType, logging.TypeConsole)
	configurationManager.SetDefault(configKeyLoggingVerbose, false)
	configurationManager.SetDefault(configKeyCertificateSubject, certificates.DefaultCertificateSubject)
	configurationManager.SetDefault(configKeyCertificateHosts, certificates.DefaultCertificateHosts)
	configurationManager.SetDefault(configKeyCertificateValidity, certificates.DefaultCertificateValidity)
	configurationManager.SetDefault(configKeyCertificateKeyBits, certificates.DefaultRSAKeyBitSize)
	// Empty platform paths are derived from the home directory by the trust store.
	configurationManager.SetDefault(configKeyMacOSKeychain, "")
	configurationManager.SetDefault(configKeyMacOSMirrorDirectory, "")
	configurationManager.SetDefault(configKeyLinuxStoreDirectory, "")
	configurationManager.SetDefault(configKeyLinuxTrustDirectory, "")
	configurationManager.SetDefault(configKeyLinuxNSSDatabases, []string{})
	configurationManager.SetDefault(configKeyProcessTimeout, 0)
	configurationManager.SetDefault(configKeyProcessSDKRoot, "")
	configurationManager.SetDefault(configKeyInteractive, isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()))
	return configurationManager
}

func buildManager(resources *applicationResources) (certificates.Manager, error) {
	configurationManager := resources.configurationManager
	commandRunner := certificates.NewExecutableRunner(certificates.RunnerConfiguration{
		Timeout: configurationManager.GetDuration(configKeyProcessTimeout),
	}, resources.loggingService)
	fileSystem := certificates.NewOperatingSystemFileSystem()

	platform, platformErr := truststore.NewPlatform(commandRunner, fileSystem, resources.loggingService, truststore.Configuration{
		MacOSKeychainPath:      expandHomeDirectory(configurationManager.GetString(configKeyMacOSKeychain)),
		MacOSMirrorDirectory:   expandHomeDirectory(configurationManager.GetString(configKeyMacOSMirrorDirectory)),
		LinuxStoreDirectory:    expandHomeDirectory(configurationManager.GetString(configKeyLinuxStoreDirectory)),
		LinuxTrustDirectory:    expandHomeDirectory(configurationManager.GetString(configKeyLinuxTrustDirectory)),
		NSSDatabaseDirectories: expandHomeDirectories(configurationManager.GetStringSlice(configKeyLinuxNSSDatabases)),
		ToolEnvironment:        certificates.ToolEnvironment(configurationManager.GetString(configKeyProcessSDKRoot)),
	})
	if platformErr != nil {
		return certificates.Manager{}, platformErr
	}

	issuer := certificates.NewDevelopmentCertificateIssuer(rand.Reader, certificates.IssuerConfiguration{
		RSAKeyBitSize: configurationManager.GetInt(configKeyCertificateKeyBits),
		Version:       certificates.CurrentCertificateVersion,
	})
	return certificates.NewManager(platform, issuer, fileSystem, certificates.NewSystemClock(), resources.loggingService, certificates.ManagerConfiguration{
		Subject:          strings.TrimSpace(configurationManager.GetString(configKeyCertificateSubject)),
		Hosts:            sanitizeHosts(configurationManager.GetStringSlice(configKeyCertificateHosts)),
		ValidityDuration: configurationManager.GetDuration(configKeyCertificateValidity),
	}), nil
}

func expandHomeDirectory(path string) string {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath != "~" && !strings.HasPrefix(trimmedPath, "~/") {
		return trimmedPath
	}
	homeDirectory, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return trimmedPath
	}
	return filepath.Join(homeDirectory, strings.TrimPrefix(trimmedPath, "~"))
}

func expandHomeDirectories(paths []string) []string {
	expanded := make([]string, 0, len(paths))
	for _, path := range sanitizeHosts(paths) {
		expanded = append(expanded, expandHomeDirectory(path))
	}
	return expanded
}

func sanitizeHosts(hosts []string) []string {
	seen := map[string]struct{}{}
	result := make([]string, 0, len(hosts))
	for _, host := range hosts {
		normalizedHost := strings.TrimSpace(host)
		if normalizedHost == "" {
			continue
		}
		if _, exists := seen[normalizedHost]; exists {
			continue
		}
		seen[normalizedHost] = struct{}{}
		result = append(result, normalizedHost)
	}
	return result
}
