package truststore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	commandNameSecurity   = "security"
	commandNameCertutil   = "certutil"
	commandNameOpenSSL    = "openssl"
	commandNamePowerShell = "powershell"

	logFieldThumbprint = "thumbprint"
	logFieldPath       = "path"
	logFieldDatabase   = "database"
	logFieldStore      = "store"
)

// Configuration locates the per-platform stores. Empty paths are derived from HomeDirectory.
type Configuration struct {
	HomeDirectory             string
	MacOSKeychainPath         string
	MacOSMirrorDirectory      string
	LinuxStoreDirectory       string
	LinuxTrustDirectory       string
	NSSDatabaseDirectories    []string
	FirefoxProfileDirectories []string
	// ToolEnvironment is applied to every external tool invocation.
	ToolEnvironment map[string]string
}

type platformFactory func(commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error)

var supportedFactories = map[string]platformFactory{
	"darwin":  newMacOSCertificateManager,
	"linux":   newLinuxCertificateManager,
	"windows": newWindowsCertificateManager,
}

// NewPlatform constructs the Platform for the running operating system.
func NewPlatform(commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error) {
	return NewPlatformForOperatingSystem(runtime.GOOS, commandRunner, fileSystem, loggingService, configuration)
}

// NewPlatformForOperatingSystem constructs the Platform registered for operatingSystem.
func NewPlatformForOperatingSystem(operatingSystem string, commandRunner certificates.CommandRunner, fileSystem certificates.FileSystem, loggingService *logging.Service, configuration Configuration) (certificates.Platform, error) {
	factory, found := supportedFactories[operatingSystem]
	if !found {
		return nil, fmt.Errorf("%w: %s", certificates.ErrUnsupportedPlatform, operatingSystem)
	}
	if configuration.HomeDirectory == "" {
		homeDirectory, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return nil, fmt.Errorf("resolve home directory: %w", homeErr)
		}
		configuration.HomeDirectory = homeDirectory
	}
	if loggingService == nil {
		loggingService = logging.NewTestService(logging.TypeConsole)
	}
	return factory(commandRunner, fileSystem, loggingService, configuration)
}

// toolInvoker runs platform utilities with the configured environment and scoped temporary files.
type toolInvoker struct {
	commandRunner  certificates.CommandRunner
	fileSystem     certificates.FileSystem
	loggingService *logging.Service
	environment    map[string]string
}

func (invoker toolInvoker) request(executable string, arguments ...string) certificates.CommandRequest {
	return certificates.CommandRequest{Executable: executable, Arguments: arguments, Environment: invoker.environment}
}

func (invoker toolInvoker) run(ctx context.Context, executable string, arguments ...string) (certificates.CommandResult, error) {
	return invoker.commandRunner.Run(ctx, invoker.request(executable, arguments...))
}

func (invoker toolInvoker) runChecked(ctx context.Context, executable string, arguments ...string) (certificates.CommandResult, error) {
	return certificates.RunChecked(ctx, invoker.commandRunner, invoker.request(executable, arguments...))
}

func (invoker toolInvoker) runPrivileged(ctx context.Context, executable string, arguments ...string) (certificates.CommandResult, error) {
	request := invoker.request(executable, arguments...)
	result, runErr := invoker.commandRunner.RunWithPrivileges(ctx, request)
	if runErr != nil {
		return result, runErr
	}
	if !result.Succeeded() {
		return result, &certificates.CommandError{Executable: executable, Arguments: arguments, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

func (invoker toolInvoker) withTemporaryFile(pattern string, data []byte, operation func(path string) error) error {
	return certificates.WithTemporaryFile(invoker.fileSystem, invoker.loggingService, pattern, data, operation)
}

func (invoker toolInvoker) withPublicCertificate(certificate certificates.DevelopmentCertificate, operation func(path string) error) error {
	return invoker.withTemporaryFile("devcert-*.pem", certificates.EncodeCertificatePEM(certificate), operation)
}

func transitPassword() string {
	return uuid.NewString()
}

func certificateNickname(certificate certificates.DevelopmentCertificate) string {
	return certificates.MirrorFilePrefix + certificate.Thumbprint()
}

func defaultPath(configured string, homeDirectory string, elements ...string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(append([]string{homeDirectory}, elements...)...)
}

func containsThumbprint(candidates []certificates.DevelopmentCertificate, thumbprint string) bool {
	for _, candidate := range candidates {
		if candidate.Thumbprint() == thumbprint {
			return true
		}
	}
	return false
}

func developmentCertificatesOnly(candidates []certificates.DevelopmentCertificate) []certificates.DevelopmentCertificate {
	filtered := make([]certificates.DevelopmentCertificate, 0, len(candidates))
	for _, candidate := range candidates {
		if certificates.IsDevelopmentCertificate(candidate.Certificate) {
			filtered = append(filtered, candidate)
		}
	}
	return filtered
}
