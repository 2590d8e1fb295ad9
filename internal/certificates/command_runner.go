package certificates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	commandNameSudo = "sudo"

	environmentKeyPath               = "PATH"
	environmentKeySDKRoot            = "DOTNET_ROOT"
	environmentKeyMultilevelLookup   = "DOTNET_MULTILEVEL_LOOKUP"
	environmentValueMultilevelLookup = "0"
)

// CommandRequest describes one external tool invocation.
type CommandRequest struct {
	Executable       string
	Arguments        []string
	WorkingDirectory string
	Environment      map[string]string
}

// CommandResult captures the outcome of a completed process.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports whether the process exited with status zero.
func (result CommandResult) Succeeded() bool {
	return result.ExitCode == 0
}

// CommandRunner executes system commands.
// A nonzero exit status is reported through CommandResult, not through the error,
// which is reserved for processes that could not be started or were interrupted.
type CommandRunner interface {
	Run(ctx context.Context, request CommandRequest) (CommandResult, error)
	RunWithPrivileges(ctx context.Context, request CommandRequest) (CommandResult, error)
}

// CommandError reports a platform utility that exited unsuccessfully.
type CommandError struct {
	Executable string
	Arguments  []string
	ExitCode   int
	Stderr     string
}

func (commandError *CommandError) Error() string {
	message := fmt.Sprintf("execute %s %s: exit status %d", commandError.Executable, strings.Join(commandError.Arguments, " "), commandError.ExitCode)
	trimmedStderr := strings.TrimSpace(commandError.Stderr)
	if trimmedStderr == "" {
		return message
	}
	return message + ": " + trimmedStderr
}

// RunChecked executes the request and converts a nonzero exit status into a *CommandError.
func RunChecked(ctx context.Context, commandRunner CommandRunner, request CommandRequest) (CommandResult, error) {
	result, runErr := commandRunner.Run(ctx, request)
	if runErr != nil {
		return result, runErr
	}
	if !result.Succeeded() {
		return result, &CommandError{Executable: request.Executable, Arguments: request.Arguments, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// RunnerConfiguration controls how external tools are launched.
type RunnerConfiguration struct {
	// Timeout bounds each invocation. Zero waits indefinitely.
	Timeout time.Duration
	// Environment is applied to every invocation beneath per-request overrides.
	Environment map[string]string
}

// ExecutableRunner executes commands using the local operating system.
type ExecutableRunner struct {
	configuration  RunnerConfiguration
	loggingService *logging.Service
}

// NewExecutableRunner constructs an ExecutableRunner.
func NewExecutableRunner(configuration RunnerConfiguration, loggingService *logging.Service) ExecutableRunner {
	return ExecutableRunner{configuration: configuration, loggingService: loggingService}
}

// Run executes the executable with the provided arguments.
func (executableRunner ExecutableRunner) Run(ctx context.Context, request CommandRequest) (CommandResult, error) {
	runContext := ctx
	if executableRunner.configuration.Timeout > 0 {
		var cancel context.CancelFunc
		runContext, cancel = context.WithTimeout(ctx, executableRunner.configuration.Timeout)
		defer cancel()
	}

	command := exec.CommandContext(runContext, request.Executable, request.Arguments...)
	command.Dir = request.WorkingDirectory
	command.Env = mergeEnvironment(os.Environ(), executableRunner.configuration.Environment, request.Environment)
	var stdoutBuffer bytes.Buffer
	var stderrBuffer bytes.Buffer
	command.Stdout = &stdoutBuffer
	command.Stderr = &stderrBuffer

	if executableRunner.loggingService != nil {
		executableRunner.loggingService.Debug("running external tool", logging.String("executable", request.Executable), logging.Strings("arguments", request.Arguments))
	}
	runErr := command.Run()
	result := CommandResult{Stdout: stdoutBuffer.String(), Stderr: stderrBuffer.String()}
	if runErr != nil {
		if contextErr := runContext.Err(); contextErr != nil {
			return result, fmt.Errorf("execute %s: %w", request.Executable, contextErr)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, fmt.Errorf("execute %s: %w: %s", request.Executable, runErr, stderrBuffer.String())
		}
		result.ExitCode = exitErr.ExitCode()
	}
	if executableRunner.loggingService != nil {
		executableRunner.loggingService.Debug("external tool finished", logging.String("executable", request.Executable), logging.Int("exit_code", result.ExitCode))
	}
	return result, nil
}

// RunWithPrivileges executes the command through sudo unless the process is already privileged.
func (executableRunner ExecutableRunner) RunWithPrivileges(ctx context.Context, request CommandRequest) (CommandResult, error) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		return executableRunner.Run(ctx, request)
	}
	privilegedRequest := request
	privilegedRequest.Executable = commandNameSudo
	privilegedRequest.Arguments = append([]string{"--", request.Executable}, request.Arguments...)
	return executableRunner.Run(ctx, privilegedRequest)
}

// ToolEnvironment returns the overrides that pin invoked tooling to the SDK installed at sdkRoot.
func ToolEnvironment(sdkRoot string) map[string]string {
	trimmedRoot := strings.TrimSpace(sdkRoot)
	if trimmedRoot == "" {
		return nil
	}
	searchPath := trimmedRoot
	if existingPath := os.Getenv(environmentKeyPath); existingPath != "" {
		searchPath = trimmedRoot + string(filepath.ListSeparator) + existingPath
	}
	return map[string]string{
		environmentKeyPath:             searchPath,
		environmentKeySDKRoot:          trimmedRoot,
		environmentKeyMultilevelLookup: environmentValueMultilevelLookup,
	}
}

func mergeEnvironment(base []string, overrideSets ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, entry := range base {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		if _, exists := merged[key]; !exists {
			order = append(order, key)
		}
		merged[key] = value
	}
	for _, overrides := range overrideSets {
		overrideKeys := make([]string, 0, len(overrides))
		for key := range overrides {
			overrideKeys = append(overrideKeys, key)
		}
		sort.Strings(overrideKeys)
		for _, key := range overrideKeys {
			if _, exists := merged[key]; !exists {
				order = append(order, key)
			}
			merged[key] = overrides[key]
		}
	}
	environment := make([]string, 0, len(order))
	for _, key := range order {
		environment = append(environment, key+"="+merged[key])
	}
	return environment
}
