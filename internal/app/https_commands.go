package app

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scylladb/termtables"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/internal/server"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	logFieldThumbprint = "thumbprint"
	logFieldOutcome    = "outcome"
	logFieldTrustLevel = "trust_level"

	listTimeLayout = "2006-01-02 15:04:05Z"

	requiresInteractionTemplate = "the certificate %s needs user interaction to access its private key; rerun with --%s\n"
)

var (
	errCertificateNotTrusted = errors.New("the development certificate is not trusted")
	errProbeRejected         = errors.New("the TLS client rejected the development certificate")
)

func newHTTPSCommand() *cobra.Command {
	httpsCommand := &cobra.Command{
		Use:   "https",
		Short: "Create, trust, inspect and remove the HTTPS development certificate",
	}

	httpsCommand.AddCommand(newEnsureCommand())
	httpsCommand.AddCommand(newCheckCommand())
	httpsCommand.AddCommand(newTrustCommand())
	httpsCommand.AddCommand(newUntrustCommand())
	httpsCommand.AddCommand(newCleanCommand())
	httpsCommand.AddCommand(newListCommand())
	httpsCommand.AddCommand(newExportCommand())
	httpsCommand.AddCommand(newImportCommand())
	httpsCommand.AddCommand(newProbeCommand())

	return httpsCommand
}

func newEnsureCommand() *cobra.Command {
	ensureCommand := &cobra.Command{
		Use:   "ensure",
		Short: "Create the development certificate unless a valid one exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnsure(cmd)
		},
	}
	ensureCommand.Flags().Bool(flagNameTrust, false, "Trust the certificate after ensuring it")
	ensureCommand.Flags().String(flagNameExportPath, "", "Export the certificate to this path")
	addExportFlags(ensureCommand)
	return ensureCommand
}

func newCheckCommand() *cobra.Command {
	checkCommand := &cobra.Command{
		Use:   "check",
		Short: "Report whether a valid development certificate exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd)
		},
	}
	checkCommand.Flags().Bool(flagNameTrust, false, "Fail unless the certificate is also trusted")
	checkCommand.Flags().Bool(flagNameMachineReadable, false, "Print the certificates as JSON")
	return checkCommand
}

func newTrustCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Ensure the development certificate exists and trust it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrust(cmd)
		},
	}
}

func newUntrustCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "untrust",
		Short: "Remove trust from every development certificate but keep the certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntrust(cmd)
		},
	}
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every development certificate and its trust",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd)
		},
	}
}

func newListCommand() *cobra.Command {
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "List development certificates in a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
	listCommand.Flags().String(flagNameStore, "my", "Store to list (my or root)")
	listCommand.Flags().String(flagNameLocation, "current-user", "Store location (current-user or local-machine)")
	listCommand.Flags().Bool(flagNameAll, false, "Include expired and outdated certificates")
	return listCommand
}

func newExportCommand() *cobra.Command {
	exportCommand := &cobra.Command{
		Use:   "export <path>",
		Short: "Export the current development certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, args[0])
		},
	}
	addExportFlags(exportCommand)
	return exportCommand
}

func newImportCommand() *cobra.Command {
	importCommand := &cobra.Command{
		Use:   "import <path>",
		Short: "Import a PKCS#12 development certificate into the personal store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, args[0])
		},
	}
	importCommand.Flags().String(flagNamePassword, "", "Password protecting the PKCS#12 file")
	return importCommand
}

func newProbeCommand() *cobra.Command {
	probeCommand := &cobra.Command{
		Use:   "probe",
		Short: "Serve the certificate on localhost and verify it against the system roots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd)
		},
	}
	probeCommand.Flags().String(flagNamePort, "0", "Port for the probe listener (0 picks a free port)")
	return probeCommand
}

func addExportFlags(command *cobra.Command) {
	command.Flags().String(flagNameFormat, string(certificates.ExportFormatPfx), "Export format (pfx or pem)")
	command.Flags().String(flagNamePassword, "", "Export the private key protected by this password")
	command.Flags().Bool(flagNameNoPassword, false, "Export the private key without a password")
	command.MarkFlagsMutuallyExclusive(flagNamePassword, flagNameNoPassword)
}

// exportRequestFromFlags includes the private key only when a password or --no-password is given.
func exportRequestFromFlags(cmd *cobra.Command, path string) (certificates.ExportRequest, error) {
	formatValue, _ := cmd.Flags().GetString(flagNameFormat)
	format, formatErr := certificates.ParseExportFormat(formatValue)
	if formatErr != nil {
		return certificates.ExportRequest{}, formatErr
	}
	password, _ := cmd.Flags().GetString(flagNamePassword)
	noPassword, _ := cmd.Flags().GetBool(flagNameNoPassword)
	return certificates.ExportRequest{
		Path:              strings.TrimSpace(path),
		Format:            format,
		Password:          password,
		IncludePrivateKey: password != "" || noPassword,
	}, nil
}

func commandManager(cmd *cobra.Command) (*applicationResources, certificates.Manager, error) {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return nil, certificates.Manager{}, err
	}
	manager, managerErr := resources.manager()
	if managerErr != nil {
		return nil, certificates.Manager{}, managerErr
	}
	return resources, manager, nil
}

func runEnsure(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	trust, _ := cmd.Flags().GetBool(flagNameTrust)
	request := certificates.EnsureRequest{
		Trust:       trust,
		Interactive: resources.configurationManager.GetBool(configKeyInteractive),
	}
	exportPath, _ := cmd.Flags().GetString(flagNameExportPath)
	if strings.TrimSpace(exportPath) != "" {
		exportRequest, exportErr := exportRequestFromFlags(cmd, exportPath)
		if exportErr != nil {
			return exportErr
		}
		request.Export = &exportRequest
	}

	result, ensureErr := manager.EnsureCertificate(cmd.Context(), request)
	if ensureErr != nil {
		return fmt.Errorf("ensure development certificate: %w", ensureErr)
	}
	logEnsureResult(resources, result)
	return nil
}

func runCheck(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	requireTrust, _ := cmd.Flags().GetBool(flagNameTrust)
	machineReadable, _ := cmd.Flags().GetBool(flagNameMachineReadable)

	if machineReadable {
		reports, reportErr := manager.Report(cmd.Context())
		if reportErr != nil {
			return reportErr
		}
		encoded, encodeErr := json.MarshalIndent(reports, "", "  ")
		if encodeErr != nil {
			return fmt.Errorf("encode certificate report: %w", encodeErr)
		}
		_, writeErr := fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return writeErr
	}

	candidates, listErr := manager.ListCertificates(cmd.Context(), certificates.StoreNamePersonal, certificates.StoreLocationCurrentUser, true)
	if listErr != nil {
		return listErr
	}
	if len(candidates) == 0 {
		return certificates.ErrCertificateNotFound
	}
	interactive := resources.configurationManager.GetBool(configKeyInteractive)
	anyTrusted := false
	for _, candidate := range candidates {
		fmt.Fprintln(cmd.OutOrStdout(), manager.Describe(cmd.Context(), candidate))
		state, stateErr := manager.CheckCertificateState(cmd.Context(), candidate, interactive)
		if stateErr != nil {
			return stateErr
		}
		if !state.IsValid {
			resources.loggingService.Warn(state.DiagnosticMessage, nil, logging.String(logFieldThumbprint, candidate.Thumbprint()))
		}
		if state.RequiresInteraction {
			fmt.Fprintf(cmd.OutOrStdout(), requiresInteractionTemplate, candidate.Thumbprint(), flagNameInteractive)
		}
		trusted, trustedErr := manager.IsTrusted(cmd.Context(), candidate)
		if trustedErr != nil {
			return trustedErr
		}
		anyTrusted = anyTrusted || trusted
	}
	if requireTrust && !anyTrusted {
		return errCertificateNotTrusted
	}
	return nil
}

func runTrust(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	result, ensureErr := manager.EnsureCertificate(cmd.Context(), certificates.EnsureRequest{
		Trust:       true,
		Interactive: resources.configurationManager.GetBool(configKeyInteractive),
	})
	if ensureErr != nil {
		return fmt.Errorf("trust development certificate: %w", ensureErr)
	}
	logEnsureResult(resources, result)
	return nil
}

func runUntrust(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	candidates, listErr := manager.ListCertificates(cmd.Context(), certificates.StoreNamePersonal, certificates.StoreLocationCurrentUser, false)
	if listErr != nil {
		return listErr
	}
	var untrustErr error
	for _, candidate := range candidates {
		if removeErr := manager.RemoveTrust(cmd.Context(), candidate); removeErr != nil {
			untrustErr = multierr.Append(untrustErr, fmt.Errorf("untrust %s: %w", candidate.Thumbprint(), removeErr))
			continue
		}
		logCertificateMessage(resources, "development certificate untrusted", candidate.Thumbprint())
	}
	return untrustErr
}

func runClean(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	if cleanErr := manager.RemoveAllCertificates(cmd.Context()); cleanErr != nil {
		return fmt.Errorf("clean development certificates: %w", cleanErr)
	}
	resources.loggingService.Info("development certificates removed")
	return nil
}

func runList(cmd *cobra.Command) error {
	_, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	storeValue, _ := cmd.Flags().GetString(flagNameStore)
	storeName, storeErr := certificates.ParseStoreName(storeValue)
	if storeErr != nil {
		return storeErr
	}
	locationValue, _ := cmd.Flags().GetString(flagNameLocation)
	storeLocation, locationErr := certificates.ParseStoreLocation(locationValue)
	if locationErr != nil {
		return locationErr
	}
	includeAll, _ := cmd.Flags().GetBool(flagNameAll)

	listed, listErr := manager.ListCertificates(cmd.Context(), storeName, storeLocation, !includeAll)
	if listErr != nil {
		return listErr
	}
	if len(listed) == 0 {
		_, writeErr := fmt.Fprintln(cmd.OutOrStdout(), "no development certificates found")
		return writeErr
	}
	_, writeErr := fmt.Fprint(cmd.OutOrStdout(), renderCertificateTable(cmd.Context(), manager, listed))
	return writeErr
}

func renderCertificateTable(ctx context.Context, manager certificates.Manager, listed []certificates.DevelopmentCertificate) string {
	table := termtables.CreateTable()
	table.AddHeaders("Thumbprint", "Subject", "Not After", "Version", "Private Key", "Trusted")
	for _, certificate := range listed {
		trustStatus := "unknown"
		if trusted, trustedErr := manager.IsTrusted(ctx, certificate); trustedErr == nil {
			trustStatus = fmt.Sprintf("%t", trusted)
		}
		table.AddRow(
			certificate.Thumbprint(),
			certificate.Subject(),
			certificate.NotAfter().UTC().Format(listTimeLayout),
			certificate.Version(),
			certificate.HasPrivateKey(),
			trustStatus,
		)
	}
	return table.Render()
}

func runExport(cmd *cobra.Command, path string) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	request, requestErr := exportRequestFromFlags(cmd, path)
	if requestErr != nil {
		return requestErr
	}
	current, currentErr := manager.CurrentCertificate(cmd.Context())
	if currentErr != nil {
		return currentErr
	}
	if _, exportErr := manager.ExportCertificate(cmd.Context(), current, request); exportErr != nil {
		return fmt.Errorf("export development certificate: %w", exportErr)
	}
	logCertificateMessage(resources, fmt.Sprintf("development certificate exported to %s", request.Path), current.Thumbprint())
	return nil
}

func runImport(cmd *cobra.Command, path string) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	password, _ := cmd.Flags().GetString(flagNamePassword)
	imported, importErr := manager.ImportCertificate(cmd.Context(), certificates.ImportRequest{Path: strings.TrimSpace(path), Password: password})
	if importErr != nil {
		return fmt.Errorf("import development certificate: %w", importErr)
	}
	logCertificateMessage(resources, "development certificate imported", imported.Thumbprint())
	return nil
}

func runProbe(cmd *cobra.Command) error {
	resources, manager, err := commandManager(cmd)
	if err != nil {
		return err
	}
	current, currentErr := manager.CurrentCertificate(cmd.Context())
	if currentErr != nil {
		return currentErr
	}
	if !current.HasPrivateKey() {
		resolved, resolveErr := manager.Platform().ResolvePrivateKey(cmd.Context(), current)
		if resolveErr != nil {
			return fmt.Errorf("resolve private key: %w", resolveErr)
		}
		current = resolved
	}
	port, _ := cmd.Flags().GetString(flagNamePort)
	tlsCertificate := tls.Certificate{
		Certificate: [][]byte{current.Raw()},
		PrivateKey:  current.PrivateKey,
		Leaf:        current.Certificate,
	}

	probeContext, cancel := createSignalContext(cmd.Context(), resources.loggingService)
	defer cancel()
	result, probeErr := server.NewTrustProbe(resources.loggingService).Probe(probeContext, tlsCertificate, server.ProbeConfiguration{
		Port:       port,
		ServerName: current.Subject(),
	})
	if probeErr != nil {
		return probeErr
	}
	if !result.Trusted {
		return fmt.Errorf("%w: %s", errProbeRejected, result.VerificationError)
	}
	logCertificateMessage(resources, fmt.Sprintf("development certificate accepted at %s", result.URL), current.Thumbprint())
	return nil
}

func logEnsureResult(resources *applicationResources, result certificates.EnsureResult) {
	if resources.loggingService == nil {
		return
	}
	thumbprint := result.Certificate.Thumbprint()
	if result.Outcome == certificates.EnsureOutcomePartiallyTrusted {
		resources.loggingService.Warn("development certificate is only partially trusted", nil,
			logging.String(logFieldThumbprint, thumbprint),
			logging.String(logFieldTrustLevel, result.TrustLevel.String()),
		)
	}
	if resources.loggingType() == logging.TypeConsole {
		resources.loggingService.Info(fmt.Sprintf("%s (%s)", result.Outcome.String(), thumbprint))
		return
	}
	resources.loggingService.Info("development certificate ensured",
		logging.String(logFieldThumbprint, thumbprint),
		logging.String(logFieldOutcome, result.Outcome.String()),
		logging.String(logFieldTrustLevel, result.TrustLevel.String()),
	)
}

func logCertificateMessage(resources *applicationResources, message string, thumbprint string) {
	if resources.loggingService == nil {
		return
	}
	if resources.loggingType() == logging.TypeConsole {
		resources.loggingService.Info(fmt.Sprintf("%s (%s)", message, thumbprint))
		return
	}
	resources.loggingService.Info(message, logging.String(logFieldThumbprint, thumbprint))
}
