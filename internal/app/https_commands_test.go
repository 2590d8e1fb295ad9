package app

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tyemirov/devcerts/internal/certificates"
)

func TestEnsureTrustUntrustCleanLifecycle(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)

	if _, ensureErr := fixture.run("https", "ensure", "--trust"); ensureErr != nil {
		testingInstance.Fatalf("ensure --trust: %v", ensureErr)
	}
	if len(fixture.platform.personal) != 1 || len(fixture.platform.root) != 1 {
		testingInstance.Fatalf("expected one personal and one trusted certificate, got %d and %d", len(fixture.platform.personal), len(fixture.platform.root))
	}

	if _, checkErr := fixture.run("https", "check", "--trust"); checkErr != nil {
		testingInstance.Fatalf("check --trust: %v", checkErr)
	}

	if _, untrustErr := fixture.run("https", "untrust"); untrustErr != nil {
		testingInstance.Fatalf("untrust: %v", untrustErr)
	}
	if len(fixture.platform.root) != 0 || len(fixture.platform.personal) != 1 {
		testingInstance.Fatalf("expected untrust to keep the certificate and drop trust")
	}
	if _, checkErr := fixture.run("https", "check", "--trust"); !errors.Is(checkErr, errCertificateNotTrusted) {
		testingInstance.Fatalf("expected untrusted check to fail, got %v", checkErr)
	}

	if _, trustErr := fixture.run("https", "trust"); trustErr != nil {
		testingInstance.Fatalf("trust: %v", trustErr)
	}
	if len(fixture.platform.root) != 1 || len(fixture.platform.personal) != 1 {
		testingInstance.Fatalf("expected trust to reuse the existing certificate")
	}

	if _, cleanErr := fixture.run("https", "clean"); cleanErr != nil {
		testingInstance.Fatalf("clean: %v", cleanErr)
	}
	if len(fixture.platform.root) != 0 || len(fixture.platform.personal) != 0 {
		testingInstance.Fatalf("expected clean to remove every record")
	}
	if _, checkErr := fixture.run("https", "check"); !errors.Is(checkErr, certificates.ErrCertificateNotFound) {
		testingInstance.Fatalf("expected missing certificate error, got %v", checkErr)
	}
}

func TestCheckMachineReadableReport(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)
	if _, ensureErr := fixture.run("https", "ensure", "--trust"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}

	output, checkErr := fixture.run("https", "check", "--machine-readable")
	if checkErr != nil {
		testingInstance.Fatalf("check: %v", checkErr)
	}
	var reports []certificates.CertificateReport
	if decodeErr := json.Unmarshal([]byte(output), &reports); decodeErr != nil {
		testingInstance.Fatalf("decode report %q: %v", output, decodeErr)
	}
	if len(reports) != 1 {
		testingInstance.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].TrustLevel != certificates.TrustLevelFull.String() {
		testingInstance.Fatalf("expected full trust, got %s", reports[0].TrustLevel)
	}
	if !reports[0].IsHttpsDevelopmentCertificate || !reports[0].IsExportable {
		testingInstance.Fatalf("unexpected report flags: %+v", reports[0])
	}
}

func TestCheckReportsRequiredInteraction(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)
	if _, ensureErr := fixture.run("https", "ensure"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}
	fixture.platform.keyLocked = true

	output, checkErr := fixture.run("https", "check")
	if checkErr != nil {
		testingInstance.Fatalf("check: %v", checkErr)
	}
	if !strings.Contains(output, "needs user interaction") || !strings.Contains(output, "--interactive") {
		testingInstance.Fatalf("expected an interaction notice, got %q", output)
	}

	fixture.resources.configurationManager.Set(configKeyInteractive, true)
	interactiveOutput, interactiveErr := fixture.run("https", "check")
	if interactiveErr != nil {
		testingInstance.Fatalf("check interactive: %v", interactiveErr)
	}
	if strings.Contains(interactiveOutput, "needs user interaction") {
		testingInstance.Fatalf("unexpected interaction notice in interactive session: %q", interactiveOutput)
	}
}

func TestListRendersTable(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)

	emptyOutput, emptyErr := fixture.run("https", "list")
	if emptyErr != nil {
		testingInstance.Fatalf("list: %v", emptyErr)
	}
	if !strings.Contains(emptyOutput, "no development certificates found") {
		testingInstance.Fatalf("unexpected empty listing %q", emptyOutput)
	}

	if _, ensureErr := fixture.run("https", "ensure", "--trust"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}
	var thumbprint string
	for key := range fixture.platform.personal {
		thumbprint = key
	}

	testCases := []struct {
		name      string
		arguments []string
	}{
		{name: "personal store", arguments: []string{"https", "list"}},
		{name: "root store", arguments: []string{"https", "list", "--store", "root", "--all"}},
	}
	for _, testCase := range testCases {
		testingInstance.Run(testCase.name, func(testingInstance *testing.T) {
			output, listErr := fixture.run(testCase.arguments...)
			if listErr != nil {
				testingInstance.Fatalf("list: %v", listErr)
			}
			if !strings.Contains(output, thumbprint) || !strings.Contains(output, "Thumbprint") {
				testingInstance.Fatalf("expected table with %s, got %q", thumbprint, output)
			}
		})
	}

	if _, invalidErr := fixture.run("https", "list", "--store", "intermediate"); invalidErr == nil {
		testingInstance.Fatalf("expected unknown store to fail")
	}
}

func TestExportWritesPrivateKeyOnlyWhenRequested(testingInstance *testing.T) {
	testCases := []struct {
		name          string
		arguments     []string
		password      string
		expectKey     bool
		expectPEMKey  bool
		exportedPath  string
		expectedError bool
	}{
		{name: "certificate only", arguments: []string{"/exports/public.pfx"}, exportedPath: "/exports/public.pfx"},
		{name: "passwordless pfx", arguments: []string{"/exports/open.pfx", "--no-password"}, exportedPath: "/exports/open.pfx", expectKey: true},
		{name: "protected pfx", arguments: []string{"/exports/locked.pfx", "--password", "secret"}, password: "secret", exportedPath: "/exports/locked.pfx", expectKey: true},
		{name: "pem with key", arguments: []string{"/exports/localhost.pem", "--format", "pem", "--no-password"}, exportedPath: "/exports/localhost.pem", expectPEMKey: true},
		{name: "conflicting password flags", arguments: []string{"/exports/bad.pfx", "--password", "x", "--no-password"}, expectedError: true},
		{name: "unknown format", arguments: []string{"/exports/bad.der", "--format", "der"}, expectedError: true},
	}

	for _, testCase := range testCases {
		testingInstance.Run(testCase.name, func(testingInstance *testing.T) {
			fixture := newCommandFixture(testingInstance)
			if _, ensureErr := fixture.run("https", "ensure"); ensureErr != nil {
				testingInstance.Fatalf("ensure: %v", ensureErr)
			}
			_, exportErr := fixture.run(append([]string{"https", "export"}, testCase.arguments...)...)
			if testCase.expectedError {
				if exportErr == nil {
					testingInstance.Fatalf("expected export to fail")
				}
				return
			}
			if exportErr != nil {
				testingInstance.Fatalf("export: %v", exportErr)
			}
			exported, readErr := fixture.fileSystem.ReadFile(testCase.exportedPath)
			if readErr != nil {
				testingInstance.Fatalf("read export: %v", readErr)
			}
			if testCase.expectKey {
				decoded, decodeErr := certificates.DecodePFX(exported, testCase.password)
				if decodeErr != nil {
					testingInstance.Fatalf("decode export: %v", decodeErr)
				}
				if !decoded.HasPrivateKey() {
					testingInstance.Fatalf("expected exported private key")
				}
			}
			keyExists, existsErr := fixture.fileSystem.FileExists(certificates.PrivateKeyPathFor(testCase.exportedPath))
			if existsErr != nil {
				testingInstance.Fatalf("check key file: %v", existsErr)
			}
			if keyExists != testCase.expectPEMKey {
				testingInstance.Fatalf("expected key file presence %t, got %t", testCase.expectPEMKey, keyExists)
			}
		})
	}
}

func TestEnsureWithExportPath(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)
	if _, ensureErr := fixture.run("https", "ensure", "--export-path", "/exports/dev.pfx", "--password", "pw"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}
	exported, readErr := fixture.fileSystem.ReadFile("/exports/dev.pfx")
	if readErr != nil {
		testingInstance.Fatalf("read export: %v", readErr)
	}
	if _, decodeErr := certificates.DecodePFX(exported, "pw"); decodeErr != nil {
		testingInstance.Fatalf("decode export: %v", decodeErr)
	}
}

func TestImportRestoresExportedCertificate(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)
	if _, ensureErr := fixture.run("https", "ensure"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}
	if _, exportErr := fixture.run("https", "export", "/exports/backup.pfx", "--password", "pw"); exportErr != nil {
		testingInstance.Fatalf("export: %v", exportErr)
	}

	if _, importErr := fixture.run("https", "import", "/exports/backup.pfx", "--password", "pw"); !errors.Is(importErr, certificates.ErrExistingCertificatesPresent) {
		testingInstance.Fatalf("expected import over an existing certificate to fail, got %v", importErr)
	}

	if _, cleanErr := fixture.run("https", "clean"); cleanErr != nil {
		testingInstance.Fatalf("clean: %v", cleanErr)
	}
	if _, importErr := fixture.run("https", "import", "/exports/backup.pfx", "--password", "pw"); importErr != nil {
		testingInstance.Fatalf("import: %v", importErr)
	}
	if len(fixture.platform.personal) != 1 {
		testingInstance.Fatalf("expected imported certificate in the personal store")
	}

	if _, missingErr := fixture.run("https", "import", "/exports/missing.pfx"); !errors.Is(missingErr, certificates.ErrCertificateFileMissing) {
		testingInstance.Fatalf("expected missing file error, got %v", missingErr)
	}
}

func TestProbeRejectsCertificateOutsideSystemRoots(testingInstance *testing.T) {
	fixture := newCommandFixture(testingInstance)
	if _, probeErr := fixture.run("https", "probe"); !errors.Is(probeErr, certificates.ErrCertificateNotFound) {
		testingInstance.Fatalf("expected probe without certificate to fail, got %v", probeErr)
	}
	if _, ensureErr := fixture.run("https", "ensure"); ensureErr != nil {
		testingInstance.Fatalf("ensure: %v", ensureErr)
	}
	if _, probeErr := fixture.run("https", "probe"); !errors.Is(probeErr, errProbeRejected) {
		testingInstance.Fatalf("expected probe to report rejection, got %v", probeErr)
	}
}
