package truststore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	testHomeDirectory = "/home/dev"
	testKeychainPath  = "/home/dev/Library/Keychains/login.keychain-db"
)

var (
	testReferenceTime  = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	windowsStorePathRe = regexp.MustCompile(`Cert:\\(\w+)\\(\w+)`)
)

type executedCommand struct {
	executable string
	arguments  []string
	privileged bool
}

// toolSimulator stands in for security, certutil, openssl and powershell. State lives in memory and files are read
// from the same in-memory file system the platform writes to.
type toolSimulator struct {
	testingT   *testing.T
	fileSystem certificates.AferoFileSystem
	executed   []executedCommand

	keychain           []*x509.Certificate
	keychainKeys       map[string]crypto.Signer
	userTrusted        map[string]bool
	adminTrusted       map[string]bool
	cancelTrust        bool
	failKeychainWrite  bool
	failKeychainExport bool

	windowsStores map[string]map[string]certificates.DevelopmentCertificate
	// reportedThumbprints overrides the Thumbprint column PowerShell prints for a certificate.
	reportedThumbprints map[string]string

	nssDatabases map[string]map[string]bool
	failNSS      bool
	failRehash   bool
}

func newToolSimulator(testingT *testing.T) *toolSimulator {
	return &toolSimulator{
		testingT:      testingT,
		fileSystem:    certificates.NewMemoryFileSystem(),
		keychainKeys:  map[string]crypto.Signer{},
		userTrusted:   map[string]bool{},
		adminTrusted:  map[string]bool{},
		windowsStores: map[string]map[string]certificates.DevelopmentCertificate{},
		nssDatabases:  map[string]map[string]bool{},
	}
}

func (simulator *toolSimulator) Run(ctx context.Context, request certificates.CommandRequest) (certificates.CommandResult, error) {
	return simulator.dispatch(request, false)
}

func (simulator *toolSimulator) RunWithPrivileges(ctx context.Context, request certificates.CommandRequest) (certificates.CommandResult, error) {
	return simulator.dispatch(request, true)
}

func (simulator *toolSimulator) dispatch(request certificates.CommandRequest, privileged bool) (certificates.CommandResult, error) {
	simulator.executed = append(simulator.executed, executedCommand{executable: request.Executable, arguments: append([]string{}, request.Arguments...), privileged: privileged})
	switch request.Executable {
	case commandNameSecurity:
		return simulator.security(request.Arguments, privileged), nil
	case commandNameCertutil:
		if len(request.Arguments) > 0 && request.Arguments[0] == "-d" {
			return simulator.nssCertutil(request.Arguments), nil
		}
		return simulator.windowsCertutil(request.Arguments), nil
	case commandNamePowerShell:
		return simulator.powershell(request.Arguments), nil
	case commandNameOpenSSL:
		return simulator.openssl(request.Arguments), nil
	default:
		return certificates.CommandResult{}, fmt.Errorf("exec: %q: executable file not found in $PATH", request.Executable)
	}
}

func (simulator *toolSimulator) commandsNamed(executable string, subcommand string) []executedCommand {
	var matching []executedCommand
	for _, command := range simulator.executed {
		if command.executable != executable {
			continue
		}
		for _, argument := range command.arguments {
			if argument == subcommand {
				matching = append(matching, command)
				break
			}
		}
	}
	return matching
}

func (simulator *toolSimulator) readCertificateFile(path string) certificates.DevelopmentCertificate {
	data, readErr := simulator.fileSystem.ReadFile(path)
	require.NoError(simulator.testingT, readErr)
	parsed := certificates.ParseCertificatesPEM(data)
	if len(parsed) == 1 {
		return certificates.NewDevelopmentCertificate(parsed[0], nil)
	}
	derCertificate, parseErr := x509.ParseCertificate(data)
	require.NoError(simulator.testingT, parseErr)
	return certificates.NewDevelopmentCertificate(derCertificate, nil)
}

func failure(exitCode int, stderr string) certificates.CommandResult {
	return certificates.CommandResult{ExitCode: exitCode, Stderr: stderr}
}

func argumentAfter(arguments []string, flag string) string {
	for index, argument := range arguments {
		if argument == flag && index+1 < len(arguments) {
			return arguments[index+1]
		}
	}
	return ""
}

func hasArgument(arguments []string, flag string) bool {
	for _, argument := range arguments {
		if argument == flag {
			return true
		}
	}
	return false
}

func (simulator *toolSimulator) keychainIndex(thumbprint string) int {
	for index, certificate := range simulator.keychain {
		if certificates.Thumbprint(certificate.Raw) == thumbprint {
			return index
		}
	}
	return -1
}

func (simulator *toolSimulator) security(arguments []string, privileged bool) certificates.CommandResult {
	switch arguments[0] {
	case "find-certificate":
		var output strings.Builder
		for _, certificate := range simulator.keychain {
			fmt.Fprintf(&output, "SHA-1 hash: %s\n", certificates.Thumbprint(certificate.Raw))
			output.Write(certificates.EncodeCertificatePEM(certificates.NewDevelopmentCertificate(certificate, nil)))
		}
		return certificates.CommandResult{Stdout: output.String()}
	case "import":
		if simulator.failKeychainWrite {
			return failure(1, "security: SecKeychainItemImport: User interaction is not allowed.")
		}
		data, readErr := simulator.fileSystem.ReadFile(arguments[1])
		require.NoError(simulator.testingT, readErr)
		imported, decodeErr := certificates.DecodePFX(data, argumentAfter(arguments, "-P"))
		require.NoError(simulator.testingT, decodeErr)
		if simulator.keychainIndex(imported.Thumbprint()) < 0 {
			simulator.keychain = append(simulator.keychain, imported.Certificate)
		}
		if imported.HasPrivateKey() {
			simulator.keychainKeys[imported.Thumbprint()] = imported.PrivateKey
		}
		return certificates.CommandResult{Stdout: "1 certificate imported."}
	case "export":
		if simulator.failKeychainExport {
			return failure(1, "security: SecKeychainItemExport: User interaction is not allowed.")
		}
		var identities []certificates.DevelopmentCertificate
		for _, certificate := range simulator.keychain {
			if privateKey, found := simulator.keychainKeys[certificates.Thumbprint(certificate.Raw)]; found {
				identities = append(identities, certificates.NewDevelopmentCertificate(certificate, privateKey))
			}
		}
		if len(identities) == 0 {
			return failure(1, "security: SecKeychainItemExport: The specified item could not be found in the keychain.")
		}
		require.Len(simulator.testingT, identities, 1, "the simulator exports a single identity")
		pfxData, encodeErr := certificates.EncodeLegacyPFX(identities[0], argumentAfter(arguments, "-P"))
		require.NoError(simulator.testingT, encodeErr)
		require.NoError(simulator.testingT, simulator.fileSystem.WriteFile(argumentAfter(arguments, "-o"), pfxData, 0o600))
		return certificates.CommandResult{}
	case "delete-certificate":
		index := simulator.keychainIndex(argumentAfter(arguments, "-Z"))
		if index < 0 {
			return failure(44, "security: SecKeychainSearchCopyNext: The specified item could not be found in the keychain.")
		}
		delete(simulator.keychainKeys, certificates.Thumbprint(simulator.keychain[index].Raw))
		simulator.keychain = append(simulator.keychain[:index], simulator.keychain[index+1:]...)
		return certificates.CommandResult{}
	case "verify-cert":
		thumbprint := simulator.readCertificateFile(argumentAfter(arguments, "-c")).Thumbprint()
		if simulator.userTrusted[thumbprint] || simulator.adminTrusted[thumbprint] {
			return certificates.CommandResult{Stdout: "...certificate verification successful."}
		}
		return failure(1, "Cert Verify Result: CSSMERR_TP_NOT_TRUSTED")
	case "add-trusted-cert":
		if simulator.cancelTrust {
			return failure(1, "SecTrustSettingsSetTrustSettings: The authorization was canceled by the user.")
		}
		simulator.userTrusted[simulator.readCertificateFile(arguments[len(arguments)-1]).Thumbprint()] = true
		return certificates.CommandResult{}
	case "remove-trusted-cert":
		thumbprint := simulator.readCertificateFile(arguments[len(arguments)-1]).Thumbprint()
		if hasArgument(arguments, "-d") {
			if !privileged {
				return failure(1, "SecTrustSettingsRemoveTrustSettings: The authorization was denied.")
			}
			delete(simulator.adminTrusted, thumbprint)
			return certificates.CommandResult{}
		}
		if !simulator.userTrusted[thumbprint] {
			return failure(1, "SecTrustSettingsRemoveTrustSettings: The specified item could not be found in the keychain.")
		}
		delete(simulator.userTrusted, thumbprint)
		return certificates.CommandResult{}
	}
	return failure(2, "unknown security command")
}

func (simulator *toolSimulator) nssCertutil(arguments []string) certificates.CommandResult {
	database := strings.TrimPrefix(argumentAfter(arguments, "-d"), nssDatabasePrefix)
	nickname := argumentAfter(arguments, "-n")
	if simulator.nssDatabases[database] == nil {
		simulator.nssDatabases[database] = map[string]bool{}
	}
	switch {
	case hasArgument(arguments, "-A"):
		if simulator.failNSS {
			return failure(255, "certutil: could not authenticate to token NSS Certificate DB.: SEC_ERROR_BAD_PASSWORD")
		}
		simulator.readCertificateFile(argumentAfter(arguments, "-i"))
		simulator.nssDatabases[database][nickname] = true
		return certificates.CommandResult{}
	case hasArgument(arguments, "-L"):
		if simulator.nssDatabases[database][nickname] {
			return certificates.CommandResult{}
		}
		return failure(255, "certutil: Could not find cert: "+nickname)
	case hasArgument(arguments, "-D"):
		delete(simulator.nssDatabases[database], nickname)
		return certificates.CommandResult{}
	}
	return failure(2, "unknown certutil command")
}

func windowsStoreKey(location certificates.StoreLocation, name string) string {
	return string(location) + "\\" + name
}

func (simulator *toolSimulator) windowsStore(key string) map[string]certificates.DevelopmentCertificate {
	if simulator.windowsStores[key] == nil {
		simulator.windowsStores[key] = map[string]certificates.DevelopmentCertificate{}
	}
	return simulator.windowsStores[key]
}

func (simulator *toolSimulator) windowsCertutil(arguments []string) certificates.CommandResult {
	location := certificates.StoreLocationLocalMachine
	if hasArgument(arguments, "-user") {
		location = certificates.StoreLocationCurrentUser
	}
	switch {
	case hasArgument(arguments, "-addstore"):
		storeName := arguments[len(arguments)-2]
		if storeName == string(certificates.StoreNameRoot) && simulator.cancelTrust {
			return certificates.CommandResult{ExitCode: 1, Stdout: "CertUtil: -addstore command FAILED: 0x800704c7 (WIN32: 1223 ERROR_CANCELLED)\nCertUtil: The operation was canceled by the user."}
		}
		certificate := simulator.readCertificateFile(arguments[len(arguments)-1])
		simulator.windowsStore(windowsStoreKey(location, storeName))[certificate.Thumbprint()] = certificate
		return certificates.CommandResult{Stdout: "CertUtil: -addstore command completed successfully."}
	case hasArgument(arguments, "-importpfx"):
		storeName := argumentAfter(arguments, "-importpfx")
		data, readErr := simulator.fileSystem.ReadFile(argumentAfter(arguments, storeName))
		require.NoError(simulator.testingT, readErr)
		imported, decodeErr := certificates.DecodePFX(data, argumentAfter(arguments, "-p"))
		require.NoError(simulator.testingT, decodeErr)
		simulator.windowsStore(windowsStoreKey(location, storeName))[imported.Thumbprint()] = imported
		return certificates.CommandResult{Stdout: "CertUtil: -importPFX command completed successfully."}
	case hasArgument(arguments, "-delstore"):
		storeName := argumentAfter(arguments, "-delstore")
		thumbprint := argumentAfter(arguments, storeName)
		store := simulator.windowsStore(windowsStoreKey(location, storeName))
		if _, found := store[thumbprint]; !found {
			return certificates.CommandResult{ExitCode: 1, Stdout: "CertUtil: -delstore command FAILED: 0x80090011 (-2146893807 NTE_NOT_FOUND)"}
		}
		delete(store, thumbprint)
		return certificates.CommandResult{Stdout: "CertUtil: -delstore command completed successfully."}
	case hasArgument(arguments, "-exportpfx"):
		storeName := argumentAfter(arguments, "-exportpfx")
		thumbprint := argumentAfter(arguments, storeName)
		stored, found := simulator.windowsStore(windowsStoreKey(location, storeName))[thumbprint]
		if !found || !stored.HasPrivateKey() {
			return certificates.CommandResult{ExitCode: 1, Stdout: "CertUtil: -exportPFX command FAILED: 0x8009000b (NTE_BAD_KEY_STATE)"}
		}
		pfxData, encodeErr := certificates.EncodePFX(stored, argumentAfter(arguments, "-p"))
		require.NoError(simulator.testingT, encodeErr)
		require.NoError(simulator.testingT, simulator.fileSystem.WriteFile(arguments[len(arguments)-1], pfxData, 0o600))
		return certificates.CommandResult{Stdout: "CertUtil: -exportPFX command completed successfully."}
	}
	return failure(2, "unknown certutil command")
}

func (simulator *toolSimulator) powershell(arguments []string) certificates.CommandResult {
	match := windowsStorePathRe.FindStringSubmatch(argumentAfter(arguments, "-Command"))
	require.Len(simulator.testingT, match, 3)
	store := simulator.windowsStores[windowsStoreKey(certificates.StoreLocation(match[1]), match[2])]
	entries := make([]windowsStoreEntry, 0, len(store))
	for thumbprint, certificate := range store {
		if !certificates.IsDevelopmentCertificate(certificate.Certificate) {
			continue
		}
		if reported, overridden := simulator.reportedThumbprints[thumbprint]; overridden {
			thumbprint = reported
		}
		entries = append(entries, windowsStoreEntry{Thumbprint: thumbprint, RawBase64: base64.StdEncoding.EncodeToString(certificate.Raw()), HasPrivateKey: certificate.HasPrivateKey()})
	}
	switch len(entries) {
	case 0:
		return certificates.CommandResult{}
	case 1:
		encoded, encodeErr := json.Marshal(entries[0])
		require.NoError(simulator.testingT, encodeErr)
		return certificates.CommandResult{Stdout: string(encoded) + "\r\n"}
	default:
		encoded, encodeErr := json.Marshal(entries)
		require.NoError(simulator.testingT, encodeErr)
		return certificates.CommandResult{Stdout: string(encoded) + "\r\n"}
	}
}

func (simulator *toolSimulator) openssl(arguments []string) certificates.CommandResult {
	switch arguments[0] {
	case "rehash":
		if simulator.failRehash {
			return failure(1, "rehash: error: cannot open directory")
		}
		return certificates.CommandResult{}
	case "verify":
		trustDirectory := argumentAfter(arguments, "-CApath")
		certificate := simulator.readCertificateFile(arguments[len(arguments)-1])
		exists, existsErr := simulator.fileSystem.FileExists(filepath.Join(trustDirectory, certificates.MirrorFilePrefix+certificate.Thumbprint()+linuxTrustFileExtension))
		require.NoError(simulator.testingT, existsErr)
		if exists {
			return certificates.CommandResult{Stdout: arguments[len(arguments)-1] + ": OK"}
		}
		return failure(2, "error 18 at 0 depth lookup: self-signed certificate")
	}
	return failure(1, "unknown openssl command")
}

func issueDevelopmentCertificate(testingT *testing.T) certificates.DevelopmentCertificate {
	testingT.Helper()
	issuer := certificates.NewDevelopmentCertificateIssuer(rand.Reader, certificates.IssuerConfiguration{RSAKeyBitSize: 1024})
	issued, issueErr := issuer.Issue(context.Background(), certificates.IssueRequest{
		Subject:   certificates.DefaultCertificateSubject,
		Hosts:     certificates.DefaultCertificateHosts,
		NotBefore: testReferenceTime.Add(-time.Hour),
		NotAfter:  testReferenceTime.Add(certificates.DefaultCertificateValidity),
	})
	require.NoError(testingT, issueErr)
	return issued
}

func issueUnmarkedCertificate(testingT *testing.T) *x509.Certificate {
	testingT.Helper()
	privateKey, keyErr := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(testingT, keyErr)
	template := x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "corporate proxy"},
		NotBefore:    testReferenceTime.Add(-time.Hour),
		NotAfter:     testReferenceTime.Add(time.Hour),
	}
	der, createErr := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(testingT, createErr)
	parsed, parseErr := x509.ParseCertificate(der)
	require.NoError(testingT, parseErr)
	return parsed
}

func newSimulatedPlatform(testingT *testing.T, simulator *toolSimulator, operatingSystem string, configuration Configuration) certificates.Platform {
	testingT.Helper()
	configuration.HomeDirectory = testHomeDirectory
	platform, platformErr := NewPlatformForOperatingSystem(operatingSystem, simulator, simulator.fileSystem, logging.NewTestService(logging.TypeConsole), configuration)
	require.NoError(testingT, platformErr)
	return platform
}

func requireNoTemporaryFiles(testingT *testing.T, simulator *toolSimulator) {
	testingT.Helper()
	leftovers, listErr := simulator.fileSystem.ListFiles("/tmp", "*")
	require.NoError(testingT, listErr)
	require.Empty(testingT, leftovers)
}

var errLookPathNotFound = errors.New("exec: \"certutil\": executable file not found in $PATH")
