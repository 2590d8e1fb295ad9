package truststore

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/tyemirov/devcerts/internal/certificates"
	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	nssDatabasePrefix       = "sql:"
	nssTrustedPeerAttribute = "C,,"
)

// nssTrustStore manages the certificate in the NSS databases used by Chromium-based browsers and Firefox.
type nssTrustStore struct {
	invoker                   toolInvoker
	databaseDirectories       []string
	firefoxProfileDirectories []string
	lookPath                  func(file string) (string, error)
}

func newNSSTrustStore(invoker toolInvoker, configuration Configuration) nssTrustStore {
	databaseDirectories := configuration.NSSDatabaseDirectories
	if len(databaseDirectories) == 0 {
		databaseDirectories = []string{filepath.Join(configuration.HomeDirectory, ".pki", "nssdb")}
	}
	firefoxProfileDirectories := configuration.FirefoxProfileDirectories
	if len(firefoxProfileDirectories) == 0 {
		firefoxProfileDirectories = []string{
			filepath.Join(configuration.HomeDirectory, ".mozilla", "firefox"),
			filepath.Join(configuration.HomeDirectory, "snap", "firefox", "common", ".mozilla", "firefox"),
		}
	}
	return nssTrustStore{
		invoker:                   invoker,
		databaseDirectories:       databaseDirectories,
		firefoxProfileDirectories: firefoxProfileDirectories,
		lookPath:                  exec.LookPath,
	}
}

func (store nssTrustStore) available() bool {
	_, lookErr := store.lookPath(commandNameCertutil)
	return lookErr == nil
}

// databases lists the configured NSS databases followed by every Firefox profile that holds one.
func (store nssTrustStore) databases() []string {
	var discovered []string
	for _, directory := range store.databaseDirectories {
		if containsNSSDatabase(store.invoker.fileSystem, directory) {
			discovered = append(discovered, directory)
		}
	}
	for _, profileRoot := range store.firefoxProfileDirectories {
		profiles, listErr := store.invoker.fileSystem.ListDirectories(profileRoot)
		if listErr != nil {
			store.invoker.loggingService.Warn("failed to enumerate firefox profiles", listErr, logging.String(logFieldPath, profileRoot))
			continue
		}
		for _, profile := range profiles {
			if containsNSSDatabase(store.invoker.fileSystem, profile) {
				discovered = append(discovered, profile)
			}
		}
	}
	return discovered
}

func containsNSSDatabase(fileSystem certificates.FileSystem, directory string) bool {
	for _, databaseFile := range []string{"cert9.db", "cert8.db"} {
		exists, existsErr := fileSystem.FileExists(filepath.Join(directory, databaseFile))
		if existsErr == nil && exists {
			return true
		}
	}
	return false
}

// trust imports the certificate into every discovered database. It reports whether all of them accepted it.
func (store nssTrustStore) trust(ctx context.Context, certificate certificates.DevelopmentCertificate, certificatePath string) (bool, error) {
	databases := store.databases()
	if len(databases) == 0 {
		return true, nil
	}
	if !store.available() {
		store.invoker.loggingService.Warn("certutil not found; browsers using NSS will not trust the certificate", nil, logging.Strings(logFieldDatabase, databases))
		return false, nil
	}
	var importErrors error
	for _, database := range databases {
		_, importErr := store.invoker.runChecked(ctx, commandNameCertutil, "-d", nssDatabasePrefix+database, "-A", "-t", nssTrustedPeerAttribute, "-n", certificateNickname(certificate), "-i", certificatePath)
		if importErr != nil {
			importErrors = multierr.Append(importErrors, fmt.Errorf("import certificate into nss database %s: %w", database, importErr))
		}
	}
	return importErrors == nil, importErrors
}

func (store nssTrustStore) isTrusted(ctx context.Context, certificate certificates.DevelopmentCertificate) bool {
	databases := store.databases()
	if len(databases) == 0 {
		return true
	}
	if !store.available() {
		return false
	}
	for _, database := range databases {
		result, runErr := store.invoker.run(ctx, commandNameCertutil, "-d", nssDatabasePrefix+database, "-L", "-n", certificateNickname(certificate))
		if runErr != nil || !result.Succeeded() {
			return false
		}
	}
	return true
}

func (store nssTrustStore) removeTrust(ctx context.Context, certificate certificates.DevelopmentCertificate) error {
	databases := store.databases()
	if len(databases) == 0 || !store.available() {
		return nil
	}
	var removalErrors error
	for _, database := range databases {
		result, runErr := store.invoker.run(ctx, commandNameCertutil, "-d", nssDatabasePrefix+database, "-L", "-n", certificateNickname(certificate))
		if runErr != nil {
			removalErrors = multierr.Append(removalErrors, runErr)
			continue
		}
		if !result.Succeeded() {
			continue
		}
		if _, deleteErr := store.invoker.runChecked(ctx, commandNameCertutil, "-d", nssDatabasePrefix+database, "-D", "-n", certificateNickname(certificate)); deleteErr != nil {
			removalErrors = multierr.Append(removalErrors, fmt.Errorf("remove certificate from nss database %s: %w", database, deleteErr))
		}
	}
	return removalErrors
}
