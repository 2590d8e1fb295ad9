package certificates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	logFieldThumbprint    = "thumbprint"
	logFieldSubject       = "subject"
	logFieldStoreName     = "store"
	logFieldStoreLocation = "location"
	logFieldPlatform      = "platform"
	logFieldTrustLevel    = "trust_level"
	logFieldCount         = "count"
)

// ManagerConfiguration defines which certificates the Manager considers current and how new ones are issued.
type ManagerConfiguration struct {
	Subject          string
	Hosts            []string
	ValidityDuration time.Duration
	MinimumVersion   int
}

// EnsureOutcome summarizes what EnsureCertificate did.
type EnsureOutcome int

const (
	EnsureOutcomeSucceeded EnsureOutcome = iota
	EnsureOutcomeValidCertificatePresent
	EnsureOutcomeNewCertificateTrusted
	EnsureOutcomeExistingCertificateTrusted
	EnsureOutcomePartiallyTrusted
)

func (outcome EnsureOutcome) String() string {
	switch outcome {
	case EnsureOutcomeValidCertificatePresent:
		return "valid certificate present"
	case EnsureOutcomeNewCertificateTrusted:
		return "new certificate trusted"
	case EnsureOutcomeExistingCertificateTrusted:
		return "existing certificate trusted"
	case EnsureOutcomePartiallyTrusted:
		return "certificate partially trusted"
	default:
		return "certificate created"
	}
}

// EnsureRequest controls EnsureCertificate.
type EnsureRequest struct {
	Trust       bool
	Interactive bool
	Export      *ExportRequest
}

// EnsureResult describes the certificate EnsureCertificate settled on.
type EnsureResult struct {
	Certificate DevelopmentCertificate
	Outcome     EnsureOutcome
	TrustLevel  TrustLevel
	Created     bool
}

// RemoveLocations selects which records RemoveCertificate deletes.
type RemoveLocations int

const (
	RemoveLocationsAll RemoveLocations = iota
	RemoveLocationsLocal
	RemoveLocationsTrusted
)

// Manager orchestrates the development certificate lifecycle over a Platform.
type Manager struct {
	platform       Platform
	issuer         CertificateIssuer
	fileSystem     FileSystem
	clock          Clock
	loggingService *logging.Service
	configuration  ManagerConfiguration
}

// NewManager constructs a Manager.
func NewManager(platform Platform, issuer CertificateIssuer, fileSystem FileSystem, clock Clock, loggingService *logging.Service, configuration ManagerConfiguration) Manager {
	if configuration.Subject == "" {
		configuration.Subject = DefaultCertificateSubject
	}
	if len(configuration.Hosts) == 0 {
		configuration.Hosts = append([]string{}, DefaultCertificateHosts...)
	}
	if configuration.ValidityDuration <= 0 {
		configuration.ValidityDuration = DefaultCertificateValidity
	}
	if configuration.MinimumVersion == 0 {
		configuration.MinimumVersion = MinimumCertificateVersion
	}
	return Manager{
		platform:       platform,
		issuer:         issuer,
		fileSystem:     fileSystem,
		clock:          clock,
		loggingService: loggingService,
		configuration:  configuration,
	}
}

// Platform returns the platform the Manager delegates to.
func (manager Manager) Platform() Platform {
	return manager.platform
}

// ListCertificates enumerates development certificates in the store, one entry per thumbprint.
// With validOnly, certificates outside their validity window or below the minimum version are dropped.
func (manager Manager) ListCertificates(ctx context.Context, storeName StoreName, storeLocation StoreLocation, validOnly bool) ([]DevelopmentCertificate, error) {
	listed, listErr := manager.platform.ListStore(ctx, storeName, storeLocation)
	if listErr != nil {
		return nil, fmt.Errorf("list %s/%s certificates: %w", storeLocation, storeName, listErr)
	}
	candidates := DeduplicateByThumbprint(listed)
	if validOnly {
		now := manager.clock.Now()
		filtered := candidates[:0]
		for _, candidate := range candidates {
			if candidate.IsValidAt(now) && candidate.Version() >= manager.configuration.MinimumVersion {
				filtered = append(filtered, candidate)
			}
		}
		candidates = filtered
	}
	manager.debug("listed development certificates",
		logging.String(logFieldStoreName, string(storeName)),
		logging.String(logFieldStoreLocation, string(storeLocation)),
		logging.Int(logFieldCount, len(candidates)),
	)
	return candidates, nil
}

// EnsureCertificate returns a valid development certificate, creating and saving one when none exists.
func (manager Manager) EnsureCertificate(ctx context.Context, request EnsureRequest) (EnsureResult, error) {
	currentUserCertificates, currentUserErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationCurrentUser, true)
	if currentUserErr != nil {
		return EnsureResult{}, currentUserErr
	}
	localMachineCertificates, localMachineErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationLocalMachine, true)
	if localMachineErr != nil {
		return EnsureResult{}, localMachineErr
	}
	currentUserCertificates = manager.filterSubject(currentUserCertificates)
	candidates := DeduplicateByThumbprint(append(append([]DevelopmentCertificate{}, currentUserCertificates...), manager.filterSubject(localMachineCertificates)...))

	if request.Interactive {
		for _, candidate := range currentUserCertificates {
			state, checkErr := manager.platform.CheckState(ctx, candidate, true)
			if checkErr != nil {
				return EnsureResult{}, fmt.Errorf("check certificate state: %w", checkErr)
			}
			if state.IsValid {
				continue
			}
			if correctErr := manager.platform.CorrectState(ctx, candidate); correctErr != nil {
				return EnsureResult{}, fmt.Errorf("%w: %w", ErrFailedToMakeKeyAccessible, correctErr)
			}
		}
	}

	result := EnsureResult{Outcome: EnsureOutcomeValidCertificatePresent}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(left, right int) bool {
			return candidates[left].NotAfter().After(candidates[right].NotAfter())
		})
		result.Certificate = candidates[0]
		manager.info("valid development certificate present", logging.String(logFieldThumbprint, result.Certificate.Thumbprint()))
	} else {
		created, createErr := manager.createCertificate(ctx)
		if createErr != nil {
			return EnsureResult{}, createErr
		}
		result.Certificate = created
		result.Outcome = EnsureOutcomeSucceeded
		result.Created = true
		if request.Interactive {
			if correctErr := manager.platform.CorrectState(ctx, created); correctErr != nil {
				return EnsureResult{}, fmt.Errorf("%w: %w", ErrFailedToMakeKeyAccessible, correctErr)
			}
		}
	}

	if request.Export != nil && request.Export.Path != "" {
		exported, exportErr := manager.ExportCertificate(ctx, result.Certificate, *request.Export)
		if exportErr != nil {
			return result, fmt.Errorf("export certificate: %w", exportErr)
		}
		result.Certificate = exported
	}

	if request.Trust {
		trustLevel, trustErr := manager.TrustCertificate(ctx, result.Certificate)
		if trustErr != nil {
			return result, trustErr
		}
		result.TrustLevel = trustLevel
		switch {
		case trustLevel == TrustLevelPartial:
			result.Outcome = EnsureOutcomePartiallyTrusted
		case result.Created:
			result.Outcome = EnsureOutcomeNewCertificateTrusted
		default:
			result.Outcome = EnsureOutcomeExistingCertificateTrusted
		}
	}
	return result, nil
}

// CurrentCertificate returns the valid current-user certificate with the latest expiry.
func (manager Manager) CurrentCertificate(ctx context.Context) (DevelopmentCertificate, error) {
	candidates, listErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationCurrentUser, true)
	if listErr != nil {
		return DevelopmentCertificate{}, listErr
	}
	candidates = manager.filterSubject(candidates)
	if len(candidates) == 0 {
		return DevelopmentCertificate{}, ErrCertificateNotFound
	}
	latest := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.NotAfter().After(latest.NotAfter()) {
			latest = candidate
		}
	}
	return latest, nil
}

func (manager Manager) createCertificate(ctx context.Context) (DevelopmentCertificate, error) {
	now := manager.clock.Now()
	issued, issueErr := manager.issuer.Issue(ctx, IssueRequest{
		Subject:   manager.configuration.Subject,
		Hosts:     manager.configuration.Hosts,
		NotBefore: now,
		NotAfter:  now.Add(manager.configuration.ValidityDuration),
	})
	if issueErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("issue development certificate: %w", issueErr)
	}
	saved, saveErr := manager.SaveCertificate(ctx, issued, StoreNamePersonal, StoreLocationCurrentUser)
	if saveErr != nil {
		return DevelopmentCertificate{}, saveErr
	}
	if !saved.HasPrivateKey() {
		saved = saved.WithPrivateKey(issued.PrivateKey)
	}
	return saved, nil
}

// SaveCertificate persists the certificate to the store.
func (manager Manager) SaveCertificate(ctx context.Context, certificate DevelopmentCertificate, storeName StoreName, storeLocation StoreLocation) (DevelopmentCertificate, error) {
	saved, saveErr := manager.platform.SaveToStore(ctx, certificate, storeName, storeLocation)
	if saveErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("save certificate to %s/%s: %w", storeLocation, storeName, saveErr)
	}
	manager.info("development certificate saved",
		logging.String(logFieldThumbprint, saved.Thumbprint()),
		logging.String(logFieldStoreName, string(storeName)),
		logging.String(logFieldStoreLocation, string(storeLocation)),
	)
	return saved, nil
}

// TrustCertificate installs trust for the certificate. Trusting an already trusted certificate is a logged no-op.
func (manager Manager) TrustCertificate(ctx context.Context, certificate DevelopmentCertificate) (TrustLevel, error) {
	trusted, trustedErr := manager.platform.IsTrusted(ctx, certificate)
	if trustedErr != nil {
		manager.warn("failed to determine trust status", trustedErr, logging.String(logFieldThumbprint, certificate.Thumbprint()))
	}
	if trustedErr == nil && trusted {
		manager.info("development certificate already trusted", logging.String(logFieldThumbprint, certificate.Thumbprint()))
		return TrustLevelFull, nil
	}
	trustLevel, trustErr := manager.platform.Trust(ctx, certificate)
	if trustErr != nil {
		if errors.Is(trustErr, ErrUserCancelledTrust) || errors.Is(trustErr, ErrTrustFailed) {
			return TrustLevelNone, trustErr
		}
		return TrustLevelNone, fmt.Errorf("%w: %w", ErrTrustFailed, trustErr)
	}
	manager.info("development certificate trusted",
		logging.String(logFieldThumbprint, certificate.Thumbprint()),
		logging.String(logFieldTrustLevel, trustLevel.String()),
	)
	return trustLevel, nil
}

// RemoveTrust removes the trust rule and returns the platform error so the caller can decide whether it matters.
func (manager Manager) RemoveTrust(ctx context.Context, certificate DevelopmentCertificate) error {
	if removeErr := manager.platform.RemoveTrust(ctx, certificate); removeErr != nil {
		return fmt.Errorf("remove trust: %w", removeErr)
	}
	manager.info("development certificate trust removed", logging.String(logFieldThumbprint, certificate.Thumbprint()))
	return nil
}

// IsTrusted reports whether the platform currently trusts the certificate.
func (manager Manager) IsTrusted(ctx context.Context, certificate DevelopmentCertificate) (bool, error) {
	return manager.platform.IsTrusted(ctx, certificate)
}

// RemoveCertificate deletes the certificate from the selected locations. Trust removal precedes store removal and
// its failures are logged, not returned.
func (manager Manager) RemoveCertificate(ctx context.Context, certificate DevelopmentCertificate, locations RemoveLocations) error {
	switch locations {
	case RemoveLocationsLocal:
		return manager.removeFromPersonalStore(ctx, certificate)
	case RemoveLocationsTrusted:
		manager.removeTrustBestEffort(ctx, certificate)
		return nil
	default:
		manager.removeTrustBestEffort(ctx, certificate)
		return manager.removeFromPersonalStore(ctx, certificate)
	}
}

func (manager Manager) removeTrustBestEffort(ctx context.Context, certificate DevelopmentCertificate) {
	trusted, trustedErr := manager.platform.IsTrusted(ctx, certificate)
	if trustedErr == nil && !trusted {
		return
	}
	if removeErr := manager.platform.RemoveTrust(ctx, certificate); removeErr != nil {
		manager.warn("failed to remove certificate trust", removeErr, logging.String(logFieldThumbprint, certificate.Thumbprint()))
		return
	}
	manager.info("development certificate trust removed", logging.String(logFieldThumbprint, certificate.Thumbprint()))
}

func (manager Manager) removeFromPersonalStore(ctx context.Context, certificate DevelopmentCertificate) error {
	if removeErr := manager.platform.RemoveFromStore(ctx, certificate, StoreNamePersonal, StoreLocationCurrentUser); removeErr != nil {
		return fmt.Errorf("remove certificate %s: %w", certificate.Thumbprint(), removeErr)
	}
	manager.info("development certificate removed", logging.String(logFieldThumbprint, certificate.Thumbprint()))
	return nil
}

// RemoveAllCertificates removes every development certificate of the current user, valid or not, and any trusted
// certificate left without a personal store entry.
func (manager Manager) RemoveAllCertificates(ctx context.Context) error {
	personalCertificates, personalErr := manager.ListCertificates(ctx, StoreNamePersonal, StoreLocationCurrentUser, false)
	if personalErr != nil {
		return personalErr
	}
	var removalErr error
	removed := map[string]struct{}{}
	for _, certificate := range personalCertificates {
		removalErr = multierr.Append(removalErr, manager.RemoveCertificate(ctx, certificate, RemoveLocationsAll))
		removed[certificate.Thumbprint()] = struct{}{}
	}

	trustedCertificates, trustedErr := manager.ListCertificates(ctx, StoreNameRoot, StoreLocationCurrentUser, false)
	if trustedErr != nil {
		return multierr.Append(removalErr, trustedErr)
	}
	for _, certificate := range trustedCertificates {
		if _, alreadyRemoved := removed[certificate.Thumbprint()]; alreadyRemoved {
			continue
		}
		removalErr = multierr.Append(removalErr, manager.RemoveCertificate(ctx, certificate, RemoveLocationsTrusted))
	}
	return removalErr
}

// CheckCertificateState reports whether the certificate's key is usable, optionally allowing an interactive prompt.
func (manager Manager) CheckCertificateState(ctx context.Context, certificate DevelopmentCertificate, interactive bool) (CheckCertificateStateResult, error) {
	return manager.platform.CheckState(ctx, certificate, interactive)
}

// CorrectCertificateState repairs store and disk mismatches without regenerating key material.
func (manager Manager) CorrectCertificateState(ctx context.Context, certificate DevelopmentCertificate) error {
	if correctErr := manager.platform.CorrectState(ctx, certificate); correctErr != nil {
		return fmt.Errorf("correct certificate state: %w", correctErr)
	}
	return nil
}

func (manager Manager) filterSubject(candidates []DevelopmentCertificate) []DevelopmentCertificate {
	filtered := make([]DevelopmentCertificate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Subject() == manager.configuration.Subject {
			filtered = append(filtered, candidate)
		}
	}
	return filtered
}

func (manager Manager) info(message string, fields ...logging.Field) {
	if manager.loggingService == nil {
		return
	}
	manager.loggingService.Info(message, append(fields, logging.String(logFieldPlatform, manager.platform.Name()))...)
}

func (manager Manager) warn(message string, err error, fields ...logging.Field) {
	if manager.loggingService == nil {
		return
	}
	manager.loggingService.Warn(message, err, append(fields, logging.String(logFieldPlatform, manager.platform.Name()))...)
}

func (manager Manager) debug(message string, fields ...logging.Field) {
	if manager.loggingService == nil {
		return
	}
	manager.loggingService.Debug(message, fields...)
}
