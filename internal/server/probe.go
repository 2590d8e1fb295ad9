package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/tyemirov/devcerts/pkg/logging"
)

const (
	serverHeaderName          = "Server"
	serverHeaderValue         = "devcerts"
	probeResponseBody         = "devcerts probe ok\n"
	defaultProbeBindAddress   = "127.0.0.1"
	defaultProbeServerName    = "localhost"
	defaultProbeTimeout       = 10 * time.Second
	shutdownGracePeriod       = 3 * time.Second
	logFieldURL               = "url"
	logFieldTrusted           = "trusted"
	logFieldStatus            = "status"
	logMessageProbeServing    = "probe serving https"
	logMessageProbeCompleted  = "probe completed"
	logMessageShutdownFailed  = "shutdown failed"
	logMessageProbeServeError = "probe server error"
)

// ProbeConfiguration describes where the probe listens and how the client verifies it.
type ProbeConfiguration struct {
	BindAddress string
	Port        string
	// ServerName is the host the client dials and verifies. Defaults to localhost.
	ServerName string
	Timeout    time.Duration
	// RootCAs overrides the system roots used by the client.
	RootCAs *x509.CertPool
}

// ProbeResult reports what a TLS client observed while talking to the probe server.
type ProbeResult struct {
	URL               string
	Trusted           bool
	StatusCode        int
	VerificationError string
}

// TrustProbe serves a certificate on a loopback listener and checks whether a standard TLS client accepts it.
type TrustProbe struct {
	loggingService *logging.Service
}

// NewTrustProbe constructs a TrustProbe.
func NewTrustProbe(loggingService *logging.Service) TrustProbe {
	return TrustProbe{loggingService: loggingService}
}

// Probe serves certificate for exactly one request. A rejected chain is reported in the result, not as an error.
func (probe TrustProbe) Probe(ctx context.Context, certificate tls.Certificate, configuration ProbeConfiguration) (ProbeResult, error) {
	if probe.loggingService == nil {
		return ProbeResult{}, errors.New("logging service not configured")
	}
	bindAddress := configuration.BindAddress
	if strings.TrimSpace(bindAddress) == "" {
		bindAddress = defaultProbeBindAddress
	}
	port := configuration.Port
	if strings.TrimSpace(port) == "" {
		port = "0"
	}
	serverName := configuration.ServerName
	if serverName == "" {
		serverName = defaultProbeServerName
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	listener, listenErr := net.Listen("tcp", net.JoinHostPort(bindAddress, port))
	if listenErr != nil {
		if isAddressInUse(listenErr) {
			return ProbeResult{}, fmt.Errorf("address in use: %s:%s", bindAddress, port)
		}
		return ProbeResult{}, fmt.Errorf("listen: %w", listenErr)
	}
	_, boundPort, _ := net.SplitHostPort(listener.Addr().String())

	server := &http.Server{
		Handler:           probeHandler(),
		ReadHeaderTimeout: timeout,
		TLSConfig:         &tls.Config{Certificates: []tls.Certificate{certificate}, MinVersion: tls.VersionTLS12},
		ErrorLog:          log.New(io.Discard, "", 0),
	}
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ServeTLS(listener, "", "")
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			probe.loggingService.Error(logMessageShutdownFailed, shutdownErr)
		}
		if serveErr := <-serverErrors; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			probe.loggingService.Error(logMessageProbeServeError, serveErr)
		}
	}()

	probeURL := fmt.Sprintf("https://%s/", net.JoinHostPort(serverName, boundPort))
	probe.loggingService.Debug(logMessageProbeServing, logging.String(logFieldURL, probeURL))

	dialAddress := net.JoinHostPort(bindAddress, boundPort)
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: configuration.RootCAs, ServerName: serverName, MinVersion: tls.VersionTLS12},
			DialContext: func(dialCtx context.Context, network string, address string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(dialCtx, network, dialAddress)
			},
			DisableKeepAlives: true,
		},
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if requestErr != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", requestErr)
	}

	result := ProbeResult{URL: probeURL}
	response, responseErr := client.Do(request)
	if responseErr != nil {
		if !isCertificateVerificationError(responseErr) {
			return result, fmt.Errorf("probe request: %w", responseErr)
		}
		result.VerificationError = responseErr.Error()
		probe.logResult(result)
		return result, nil
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	result.Trusted = true
	result.StatusCode = response.StatusCode
	probe.logResult(result)
	return result, nil
}

func (probe TrustProbe) logResult(result ProbeResult) {
	probe.loggingService.Info(logMessageProbeCompleted,
		logging.String(logFieldURL, result.URL),
		logging.Bool(logFieldTrusted, result.Trusted),
		logging.Int(logFieldStatus, result.StatusCode),
	)
}

func probeHandler() http.Handler {
	return http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		responseWriter.Header().Set(serverHeaderName, serverHeaderValue)
		responseWriter.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(responseWriter, probeResponseBody)
	})
}

func isCertificateVerificationError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameError x509.HostnameError
	var invalidCertificate x509.CertificateInvalidError
	var verificationError *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameError) ||
		errors.As(err, &invalidCertificate) ||
		errors.As(err, &verificationError)
}

func isAddressInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.EADDRINUSE) {
			return true
		}
		var syscallErr *os.SyscallError
		if errors.As(opErr.Err, &syscallErr) {
			return errors.Is(syscallErr.Err, syscall.EADDRINUSE)
		}
	}
	return errors.Is(err, syscall.EADDRINUSE)
}
