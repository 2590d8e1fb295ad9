package certificates

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"
)

// CertificateIssuer produces new development certificates.
type CertificateIssuer interface {
	Issue(ctx context.Context, request IssueRequest) (DevelopmentCertificate, error)
}

// IssueRequest describes the desired certificate attributes.
type IssueRequest struct {
	Subject   string
	Hosts     []string
	NotBefore time.Time
	NotAfter  time.Time
}

// IssuerConfiguration defines how development certificates are generated.
type IssuerConfiguration struct {
	RSAKeyBitSize int
	Version       int
}

// DevelopmentCertificateIssuer creates self-signed localhost certificates carrying the development marker.
type DevelopmentCertificateIssuer struct {
	randomnessSource io.Reader
	configuration    IssuerConfiguration
}

// NewDevelopmentCertificateIssuer constructs a DevelopmentCertificateIssuer.
func NewDevelopmentCertificateIssuer(randomnessSource io.Reader, configuration IssuerConfiguration) DevelopmentCertificateIssuer {
	if configuration.RSAKeyBitSize == 0 {
		configuration.RSAKeyBitSize = DefaultRSAKeyBitSize
	}
	if configuration.Version == 0 {
		configuration.Version = CurrentCertificateVersion
	}
	return DevelopmentCertificateIssuer{randomnessSource: randomnessSource, configuration: configuration}
}

// Issue generates a key pair and a self-signed certificate for the requested hosts.
func (issuer DevelopmentCertificateIssuer) Issue(ctx context.Context, request IssueRequest) (DevelopmentCertificate, error) {
	if request.Subject == "" {
		return DevelopmentCertificate{}, errors.New("certificate subject is required")
	}
	if !request.NotAfter.After(request.NotBefore) {
		return DevelopmentCertificate{}, errors.New("certificate validity window is empty")
	}
	hosts := request.Hosts
	if len(hosts) == 0 {
		hosts = []string{request.Subject}
	}

	select {
	case <-ctx.Done():
		return DevelopmentCertificate{}, fmt.Errorf("issue development certificate: %w", ctx.Err())
	default:
	}

	privateKey, privateKeyErr := rsa.GenerateKey(issuer.randomnessSource, issuer.configuration.RSAKeyBitSize)
	if privateKeyErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("generate private key: %w", privateKeyErr)
	}
	serialNumber, serialErr := issuer.generateSerialNumber()
	if serialErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("generate serial number: %w", serialErr)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: request.Subject,
		},
		NotBefore:             request.NotBefore,
		NotAfter:              request.NotAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			{Id: developmentCertificateObjectIdentifier, Critical: false, Value: []byte{byte(issuer.configuration.Version)}},
		},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	certificateDer, certificateErr := x509.CreateCertificate(issuer.randomnessSource, &template, &template, &privateKey.PublicKey, privateKey)
	if certificateErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("create certificate: %w", certificateErr)
	}
	certificate, parseErr := x509.ParseCertificate(certificateDer)
	if parseErr != nil {
		return DevelopmentCertificate{}, fmt.Errorf("parse created certificate: %w", parseErr)
	}
	return NewDevelopmentCertificate(certificate, privateKey), nil
}

func (issuer DevelopmentCertificateIssuer) generateSerialNumber() (*big.Int, error) {
	upperBound := new(big.Int).Lsh(big.NewInt(1), certificateSerialNumberUpperBits)
	return rand.Int(issuer.randomnessSource, upperBound)
}
