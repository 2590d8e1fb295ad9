package certificates

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

// EncodeCertificatePEM returns the public certificate in PEM form.
func EncodeCertificatePEM(certificate DevelopmentCertificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: certificatePemBlockType, Bytes: certificate.Raw()})
}

// EncodePFX encodes the certificate and private key as PKCS#12.
// An empty password produces an unencrypted container, matching the disk mirror format.
func EncodePFX(certificate DevelopmentCertificate, password string) ([]byte, error) {
	if !certificate.HasPrivateKey() {
		return nil, ErrPrivateKeyRequired
	}
	encoder := pkcs12.Modern
	if password == "" {
		encoder = pkcs12.Passwordless
	}
	pfxData, encodeErr := encoder.Encode(certificate.PrivateKey, certificate.Certificate, nil, password)
	if encodeErr != nil {
		return nil, fmt.Errorf("encode pkcs12: %w", encodeErr)
	}
	return pfxData, nil
}

// EncodeLegacyPFX encodes with the 3DES profile understood by older platform import tools.
func EncodeLegacyPFX(certificate DevelopmentCertificate, password string) ([]byte, error) {
	if !certificate.HasPrivateKey() {
		return nil, ErrPrivateKeyRequired
	}
	pfxData, encodeErr := pkcs12.LegacyDES.Encode(certificate.PrivateKey, certificate.Certificate, nil, password)
	if encodeErr != nil {
		return nil, fmt.Errorf("encode legacy pkcs12: %w", encodeErr)
	}
	return pfxData, nil
}

// EncodePublicPFX encodes only the certificate as an unencrypted PKCS#12 trust store.
func EncodePublicPFX(certificate DevelopmentCertificate) ([]byte, error) {
	pfxData, encodeErr := pkcs12.Passwordless.EncodeTrustStore([]*x509.Certificate{certificate.Certificate}, "")
	if encodeErr != nil {
		return nil, fmt.Errorf("encode pkcs12 trust store: %w", encodeErr)
	}
	return pfxData, nil
}

// DecodePFX reads a PKCS#12 container holding either a key pair or a single trusted certificate.
func DecodePFX(pfxData []byte, password string) (DevelopmentCertificate, error) {
	privateKey, certificate, _, chainErr := pkcs12.DecodeChain(pfxData, password)
	if chainErr == nil {
		signer, isSigner := privateKey.(crypto.Signer)
		if !isSigner {
			return DevelopmentCertificate{}, fmt.Errorf("decode pkcs12: unsupported private key type %T", privateKey)
		}
		return NewDevelopmentCertificate(certificate, signer), nil
	}
	trustedCertificates, trustStoreErr := pkcs12.DecodeTrustStore(pfxData, password)
	if trustStoreErr != nil || len(trustedCertificates) == 0 {
		return DevelopmentCertificate{}, fmt.Errorf("decode pkcs12: %w", chainErr)
	}
	return NewDevelopmentCertificate(trustedCertificates[0], nil), nil
}

// DecodeIdentities reads every key pair from a PKCS#12 container that may hold several identities, as produced by
// a keychain export. Certificates without a matching key are returned without one.
func DecodeIdentities(pfxData []byte, password string) ([]DevelopmentCertificate, error) {
	blocks, convertErr := pkcs12.ToPEM(pfxData, password)
	if convertErr != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", convertErr)
	}
	var parsedCertificates []*x509.Certificate
	var signers []crypto.Signer
	for _, block := range blocks {
		switch block.Type {
		case certificatePemBlockType:
			certificate, parseErr := x509.ParseCertificate(block.Bytes)
			if parseErr != nil {
				return nil, fmt.Errorf("parse certificate: %w", parseErr)
			}
			parsedCertificates = append(parsedCertificates, certificate)
		case rsaPrivateKeyPemBlockType:
			privateKey, parseErr := x509.ParsePKCS1PrivateKey(block.Bytes)
			if parseErr != nil {
				return nil, fmt.Errorf("parse private key: %w", parseErr)
			}
			signers = append(signers, privateKey)
		case ecPrivateKeyPemBlockType:
			privateKey, parseErr := x509.ParseECPrivateKey(block.Bytes)
			if parseErr != nil {
				return nil, fmt.Errorf("parse private key: %w", parseErr)
			}
			signers = append(signers, privateKey)
		}
	}
	identities := make([]DevelopmentCertificate, 0, len(parsedCertificates))
	for _, certificate := range parsedCertificates {
		identities = append(identities, NewDevelopmentCertificate(certificate, matchingSigner(certificate, signers)))
	}
	return identities, nil
}

func matchingSigner(certificate *x509.Certificate, signers []crypto.Signer) crypto.Signer {
	for _, signer := range signers {
		publicKey, comparable := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
		if comparable && publicKey.Equal(certificate.PublicKey) {
			return signer
		}
	}
	return nil
}

// EncodePrivateKeyPEM encodes the key as PKCS#8, encrypted when password is not empty.
func EncodePrivateKeyPEM(privateKey crypto.Signer, password string) ([]byte, error) {
	if privateKey == nil {
		return nil, ErrPrivateKeyRequired
	}
	if password == "" {
		der, marshalErr := x509.MarshalPKCS8PrivateKey(privateKey)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal private key: %w", marshalErr)
		}
		return pem.EncodeToMemory(&pem.Block{Type: privateKeyPemBlockType, Bytes: der}), nil
	}
	der, marshalErr := pkcs8.MarshalPrivateKey(privateKey, []byte(password), nil)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal encrypted private key: %w", marshalErr)
	}
	return pem.EncodeToMemory(&pem.Block{Type: encryptedPrivateKeyPemBlockType, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 key, decrypting it when the block is encrypted.
func ParsePrivateKeyPEM(data []byte, password string) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM private key found")
	}
	var privateKey any
	var parseErr error
	if block.Type == encryptedPrivateKeyPemBlockType {
		privateKey, parseErr = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
	} else {
		privateKey, parseErr = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("parse private key: %w", parseErr)
	}
	signer, isSigner := privateKey.(crypto.Signer)
	if !isSigner {
		return nil, fmt.Errorf("unsupported private key type %T", privateKey)
	}
	return signer, nil
}

// ParseCertificatesPEM returns every certificate block in data, skipping unparsable blocks.
func ParseCertificatesPEM(data []byte) []*x509.Certificate {
	var parsed []*x509.Certificate
	remaining := data
	for {
		var block *pem.Block
		block, remaining = pem.Decode(remaining)
		if block == nil {
			return parsed
		}
		if block.Type != certificatePemBlockType {
			continue
		}
		certificate, parseErr := x509.ParseCertificate(block.Bytes)
		if parseErr != nil {
			continue
		}
		parsed = append(parsed, certificate)
	}
}
