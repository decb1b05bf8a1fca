// Package certloader parses the signer's private key and X.509 certificate
// chain from PEM or DER files on disk. It is the "PEM"/"DER" half of the
// signprovider.Provider capability; EXTERNAL providers never call into
// this package since their key material never leaves the provider.
package certloader

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"
)

const asn1Magic = 0x30 // SEQUENCE tag: a weak but adequate "is this DER" test

// Chain is a parsed certificate chain, leaf first.
type Chain struct {
	Leaf         *x509.Certificate
	Certificates []*x509.Certificate
}

// Intermediates returns every certificate in the chain after the leaf,
// for inclusion in a PKCS#7 SignedData's certificate set.
func (c *Chain) Intermediates() []*x509.Certificate {
	if len(c.Certificates) <= 1 {
		return nil
	}
	return c.Certificates[1:]
}

// LoadPrivateKey reads a private key from a PEM or DER file. Both PKCS#1
// and PKCS#8 wrapping are accepted, matching what openssl produces for
// RSA and ECDSA keys.
func LoadPrivateKey(path string) (crypto.Signer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(blob)
}

// ParsePrivateKey parses a private key from a blob of PEM or DER data.
func ParsePrivateKey(blob []byte) (crypto.Signer, error) {
	if len(blob) >= 1 && blob[0] == asn1Magic {
		return parsePrivateKeyDER(blob)
	}
	for {
		var block *pem.Block
		block, blob = pem.Decode(blob)
		if block == nil {
			return nil, errors.New("certloader: no private key found in PEM data")
		}
		if block.Type == "PRIVATE KEY" || strings.HasSuffix(block.Type, " PRIVATE KEY") {
			return parsePrivateKeyDER(block.Bytes)
		}
	}
}

func parsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := key.(type) {
		case *rsa.PrivateKey:
			return key, nil
		case *ecdsa.PrivateKey:
			return key, nil
		default:
			return nil, errors.New("certloader: unsupported private key type in PKCS#8 wrapper")
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("certloader: failed to parse private key")
}

// LoadCertificate reads the signer's leaf certificate (and any chain
// certificates present in the same file) from a PEM or DER file.
func LoadCertificate(path string) (*Chain, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCertificates(blob)
}

// ParseCertificates parses one or more X.509 certificates from PEM or DER
// data. The first certificate found is treated as the leaf.
func ParseCertificates(blob []byte) (*Chain, error) {
	if len(blob) >= 1 && blob[0] == asn1Magic {
		certs, err := x509.ParseCertificates(blob)
		if err != nil {
			return nil, err
		}
		return &Chain{Leaf: certs[0], Certificates: certs}, nil
	}
	var certs []*x509.Certificate
	rest := blob
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("certloader: no certificates found")
	}
	return &Chain{Leaf: certs[0], Certificates: certs}, nil
}
