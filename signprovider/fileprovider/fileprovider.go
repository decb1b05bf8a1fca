// Package fileprovider implements signprovider.Provider for a private key
// stored in a local PEM or DER file, the "PEM"/"DER" key form. It never
// talks to the network or a hardware token.
package fileprovider

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"

	"github.com/uefisign/uefisign/internal/certloader"
	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/signprovider"
)

const name = "file"

func init() {
	signprovider.Register(provider{})
}

type provider struct{}

func (provider) Name() string { return name }

// Open reads locator as a PEM or DER file and parses a private key out of
// it. If the same file also carries one or more certificates, they are
// returned from Certificate() too, so sign.Run can use a single combined
// key+cert PEM file when the Request has no CertPath. The uefisign sign
// command itself always requires --cert.
func (provider) Open(_ context.Context, locator string) (signprovider.Handle, error) {
	signer, err := certloader.LoadPrivateKey(locator)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	var certs []*x509.Certificate
	if chain, err := certloader.LoadCertificate(locator); err == nil {
		certs = chain.Certificates
	}
	return &handle{signer: signer, certs: certs}, nil
}

type handle struct {
	signer crypto.Signer
	certs  []*x509.Certificate
}

func (h *handle) Public() crypto.PublicKey { return h.signer.Public() }

func (h *handle) Certificate() []*x509.Certificate { return h.certs }

func (h *handle) Sign(_ context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	sig, err := h.signer.Sign(rand.Reader, digest, alg)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	return sig, nil
}

func (h *handle) Release() error { return nil }
