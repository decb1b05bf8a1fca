// Package gcpkmsprovider implements signprovider.Provider against a
// Google Cloud KMS asymmetric signing key. The locator is the fully
// qualified resource name of a key version
// ("projects/P/locations/L/keyRings/R/cryptoKeys/K/cryptoKeyVersions/V").
package gcpkmsprovider

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/signprovider"
)

const name = "gcpkms"

func init() {
	signprovider.Register(provider{})
}

type provider struct{}

func (provider) Name() string { return name }

func (provider) Open(ctx context.Context, locator string) (signprovider.Handle, error) {
	cli, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	resp, err := cli.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: locator})
	if err != nil {
		cli.Close()
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		cli.Close()
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: errors.New("gcpkmsprovider: no PEM block in public key response")}
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		cli.Close()
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	return &handle{cli: cli, keyVersion: locator, pub: pub}, nil
}

type handle struct {
	cli        *kms.KeyManagementClient
	keyVersion string
	pub        crypto.PublicKey
}

func (h *handle) Public() crypto.PublicKey { return h.pub }

func (h *handle) Certificate() []*x509.Certificate { return nil }

func (h *handle) Sign(ctx context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	req := &kmspb.AsymmetricSignRequest{
		Name:   h.keyVersion,
		Digest: &kmspb.Digest{},
	}
	switch alg {
	case crypto.SHA256:
		req.Digest.Digest = &kmspb.Digest_Sha256{Sha256: digest}
	case crypto.SHA384:
		req.Digest.Digest = &kmspb.Digest_Sha384{Sha384: digest}
	case crypto.SHA512:
		req.Digest.Digest = &kmspb.Digest_Sha512{Sha512: digest}
	default:
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: alg.String()}
	}
	resp, err := h.cli.AsymmetricSign(ctx, req)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	if resp.Signature == nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: fmt.Errorf("gcpkmsprovider: empty signature response")}
	}
	return resp.Signature, nil
}

func (h *handle) Release() error {
	return h.cli.Close()
}
