// Package awskmsprovider implements signprovider.Provider against an AWS
// KMS asymmetric signing key. The locator is the key's ID or ARN; the
// credentials and region come from the standard AWS SDK default chain.
package awskmsprovider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/signprovider"
)

const name = "awskms"

func init() {
	signprovider.Register(provider{})
}

type provider struct{}

func (provider) Name() string { return name }

func (provider) Open(ctx context.Context, locator string) (signprovider.Handle, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	cli := kms.NewFromConfig(cfg)
	resp, err := cli.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: &locator})
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	pub, err := x509.ParsePKIXPublicKey(resp.PublicKey)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	return &handle{cli: cli, keyID: locator, pub: pub}, nil
}

type handle struct {
	cli   *kms.Client
	keyID string
	pub   crypto.PublicKey
}

func (h *handle) Public() crypto.PublicKey { return h.pub }

func (h *handle) Certificate() []*x509.Certificate { return nil }

func (h *handle) Sign(ctx context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	sigAlg, err := h.signingAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	resp, err := h.cli.Sign(ctx, &kms.SignInput{
		KeyId:            &h.keyID,
		Message:          digest,
		SigningAlgorithm: types.SigningAlgorithmSpec(sigAlg),
		MessageType:      types.MessageTypeDigest,
	})
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	return resp.Signature, nil
}

func (h *handle) signingAlgorithm(alg crypto.Hash) (string, error) {
	var suffix string
	switch alg {
	case crypto.SHA256:
		suffix = "SHA_256"
	case crypto.SHA384:
		suffix = "SHA_384"
	case crypto.SHA512:
		suffix = "SHA_512"
	default:
		return "", &sberrors.UnsupportedAlgorithmError{Algorithm: alg.String()}
	}
	switch h.pub.(type) {
	case *rsa.PublicKey:
		return "RSASSA_PKCS1_V1_5_" + suffix, nil
	case *ecdsa.PublicKey:
		return "ECDSA_" + suffix, nil
	default:
		return "", &sberrors.UnsupportedAlgorithmError{Algorithm: fmt.Sprintf("%T", h.pub)}
	}
}

func (h *handle) Release() error { return nil }
