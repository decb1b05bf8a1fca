// Package azurekvprovider implements signprovider.Provider against an
// Azure Key Vault key, reached through azidentity's default credential
// chain and the azkeys data-plane client. The locator is "vaultURL/keyName"
// or "vaultURL/keyName/version".
package azurekvprovider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/signprovider"
)

const name = "azurekv"

func init() {
	signprovider.Register(provider{})
}

type provider struct{}

func (provider) Name() string { return name }

// parseLocator splits "https://myvault.vault.azure.net/mykey" or
// ".../mykey/version" into a vault URL and key name/version.
func parseLocator(locator string) (vaultURL, keyName, keyVersion string, err error) {
	idx := strings.Index(locator, ".vault.azure.net/")
	if idx < 0 {
		return "", "", "", fmt.Errorf("azurekvprovider: locator %q is not a Key Vault URL", locator)
	}
	split := idx + len(".vault.azure.net/")
	vaultURL = locator[:split-1]
	rest := strings.Trim(locator[split:], "/")
	parts := strings.SplitN(rest, "/", 2)
	keyName = parts[0]
	if len(parts) == 2 {
		keyVersion = parts[1]
	}
	if keyName == "" {
		return "", "", "", fmt.Errorf("azurekvprovider: locator %q has no key name", locator)
	}
	return vaultURL, keyName, keyVersion, nil
}

func (provider) Open(ctx context.Context, locator string) (signprovider.Handle, error) {
	vaultURL, keyName, keyVersion, err := parseLocator(locator)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	cli, err := azkeys.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	resp, err := cli.GetKey(ctx, keyName, keyVersion, nil)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	pub, err := jwkToPublicKey(resp.Key)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	return &handle{cli: cli, keyName: keyName, keyVersion: keyVersion, pub: pub}, nil
}

// jwkToPublicKey reconstructs a crypto.PublicKey from the JSON Web Key
// azkeys returns: RSA keys carry N/E, EC keys carry a curve name and X/Y.
func jwkToPublicKey(jwk *azkeys.JSONWebKey) (crypto.PublicKey, error) {
	if jwk == nil {
		return nil, fmt.Errorf("azurekvprovider: empty key response")
	}
	switch {
	case jwk.N != nil && jwk.E != nil:
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(jwk.N),
			E: int(new(big.Int).SetBytes(jwk.E).Int64()),
		}, nil
	case jwk.X != nil && jwk.Y != nil:
		var curve elliptic.Curve
		crv := ""
		if jwk.Crv != nil {
			crv = string(*jwk.Crv)
		}
		switch crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("azurekvprovider: unsupported curve %q", crv)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(jwk.X),
			Y:     new(big.Int).SetBytes(jwk.Y),
		}, nil
	default:
		return nil, fmt.Errorf("azurekvprovider: unsupported key type in JWK")
	}
}

type handle struct {
	cli        *azkeys.Client
	keyName    string
	keyVersion string
	pub        crypto.PublicKey
}

func (h *handle) Public() crypto.PublicKey { return h.pub }

func (h *handle) Certificate() []*x509.Certificate { return nil }

type ecdsaSignature struct{ R, S *big.Int }

func (h *handle) Sign(ctx context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	sigAlg, isECDSA, err := h.signatureAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	resp, err := h.cli.Sign(ctx, h.keyName, h.keyVersion, azkeys.SignParameters{
		Algorithm: &sigAlg,
		Value:     digest,
	}, nil)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	if !isECDSA {
		return resp.Result, nil
	}
	// Key Vault returns raw, fixed-width r||s for EC signatures; repack
	// as an ASN.1 SEQUENCE the way every other PKCS#7 signer in this
	// codebase expects.
	half := len(resp.Result) / 2
	r := new(big.Int).SetBytes(resp.Result[:half])
	s := new(big.Int).SetBytes(resp.Result[half:])
	return asn1.Marshal(ecdsaSignature{r, s})
}

func (h *handle) signatureAlgorithm(alg crypto.Hash) (azkeys.SignatureAlgorithm, bool, error) {
	switch pub := h.pub.(type) {
	case *rsa.PublicKey:
		switch alg {
		case crypto.SHA256:
			return azkeys.SignatureAlgorithmRS256, false, nil
		case crypto.SHA384:
			return azkeys.SignatureAlgorithmRS384, false, nil
		case crypto.SHA512:
			return azkeys.SignatureAlgorithmRS512, false, nil
		}
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return azkeys.SignatureAlgorithmES256, true, nil
		case elliptic.P384():
			return azkeys.SignatureAlgorithmES384, true, nil
		case elliptic.P521():
			return azkeys.SignatureAlgorithmES512, true, nil
		}
	}
	return "", false, &sberrors.UnsupportedAlgorithmError{Algorithm: alg.String()}
}

func (h *handle) Release() error { return nil }
