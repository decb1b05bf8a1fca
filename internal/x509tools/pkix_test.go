package x509tools

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestPkixDigestAlgorithmRoundTrips(t *testing.T) {
	for _, hash := range []crypto.Hash{crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512} {
		alg, ok := PkixDigestAlgorithm(hash)
		if !ok {
			t.Fatalf("PkixDigestAlgorithm(%v): not ok", hash)
		}
		got, ok := PkixDigestToHash(alg)
		if !ok || got != hash {
			t.Fatalf("PkixDigestToHash(%v) = %v, %v", alg, got, ok)
		}
	}
}

func TestPkixDigestAlgorithmRejectsMD5(t *testing.T) {
	if _, ok := PkixDigestAlgorithm(crypto.MD5); ok {
		t.Fatalf("expected MD5 to be unsupported")
	}
}

func TestPkixPublicKeyAlgorithm(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	if alg, ok := PkixPublicKeyAlgorithm(&rsaKey.PublicKey); !ok || !alg.Algorithm.Equal(OidPublicKeyRSA) {
		t.Fatalf("unexpected RSA algorithm identifier: %v, %v", alg, ok)
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}
	if alg, ok := PkixPublicKeyAlgorithm(&ecKey.PublicKey); !ok || !alg.Algorithm.Equal(OidPublicKeyECDSA) {
		t.Fatalf("unexpected ECDSA algorithm identifier: %v, %v", alg, ok)
	}
}

func TestSameKey(t *testing.T) {
	a, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !SameKey(&a.PublicKey, &a.PublicKey) {
		t.Fatalf("expected a key to match itself")
	}
	if SameKey(&a.PublicKey, &b.PublicKey) {
		t.Fatalf("expected distinct keys not to match")
	}
}

func TestMarshalDigest(t *testing.T) {
	digest := make([]byte, crypto.SHA256.Size())
	der, ok := MarshalDigest(crypto.SHA256, digest)
	if !ok {
		t.Fatalf("MarshalDigest: not ok")
	}
	if len(der) == 0 {
		t.Fatalf("MarshalDigest returned empty DER")
	}
}
