// Package x509tools holds small helpers for translating between Go's
// crypto.Hash/crypto.PublicKey types and the ASN.1 AlgorithmIdentifier
// values that PKCS#7 and Authenticode structures carry on the wire.
package x509tools

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
)

var (
	// RFC 3279 / RFC 5758 digest algorithm OIDs.
	OidDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OidDigestSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OidDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// RFC 3279 public key algorithm OIDs.
	OidPublicKeyRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

var hashOids = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   OidDigestSHA1,
	crypto.SHA256: OidDigestSHA256,
	crypto.SHA384: OidDigestSHA384,
	crypto.SHA512: OidDigestSHA512,
}

// PkixDigestAlgorithm converts a crypto.Hash to an X.509 AlgorithmIdentifier.
func PkixDigestAlgorithm(hash crypto.Hash) (alg pkix.AlgorithmIdentifier, ok bool) {
	oid, ok := hashOids[hash]
	if !ok {
		return alg, false
	}
	alg.Algorithm = oid
	// Some verifiers insist on an explicit NULL parameter rather than
	// an absent one.
	alg.Parameters = asn1.RawValue{Tag: 5}
	return alg, true
}

// PkixDigestToHash is the inverse of PkixDigestAlgorithm.
func PkixDigestToHash(alg pkix.AlgorithmIdentifier) (crypto.Hash, bool) {
	for hash, oid := range hashOids {
		if alg.Algorithm.Equal(oid) {
			return hash, true
		}
	}
	return 0, false
}

// PkixPublicKeyAlgorithm converts a crypto.PublicKey to an X.509
// AlgorithmIdentifier for the digestEncryptionAlgorithm field of a
// PKCS#7 SignerInfo.
func PkixPublicKeyAlgorithm(pub crypto.PublicKey) (alg pkix.AlgorithmIdentifier, ok bool) {
	switch pub.(type) {
	case *rsa.PublicKey:
		alg.Algorithm = OidPublicKeyRSA
	case *ecdsa.PublicKey:
		alg.Algorithm = OidPublicKeyECDSA
	default:
		return alg, false
	}
	alg.Parameters = asn1.RawValue{Tag: 5}
	return alg, true
}

type digestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

// MarshalDigest packs a digest together with its algorithm identifier
// into a DER DigestInfo, the form PKCS#1 v1.5 RSA signing expects as its
// input when the raw RSA operation is performed by a PKCS#11 token rather
// than by crypto/rsa directly.
func MarshalDigest(hash crypto.Hash, digest []byte) ([]byte, bool) {
	alg, ok := PkixDigestAlgorithm(hash)
	if !ok {
		return nil, false
	}
	der, err := asn1.Marshal(digestInfo{alg, digest})
	if err != nil {
		return nil, false
	}
	return der, true
}

// SameKey reports whether public keys a and b are the same key, e.g.
// whether a certificate and a loaded private key actually pair up.
func SameKey(a, b crypto.PublicKey) bool {
	switch a := a.(type) {
	case *rsa.PublicKey:
		b, ok := b.(*rsa.PublicKey)
		return ok && a.N.Cmp(b.N) == 0 && a.E == b.E
	case *ecdsa.PublicKey:
		b, ok := b.(*ecdsa.PublicKey)
		return ok && a.X.Cmp(b.X) == 0 && a.Y.Cmp(b.Y) == 0 && a.Curve == b.Curve
	default:
		return false
	}
}
