package spc

import (
	"crypto"
	"encoding/asn1"

	"github.com/uefisign/uefisign/internal/sberrors"
)

// OidSpcPageHashV1 and OidSpcPageHashV2 identify the SHA-1 and SHA-256
// variants of the page-hash authenticated attribute.
var (
	OidSpcPageHashV1 = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 3, 1}
	OidSpcPageHashV2 = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 3, 2}
)

// PageHashAttributeOID returns the page-hash attribute OID matching
// hashAlg, or an UnsupportedAlgorithmError if hashAlg has no page-hash
// variant defined.
func PageHashAttributeOID(hashAlg crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch hashAlg {
	case crypto.SHA1:
		return OidSpcPageHashV1, nil
	case crypto.SHA256:
		return OidSpcPageHashV2, nil
	default:
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: hashAlg.String()}
	}
}

// EncodePageHashes builds the single attribute value of the page-hash
// authenticated attribute: an OCTET STRING holding the flat
// offset||digest||... blob produced by pecoff.MarshalPageHashes. The
// SET OF wrapper every PKCS#9 attribute value needs is added by
// pkcs7.Builder.AddAuthenticatedAttribute, not here.
func EncodePageHashes(flat []byte) ([]byte, error) {
	return asn1.Marshal(flat)
}

// DecodePageHashes is the inverse of EncodePageHashes, used by tests to
// confirm the attribute round-trips.
func DecodePageHashes(der []byte) ([]byte, error) {
	var flat []byte
	if _, err := asn1.Unmarshal(der, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}
