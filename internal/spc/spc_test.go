package spc

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/asn1"
	"testing"
)

func TestEncodeRoundTrips(t *testing.T) {
	digest := make([]byte, crypto.SHA256.Size())
	for i := range digest {
		digest[i] = byte(i)
	}
	der, err := Encode(crypto.SHA256, digest)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got indirectDataContent
	if _, err := asn1.Unmarshal(der, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !got.Data.Type.Equal(OidSpcPeImageDataObjID) {
		t.Fatalf("unexpected SpcAttributePeImageData type: %v", got.Data.Type)
	}
	if string(got.MessageDigest.Digest) != string(digest) {
		t.Fatalf("digest mismatch")
	}
	if !got.MessageDigest.DigestAlgorithm.Algorithm.Equal(
		asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}) {
		t.Fatalf("unexpected digest algorithm OID: %v", got.MessageDigest.DigestAlgorithm.Algorithm)
	}
}

func TestEncodeRejectsUnsupportedHash(t *testing.T) {
	if _, err := Encode(crypto.MD5, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for unsupported hash")
	}
}
