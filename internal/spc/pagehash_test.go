package spc

import (
	"bytes"
	"crypto"
	"testing"
)

func TestPageHashAttributeOID(t *testing.T) {
	if oid, err := PageHashAttributeOID(crypto.SHA1); err != nil || !oid.Equal(OidSpcPageHashV1) {
		t.Fatalf("SHA1: got %v, %v", oid, err)
	}
	if oid, err := PageHashAttributeOID(crypto.SHA256); err != nil || !oid.Equal(OidSpcPageHashV2) {
		t.Fatalf("SHA256: got %v, %v", oid, err)
	}
	if _, err := PageHashAttributeOID(crypto.MD5); err == nil {
		t.Fatalf("expected error for an algorithm with no page-hash variant")
	}
}

func TestEncodeDecodePageHashesRoundTrips(t *testing.T) {
	flat := []byte{
		0x00, 0x00, 0x00, 0x00, // offset 0
	}
	flat = append(flat, bytes.Repeat([]byte{0xAB}, 32)...) // SHA-256-sized digest
	flat = append(flat, 0x00, 0x10, 0x00, 0x00)            // offset 0x1000
	flat = append(flat, make([]byte, 32)...)               // terminating zero digest

	der, err := EncodePageHashes(flat)
	if err != nil {
		t.Fatalf("EncodePageHashes: %v", err)
	}
	got, err := DecodePageHashes(der)
	if err != nil {
		t.Fatalf("DecodePageHashes: %v", err)
	}
	if !bytes.Equal(got, flat) {
		t.Fatalf("round trip mismatch: got %x, want %x", got, flat)
	}
}
