package pecoff

import (
	"bytes"
	"crypto"
	"encoding/binary"
	"testing"
)

// buildPE32 assembles a minimal, well-formed PE32 image with one section
// and no certificate table, for use as a test fixture.
func buildPE32(t *testing.T, sectionData []byte) []byte {
	t.Helper()

	const (
		dosSize    = 64
		coffSize   = 20
		optSize    = 96 + 16*8 // standard fields + 16 data directories
		sectionOff = dosSize + 4 + coffSize + optSize
	)
	sectionData = append(sectionData, make([]byte, (512-len(sectionData)%512)%512)...)
	sectionRaw := sectionOff + sectionHeaderSize
	sectionRaw = (sectionRaw + 511) &^ 511

	buf := make([]byte, sectionRaw+len(sectionData))
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], dosSize)

	pe := dosSize
	copy(buf[pe:pe+4], []byte{'P', 'E', 0, 0})
	coff := pe + 4
	binary.LittleEndian.PutUint16(buf[coff+2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[coff+16:], uint16(optSize))

	opt := coff + coffSize
	binary.LittleEndian.PutUint16(buf[opt:], MagicPE32)
	binary.LittleEndian.PutUint32(buf[opt+36:], 512)         // FileAlignment
	binary.LittleEndian.PutUint32(buf[opt+60:], uint32(sectionRaw)) // SizeOfHeaders
	binary.LittleEndian.PutUint32(buf[opt+92:], 16)          // NumberOfRvaAndSizes

	sectionTable := opt + optSize
	copy(buf[sectionTable:sectionTable+8], []byte("test\x00\x00\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sectionTable+16:], uint32(len(sectionData))) // SizeOfRawData
	binary.LittleEndian.PutUint32(buf[sectionTable+20:], uint32(sectionRaw))       // PointerToRawData

	copy(buf[sectionRaw:], sectionData)
	return buf
}

func TestParseAndDigestDeterministic(t *testing.T) {
	buf := buildPE32(t, bytes.Repeat([]byte{0xAB}, 200))
	img1, err := Parse(append([]byte(nil), buf...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	img2, err := Parse(append([]byte(nil), buf...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d1 := img1.DigestHash(crypto.SHA256)
	d2 := img2.DigestHash(crypto.SHA256)
	if !bytes.Equal(d1, d2) {
		t.Fatalf("digest not deterministic across identical parses")
	}
}

func TestDigestIndependentOfAppendedSignature(t *testing.T) {
	buf := buildPE32(t, bytes.Repeat([]byte{0x11}, 64))
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	before := img.DigestHash(crypto.SHA256)

	if err := img.AppendSignature(bytes.Repeat([]byte{0x99}, 37)); err != nil {
		t.Fatalf("append: %v", err)
	}
	after := img.DigestHash(crypto.SHA256)
	if !bytes.Equal(before, after) {
		t.Fatalf("digest changed after appending a signature")
	}
	if img.CertificateCount() != 1 {
		t.Fatalf("expected one certificate table entry, got %d", img.CertificateCount())
	}
}

func TestAppendSignatureTwiceKeepsOrder(t *testing.T) {
	buf := buildPE32(t, bytes.Repeat([]byte{0x22}, 16))
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	first := []byte("first-signature-payload")
	second := []byte("second-sig")
	if err := img.AppendSignature(first); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := img.AppendSignature(second); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if img.CertificateCount() != 2 {
		t.Fatalf("expected two entries, got %d", img.CertificateCount())
	}
	p0, err := img.EntryPayload(0)
	if err != nil {
		t.Fatalf("entry 0: %v", err)
	}
	p1, err := img.EntryPayload(1)
	if err != nil {
		t.Fatalf("entry 1: %v", err)
	}
	if !bytes.Equal(p0, first) {
		t.Fatalf("entry 0 payload mismatch: %q", p0)
	}
	if !bytes.Equal(p1, second) {
		t.Fatalf("entry 1 payload mismatch: %q", p1)
	}
}

func TestParseRejectsTruncatedFile(t *testing.T) {
	if _, err := Parse([]byte{'M', 'Z'}); err == nil {
		t.Fatalf("expected error for truncated file")
	}
}

func TestParseRejectsMissingPESignature(t *testing.T) {
	buf := buildPE32(t, nil)
	pe := int(buf[0x3c])
	buf[pe] = 'X'
	if _, err := Parse(buf); err == nil {
		t.Fatalf("expected error for corrupted PE signature")
	}
}

func TestChecksumFixupIsEvenLength(t *testing.T) {
	buf := buildPE32(t, bytes.Repeat([]byte{0x33}, 10))
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	img.fixChecksum()
	sum := binary.LittleEndian.Uint32(img.buf[img.checksumOffset : img.checksumOffset+4])
	_ = sum // recomputing is deterministic; just exercise the path without panicking
}
