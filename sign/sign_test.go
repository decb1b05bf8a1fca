package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uefisign/uefisign/internal/pecoff"
	"github.com/uefisign/uefisign/internal/pkcs7"
	"github.com/uefisign/uefisign/signprovider"

	_ "github.com/uefisign/uefisign/signprovider/fileprovider"
)

// buildPE32Plus assembles a minimal, well-formed PE32+ image with one
// section and no certificate table.
func buildPE32Plus(t *testing.T, sectionData []byte) []byte {
	t.Helper()
	const (
		dosSize  = 64
		coffSize = 20
		optSize  = 112 + 16*8
	)
	sectionOff := dosSize + 4 + coffSize + optSize
	sectionData = append(sectionData, make([]byte, (512-len(sectionData)%512)%512)...)
	sectionRaw := (sectionOff + 40 + 511) &^ 511

	buf := make([]byte, sectionRaw+len(sectionData))
	buf[0], buf[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], dosSize)

	pe := dosSize
	copy(buf[pe:pe+4], []byte{'P', 'E', 0, 0})
	coff := pe + 4
	binary.LittleEndian.PutUint16(buf[coff+2:], 1) // NumberOfSections
	binary.LittleEndian.PutUint16(buf[coff+16:], uint16(optSize))

	opt := coff + coffSize
	binary.LittleEndian.PutUint16(buf[opt:], pecoff.MagicPE32Plus)
	binary.LittleEndian.PutUint32(buf[opt+36:], 512) // FileAlignment
	binary.LittleEndian.PutUint32(buf[opt+60:], uint32(sectionRaw))
	binary.LittleEndian.PutUint32(buf[opt+108:], 16) // NumberOfRvaAndSizes

	sectionTable := opt + optSize
	copy(buf[sectionTable:sectionTable+8], []byte("test\x00\x00\x00\x00"))
	binary.LittleEndian.PutUint32(buf[sectionTable+16:], uint32(len(sectionData)))
	binary.LittleEndian.PutUint32(buf[sectionTable+20:], uint32(sectionRaw))

	copy(buf[sectionRaw:], sectionData)
	return buf
}

// writeSelfSigned generates an RSA key rather than ECDSA: RSA PKCS#1 v1.5
// signing is deterministic, which TestRunDetachedMatchesAttachedPayload
// relies on to compare two independent signing runs byte-for-byte (the
// spec's "nonce-free signature scheme" precondition for that property).
func writeSelfSigned(t *testing.T, dir string) (keyPath, certPath string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "uefisign test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)

	keyPath = filepath.Join(dir, "key.pem")
	certPath = filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return keyPath, certPath
}

func TestRunAttachedProducesWinCertificate(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	input := filepath.Join(dir, "input.efi")
	if err := os.WriteFile(input, buildPE32Plus(t, bytes.Repeat([]byte{0xAB}, 300)), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	req := &Request{InputPath: input, Key: keyPath, CertPath: certPath}
	result, err := Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	img, err := pecoff.Load(result.OutputPath)
	if err != nil {
		t.Fatalf("load signed image: %v", err)
	}
	if img.CertificateCount() != 1 {
		t.Fatalf("expected one certificate table entry, got %d", img.CertificateCount())
	}
	payload, err := img.EntryPayload(0)
	if err != nil {
		t.Fatalf("entry payload: %v", err)
	}
	if !bytes.Equal(payload, result.SignedData) {
		t.Fatalf("embedded signature doesn't match the SignedData returned by Run")
	}

	var cisd pkcs7.ContentInfoSignedData
	rest, err := asn1.Unmarshal(payload, &cisd)
	if err != nil {
		t.Fatalf("decode SignedData: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("trailing bytes after SignedData")
	}
	if len(cisd.Content.SignerInfos) != 1 {
		t.Fatalf("expected one SignerInfo, got %d", len(cisd.Content.SignerInfos))
	}
}

func TestRunTwiceAppendsSecondCertificateAndKeepsDigest(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	input := filepath.Join(dir, "input.efi")
	if err := os.WriteFile(input, buildPE32Plus(t, bytes.Repeat([]byte{0x11}, 64)), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	req := &Request{InputPath: input, Key: keyPath, CertPath: certPath, OutputPath: filepath.Join(dir, "once.efi")}
	if _, err := Run(context.Background(), req, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}

	img1, err := pecoff.Load(req.OutputPath)
	if err != nil {
		t.Fatalf("load once-signed: %v", err)
	}
	digestOnce := img1.DigestHash(crypto.SHA256)

	req2 := &Request{InputPath: req.OutputPath, Key: keyPath, CertPath: certPath, OutputPath: filepath.Join(dir, "twice.efi")}
	if _, err := Run(context.Background(), req2, nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	img2, err := pecoff.Load(req2.OutputPath)
	if err != nil {
		t.Fatalf("load twice-signed: %v", err)
	}
	if img2.CertificateCount() != 2 {
		t.Fatalf("expected two certificate entries after re-signing, got %d", img2.CertificateCount())
	}
	digestTwice := img2.DigestHash(crypto.SHA256)
	if !bytes.Equal(digestOnce, digestTwice) {
		t.Fatalf("Authenticode digest changed after re-signing an already-signed image")
	}
}

func TestRunDetachedMatchesAttachedPayload(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	input := filepath.Join(dir, "input.efi")
	if err := os.WriteFile(input, buildPE32Plus(t, bytes.Repeat([]byte{0x22}, 100)), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	attachedReq := &Request{InputPath: input, Key: keyPath, CertPath: certPath, OutputPath: filepath.Join(dir, "attached.efi")}
	if _, err := Run(context.Background(), attachedReq, nil); err != nil {
		t.Fatalf("attached run: %v", err)
	}
	attachedImg, err := pecoff.Load(attachedReq.OutputPath)
	if err != nil {
		t.Fatalf("load attached: %v", err)
	}
	attachedPayload, err := attachedImg.EntryPayload(0)
	if err != nil {
		t.Fatalf("entry payload: %v", err)
	}

	detachedReq := &Request{InputPath: input, Key: keyPath, CertPath: certPath, Detached: true, OutputPath: filepath.Join(dir, "detached.pk7")}
	if _, err := Run(context.Background(), detachedReq, nil); err != nil {
		t.Fatalf("detached run: %v", err)
	}
	detachedBytes, err := os.ReadFile(detachedReq.OutputPath)
	if err != nil {
		t.Fatalf("read detached: %v", err)
	}

	if !bytes.Equal(attachedPayload, detachedBytes) {
		t.Fatalf("detached signature does not equal the attached WIN_CERTIFICATE payload")
	}
}

func TestRunRejectsMalformedImage(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	input := filepath.Join(dir, "truncated.efi")
	if err := os.WriteFile(input, []byte{'M', 'Z'}, 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	req := &Request{InputPath: input, Key: keyPath, CertPath: certPath}
	if _, err := Run(context.Background(), req, nil); err == nil {
		t.Fatalf("expected an error for a truncated PE input")
	}
	if _, err := os.Stat(ResolveOutputPath(req)); !os.IsNotExist(err) {
		t.Fatalf("expected no output file to be created on failure")
	}
}

// recordingProvider is a signprovider.Provider used only by
// TestRunExternalProviderSeesAuthenticatedAttributeDigest: it signs for
// real with an in-memory RSA key, but keeps a copy of whatever digest Run
// hands it so the test can check it independently.
type recordingProvider struct {
	key      *rsa.PrivateKey
	certs    []*x509.Certificate
	recorded *[]byte
}

func (p recordingProvider) Name() string { return "recording-test" }

func (p recordingProvider) Open(ctx context.Context, locator string) (signprovider.Handle, error) {
	return &recordingHandle{key: p.key, certs: p.certs, recorded: p.recorded}, nil
}

type recordingHandle struct {
	key      *rsa.PrivateKey
	certs    []*x509.Certificate
	recorded *[]byte
}

func (h *recordingHandle) Public() crypto.PublicKey { return &h.key.PublicKey }

func (h *recordingHandle) Certificate() []*x509.Certificate { return h.certs }

func (h *recordingHandle) Sign(ctx context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	*h.recorded = append([]byte(nil), digest...)
	return h.key.Sign(rand.Reader, digest, alg)
}

func (h *recordingHandle) Release() error { return nil }

func TestRunExternalProviderSeesAuthenticatedAttributeDigest(t *testing.T) {
	dir := t.TempDir()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "external test signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	var recordedDigest []byte
	signprovider.Register(recordingProvider{key: key, certs: []*x509.Certificate{cert}, recorded: &recordedDigest})

	input := filepath.Join(dir, "input.efi")
	if err := os.WriteFile(input, buildPE32Plus(t, bytes.Repeat([]byte{0x44}, 128)), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	req := &Request{
		InputPath:  input,
		Key:        "unused-locator",
		KeyForm:    KeyFormExternal,
		Provider:   "recording-test",
		OutputPath: filepath.Join(dir, "out.efi"),
	}
	result, err := Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if recordedDigest == nil {
		t.Fatalf("provider never saw a Sign call")
	}

	var cisd pkcs7.ContentInfoSignedData
	if _, err := asn1.Unmarshal(result.SignedData, &cisd); err != nil {
		t.Fatalf("decode SignedData: %v", err)
	}
	attrDER, err := asn1.MarshalWithParams(cisd.Content.SignerInfos[0].AuthenticatedAttributes, "set")
	if err != nil {
		t.Fatalf("marshal authenticated attributes: %v", err)
	}
	want := sha256.Sum256(attrDER)
	if !bytes.Equal(recordedDigest, want[:]) {
		t.Fatalf("digest handed to the provider doesn't match an independently computed SHA-256 of the DER-encoded authenticated attributes:\n got  %x\n want %x", recordedDigest, want)
	}
}

func TestRunWithAddCertIncludesIntermediatesInReadOrder(t *testing.T) {
	dir := t.TempDir()
	keyPath, certPath := writeSelfSigned(t, dir)

	leafPEM, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read leaf cert: %v", err)
	}
	leafBlock, _ := pem.Decode(leafPEM)
	if leafBlock == nil {
		t.Fatalf("decode leaf cert PEM")
	}

	var addcertPEM []byte
	var wantIntermediates [][]byte
	for i := 0; i < 2; i++ {
		_, iCertPath := writeSelfSigned(t, t.TempDir())
		iPEM, err := os.ReadFile(iCertPath)
		if err != nil {
			t.Fatalf("read intermediate cert %d: %v", i, err)
		}
		addcertPEM = append(addcertPEM, iPEM...)
		block, _ := pem.Decode(iPEM)
		if block == nil {
			t.Fatalf("decode intermediate cert %d PEM", i)
		}
		wantIntermediates = append(wantIntermediates, block.Bytes)
	}
	addcertPath := filepath.Join(dir, "addcert.pem")
	if err := os.WriteFile(addcertPath, addcertPEM, 0644); err != nil {
		t.Fatalf("write addcert: %v", err)
	}

	input := filepath.Join(dir, "input.efi")
	if err := os.WriteFile(input, buildPE32Plus(t, bytes.Repeat([]byte{0x55}, 64)), 0644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	req := &Request{
		InputPath:   input,
		Key:         keyPath,
		CertPath:    certPath,
		AddCertPath: addcertPath,
		OutputPath:  filepath.Join(dir, "out.efi"),
	}
	result, err := Run(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var cisd pkcs7.ContentInfoSignedData
	if _, err := asn1.Unmarshal(result.SignedData, &cisd); err != nil {
		t.Fatalf("decode SignedData: %v", err)
	}
	certs, err := x509.ParseCertificates(cisd.Content.Certificates.Bytes)
	if err != nil {
		t.Fatalf("parse embedded certificates: %v", err)
	}
	if len(certs) != 3 {
		t.Fatalf("expected 3 certificates (signer + 2 intermediates), got %d", len(certs))
	}
	if !bytes.Equal(certs[0].Raw, leafBlock.Bytes) {
		t.Fatalf("certificate 0 is not the signer's leaf certificate")
	}
	for i, want := range wantIntermediates {
		if !bytes.Equal(certs[i+1].Raw, want) {
			t.Fatalf("certificate %d doesn't match addcert entry %d in read order", i+1, i)
		}
	}
}
