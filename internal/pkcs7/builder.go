package pkcs7

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/internal/x509tools"
)

// Builder assembles a single-signer PKCS#7 SignedData value. Authenticode
// always signs over the authenticated attributes rather than the content
// directly, so Builder always produces a SignerInfo with a messageDigest
// and contentType attribute; callers add any further attributes (such as
// SpcSpOpusInfo) with AddAuthenticatedAttribute before calling Sign.
type Builder struct {
	signer crypto.Signer
	certs  []*x509.Certificate
	hash   crypto.Hash

	contentOID asn1.ObjectIdentifier
	embed      []byte // DER content to embed, or nil for a detached signature
	digest     []byte // digest of the content, computed by SetContent

	extraAttrs Attributes
}

// NewBuilder returns a Builder that will sign with signer under hash,
// using certs[0] as the signer's certificate and any remaining entries as
// the chain to embed.
func NewBuilder(signer crypto.Signer, certs []*x509.Certificate, hash crypto.Hash) (*Builder, error) {
	if len(certs) == 0 {
		return nil, &sberrors.SignFailureError{Provider: "pkcs7", Err: errNoCertificate{}}
	}
	if !x509tools.SameKey(signer.Public(), certs[0].PublicKey) {
		return nil, &sberrors.SignFailureError{Provider: "pkcs7", Err: errKeyMismatch{}}
	}
	return &Builder{signer: signer, certs: certs, hash: hash}, nil
}

type errNoCertificate struct{}

func (errNoCertificate) Error() string { return "pkcs7: no signing certificate supplied" }

type errKeyMismatch struct{}

func (errKeyMismatch) Error() string { return "pkcs7: signing certificate does not match private key" }

// SetContent sets the inner ContentInfo's type and the already-DER-encoded
// content whose digest is signed. If embed is true, the content is carried
// inside the output (an "attached" signature); otherwise only its digest
// is signed and the caller is responsible for storing the content
// separately.
func (b *Builder) SetContent(oid asn1.ObjectIdentifier, der []byte, embed bool) {
	b.contentOID = oid
	b.digest = nil
	h := b.hash.New()
	h.Write(der)
	b.digest = h.Sum(nil)
	if embed {
		b.embed = der
	} else {
		b.embed = nil
	}
}

// SetContentDigest sets the inner ContentInfo's type directly from an
// already-computed digest, for callers that never held the content bytes
// in one place (such as signing over a PE image's Authenticode digest).
func (b *Builder) SetContentDigest(oid asn1.ObjectIdentifier, digest []byte) {
	b.contentOID = oid
	b.digest = digest
	b.embed = nil
}

// AddAuthenticatedAttribute adds an extra signed attribute. value is
// DER-marshaled and wrapped in the attribute's SET OF value.
func (b *Builder) AddAuthenticatedAttribute(oid asn1.ObjectIdentifier, value interface{}) error {
	attr, err := marshalAttribute(oid, value)
	if err != nil {
		return err
	}
	b.extraAttrs = append(b.extraAttrs, attr)
	return nil
}

// Sign finalizes the SignedData: builds the authenticated attribute set,
// signs its DER encoding, and returns the full ContentInfoSignedData
// ready for embedding in a WIN_CERTIFICATE entry.
func (b *Builder) Sign() (*ContentInfoSignedData, error) {
	if b.digest == nil {
		return nil, &sberrors.SignFailureError{Provider: "pkcs7", Err: errNoContent{}}
	}
	digestAlg, ok := x509tools.PkixDigestAlgorithm(b.hash)
	if !ok {
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: b.hash.String()}
	}
	pkeyAlg, ok := x509tools.PkixPublicKeyAlgorithm(b.signer.Public())
	if !ok {
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: "public key type"}
	}

	contentTypeAttr, err := marshalAttribute(OidAttributeContentType, b.contentOID)
	if err != nil {
		return nil, err
	}
	digestAttr, err := marshalAttribute(OidAttributeMessageDigest, b.digest)
	if err != nil {
		return nil, err
	}
	attrs := Attributes{contentTypeAttr, digestAttr}
	attrs = append(attrs, b.extraAttrs...)

	signedBytes, err := marshaledAttributes(attrs)
	if err != nil {
		return nil, &sberrors.EncodingFailureError{What: "authenticated attributes", Err: err}
	}
	h := b.hash.New()
	h.Write(signedBytes)
	attrDigest := h.Sum(nil)

	opts := b.hash
	sig, err := b.signer.Sign(rand.Reader, attrDigest, opts)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: "pkcs7", Err: err}
	}

	cinfo, err := NewContentInfo(b.contentOID, b.embed)
	if err != nil {
		return nil, &sberrors.EncodingFailureError{What: "ContentInfo", Err: err}
	}
	certsValue, err := marshalCertificates(b.certs)
	if err != nil {
		return nil, &sberrors.EncodingFailureError{What: "certificate set", Err: err}
	}

	leaf := b.certs[0]
	return &ContentInfoSignedData{
		ContentType: OidSignedData,
		Content: SignedData{
			Version:                    1,
			DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlg},
			ContentInfo:                cinfo,
			Certificates:               certsValue,
			SignerInfos: []SignerInfo{{
				Version: 1,
				IssuerAndSerialNumber: IssuerAndSerial{
					IssuerName:   asn1.RawValue{FullBytes: leaf.RawIssuer},
					SerialNumber: leaf.SerialNumber,
				},
				DigestAlgorithm:           digestAlg,
				AuthenticatedAttributes:   attrs,
				DigestEncryptionAlgorithm: pkeyAlg,
				EncryptedDigest:           sig,
			}},
		},
	}, nil
}

type errNoContent struct{}

func (errNoContent) Error() string { return "pkcs7: SetContent was never called" }

// marshalAttribute builds a PKCS#9 Attribute: attrType plus a SET OF
// attrValues, which in every attribute this signer emits holds exactly one
// value. The SET tag is built by hand because Attribute.Value's own
// "set" struct tag is bypassed as soon as RawValue.FullBytes is set.
func marshalAttribute(oid asn1.ObjectIdentifier, value interface{}) (Attribute, error) {
	der, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, &sberrors.EncodingFailureError{What: "attribute value", Err: err}
	}
	set, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      der,
	})
	if err != nil {
		return Attribute{}, &sberrors.EncodingFailureError{What: "attribute value set", Err: err}
	}
	return Attribute{Type: oid, Value: asn1.RawValue{FullBytes: set}}, nil
}

// marshalCertificates builds the SignedData.Certificates value: an
// implicitly [0]-tagged SET whose members are the raw DER of each
// certificate, concatenated. Returned as a RawValue with FullBytes set so
// the struct field's own "optional,tag:0" directive (which would
// otherwise be applied a second time) is bypassed.
func marshalCertificates(certs []*x509.Certificate) (asn1.RawValue, error) {
	if len(certs) == 0 {
		return asn1.RawValue{}, nil
	}
	var buf []byte
	for _, cert := range certs {
		buf = append(buf, cert.Raw...)
	}
	wrapped, err := asn1.Marshal(asn1.RawValue{
		Bytes:      buf,
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
	})
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{FullBytes: wrapped}, nil
}

// Marshal returns the DER encoding of a ContentInfoSignedData, ready to be
// embedded as a WIN_CERTIFICATE payload.
func Marshal(cisd *ContentInfoSignedData) ([]byte, error) {
	der, err := asn1.Marshal(*cisd)
	if err != nil {
		return nil, &sberrors.EncodingFailureError{What: "ContentInfoSignedData", Err: err}
	}
	return der, nil
}
