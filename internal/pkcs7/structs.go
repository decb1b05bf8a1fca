// Package pkcs7 builds (and parses enough of) a PKCS#7 SignedData
// structure to carry an Authenticode signature: a detached or embedded
// content, one SignerInfo per signer, and the authenticated attributes
// (contentType, messageDigest) Authenticode verifiers require.
package pkcs7

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
)

var (
	OidData                   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OidSignedData             = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OidAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OidAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OidAttributeSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// ContentInfo is the outer PKCS#7 ContentInfo: a content type OID plus an
// optional, explicitly-tagged content. Content is nil for a detached
// signature.
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

// NewContentInfo builds a ContentInfo of type SpcIndirectDataContent (or
// any other content type) wrapping already-DER-encoded content bytes.
//
// Content.FullBytes bypasses the struct's own "explicit,tag:0" directive
// (asn1.Marshal emits RawValue.FullBytes verbatim once it's set), so the
// [0] EXPLICIT wrapper has to be built by hand here rather than left to
// the struct tag.
func NewContentInfo(oid asn1.ObjectIdentifier, content []byte) (ContentInfo, error) {
	if content == nil {
		return ContentInfo{ContentType: oid}, nil
	}
	wrapped, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      content,
	})
	if err != nil {
		return ContentInfo{}, err
	}
	return ContentInfo{
		ContentType: oid,
		Content:     asn1.RawValue{FullBytes: wrapped},
	}, nil
}

// Bytes returns the raw content bytes, or nil if the content is absent
// (a detached signature).
func (c ContentInfo) Bytes() []byte {
	if len(c.Content.FullBytes) == 0 {
		return nil
	}
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(c.Content.FullBytes, &inner); err != nil {
		return nil
	}
	return inner.Bytes
}

// ContentInfoSignedData is a ContentInfo whose content is itself a
// SignedData value, i.e. the top-level object an Authenticode
// WIN_CERTIFICATE payload contains.
type ContentInfoSignedData struct {
	ContentType asn1.ObjectIdentifier
	Content     SignedData `asn1:"explicit,optional,tag:0"`
}

// SignedData is the PKCS#7 SignedData SEQUENCE.
type SignedData struct {
	Version                    int                        `asn1:"default:1"`
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                ContentInfo
	// Certificates is the implicitly-tagged [0] SET OF ExtendedCertificateOrCertificate.
	// It's carried as a RawValue, not a typed slice: asn1.RawContent fields
	// are skipped entirely by the marshaler (they exist only to capture
	// bytes on Unmarshal), so a struct built around one would silently
	// serialize to an empty set. See marshalCertificates.
	Certificates asn1.RawValue          `asn1:"optional,tag:0"`
	CRLs         []pkix.CertificateList `asn1:"optional,tag:1"`
	SignerInfos  []SignerInfo           `asn1:"set"`
}

// Attribute is a single PKCS#9 attribute: an OID plus a SET OF values.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

// Attributes is a SET OF Attribute, implicitly tagged [0] when
// authenticated and [1] when unauthenticated.
type Attributes []Attribute

// GetOne decodes the single value of the first attribute in attrs whose
// type matches oid into out.
func (attrs Attributes) GetOne(oid asn1.ObjectIdentifier, out interface{}) error {
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			_, err := asn1.Unmarshal(a.Value.Bytes, out)
			return err
		}
	}
	return errAttributeNotFound(oid)
}

type errAttributeNotFound asn1.ObjectIdentifier

func (e errAttributeNotFound) Error() string {
	return "pkcs7: attribute not found: " + asn1.ObjectIdentifier(e).String()
}

// SignerInfo is a single PKCS#7 SignerInfo.
type SignerInfo struct {
	Version                   int `asn1:"default:1"`
	IssuerAndSerialNumber     IssuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   Attributes `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnauthenticatedAttributes Attributes `asn1:"optional,tag:1"`
}

// IssuerAndSerial identifies a certificate by its issuer DN and serial
// number, the lookup key PKCS#7 uses instead of embedding the whole
// certificate in a SignerInfo.
type IssuerAndSerial struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

// marshaledAttributes re-tags a slice of Attribute as an explicit SET for
// the purpose of computing the digest over the authenticated attributes,
// per RFC 2315 section 9.3: the DER SET tag is used even though the
// SignerInfo field itself is an IMPLICIT [0].
func marshaledAttributes(attrs Attributes) ([]byte, error) {
	return asn1.MarshalWithParams(attrs, "set")
}
