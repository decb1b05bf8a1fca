// Package spc encodes the SpcIndirectDataContent structure that carries
// the Authenticode image digest inside a PKCS#7 SignedData's content
// field. See the Authenticode specification's "Calculating the PE Image
// Hash" appendix for the structure definition.
package spc

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/internal/x509tools"
)

var (
	// OidSpcIndirectDataContent identifies SpcIndirectDataContent as a
	// PKCS#7 ContentInfo content type.
	OidSpcIndirectDataContent = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	// OidSpcPeImageDataObjID identifies the "page hashes present" or plain
	// PE image data variant of SpcAttributePeImageData.
	OidSpcPeImageDataObjID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
)

// digestInfo is the DigestInfo ASN.1 SEQUENCE: an AlgorithmIdentifier plus
// the raw digest bytes.
type digestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

// spcPeImageData is SpcPeImageData: a bit string of flags (always empty
// here, whether or not page hashes are attached) and a link, here always
// the present-but-empty "file" choice built by emptyFileLink.
type spcPeImageData struct {
	Flags asn1.BitString
	File  asn1.RawValue
}

type spcAttributePeImageData struct {
	Type  asn1.ObjectIdentifier
	Value spcPeImageData
}

// indirectDataContent is SpcIndirectDataContent.
type indirectDataContent struct {
	Data          spcAttributePeImageData
	MessageDigest digestInfo
}

// spcLink with the "file" choice left empty, tag [2] EXPLICIT around an
// SpcString, the form every Authenticode tool emits when there's no
// embedded manifest link.
func emptyFileLink() asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, IsCompound: true, Bytes: []byte{
		0x80, 0x00, // SpcString unicode choice: [0] IMPLICIT BMPString, zero length
	}}
}

// Encode builds the DER encoding of an SpcIndirectDataContent whose digest
// is digest, computed under hashAlg.
func Encode(hashAlg crypto.Hash, digest []byte) ([]byte, error) {
	alg, ok := x509tools.PkixDigestAlgorithm(hashAlg)
	if !ok {
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: hashAlg.String()}
	}
	content := indirectDataContent{
		Data: spcAttributePeImageData{
			Type: OidSpcPeImageDataObjID,
			Value: spcPeImageData{
				Flags: asn1.BitString{},
				File:  emptyFileLink(),
			},
		},
		MessageDigest: digestInfo{
			DigestAlgorithm: alg,
			Digest:          digest,
		},
	}
	der, err := asn1.Marshal(content)
	if err != nil {
		return nil, &sberrors.EncodingFailureError{What: "SpcIndirectDataContent", Err: err}
	}
	return der, nil
}
