package spc

import (
	"encoding/asn1"
)

// OidSpcSpOpusInfo identifies the SpcSpOpusInfo authenticated attribute:
// an optional human-readable program name and URL describing the signed
// content, the way signtool's /d and /du flags populate it.
var OidSpcSpOpusInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}

// spcSpOpusInfo's two fields are each "[n] EXPLICIT" in the real
// SpcSpOpusInfo ::= SEQUENCE { programName [0] EXPLICIT SpcString OPTIONAL,
// moreInfo [1] EXPLICIT SpcLink OPTIONAL } definition, wrapping an inner
// CHOICE that is itself tagged. A RawValue field's own struct tag
// ("explicit,tag:n") is bypassed by the marshaler exactly like
// pkcs7.ContentInfo.Content (see the comment on NewContentInfo), so both
// tag layers are built by hand here rather than left to struct tags.

// explicitWrap DER-encodes inner (already carrying its own tag) and wraps
// it in an outer context-specific EXPLICIT tag.
func explicitWrap(tag int, inner asn1.RawValue) (*asn1.RawValue, error) {
	innerDER, err := asn1.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return &asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      innerDER,
	}, nil
}

// spcString is the ASCII choice of the SpcString CHOICE type (tag
// [1] IMPLICIT IA5String); every Authenticode signer observed in practice
// emits the ASCII form rather than the BMPString/unicode one.
func spcString(s string) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, Bytes: []byte(s)}
}

// spcLinkURL is the "url" choice of SpcLink (tag [0] IMPLICIT IA5String).
func spcLinkURL(url string) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: []byte(url)}
}

// The fields are RawValue values, not pointers: encoding/asn1 only treats
// the RawValue type itself specially and rejects *RawValue fields. A zero
// RawValue is left out of the encoding by the "optional" tag.
type spcSpOpusInfo struct {
	ProgramName asn1.RawValue `asn1:"optional"`
	MoreInfo    asn1.RawValue `asn1:"optional"`
}

// OpusInfo holds the optional program name and URL carried in an
// SpcSpOpusInfo authenticated attribute.
type OpusInfo struct {
	ProgramName string
	URL         string
}

// EncodeOpusInfo builds the DER encoding of an SpcSpOpusInfo value. An
// empty OpusInfo still encodes to a valid (empty) SEQUENCE, matching what
// signtool emits when run without /d or /du.
func EncodeOpusInfo(info OpusInfo) ([]byte, error) {
	var opus spcSpOpusInfo
	if info.ProgramName != "" {
		wrapped, err := explicitWrap(0, spcString(info.ProgramName))
		if err != nil {
			return nil, err
		}
		opus.ProgramName = *wrapped
	}
	if info.URL != "" {
		wrapped, err := explicitWrap(1, spcLinkURL(info.URL))
		if err != nil {
			return nil, err
		}
		opus.MoreInfo = *wrapped
	}
	return asn1.Marshal(opus)
}
