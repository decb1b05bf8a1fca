// Package sberrors defines the typed error kinds raised across the signer
// pipeline, so a driver can distinguish "bad input" from "bad key" from
// "write failed" without parsing messages.
package sberrors

import "fmt"

// InvalidImageError means PE parsing or structural validation failed.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid image: %s", e.Reason)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// UnsupportedAlgorithmError means the requested digest or key algorithm
// can't be implemented by this signer.
type UnsupportedAlgorithmError struct {
	Algorithm string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported algorithm: %s", e.Algorithm)
}

// KeyLoadFailureError means the signing provider could not materialize a
// signer handle for the given locator.
type KeyLoadFailureError struct {
	Locator string
	Err     error
}

func (e *KeyLoadFailureError) Error() string {
	return fmt.Sprintf("failed to load key %q: %v", e.Locator, e.Err)
}

func (e *KeyLoadFailureError) Unwrap() error { return e.Err }

// CertificateLoadFailureError means a signer or intermediate certificate
// could not be parsed.
type CertificateLoadFailureError struct {
	Path string
	Err  error
}

func (e *CertificateLoadFailureError) Error() string {
	return fmt.Sprintf("failed to load certificate %q: %v", e.Path, e.Err)
}

func (e *CertificateLoadFailureError) Unwrap() error { return e.Err }

// SignFailureError means the provider rejected or failed the signature
// operation itself.
type SignFailureError struct {
	Provider string
	Err      error
}

func (e *SignFailureError) Error() string {
	return fmt.Sprintf("signing provider %q failed: %v", e.Provider, e.Err)
}

func (e *SignFailureError) Unwrap() error { return e.Err }

// EncodingFailureError means ASN.1/DER serialization of the signed object
// failed.
type EncodingFailureError struct {
	What string
	Err  error
}

func (e *EncodingFailureError) Error() string {
	return fmt.Sprintf("failed to encode %s: %v", e.What, e.Err)
}

func (e *EncodingFailureError) Unwrap() error { return e.Err }

// IOFailureError means a read or write against the filesystem failed.
type IOFailureError struct {
	Path string
	Err  error
}

func (e *IOFailureError) Error() string {
	return fmt.Sprintf("io error on %q: %v", e.Path, e.Err)
}

func (e *IOFailureError) Unwrap() error { return e.Err }
