// Package sign orchestrates the end-to-end signing run: load the image,
// open a signing provider, compute the Authenticode digest, build the
// SpcIndirectDataContent and PKCS#7 SignedData, then splice the result
// back into the image (or emit it detached). Everything downstream of the
// CLI driver in cmdline/ goes through Run.
package sign

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"strings"

	"github.com/uefisign/uefisign/internal/atomicfile"
	"github.com/uefisign/uefisign/internal/audit"
	"github.com/uefisign/uefisign/internal/certloader"
	"github.com/uefisign/uefisign/internal/pecoff"
	"github.com/uefisign/uefisign/internal/pkcs7"
	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/internal/spc"
	"github.com/uefisign/uefisign/signprovider"
)

// KeyForm selects how Request.Key is interpreted.
type KeyForm string

const (
	KeyFormPEM      KeyForm = "PEM"
	KeyFormDER      KeyForm = "DER"
	KeyFormExternal KeyForm = "EXTERNAL"
)

// Request holds everything a single signing run needs, the core's view of
// the CLI flags the sign command exposes.
type Request struct {
	InputPath  string
	OutputPath string // resolved by ResolveOutputPath if empty

	Key      string // locator: a file path for PEM/DER, provider-specific for EXTERNAL
	KeyForm  KeyForm
	Provider string // external provider name, required when KeyForm == EXTERNAL

	CertPath    string // signer's X.509 certificate, PEM
	AddCertPath string // optional PEM file of intermediate certificates

	Detached bool
	Digest   crypto.Hash // crypto.SHA256 or crypto.SHA1

	PageHashes  bool
	Description string
	URL         string

	Verbose bool
}

// Result reports what a run produced, for a driver to log or test against.
type Result struct {
	OutputPath    string
	SignedData    []byte // the serialized DER SignedData that was embedded or written detached
	ImageDigest   []byte
	CertificateAt int // index of the new certificate-table entry (attached mode only)
}

// ResolveOutputPath applies the default output path rule: "<input>.signed",
// or "<input>.pk7" if detached.
func ResolveOutputPath(req *Request) string {
	if req.OutputPath != "" {
		return req.OutputPath
	}
	if req.Detached {
		return req.InputPath + ".pk7"
	}
	return req.InputPath + ".signed"
}

// Run executes one signing pass: load the image, acquire a signer,
// compute the digest, encode the indirect-data content, build the
// SignedData, and write the output.
func Run(ctx context.Context, req *Request, run *audit.Run) (*Result, error) {
	if run == nil {
		run = audit.New(nil, req.Verbose)
	}
	if req.Digest == 0 {
		req.Digest = crypto.SHA256
	}
	log := run.WithFields(map[string]string{
		"input":  req.InputPath,
		"digest": req.Digest.String(),
	})

	outputPath := ResolveOutputPath(req)

	log.Debug().Msg("loading image")
	img, err := pecoff.Load(req.InputPath)
	if err != nil {
		return nil, err
	}

	handle, providerName, err := openSigner(ctx, req)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	certs, err := resolveCertificates(req, handle)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("provider", providerName).Msg("computing Authenticode digest")
	digest := img.DigestHash(req.Digest)

	content, err := spc.Encode(req.Digest, digest)
	if err != nil {
		return nil, err
	}

	builder, err := pkcs7.NewBuilder(signerAdapter{ctx: ctx, handle: handle}, certs, req.Digest)
	if err != nil {
		return nil, err
	}
	// The SpcIndirectDataContent is always embedded inside the SignedData's
	// ContentInfo: "detached" (req.Detached) only controls whether the
	// serialized SignedData itself is written into the PE or to its own
	// file, never whether the PKCS#7 content field is populated.
	builder.SetContent(spc.OidSpcIndirectDataContent, content, true)

	if req.Description != "" || req.URL != "" {
		opusDER, err := spc.EncodeOpusInfo(spc.OpusInfo{ProgramName: req.Description, URL: req.URL})
		if err != nil {
			return nil, err
		}
		if err := builder.AddAuthenticatedAttribute(spc.OidSpcSpOpusInfo, asn1.RawValue{FullBytes: opusDER}); err != nil {
			return nil, err
		}
	}

	if req.PageHashes {
		pages := img.PageHashes(req.Digest.New)
		oid, err := spc.PageHashAttributeOID(req.Digest)
		if err != nil {
			return nil, err
		}
		attrDER, err := spc.EncodePageHashes(pecoff.MarshalPageHashes(pages))
		if err != nil {
			return nil, err
		}
		if err := builder.AddAuthenticatedAttribute(oid, asn1.RawValue{FullBytes: attrDER}); err != nil {
			return nil, err
		}
		log.Debug().Int("pages", len(pages)-1).Msg("attached page hashes")
	}

	log.Debug().Msg("signing authenticated attributes")
	cisd, err := builder.Sign()
	if err != nil {
		return nil, err
	}
	der, err := pkcs7.Marshal(cisd)
	if err != nil {
		return nil, err
	}

	result := &Result{OutputPath: outputPath, SignedData: der, ImageDigest: digest}

	if req.Detached {
		if err := atomicfile.WriteFile(outputPath, der); err != nil {
			return nil, &sberrors.IOFailureError{Path: outputPath, Err: err}
		}
		log.Info().Str("output", outputPath).Msg("wrote detached signature")
		return result, nil
	}

	if err := img.AppendSignature(der); err != nil {
		return nil, err
	}
	result.CertificateAt = img.CertificateCount() - 1
	if err := img.Write(outputPath); err != nil {
		return nil, err
	}
	log.Info().Str("output", outputPath).Int("cert_index", result.CertificateAt).Msg("wrote signed image")
	return result, nil
}

func openSigner(ctx context.Context, req *Request) (signprovider.Handle, string, error) {
	switch req.KeyForm {
	case "", KeyFormPEM, KeyFormDER:
		p, err := signprovider.Lookup("file")
		if err != nil {
			return nil, "", &sberrors.KeyLoadFailureError{Locator: req.Key, Err: err}
		}
		h, err := p.Open(ctx, req.Key)
		if err != nil {
			return nil, "", err
		}
		return h, "file", nil
	case KeyFormExternal:
		if req.Provider == "" {
			return nil, "", &sberrors.KeyLoadFailureError{
				Locator: req.Key,
				Err:     fmt.Errorf("sign: --provider is required when --keyform=EXTERNAL (available: %s)", strings.Join(signprovider.Names(), ", ")),
			}
		}
		p, err := signprovider.Lookup(req.Provider)
		if err != nil {
			return nil, "", &sberrors.KeyLoadFailureError{Locator: req.Key, Err: err}
		}
		h, err := p.Open(ctx, req.Key)
		if err != nil {
			return nil, "", err
		}
		return h, req.Provider, nil
	default:
		return nil, "", &sberrors.UnsupportedAlgorithmError{Algorithm: string(req.KeyForm)}
	}
}

// resolveCertificates returns the signer's certificate chain, leaf first:
// an explicit --cert file always wins; otherwise the provider's own
// Certificate() is used, for external providers that can report the cert
// alongside the key. --addcert appends intermediates after either source.
func resolveCertificates(req *Request, handle signprovider.Handle) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	switch {
	case req.CertPath != "":
		c, err := certloader.LoadCertificate(req.CertPath)
		if err != nil {
			return nil, &sberrors.CertificateLoadFailureError{Path: req.CertPath, Err: err}
		}
		chain = c.Certificates
	case len(handle.Certificate()) > 0:
		chain = handle.Certificate()
	default:
		return nil, &sberrors.CertificateLoadFailureError{
			Path: req.CertPath,
			Err:  fmt.Errorf("sign: no --cert given and provider did not supply one"),
		}
	}

	if req.AddCertPath != "" {
		c, err := certloader.LoadCertificate(req.AddCertPath)
		if err != nil {
			return nil, &sberrors.CertificateLoadFailureError{Path: req.AddCertPath, Err: err}
		}
		chain = append(chain, c.Certificates...)
	}
	return chain, nil
}

// signerAdapter satisfies crypto.Signer over a signprovider.Handle, so the
// pkcs7 builder can treat an on-disk key and a cloud KMS key identically.
type signerAdapter struct {
	ctx    context.Context
	handle signprovider.Handle
}

func (s signerAdapter) Public() crypto.PublicKey { return s.handle.Public() }

func (s signerAdapter) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.handle.Sign(s.ctx, opts.HashFunc(), digest)
}
