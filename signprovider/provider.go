// Package signprovider defines the capability every signing key source
// implements, whether it's a PEM file on disk or a cloud KMS key: open a
// handle from a locator string, sign a digest through it, release it.
// The PE/Authenticode/PKCS#7 pipeline only ever talks to this interface,
// never to a specific backend's SDK.
package signprovider

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"sync"
)

// Handle is a signing key made available by a Provider. Sign may be
// called more than once (once per digest algorithm a caller wants, or
// once per file in a batch); Release must be called exactly once when the
// handle is no longer needed.
type Handle interface {
	// Public returns the public key, used to verify it matches the
	// signer's certificate before producing a signature nobody could
	// ever verify.
	Public() crypto.PublicKey
	// Certificate returns the leaf certificate and any chain certificates
	// the provider knows about, if it was configured with one. The file
	// provider returns whatever certificates the key file itself holds
	// (nil if none); the external providers in this tree always return
	// nil and expect the caller to supply --cert separately.
	Certificate() []*x509.Certificate
	// Sign produces a signature over digest (already hashed under alg)
	// using the provider's key.
	Sign(ctx context.Context, alg crypto.Hash, digest []byte) ([]byte, error)
	// Release frees any resources (file handles, cloud client sessions,
	// PKCS#11 object handles) associated with the handle.
	Release() error
}

// Provider opens Handles for a particular kind of key storage, given a
// locator string whose format is provider-specific (a file path, a KMS
// key ARN, a Key Vault key name).
type Provider interface {
	// Name is the provider's registration name, e.g. "pkcs11", "awskms".
	Name() string
	// Open resolves locator to a signing key and returns a Handle for it.
	Open(ctx context.Context, locator string) (Handle, error)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Provider{}
)

// Register adds a Provider to the process-wide registry under its own
// Name(). Backend packages call this from an init() function.
func Register(p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Lookup returns the registered Provider for name.
func Lookup(name string) (Provider, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("signprovider: no provider registered under %q", name)
	}
	return p, nil
}

// Names returns the names of every registered provider, for error
// messages and --help text.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
