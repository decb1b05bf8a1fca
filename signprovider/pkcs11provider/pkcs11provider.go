// Package pkcs11provider implements signprovider.Provider against a
// PKCS#11 token: a hardware security module or smart card reached through
// its vendor's shared library. The PKCS#11 library context is process-wide
// per module path (the library forbids calling Initialize more than once
// concurrently), so handles share a refcounted context and only the last
// Release tears it down.
package pkcs11provider

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/uefisign/uefisign/internal/sberrors"
	"github.com/uefisign/uefisign/internal/x509tools"
	"github.com/uefisign/uefisign/signprovider"
)

const name = "pkcs11"

func init() {
	signprovider.Register(provider{})
}

type provider struct{}

func (provider) Name() string { return name }

// locatorFields is the parsed form of an Open() locator string:
// "module=/path/to/module.so;slot=TokenLabel;label=KeyLabel;pin=1234"
type locatorFields struct {
	module   string
	tokenLbl string
	keyLabel string
	pin      string
}

func parseLocator(locator string) (locatorFields, error) {
	var f locatorFields
	for _, part := range strings.Split(locator, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return f, fmt.Errorf("pkcs11provider: malformed locator field %q", part)
		}
		switch kv[0] {
		case "module":
			f.module = kv[1]
		case "slot":
			f.tokenLbl = kv[1]
		case "label":
			f.keyLabel = kv[1]
		case "pin":
			f.pin = kv[1]
		}
	}
	if f.module == "" {
		return f, errors.New("pkcs11provider: locator is missing required \"module\" field")
	}
	if f.keyLabel == "" {
		return f, errors.New("pkcs11provider: locator is missing required \"label\" field")
	}
	return f, nil
}

var (
	ctxMu  sync.Mutex
	ctxes  = map[string]*sharedCtx{}
)

// sharedCtx is a process-wide, refcounted PKCS#11 library context, one per
// distinct module path.
type sharedCtx struct {
	ctx  *pkcs11.Ctx
	refs int
}

func acquireCtx(modulePath string) (*pkcs11.Ctx, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if sc, ok := ctxes[modulePath]; ok {
		sc.refs++
		return sc.ctx, nil
	}
	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11provider: failed to load module %q", modulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, err
	}
	ctxes[modulePath] = &sharedCtx{ctx: ctx, refs: 1}
	return ctx, nil
}

func releaseCtx(modulePath string) error {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	sc, ok := ctxes[modulePath]
	if !ok {
		return nil
	}
	sc.refs--
	if sc.refs > 0 {
		return nil
	}
	delete(ctxes, modulePath)
	sc.ctx.Finalize()
	sc.ctx.Destroy()
	return nil
}

// Open logs in to the token named by the locator's slot/module and finds
// the private key object with the given label.
func (provider) Open(_ context.Context, locator string) (signprovider.Handle, error) {
	fields, err := parseLocator(locator)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	ctx, err := acquireCtx(fields.module)
	if err != nil {
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	h := &handle{module: fields.module, ctx: ctx}
	if err := h.open(fields); err != nil {
		releaseCtx(fields.module)
		return nil, &sberrors.KeyLoadFailureError{Locator: locator, Err: err}
	}
	return h, nil
}

type handle struct {
	module string
	ctx    *pkcs11.Ctx
	sh     pkcs11.SessionHandle

	priv    pkcs11.ObjectHandle
	pub     pkcs11.ObjectHandle
	keyType uint
	pubKey  crypto.PublicKey
	certs   []*x509.Certificate
}

func (h *handle) open(f locatorFields) error {
	slot, err := h.findSlot(f.tokenLbl)
	if err != nil {
		return err
	}
	sh, err := h.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return err
	}
	h.sh = sh
	if f.pin != "" {
		if err := h.ctx.Login(sh, pkcs11.CKU_USER, f.pin); err != nil {
			return fmt.Errorf("pkcs11provider: login failed: %w", err)
		}
	}
	if err := h.findKey(f.keyLabel); err != nil {
		return err
	}
	return nil
}

func (h *handle) findSlot(tokenLabel string) (uint, error) {
	slots, err := h.ctx.GetSlotList(true)
	if err != nil {
		return 0, err
	}
	var candidates []uint
	for _, slot := range slots {
		info, err := h.ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if tokenLabel != "" && strings.TrimRight(info.Label, " ") != tokenLabel {
			continue
		}
		candidates = append(candidates, slot)
	}
	switch len(candidates) {
	case 0:
		return 0, errors.New("pkcs11provider: no token found matching the requested label")
	case 1:
		return candidates[0], nil
	default:
		return 0, errors.New("pkcs11provider: multiple tokens matched the requested label")
	}
}

func (h *handle) findKey(label string) error {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := h.ctx.FindObjectsInit(h.sh, tmpl); err != nil {
		return err
	}
	objs, _, err := h.ctx.FindObjects(h.sh, 1)
	h.ctx.FindObjectsFinal(h.sh)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return fmt.Errorf("pkcs11provider: no private key found with label %q", label)
	}
	h.priv = objs[0]

	pubTmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := h.ctx.FindObjectsInit(h.sh, pubTmpl); err == nil {
		objs, _, err := h.ctx.FindObjects(h.sh, 1)
		h.ctx.FindObjectsFinal(h.sh)
		if err == nil && len(objs) > 0 {
			h.pub = objs[0]
		}
	}

	keyType := h.getAttribute(h.priv, pkcs11.CKA_KEY_TYPE)
	if len(keyType) == 0 {
		return errors.New("pkcs11provider: could not determine key type")
	}
	h.keyType = attrToUint(keyType)

	switch h.keyType {
	case pkcs11.CKK_RSA:
		pub, err := h.rsaPublicKey()
		if err != nil {
			return err
		}
		h.pubKey = pub
	case pkcs11.CKK_ECDSA:
		pub, err := h.ecdsaPublicKey()
		if err != nil {
			return err
		}
		h.pubKey = pub
	default:
		return fmt.Errorf("pkcs11provider: unsupported PKCS#11 key type %d", h.keyType)
	}
	return nil
}

func (h *handle) getAttribute(obj pkcs11.ObjectHandle, attr uint) []byte {
	attrs, err := h.ctx.GetAttributeValue(h.sh, obj, []*pkcs11.Attribute{pkcs11.NewAttribute(attr, nil)})
	if err != nil || len(attrs) == 0 {
		return nil
	}
	return attrs[0].Value
}

func attrToUint(value []byte) uint {
	var n uint
	for i := len(value) - 1; i >= 0; i-- {
		n = n<<8 | uint(value[i])
	}
	return n
}

func (h *handle) rsaPublicKey() (*rsa.PublicKey, error) {
	obj := h.pub
	if obj == 0 {
		obj = h.priv
	}
	modulus := h.getAttribute(obj, pkcs11.CKA_MODULUS)
	exponent := h.getAttribute(obj, pkcs11.CKA_PUBLIC_EXPONENT)
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, errors.New("pkcs11provider: unable to retrieve RSA public key attributes")
	}
	e := new(big.Int).SetBytes(exponent)
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}

func (h *handle) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	obj := h.pub
	if obj == 0 {
		obj = h.priv
	}
	ecParams := h.getAttribute(obj, pkcs11.CKA_EC_PARAMS)
	ecPoint := h.getAttribute(obj, pkcs11.CKA_EC_POINT)
	if len(ecParams) == 0 || len(ecPoint) == 0 {
		return nil, errors.New("pkcs11provider: unable to retrieve ECDSA public key attributes")
	}
	curve, err := curveByDer(ecParams)
	if err != nil {
		return nil, err
	}
	x, y, err := ecPointBytes(curve, ecPoint)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

var curveOids = map[string]elliptic.Curve{
	"06082A8648CE3D030107": elliptic.P256(), // prime256v1
	"06052B81040022":       elliptic.P384(), // secp384r1
	"06052B81040023":       elliptic.P521(), // secp521r1
}

func curveByDer(der []byte) (elliptic.Curve, error) {
	hexStr := strings.ToUpper(fmt.Sprintf("%x", der))
	if c, ok := curveOids[hexStr]; ok {
		return c, nil
	}
	return nil, errors.New("pkcs11provider: unrecognized EC curve OID")
}

func ecPointBytes(curve elliptic.Curve, der []byte) (*big.Int, *big.Int, error) {
	var octet []byte
	if _, err := asn1.Unmarshal(der, &octet); err != nil {
		return nil, nil, err
	}
	x, y := elliptic.Unmarshal(curve, octet)
	if x == nil {
		return nil, nil, errors.New("pkcs11provider: invalid EC point encoding")
	}
	return x, y, nil
}

func (h *handle) Public() crypto.PublicKey { return h.pubKey }

func (h *handle) Certificate() []*x509.Certificate { return h.certs }

type ecdsaSignature struct{ R, S *big.Int }

func (h *handle) Sign(_ context.Context, alg crypto.Hash, digest []byte) ([]byte, error) {
	switch h.keyType {
	case pkcs11.CKK_RSA:
		return h.signRSA(alg, digest)
	case pkcs11.CKK_ECDSA:
		return h.signECDSA(digest)
	default:
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: "PKCS#11 key type " + strconv.Itoa(int(h.keyType))}
	}
}

func (h *handle) signRSA(alg crypto.Hash, digest []byte) ([]byte, error) {
	der, ok := x509tools.MarshalDigest(alg, digest)
	if !ok {
		return nil, &sberrors.UnsupportedAlgorithmError{Algorithm: alg.String()}
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := h.ctx.SignInit(h.sh, mech, h.priv); err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	sig, err := h.ctx.Sign(h.sh, der)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	return sig, nil
}

func (h *handle) signECDSA(digest []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := h.ctx.SignInit(h.sh, mech, h.priv); err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	sig, err := h.ctx.Sign(h.sh, digest)
	if err != nil {
		return nil, &sberrors.SignFailureError{Provider: name, Err: err}
	}
	half := len(sig) / 2
	r := new(big.Int).SetBytes(sig[:half])
	s := new(big.Int).SetBytes(sig[half:])
	return asn1.Marshal(ecdsaSignature{r, s})
}

func (h *handle) Release() error {
	if h.sh != 0 {
		h.ctx.Logout(h.sh)
		h.ctx.CloseSession(h.sh)
	}
	return releaseCtx(h.module)
}
