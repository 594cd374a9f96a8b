// Package auth authenticates requests relayed by the storefront proxy:
// HMAC signature verification over canonicalized parameters plus a replay
// guard on consumed signatures.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Mode selects how the signed message is laid out.
type Mode int

const (
	// ModeQuery signs `k=v` pairs with no separator, followed directly by the raw body.
	ModeQuery Mode = iota
	// ModeHeader signs `k=v` pairs joined with '&', then a newline and the raw body.
	ModeHeader
)

func (m Mode) String() string {
	if m == ModeHeader {
		return "header"
	}
	return "query"
}

// Reason is the machine-readable cause of a rejected request.
type Reason string

const (
	ReasonMissingSecret        Reason = "missing_secret"
	ReasonMissingSignature     Reason = "missing_signature"
	ReasonInvalidEncoding      Reason = "invalid_encoding"
	ReasonHMACMismatch         Reason = "hmac_mismatch"
	ReasonTimestampOutOfRange  Reason = "timestamp_out_of_range"
	ReasonSignatureAlreadyUsed Reason = "signature_already_used"
)

// Result is the outcome of a verification step. Digest is the decoded claimed
// signature in lowercase hex, set once the signature decoded cleanly.
type Result struct {
	OK     bool
	Reason Reason
	Digest string
}

func reject(r Reason) Result { return Result{Reason: r} }

// Request is the signature material of one inbound call.
type Request struct {
	Params    url.Values
	Body      []byte
	Signature string
}

// signatureFields are stripped (case-insensitively) before canonicalizing so
// neither the signature nor an injected look-alike is part of what is signed.
var signatureFields = map[string]struct{}{
	"signature":   {},
	"hmac":        {},
	"sig":         {},
	"x-signature": {},
	"x_signature": {},
}

// IsSignatureField reports whether key is one of the signature-carrying fields.
func IsSignatureField(key string) bool {
	_, ok := signatureFields[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Canonicalize builds the exact byte sequence that is signed.
func Canonicalize(params url.Values, body []byte, mode Mode) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		if IsSignatureField(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+strings.Join(params[k], ","))
	}

	var b strings.Builder
	switch mode {
	case ModeHeader:
		b.WriteString(strings.Join(pairs, "&"))
		b.WriteByte('\n')
	default:
		b.WriteString(strings.Join(pairs, ""))
	}
	b.Write(body)
	return []byte(b.String())
}

// Verifier checks request signatures with one shared secret and one mode.
type Verifier struct {
	secret *Secret
	mode   Mode
}

func NewVerifier(secret *Secret, mode Mode) *Verifier {
	return &Verifier{secret: secret, mode: mode}
}

func (v *Verifier) Mode() Mode { return v.mode }

// Verify never panics or errors on malformed input; every failure is a
// negative Result.
func (v *Verifier) Verify(req Request) Result {
	if v == nil || v.secret.Empty() {
		return reject(ReasonMissingSecret)
	}
	claimed := strings.TrimSpace(req.Signature)
	if claimed == "" {
		return reject(ReasonMissingSignature)
	}
	decoded, ok := decodeSignature(claimed)
	if !ok {
		return reject(ReasonInvalidEncoding)
	}

	mac, err := v.secret.MAC(Canonicalize(req.Params, req.Body, v.mode))
	if err != nil {
		return reject(ReasonMissingSecret)
	}

	res := Result{Digest: hex.EncodeToString(decoded)}
	if !equalMAC(mac, decoded) {
		res.Reason = ReasonHMACMismatch
		return res
	}
	res.OK = true
	return res
}

// Sign computes the hex signature for params and body. Used by operators and
// tests; the proxy itself never calls it.
func Sign(secret *Secret, params url.Values, body []byte, mode Mode) (string, error) {
	mac, err := secret.MAC(Canonicalize(params, body, mode))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

// equalMAC compares in time independent of both content and claimed length:
// the claim is copied into a fixed-size buffer and the length check is folded
// into the same constant-time result.
func equalMAC(mac, claimed []byte) bool {
	var candidate [sha256.Size]byte
	copy(candidate[:], claimed)
	lenOK := subtle.ConstantTimeEq(int32(len(claimed)), sha256.Size)
	same := subtle.ConstantTimeCompare(mac, candidate[:])
	return lenOK&same == 1
}

// decodeSignature accepts lowercase or uppercase hex and the four base64
// alphabets. A 64-character hex string is always read as hex.
func decodeSignature(s string) ([]byte, bool) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && len(b) > 0 {
			return b, true
		}
	}
	if b, err := hex.DecodeString(s); err == nil && len(b) > 0 {
		return b, true
	}
	return nil, false
}
