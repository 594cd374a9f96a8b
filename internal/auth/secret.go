package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

var errEmptySecret = errors.New("auth: shared secret is empty")

// Secret holds the proxy shared secret encrypted in memory. The plaintext is
// only exposed inside MAC and is wiped right after.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals b into an enclave and wipes b. An empty b yields an empty
// Secret that never verifies anything.
func NewSecret(b []byte) *Secret {
	if len(b) == 0 {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave(b)}
}

func (s *Secret) Empty() bool {
	return s == nil || s.enclave == nil
}

// MAC returns HMAC-SHA-256(secret, msg).
func (s *Secret) MAC(msg []byte) ([]byte, error) {
	if s.Empty() {
		return nil, errEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("auth: open secret: %w", err)
	}
	defer buf.Destroy()

	h := hmac.New(sha256.New, buf.Bytes())
	h.Write(msg)
	return h.Sum(nil), nil
}

func (s *Secret) String() string { return "[redacted]" }

func (s *Secret) GoString() string { return "auth.Secret{[redacted]}" }

func (s *Secret) MarshalJSON() ([]byte, error) { return []byte(`"[redacted]"`), nil }
