// Package credential issues and checks device secrets. Only SHA-256 digests
// of secrets are ever stored; the plaintext leaves this package exactly once.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
)

const (
	// SecretBytes is the amount of randomness in a credential.
	SecretBytes = 64
	// SecretLength is the hex-encoded length of a credential.
	SecretLength = SecretBytes * 2
)

// Holder is anything that stores a credential digest, typically a device record.
type Holder interface {
	SetCredential(hash string, issuedAt time.Time)
}

// Vault generates and rotates credentials.
type Vault struct {
	rand io.Reader
	now  func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithRandom replaces the entropy source.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) { v.rand = r }
}

// WithClock replaces the time source used for issue timestamps.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func NewVault(opts ...Option) *Vault {
	v := &Vault{rand: rand.Reader, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Generate returns a fresh 128-character hex secret.
func (v *Vault) Generate() (string, error) {
	raw := make([]byte, SecretBytes)
	if _, err := io.ReadFull(v.rand, raw); err != nil {
		return "", errors.Wrap(err, "read credential entropy")
	}
	return hex.EncodeToString(raw), nil
}

// Rotate issues a new secret for h, overwriting its digest and timestamps.
// The returned plaintext is not retained anywhere.
func (v *Vault) Rotate(h Holder) (string, error) {
	secret, err := v.Generate()
	if err != nil {
		return "", err
	}
	h.SetCredential(Hash(secret), v.now())
	return secret, nil
}

// Hash returns the hex SHA-256 digest of secret.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Verify compares secret against a stored digest in constant time.
func Verify(secret, hash string) bool {
	if secret == "" || hash == "" {
		return false
	}
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(got[:], want) == 1
}

// WellFormed reports whether s has the shape of an issued credential.
func WellFormed(s string) bool {
	return len(s) == SecretLength && govalidator.IsHexadecimal(s)
}
