package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
)

// Redacted is what a Secret renders as everywhere outside Reveal.
const Redacted = "[redacted]"

// Secret is a credential that refuses to serialize itself. It redacts in
// fmt verbs, slog output, JSON, and YAML; the plaintext is only reachable
// through Reveal. YAML unmarshaling still reads the real value so config
// files can carry keys via ${VAR} expansion.
type Secret string

// Reveal returns the plaintext. Call sites should be few and deliberate.
func (s Secret) Reveal() string { return string(s) }

// String implements fmt.Stringer with redaction.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return Redacted
}

// GoString redacts %#v output as well.
func (s Secret) GoString() string { return "config.Secret(" + s.String() + ")" }

// LogValue implements slog.LogValuer with redaction.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

// MarshalJSON implements json.Marshaler with redaction.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// MarshalYAML implements yaml.Marshaler with redaction.
func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }

// UnmarshalJSON reads the plaintext, for control-plane key registration.
func (s *Secret) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		*s = Secret(data[1 : len(data)-1])
		return nil
	}
	return errors.New("secret must be a JSON string")
}

// Cipher encrypts upstream secrets at rest with AES-256-GCM. The key is
// derived from the SECRETS_KEY process secret via SHA-256.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an at-rest cipher from the process secret.
func NewCipher(processSecret string) (*Cipher, error) {
	if processSecret == "" {
		return nil, errors.New("SECRETS_KEY is empty")
	}
	key := sha256.Sum256([]byte(processSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong SECRETS_KEY fails authentication.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("decrypt secret: ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}
