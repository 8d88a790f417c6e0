package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 200_000
	saltLength       = 16
	nonceLength      = 12 // 96-bit AES-GCM nonce
	gcmTagLength     = 16
)

// MasterKeyProvider fetches a tenant's master secret. The production
// implementation talks to the external key service; tests use a static map.
type MasterKeyProvider interface {
	MasterKey(tenantID string) ([]byte, error)
}

// StaticKeyProvider serves master keys from memory. Suitable for
// development and tests only.
type StaticKeyProvider map[string][]byte

func (p StaticKeyProvider) MasterKey(tenantID string) ([]byte, error) {
	k, ok := p[tenantID]
	if !ok {
		return nil, fmt.Errorf("no master key for tenant %s", tenantID)
	}
	return k, nil
}

// SingleKeyProvider derives every tenant's key from one process-wide
// secret. Used when the deployment runs without an external key service.
type SingleKeyProvider struct {
	Secret []byte
}

func (p *SingleKeyProvider) MasterKey(tenantID string) ([]byte, error) {
	if len(p.Secret) == 0 {
		return nil, fmt.Errorf("encryption master secret not configured")
	}
	h := sha256.New()
	h.Write(p.Secret)
	h.Write([]byte(tenantID))
	return h.Sum(nil), nil
}

// Envelope encrypts sensitive payload fields at rest. A fresh content key
// is derived per row: PBKDF2-SHA256 over the tenant master secret with a
// random per-row salt, then AES-256-GCM with a fresh nonce. Output layout:
// salt(16) || nonce(12) || ciphertext+tag.
type Envelope struct {
	keys MasterKeyProvider
}

// NewEnvelope builds an envelope encryptor over the given key provider.
func NewEnvelope(keys MasterKeyProvider) *Envelope {
	return &Envelope{keys: keys}
}

// Encrypt seals plaintext for a tenant. aad binds the ciphertext to its
// context (typically tenant and record ids) without being stored in it.
func (e *Envelope) Encrypt(tenantID string, plain, aad []byte) ([]byte, error) {
	master, err := e.keys.MasterKey(tenantID)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	gcm, err := newGCM(master, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltLength+nonceLength+len(plain)+gcmTagLength)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, aad)
	return out, nil
}

// Decrypt opens a sealed payload. The aad must match the one used at
// encryption time.
func (e *Envelope) Decrypt(tenantID string, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < saltLength+nonceLength+gcmTagLength {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}
	master, err := e.keys.MasterKey(tenantID)
	if err != nil {
		return nil, err
	}

	salt := sealed[:saltLength]
	nonce := sealed[saltLength : saltLength+nonceLength]
	ct := sealed[saltLength+nonceLength:]

	gcm, err := newGCM(master, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ct, aad)
}

func newGCM(master, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(master, salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
