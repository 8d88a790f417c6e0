// Package security provides the narrow cryptographic surface the substrate
// depends on: Ed25519 audit signing over canonical JSON, and envelope
// encryption of sensitive payloads with AES-256-GCM under a PBKDF2-derived
// content key. Key material beyond these primitives is owned by the
// external key service.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Signer signs canonicalized byte payloads. Verification requires only the
// public key.
type Signer interface {
	Sign(data []byte) []byte
	Verify(data, sig []byte) bool
	PublicKeyHex() string
	KeyID() string
}

type ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSigner wraps an Ed25519 private key (64-byte expanded form).
func NewSigner(priv ed25519.PrivateKey) (Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &ed25519Signer{
		priv:  priv,
		pub:   pub,
		keyID: hex.EncodeToString(sum[:8]),
	}, nil
}

// NewSignerFromSeedFile loads a 32-byte hex-encoded seed from path. A
// missing path generates an ephemeral keypair, which is acceptable only for
// development: audit signatures then do not survive a restart.
func NewSignerFromSeedFile(path string) (Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return NewSigner(priv)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	seed, err := hex.DecodeString(trimWhitespace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return NewSigner(ed25519.NewKeyFromSeed(seed))
}

func trimWhitespace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func (s *ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

func (s *ed25519Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.pub, data, sig)
}

func (s *ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }
func (s *ed25519Signer) KeyID() string        { return s.keyID }

// VerifyWithPublicKey checks a signature given only the hex public key, so
// auditors can validate the log offline.
func VerifyWithPublicKey(pubHex string, data, sig []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// CanonicalJSON renders v as deterministic JSON: object keys sorted,
// compact separators, UTF-8. encoding/json already sorts map keys, so the
// value is round-tripped through a generic map to normalize struct field
// order as well.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
