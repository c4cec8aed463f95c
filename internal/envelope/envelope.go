// Package envelope implements the hybrid decryption capability used for
// at-rest encrypted usage records: an RSA-OAEP wrapped data key plus an
// authenticated symmetric cipher over the payload.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Payload is one encrypted field as it appears inside a usage record.
// All members are standard base64.
type Payload struct {
	Data string `json:"data"`
	Key  string `json:"key"`
	IV   string `json:"iv"`
	Alg  string `json:"alg,omitempty"`
}

const (
	AlgAESGCM           = "aes-256-gcm"
	AlgChaCha20Poly1305 = "chacha20-poly1305"
)

var (
	ErrUnknownKey    = errors.New("envelope: unknown key identifier")
	ErrDecryptFailed = errors.New("envelope: decryption failed")
)

// Decryptor is the capability the decoder depends on. Implementations may
// be local key rings or remote KMS clients.
type Decryptor interface {
	Decrypt(ctx context.Context, keyID string, payload Payload) ([]byte, error)
}

// KeyRing is a local Decryptor over in-process RSA private keys.
type KeyRing struct {
	keys map[string]*rsa.PrivateKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
}

// Add registers a private key under the given identifier.
func (r *KeyRing) Add(keyID string, key *rsa.PrivateKey) {
	r.keys[keyID] = key
}

// AddPEM parses a PKCS#1 or PKCS#8 PEM private key and registers it.
func (r *KeyRing) AddPEM(keyID string, pemBytes []byte) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("envelope: key %q: no PEM block found", keyID)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		r.keys[keyID] = key
		return nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("envelope: key %q: %w", keyID, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("envelope: key %q: not an RSA private key", keyID)
	}
	r.keys[keyID] = key
	return nil
}

func (r *KeyRing) Decrypt(_ context.Context, keyID string, payload Payload) ([]byte, error) {
	priv, ok := r.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}

	wrapped, err := base64.StdEncoding.DecodeString(payload.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrDecryptFailed, err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrDecryptFailed, err)
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecryptFailed, err)
	}

	dataKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", ErrDecryptFailed, err)
	}

	aead, err := newAEAD(payload.Alg, dataKey, len(iv))
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecryptFailed, len(iv))
	}

	plaintext, err := aead.Open(nil, iv, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newAEAD(alg string, key []byte, nonceLen int) (cipher.AEAD, error) {
	switch alg {
	case AlgChaCha20Poly1305:
		if nonceLen == chacha20poly1305.NonceSizeX {
			return chacha20poly1305.NewX(key)
		}
		return chacha20poly1305.New(key)
	case AlgAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: cipher: %v", ErrDecryptFailed, err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrDecryptFailed, alg)
	}
}
