package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt produces a Payload decryptable by the holder of the matching
// private key. Used by tests and fixture tooling; production records are
// encrypted upstream.
func Encrypt(pub *rsa.PublicKey, alg string, plaintext []byte) (Payload, error) {
	dataKey := make([]byte, 32)
	if _, err := rand.Read(dataKey); err != nil {
		return Payload{}, err
	}

	var aead cipher.AEAD
	var err error
	switch alg {
	case AlgChaCha20Poly1305:
		aead, err = chacha20poly1305.New(dataKey)
	case AlgAESGCM, "":
		var block cipher.Block
		block, err = aes.NewCipher(dataKey)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return Payload{}, fmt.Errorf("envelope: unsupported alg %q", alg)
	}
	if err != nil {
		return Payload{}, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Payload{}, err
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dataKey, nil)
	if err != nil {
		return Payload{}, err
	}

	return Payload{
		Data: base64.StdEncoding.EncodeToString(aead.Seal(nil, iv, plaintext, nil)),
		Key:  base64.StdEncoding.EncodeToString(wrapped),
		IV:   base64.StdEncoding.EncodeToString(iv),
		Alg:  alg,
	}, nil
}
