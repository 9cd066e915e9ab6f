// Package securestore keeps the booking profile encrypted at rest. The
// portal form wants personal data (student number, phone) that should not
// sit in plaintext in the database.
package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

type AEAD struct {
	aead cipher.AEAD
}

func NewAEAD(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

func (a *AEAD) EncryptToString(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := a.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(append(nonce, ct...)), nil
}

func (a *AEAD) DecryptString(ciphertextB64 string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", err
	}
	ns := a.aead.NonceSize()
	if len(buf) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	pt, err := a.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
