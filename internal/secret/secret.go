// Package secret seals small payloads (session environment values,
// registry records) with a symmetric key before they leave the process.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key length in bytes.
const KeySize = 32

const nonceSize = 24

// ErrDecrypt covers every decryption failure: wrong key, truncated token,
// or tampered ciphertext. The causes are deliberately indistinguishable.
var ErrDecrypt = errors.New("secret: decryption failed")

// Key is a symmetric sealing key.
type Key [KeySize]byte

// NewKey generates a random key.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a key from its base64 form.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("parse key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("parse key: got %d bytes, want %d", len(raw), KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Encrypt seals plaintext under the key, returning a base64 token with the
// random nonce prepended.
func Encrypt(key Key, plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, (*[KeySize]byte)(&key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func Decrypt(key Key, token string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(token)
	if err != nil || len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Rotate re-seals a token under a new key. Rotating onto the same key
// returns the token unchanged.
func Rotate(oldKey, newKey Key, token string) (string, error) {
	if oldKey == newKey {
		return token, nil
	}
	plaintext, err := Decrypt(oldKey, token)
	if err != nil {
		return "", err
	}
	return Encrypt(newKey, plaintext)
}
