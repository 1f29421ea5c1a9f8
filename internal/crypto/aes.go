package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const ivLen = 12

// ErrDecryptionFailure is returned when a ciphertext fails authentication,
// either because the key is wrong or the data was corrupted. AES-GCM's tag
// check is the sole integrity mechanism; there is no separate MAC.
var ErrDecryptionFailure = errors.New("decryption failure")

// ErrCryptoUnavailable is returned when the cipher primitives cannot be
// initialized, e.g. for a malformed key.
var ErrCryptoUnavailable = errors.New("crypto unavailable")

// Encrypt encrypts plaintext with AES-256-GCM under key, generating a random
// 96-bit IV.
func Encrypt(plaintext, key []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	ciphertext, err = EncryptWithIV(plaintext, key, iv)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, iv, nil
}

// EncryptWithIV encrypts plaintext under a caller-supplied IV. The IV must
// never be reused with the same key.
func EncryptWithIV(plaintext, key, iv []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivLen {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrCryptoUnavailable, ivLen)
	}
	return gcm.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt decrypts an AES-256-GCM ciphertext. It returns ErrDecryptionFailure
// on tag mismatch or wrong key.
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivLen {
		return nil, ErrDecryptionFailure
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

// Seal encrypts plaintext and returns the wire form used for every stored
// chunk: IV(12 bytes) || ciphertext.
func Seal(plaintext, key []byte) ([]byte, error) {
	ciphertext, iv, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(iv)+len(ciphertext))
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Open decrypts a chunk in wire form (IV || ciphertext).
func Open(blob, key []byte) ([]byte, error) {
	if len(blob) < ivLen {
		return nil, ErrDecryptionFailure
	}
	return Decrypt(blob[ivLen:], blob[:ivLen], key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCryptoUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCryptoUnavailable, err)
	}
	return gcm, nil
}
