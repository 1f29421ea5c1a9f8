package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return DeriveMasterKey("test-password", []byte("0123456789abcdef0123456789abcdef"))
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey()
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, iv, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if len(iv) != 12 {
		t.Fatalf("expected 12-byte iv, got %d", len(iv))
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext should differ from plaintext")
	}

	decrypted, err := Decrypt(ciphertext, iv, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatal("round trip should recover the original plaintext")
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := testKey()
	other := DeriveMasterKey("other-password", []byte("0123456789abcdef0123456789abcdef"))

	ciphertext, iv, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := Decrypt(ciphertext, iv, other); !errors.Is(err, ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure, got %v", err)
	}
}

func TestDecrypt_FlippedByteFails(t *testing.T) {
	key := testKey()

	ciphertext, iv, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := Decrypt(ciphertext, iv, key); !errors.Is(err, ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure, got %v", err)
	}
}

func TestSealOpen_WireForm(t *testing.T) {
	key := testKey()
	plaintext := []byte("directory payload")

	blob, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(blob) < 12+len(plaintext) {
		t.Fatalf("sealed blob too short: %d", len(blob))
	}

	opened, err := Open(blob, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatal("Open should recover the sealed plaintext")
	}
}

func TestOpen_TruncatedBlob(t *testing.T) {
	key := testKey()
	if _, err := Open([]byte{0x01, 0x02}, key); !errors.Is(err, ErrDecryptionFailure) {
		t.Fatalf("expected ErrDecryptionFailure for truncated blob, got %v", err)
	}
}

func TestEncrypt_BadKey(t *testing.T) {
	_, _, err := Encrypt([]byte("data"), []byte("short-key"))
	if !errors.Is(err, ErrCryptoUnavailable) {
		t.Fatalf("expected ErrCryptoUnavailable for bad key, got %v", err)
	}
}

func TestEncryptWithIV_Deterministic(t *testing.T) {
	key := testKey()
	iv := make([]byte, 12)

	c1, err := EncryptWithIV([]byte("data"), key, iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	c2, err := EncryptWithIV([]byte("data"), key, iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !bytes.Equal(c1, c2) {
		t.Fatal("same key, iv and plaintext should produce identical ciphertext")
	}
}
