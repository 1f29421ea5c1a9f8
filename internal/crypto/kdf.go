package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	masterKeyIters = 100_000
	rootIDIters    = 10_000
	keyLen         = 32 // 256 bits
	saltLen        = 32

	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
)

// rootIDInfo is appended to the salt for the root-id derivation so it can
// never produce the same output as the master-key derivation, even for
// identical passwords and salts.
var rootIDInfo = []byte("obscura/root-chunk-id/v1")

// DeriveMasterKey derives the 256-bit AES-GCM key for a session from the
// user's password and salt. Deterministic in (password, salt); the key is
// held in memory only and never persisted.
func DeriveMasterKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, masterKeyIters, keyLen, sha256.New)
}

// DeriveRootChunkID deterministically derives the chunk id of the user's root
// directory. The same password and salt always yield the same id, which makes
// the filesystem root discoverable without any server-side mapping. The
// result is a canonical UUID string with the v4 version and RFC 4122 variant
// bits forced.
func DeriveRootChunkID(password string, salt []byte) string {
	info := make([]byte, 0, len(salt)+len(rootIDInfo))
	info = append(info, salt...)
	info = append(info, rootIDInfo...)

	seed := pbkdf2.Key([]byte(password), info, rootIDIters, keyLen, sha256.New)
	digest := sha256.Sum256(seed)

	var u [16]byte
	copy(u[:], digest[:16])
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return formatUUID(u)
}

func formatUUID(u [16]byte) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 36)
	i := 0
	for j, b := range u {
		if j == 4 || j == 6 || j == 8 || j == 10 {
			buf[i] = '-'
			i++
		}
		buf[i] = hexdigits[b>>4]
		buf[i+1] = hexdigits[b&0x0f]
		i += 2
	}
	return string(buf)
}

// GenerateSalt returns a fresh random 32-byte salt.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// HashToken hashes a node auth token with Argon2id under a random salt.
// The stored form embeds the salt: salt || hash.
func HashToken(token string) []byte {
	salt := GenerateSalt()
	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
	result := make([]byte, saltLen+keyLen)
	copy(result[:saltLen], salt)
	copy(result[saltLen:], hash)
	return result
}

// VerifyToken reports whether token matches a stored HashToken result.
func VerifyToken(token string, storedHash []byte) bool {
	if len(storedHash) < saltLen+keyLen {
		return false
	}
	salt := storedHash[:saltLen]
	hash := storedHash[saltLen:]
	computed := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, keyLen)
	return hmac.Equal(hash, computed)
}
