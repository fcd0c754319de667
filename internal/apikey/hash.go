// hash.go

// One-way hashing of API key bodies and secrets: Argon2id (PHC string) or bcrypt.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies credential material.
// Verify dispatches on the stored hash's format, so keys hashed under a
// previous algorithm keep validating after the configured one changes.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, encoded string) (bool, error)
}

// NewHasher returns the hasher named by alg ("argon2id" or "bcrypt").
func NewHasher(alg string) (Hasher, error) {
	switch alg {
	case "", "argon2id":
		return DefaultArgon2id(), nil
	case "bcrypt":
		return BcryptHasher{Cost: bcrypt.DefaultCost}, nil
	}
	return nil, fmt.Errorf("unsupported api key hash %q", alg)
}

// Argon2idHasher produces PHC strings:
// $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<base64 salt>$<base64 hash>
type Argon2idHasher struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2id returns parameters for high-entropy random inputs, lighter than password settings.
func DefaultArgon2id() Argon2idHasher {
	return Argon2idHasher{Time: 1, Memory: 19 * 1024, Threads: 2, SaltLen: 16, KeyLen: 32}
}

func (h Argon2idHasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, h.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(plaintext), salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify re-derives with the parameters stored in encoded.
func (h Argon2idHasher) Verify(plaintext, encoded string) (bool, error) {
	return verifyAny(plaintext, encoded)
}

// BcryptHasher hashes SHA-256(plaintext) so inputs longer than bcrypt's
// 72-byte limit (the 86-char secrets) are not silently truncated.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(plaintext string) (string, error) {
	out, err := bcrypt.GenerateFromPassword(prehash(plaintext), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(out), nil
}

func (h BcryptHasher) Verify(plaintext, encoded string) (bool, error) {
	return verifyAny(plaintext, encoded)
}

// prehash returns the base64 SHA-256 of s (44 bytes, under bcrypt's limit).
func prehash(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

// verifyAny checks plaintext against an Argon2id PHC string or a bcrypt hash.
func verifyAny(plaintext, encoded string) (bool, error) {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(plaintext, encoded)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), prehash(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt compare: %w", err)
		}
		return true, nil
	}
	return false, fmt.Errorf("unrecognized hash format")
}

func verifyArgon2id(plaintext, encoded string) (bool, error) {
	// $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parsing hash version: %w", err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version: %d", version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("parsing hash params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}

	hash := argon2.IDKey([]byte(plaintext), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(hash, expected) == 1, nil
}
