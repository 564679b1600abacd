package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2Version = 19

var ErrInvalidHash = errors.New("identity: invalid secret hash")

// HashParams controls Argon2id cost. MemoryKiB is in KiB as argon2.IDKey
// expects.
type HashParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func DefaultHashParams() HashParams {
	return HashParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

// Hasher hashes and verifies station secrets.
type Hasher struct {
	Params HashParams
}

// ValidateSecret enforces the secret shape: digits only, at least four.
func ValidateSecret(secret string) error {
	if len(secret) < 4 {
		return ErrWeakSecret
	}
	for _, r := range secret {
		if r < '0' || r > '9' {
			return ErrWeakSecret
		}
	}
	return nil
}

// Hash returns $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>.
func (h Hasher) Hash(secret string) (string, error) {
	if err := ValidateSecret(secret); err != nil {
		return "", err
	}
	salt := make([]byte, h.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, h.Params.Iterations, h.Params.MemoryKiB, h.Params.Parallelism, h.Params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		h.Params.MemoryKiB,
		h.Params.Iterations,
		h.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify returns (false, nil) on mismatch and ErrInvalidHash for a malformed
// encoding.
func (h Hasher) Verify(encoded, secret string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	if p.MemoryKiB > h.Params.MemoryKiB*2 || p.Iterations > h.Params.Iterations*2 {
		return false, ErrInvalidHash
	}
	got := argon2.IDKey([]byte(secret), salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(want))) // #nosec G115 -- len bounded by decodeHash
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHash(encoded string) (HashParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	var p HashParams
	var par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Iterations, &par); err != nil {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	if p.MemoryKiB == 0 || p.Iterations == 0 || par == 0 || par > 255 {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	p.Parallelism = uint8(par)

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) < 16 || len(key) > 128 {
		return HashParams{}, nil, nil, ErrInvalidHash
	}
	return p, salt, key, nil
}
