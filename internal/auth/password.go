package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// MinPasswordLength is enforced when hashing a new operator password.
const MinPasswordLength = 8

// Params are the Argon2id cost parameters stored in a PHC string.
type Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultParams is used for operator passwords: 64 MiB, 3 passes.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

// phc is a decoded $argon2id$v=19$m=..,t=..,p=..$salt$hash string.
type phc struct {
	params Params
	salt   []byte
	hash   []byte
}

func (p phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.params.Memory, p.params.Time, p.params.Threads,
		base64.RawStdEncoding.EncodeToString(p.salt),
		base64.RawStdEncoding.EncodeToString(p.hash))
}

// HashPassword hashes password with DefaultParams.
func HashPassword(password string) (string, error) {
	return HashPasswordWithParams(password, DefaultParams)
}

// HashPasswordWithParams hashes password into a PHC string.
func HashPasswordWithParams(password string, p Params) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password shorter than %d characters", ErrWeakPassword, MinPasswordLength)
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	enc := phc{
		params: p,
		salt:   salt,
		hash:   argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen),
	}
	return enc.String(), nil
}

// VerifyPassword reports whether password matches the PHC hash.
func VerifyPassword(password, encoded string) (bool, error) {
	dec, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	p := dec.params
	candidate := argon2.IDKey([]byte(password), dec.salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(dec.hash, candidate) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than want, so the operator should generate a new hash.
func NeedsRehash(encoded string, want Params) (bool, error) {
	dec, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	p := dec.params
	return p.Time < want.Time || p.Memory < want.Memory || p.KeyLen < want.KeyLen, nil
}

func decodePHC(encoded string) (phc, error) {
	var out phc
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return out, fmt.Errorf("%w: not a PHC string", ErrInvalidHash)
	}
	if parts[1] != "argon2id" {
		return out, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidHash, parts[1])
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return out, fmt.Errorf("%w: unsupported version %q", ErrInvalidHash, parts[2])
	}

	p := &out.params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return out, fmt.Errorf("%w: parameters: %w", ErrInvalidHash, err)
	}
	if p.Time == 0 || p.Threads == 0 {
		return out, fmt.Errorf("%w: zero cost parameter", ErrInvalidHash)
	}

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return out, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	if out.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return out, fmt.Errorf("%w: hash: %w", ErrInvalidHash, err)
	}
	if len(out.hash) == 0 {
		return out, fmt.Errorf("%w: empty hash", ErrInvalidHash)
	}
	p.SaltLen = uint32(len(out.salt)) //nolint:gosec // decoded from a short string
	p.KeyLen = uint32(len(out.hash))  //nolint:gosec // decoded from a short string
	return out, nil
}
