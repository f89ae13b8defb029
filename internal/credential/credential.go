// Package credential implements the credential-verification collaborator
// described in the design spec as out of the core's scope: password
// hashing plus TOTP second-factor verification. The three-way
// Ok/Needs2FA/Fail outcome it feeds is store.LoginResult, not a type of
// its own — this package only ever answers yes/no questions about a
// single credential.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of password suitable for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewTOTPSecret generates a random base32-encoded TOTP secret (20 bytes,
// matching the common authenticator-app default).
func NewTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// totpStep is the RFC 6238 default time step.
const totpStep = 30 * time.Second

// VerifyTOTP checks code against secret, allowing the previous and next time
// step to absorb clock skew, as is conventional for TOTP verification.
//
// Hand-rolled on crypto/hmac + crypto/sha1 (RFC 6238 §4 / RFC 4226 §5.3):
// no TOTP library appears anywhere in the example corpus or its transitive
// dependency graph, so this is the one place this package reaches past the
// corpus's own dependency set for a narrow, well-specified primitive.
func VerifyTOTP(secret, code string) bool {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	step := int64(totpStep.Seconds())
	for _, skew := range []int64{0, -1, 1} {
		counter := uint64(now/step + skew)
		if generateTOTP(key, counter) == code {
			return true
		}
	}
	return false
}

func generateTOTP(key []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := truncated % uint32(math.Pow10(6))
	return fmt.Sprintf("%06d", code)
}
