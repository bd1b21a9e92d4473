package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnrollToken is a one-time enrollment credential. The plaintext value is
// shown once at creation time; only its HMAC is persisted, so a data
// directory compromise does not leak valid tokens.
type EnrollToken struct {
	ID        string    `json:"id"`
	Hash      []byte    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// NewEnrollToken generates a fresh random plaintext token and its persisted
// record. The caller is responsible for giving the plaintext to the
// enrolling agent out of band and storing only the returned record.
func NewEnrollToken(hmacKey []byte, ttl time.Duration) (plaintext string, rec EnrollToken, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", EnrollToken{}, fmt.Errorf("security: generate enroll token: %w", err)
	}
	plaintext = hex.EncodeToString(buf)
	now := time.Now()
	rec = EnrollToken{
		ID:        uuid.NewString(),
		Hash:      hmacSum(hmacKey, plaintext),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return plaintext, rec, nil
}

// Verify checks a presented plaintext token against the stored record's
// HMAC using a constant-time comparison, and that the token is unexpired
// and unused.
func (t *EnrollToken) Verify(hmacKey []byte, plaintext string) bool {
	if t.Used || time.Now().After(t.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare(t.Hash, hmacSum(hmacKey, plaintext)) == 1
}

func hmacSum(key []byte, value string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// RevocationEntry records why and when a certificate serial was revoked.
type RevocationEntry struct {
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
}

// IsRevoked checks if a certificate serial number appears in the revocation
// set. The revocation list is maintained externally (PersistentStore); this
// is a pure lookup helper used by the gRPC transport's VerifyPeerCertificate
// callback.
func IsRevoked(serial string, revoked map[string]RevocationEntry) bool {
	_, ok := revoked[serial]
	return ok
}
