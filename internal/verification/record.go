package verification

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Record is the persisted verification state. Field names match the JSON
// written by earlier installations.
type Record struct {
	CodeHash   *string    `json:"CodeHash"`
	ExpiresAt  time.Time  `json:"ExpiresAt"`
	IsVerified bool       `json:"IsVerified"`
	VerifiedAt *time.Time `json:"VerifiedAt"`
}

// DefaultRecord is the unverified state with no pending code
func DefaultRecord() Record {
	return Record{}
}

// Expired reports whether the pending code is past its expiry at now
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// HashCode returns the uppercase hex SHA-256 of code, or nil for an empty code.
func HashCode(code string) *string {
	if code == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(code))
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	return &h
}
