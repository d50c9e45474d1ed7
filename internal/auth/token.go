// Package auth signs and verifies the token carried by authentication messages.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the derived per-agent key in bytes.
const KeySize = 32

// MaxClockSkew bounds how far issued_at may drift from the verifier's clock.
const MaxClockSkew = 60 * time.Second

const keyInfo = "bomagent authentication v1"

// DeriveKey derives the per-agent HMAC key from the shared secret, salted with the agent id.
func DeriveKey(secret, agentID string) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(agentID), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 can produce up to 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return key
}

// Sign returns the hex HMAC-SHA256 token for agentID at issuedAt.
func Sign(secret, agentID, issuedAt string) string {
	mac := hmac.New(sha256.New, DeriveKey(secret, agentID))
	mac.Write([]byte(agentID))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(issuedAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify performs a constant-time comparison of the expected token against the provided one.
func Verify(secret, agentID, issuedAt, token string) bool {
	sig, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(Sign(secret, agentID, issuedAt))
	return hmac.Equal(sig, expected)
}

// CheckFreshness rejects issuedAt values further than MaxClockSkew from now.
func CheckFreshness(issuedAt time.Time, now time.Time) error {
	skew := now.Sub(issuedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("token issued %s away from local clock (limit %s)", skew.Round(time.Second), MaxClockSkew)
	}
	return nil
}
