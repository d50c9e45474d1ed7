package auth

import (
	"bytes"
	"testing"
	"time"
)

func TestDeriveKey(t *testing.T) {
	key := DeriveKey("shared-secret", "agent-1")
	if len(key) != KeySize {
		t.Fatalf("expected key size %d, got %d", KeySize, len(key))
	}

	// Same secret and agent should produce the same key
	if !bytes.Equal(key, DeriveKey("shared-secret", "agent-1")) {
		t.Fatal("key derivation not deterministic")
	}

	if bytes.Equal(key, DeriveKey("shared-secret", "agent-2")) {
		t.Fatal("different agents derived the same key")
	}
}

func TestSign_Length(t *testing.T) {
	token := Sign("shared-secret", "agent-1", "2025-01-02T03:04:05+00:00")
	if len(token) != 2*KeySize {
		t.Fatalf("expected token length %d, got %d", 2*KeySize, len(token))
	}
}

func TestVerify_Valid(t *testing.T) {
	issued := "2025-01-02T03:04:05+00:00"
	token := Sign("shared-secret", "agent-1", issued)

	if !Verify("shared-secret", "agent-1", issued, token) {
		t.Fatal("expected token to verify successfully")
	}
}

func TestVerify_InvalidSecret(t *testing.T) {
	issued := "2025-01-02T03:04:05+00:00"
	token := Sign("correct-secret", "agent-1", issued)

	if Verify("wrong-secret", "agent-1", issued, token) {
		t.Fatal("expected verification to fail with wrong secret")
	}
}

func TestVerify_ReplayedForOtherAgent(t *testing.T) {
	issued := "2025-01-02T03:04:05+00:00"
	token := Sign("shared-secret", "agent-1", issued)

	if Verify("shared-secret", "agent-2", issued, token) {
		t.Fatal("expected verification to fail for a different agent id")
	}
	if Verify("shared-secret", "agent-1", "2025-01-02T03:04:06+00:00", token) {
		t.Fatal("expected verification to fail for a different issue time")
	}
}

func TestVerify_MalformedToken(t *testing.T) {
	issued := "2025-01-02T03:04:05+00:00"
	token := Sign("shared-secret", "agent-1", issued)

	if Verify("shared-secret", "agent-1", issued, "zz-not-hex") {
		t.Fatal("expected verification to fail with non-hex token")
	}
	// Truncate token
	if Verify("shared-secret", "agent-1", issued, token[:32]) {
		t.Fatal("expected verification to fail with truncated token")
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := CheckFreshness(now.Add(-30*time.Second), now); err != nil {
		t.Errorf("30s old token rejected: %v", err)
	}
	if err := CheckFreshness(now.Add(30*time.Second), now); err != nil {
		t.Errorf("30s future token rejected: %v", err)
	}
	if err := CheckFreshness(now.Add(-2*time.Minute), now); err == nil {
		t.Error("expected stale token to be rejected")
	}
}
