package auth_test

import (
	"testing"

	"github.com/routeros-client/rosclient/auth"
)

func TestHashChallenge(t *testing.T) {
	// Scenario from the protocol's testable properties: password "abc",
	// challenge "0123456789abcdef0123456789abcdef". The hashed buffer is
	// 0x00 || "abc" || hex_decode(challenge), 20 bytes long.
	got, err := auth.HashChallenge("abc", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("HashChallenge: unexpected error: %v", err)
	}
	if got[:2] != "00" {
		t.Errorf("response %q does not start with the 00 marker", got)
	}
	if len(got) != 34 { // "00" + 32 hex chars
		t.Errorf("response %q has length %d, want 34", got, len(got))
	}

	// Hashing is deterministic.
	got2, err := auth.HashChallenge("abc", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("HashChallenge: unexpected error: %v", err)
	}
	if got != got2 {
		t.Errorf("hash is not deterministic: %q != %q", got, got2)
	}

	// A different password produces a different response.
	got3, err := auth.HashChallenge("xyz", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("HashChallenge: unexpected error: %v", err)
	}
	if got == got3 {
		t.Errorf("different passwords produced the same response")
	}
}

func TestHashChallengeRejectsBadInput(t *testing.T) {
	if _, err := auth.HashChallenge("abc", ""); err == nil {
		t.Error("empty challenge: expected error, got nil")
	}
	if _, err := auth.HashChallenge("abc", "not-hex-zz"); err == nil {
		t.Error("non-hex challenge: expected error, got nil")
	}
}
