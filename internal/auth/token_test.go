package auth

import (
	"strings"
	"testing"
)

func TestVerifyOwnerTokenExactMatch(t *testing.T) {
	stored := "kA9_x2VERYMINDBUSHWOLFqzrict7753"
	if !VerifyOwnerToken(stored, stored) {
		t.Fatal("expected exact token to verify")
	}
}

func TestVerifyOwnerTokenRejectsWrongTokens(t *testing.T) {
	stored := "kA9_x2VERYMINDBUSHWOLFqzrict7753"
	cases := []string{
		"",
		"wrong",
		strings.Repeat("a", len(stored)),
		stored[:len(stored)-1] + "X", // mismatch in last position
		"X" + stored[1:],             // mismatch in first position
		stored + "extra",
	}
	for _, presented := range cases {
		if VerifyOwnerToken(stored, presented) {
			t.Fatalf("expected %q to be rejected", presented)
		}
	}
}

func TestVerifyOwnerTokenRejectsEmptyStored(t *testing.T) {
	if VerifyOwnerToken("", "") {
		t.Fatal("empty stored token must never verify")
	}
	if VerifyOwnerToken("", "anything") {
		t.Fatal("empty stored token must never verify")
	}
}
