package security

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateCallTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := GenerateCallToken()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if !strings.HasPrefix(token, "cat_") || len(token) != 68 {
			t.Fatalf("unexpected token %q", token)
		}
		if !LooksLikeCallToken(token) {
			t.Fatalf("generated token rejected: %q", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
	for _, bad := range []string{"", "cat_", "cpa_" + strings.Repeat("a", 64), "cat_" + strings.Repeat("z", 64)} {
		if LooksLikeCallToken(bad) {
			t.Fatalf("accepted %q", bad)
		}
	}
}

func TestAdminKeyHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckAdminKey(string(hash), "s3cret") {
		t.Fatalf("expected match")
	}
	if CheckAdminKey(string(hash), "wrong") {
		t.Fatalf("expected mismatch")
	}
	if CheckAdminKey("", "s3cret") {
		t.Fatalf("empty hash must not match")
	}
}

func TestCheckServiceToken(t *testing.T) {
	if !CheckServiceToken("abc", "abc") {
		t.Fatalf("expected match")
	}
	if CheckServiceToken("abc", "abd") || CheckServiceToken("", "") {
		t.Fatalf("expected mismatch")
	}
}
