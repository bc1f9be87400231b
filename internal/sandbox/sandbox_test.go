package sandbox

import (
	"strings"
	"testing"
)

func TestIsWriteAllowed(t *testing.T) {
	s := New()

	cases := []struct {
		path string
		want bool
	}{
		{"src/main.go", true},
		{"tests/main_test.go", true},
		{"docs/readme.md", true},
		{"config/app.yaml", true},
		{"scripts/build.sh", true},
		{"migrations/001_init.sql", true},
		{"", false},
		{"/etc/passwd", false},
		{"\\windows\\system32", false},
		{"src/../secrets.env", false},
		{"internal/private.go", false},
		{"Makefile", false},
	}

	for _, tc := range cases {
		if got := s.IsWriteAllowed(tc.path); got != tc.want {
			t.Errorf("IsWriteAllowed(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestValidateDiffAccepts(t *testing.T) {
	s := New()

	ok, reason := s.ValidateDiff("--- a/src/main.go\n+++ b/src/main.go\n@@ -1 +1 @@\n-old\n+new\n")
	if !ok {
		t.Fatalf("clean diff rejected: %s", reason)
	}
}

func TestValidateDiffRejectsSecrets(t *testing.T) {
	s := New()

	ok, reason := s.ValidateDiff("+const dbPassword = \"hunter2\"\n")
	if ok {
		t.Fatal("diff containing a password should be rejected")
	}
	if reason != "Potential secret pattern detected: password" {
		t.Errorf("unexpected reason: %q", reason)
	}

	// Matching is case-insensitive
	ok, _ = s.ValidateDiff("+API_KEY=abc123\n")
	if ok {
		t.Error("uppercase secret indicator should still be rejected")
	}
}

func TestValidateDiffRejectsOversized(t *testing.T) {
	s := New()

	ok, reason := s.ValidateDiff(strings.Repeat("a", MaxDiffBytes+1))
	if ok {
		t.Fatal("oversized diff should be rejected")
	}
	if !strings.Contains(reason, "maximum size") {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestValidateDiffRejectsBinary(t *testing.T) {
	s := New()

	ok, reason := s.ValidateDiff("+data\x00more")
	if ok {
		t.Fatal("diff with a null byte should be rejected")
	}
	if reason != "Binary content not allowed in diff" {
		t.Errorf("unexpected reason: %q", reason)
	}
}
