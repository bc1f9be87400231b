// Package sandbox applies static safety checks to generated diffs before
// they are allowed to be applied
package sandbox

import (
	"fmt"
	"strings"
)

// MaxDiffBytes is the default size ceiling for a generated diff
const MaxDiffBytes = 256 * 1024

// defaultAllowedPrefixes are the path prefixes writes may target
var defaultAllowedPrefixes = []string{
	"src/",
	"tests/",
	"docs/",
	"config/",
	"scripts/",
	"migrations/",
}

// defaultSecretIndicators are substrings that fail a diff when present.
// This is a coarse heuristic, not a real secret scanner; expect false
// positives on code that merely names these concepts.
var defaultSecretIndicators = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"credential",
	"private_key",
	"api_key",
	"key",
}

// Sandbox validates paths and diff content. Pure validation, no state.
type Sandbox struct {
	AllowedPrefixes  []string
	MaxDiffBytes     int
	SecretIndicators []string
}

// New returns a sandbox with the default allow-list and limits
func New() *Sandbox {
	return &Sandbox{
		AllowedPrefixes:  defaultAllowedPrefixes,
		MaxDiffBytes:     MaxDiffBytes,
		SecretIndicators: defaultSecretIndicators,
	}
}

// IsWriteAllowed reports whether a generated change may touch path
func (s *Sandbox) IsWriteAllowed(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}

	for _, prefix := range s.AllowedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ValidateDiff checks generated diff content against the size ceiling,
// a binary-content heuristic, and the secret-indicator list. Returns
// (false, reason) on the first rejection.
func (s *Sandbox) ValidateDiff(content string) (bool, string) {
	if len(content) > s.MaxDiffBytes {
		return false, fmt.Sprintf("Diff exceeds maximum size of %d bytes", s.MaxDiffBytes)
	}

	if strings.ContainsRune(content, 0) {
		return false, "Binary content not allowed in diff"
	}

	lower := strings.ToLower(content)
	for _, indicator := range s.SecretIndicators {
		if strings.Contains(lower, indicator) {
			return false, fmt.Sprintf("Potential secret pattern detected: %s", indicator)
		}
	}

	return true, ""
}
