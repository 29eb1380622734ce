// Package sanitize provides input validation and cleaning for learning records.
//
// Every field of a record passes through this package before anything touches
// disk. Text fields are stripped of control characters and length-checked;
// numeric fields are matched against strict patterns (out-of-pattern values
// are errors, never clamped); identifiers destined for the filesystem are
// reduced to ^[a-z0-9-]+$ with a content-hash fallback when sanitization
// leaves nothing behind.
//
// All functions are pure: no I/O, no global state.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Per-field maximum lengths, in bytes after cleaning.
const (
	// MaxDomainLength bounds the domain identifier.
	MaxDomainLength = 100

	// MaxTitleLength bounds the record title.
	MaxTitleLength = 500

	// MaxSummaryLength bounds the summary body of most record types.
	MaxSummaryLength = 5000

	// MaxExplanationLength bounds the long-form explanation used by
	// experiment records.
	MaxExplanationLength = 50000

	// SlugHashLength is the length of the hex token substituted when a
	// slug sanitizes to the empty string.
	SlugHashLength = 8
)

// Validation errors.
var (
	ErrEmpty   = errors.New("value cannot be empty")
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrBadSeverity indicates a severity outside the literal pattern [1-5].
	ErrBadSeverity = errors.New("severity must be an integer from 1 to 5")

	// ErrBadConfidence indicates a confidence outside [0.0, 1.0].
	ErrBadConfidence = errors.New("confidence must be a decimal between 0.0 and 1.0")
)

var (
	severityPattern   = regexp.MustCompile(`^[1-5]$`)
	confidencePattern = regexp.MustCompile(`^(0(\.[0-9]+)?|1(\.0+)?|\.[0-9]+)$`)
	multiSpace        = regexp.MustCompile(`[ \t]{2,}`)
	multiNewline      = regexp.MustCompile(`\n{3,}`)
)

// Line cleans a single-line field (title, domain, tag).
//
// Control characters (including newlines) are dropped, runs of whitespace
// collapse to one space, and the ends are trimmed. An empty result or one
// longer than max is an error.
func Line(value string, max int) (string, error) {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.TrimSpace(multiSpace.ReplaceAllString(b.String(), " "))
	if cleaned == "" {
		return "", ErrEmpty
	}
	if len(cleaned) > max {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLong, len(cleaned), max)
	}
	return cleaned, nil
}

// Body cleans a multi-line field (summary, explanation).
//
// Tabs and newlines inside the body are preserved; all other control
// characters are dropped. Horizontal whitespace runs collapse, runs of three
// or more newlines collapse to two, and the ends are trimmed.
func Body(value string, max int) (string, error) {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	cleaned := multiSpace.ReplaceAllString(b.String(), " ")
	cleaned = multiNewline.ReplaceAllString(cleaned, "\n\n")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", ErrEmpty
	}
	if len(cleaned) > max {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrTooLong, len(cleaned), max)
	}
	return cleaned, nil
}

// Slug reduces a string to a filesystem-safe identifier.
//
// Rules applied:
//   - Converts to lowercase
//   - Replaces whitespace with hyphens
//   - Removes every character outside [a-z0-9-]
//   - Collapses repeated hyphens and trims the ends
//   - Substitutes a short content-hash token if the result is empty
//
// Examples:
//
//	"Timeout in fetch" -> "timeout-in-fetch"
//	"../../etc/passwd" -> "etcpasswd"
//	"!!!" or "日本語"    -> "x<8-hex-chars>" (hash of the original input)
//
// The hash fallback keys on the original input, so two distinct
// unsanitizable titles still map to distinct slugs.
func Slug(s string) string {
	lowered := strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('-')
		}
		// everything else (path separators, dots, NUL, unicode) is dropped
	}

	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	if slug == "" {
		return hashToken(s)
	}
	return slug
}

// hashToken derives a short stable token from arbitrary input.
func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "x" + hex.EncodeToString(sum[:])[:SlugHashLength]
}

// Severity parses a severity field. Only the literal digits 1-5 are
// accepted; "0", "6", "high" and "3.5" are all rejected.
func Severity(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if !severityPattern.MatchString(trimmed) {
		return 0, fmt.Errorf("%w: got %q", ErrBadSeverity, value)
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: got %q", ErrBadSeverity, value)
	}
	return n, nil
}

// Confidence parses a confidence field. Accepts decimals in [0.0, 1.0]
// ("0", "0.75", ".5", "1.0"). Anything else is rejected, never clamped.
func Confidence(value string) (float64, error) {
	trimmed := strings.TrimSpace(value)
	if !confidencePattern.MatchString(trimmed) {
		return 0, fmt.Errorf("%w: got %q", ErrBadConfidence, value)
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || f < 0.0 || f > 1.0 {
		return 0, fmt.Errorf("%w: got %q", ErrBadConfidence, value)
	}
	return f, nil
}

// Tags cleans a tag list: each tag is cleaned and slugified, duplicates are
// removed, order is preserved. An empty input list is valid.
func Tags(values []string) ([]string, error) {
	const maxTagLength = 50

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		tag, err := Line(v, maxTagLength)
		if err != nil {
			return nil, fmt.Errorf("tag %q: %w", v, err)
		}
		tag = Slug(tag)
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out, nil
}
