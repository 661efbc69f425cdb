// Package emailclass classifies raw email cells and derives the canonical
// key used for every dedup and domain computation.
package emailclass

import (
	"regexp"
	"strings"
)

// Class is the outcome of classifying a raw email cell.
type Class uint8

const (
	// Empty means the cell was null or only whitespace.
	Empty Class = iota
	// Invalid means the trimmed cell failed the address pattern.
	Invalid
	// Valid means the trimmed cell matched the address pattern.
	Valid
)

func (c Class) String() string {
	switch c {
	case Empty:
		return "empty"
	case Invalid:
		return "invalid_format"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// pattern is matched against the trimmed cell. The character classes
// already admit both cases, (?i) keeps the TLD check case-insensitive.
var pattern = regexp.MustCompile(`(?i)^[a-z0-9._%+\-']+@[a-z0-9.\-]+\.[a-z]{2,}$`)

// Result is a classified cell. Email holds the normalized address when
// Class is Valid and is empty otherwise.
type Result struct {
	Class Class
	Email string
}

// Normalize is the single canonicalization applied to an email before it is
// used as a key: surrounding whitespace trimmed, lowercased.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Classify reports whether raw is empty, malformed, or a valid address.
func Classify(raw string) Class {
	return Inspect(raw).Class
}

// ClassifyNullable treats a nil cell as Empty.
func ClassifyNullable(raw *string) Class {
	if raw == nil {
		return Empty
	}
	return Classify(*raw)
}

// Inspect classifies raw and, for valid addresses, returns the normalized
// form so callers never normalize a second time.
func Inspect(raw string) Result {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Result{Class: Empty}
	}
	if !pattern.MatchString(trimmed) {
		return Result{Class: Invalid}
	}
	return Result{Class: Valid, Email: strings.ToLower(trimmed)}
}

// Domain returns the part after the first '@' of an already normalized,
// valid address. It reports false for input without a usable domain and
// never panics.
func Domain(normalized string) (string, bool) {
	at := strings.IndexByte(normalized, '@')
	if at < 0 || at == len(normalized)-1 {
		return "", false
	}
	return normalized[at+1:], true
}

// Sendable reports whether a classified cell counts as sendable. Today every
// valid address is sendable; a stricter tier (role accounts, suppression)
// would be applied here.
func Sendable(r Result) bool {
	return r.Class == Valid
}
