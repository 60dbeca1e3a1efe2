package security

import (
	"regexp"
	"strings"
)

// dangerousPatterns are the fixed set of substrings/shapes spec §4.4 names:
// script/iframe/object/embed tags, javascript: URIs, inline event handlers,
// eval(, and three SQL-injection shapes.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)<iframe`),
	regexp.MustCompile(`(?i)<object`),
	regexp.MustCompile(`(?i)<embed`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`), // inline event handlers, e.g. onerror=
	regexp.MustCompile(`(?i)eval\(`),
	regexp.MustCompile(`(?i)(\bunion\b\s+\bselect\b)`),
	regexp.MustCompile(`(?i)(\bor\b\s+['"]?1['"]?\s*=\s*['"]?1)`),
	regexp.MustCompile(`(?i)(;?\s*drop\s+table\b)`),
}

// profanityList is a fixed word list; matches are replaced with asterisks
// of equal length, case-insensitive, on whole-word boundaries. Kept short
// and unremarkable deliberately — the filtering behavior, not the word
// list itself, is what spec §4.4 specifies.
var profanityList = []string{
	"damn", "hell", "crap", "bastard", "bitch", "asshole",
}

var profanityPattern = buildProfanityPattern(profanityList)

func buildProfanityPattern(words []string) *regexp.Regexp {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
}

// ValidationResult is the outcome of ValidateMessage.
type ValidationResult struct {
	Valid    bool
	Filtered string
	Reason   string
}

// ValidateMessage rejects non-strings (the caller is responsible for type
// checking before calling this, since Go is statically typed — this
// function operates on an already-decoded string), empty strings, strings
// over maxLen characters (500 by default, per spec §4.4), and any
// dangerous-pattern match. On acceptance it returns the profanity-filtered
// text.
func ValidateMessage(s string, maxLen int) ValidationResult {
	if s == "" {
		return ValidationResult{Reason: "message is empty"}
	}
	if len([]rune(s)) > maxLen {
		return ValidationResult{Reason: "message too long"}
	}
	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(s) {
			return ValidationResult{Reason: "message contains disallowed content"}
		}
	}
	return ValidationResult{Valid: true, Filtered: filterProfanity(s)}
}

// filterProfanity replaces every whole-word profanity match with asterisks
// of equal length, case-insensitive. Idempotent: filtering an
// already-filtered string (all asterisks) matches no word boundary, so
// filter(filter(s)) == filter(s).
func filterProfanity(s string) string {
	return profanityPattern.ReplaceAllStringFunc(s, func(match string) string {
		return strings.Repeat("*", len(match))
	})
}
