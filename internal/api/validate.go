package api

import (
	"strconv"
	"unicode/utf8"
)

// maxConferenceNameLen is the maximum length of a conference name.
const maxConferenceNameLen = 80

// maxTokenLen bounds journal token filters; tokens are UUIDs.
const maxTokenLen = 64

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateIntRange checks that value is within [min, max].
func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return field + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)
	}
	return ""
}

// containsControlChars reports whether s has any control character.
// Conference names end up in channel variables, so no whitespace escapes
// are allowed either.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// firstError returns the first non-empty validation message.
func firstError(msgs ...string) string {
	for _, m := range msgs {
		if m != "" {
			return m
		}
	}
	return ""
}
