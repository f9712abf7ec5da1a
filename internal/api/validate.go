package api

import (
	"regexp"
	"unicode/utf8"
)

// maxNameLen is the maximum length for display names.
const maxNameLen = 200

// maxPasswordLen is the maximum length for passwords.
const maxPasswordLen = 256

// maxTokenLen is the maximum length for push token values.
const maxTokenLen = 512

// numberRe validates phone numbers: digits only, 1-20 chars.
var numberRe = regexp.MustCompile(`^\d{1,20}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateNumber checks that a phone number is digits only.
func validateNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !numberRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

// validateCallKind checks an optional call kind. Empty defaults to audio.
func validateCallKind(field, value string) string {
	switch value {
	case "", "audio", "video":
		return ""
	}
	return field + " must be audio or video"
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
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
