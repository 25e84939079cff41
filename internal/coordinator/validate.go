package coordinator

import (
	"strings"
	"unicode/utf8"
)

const (
	maxMessageBytes = 4096 // max payload size
	maxTextChars    = 2000 // max character count
)

// validateMessage checks that a chat message meets content requirements.
// It returns a client-facing reason when the message is rejected.
func validateMessage(text string) (string, bool) {
	if strings.TrimSpace(text) == "" {
		return "Message is empty", false
	}
	if len(text) > maxMessageBytes {
		return "Message is too large", false
	}
	if utf8.RuneCountInString(text) > maxTextChars {
		return "Message is too long", false
	}
	if !utf8.ValidString(text) {
		return "Message contains invalid characters", false
	}
	return "", true
}
