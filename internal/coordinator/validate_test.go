package coordinator

import (
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"normal", "hello there", true},
		{"unicode", "héllo wörld 👋", true},
		{"empty", "", false},
		{"whitespace only", "   \t\n", false},
		{"too many bytes", strings.Repeat("aaaa", 1025), false},
		{"too many runes", strings.Repeat("我", 2001), false},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), false},
		{"at byte limit", strings.Repeat("a", 2000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := validateMessage(tt.text)
			if ok != tt.ok {
				t.Errorf("validateMessage(%s) ok=%v, want %v (reason %q)", tt.name, ok, tt.ok, reason)
			}
			if !ok && reason == "" {
				t.Error("rejected message should carry a reason")
			}
		})
	}
}
