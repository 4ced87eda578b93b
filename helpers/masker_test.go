package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		command  string
		expected string
	}{
		{
			name:     "authenticate with initial response",
			line:     `AUTHENTICATE "PLAIN" "AHVzZXIAc2VjcmV0"`,
			command:  "AUTHENTICATE",
			expected: `AUTHENTICATE "PLAIN" [REDACTED]`,
		},
		{
			name:     "authenticate without initial response",
			line:     `AUTHENTICATE "PLAIN"`,
			command:  "AUTHENTICATE",
			expected: `AUTHENTICATE "PLAIN"`,
		},
		{
			name:     "lower case keyword",
			line:     `authenticate "LOGIN" "dXNlcg=="`,
			command:  "AUTHENTICATE",
			expected: `authenticate "LOGIN" [REDACTED]`,
		},
		{
			name:     "other commands untouched",
			line:     `GETSCRIPT "vacation"`,
			command:  "GETSCRIPT",
			expected: `GETSCRIPT "vacation"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskSensitive(tt.line, tt.command, "AUTHENTICATE"))
		})
	}
}

func TestMaskSASLResponse(t *testing.T) {
	assert.Equal(t, Redacted, MaskSASLResponse(`"dXNlcm5hbWU="`))
	assert.Equal(t, `"*"`, MaskSASLResponse(`"*"`))
}

func TestTruncateForLog(t *testing.T) {
	assert.Equal(t, "NOOP", TruncateForLog("NOOP\r\n", 10))
	assert.Equal(t, "PUTSCRIPT... (9 more bytes)", TruncateForLog(`PUTSCRIPT "a" {0+}`, 9))
	assert.Equal(t, "abc", TruncateForLog("abc", 0))
}
