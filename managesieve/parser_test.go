package managesieve

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse_Completions(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected *Completion
	}{
		{
			name:     "bare OK",
			line:     "OK",
			expected: &Completion{Status: StatusOK},
		},
		{
			name:     "lower case status",
			line:     `ok "done"`,
			expected: &Completion{Status: StatusOK, Text: "done"},
		},
		{
			name: "quota with text",
			line: `NO (QUOTA) "too many scripts"`,
			expected: &Completion{
				Status: StatusNO,
				Code:   &ResponseCode{Kind: CodeQuota, Name: "QUOTA"},
				Text:   "too many scripts",
			},
		},
		{
			name: "quota sub-code",
			line: `NO (quota/maxsize) "Quota exceeded"`,
			expected: &Completion{
				Status: StatusNO,
				Code:   &ResponseCode{Kind: CodeQuotaMaxSize, Name: "QUOTA/MAXSIZE"},
				Text:   "Quota exceeded",
			},
		},
		{
			name: "code without text",
			line: `NO (NONEXISTENT)`,
			expected: &Completion{
				Status: StatusNO,
				Code:   &ResponseCode{Kind: CodeNonexistent, Name: "NONEXISTENT"},
			},
		},
		{
			name: "referral",
			line: `BYE (REFERRAL "sieve://sieve.example.com") "Try elsewhere"`,
			expected: &Completion{
				Status: StatusBYE,
				Code:   &ResponseCode{Kind: CodeReferral, Name: "REFERRAL", Data: []string{"sieve://sieve.example.com"}},
				Text:   "Try elsewhere",
			},
		},
		{
			name: "tag echoed as literal",
			line: "OK (TAG {4}\r\nabcd) \"Done\"",
			expected: &Completion{
				Status: StatusOK,
				Code:   &ResponseCode{Kind: CodeTag, Name: "TAG", Data: []string{"abcd"}},
				Text:   "Done",
			},
		},
		{
			name: "escaped text",
			line: `NO "line 2: \"fileinto\" needs \\ escaping"`,
			expected: &Completion{
				Status: StatusNO,
				Text:   `line 2: "fileinto" needs \ escaping`,
			},
		},
		{
			name: "text as literal",
			line: "NO {11}\r\nmulti\r\nline",
			expected: &Completion{
				Status: StatusNO,
				Text:   "multi\r\nline",
			},
		},
		{
			name: "unknown code with nested data",
			line: `OK (VENDOR/X 12 (a "b") c) "fine"`,
			expected: &Completion{
				Status: StatusOK,
				Code:   &ResponseCode{Kind: CodeOther, Name: "VENDOR/X", Data: []string{"12", "(a b)", "c"}},
				Text:   "fine",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse([]byte(tt.line), ReplyPlain)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resp)
		})
	}
}

func TestParseResponse_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "empty line", line: ""},
		{name: "unknown status", line: `MAYBE "so"`},
		{name: "unterminated quoted", line: `OK "done`},
		{name: "bad escape", line: `OK "a\nb"`},
		{name: "trailing garbage", line: `OK "done" extra`},
		{name: "unterminated code", line: `NO (QUOTA "x"`},
		{name: "literal shorter than announced", line: "NO {10}\r\nabc"},
		{name: "literal without CRLF", line: "NO {3}abc"},
		{name: "invalid UTF-8", line: "NO \"\xff\xfe\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse([]byte(tt.line), ReplyPlain)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyntax), "got %v", err)
			var se *SyntaxError
			assert.True(t, errors.As(err, &se))
		})
	}
}

func TestParseResponse_DataKinds(t *testing.T) {
	resp, err := ParseResponse([]byte(`"SIEVE" "fileinto vacation"`), ReplyCapability)
	require.NoError(t, err)
	assert.Equal(t, &CapabilityData{Entries: []CapabilityEntry{{Name: "SIEVE", Value: "fileinto vacation", HasValue: true}}}, resp)

	resp, err = ParseResponse([]byte(`"STARTTLS"`), ReplyCapability)
	require.NoError(t, err)
	assert.Equal(t, &CapabilityData{Entries: []CapabilityEntry{{Name: "STARTTLS"}}}, resp)

	resp, err = ParseResponse([]byte(`"summer" active`), ReplyListScripts)
	require.NoError(t, err)
	assert.Equal(t, &ScriptListing{Entries: []ScriptEntry{{Name: "summer", Active: true}}}, resp)

	resp, err = ParseResponse([]byte("{7}\r\nwinter!"), ReplyListScripts)
	require.NoError(t, err)
	assert.Equal(t, &ScriptListing{Entries: []ScriptEntry{{Name: "winter!"}}}, resp)

	_, err = ParseResponse([]byte(`"summer" INACTIVE`), ReplyListScripts)
	assert.ErrorIs(t, err, ErrSyntax)

	resp, err = ParseResponse([]byte("{9}\r\nkeep;\r\n\r\n"), ReplyGetScript)
	require.NoError(t, err)
	assert.Equal(t, &ScriptBody{Content: []byte("keep;\r\n\r\n")}, resp)

	resp, err = ParseResponse([]byte(`"cmVhbG0="`), ReplyAuthenticate)
	require.NoError(t, err)
	assert.Equal(t, &Challenge{Data: []byte("cmVhbG0=")}, resp)

	_, err = ParseResponse([]byte(`"surprise"`), ReplyPlain)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = ParseResponse([]byte(`"surprise`), ReplyPlain)
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParser_IncrementalFeeds(t *testing.T) {
	stream := "{12}\r\nkeep;\r\nstop;\r\nOK \"GETSCRIPT completed\"\r\n"

	p := NewParser(0)
	var got []Response
	for i := 0; i < len(stream); i++ {
		p.Feed([]byte{stream[i]})
		for {
			resp, err := p.Next(ReplyGetScript)
			require.NoError(t, err)
			if resp == nil {
				break
			}
			got = append(got, resp)
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, &ScriptBody{Content: []byte("keep;\r\nstop;")}, got[0])
	assert.Equal(t, &Completion{Status: StatusOK, Text: "GETSCRIPT completed"}, got[1])
	assert.False(t, p.Pending())
}

func TestParser_LiteralCRLFIsContent(t *testing.T) {
	// The literal announces 4 bytes, two of which are CRLF; the frame only
	// ends at the CRLF after them.
	p := NewParser(0)
	p.Feed([]byte("{4}\r\na\r\nb"))
	resp, err := p.Next(ReplyGetScript)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.True(t, p.Pending())

	p.Feed([]byte("\r\n"))
	resp, err = p.Next(ReplyGetScript)
	require.NoError(t, err)
	assert.Equal(t, &ScriptBody{Content: []byte("a\r\nb")}, resp)
}

func TestParser_Errors(t *testing.T) {
	t.Run("bare LF", func(t *testing.T) {
		p := NewParser(0)
		p.Feed([]byte("OK\n"))
		_, err := p.Next(ReplyPlain)
		assert.ErrorIs(t, err, ErrSyntax)
		assert.False(t, p.Pending(), "buffer must be dropped after an error")
	})

	t.Run("literal over limit", func(t *testing.T) {
		p := NewParser(16)
		p.Feed([]byte("{17}\r\n"))
		_, err := p.Next(ReplyGetScript)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSyntax)
		assert.Contains(t, err.Error(), "exceeds limit")
	})

	t.Run("literal count overflow", func(t *testing.T) {
		p := NewParser(0)
		p.Feed([]byte("{" + strings.Repeat("9", 25) + "}\r\n"))
		_, err := p.Next(ReplyGetScript)
		assert.ErrorIs(t, err, ErrSyntax)
	})

	t.Run("brace ending an atom is not a literal", func(t *testing.T) {
		p := NewParser(0)
		p.Feed([]byte("OK (VENDOR x})\r\nNO x}\r\n"))
		resp, err := p.Next(ReplyPlain)
		require.NoError(t, err)
		assert.Equal(t, []string{"x}"}, resp.(*Completion).Code.Data)

		// A line ending in "}" without a count is not a literal header.
		_, err = p.Next(ReplyPlain)
		assert.ErrorIs(t, err, ErrSyntax)
	})
}

func TestReply_Merging(t *testing.T) {
	r := &Reply{}
	r.add(&ScriptListing{Entries: []ScriptEntry{{Name: "a"}}})
	r.add(&ScriptListing{Entries: []ScriptEntry{{Name: "b", Active: true}}})
	r.add(&CapabilityData{Entries: []CapabilityEntry{{Name: "SIEVE"}}})
	r.add(&CapabilityData{Entries: []CapabilityEntry{{Name: "VERSION", Value: "1.0", HasValue: true}}})

	assert.Len(t, r.Data, 2)
	assert.Equal(t, []ScriptEntry{{Name: "a"}, {Name: "b", Active: true}}, r.Listing().Entries)
	assert.Len(t, r.Capabilities().Entries, 2)
	assert.Nil(t, r.Body())

	empty := &Reply{}
	assert.NotNil(t, empty.Listing())
	assert.Empty(t, empty.Listing().Entries)
}
