package managesieve

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxQuotedLength is the longest string the encoder sends as a quoted string.
// Longer strings go out as literals.
const MaxQuotedLength = 1024

const maxLiteralDigits = 19 // fits in int64

func isAtomChar(c byte) bool {
	switch c {
	case ' ', '\t', '"', '{', '(', ')', '\r', '\n':
		return false
	}
	return c > 0x1f && c != 0x7f
}

// lexer walks one complete frame. A frame is a logical server or client line
// with its literals inlined and the terminating CRLF stripped, so the lexer
// never has to wait for input.
type lexer struct {
	buf []byte
	pos int
}

func newLexer(frame []byte) *lexer {
	return &lexer{buf: frame}
}

func (l *lexer) atEnd() bool { return l.pos >= len(l.buf) }

func (l *lexer) peek() byte {
	if l.atEnd() {
		return 0
	}
	return l.buf[l.pos]
}

func (l *lexer) errorf(format string, args ...any) *SyntaxError {
	return syntaxErrorf(l.pos, format, args...)
}

// space consumes one or more SP characters. Servers are expected to send a
// single SP, but a run of them is harmless and some implementations pad.
func (l *lexer) space() error {
	if l.peek() != ' ' {
		return l.errorf("expected SP")
	}
	for l.peek() == ' ' {
		l.pos++
	}
	return nil
}

// maybeSpace consumes SP if present and reports whether there is more
// content after it.
func (l *lexer) maybeSpace() bool {
	if l.peek() != ' ' {
		return false
	}
	for l.peek() == ' ' {
		l.pos++
	}
	return !l.atEnd()
}

func (l *lexer) expectEnd() error {
	if !l.atEnd() {
		return l.errorf("unexpected trailing data %q", truncate(l.buf[l.pos:], 32))
	}
	return nil
}

func (l *lexer) atom() (string, error) {
	start := l.pos
	for !l.atEnd() && isAtomChar(l.buf[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return "", l.errorf("expected atom")
	}
	return string(l.buf[start:l.pos]), nil
}

func (l *lexer) quoted() (string, error) {
	if l.peek() != '"' {
		return "", l.errorf("expected quoted string")
	}
	l.pos++
	var sb strings.Builder
	for {
		if l.atEnd() {
			return "", l.errorf("unterminated quoted string")
		}
		c := l.buf[l.pos]
		switch c {
		case '"':
			l.pos++
			s := sb.String()
			if !utf8.ValidString(s) {
				return "", l.errorf("quoted string is not valid UTF-8")
			}
			return s, nil
		case '\\':
			if l.pos+1 >= len(l.buf) {
				return "", l.errorf("unterminated escape in quoted string")
			}
			next := l.buf[l.pos+1]
			if next != '"' && next != '\\' {
				return "", l.errorf("invalid escape \\%c in quoted string", next)
			}
			sb.WriteByte(next)
			l.pos += 2
		case '\r', '\n':
			return "", l.errorf("line break inside quoted string")
		case 0:
			return "", l.errorf("NUL inside quoted string")
		default:
			sb.WriteByte(c)
			l.pos++
		}
	}
}

// literalHeader parses "{N}" or "{N+}" followed by CRLF and returns N.
func (l *lexer) literalHeader() (n int, nonSync bool, err error) {
	if l.peek() != '{' {
		return 0, false, l.errorf("expected literal")
	}
	l.pos++
	start := l.pos
	for !l.atEnd() && l.buf[l.pos] >= '0' && l.buf[l.pos] <= '9' {
		l.pos++
	}
	digits := l.buf[start:l.pos]
	if len(digits) == 0 {
		return 0, false, l.errorf("literal without byte count")
	}
	if len(digits) > maxLiteralDigits {
		return 0, false, l.errorf("literal byte count too large")
	}
	v, perr := strconv.ParseInt(string(digits), 10, 64)
	if perr != nil {
		return 0, false, l.errorf("bad literal byte count: %v", perr)
	}
	if l.peek() == '+' {
		nonSync = true
		l.pos++
	}
	if l.peek() != '}' {
		return 0, false, l.errorf("missing closing brace in literal")
	}
	l.pos++
	if !hasCRLFAt(l.buf, l.pos) {
		return 0, false, l.errorf("literal header not followed by CRLF")
	}
	l.pos += 2
	return int(v), nonSync, nil
}

func (l *lexer) literal() ([]byte, error) {
	n, _, err := l.literalHeader()
	if err != nil {
		return nil, err
	}
	if len(l.buf)-l.pos < n {
		return nil, l.errorf("literal announces %d bytes, only %d present", n, len(l.buf)-l.pos)
	}
	b := l.buf[l.pos : l.pos+n]
	l.pos += n
	return b, nil
}

// str reads a quoted string or a literal. Literal content is returned
// verbatim.
func (l *lexer) str() ([]byte, error) {
	switch l.peek() {
	case '"':
		s, err := l.quoted()
		return []byte(s), err
	case '{':
		return l.literal()
	default:
		return nil, l.errorf("expected string")
	}
}

func (l *lexer) utf8String() (string, error) {
	start := l.pos
	b, err := l.str()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", syntaxErrorf(start, "string is not valid UTF-8")
	}
	return string(b), nil
}

func (l *lexer) number() (uint64, error) {
	start := l.pos
	for !l.atEnd() && l.buf[l.pos] >= '0' && l.buf[l.pos] <= '9' {
		l.pos++
	}
	if l.pos == start {
		return 0, l.errorf("expected number")
	}
	v, err := strconv.ParseUint(string(l.buf[start:l.pos]), 10, 64)
	if err != nil {
		return 0, syntaxErrorf(start, "bad number: %v", err)
	}
	return v, nil
}

func hasCRLFAt(b []byte, i int) bool {
	return i+1 < len(b) && b[i] == '\r' && b[i+1] == '\n'
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// quotable reports whether s can be sent as a quoted string without escapes.
func quotable(s string) bool {
	if len(s) > MaxQuotedLength || !utf8.ValidString(s) {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0, '"', '\\':
			return false
		}
	}
	return true
}

func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			dst = append(dst, '\\')
		}
		dst = append(dst, s[i])
	}
	return append(dst, '"')
}

func appendLiteral(dst []byte, b []byte, nonSync bool) []byte {
	dst = append(dst, '{')
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	if nonSync {
		dst = append(dst, '+')
	}
	dst = append(dst, '}', '\r', '\n')
	return append(dst, b...)
}

// appendString encodes s as a quoted string when that is safe, otherwise as a
// non-synchronizing literal.
func appendString(dst []byte, s string) []byte {
	if quotable(s) {
		return appendQuoted(dst, s)
	}
	return appendLiteral(dst, []byte(s), true)
}

// ValidScriptName checks a script name against the rules of RFC 5804
// section 1.6. The empty name is accepted; callers that need a real script
// decide for themselves.
func ValidScriptName(name string) error {
	if !utf8.ValidString(name) {
		return invalidArgumentf("script name is not valid UTF-8")
	}
	for _, r := range name {
		if badNameRune(r) {
			return invalidArgumentf("script name contains forbidden character %U", r)
		}
	}
	return nil
}

func badNameRune(r rune) bool {
	return r <= 0x1f || (r >= 0x7f && r <= 0x9f) || r == 0x2028 || r == 0x2029
}
