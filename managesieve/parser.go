package managesieve

import (
	"strings"
)

// ReplyKind tells the parser how to read data responses, which are only
// distinguishable by the command they answer.
type ReplyKind int

const (
	// ReplyPlain admits no data responses; only a completion.
	ReplyPlain ReplyKind = iota
	// ReplyCapability reads capability lines (greeting, CAPABILITY, the
	// re-greeting after STARTTLS).
	ReplyCapability
	// ReplyListScripts reads script name lines with an optional ACTIVE.
	ReplyListScripts
	// ReplyGetScript reads a single string holding the script body.
	ReplyGetScript
	// ReplyAuthenticate reads SASL challenges.
	ReplyAuthenticate
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPlain:
		return "plain"
	case ReplyCapability:
		return "capability"
	case ReplyListScripts:
		return "listscripts"
	case ReplyGetScript:
		return "getscript"
	case ReplyAuthenticate:
		return "authenticate"
	}
	return "unknown"
}

// Parser turns server bytes into responses. It performs no I/O: Feed hands
// it whatever the transport delivered and Next returns nil, nil until a
// complete response is buffered.
type Parser struct {
	fr framer
}

// NewParser returns a parser that rejects literals larger than
// maxLiteral bytes. Zero means no limit.
func NewParser(maxLiteral int) *Parser {
	return &Parser{fr: framer{maxLiteral: maxLiteral}}
}

// Feed buffers p. The parser copies what it keeps.
func (p *Parser) Feed(b []byte) {
	p.fr.feed(b)
}

// Pending reports whether a partial response is buffered.
func (p *Parser) Pending() bool {
	return p.fr.pending()
}

// Reset drops all buffered input.
func (p *Parser) Reset() {
	p.fr.reset()
}

// Next parses the next response, interpreting data lines according to
// kind. It returns nil, nil when more input is needed. After an error the
// buffered input is discarded.
func (p *Parser) Next(kind ReplyKind) (Response, error) {
	frame, ok, err := p.fr.next()
	if err != nil || !ok {
		return nil, err
	}
	resp, err := ParseResponse(frame, kind)
	if err != nil {
		p.fr.reset()
		return nil, err
	}
	return resp, nil
}

// ParseResponse parses one complete frame: a response line with its
// literals inlined and without the terminating CRLF.
func ParseResponse(frame []byte, kind ReplyKind) (Response, error) {
	if len(frame) == 0 {
		return nil, syntaxErrorf(0, "empty response line")
	}
	l := newLexer(frame)
	if isAtomChar(frame[0]) {
		start := l.pos
		word, err := l.atom()
		if err != nil {
			return nil, err
		}
		status, ok := completionStatus(word)
		if !ok {
			return nil, syntaxErrorf(start, "unexpected atom %q", word)
		}
		return l.completion(status)
	}

	switch kind {
	case ReplyCapability:
		return l.capabilityLine()
	case ReplyListScripts:
		return l.listingLine()
	case ReplyGetScript:
		body, err := l.str()
		if err != nil {
			return nil, err
		}
		if err := l.expectEnd(); err != nil {
			return nil, err
		}
		return &ScriptBody{Content: append([]byte(nil), body...)}, nil
	case ReplyAuthenticate:
		data, err := l.str()
		if err != nil {
			return nil, err
		}
		if err := l.expectEnd(); err != nil {
			return nil, err
		}
		return &Challenge{Data: append([]byte(nil), data...)}, nil
	default:
		// The frame must still be well formed before it can be called a
		// protocol violation.
		if _, err := l.str(); err != nil {
			return nil, err
		}
		return nil, protocolErrorf("unexpected data response in %s reply", kind)
	}
}

func completionStatus(word string) (Status, bool) {
	switch strings.ToUpper(word) {
	case "OK":
		return StatusOK, true
	case "NO":
		return StatusNO, true
	case "BYE":
		return StatusBYE, true
	}
	return 0, false
}

// completion reads [SP "(" code ")"] [SP string] after the status keyword.
func (l *lexer) completion(status Status) (*Completion, error) {
	c := &Completion{Status: status}
	if !l.maybeSpace() {
		return c, l.expectEnd()
	}
	if l.peek() == '(' {
		code, err := l.responseCode()
		if err != nil {
			return nil, err
		}
		c.Code = code
		if !l.maybeSpace() {
			return c, l.expectEnd()
		}
	}
	text, err := l.utf8String()
	if err != nil {
		return nil, err
	}
	c.Text = text
	return c, l.expectEnd()
}

func (l *lexer) capabilityLine() (*CapabilityData, error) {
	name, err := l.utf8String()
	if err != nil {
		return nil, err
	}
	entry := CapabilityEntry{Name: name}
	if l.maybeSpace() {
		value, err := l.utf8String()
		if err != nil {
			return nil, err
		}
		entry.Value = value
		entry.HasValue = true
	}
	if err := l.expectEnd(); err != nil {
		return nil, err
	}
	return &CapabilityData{Entries: []CapabilityEntry{entry}}, nil
}

func (l *lexer) listingLine() (*ScriptListing, error) {
	name, err := l.utf8String()
	if err != nil {
		return nil, err
	}
	entry := ScriptEntry{Name: name}
	if l.maybeSpace() {
		start := l.pos
		word, err := l.atom()
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(word, "ACTIVE") {
			return nil, syntaxErrorf(start, "expected ACTIVE, got %q", word)
		}
		entry.Active = true
	}
	if err := l.expectEnd(); err != nil {
		return nil, err
	}
	return &ScriptListing{Entries: []ScriptEntry{entry}}, nil
}
