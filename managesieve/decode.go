package managesieve

import (
	"encoding/base64"
	"strings"
)

// DecodeCommand parses one complete client frame back into a Command. It is
// the inverse of Encode up to the quoted/literal choice.
func DecodeCommand(frame []byte) (Command, error) {
	l := newLexer(frame)
	word, err := l.atom()
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch strings.ToUpper(word) {
	case "AUTHENTICATE":
		var a Authenticate
		if a.Mechanism, err = l.argAString(); err != nil {
			return nil, err
		}
		a.Mechanism = strings.ToUpper(a.Mechanism)
		if l.maybeSpace() {
			raw, err := l.str()
			if err != nil {
				return nil, err
			}
			if a.InitialResponse, err = decodeSASLData(raw); err != nil {
				return nil, err
			}
		}
		cmd = a
	case "STARTTLS":
		cmd = StartTLS{}
	case "LOGOUT":
		cmd = Logout{}
	case "CAPABILITY":
		cmd = Capability{}
	case "LISTSCRIPTS":
		cmd = ListScripts{}
	case "UNAUTHENTICATE":
		cmd = Unauthenticate{}
	case "HAVESPACE":
		var h HaveSpace
		if h.Name, err = l.argString(); err != nil {
			return nil, err
		}
		if err := l.space(); err != nil {
			return nil, err
		}
		if h.Size, err = l.number(); err != nil {
			return nil, err
		}
		cmd = h
	case "PUTSCRIPT":
		var p PutScript
		if p.Name, err = l.argString(); err != nil {
			return nil, err
		}
		if p.Content, err = l.argBytes(); err != nil {
			return nil, err
		}
		cmd = p
	case "SETACTIVE":
		var s SetActive
		if s.Name, err = l.argString(); err != nil {
			return nil, err
		}
		cmd = s
	case "GETSCRIPT":
		var g GetScript
		if g.Name, err = l.argString(); err != nil {
			return nil, err
		}
		cmd = g
	case "DELETESCRIPT":
		var d DeleteScript
		if d.Name, err = l.argString(); err != nil {
			return nil, err
		}
		cmd = d
	case "RENAMESCRIPT":
		var r RenameScript
		if r.Old, err = l.argString(); err != nil {
			return nil, err
		}
		if r.New, err = l.argString(); err != nil {
			return nil, err
		}
		cmd = r
	case "CHECKSCRIPT":
		var c CheckScript
		if c.Content, err = l.argBytes(); err != nil {
			return nil, err
		}
		cmd = c
	case "NOOP":
		var n Noop
		if l.maybeSpace() {
			if n.Tag, err = l.utf8String(); err != nil {
				return nil, err
			}
		}
		cmd = n
	default:
		return nil, syntaxErrorf(0, "unknown command %q", word)
	}
	if err := l.expectEnd(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// DecodeSASLResponse parses a client line sent in answer to a SASL
// challenge.
func DecodeSASLResponse(frame []byte) (data []byte, abort bool, err error) {
	l := newLexer(frame)
	raw, err := l.str()
	if err != nil {
		return nil, false, err
	}
	if err := l.expectEnd(); err != nil {
		return nil, false, err
	}
	if string(raw) == "*" {
		return nil, true, nil
	}
	data, err = decodeSASLData(raw)
	return data, false, err
}

func decodeSASLData(raw []byte) ([]byte, error) {
	if string(raw) == "=" {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, syntaxErrorf(-1, "bad base64 in SASL data: %v", err)
	}
	return data, nil
}

func (l *lexer) argString() (string, error) {
	if err := l.space(); err != nil {
		return "", err
	}
	return l.utf8String()
}

func (l *lexer) argAString() (string, error) {
	if err := l.space(); err != nil {
		return "", err
	}
	if c := l.peek(); c == '"' || c == '{' {
		return l.utf8String()
	}
	return l.atom()
}

func (l *lexer) argBytes() ([]byte, error) {
	if err := l.space(); err != nil {
		return nil, err
	}
	b, err := l.str()
	if err != nil {
		return nil, err
	}
	return append([]byte{}, b...), nil
}

// CommandDecoder is the server side counterpart of Parser: it buffers
// client bytes and yields commands once they are complete.
type CommandDecoder struct {
	fr framer
}

// NewCommandDecoder returns a decoder that rejects literals larger than
// maxLiteral bytes. Zero means no limit.
func NewCommandDecoder(maxLiteral int) *CommandDecoder {
	return &CommandDecoder{fr: framer{maxLiteral: maxLiteral}}
}

func (d *CommandDecoder) Feed(b []byte) { d.fr.feed(b) }

// Pending reports whether a partial command is buffered.
func (d *CommandDecoder) Pending() bool { return d.fr.pending() }

// Next returns the next command, or nil, nil when more input is needed.
// Empty lines are skipped.
func (d *CommandDecoder) Next() (Command, error) {
	for {
		frame, ok, err := d.fr.next()
		if err != nil || !ok {
			return nil, err
		}
		if len(frame) == 0 {
			continue
		}
		return DecodeCommand(frame)
	}
}

// NextSASLResponse returns the next SASL client response. ok is false when
// more input is needed.
func (d *CommandDecoder) NextSASLResponse() (data []byte, abort, ok bool, err error) {
	frame, ok, err := d.fr.next()
	if err != nil || !ok {
		return nil, false, ok, err
	}
	data, abort, err = DecodeSASLResponse(frame)
	return data, abort, true, err
}
