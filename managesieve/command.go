package managesieve

import (
	"encoding/base64"
	"strconv"
)

// Command is a ManageSieve client command. The set of implementations is
// closed: Authenticate, StartTLS, Logout, Capability, HaveSpace, PutScript,
// ListScripts, SetActive, GetScript, DeleteScript, RenameScript,
// CheckScript, Noop and Unauthenticate.
type Command interface {
	// Keyword is the protocol keyword, e.g. "PUTSCRIPT".
	Keyword() string
	isCommand()
}

// Authenticate starts a SASL exchange. A nil InitialResponse omits the
// argument; a non-nil empty one is sent as "=".
type Authenticate struct {
	Mechanism       string
	InitialResponse []byte
}

type StartTLS struct{}

type Logout struct{}

type Capability struct{}

type HaveSpace struct {
	Name string
	Size uint64
}

type PutScript struct {
	Name    string
	Content []byte
}

type ListScripts struct{}

// SetActive activates Name. The empty name deactivates all scripts.
type SetActive struct {
	Name string
}

type GetScript struct {
	Name string
}

type DeleteScript struct {
	Name string
}

type RenameScript struct {
	Old string
	New string
}

type CheckScript struct {
	Content []byte
}

// Noop optionally carries a tag the server echoes in a TAG response code.
type Noop struct {
	Tag string
}

type Unauthenticate struct{}

func (Authenticate) Keyword() string   { return "AUTHENTICATE" }
func (StartTLS) Keyword() string       { return "STARTTLS" }
func (Logout) Keyword() string         { return "LOGOUT" }
func (Capability) Keyword() string     { return "CAPABILITY" }
func (HaveSpace) Keyword() string      { return "HAVESPACE" }
func (PutScript) Keyword() string      { return "PUTSCRIPT" }
func (ListScripts) Keyword() string    { return "LISTSCRIPTS" }
func (SetActive) Keyword() string      { return "SETACTIVE" }
func (GetScript) Keyword() string      { return "GETSCRIPT" }
func (DeleteScript) Keyword() string   { return "DELETESCRIPT" }
func (RenameScript) Keyword() string   { return "RENAMESCRIPT" }
func (CheckScript) Keyword() string    { return "CHECKSCRIPT" }
func (Noop) Keyword() string           { return "NOOP" }
func (Unauthenticate) Keyword() string { return "UNAUTHENTICATE" }

func (Authenticate) isCommand()   {}
func (StartTLS) isCommand()       {}
func (Logout) isCommand()         {}
func (Capability) isCommand()     {}
func (HaveSpace) isCommand()      {}
func (PutScript) isCommand()      {}
func (ListScripts) isCommand()    {}
func (SetActive) isCommand()      {}
func (GetScript) isCommand()      {}
func (DeleteScript) isCommand()   {}
func (RenameScript) isCommand()   {}
func (CheckScript) isCommand()    {}
func (Noop) isCommand()           {}
func (Unauthenticate) isCommand() {}

// Encode serializes cmd, CRLF included. Names and other short strings go
// out quoted when safe and as literals otherwise; script content is always
// a literal. Literals are always the non-synchronizing {N+} form, which
// RFC 5804 servers must accept, so no continuation round trip is needed.
func Encode(cmd Command) ([]byte, error) {
	return AppendCommand(nil, cmd)
}

// AppendCommand is like Encode but appends to dst.
func AppendCommand(dst []byte, cmd Command) ([]byte, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	dst = append(dst, cmd.Keyword()...)
	switch c := cmd.(type) {
	case Authenticate:
		dst = append(dst, ' ')
		dst = appendQuoted(dst, c.Mechanism)
		if c.InitialResponse != nil {
			dst = append(dst, ' ')
			dst = appendSASLData(dst, c.InitialResponse)
		}
	case StartTLS, Logout, Capability, ListScripts, Unauthenticate:
	case HaveSpace:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Name)
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, c.Size, 10)
	case PutScript:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Name)
		dst = append(dst, ' ')
		dst = appendLiteral(dst, c.Content, true)
	case SetActive:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Name)
	case GetScript:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Name)
	case DeleteScript:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Name)
	case RenameScript:
		dst = append(dst, ' ')
		dst = appendString(dst, c.Old)
		dst = append(dst, ' ')
		dst = appendString(dst, c.New)
	case CheckScript:
		dst = append(dst, ' ')
		dst = appendLiteral(dst, c.Content, true)
	case Noop:
		if c.Tag != "" {
			dst = append(dst, ' ')
			dst = appendString(dst, c.Tag)
		}
	default:
		return nil, invalidArgumentf("unknown command %T", cmd)
	}
	return append(dst, '\r', '\n'), nil
}

// EncodeSASLResponse serializes a client response to a SASL challenge, or
// the "*" cancellation when abort is set.
func EncodeSASLResponse(resp []byte, abort bool) []byte {
	if abort {
		return []byte("\"*\"\r\n")
	}
	dst := appendSASLData(nil, resp)
	return append(dst, '\r', '\n')
}

// appendSASLData writes SASL bytes as a base64 string. Zero-length data is
// the single character "=".
func appendSASLData(dst []byte, data []byte) []byte {
	if len(data) == 0 {
		return appendQuoted(dst, "=")
	}
	return appendString(dst, base64.StdEncoding.EncodeToString(data))
}

func validateCommand(cmd Command) error {
	switch c := cmd.(type) {
	case Authenticate:
		return validMechanism(c.Mechanism)
	case HaveSpace:
		return validRequiredName(c.Name)
	case PutScript:
		return validRequiredName(c.Name)
	case SetActive:
		return ValidScriptName(c.Name)
	case GetScript:
		return validRequiredName(c.Name)
	case DeleteScript:
		return validRequiredName(c.Name)
	case RenameScript:
		if err := validRequiredName(c.Old); err != nil {
			return err
		}
		return validRequiredName(c.New)
	}
	return nil
}

func validRequiredName(name string) error {
	if name == "" {
		return invalidArgumentf("script name must not be empty")
	}
	return ValidScriptName(name)
}

// validMechanism accepts SASL mechanism names as defined by RFC 4422:
// 1 to 20 characters from A-Z, 0-9, "-" and "_".
func validMechanism(mech string) error {
	if len(mech) == 0 || len(mech) > 20 {
		return invalidArgumentf("bad SASL mechanism name %q", mech)
	}
	for i := 0; i < len(mech); i++ {
		c := mech[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return invalidArgumentf("bad SASL mechanism name %q", mech)
		}
	}
	return nil
}
