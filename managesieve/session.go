package managesieve

import "fmt"

// State is the lifecycle state of a session.
type State int

const (
	StateGreeting State = iota
	StateReady
	StateTLSNegotiating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateReady:
		return "ready"
	case StateTLSNegotiating:
		return "tls-negotiating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TransitionHook observes state changes.
type TransitionHook func(from, to State)

// SessionOptions tunes a Session. The zero value is usable.
type SessionOptions struct {
	// MaxLiteralSize bounds literals accepted from the server, zero means
	// unlimited.
	MaxLiteralSize int
	// OnTransition is called after every state change.
	OnTransition TransitionHook
	// TLSActive marks a connection that is encrypted from the start
	// (implicit TLS). STARTTLS is refused on it.
	TLSActive bool
}

// Session is the protocol state machine of one connection. It encodes
// commands, consumes server bytes and tracks state, but never touches the
// network: the caller moves bytes between the session and the transport.
//
// At most one command is outstanding. Encode refuses a new command until
// Feed has delivered the completion of the previous one.
type Session struct {
	state      State
	tlsActive  bool
	caps       *Capabilities
	pending    Command
	expecting  bool // a reply (or the greeting) is owed by the server
	kind       ReplyKind
	challenged bool // a SASL challenge was delivered, a response is owed
	parser     *Parser
	reply      *Reply
	hook       TransitionHook
}

// NewSession returns a session waiting for the server greeting.
func NewSession(opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	return &Session{
		state:     StateGreeting,
		expecting: true,
		kind:      ReplyCapability,
		parser:    NewParser(opts.MaxLiteralSize),
		reply:     &Reply{},
		hook:      opts.OnTransition,
		tlsActive: opts.TLSActive,
	}
}

func (s *Session) State() State { return s.state }

// TLSActive reports whether the connection is encrypted, either from the
// start or after STARTTLS.
func (s *Session) TLSActive() bool { return s.tlsActive }

// Capabilities returns the capabilities last advertised by the server. It
// is nil while a greeting is awaited, including after STARTTLS.
func (s *Session) Capabilities() *Capabilities { return s.caps }

// Outstanding returns the command whose reply is awaited, or nil.
func (s *Session) Outstanding() Command { return s.pending }

// Busy reports whether the server owes a reply.
func (s *Session) Busy() bool { return s.expecting }

// Encode validates cmd against the current state and serializes it. On
// success the command becomes outstanding.
func (s *Session) Encode(cmd Command) ([]byte, error) {
	if s.state == StateClosed {
		return nil, &ClosedError{Text: "session is closed"}
	}
	if s.expecting {
		switch s.state {
		case StateGreeting:
			return nil, protocolErrorf("server greeting not received yet")
		case StateTLSNegotiating:
			return nil, protocolErrorf("TLS negotiation in progress")
		}
		return nil, ErrCommandInFlight
	}
	if err := s.allowed(cmd); err != nil {
		return nil, err
	}
	b, err := Encode(cmd)
	if err != nil {
		return nil, err
	}
	s.pending = cmd
	s.expecting = true
	s.kind = replyKindFor(cmd)
	s.challenged = false
	s.reply = &Reply{}
	return b, nil
}

// EncodeSASLResponse answers the challenge delivered by the last Feed.
func (s *Session) EncodeSASLResponse(resp []byte, abort bool) ([]byte, error) {
	if s.state == StateClosed {
		return nil, &ClosedError{Text: "session is closed"}
	}
	if !s.challenged {
		return nil, protocolErrorf("no SASL challenge outstanding")
	}
	s.challenged = false
	return EncodeSASLResponse(resp, abort), nil
}

// TLSEstablished tells the session that the transport finished the TLS
// handshake after STARTTLS. The server's fresh capability block is read
// next.
func (s *Session) TLSEstablished() error {
	if s.state != StateTLSNegotiating {
		return protocolErrorf("TLS established in %s state", s.state)
	}
	s.tlsActive = true
	return nil
}

// Feed consumes server bytes. It returns a non-nil Reply once the reply to
// the outstanding command is complete, or when a SASL challenge arrives.
// nil, nil means more input is needed.
//
// A NO completion is returned together with a *ServerError. BYE, whether
// solicited or not, closes the session and yields a *ClosedError.
func (s *Session) Feed(p []byte) (*Reply, error) {
	if s.state == StateClosed {
		return nil, &ClosedError{Text: "session is closed"}
	}
	if len(p) > 0 {
		s.parser.Feed(p)
	}
	for {
		if s.challenged {
			return nil, nil
		}
		kind := s.kind
		if !s.expecting {
			kind = ReplyPlain
		}
		resp, err := s.parser.Next(kind)
		if err != nil {
			return nil, s.fail(err)
		}
		if resp == nil {
			return nil, nil
		}

		if !s.expecting {
			if c, ok := resp.(*Completion); ok && c.Status == StatusBYE {
				return nil, s.bye(c)
			}
			return nil, s.fail(protocolErrorf("unsolicited %s from server", describe(resp)))
		}

		switch r := resp.(type) {
		case *Completion:
			return s.complete(r)
		case *Challenge:
			s.challenged = true
			return &Reply{Challenge: r}, nil
		case *ScriptBody:
			if s.reply.Body() != nil {
				return nil, s.fail(protocolErrorf("more than one script body in GETSCRIPT reply"))
			}
			s.reply.add(r)
		default:
			s.reply.add(r)
		}
	}
}

// ConnectionLost records that the transport is gone. A reply cut short is
// reported as a syntax error, anything else as a closed connection.
func (s *Session) ConnectionLost(cause error) error {
	truncated := s.expecting && s.parser.Pending()
	s.parser.Reset()
	s.clear()
	if s.state != StateClosed {
		s.transition(StateClosed)
	}
	if truncated {
		return syntaxErrorf(-1, "reply truncated: %v", cause)
	}
	return &ClosedError{Err: cause}
}

func (s *Session) allowed(cmd Command) error {
	switch cmd.(type) {
	case StartTLS:
		if s.tlsActive {
			return protocolErrorf("TLS is already active")
		}
		if s.state != StateReady {
			return protocolErrorf("STARTTLS not allowed in %s state", s.state)
		}
	case Authenticate:
		if s.state == StateAuthenticated {
			return protocolErrorf("already authenticated")
		}
	case Unauthenticate:
		if s.state != StateAuthenticated {
			return protocolErrorf("UNAUTHENTICATE requires an authenticated session")
		}
	}
	return nil
}

func (s *Session) complete(c *Completion) (*Reply, error) {
	cmd := s.pending
	reply := s.reply
	reply.Completion = c
	s.clear()

	if c.Status == StatusBYE {
		if _, ok := cmd.(Logout); ok {
			s.transition(StateClosed)
			return reply, nil
		}
		return reply, s.bye(c)
	}

	switch s.state {
	case StateGreeting, StateTLSNegotiating:
		return s.greeting(reply)
	}

	if c.Status == StatusNO {
		return reply, &ServerError{Command: cmd.Keyword(), Code: c.Code, Text: c.Text}
	}

	switch cmd.(type) {
	case StartTLS:
		if s.parser.Pending() {
			// Anything sent before the handshake could be injected.
			s.parser.Reset()
			s.transition(StateClosed)
			return reply, protocolErrorf("server sent data after STARTTLS completion")
		}
		s.caps = nil
		s.expecting = true
		s.kind = ReplyCapability
		s.transition(StateTLSNegotiating)
	case Authenticate:
		s.transition(StateAuthenticated)
	case Unauthenticate:
		s.transition(StateReady)
	case Logout:
		s.transition(StateClosed)
	case Capability:
		caps, err := capabilitiesOf(reply)
		if err != nil {
			return reply, err
		}
		s.caps = caps
	}
	return reply, nil
}

func (s *Session) greeting(reply *Reply) (*Reply, error) {
	c := reply.Completion
	if c.Status != StatusOK {
		s.transition(StateClosed)
		return reply, &ClosedError{Code: c.Code, Text: c.Text}
	}
	if s.state == StateTLSNegotiating && !s.tlsActive {
		s.transition(StateClosed)
		return reply, protocolErrorf("capabilities received before TLS was established")
	}
	caps, err := capabilitiesOf(reply)
	if err != nil {
		s.transition(StateClosed)
		return reply, err
	}
	s.caps = caps
	s.transition(StateReady)
	return reply, nil
}

func (s *Session) bye(c *Completion) error {
	s.parser.Reset()
	s.clear()
	s.transition(StateClosed)
	return &ClosedError{Code: c.Code, Text: c.Text}
}

// fail abandons the current reply. The session stays in its state unless
// it never got past a greeting, in which case it cannot be used at all.
func (s *Session) fail(err error) error {
	s.parser.Reset()
	s.clear()
	if s.state == StateGreeting || s.state == StateTLSNegotiating {
		s.transition(StateClosed)
	}
	return err
}

func (s *Session) clear() {
	s.pending = nil
	s.expecting = false
	s.challenged = false
	s.kind = ReplyPlain
	s.reply = &Reply{}
}

func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	if s.hook != nil && from != to {
		s.hook(from, to)
	}
}

func capabilitiesOf(reply *Reply) (*Capabilities, error) {
	var entries []CapabilityEntry
	if data := reply.Capabilities(); data != nil {
		entries = data.Entries
	}
	return NewCapabilities(entries)
}

func replyKindFor(cmd Command) ReplyKind {
	switch cmd.(type) {
	case Capability:
		return ReplyCapability
	case ListScripts:
		return ReplyListScripts
	case GetScript:
		return ReplyGetScript
	case Authenticate:
		return ReplyAuthenticate
	}
	return ReplyPlain
}

func describe(resp Response) string {
	switch r := resp.(type) {
	case *Completion:
		return r.Status.String() + " response"
	case *CapabilityData:
		return "capability data"
	case *ScriptListing:
		return "script listing"
	case *ScriptBody:
		return "script body"
	case *Challenge:
		return "SASL challenge"
	}
	return "data"
}
