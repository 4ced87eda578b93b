package managesieve

import (
	"encoding/base64"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGreeting = "\"IMPLEMENTATION\" \"Example1 ManageSieved v001\"\r\n" +
	"\"SASL\" \"PLAIN SCRAM-SHA-1\"\r\n" +
	"\"SIEVE\" \"fileinto vacation\"\r\n" +
	"\"STARTTLS\"\r\n" +
	"\"VERSION\" \"1.0\"\r\n" +
	"OK\r\n"

func readySession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(nil)
	reply, err := s.Feed([]byte(testGreeting))
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.Equal(t, StateReady, s.State())
	return s
}

func authenticatedSession(t *testing.T) *Session {
	t.Helper()
	s := readySession(t)
	_, err := s.Encode(Authenticate{Mechanism: "PLAIN", InitialResponse: []byte("\x00u\x00p")})
	require.NoError(t, err)
	_, err = s.Feed([]byte("OK\r\n"))
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, s.State())
	return s
}

func TestSession_Greeting(t *testing.T) {
	s := NewSession(nil)
	assert.Equal(t, StateGreeting, s.State())
	assert.True(t, s.Busy())
	assert.Nil(t, s.Capabilities())

	_, err := s.Encode(Capability{})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	reply, err := s.Feed([]byte(testGreeting[:40]))
	require.NoError(t, err)
	assert.Nil(t, reply)

	reply, err = s.Feed([]byte(testGreeting[40:]))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, StatusOK, reply.Completion.Status)

	caps := s.Capabilities()
	require.NotNil(t, caps)
	assert.Equal(t, "Example1 ManageSieved v001", caps.Implementation)
	assert.Equal(t, []string{"PLAIN", "SCRAM-SHA-1"}, caps.SASL)
	assert.True(t, caps.StartTLS)
	assert.True(t, caps.HasExtension("VACATION"))
	assert.Equal(t, &Version{Major: 1, Minor: 0}, caps.Version)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Busy())
}

func TestSession_GreetingRejected(t *testing.T) {
	s := NewSession(nil)
	_, err := s.Feed([]byte("NO \"Service unavailable\"\r\n"))
	var closed *ClosedError
	require.True(t, errors.As(err, &closed))
	assert.Equal(t, "Service unavailable", closed.Text)
	assert.Equal(t, StateClosed, s.State())

	_, err = s.Encode(Capability{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSession_GreetingGarbageClosesSession(t *testing.T) {
	s := NewSession(nil)
	_, err := s.Feed([]byte("\"SIEVE\" \"x\" junk\r\n"))
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_OneCommandAtATime(t *testing.T) {
	s := readySession(t)

	b, err := s.Encode(ListScripts{})
	require.NoError(t, err)
	assert.Equal(t, "LISTSCRIPTS\r\n", string(b))
	assert.Equal(t, ListScripts{}, s.Outstanding())

	_, err = s.Encode(Noop{})
	assert.Same(t, ErrCommandInFlight, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	reply, err := s.Feed([]byte("\"summer\"\r\n\"winter\" ACTIVE\r\nOK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []ScriptEntry{{Name: "summer"}, {Name: "winter", Active: true}}, reply.Listing().Entries)
	assert.Nil(t, s.Outstanding())

	_, err = s.Encode(Noop{})
	assert.NoError(t, err)
}

func TestSession_ServerRejection(t *testing.T) {
	s := readySession(t)

	_, err := s.Encode(DeleteScript{Name: "main"})
	require.NoError(t, err)

	reply, err := s.Feed([]byte("NO (ACTIVE) \"You may not delete an active script\"\r\n"))
	require.NotNil(t, reply)
	assert.Equal(t, StatusNO, reply.Completion.Status)

	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "DELETESCRIPT", se.Command)
	assert.True(t, se.HasCode(CodeActive))
	assert.ErrorIs(t, err, ErrServerRejected)

	// A NO leaves the session usable.
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.Busy())
}

func TestSession_GetScriptByteByByte(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(GetScript{Name: "main"})
	require.NoError(t, err)

	stream := "{26}\r\nrequire \"fileinto\";\r\nkeep;\r\nOK\r\n"
	var reply *Reply
	for i := 0; i < len(stream); i++ {
		r, err := s.Feed([]byte{stream[i]})
		require.NoError(t, err)
		if r != nil {
			require.Nil(t, reply, "reply delivered twice")
			reply = r
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, []byte("require \"fileinto\";\r\nkeep;"), reply.Body().Content)
}

func TestSession_SecondScriptBody(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(GetScript{Name: "main"})
	require.NoError(t, err)

	_, err = s.Feed([]byte("\"keep;\"\r\n\"stop;\"\r\nOK\r\n"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, s.Busy())
}

func TestSession_DataInPlainReply(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(SetActive{Name: "main"})
	require.NoError(t, err)

	_, err = s.Feed([]byte("\"unexpected\"\r\nOK\r\n"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_Unsolicited(t *testing.T) {
	t.Run("data while idle", func(t *testing.T) {
		s := readySession(t)
		_, err := s.Feed([]byte("\"hello\"\r\n"))
		assert.ErrorIs(t, err, ErrProtocolViolation)
		assert.Equal(t, StateReady, s.State())
	})

	t.Run("OK while idle", func(t *testing.T) {
		s := readySession(t)
		_, err := s.Feed([]byte("OK\r\n"))
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("BYE while idle", func(t *testing.T) {
		s := readySession(t)
		_, err := s.Feed([]byte("BYE \"Server shutting down\"\r\n"))
		var closed *ClosedError
		require.True(t, errors.As(err, &closed))
		assert.Equal(t, "Server shutting down", closed.Text)
		assert.Equal(t, StateClosed, s.State())
	})

	t.Run("BYE instead of completion", func(t *testing.T) {
		s := readySession(t)
		_, err := s.Encode(ListScripts{})
		require.NoError(t, err)
		reply, err := s.Feed([]byte("\"a\"\r\nBYE (TRYLATER) \"Too busy\"\r\n"))
		require.NotNil(t, reply)
		assert.Equal(t, StatusBYE, reply.Completion.Status)
		var closed *ClosedError
		require.True(t, errors.As(err, &closed))
		assert.Equal(t, CodeTryLater, closed.Code.Kind)
		assert.Equal(t, StateClosed, s.State())
	})
}

func TestSession_StartTLS(t *testing.T) {
	var transitions []string
	s := NewSession(&SessionOptions{OnTransition: func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}})
	_, err := s.Feed([]byte(testGreeting))
	require.NoError(t, err)

	_, err = s.Encode(StartTLS{})
	require.NoError(t, err)
	_, err = s.Feed([]byte("OK \"Begin TLS negotiation now\"\r\n"))
	require.NoError(t, err)

	assert.Equal(t, StateTLSNegotiating, s.State())
	assert.Nil(t, s.Capabilities(), "pre-TLS capabilities must be discarded")

	_, err = s.Encode(Capability{})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	require.NoError(t, s.TLSEstablished())
	reply, err := s.Feed([]byte("\"IMPLEMENTATION\" \"Example1 ManageSieved v001\"\r\n" +
		"\"SASL\" \"PLAIN EXTERNAL\"\r\n\"SIEVE\" \"fileinto\"\r\n\"VERSION\" \"1.0\"\r\nOK\r\n"))
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.TLSActive())
	assert.True(t, s.Capabilities().HasSASL("external"))
	assert.False(t, s.Capabilities().StartTLS)

	_, err = s.Encode(StartTLS{})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	assert.Equal(t, []string{"greeting>ready", "ready>tls-negotiating", "tls-negotiating>ready"}, transitions)
}

func TestSession_StartTLSInjectedData(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(StartTLS{})
	require.NoError(t, err)

	_, err = s.Feed([]byte("OK\r\n\"SASL\" \"PLAIN\"\r\n"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_StartTLSCapabilitiesBeforeHandshake(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(StartTLS{})
	require.NoError(t, err)
	_, err = s.Feed([]byte("OK\r\n"))
	require.NoError(t, err)

	_, err = s.Feed([]byte("\"SIEVE\" \"fileinto\"\r\nOK\r\n"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_StartTLSOverImplicitTLS(t *testing.T) {
	s := NewSession(&SessionOptions{TLSActive: true})
	assert.True(t, s.TLSActive())
	_, err := s.Feed([]byte(testGreeting))
	require.NoError(t, err)

	b, err := s.Encode(StartTLS{})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Nil(t, b, "nothing may be written")
	assert.False(t, s.Busy())
	assert.Equal(t, StateReady, s.State())

	_, err = s.Encode(Noop{})
	assert.NoError(t, err, "the session stays usable")
}

func TestSession_TLSEstablishedOutOfOrder(t *testing.T) {
	s := readySession(t)
	assert.ErrorIs(t, s.TLSEstablished(), ErrProtocolViolation)
}

func TestSession_Authenticate(t *testing.T) {
	s := readySession(t)

	_, err := s.EncodeSASLResponse(nil, false)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	b, err := s.Encode(Authenticate{Mechanism: "PLAIN"})
	require.NoError(t, err)
	assert.Equal(t, "AUTHENTICATE \"PLAIN\"\r\n", string(b))

	reply, err := s.Feed([]byte("\"\"\r\n"))
	require.NoError(t, err)
	require.NotNil(t, reply.Challenge)
	assert.Nil(t, reply.Completion)
	assert.Empty(t, reply.Challenge.Data)

	resp := []byte("\x00alice\x00secret")
	b, err = s.EncodeSASLResponse(resp, false)
	require.NoError(t, err)
	assert.Equal(t, "\""+base64.StdEncoding.EncodeToString(resp)+"\"\r\n", string(b))

	reply, err = s.Feed([]byte("OK (SASL \"cnNwYXV0aD1lYTQwZjYwMzM1YzQyN2I1NTI3Yjg0ZGJhYmNkZmZmZA==\")\r\n"))
	require.NoError(t, err)
	assert.Equal(t, CodeSASL, reply.Completion.Code.Kind)
	assert.Equal(t, StateAuthenticated, s.State())

	_, err = s.Encode(Authenticate{Mechanism: "PLAIN"})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, err = s.Encode(StartTLS{})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestSession_AuthenticateAbort(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(Authenticate{Mechanism: "SCRAM-SHA-1"})
	require.NoError(t, err)

	reply, err := s.Feed([]byte("\"c2VydmVyLWZpcnN0\"\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c2VydmVyLWZpcnN0"), reply.Challenge.Data)

	b, err := s.EncodeSASLResponse(nil, true)
	require.NoError(t, err)
	assert.Equal(t, "\"*\"\r\n", string(b))

	_, err = s.Feed([]byte("NO \"Authentication aborted\"\r\n"))
	assert.ErrorIs(t, err, ErrServerRejected)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_Unauthenticate(t *testing.T) {
	s := readySession(t)
	_, err := s.Encode(Unauthenticate{})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	s = authenticatedSession(t)
	_, err = s.Encode(Unauthenticate{})
	require.NoError(t, err)
	_, err = s.Feed([]byte("OK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
}

func TestSession_CapabilityRefresh(t *testing.T) {
	s := authenticatedSession(t)
	_, err := s.Encode(Capability{})
	require.NoError(t, err)
	_, err = s.Feed([]byte("\"IMPLEMENTATION\" \"x\"\r\n\"SIEVE\" \"fileinto\"\r\n\"OWNER\" \"alice\"\r\nOK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Capabilities().Owner)
	assert.Equal(t, StateAuthenticated, s.State())
}

func TestSession_Logout(t *testing.T) {
	for _, completion := range []string{"OK \"Logout completed\"\r\n", "BYE\r\n"} {
		s := authenticatedSession(t)
		_, err := s.Encode(Logout{})
		require.NoError(t, err)
		reply, err := s.Feed([]byte(completion))
		require.NoError(t, err, completion)
		require.NotNil(t, reply)
		assert.Equal(t, StateClosed, s.State())
	}
}

func TestSession_ConnectionLost(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		s := readySession(t)
		err := s.ConnectionLost(io.EOF)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, io.EOF)
		assert.Equal(t, StateClosed, s.State())
	})

	t.Run("mid literal", func(t *testing.T) {
		s := readySession(t)
		_, err := s.Encode(GetScript{Name: "main"})
		require.NoError(t, err)
		reply, err := s.Feed([]byte("{10}\r\nkeep"))
		require.NoError(t, err)
		require.Nil(t, reply)

		err = s.ConnectionLost(io.EOF)
		assert.ErrorIs(t, err, ErrSyntax)
		assert.Equal(t, StateClosed, s.State())

		_, err = s.Feed([]byte(";\r\n"))
		assert.ErrorIs(t, err, ErrConnectionClosed)
	})
}

func TestSession_LiteralLimit(t *testing.T) {
	s := NewSession(&SessionOptions{MaxLiteralSize: 8})
	_, err := s.Feed([]byte(testGreeting))
	require.NoError(t, err)
	_, err = s.Encode(GetScript{Name: "big"})
	require.NoError(t, err)

	_, err = s.Feed([]byte("{9}\r\n"))
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestCapabilities(t *testing.T) {
	caps, err := NewCapabilities([]CapabilityEntry{
		{Name: "implementation", Value: "Cyrus timsieved", HasValue: true},
		{Name: "SIEVE", Value: "fileinto  vacation regex", HasValue: true},
		{Name: "MAXREDIRECTS", Value: "5", HasValue: true},
		{Name: "NOTIFY", Value: "mailto xmpp", HasValue: true},
		{Name: "VERSION", Value: "1.0", HasValue: true},
		{Name: "X-VENDOR", Value: "on", HasValue: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Cyrus timsieved", caps.Implementation)
	assert.Equal(t, []string{"fileinto", "vacation", "regex"}, caps.Sieve)
	require.NotNil(t, caps.MaxRedirects)
	assert.Equal(t, uint64(5), *caps.MaxRedirects)
	assert.Equal(t, []string{"mailto", "xmpp"}, caps.Notify)
	assert.Equal(t, "1.0", caps.Version.String())
	assert.Equal(t, "on", caps.Others["X-VENDOR"])
	assert.NoError(t, caps.Validate())
	assert.Len(t, caps.Entries(), 6)

	_, err = NewCapabilities([]CapabilityEntry{{Name: "VERSION", Value: "one", HasValue: true}})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	_, err = NewCapabilities([]CapabilityEntry{{Name: "MAXREDIRECTS", Value: "-1", HasValue: true}})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	missing, err := NewCapabilities([]CapabilityEntry{{Name: "SIEVE", Value: "fileinto", HasValue: true}})
	require.NoError(t, err)
	assert.ErrorIs(t, missing.Validate(), ErrProtocolViolation)

	dup, err := NewCapabilities([]CapabilityEntry{
		{Name: "IMPLEMENTATION", Value: "a", HasValue: true},
		{Name: "SIEVE", Value: "", HasValue: true},
		{Name: "VERSION", Value: "1.0", HasValue: true},
		{Name: "sieve", Value: "fileinto", HasValue: true},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, dup.Validate(), ErrProtocolViolation)
}
