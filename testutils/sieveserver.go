package testutils

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"

	"github.com/migadu/managesieve/managesieve"
	"github.com/migadu/managesieve/scripts"
)

// SieveServerOptions configures a SieveServer.
type SieveServerOptions struct {
	// Users maps user names to passwords for SASL PLAIN.
	Users map[string]string
	// TLS enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLS         *tls.Config
	ImplicitTLS bool
	// Extensions advertised in SIEVE and enforced on upload. Defaults to
	// every extension the local checker supports.
	Extensions []string
	// MaxScripts and MaxScriptSize trigger QUOTA responses when non-zero.
	MaxScripts    int
	MaxScriptSize uint64
	// WarnOn makes PUTSCRIPT and CHECKSCRIPT answer OK (WARNINGS) for
	// scripts containing this text.
	WarnOn string
	// Override, when it returns a non-empty string, replaces the normal
	// reply to cmd with these raw bytes. Returning a string that starts
	// with "BYE" also ends the connection.
	Override func(cmd managesieve.Command) string
}

type account struct {
	password string
	scripts  map[string][]byte
	active   string
}

// SieveServer is an in-process ManageSieve server backed by memory.
type SieveServer struct {
	opts     SieveServerOptions
	ln       net.Listener
	mu       sync.Mutex
	accounts map[string]*account
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewSieveServer starts a server on a random loopback port. It is stopped
// when the test ends.
func NewSieveServer(t testing.TB, opts *SieveServerOptions) *SieveServer {
	t.Helper()
	if opts == nil {
		opts = &SieveServerOptions{}
	}

	var (
		ln  net.Listener
		err error
	)
	if opts.ImplicitTLS {
		if opts.TLS == nil {
			t.Fatalf("implicit TLS requires a TLS config")
		}
		ln, err = tls.Listen("tcp", "127.0.0.1:0", opts.TLS)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &SieveServer{
		opts:     *opts,
		ln:       ln,
		accounts: make(map[string]*account),
		conns:    make(map[net.Conn]struct{}),
	}
	if len(s.opts.Extensions) == 0 {
		s.opts.Extensions = scripts.SupportedExtensions
	}
	for user, pass := range opts.Users {
		s.accounts[user] = &account{password: pass, scripts: make(map[string][]byte)}
	}

	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *SieveServer) Addr() string { return s.ln.Addr().String() }

// Close stops the listener and drops every connection.
func (s *SieveServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// PutScript stores a script directly, bypassing the protocol.
func (s *SieveServer) PutScript(user, name string, content []byte, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[user]
	acct.scripts[name] = append([]byte(nil), content...)
	if active {
		acct.active = name
	}
}

// Script returns a stored script and whether it is active.
func (s *SieveServer) Script(user, name string) ([]byte, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.accounts[user]
	content, ok := acct.scripts[name]
	return content, acct.active == name, ok
}

// Active returns the name of the active script, or "".
func (s *SieveServer) Active(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[user].active
}

func (s *SieveServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c := &serverConn{srv: s, conn: conn, dec: managesieve.NewCommandDecoder(0)}
			_, c.isTLS = conn.(*tls.Conn)
			c.serve()
			s.mu.Lock()
			delete(s.conns, c.conn)
			delete(s.conns, conn)
			s.mu.Unlock()
			c.conn.Close()
		}()
	}
}

type serverConn struct {
	srv   *SieveServer
	conn  net.Conn
	dec   *managesieve.CommandDecoder
	isTLS bool
	user  string
	buf   [4096]byte
}

var errHangup = errors.New("hangup")

func (c *serverConn) serve() {
	if err := c.writeCapabilities("OK \"ManageSieve test server ready\"\r\n"); err != nil {
		return
	}
	for {
		cmd, err := c.nextCommand()
		if errors.Is(err, errHangup) {
			return
		}
		if err != nil {
			if c.write(fmt.Sprintf("NO %s\r\n", quote(err.Error()))) != nil {
				return
			}
			continue
		}
		if c.srv.opts.Override != nil {
			if raw := c.srv.opts.Override(cmd); raw != "" {
				if c.write(raw) != nil || strings.HasPrefix(raw, "BYE") {
					return
				}
				continue
			}
		}
		if !c.handle(cmd) {
			return
		}
	}
}

func (c *serverConn) fill() error {
	n, err := c.conn.Read(c.buf[:])
	if n > 0 {
		c.dec.Feed(c.buf[:n])
	}
	if err != nil && n == 0 {
		return errHangup
	}
	return nil
}

func (c *serverConn) nextCommand() (managesieve.Command, error) {
	for {
		cmd, err := c.dec.Next()
		if err != nil || cmd != nil {
			return cmd, err
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

func (c *serverConn) nextSASLResponse() ([]byte, bool, error) {
	for {
		data, abort, ok, err := c.dec.NextSASLResponse()
		if err != nil || ok {
			return data, abort, err
		}
		if err := c.fill(); err != nil {
			return nil, false, err
		}
	}
}

func (c *serverConn) write(s string) error {
	_, err := c.conn.Write([]byte(s))
	return err
}

func (c *serverConn) writeCapabilities(completion string) error {
	var b strings.Builder
	b.WriteString("\"IMPLEMENTATION\" \"managesieve-testutils\"\r\n")
	b.WriteString("\"SASL\" \"PLAIN\"\r\n")
	fmt.Fprintf(&b, "\"SIEVE\" %s\r\n", quote(strings.Join(c.srv.opts.Extensions, " ")))
	if c.srv.opts.TLS != nil && !c.isTLS {
		b.WriteString("\"STARTTLS\"\r\n")
	}
	b.WriteString("\"MAXREDIRECTS\" \"4\"\r\n")
	if c.user != "" {
		fmt.Fprintf(&b, "\"OWNER\" %s\r\n", quote(c.user))
	}
	b.WriteString("\"UNAUTHENTICATE\"\r\n")
	b.WriteString("\"VERSION\" \"1.0\"\r\n")
	b.WriteString(completion)
	return c.write(b.String())
}

// handle answers one command. It returns false when the connection should
// be closed.
func (c *serverConn) handle(cmd managesieve.Command) bool {
	var reply string
	switch cmd := cmd.(type) {
	case managesieve.Capability:
		return c.writeCapabilities("OK \"Capability completed\"\r\n") == nil
	case managesieve.Logout:
		c.write("OK \"Logout completed\"\r\n")
		return false
	case managesieve.Noop:
		if cmd.Tag != "" {
			reply = fmt.Sprintf("OK (TAG %s) \"Done\"\r\n", quote(cmd.Tag))
		} else {
			reply = "OK \"NOOP completed\"\r\n"
		}
	case managesieve.StartTLS:
		return c.startTLS()
	case managesieve.Authenticate:
		return c.authenticate(cmd)
	case managesieve.Unauthenticate:
		if c.user == "" {
			reply = "NO \"Not authenticated\"\r\n"
		} else {
			c.user = ""
			reply = "OK \"Unauthenticate completed\"\r\n"
		}
	default:
		if c.user == "" {
			reply = "NO \"Authenticate first\"\r\n"
		} else {
			reply = c.scriptCommand(cmd)
		}
	}
	return c.write(reply) == nil
}

func (c *serverConn) startTLS() bool {
	if c.srv.opts.TLS == nil || c.isTLS {
		return c.write("NO \"STARTTLS not available\"\r\n") == nil
	}
	if c.write("OK \"Begin TLS negotiation now\"\r\n") != nil {
		return false
	}
	tlsConn := tls.Server(c.conn, c.srv.opts.TLS)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	c.srv.mu.Lock()
	c.srv.conns[tlsConn] = struct{}{}
	c.srv.mu.Unlock()
	c.conn = tlsConn
	c.isTLS = true
	// Anything pipelined before the handshake is discarded.
	c.dec = managesieve.NewCommandDecoder(0)
	return c.writeCapabilities("OK \"TLS negotiation successful\"\r\n") == nil
}

func (c *serverConn) authenticate(cmd managesieve.Authenticate) bool {
	if c.user != "" {
		return c.write("NO \"Already authenticated\"\r\n") == nil
	}
	if cmd.Mechanism != "PLAIN" {
		return c.write("NO \"Unsupported mechanism\"\r\n") == nil
	}

	var user string
	server := sasl.NewPlainServer(func(identity, username, password string) error {
		c.srv.mu.Lock()
		acct, ok := c.srv.accounts[username]
		c.srv.mu.Unlock()
		if !ok || acct.password != password {
			return errors.New("invalid credentials")
		}
		if identity != "" && identity != username {
			return errors.New("authorization denied")
		}
		user = username
		return nil
	})

	response := cmd.InitialResponse
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			return c.write("NO \"Authentication failed\"\r\n") == nil
		}
		if done {
			break
		}
		if c.write(fmt.Sprintf("%s\r\n", quote(base64.StdEncoding.EncodeToString(challenge)))) != nil {
			return false
		}
		data, abort, err := c.nextSASLResponse()
		if errors.Is(err, errHangup) {
			return false
		}
		if err != nil {
			return c.write("NO \"Bad SASL response\"\r\n") == nil
		}
		if abort {
			return c.write("NO \"Authentication aborted\"\r\n") == nil
		}
		response = data
	}
	c.user = user
	return c.write("OK \"Authenticated\"\r\n") == nil
}

func (c *serverConn) scriptCommand(cmd managesieve.Command) string {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	acct := c.srv.accounts[c.user]
	opts := c.srv.opts

	switch cmd := cmd.(type) {
	case managesieve.HaveSpace:
		if opts.MaxScriptSize > 0 && cmd.Size > opts.MaxScriptSize {
			return "NO (QUOTA/MAXSIZE) \"Script too large\"\r\n"
		}
		if _, exists := acct.scripts[cmd.Name]; !exists && opts.MaxScripts > 0 && len(acct.scripts) >= opts.MaxScripts {
			return "NO (QUOTA/MAXSCRIPTS) \"Too many scripts\"\r\n"
		}
		return "OK\r\n"

	case managesieve.PutScript:
		if opts.MaxScriptSize > 0 && uint64(len(cmd.Content)) > opts.MaxScriptSize {
			return "NO (QUOTA/MAXSIZE) \"Script too large\"\r\n"
		}
		if _, exists := acct.scripts[cmd.Name]; !exists && opts.MaxScripts > 0 && len(acct.scripts) >= opts.MaxScripts {
			return "NO (QUOTA/MAXSCRIPTS) \"Too many scripts\"\r\n"
		}
		if err := scripts.Check(cmd.Content, opts.Extensions); err != nil {
			return fmt.Sprintf("NO %s\r\n", quote(err.Error()))
		}
		acct.scripts[cmd.Name] = cmd.Content
		if opts.WarnOn != "" && bytes.Contains(cmd.Content, []byte(opts.WarnOn)) {
			return "OK (WARNINGS) \"line 1: questionable construct\"\r\n"
		}
		return "OK \"PUTSCRIPT completed\"\r\n"

	case managesieve.CheckScript:
		if err := scripts.Check(cmd.Content, opts.Extensions); err != nil {
			return fmt.Sprintf("NO %s\r\n", quote(err.Error()))
		}
		if opts.WarnOn != "" && bytes.Contains(cmd.Content, []byte(opts.WarnOn)) {
			return "OK (WARNINGS) \"line 1: questionable construct\"\r\n"
		}
		return "OK\r\n"

	case managesieve.ListScripts:
		names := make([]string, 0, len(acct.scripts))
		for name := range acct.scripts {
			names = append(names, name)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, name := range names {
			b.WriteString(quote(name))
			if name == acct.active {
				b.WriteString(" ACTIVE")
			}
			b.WriteString("\r\n")
		}
		b.WriteString("OK \"LISTSCRIPTS completed\"\r\n")
		return b.String()

	case managesieve.SetActive:
		if cmd.Name == "" {
			acct.active = ""
			return "OK \"No script active\"\r\n"
		}
		if _, ok := acct.scripts[cmd.Name]; !ok {
			return "NO (NONEXISTENT) \"There is no script by that name\"\r\n"
		}
		acct.active = cmd.Name
		return "OK \"SETACTIVE completed\"\r\n"

	case managesieve.GetScript:
		content, ok := acct.scripts[cmd.Name]
		if !ok {
			return "NO (NONEXISTENT) \"There is no script by that name\"\r\n"
		}
		return fmt.Sprintf("{%d}\r\n%s\r\nOK \"GETSCRIPT completed\"\r\n", len(content), content)

	case managesieve.DeleteScript:
		if _, ok := acct.scripts[cmd.Name]; !ok {
			return "NO (NONEXISTENT) \"There is no script by that name\"\r\n"
		}
		if acct.active == cmd.Name {
			return "NO (ACTIVE) \"You may not delete an active script\"\r\n"
		}
		delete(acct.scripts, cmd.Name)
		return "OK \"DELETESCRIPT completed\"\r\n"

	case managesieve.RenameScript:
		content, ok := acct.scripts[cmd.Old]
		if !ok {
			return "NO (NONEXISTENT) \"There is no script by that name\"\r\n"
		}
		if _, exists := acct.scripts[cmd.New]; exists {
			return "NO (ALREADYEXISTS) \"A script with that name already exists\"\r\n"
		}
		delete(acct.scripts, cmd.Old)
		acct.scripts[cmd.New] = content
		if acct.active == cmd.Old {
			acct.active = cmd.New
		}
		return "OK \"RENAMESCRIPT completed\"\r\n"
	}
	return fmt.Sprintf("NO \"Unsupported command %s\"\r\n", cmd.Keyword())
}

// quote renders s as a quoted string. Line breaks become spaces.
func quote(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
