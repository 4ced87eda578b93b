package managesieve

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"go.uber.org/multierr"

	"github.com/migadu/managesieve/helpers"
	"github.com/migadu/managesieve/logger"
	"github.com/migadu/managesieve/pkg/metrics"
)

// Transport is the byte stream a Client talks over. StartTLS upgrades the
// stream in place; after it returns, reads and writes go through TLS.
type Transport interface {
	io.Reader
	io.Writer
	StartTLS(ctx context.Context) error
	Close() error
}

// tlsReporter is implemented by transports that know whether they are
// already encrypted, such as one dialed with implicit TLS.
type tlsReporter interface {
	IsTLS() bool
}

// deadliner is implemented by transports backed by a net.Conn.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// Logger receives protocol traces at debug level. Credentials are
	// masked. Defaults to the global logger.
	Logger *slog.Logger
	// MaxLiteralSize bounds literals accepted from the server, zero means
	// unlimited.
	MaxLiteralSize int
	// ReadBufferSize is the size of a single transport read.
	ReadBufferSize int
	// CommandTimeout applies to each command whose context has no deadline.
	CommandTimeout time.Duration
	// TLSActive marks a transport that is already encrypted. Transports
	// with an IsTLS method are detected without it.
	TLSActive bool
}

// Client drives a Session over a Transport. Commands are serialized: a
// call made while another is waiting for its reply fails with
// ErrCommandInFlight instead of blocking.
//
// The transport is only read while a command is outstanding. A BYE the
// server sends while the client is idle is therefore noticed by the next
// command, after that command has been written; the command then fails
// with a *ClosedError carrying the BYE text.
type Client struct {
	mu      sync.Mutex
	t       Transport
	s       *Session
	log     *slog.Logger
	buf     []byte
	timeout time.Duration
	greet   *Reply
	open    bool // counted in SessionsCurrent
	closed  bool // transport closed
}

// NewClient reads the server greeting over t. On failure t is closed.
func NewClient(ctx context.Context, t Transport, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("managesieve")
	}
	size := opts.ReadBufferSize
	if size <= 0 {
		size = 4096
	}

	c := &Client{
		t:       t,
		log:     log,
		buf:     make([]byte, size),
		timeout: opts.CommandTimeout,
	}
	implicitTLS := opts.TLSActive
	if r, ok := t.(tlsReporter); ok && r.IsTLS() {
		implicitTLS = true
	}
	c.s = NewSession(&SessionOptions{
		MaxLiteralSize: opts.MaxLiteralSize,
		TLSActive:      implicitTLS,
		OnTransition: func(from, to State) {
			c.log.Debug("session state changed", "from", from, "to", to)
		},
	})

	reply, err := c.read(ctx)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		c.shutdown()
		return nil, err
	}
	c.greet = reply
	c.open = true
	metrics.SessionsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.SessionsCurrent.Inc()
	c.log.Debug("connected", "implementation", c.s.Capabilities().Implementation)
	return c, nil
}

// Greeting returns the reply the server greeted the client with.
func (c *Client) Greeting() *Reply { return c.greet }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.State()
}

// Capabilities returns the capabilities currently in effect.
func (c *Client) Capabilities() *Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.Capabilities()
}

// TLSActive reports whether the connection is encrypted.
func (c *Client) TLSActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.TLSActive()
}

// Send issues any command and returns its reply. A NO completion yields the
// reply together with a *ServerError.
func (c *Client) Send(ctx context.Context, cmd Command) (*Reply, error) {
	if !c.mu.TryLock() {
		return nil, ErrCommandInFlight
	}
	defer c.mu.Unlock()
	return c.exec(ctx, cmd)
}

// Capability asks the server for its capabilities again.
func (c *Client) Capability(ctx context.Context) (*Capabilities, error) {
	if !c.mu.TryLock() {
		return nil, ErrCommandInFlight
	}
	defer c.mu.Unlock()
	if _, err := c.exec(ctx, Capability{}); err != nil {
		return nil, err
	}
	return c.s.Capabilities(), nil
}

// StartTLS upgrades the connection and reads the fresh capabilities. If
// the handshake fails the connection is unusable and is closed.
func (c *Client) StartTLS(ctx context.Context) error {
	if !c.mu.TryLock() {
		return ErrCommandInFlight
	}
	defer c.mu.Unlock()

	if _, err := c.exec(ctx, StartTLS{}); err != nil {
		return err
	}
	if err := c.t.StartTLS(ctx); err != nil {
		metrics.TLSUpgrades.WithLabelValues(metrics.ResultFailure).Inc()
		c.s.ConnectionLost(err)
		c.shutdown()
		return fmt.Errorf("managesieve: TLS handshake failed: %w", err)
	}
	if err := c.s.TLSEstablished(); err != nil {
		return err
	}
	if _, err := c.read(ctx); err != nil {
		metrics.TLSUpgrades.WithLabelValues(metrics.ResultFailure).Inc()
		return err
	}
	metrics.TLSUpgrades.WithLabelValues(metrics.ResultSuccess).Inc()
	c.log.Debug("TLS established")
	return nil
}

// Authenticate runs a SASL exchange with mech. A failing mechanism aborts
// the exchange with "*". On success the capabilities are fetched again,
// since servers may advertise different ones to authenticated users.
func (c *Client) Authenticate(ctx context.Context, mech sasl.Client) error {
	if !c.mu.TryLock() {
		return ErrCommandInFlight
	}
	defer c.mu.Unlock()

	name, ir, err := mech.Start()
	if err != nil {
		return fmt.Errorf("managesieve: SASL start: %w", err)
	}
	name = strings.ToUpper(name)

	reply, err := c.exec(ctx, Authenticate{Mechanism: name, InitialResponse: ir})
	var saslErr error
	for err == nil && reply.Challenge != nil {
		var resp []byte
		abort := false
		challenge, derr := base64.StdEncoding.DecodeString(string(reply.Challenge.Data))
		if derr != nil {
			saslErr = syntaxErrorf(-1, "bad base64 in SASL challenge: %v", derr)
			abort = true
		} else if resp, derr = mech.Next(challenge); derr != nil {
			saslErr = fmt.Errorf("managesieve: SASL %s: %w", name, derr)
			abort = true
		}

		var line []byte
		if line, err = c.s.EncodeSASLResponse(resp, abort); err != nil {
			break
		}
		c.log.Debug("C: " + helpers.MaskSASLResponse(strings.TrimSpace(string(line))))
		if err = c.write(ctx, line); err != nil {
			break
		}
		reply, err = c.read(ctx)
	}

	if err != nil || saslErr != nil {
		metrics.AuthenticationAttempts.WithLabelValues(name, authResult(err)).Inc()
		if saslErr != nil {
			return multierr.Append(saslErr, err)
		}
		return err
	}

	if code := reply.Completion.Code; code != nil && code.Kind == CodeSASL {
		// The mechanism verifies the server's final data. A session whose
		// server failed verification is not trusted any further.
		if err := c.finishSASL(mech, name, code.Arg()); err != nil {
			metrics.AuthenticationAttempts.WithLabelValues(name, metrics.ResultFailure).Inc()
			c.s.ConnectionLost(err)
			c.shutdown()
			return err
		}
	}
	metrics.AuthenticationAttempts.WithLabelValues(name, metrics.ResultSuccess).Inc()
	c.log.Debug("authenticated", "mechanism", name)

	if _, err := c.exec(ctx, Capability{}); err != nil {
		return fmt.Errorf("managesieve: refreshing capabilities after authentication: %w", err)
	}
	return nil
}

func (c *Client) finishSASL(mech sasl.Client, name, data string) error {
	final, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return syntaxErrorf(-1, "bad base64 in final SASL data: %v", err)
	}
	if _, err := mech.Next(final); err != nil {
		return fmt.Errorf("managesieve: SASL %s: server verification failed: %w", name, err)
	}
	c.log.Debug("server sent final SASL data", "mechanism", name, "bytes", len(final))
	return nil
}

func authResult(err error) string {
	if errors.Is(err, ErrServerRejected) {
		return metrics.ResultRejected
	}
	return metrics.ResultFailure
}

// Unauthenticate returns an authenticated session to the unauthenticated
// state (RFC 5804 UNAUTHENTICATE extension).
func (c *Client) Unauthenticate(ctx context.Context) error {
	_, err := c.Send(ctx, Unauthenticate{})
	return err
}

// Logout ends the session and closes the transport. A server that hangs up
// without answering is not treated as an error.
func (c *Client) Logout(ctx context.Context) error {
	if !c.mu.TryLock() {
		return ErrCommandInFlight
	}
	defer c.mu.Unlock()
	defer c.shutdown()

	if c.s.State() == StateClosed {
		return nil
	}
	_, err := c.exec(ctx, Logout{})
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

// Noop sends NOOP and returns the tag the server echoed, if any.
func (c *Client) Noop(ctx context.Context, tag string) (string, error) {
	reply, err := c.Send(ctx, Noop{Tag: tag})
	if err != nil {
		return "", err
	}
	if code := reply.Completion.Code; code != nil && code.Kind == CodeTag {
		return code.Arg(), nil
	}
	return "", nil
}

// SpaceResult is the answer to HAVESPACE. A quota refusal is an answer,
// not an error.
type SpaceResult struct {
	Available bool
	Code      *ResponseCode // QUOTA code when refused
	Text      string
}

// HaveSpace asks whether a script of the given size could be stored.
func (c *Client) HaveSpace(ctx context.Context, name string, size uint64) (*SpaceResult, error) {
	reply, err := c.Send(ctx, HaveSpace{Name: name, Size: size})
	var serverErr *ServerError
	switch {
	case err == nil:
		return &SpaceResult{Available: true, Code: reply.Completion.Code, Text: reply.Completion.Text}, nil
	case errors.As(err, &serverErr) && serverErr.Code.IsQuota():
		return &SpaceResult{Code: serverErr.Code, Text: serverErr.Text}, nil
	}
	return nil, err
}

// PutScript uploads a script. The server may accept it with warnings,
// which are returned as the human readable text.
func (c *Client) PutScript(ctx context.Context, name string, content []byte) (warnings string, err error) {
	reply, err := c.Send(ctx, PutScript{Name: name, Content: content})
	if err != nil {
		return "", err
	}
	metrics.ScriptBytes.WithLabelValues("put").Observe(float64(len(content)))
	return warningsOf(reply), nil
}

// CheckScript asks the server to validate a script without storing it.
func (c *Client) CheckScript(ctx context.Context, content []byte) (warnings string, err error) {
	reply, err := c.Send(ctx, CheckScript{Content: content})
	if err != nil {
		return "", err
	}
	return warningsOf(reply), nil
}

func warningsOf(reply *Reply) string {
	if code := reply.Completion.Code; code != nil && code.Kind == CodeWarnings {
		return reply.Completion.Text
	}
	return ""
}

// ListScripts returns the stored scripts in server order.
func (c *Client) ListScripts(ctx context.Context) ([]ScriptEntry, error) {
	reply, err := c.Send(ctx, ListScripts{})
	if err != nil {
		return nil, err
	}
	entries := reply.Listing().Entries
	if entries == nil {
		entries = []ScriptEntry{}
	}
	return entries, nil
}

// SetActive makes name the active script.
func (c *Client) SetActive(ctx context.Context, name string) error {
	if name == "" {
		return invalidArgumentf("script name must not be empty, use Deactivate")
	}
	_, err := c.Send(ctx, SetActive{Name: name})
	return err
}

// Deactivate leaves no script active.
func (c *Client) Deactivate(ctx context.Context) error {
	_, err := c.Send(ctx, SetActive{})
	return err
}

// GetScript downloads a script byte for byte.
func (c *Client) GetScript(ctx context.Context, name string) ([]byte, error) {
	reply, err := c.Send(ctx, GetScript{Name: name})
	if err != nil {
		return nil, err
	}
	body := reply.Body()
	if body == nil {
		return nil, protocolErrorf("GETSCRIPT reply carries no script")
	}
	metrics.ScriptBytes.WithLabelValues("get").Observe(float64(len(body.Content)))
	return body.Content, nil
}

func (c *Client) DeleteScript(ctx context.Context, name string) error {
	_, err := c.Send(ctx, DeleteScript{Name: name})
	return err
}

func (c *Client) RenameScript(ctx context.Context, oldName, newName string) error {
	_, err := c.Send(ctx, RenameScript{Old: oldName, New: newName})
	return err
}

// Close closes the transport without logging out. It waits for a command
// in progress; cancel its context to interrupt it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s.State() != StateClosed {
		c.s.ConnectionLost(io.ErrClosedPipe)
	}
	return c.shutdown()
}

// exec sends cmd and reads its reply. The caller holds mu.
func (c *Client) exec(ctx context.Context, cmd Command) (*Reply, error) {
	b, err := c.s.Encode(cmd)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.log.Debug("C: " + helpers.TruncateForLog(helpers.MaskSensitive(string(b), cmd.Keyword(), "AUTHENTICATE"), 200))
	if err := c.write(ctx, b); err != nil {
		c.observe(cmd, start, nil, err)
		return nil, err
	}
	reply, err := c.read(ctx)
	c.observe(cmd, start, reply, err)
	return reply, err
}

func (c *Client) observe(cmd Command, start time.Time, reply *Reply, err error) {
	if reply != nil && reply.Challenge != nil {
		return
	}
	status := metrics.StatusError
	if reply != nil && reply.Completion != nil {
		switch reply.Completion.Status {
		case StatusOK:
			status = metrics.StatusOK
		case StatusNO:
			status = metrics.StatusNo
		case StatusBYE:
			status = metrics.StatusBye
		}
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Keyword(), status).Inc()
	metrics.CommandDuration.WithLabelValues(cmd.Keyword()).Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Debug("command failed", "command", cmd.Keyword(), "error", err)
	}
}

// read feeds transport bytes to the session until it yields a reply.
func (c *Client) read(ctx context.Context) (*Reply, error) {
	reply, err := c.s.Feed(nil)
	for reply == nil && err == nil {
		var n int
		ioErr := c.withContext(ctx, func() error {
			var rerr error
			n, rerr = c.t.Read(c.buf)
			return rerr
		})
		if n > 0 {
			metrics.BytesTransferred.WithLabelValues(metrics.DirectionIn).Add(float64(n))
			c.log.Debug("S: " + helpers.TruncateForLog(string(c.buf[:n]), 200))
			reply, err = c.s.Feed(c.buf[:n])
			if reply != nil || err != nil {
				break
			}
		}
		if ioErr != nil {
			return nil, c.fail(ctx, ioErr)
		}
	}
	if c.s.State() == StateClosed {
		c.shutdown()
	}
	return reply, err
}

func (c *Client) write(ctx context.Context, b []byte) error {
	err := c.withContext(ctx, func() error {
		_, werr := c.t.Write(b)
		return werr
	})
	if err != nil {
		return c.fail(ctx, err)
	}
	metrics.BytesTransferred.WithLabelValues(metrics.DirectionOut).Add(float64(len(b)))
	return nil
}

// withContext runs one blocking transport call bounded by ctx. Transports
// with deadlines are interrupted through them, others are closed.
func (c *Client) withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, ok := c.t.(deadliner)
	if ok {
		deadline, has := ctx.Deadline()
		if !has && c.timeout > 0 {
			deadline = time.Now().Add(c.timeout)
		}
		_ = d.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		if ok {
			_ = d.SetDeadline(time.Unix(1, 0))
		} else {
			_ = c.t.Close()
		}
	})
	defer stop()
	return fn()
}

// fail turns a transport error into a session error. The connection is
// not reused after any transport failure.
func (c *Client) fail(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.s.ConnectionLost(ctxErr)
		c.shutdown()
		return fmt.Errorf("managesieve: command abandoned: %w", ctxErr)
	}
	lost := c.s.ConnectionLost(err)
	c.shutdown()
	return lost
}

func (c *Client) shutdown() error {
	if c.open {
		c.open = false
		metrics.SessionsCurrent.Dec()
	}
	if c.closed {
		return nil
	}
	c.closed = true
	return c.t.Close()
}
