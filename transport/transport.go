// Package transport provides the network side of a ManageSieve client: a
// TCP connection that can start out plain or in TLS and be upgraded with
// STARTTLS.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/migadu/managesieve/config"
	"github.com/migadu/managesieve/logger"
	"github.com/migadu/managesieve/pkg/retry"
)

// Options controls Dial.
type Options struct {
	// TLSMode is one of config.TLSModeStartTLS, TLSModeImplicit or
	// TLSModeNone. Only implicit TLS changes how the connection is dialed.
	TLSMode     string
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	Backoff     retry.BackoffConfig
	Logger      *slog.Logger
}

// Conn is a connection to a ManageSieve server. It implements
// managesieve.Transport.
type Conn struct {
	mu        sync.Mutex
	conn      net.Conn
	tlsConfig *tls.Config
	isTLS     bool
	log       *slog.Logger
}

// New wraps an established connection. tlsConfig is used by StartTLS and
// may be nil if TLS is never negotiated.
func New(conn net.Conn, tlsConfig *tls.Config) *Conn {
	_, isTLS := conn.(*tls.Conn)
	return &Conn{
		conn:      conn,
		tlsConfig: tlsConfig,
		isTLS:     isTLS,
		log:       logger.Component("transport"),
	}
}

// Dial connects to addr, retrying transient failures according to
// opts.Backoff. Certificate errors are not retried.
func Dial(ctx context.Context, addr string, opts *Options) (*Conn, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Component("transport")
	}

	netDialer := &net.Dialer{Timeout: opts.DialTimeout}
	var conn net.Conn
	attempt := 0
	err := retry.Do(ctx, opts.Backoff, func() error {
		attempt++
		log.Debug("dialing", "addr", addr, "attempt", attempt, "tls_mode", opts.TLSMode)

		var err error
		if opts.TLSMode == config.TLSModeImplicit {
			d := &tls.Dialer{NetDialer: netDialer, Config: opts.TLSConfig}
			conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = netDialer.DialContext(ctx, "tcp", addr)
		}
		if err != nil && isPermanent(err) {
			return retry.Stop(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := New(conn, opts.TLSConfig)
	c.log = log
	return c, nil
}

// isPermanent reports dial errors that retrying cannot fix.
func isPermanent(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification) ||
		errors.As(err, &recordHeader) ||
		errors.Is(err, context.Canceled)
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conn) Read(p []byte) (int, error) { return c.current().Read(p) }

func (c *Conn) Write(p []byte) (int, error) { return c.current().Write(p) }

func (c *Conn) SetDeadline(t time.Time) error { return c.current().SetDeadline(t) }

func (c *Conn) Close() error { return c.current().Close() }

// IsTLS reports whether the connection is encrypted, either from the start
// or after StartTLS.
func (c *Conn) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

// ConnectionState returns the TLS state, if any.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	tc, ok := c.current().(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

func (c *Conn) RemoteAddr() net.Addr { return c.current().RemoteAddr() }

// StartTLS performs the client side TLS handshake on the existing
// connection. The caller must have seen OK to the STARTTLS command and must
// not have read past it.
func (c *Conn) StartTLS(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTLS {
		return errors.New("connection is already using TLS")
	}
	cfg := c.tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	cfg.Renegotiation = tls.RenegotiateNever
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
			cfg.ServerName = host
		}
	}

	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()
	c.log.Debug("TLS handshake complete", "version", tls.VersionName(state.Version), "cipher", tls.CipherSuiteName(state.CipherSuite))
	c.conn = tlsConn
	c.isTLS = true
	return nil
}

// TLSConfigFromConfig builds the client TLS configuration for the server
// section of the configuration file.
func TLSConfigFromConfig(cfg config.ServerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.GetServerName(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file '%s'", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
