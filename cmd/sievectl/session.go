package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/term"

	"github.com/migadu/managesieve/config"
	"github.com/migadu/managesieve/logger"
	"github.com/migadu/managesieve/managesieve"
	"github.com/migadu/managesieve/pkg/retry"
	"github.com/migadu/managesieve/transport"
)

// connect dials the server, upgrades with STARTTLS when configured and,
// if authenticate is set, logs in.
func connect(ctx context.Context, cfg *config.Config, authenticate bool) (*managesieve.Client, error) {
	addr, err := cfg.Server.GetAddress()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := transport.TLSConfigFromConfig(cfg.Server)
	if err != nil {
		return nil, err
	}
	backoff, err := retry.FromConfig(cfg.Retry)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := cfg.Server.GetDialTimeout()
	if err != nil {
		return nil, err
	}
	commandTimeout, err := cfg.Server.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	mode := cfg.Server.GetTLSMode()
	conn, err := transport.Dial(ctx, addr, &transport.Options{
		TLSMode:     mode,
		TLSConfig:   tlsConfig,
		DialTimeout: dialTimeout,
		Backoff:     backoff,
	})
	if err != nil {
		return nil, err
	}

	c, err := managesieve.NewClient(ctx, conn, &managesieve.Options{
		Logger:         logger.Component("managesieve"),
		MaxLiteralSize: int(cfg.Server.MaxLiteralSize),
		CommandTimeout: commandTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session with %s: %w", addr, err)
	}
	logger.Info("Connected", "addr", addr, "implementation", c.Capabilities().Implementation, "tls_mode", mode)

	if mode == config.TLSModeStartTLS {
		if !c.Capabilities().StartTLS {
			c.Close()
			return nil, fmt.Errorf("server %s does not offer STARTTLS; use --tls none to connect in the clear", addr)
		}
		if err := c.StartTLS(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	if authenticate {
		if err := login(ctx, c, cfg.Auth); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func login(ctx context.Context, c *managesieve.Client, auth config.AuthConfig) error {
	mech := auth.GetMechanism()
	if !c.Capabilities().HasSASL(mech) {
		return fmt.Errorf("server does not offer SASL mechanism %s (offered: %s)", mech, strings.Join(c.Capabilities().SASL, " "))
	}
	client, err := saslClient(auth)
	if err != nil {
		return err
	}
	if err := c.Authenticate(ctx, client); err != nil {
		var serverErr *managesieve.ServerError
		if errors.As(err, &serverErr) {
			return fmt.Errorf("authentication as %s failed: %s", auth.Username, serverErr.Text)
		}
		return err
	}
	logger.Info("Authenticated", "user", auth.Username, "mechanism", mech)
	return nil
}

func saslClient(auth config.AuthConfig) (sasl.Client, error) {
	switch mech := auth.GetMechanism(); mech {
	case "PLAIN", "LOGIN":
		password := auth.Password
		if password == "" {
			var err error
			if password, err = promptPassword(auth.Username); err != nil {
				return nil, err
			}
		}
		if mech == "LOGIN" {
			return sasl.NewLoginClient(auth.Username, password), nil
		}
		return sasl.NewPlainClient(auth.AuthzID, auth.Username, password), nil
	case "OAUTHBEARER":
		if auth.OAuthToken == "" {
			return nil, errors.New("OAUTHBEARER requires auth.oauth_token or SIEVECTL_OAUTH_TOKEN")
		}
		return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: auth.Username, Token: auth.OAuthToken}), nil
	case "EXTERNAL":
		return sasl.NewExternalClient(auth.AuthzID), nil
	case "ANONYMOUS":
		return sasl.NewAnonymousClient(auth.Username), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %s", mech)
	}
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(user string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no password for %s: set auth.password or SIEVECTL_PASSWORD", user)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", user)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// withClient runs fn on an authenticated session and logs out afterwards.
func (o *globalOptions) withClient(ctx context.Context, authenticate bool, fn func(c *managesieve.Client) error) error {
	c, err := connect(ctx, &o.cfg, authenticate)
	if err != nil {
		return err
	}
	defer c.Close()

	runErr := fn(c)
	if err := c.Logout(ctx); err != nil {
		logger.Warn("Logout failed", "error", err)
	}
	return runErr
}
