// Package managesieve implements the client side of the ManageSieve
// protocol (RFC 5804), used to manage Sieve scripts on a mail server.
//
// The package is layered:
//
//   - Parser and Encode are a pure codec. The parser is fed bytes as they
//     arrive and cuts them into responses, handling {N} literals whose
//     content may contain CRLF.
//   - Session is the protocol state machine. It decides which commands are
//     legal, interprets replies and tracks STARTTLS and authentication,
//     but performs no I/O.
//   - Client drives a Session over a Transport and offers one method per
//     command.
//
// A typical session:
//
//	conn, err := transport.Dial(ctx, "imap.example.com:4190", &transport.Options{TLSConfig: cfg})
//	c, err := managesieve.NewClient(ctx, conn, nil)
//	err = c.StartTLS(ctx)
//	err = c.Authenticate(ctx, sasl.NewPlainClient("", "alice", "secret"))
//	scripts, err := c.ListScripts(ctx)
//	err = c.Logout(ctx)
//
// Errors fall into five classes, each matched with errors.Is: ErrSyntax for
// malformed server data, ErrProtocolViolation for data or commands out of
// place, ErrServerRejected for NO completions, ErrConnectionClosed for BYE
// and lost transports, and ErrInvalidArgument for arguments that cannot be
// encoded.
package managesieve
