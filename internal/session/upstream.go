package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/sasl"
)

// ErrUpstreamAuthFailed is returned when the upstream SASL exchange
// completes with a non-OK tagged response.
var ErrUpstreamAuthFailed = fmt.Errorf("upstream authentication failed")

// Upstream is the provider-facing IMAP/TLS connection: bind, greet,
// fetch capabilities, authenticate, then act as a plain line
// read/write endpoint for the relay phase.
type Upstream struct {
	conn         net.Conn
	reader       *bufio.Reader
	logger       *zap.Logger
	capabilities []string
	tagSeq       int
}

// DialUpstream opens a TLS connection to host:993 and consumes the
// server greeting. Upstream is always IMAPS; plaintext upstream is not
// supported.
func DialUpstream(ctx context.Context, host string, logger *zap.Logger) (*Upstream, error) {
	addr := net.JoinHostPort(host, "993")

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	u := newUpstream(conn, logger.With(zap.String("upstream", addr)))

	greeting, err := u.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read upstream greeting: %w", err)
	}
	u.logger.Debug("upstream greeting", zap.String("line", greeting))

	return u, nil
}

// newUpstream builds an Upstream around an already-connected conn,
// without consuming a greeting. Used by DialUpstream (after a greeting
// read) and directly by tests against a net.Pipe.
func newUpstream(conn net.Conn, logger *zap.Logger) *Upstream {
	return &Upstream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}
}

func (u *Upstream) nextTag() string {
	u.tagSeq++
	return fmt.Sprintf("U%04d", u.tagSeq)
}

func (u *Upstream) readLine() (string, error) {
	line, err := u.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	u.logger.Debug("<- upstream", zap.String("line", strings.TrimRight(line, crlf)))
	return line, nil
}

func (u *Upstream) writeLine(s string) error {
	u.logger.Debug("-> upstream", zap.String("line", strings.TrimRight(s, crlf)))
	_, err := u.conn.Write([]byte(s))
	return err
}

// ReadLine reads one raw upstream line, CRLF included, for the relay
// phase.
func (u *Upstream) ReadLine() (string, error) { return u.readLine() }

// Write sends raw bytes to upstream for the relay phase.
func (u *Upstream) Write(b []byte) error {
	u.logger.Debug("-> upstream", zap.String("line", strings.TrimRight(string(b), crlf)))
	_, err := u.conn.Write(b)
	return err
}

// Capabilities returns the capabilities collected during FetchCapabilities.
func (u *Upstream) Capabilities() []string { return u.capabilities }

// Close closes the upstream connection.
func (u *Upstream) Close() error { return u.conn.Close() }

// FetchCapabilities issues CAPABILITY and records the advertised
// capability tokens for the pre-auth CAPABILITY response.
func (u *Upstream) FetchCapabilities() error {
	tag := u.nextTag()
	if err := u.writeLine(tag + " CAPABILITY" + crlf); err != nil {
		return fmt.Errorf("send upstream CAPABILITY: %w", err)
	}

	for {
		line, err := u.readLine()
		if err != nil {
			return fmt.Errorf("read upstream CAPABILITY response: %w", err)
		}
		trimmed := strings.TrimRight(line, crlf)

		kind, lineTag, status := classifyServerLine(trimmed)
		switch kind {
		case kindUntaggedData:
			if strings.HasPrefix(trimmed, "* CAPABILITY ") {
				u.capabilities = strings.Fields(strings.TrimPrefix(trimmed, "* CAPABILITY "))
			}
		case kindTaggedStatus:
			if lineTag == tag {
				if status != "OK" {
					return fmt.Errorf("upstream CAPABILITY failed: %s", trimmed)
				}
				return nil
			}
		}
	}
}

// Authenticate runs the upstream SASL exchange for mechanism
// p[sasl-method], using username and accessToken to build the initial
// response, sent inline with AUTHENTICATE (SASL-IR). Any continuation
// the server sends back is acknowledged with an empty response; bearer
// mechanisms use that round to report a structured JSON failure.
func (u *Upstream) Authenticate(p provider.Provider, username, accessToken string) error {
	mech, initial, err := sasl.InitialResponse(p, username, accessToken)
	if err != nil {
		return fmt.Errorf("build sasl initial response: %w", err)
	}

	tag := u.nextTag()
	encoded := base64.StdEncoding.EncodeToString(initial)
	if err := u.writeLine(fmt.Sprintf("%s AUTHENTICATE %s %s%s", tag, mech, encoded, crlf)); err != nil {
		return fmt.Errorf("send upstream AUTHENTICATE: %w", err)
	}

	for {
		line, err := u.readLine()
		if err != nil {
			return fmt.Errorf("read upstream AUTHENTICATE response: %w", err)
		}
		trimmed := strings.TrimRight(line, crlf)

		kind, lineTag, status := classifyServerLine(trimmed)
		switch kind {
		case kindContinuation:
			if err := u.writeLine(crlf); err != nil {
				return fmt.Errorf("acknowledge upstream continuation: %w", err)
			}
		case kindTaggedStatus:
			if lineTag != tag {
				continue
			}
			if status != "OK" {
				return fmt.Errorf("%w: %s", ErrUpstreamAuthFailed, trimmed)
			}
			return nil
		default:
			// Untagged data during authentication; ignore and keep reading.
		}
	}
}
