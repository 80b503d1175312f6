// Package session implements the IMAP proxy session engine: the
// splice between a downstream client speaking plain-credential IMAP
// and an upstream provider that requires an OAuth2 bearer SASL
// exchange.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/legionus/oauth2imap/internal/auth"
	"github.com/legionus/oauth2imap/internal/provider"
)

var (
	relayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2imap_relayed_bytes_total",
		Help: "Bytes relayed between downstream and upstream after authentication.",
	}, []string{"direction"})
	downstreamAuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2imap_downstream_auth_total",
		Help: "Downstream authentication attempts by mechanism and outcome.",
	}, []string{"mechanism", "outcome"})
)

// Context is the per-connection session state: the client's current
// tag, the configured downstream credentials (if any), and whether the
// client has completed local authentication.
type Context struct {
	Tag        string
	Username   string
	Password   string
	Authorized bool
}

// hasDownstreamCredentials reports whether local username/password
// auth is configured for this session (gates CRAM-MD5/PLAIN support).
func (c *Context) hasDownstreamCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// Session binds one downstream Endpoint to one Upstream and runs the
// proxy protocol: greeting, pre-auth command gate, relay phase,
// disconnect.
type Session struct {
	Downstream Endpoint
	Upstream   *Upstream
	Provider   provider.Provider
	Logger     *zap.Logger

	// TokenFunc resolves a usable bearer token for this session's
	// Provider, typically internal/oauth2client.ObtainAccessToken bound
	// to a shared token store. Front-ends set it after construction so
	// the session engine itself never touches the token cache directly.
	TokenFunc func(ctx context.Context) (string, error)

	ctx  Context
	auth auth.Authenticator
}

// New builds a Session. downCreds may be the zero Authenticator,
// meaning no downstream credentials are configured (CAPABILITY then
// advertises no AUTH= mechanisms, and AUTHENTICATE/LOGIN always fail).
func New(down Endpoint, up *Upstream, p provider.Provider, downCreds auth.Authenticator, logger *zap.Logger) *Session {
	return &Session{
		Downstream: down,
		Upstream:   up,
		Provider:   p,
		Logger:     logger.Named("session"),
		auth:       downCreds,
		ctx: Context{
			Username: downCreds.Username,
			Password: downCreds.Password,
		},
	}
}

// send writes parts, joined by spaces, terminated by CRLF, to the
// downstream endpoint.
func (s *Session) send(parts ...string) error {
	msg := strings.Join(parts, " ") + crlf
	s.Logger.Debug("-> downstream", zap.String("line", strings.Join(parts, " ")))
	return s.Downstream.Write([]byte(msg))
}

// Run executes the full session protocol. It returns nil on a clean
// disconnect (LOGOUT, EOF, broken pipe/reset) and an error on any other
// unexpected failure.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Upstream.FetchCapabilities(); err != nil {
		return fmt.Errorf("fetch upstream capabilities: %w", err)
	}

	token, err := s.obtainUpstreamToken(ctx)
	if err != nil {
		s.Logger.Error("unable to obtain access token, aborting session with no greeting", zap.Error(err))
		return err
	}

	if err := s.Upstream.Authenticate(s.Provider, s.Provider[provider.KeyUsername], token); err != nil {
		s.Logger.Error("upstream authentication failed, aborting session with no greeting", zap.Error(err))
		return err
	}

	if err := s.send("*", "OK", "IMAP4rev1 Service Ready"); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	return s.loop()
}

func (s *Session) obtainUpstreamToken(ctx context.Context) (string, error) {
	if s.TokenFunc == nil {
		return "", fmt.Errorf("session: no token resolver configured")
	}
	return s.TokenFunc(ctx)
}

func (s *Session) loop() error {
	for {
		if err := s.downstreamTurn(); err != nil {
			if errors.Is(err, errSessionDone) {
				return nil
			}
			if isExpectedDisconnect(err) {
				s.Logger.Debug("connection closed", zap.Error(err))
				return nil
			}
			s.Logger.Error("session error", zap.Error(err))
			return err
		}
	}
}

// isExpectedDisconnect reports whether err is one of the I/O outcomes a
// session normally ends with: EOF, a closed socket, a peer reset or
// broken pipe, or a read deadline. Anything else is an unexpected
// failure and is reported as an error.
func isExpectedDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || isClosedConnError(err) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errSessionDone = errors.New("session done")

// downstreamTurn handles exactly one client command line: read it, gate
// it if unauthorized, or relay it and drain the matching upstream
// response.
func (s *Session) downstreamTurn() error {
	raw, err := s.Downstream.ReadLine()
	if err != nil {
		return err
	}

	trimmed := strings.TrimRight(raw, crlf)
	if trimmed == "" {
		return nil
	}

	tag, cmd, args := parseClientCommand(trimmed)
	s.ctx.Tag = tag

	terminal := cmd == "LOGOUT"

	if !s.ctx.Authorized {
		switch cmd {
		case "CAPABILITY":
			return s.handleCapability()
		case "AUTHENTICATE":
			return s.handleAuthenticate(args)
		case "LOGIN":
			return s.handleLogin(args)
		}
		// Any other pre-auth command is forwarded upstream, which has
		// already authenticated on the client's behalf.
	}

	if err := s.Upstream.Write([]byte(raw)); err != nil {
		return fmt.Errorf("forward to upstream: %w", err)
	}
	relayedBytes.WithLabelValues("upstream").Add(float64(len(raw)))

	if err := s.relayUntilTag(tag); err != nil {
		return err
	}

	if terminal {
		return errSessionDone
	}
	return nil
}

// relayUntilTag forwards upstream lines to downstream until one is
// observed whose tag matches tag and whose status is OK/NO/BAD.
func (s *Session) relayUntilTag(tag string) error {
	for {
		line, err := s.Upstream.ReadLine()
		if err != nil {
			return fmt.Errorf("read upstream: %w", err)
		}

		if err := s.Downstream.Write([]byte(line)); err != nil {
			return fmt.Errorf("forward to downstream: %w", err)
		}
		relayedBytes.WithLabelValues("downstream").Add(float64(len(line)))

		kind, lineTag, status := classifyServerLine(strings.TrimRight(line, crlf))
		if kind == kindTaggedStatus && lineTag == tag && status != "" {
			return nil
		}
	}
}

func (s *Session) handleCapability() error {
	caps := []string{"*", "CAPABILITY", "IMAP4rev1"}

	if s.ctx.hasDownstreamCredentials() {
		caps = append(caps, "AUTH=CRAM-MD5", "AUTH=PLAIN")
	}

	for _, cap := range s.Upstream.Capabilities() {
		if cap == "IMAP4rev1" || strings.HasPrefix(cap, "AUTH=") {
			continue
		}
		caps = append(caps, cap)
	}

	if err := s.send(caps...); err != nil {
		return err
	}
	return s.send(s.ctx.Tag, "OK", "CAPABILITY completed")
}

func (s *Session) handleAuthenticate(args string) error {
	if !s.ctx.hasDownstreamCredentials() || strings.ToUpper(strings.TrimSpace(args)) != "CRAM-MD5" {
		return s.send(s.ctx.Tag, "NO", "unsupported authentication mechanism")
	}

	challenge := auth.NewChallenge()
	if err := s.send("+", encodeB64(challenge)); err != nil {
		return err
	}

	line, err := s.Downstream.ReadLine()
	if err != nil {
		return err
	}
	response, err := decodeB64(strings.TrimRight(line, crlf))
	if err != nil {
		return s.send(s.ctx.Tag, "NO", "couldn't decode your credentials")
	}

	ok, msg := s.auth.VerifyCRAMMD5(challenge, response)
	if !ok {
		downstreamAuthAttempts.WithLabelValues("cram-md5", "failure").Inc()
		return s.send(s.ctx.Tag, "NO", msg)
	}

	downstreamAuthAttempts.WithLabelValues("cram-md5", "success").Inc()
	s.ctx.Authorized = true
	return s.send(s.ctx.Tag, "OK", "CRAM-MD5 authentication successful")
}

func (s *Session) handleLogin(args string) error {
	if !s.ctx.hasDownstreamCredentials() {
		return s.send(s.ctx.Tag, "NO", "authenticate failure")
	}

	ok, msg := s.auth.VerifyPLAIN(args)
	if !ok {
		downstreamAuthAttempts.WithLabelValues("plain", "failure").Inc()
		return s.send(s.ctx.Tag, "NO", msg)
	}

	downstreamAuthAttempts.WithLabelValues("plain", "success").Inc()
	s.ctx.Authorized = true
	return s.send(s.ctx.Tag, "OK", "LOGIN authentication successful")
}

func isClosedConnError(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
