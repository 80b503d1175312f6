// Package server implements the two socket-facing front-ends shared by
// the session engine: a listening TCP server (one goroutine per
// accepted connection, since Go has no fork) and a stdio tunnel that
// runs a single session over stdin/stdout.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/legionus/oauth2imap/internal/auth"
	"github.com/legionus/oauth2imap/internal/config"
	"github.com/legionus/oauth2imap/internal/oauth2client"
	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/session"
	"github.com/legionus/oauth2imap/internal/tokenstore"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oauth2imap_active_connections",
		Help: "Number of active downstream connections.",
	})
	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oauth2imap_total_connections",
		Help: "Total downstream connections accepted.",
	})
	sessionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth2imap_sessions_failed_total",
		Help: "Sessions that ended in an unexpected error.",
	}, []string{"stage"})
)

// Server is the listening front-end: bind to downstream.server:port,
// accept connections, and spawn one session per connection.
type Server struct {
	cfg      *config.Config
	provider provider.Provider
	client   *oauth2client.Client
	store    *tokenstore.Store
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
}

// New builds a Server ready to Listen and Serve.
func New(cfg *config.Config, p provider.Provider, client *oauth2client.Client, store *tokenstore.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		provider: p,
		client:   client,
		store:    store,
		logger:   logger.Named("server"),
		quit:     make(chan struct{}),
	}
}

// Listen binds the downstream address. Call Serve afterward.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Downstream.Server, s.cfg.Downstream.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("oauth2imap gateway listening", zap.String("addr", addr))
	return nil
}

// Serve accepts connections until Stop is called or the listener
// fails. Each accepted connection runs in its own goroutine; the
// session engine itself stays strictly sequential within a connection.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.logger.Error("accept failed", zap.Error(err))
				return fmt.Errorf("accept: %w", err)
			}
		}

		totalConnections.Inc()
		activeConnections.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer activeConnections.Dec()
			s.handle(conn)
		}()
	}
}

// Stop closes the listener and waits (bounded) for in-flight sessions
// to finish.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gateway stopped gracefully")
	case <-time.After(30 * time.Second):
		s.logger.Warn("gateway shutdown timed out waiting for sessions")
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	connID := uuid.New().String()
	logger := s.logger.With(zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	down := session.NewNetEndpoint(conn)
	s.runSession(down, logger)
}

// RunStdioTunnel runs a single session over r/w, for the stdio tunnel
// front-end.
func (s *Server) RunStdioTunnel(r io.Reader, w io.Writer) error {
	logger := s.logger.With(zap.String("conn_id", "pipe"))
	down := session.NewStdioEndpoint(r, w, "pipe")
	return s.runSession(down, logger)
}

func (s *Server) runSession(down session.Endpoint, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	up, err := session.DialUpstream(ctx, s.provider[provider.KeyIMAPEndpoint], logger)
	cancel()
	if err != nil {
		logger.Error("upstream dial failed, closing without greeting", zap.Error(err))
		sessionsFailed.WithLabelValues("dial").Inc()
		return err
	}
	defer up.Close()

	var downCreds auth.Authenticator
	if s.cfg.Downstream.Username != "" && s.cfg.Downstream.Password != "" {
		downCreds = auth.Authenticator{Username: s.cfg.Downstream.Username, Password: s.cfg.Downstream.Password}
	}

	sess := session.New(down, up, s.provider, downCreds, logger)
	sess.TokenFunc = func(ctx context.Context) (string, error) {
		return oauth2client.ObtainAccessToken(ctx, s.client, s.store, s.provider)
	}

	err = sess.Run(context.Background())
	if err != nil {
		sessionsFailed.WithLabelValues("session").Inc()
	}
	return err
}
