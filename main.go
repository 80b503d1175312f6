// Command oauth2imap runs an IMAP4rev1 gateway that authenticates to an
// upstream provider with OAuth2 while presenting a simpler downstream
// authentication method.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/legionus/oauth2imap/internal/authorize"
	"github.com/legionus/oauth2imap/internal/config"
	"github.com/legionus/oauth2imap/internal/oauth2client"
	"github.com/legionus/oauth2imap/internal/provider"
	"github.com/legionus/oauth2imap/internal/server"
	"github.com/legionus/oauth2imap/internal/tokenstore"
)

const exitFailure = 1

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitFailure
	}

	subcmd, rest := args[0], args[1:]

	switch subcmd {
	case "server":
		return cmdServer(rest)
	case "tunnel":
		return cmdTunnel(rest)
	case "authorize":
		return cmdAuthorize(rest)
	case "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", subcmd)
		printUsage()
		return exitFailure
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `The utility provides an imap server proxying access to another imap
server with oauth2 authentication.

Usage:
  oauth2imap server    -- listen and proxy one session per connection
  oauth2imap tunnel    -- proxy a single session over stdin/stdout
  oauth2imap authorize -- perform the one-shot OAuth2 authorization bootstrap

Report bugs to authors.
`)
}

// commonFlags holds the flags shared by all three subcommands.
type commonFlags struct {
	verbose    int
	quiet      bool
	configPath string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.BoolFunc("v", "print a message for each action; may be repeated", func(string) error {
		cf.verbose++
		return nil
	})
	fs.BoolVar(&cf.quiet, "q", false, "output critical information only")
	home, _ := os.UserHomeDir()
	fs.StringVar(&cf.configPath, "config", filepath.Join(home, ".oauth2imaprc"), "path to configuration file")
	return cf
}

func newLogger(cf *commonFlags) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch {
	case cf.quiet:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case cf.verbose >= 2:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case cf.verbose == 1:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

// loadUpstream reads the config file and resolves the selected Provider
// against the built-in registry, merged with any configured overrides.
func loadUpstream(cf *commonFlags) (*config.Config, provider.Provider, error) {
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	p, err := provider.Resolve(cfg.Upstream.Provider, cfg.ProviderOverrides())
	if err != nil {
		return nil, nil, fmt.Errorf("resolve provider: %w", err)
	}

	return cfg, p, nil
}

func openTokenStore(cfg *config.Config) (*tokenstore.Store, error) {
	path, err := config.ExpandTokensPath(cfg.Upstream.TokensFile)
	if err != nil {
		return nil, err
	}
	return tokenstore.Open(path)
}

func cmdServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cf := addCommonFlags(fs)
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	fs.Parse(args)

	logger := newLogger(cf)
	defer logger.Sync()

	cfg, p, err := loadUpstream(cf)
	if err != nil {
		logger.Error(err.Error())
		return exitFailure
	}

	store, err := openTokenStore(cfg)
	if err != nil {
		logger.Error("open token cache", zap.Error(err))
		return exitFailure
	}

	client := oauth2client.New(logger, 30*time.Second)
	srv := server.New(cfg, p, client, store, logger)

	if err := srv.Listen(); err != nil {
		logger.Error("listen failed", zap.Error(err))
		return exitFailure
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("serve failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	srv.Stop()

	return 0
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", zap.Error(err))
	}
}

func cmdTunnel(args []string) int {
	fs := flag.NewFlagSet("tunnel", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(args)

	logger := newLogger(cf)
	defer logger.Sync()

	cfg, p, err := loadUpstream(cf)
	if err != nil {
		logger.Error(err.Error())
		return exitFailure
	}

	store, err := openTokenStore(cfg)
	if err != nil {
		logger.Error("open token cache", zap.Error(err))
		return exitFailure
	}

	client := oauth2client.New(logger, 30*time.Second)
	srv := server.New(cfg, p, client, store, logger)

	logger.Info("new connection")
	if err := srv.RunStdioTunnel(os.Stdin, os.Stdout); err != nil {
		logger.Error("session failed", zap.Error(err))
		return exitFailure
	}

	return 0
}

func cmdAuthorize(args []string) int {
	fs := flag.NewFlagSet("authorize", flag.ExitOnError)
	cf := addCommonFlags(fs)
	stdin := fs.Bool("stdin", false, "paste the authorization code manually instead of using a loopback listener")
	fs.Parse(args)

	logger := newLogger(cf)
	defer logger.Sync()

	cfg, p, err := loadUpstream(cf)
	if err != nil {
		logger.Error(err.Error())
		return exitFailure
	}

	store, err := openTokenStore(cfg)
	if err != nil {
		logger.Error("open token cache", zap.Error(err))
		return exitFailure
	}

	client := oauth2client.New(logger, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var source authorize.AuthCodeSource
	redirectURI := p[provider.KeyRedirectURI]

	if *stdin {
		source = authorize.StdinAuthCodeSource{Prompt: promptStdin}
	} else {
		loopback, httpServer, err := authorize.NewLoopbackAuthCodeSource()
		if err != nil {
			logger.Error("start loopback listener", zap.Error(err))
			return exitFailure
		}
		defer httpServer.Close()
		redirectURI = "http://" + loopback.Addr + "/"
		source = loopback
	}

	err = authorize.Run(ctx, p, redirectURI, source, client, store, logger, func(format string, a ...any) {
		fmt.Fprintf(os.Stdout, format, a...)
	})
	if err != nil {
		logger.Error("authorization failed", zap.Error(err))
		return exitFailure
	}

	fmt.Println("authorization complete, token cached")
	return 0
}

func promptStdin(prompt string) (string, error) {
	fmt.Fprint(os.Stdout, prompt)
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return "", fmt.Errorf("read authorization code: %w", err)
	}
	return code, nil
}
