// Package server wires storage, the OIDC flow, and the client channel into
// one HTTP process.
package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/opsdeck/opsdeck/internal/auth/authsession"
	"github.com/opsdeck/opsdeck/internal/auth/logincode"
	"github.com/opsdeck/opsdeck/internal/auth/oidcflow"
	"github.com/opsdeck/opsdeck/internal/auth/token"
	"github.com/opsdeck/opsdeck/internal/channel"
	"github.com/opsdeck/opsdeck/internal/platform/requestmeta"
	"github.com/opsdeck/opsdeck/internal/settings"
	"github.com/opsdeck/opsdeck/internal/storage/sqlite"
)

const (
	sessionSweepInterval = time.Minute
	cleanupInterval      = 5 * time.Minute
	shutdownTimeout      = 10 * time.Second
)

// Config holds server command configuration.
type Config struct {
	HTTPAddr              string
	DBPath                string
	TrustForwardedHeaders bool
}

type serverEnv struct {
	HTTPAddr       string `env:"OPSDECK_HTTP_ADDR" envDefault:"localhost:8080"`
	DBPath         string `env:"OPSDECK_DB_PATH" envDefault:"opsdeck.db"`
	TrustForwarded bool   `env:"OPSDECK_TRUST_FORWARDED_HEADERS" envDefault:"false"`
}

// ParseConfig parses environment defaults and flags into a Config. Flags win
// over environment values.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var raw serverEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse server env: %w", err)
	}
	cfg := Config{
		HTTPAddr:              raw.HTTPAddr,
		DBPath:                raw.DBPath,
		TrustForwardedHeaders: raw.TrustForwarded,
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP server address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "The sqlite database path")
	fs.BoolVar(&cfg.TrustForwardedHeaders, "trust-forwarded-headers", cfg.TrustForwardedHeaders,
		"Trust X-Forwarded-Proto/Host when deriving redirect URIs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Server hosts the HTTP process.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	flow       *oidcflow.Server
}

// New creates a configured server listening on the configured address.
func New(cfg Config) (*Server, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tokens, err := token.LoadConfigFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := settings.NewService(store)
	bridge := logincode.NewBridge(store)
	registry := authsession.NewRegistry(sessionSweepInterval)
	scheme := requestmeta.SchemePolicy{TrustForwardedHeaders: cfg.TrustForwardedHeaders}

	flow := oidcflow.NewServer(svc, store, registry, bridge, scheme)
	ch := channel.NewServer(store, svc, bridge, tokens)

	mux := http.NewServeMux()
	flow.RegisterRoutes(mux)
	ch.RegisterRoutes(mux)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: mux},
		store:      store,
		flow:       flow,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	srv, err := New(cfg)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if err := s.store.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	s.flow.StartCleanup(serverCtx, cleanupInterval)

	slog.Info("server listening", "addr", s.listener.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	}
}
