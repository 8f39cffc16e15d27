// Package ingress is the HTTP surface: OpenAI-compatible,
// Anthropic-compatible, and native-passthrough routes over the shared
// forwarder/pool, plus a minimal admin CRUD surface. Route
// registration uses http.ServeMux method patterns, a requestLogger
// middleware, and signal.Notify graceful shutdown.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/accountsync"
	"github.com/cloudcode-relay/relay/internal/auth"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/store"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

// Server is the ingress HTTP server.
type Server struct {
	cfg        *config.Config
	store      store.Store
	crypto     *account.Crypto
	pool       *pool.Pool
	forwarder  *upstream.Forwarder
	syncer     *accountsync.Syncer
	bus        *events.Bus
	authMw     *auth.Middleware
	httpServer *http.Server
}

func New(cfg *config.Config, s store.Store, crypto *account.Crypto, p *pool.Pool, fwd *upstream.Forwarder, syncer *accountsync.Syncer, bus *events.Bus) *Server {
	srv := &Server{
		cfg:       cfg,
		store:     s,
		crypto:    crypto,
		pool:      p,
		forwarder: fwd,
		syncer:    syncer,
		bus:       bus,
		authMw:    auth.NewMiddleware(cfg.AdminToken, s),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        cors(requestLogger(mux)),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate
	admin := s.authMw.RequireAdmin

	mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleModels)))
	mux.Handle("POST /v1/chat/completions", authed(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("POST /v1/messages", authed(http.HandlerFunc(s.handleMessages)))

	mux.Handle("GET /admin/accounts", admin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("GET /admin/accounts/{id}", admin(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", admin(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/status", admin(http.HandlerFunc(s.handleUpdateAccountStatus)))
	mux.Handle("POST /admin/accounts/{id}/sync", admin(http.HandlerFunc(s.handleSyncAccount)))

	mux.Handle("GET /admin/api-tokens", admin(http.HandlerFunc(s.handleListAPITokens)))
	mux.Handle("POST /admin/api-tokens", admin(http.HandlerFunc(s.handleCreateAPIToken)))

	mux.Handle("GET /admin/model-mappings", admin(http.HandlerFunc(s.handleListModelMappings)))
	mux.Handle("POST /admin/model-mappings", admin(http.HandlerFunc(s.handleUpsertModelMapping)))
	mux.Handle("DELETE /admin/model-mappings/{id}", admin(http.HandlerFunc(s.handleDeleteModelMapping)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Catch-all: transparent native passthrough. Registered last —
	// ServeMux matches the most specific pattern first regardless of
	// registration order, so this only ever fires for unmatched paths.
	mux.Handle("/", authed(http.HandlerFunc(s.handlePassthrough)))
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.runLogPurge(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingress starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) runLogPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.store.PurgeOldLogs(ctx, before)
			if err != nil {
				slog.Error("purge old logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old request logs", "count", n)
			}
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		slog.Debug("request done", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
