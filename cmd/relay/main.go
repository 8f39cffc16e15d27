package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cloudcode-relay/relay/internal/account"
	"github.com/cloudcode-relay/relay/internal/accountsync"
	"github.com/cloudcode-relay/relay/internal/config"
	"github.com/cloudcode-relay/relay/internal/events"
	"github.com/cloudcode-relay/relay/internal/ingress"
	"github.com/cloudcode-relay/relay/internal/pool"
	"github.com/cloudcode-relay/relay/internal/refresher"
	"github.com/cloudcode-relay/relay/internal/store"
	"github.com/cloudcode-relay/relay/internal/transport"
	"github.com/cloudcode-relay/relay/internal/upstream"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("cloudcode-relay starting", "version", version)

	s, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer s.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	crypto := account.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}
	slog.Info("encryption key derived")

	tm := transport.NewManager(cfg, loadProxyConfig())
	defer tm.CloseIdle()

	bus := events.NewBus(200)

	p := pool.New(cfg, s, crypto, bus)
	syncer := accountsync.New(s, crypto, cfg)
	refr := refresher.New(s, crypto, cfg, bus, syncer)
	fwd := upstream.New(p, tm, cfg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Refresh(ctx); err != nil {
		slog.Error("initial pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account pool loaded", "accounts", p.Size())
	go refr.Run(ctx)
	go tm.RunIdleSweep(ctx, 10*time.Minute)

	srv := ingress.New(cfg, s, crypto, p, fwd, syncer, bus)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadProxyConfig reads the optional egress proxy settings the transport
// manager tunnels through. Returns nil when PROXY_ENABLED is unset,
// meaning every outbound connection dials direct.
func loadProxyConfig() *transport.ProxyConfig {
	if os.Getenv("PROXY_ENABLED") != "true" {
		return nil
	}
	return &transport.ProxyConfig{
		Type:     envOr("PROXY_TYPE", "socks5"),
		Host:     os.Getenv("PROXY_HOST"),
		Port:     envInt("PROXY_PORT", 1080),
		Username: os.Getenv("PROXY_USERNAME"),
		Password: os.Getenv("PROXY_PASSWORD"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
