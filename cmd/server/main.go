package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docqa/ragserve"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := ragserve.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	cfg.ApplyEnv(os.Getenv)

	if cfg.Chat.APIKey == "" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	corsOrigins := os.Getenv("CORS_ORIGINS")

	ctx := context.Background()
	app, err := ragserve.New(ctx, cfg)
	if err != nil {
		slog.Error("creating app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metrics := newServerMetrics(prometheus.DefaultRegisterer)
	h := newHandler(app, metrics)

	limiter, stopLimiter := newRateLimiter(defaultRateLimit, defaultRateBurst)
	defer stopLimiter()

	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/upload", limiter.middleware(http.HandlerFunc(h.handleUpload)))
	mux.Handle("POST /api/v1/chat/stream", limiter.middleware(http.HandlerFunc(h.handleChatStream)))
	mux.HandleFunc("GET /api/v1/sessions/{session_id}", h.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/files/{file_id}", h.handleDeleteFile)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Middleware chain: recovery -> cors -> logging -> mux. End-user
	// authentication is explicitly out of scope (§1 Non-goals); the
	// user_id header is trusted as supplied by the caller.
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (chat/stream can run long)
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
