// Command softdial runs the softphone backend: SIP engine, call
// orchestrator, persistence, and the stdio/websocket frontend channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softdial/softdial/internal/call"
	"github.com/softdial/softdial/internal/config"
	"github.com/softdial/softdial/internal/engine"
	"github.com/softdial/softdial/internal/frontend"
	"github.com/softdial/softdial/internal/metrics"
	"github.com/softdial/softdial/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr: stdout carries the JSON event stream for the
	// stdio frontend.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting softdial",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	historyRepo := store.NewHistoryRepository(db)
	contactRepo := store.NewContactRepository(db)

	account, err := config.LoadAccount(cfg.AccountPath)
	if err != nil {
		slog.Error("failed to load account file", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	eng, err := engine.NewSIPEngine(engine.Options{
		Hostname:  localAddr(),
		Port:      cfg.SIPPort,
		Transport: "udp",
		Input:     engine.ConfiguredDevice(account.Audio.InputDevice, "Configured Input"),
		Output:    engine.ConfiguredDevice(account.Audio.OutputDevice, "Configured Output"),
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create sip engine", "error", err)
		os.Exit(1)
	}
	eng.Start(appCtx)

	registry := call.NewRegistry(logger, cfg.Strict)
	orch := call.NewOrchestrator(eng, registry, historyRepo, contactRepo, account, logger)
	go orch.Run(appCtx) //nolint:errcheck

	// Event fan-out to the frontend channels.
	hub := frontend.NewHub(logger)
	go hub.Run(appCtx, orch.Events())

	stdio := frontend.NewStdio(orch, hub, os.Stdin, os.Stdout, logger)
	go func() {
		if err := stdio.Run(appCtx); err != nil {
			slog.Error("stdio frontend failed", "error", err)
		}
	}()

	ws := frontend.NewWSServer(orch, hub, logger)

	// Metrics collector over the live components.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(
		sessionMetrics{registry}, orch, eng, historyRepo, startTime,
	))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/ws", ws.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	// No WriteTimeout: it would sever long-lived websocket connections.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	appCancel()
	eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("softdial stopped")
}

// sessionMetrics adapts the registry to the metrics provider interface,
// flattening typed states to strings.
type sessionMetrics struct {
	reg *call.Registry
}

func (s sessionMetrics) Count() int      { return s.reg.Count() }
func (s sessionMetrics) GroupCount() int { return s.reg.GroupCount() }

func (s sessionMetrics) CountByState() map[string]int {
	counts := s.reg.CountByState()
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[string(state)] = n
	}
	return out
}

// localAddr finds the preferred outbound IP to advertise in SIP Contact
// headers. No packets are sent; the dial only resolves routing.
func localAddr() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
