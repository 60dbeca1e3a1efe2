// Command server runs the rendezvous WebSocket coordination server: the
// Queue, Pairing, Connection, Security, and Message Router managers behind
// the single upgrade path the Admission Front exposes, plus /health and
// /metrics.
//
// Grounded on the teacher's main.go: flag/config parsing, store-free
// component wiring by direct construction, a context cancelled on SIGINT,
// and a set of background tickers driving periodic maintenance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/conn"
	"github.com/vibeconnect/rendezvous/internal/config"
	"github.com/vibeconnect/rendezvous/internal/httpapi"
	"github.com/vibeconnect/rendezvous/internal/metrics"
	"github.com/vibeconnect/rendezvous/internal/pairing"
	"github.com/vibeconnect/rendezvous/internal/protocol"
	"github.com/vibeconnect/rendezvous/internal/queue"
	"github.com/vibeconnect/rendezvous/internal/router"
	"github.com/vibeconnect/rendezvous/internal/security"
	"github.com/vibeconnect/rendezvous/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional, overlays defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	instanceID := uuid.NewString()
	slog.Info("starting rendezvous server", "instance_id", instanceID, "port", cfg.Port)

	clk := clock.New()

	qm := queue.New(clk, cfg.MaxQueueSize, cfg.QueueTimeout.Nanoseconds(), true)
	pm := pairing.New(clk, cfg.ModeSwitchTimeout.Nanoseconds())
	cm := conn.New(clk, cfg.ConnectionTimeout.Nanoseconds())
	sm, err := security.New(clk, security.Config{
		MaxConnectionsPerIP:        cfg.MaxConnectionsPerIP,
		ConnectionWindow:           time.Minute,
		BanDuration:                cfg.BanDuration,
		WindowInactivity:           time.Hour,
		RateLimitMessagesPerMinute: cfg.RateLimitMessagesPerMinute,
		RateLimitSkipsPerMinute:    cfg.RateLimitSkipsPerMinute,
		RateLimitReportsPerHour:    cfg.RateLimitReportsPerHour,
		MaxMessageLength:           cfg.MaxMessageLength,
		FingerprintCapacity:        cfg.FingerprintCap,
		EncryptionEnabled:          cfg.EncryptionOn,
		TokensEnabled:              cfg.TokensEnabled,
		JWTSecret:                  cfg.JWTSecret,
		TokenTTL:                   cfg.TokenTTL,
		RefreshTTL:                 cfg.RefreshTTL,
	})
	if err != nil {
		slog.Error("construct security manager", "err", err)
		os.Exit(1)
	}
	defer sm.Close()

	var reg *metrics.Registry
	if cfg.MetricsEnabled {
		reg = metrics.New(prometheus.DefaultRegisterer)
	}

	rt := router.New(clk, qm, pm, cm, sm, reg, router.Config{MaxFrameSize: cfg.MaxMessageSize})
	front := transport.New(sm, cm, rt)
	srv := httpapi.New(front, qm, cm, sm, reg, cfg.MetricsEnabled, cfg.AdminToken, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	go runMaintenance(ctx, cfg, qm, pm, cm, sm, rt, reg)

	addr := fmt.Sprintf(":%d", cfg.Port)
	if err := srv.Run(ctx, addr); err != nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runMaintenance drives the periodic sweeps each manager needs: heartbeat
// liveness probing, queue timeout eviction, security table cleanup, and
// mode-switch handshake expiry. Grounded on the teacher's RunMetrics/mute
// expiry ticker-goroutine pattern in main.go.
func runMaintenance(ctx context.Context, cfg *config.Config, qm *queue.Manager, pm *pairing.Manager, cm *conn.Manager, sm *security.Manager, rt *router.Router, reg *metrics.Registry) {
	heartbeat := time.NewTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(cfg.CleanupInterval)
	defer cleanup.Stop()

	pingFrame, _ := json.Marshal(protocol.Message{Type: protocol.TypePing})

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			probes, evicted := cm.HeartbeatTick()
			for _, userID := range probes {
				cm.SendToUser(userID, pingFrame)
			}
			for _, userID := range evicted {
				slog.Debug("heartbeat evicted stale connection", "user_id", userID)
				rt.Disconnect(userID)
			}
		case <-cleanup.C:
			timedOut := qm.Sweep()
			if reg != nil {
				if timedOut > 0 {
					reg.QueueTimeouts.Add(float64(timedOut))
				}
				reg.ActivePairs.Set(float64(pm.PairCount()))
			}
			expired := pm.SweepExpiredSwitches()
			report := sm.Cleanup()
			if timedOut > 0 || expired > 0 || report.WindowsDropped > 0 || report.BansDropped > 0 || report.AbuseDropped > 0 {
				slog.Debug("maintenance sweep",
					"queue_timeouts", timedOut,
					"switch_expiries", expired,
					"ip_windows_dropped", report.WindowsDropped,
					"bans_dropped", report.BansDropped,
					"abuse_records_dropped", report.AbuseDropped,
				)
			}
		}
	}
}

// setupLogging installs the process-wide slog handler per cfg.LogLevel and
// cfg.LogFormat, matching the teacher's structured-logging intent without
// hardcoding the level the way the teacher's plain log.Printf calls do.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
