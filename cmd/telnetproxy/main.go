// Command telnetproxy is the entry point for the session proxy: it
// reads configuration from the environment, wires the session core
// (buffer, telnet parser, triggers, push scheduler, dispatcher)
// together, and serves the WebSocket transport. Acceptance details
// (TLS termination, health/diagnostic HTML) stay minimal, per
// spec.md §1's Non-goals for this core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anicolao/telnetproxy/internal/config"
	"github.com/anicolao/telnetproxy/internal/dispatch"
	"github.com/anicolao/telnetproxy/internal/notify"
	"github.com/anicolao/telnetproxy/internal/push"
	"github.com/anicolao/telnetproxy/internal/session"
	"github.com/anicolao/telnetproxy/internal/transport"
	"github.com/anicolao/telnetproxy/internal/triggers"
)

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Printf("telnetproxy: config error: %v", err)
		os.Exit(1)
	}

	manager := session.NewManager(session.Limits{
		MaxPerDevice:   cfg.MaxPerDevice,
		MaxPerIP:       cfg.MaxPerIP,
		SessionTimeout: cfg.SessionTimeout,
	})

	matcher := triggers.NewMatcher(triggers.Config{
		PerTypePerMinute: cfg.TriggerPerTypePerMinute,
		TotalPerHour:     cfg.TriggerTotalPerHour,
	})

	notifier := notify.NewLoggingNotifier()

	scheduler := push.New(push.Config{
		SilentPushInterval:   cfg.SilentPushInterval,
		ActivityPushInterval: cfg.ActivityPushInterval,
		ActivityAckTimeout:   cfg.ActivityAckTimeout,
		FallbackCooldown:     cfg.FallbackCooldown,
		MaxFallbacksPerHour:  cfg.MaxFallbacksPerHour,
		MaxSnippetLength:     cfg.MaxSnippetLength,
	}, notifier)

	d := dispatch.New(dispatch.Config{
		OnlyAllowDefaultServer: cfg.OnlyAllowDefaultServer,
		DefaultHost:            cfg.TelnetHost,
		DefaultPort:            cfg.TelnetPort,
		BufferCapacityBytes:    cfg.BufferCapacityBytes,
	}, manager, matcher, scheduler, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartCleanupSweep(ctx); err != nil {
		log.Printf("telnetproxy: failed to start cleanup sweep: %v", err)
		os.Exit(1)
	}
	startTriggerSweep(ctx, matcher)

	upgrader := transport.NewUpgrader(cfg.AllowedOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWS(w, r, cfg, upgrader, d)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("telnetproxy: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("telnetproxy: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("telnetproxy: listen failed: %v", err)
		os.Exit(1)
	}
}

// serveWS upgrades one client connection and drives its message loop
// for the lifetime of the socket, per spec.md §4.8.
func serveWS(w http.ResponseWriter, r *http.Request, cfg config.Config, upgrader *transport.Upgrader, d *dispatch.Dispatcher) {
	remoteIP := clientIP(r, cfg.TrustProxy)

	onMessage := func(tr *transport.WSTransport, line []byte) {
		d.HandleMessage(tr, remoteIP, line, func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				log.Printf("telnetproxy: failed to encode outbound message: %v", err)
				return
			}
			if err := tr.Send(b); err != nil {
				log.Printf("telnetproxy: send to %s failed: %v", remoteIP, err)
			}
		})
	}
	onClose := func(tr *transport.WSTransport) {
		d.HandleTransportClosed(tr)
	}

	if _, err := upgrader.Accept(w, r, remoteIP, onMessage, onClose); err != nil {
		log.Printf("telnetproxy: upgrade from %s failed: %v", remoteIP, err)
	}
}

// clientIP honors X-Real-IP/X-Forwarded-For only when TRUST_PROXY is
// set, per spec.md §6; otherwise it uses the raw socket peer.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if v := r.Header.Get("X-Real-IP"); v != "" {
			return v
		}
		if v := r.Header.Get("X-Forwarded-For"); v != "" {
			parts := strings.Split(v, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// startTriggerSweep runs TriggerMatcher.CleanupOldEntries once an
// hour, purging rate-limit entries untouched for 48 hours, using a
// plain background goroutine timer: the sweep has no cron-style scheduling semantics
// to gain from robfig/cron, unlike the 5-minute wall-clock sweep in
// SessionManager.
func startTriggerSweep(ctx context.Context, matcher *triggers.Matcher) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				matcher.CleanupOldEntries(48 * time.Hour)
			}
		}
	}()
}
