// Package main is the entrypoint for tollbooth, a distributed,
// tier-aware, load-adaptive rate limiter that sits in front of HTTP
// request handlers, admitting or rejecting requests in a few
// milliseconds based on credential identity, tier quota, and a global
// system-health signal, kept consistent across a horizontally scaled
// fleet via a shared coordinating store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/saidutt46/tollbooth/internal/abuse"
	"github.com/saidutt46/tollbooth/internal/admin"
	"github.com/saidutt46/tollbooth/internal/audit"
	"github.com/saidutt46/tollbooth/internal/config"
	"github.com/saidutt46/tollbooth/internal/events"
	"github.com/saidutt46/tollbooth/internal/health"
	"github.com/saidutt46/tollbooth/internal/identity"
	"github.com/saidutt46/tollbooth/internal/logging"
	"github.com/saidutt46/tollbooth/internal/middleware"
	"github.com/saidutt46/tollbooth/internal/ratelimit"
	"github.com/saidutt46/tollbooth/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("tollbooth failed to start")
		os.Exit(1)
	}
}

func run() error {
	printBanner()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	} else {
		log.Debug().Msg("loaded configuration from .env file")
	}

	cfg, err := config.LoadProcessConfig()
	if err != nil {
		return fmt.Errorf("failed to load process configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("environment", cfg.Environment).
		Msg("tollbooth starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sharedStore, err := store.New(store.Config{
		URL:            cfg.StoreURL(),
		MaxConnections: cfg.StoreMaxConnections,
		CallTimeout:    cfg.StoreTimeout,
		Breaker:        store.DefaultConfig().Breaker,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to shared store: %w", err)
	}
	defer sharedStore.Close()

	var publisher events.Publisher = events.NewKafkaBus(splitAndTrim(cfg.KafkaBrokers))
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var auditSink *audit.Sink
	if cfg.AuditDSN != "" {
		auditCfg := audit.DefaultConfig()
		auditCfg.DSN = cfg.AuditDSN
		auditSink, err = audit.New(auditCfg)
		if err != nil {
			log.Warn().Err(err).Msg("audit sink unavailable, continuing without durable audit trail")
		} else {
			defer auditSink.Close()
			publisher = fanOut{primary: publisher, secondary: auditSink}
		}
	}

	onReloadFailed := func(path string, cause error) {
		publisher.Publish(context.Background(), events.Event{
			Kind:       events.KindConfigReloadFailed,
			Detail:     fmt.Sprintf("%s: %v", path, cause),
			OccurredAt: time.Now(),
		})
	}

	loader, err := config.NewLoader(ctx, cfg.ConfigPath, onReloadFailed)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", cfg.ConfigPath, err)
	}
	defer loader.Close()

	resolver := identity.NewResolver(loader)
	abuseGuard := abuse.New(sharedStore, abuse.DefaultConfig(), publisher)
	healthSvc := health.New(sharedStore, health.DefaultConfig())
	counter := ratelimit.NewCounter(sharedStore)

	orchestrator := middleware.New(middleware.Config{
		Loader:    loader,
		Resolver:  resolver,
		Abuse:     abuseGuard,
		Health:    healthSvc,
		Counter:   counter,
		Publisher: publisher,
		Allowlist: middleware.NewAllowlist([]string{"/health", "/ready", "/admin/*"}),
	})

	var auditSource admin.AuditSource
	if auditSink != nil {
		auditSource = auditSink
	}
	adminHandler := admin.New(healthSvc, loader, cfg.AdminKey, auditSource)

	mux := setupRoutes(adminHandler)
	handler := orchestrator.Handler(mux)

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.ServerAddress()).Msg("HTTP server starting")
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.WithError(err).Msg("graceful shutdown failed, forcing close")
			if err := server.Close(); err != nil {
				return fmt.Errorf("could not stop server: %w", err)
			}
		}

		log.Info().Msg("server stopped gracefully")
	}

	return nil
}

// setupRoutes wires the admin surface and a minimal demo backend, per
// SPEC_FULL.md 2's Demo Request Handlers — not part of the core decision
// engine, exercised only for manual verification of the middleware.
func setupRoutes(adminHandler *admin.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			adminHandler.GetHealth(w, r)
		case http.MethodPost:
			adminHandler.SetHealth(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/admin/config/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		adminHandler.ReloadConfig(w, r)
	})
	mux.HandleFunc("/admin/audit/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		adminHandler.AuditEvents(w, r)
	})

	mux.HandleFunc("PUT /admin/users/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		adminHandler.PutUser(w, r, r.PathValue("user_id"))
	})
	mux.HandleFunc("DELETE /admin/users/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		adminHandler.DeleteUser(w, r, r.PathValue("user_id"))
	})
	mux.HandleFunc("PUT /admin/credentials/{credential}", func(w http.ResponseWriter, r *http.Request) {
		adminHandler.PutCredential(w, r, r.PathValue("credential"))
	})
	mux.HandleFunc("DELETE /admin/credentials/{credential}", func(w http.ResponseWriter, r *http.Request) {
		adminHandler.DeleteCredential(w, r, r.PathValue("credential"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"message":"request admitted","path":%q}`, r.URL.Path)
	})

	return mux
}

// fanOut publishes to two publishers so the Kafka event bus and the
// durable audit sink both see every security event, without the
// abuse and config components knowing the audit sink exists.
type fanOut struct {
	primary   events.Publisher
	secondary events.Publisher
}

func (f fanOut) Publish(ctx context.Context, event events.Event) {
	f.primary.Publish(ctx, event)
	f.secondary.Publish(ctx, event)
}

func splitAndTrim(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printBanner() {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║                                                           ║
║   ████████╗ ██████╗ ██╗     ██╗     ██████╗  ██████╗  ║
║   ╚══██╔══╝██╔═══██╗██║     ██║     ██╔══██╗██╔═══██╗ ║
║      ██║   ██║   ██║██║     ██║     ██████╔╝██║   ██║ ║
║      ██║   ██║   ██║██║     ██║     ██╔══██╗██║   ██║ ║
║      ██║   ╚██████╔╝███████╗███████╗██████╔╝╚██████╔╝ ║
║      ╚═╝    ╚═════╝ ╚══════╝╚══════╝╚═════╝  ╚═════╝  ║
║                                                           ║
║              distributed tier-aware rate limiter           ║
║                                                           ║
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
	fmt.Printf("Version: %s | Build: %s | Commit: %s\n\n", Version, BuildTime, GitCommit)
}
