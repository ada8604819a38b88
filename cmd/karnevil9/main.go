// karnevil9 daemon: binds the control-plane HTTP/WS server over the
// execution kernel, the journal, the tool registry and the built-in planner.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/karnevil9/karnevil9/pkg/api"
	"github.com/karnevil9/karnevil9/pkg/config"
	"github.com/karnevil9/karnevil9/pkg/journal"
	"github.com/karnevil9/karnevil9/pkg/masking"
	"github.com/karnevil9/karnevil9/pkg/memory"
	"github.com/karnevil9/karnevil9/pkg/planner"
	"github.com/karnevil9/karnevil9/pkg/tools"
	"github.com/karnevil9/karnevil9/pkg/version"
)

// shutdownTimeout bounds the HTTP drain during graceful shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to the .env file")
	insecure := flag.Bool("insecure", false, "Allow running without an API token")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg := config.FromEnv()
	if *insecure {
		cfg.AllowInsecure = true
	}
	setupLogging(cfg.Production)

	slog.Info("Starting karnevil9",
		"version", version.Full(),
		"addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"insecure", cfg.Insecure())

	// 1. Journal: LevelDB when a data dir is configured, in-memory otherwise.
	var jnl journal.Journal
	if cfg.DataDir != "" {
		lj, err := journal.OpenLevelJournal(filepath.Join(cfg.DataDir, "journal"))
		if err != nil {
			slog.Error("Failed to open journal", "error", err)
			os.Exit(1)
		}
		jnl = lj
	} else {
		slog.Warn("No data directory configured, journal is in-memory only")
		jnl = journal.NewMemoryJournal()
	}
	defer func() {
		if err := jnl.Close(); err != nil {
			slog.Error("Error closing journal", "error", err)
		}
	}()

	// 2. Active memory (optional, LevelDB-backed).
	var mem *memory.Store
	if cfg.DataDir != "" {
		m, err := memory.Open(filepath.Join(cfg.DataDir, "memory"))
		if err != nil {
			slog.Error("Failed to open active memory", "error", err)
			os.Exit(1)
		}
		mem = m
		defer func() {
			if err := mem.Close(); err != nil {
				slog.Error("Error closing active memory", "error", err)
			}
		}()
	}

	// 3. Built-in tools.
	registry := tools.NewRegistry()
	for _, t := range []*tools.Tool{
		tools.Echo(),
		tools.HTTPGet(http.DefaultClient, cfg.DefaultPolicy.AllowedEndpoints),
		tools.ShellRun(cfg.DefaultPolicy.AllowedCommands),
	} {
		if err := registry.Register(t); err != nil {
			slog.Error("Failed to register tool", "tool", t.Schema.Name, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Tool registry initialized", "tools", len(registry.List()))

	// 4. Control-plane server. The server wires its own runtime, approval
	// registry, rate limiter and fan-out around these collaborators.
	srv, err := api.NewServer(cfg, api.Deps{
		Journal:  jnl,
		Registry: registry,
		Planner:  func() planner.Planner { return planner.NewKeyword() },
		Memory:   mem,
		Masker:   masking.NewService(),
	})
	if err != nil {
		slog.Error("Failed to build server", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// setupLogging switches to JSON logs in production.
func setupLogging(production bool) {
	if !production {
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}
