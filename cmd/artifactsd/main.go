package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/macomeau/Artifacts-sub002/internal/config"
	"github.com/macomeau/Artifacts-sub002/internal/daemon"
	"github.com/macomeau/Artifacts-sub002/internal/db"
	"github.com/macomeau/Artifacts-sub002/internal/supervisor"
)

func main() {
	settings := flag.String("settings", config.DefaultSettingsPath(), "settings file path")
	socket := flag.String("socket", "", "UDS path for artifactsd")
	dbPath := flag.String("db", "", "SQLite path")
	port := flag.Int("port", 0, "serve the control API on 127.0.0.1:<port> instead of the socket")
	flag.Parse()

	cfg, err := config.Load(*settings)
	if err != nil {
		fatal(err)
	}
	if *socket != "" {
		cfg.SocketPath = *socket
	}
	if *dbPath != "" {
		cfg.DatabaseURL = *dbPath
	}
	if *port > 0 {
		cfg.GUIPort = *port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	sup := supervisor.New(store, cfg)
	if recovered, err := sup.Recover(ctx); err != nil {
		logErr("boot recovery", err)
	} else if len(recovered) > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "artifactsd: recovered %d task(s) at boot\n", len(recovered))
	}
	startReapLoop(ctx, sup)

	srv := daemon.NewServer(cfg, store, sup)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// startReapLoop periodically probes tracked workers so a task whose
// process died without a clean exit still converges; healthy tasks are
// left untouched.
func startReapLoop(ctx context.Context, sup *supervisor.Supervisor) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := sup.Reap(ctx); err != nil {
					logErr("reap loop", err)
				}
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "artifactsd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "artifactsd: %v\n", err)
	os.Exit(1)
}
