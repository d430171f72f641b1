package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/samber/do/v2"
	slogmulti "github.com/samber/slog-multi"
	"golang.org/x/sync/errgroup"

	"github.com/voyagen/channelfeed/internal/config"
	"github.com/voyagen/channelfeed/internal/di"
	"github.com/voyagen/channelfeed/internal/server"
	"github.com/voyagen/channelfeed/internal/service"
	"github.com/voyagen/channelfeed/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment variables")
	migrationsDir := flag.String("migrations", "migrations", "Directory holding the SQL migrations")
	once := flag.Bool("once", false, "Run a single sync pass and exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if store.IsPostgres(cfg.DatabaseURL) {
		if err := store.RunMigrations(cfg.DatabaseURL, "file://"+resolveMigrations(*migrationsDir)); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
	}

	injector := di.New(cfg, logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, injector, *once)
	stop()
	di.Shutdown(injector)
	if err != nil {
		logger.Error("channelfeed stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("channelfeed stopped")
}

// run starts the orchestrator and the ops server. A fatal orchestrator
// error also stops the server, and the other way round.
func run(ctx context.Context, injector do.Injector, once bool) error {
	orch, err := do.Invoke[*service.Orchestrator](injector)
	if err != nil {
		return err
	}
	if once {
		if err := orch.SyncOnce(ctx); err != nil {
			return err
		}
		slog.Info("sync pass done", "stats", orch.Stats().Snapshot())
		return nil
	}

	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	return g.Wait()
}

// newLogger fans out to a text handler on stdout at the configured level and
// a JSON handler on stderr for errors.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	text := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	errs := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(slogmulti.Fanout(text, errs))
}

// resolveMigrations finds the migrations directory relative to the working
// directory, falling back to the directory of the executable.
func resolveMigrations(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if _, err := os.Stat(abs); err != nil {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), dir)
		}
	}
	return abs
}
