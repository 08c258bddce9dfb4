package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"

	"texbot/internal/bot"
	"texbot/internal/config"
	"texbot/internal/http/server"
	"texbot/internal/infra/chrome"
	"texbot/internal/infra/logging"
	"texbot/internal/infra/statestore"
	"texbot/internal/infra/tokens"
	"texbot/internal/matrix"
	"texbot/internal/tex"
	"texbot/internal/typeset"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logging.Error("texbot stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("texbot", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.Path(), "path to the YAML configuration file")
	logLevel := flags.String("log-level", "", "override logger.level")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.LoadFrom(*configPath)
	logging.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	if *logLevel != "" {
		logging.SetLogLevel(*logLevel)
	}
	// Allow common container env var to override chrome_path.
	if cfg.Renderer.ChromePath == "" {
		cfg.Renderer.ChromePath = os.Getenv("CHROME_BIN")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		tabs typeset.TabSource
		pool *chrome.Pool
	)
	pool, err := chrome.NewPool(cfg.Renderer)
	switch {
	case errors.Is(err, chrome.ErrPoolDisabled):
		logging.Info("Chrome pool disabled, starting a browser per formula")
		tabs = chrome.NewEphemeral(cfg.Renderer)
	case err != nil:
		return fmt.Errorf("chrome pool: %w", err)
	default:
		defer pool.Close()
		tabs = pool
	}
	engine := typeset.New(tabs, cfg.Renderer)

	watcher := config.NewWatcher(*configPath, cfg.Plugin, cfg.Reload.Interval)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watcher.Run(ctx, hup)

	client, err := matrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.UserID, cfg.Matrix.AccessToken,
		&http.Client{Timeout: cfg.Matrix.SyncTimeout + 30*time.Second})
	if err != nil {
		return err
	}
	whoami, err := client.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("check access token: %w", err)
	}
	if whoami != cfg.Matrix.UserID {
		logging.Warn("Access token belongs to a different user", "configured", cfg.Matrix.UserID, "actual", whoami)
	}

	state, err := statestore.New(ctx, statestore.Options{
		Backend:   cfg.Cache.StateBackend,
		RedisAddr: cfg.Cache.RedisHost,
		RedisDB:   cfg.Cache.StateDB,
	})
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer state.Close()

	dispatcher := tex.NewDispatcher(engine, bot.NewMessenger(client), watcher.Plugin)
	b := bot.New(client, dispatcher, state, cfg.Matrix, watcher.Plugin)
	botDone := make(chan error, 1)
	go func() { botDone <- b.Run(ctx) }()

	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		deps := server.Deps{
			Config:   cfg,
			Renderer: tex.NewRenderer(engine),
			Settings: watcher.Plugin,
			Pool:     pool,
		}
		if cfg.Auth.Postgres.Host != "" {
			store := tokens.NewStore()
			if err := store.LoadFromPostgres(ctx, cfg.Auth.Postgres); err != nil {
				logging.Error("Failed to load API tokens", "error", err)
			}
			defer store.Close()
			go store.Refresh(ctx, cfg.Auth.Postgres, cfg.Auth.RefreshInterval)
			deps.Tokens = store
		}
		go startServer(ctx, server.New(deps), cfg, serverDone)
	} else {
		close(serverDone)
	}

	select {
	case <-ctx.Done():
		logging.Warn("Shutdown signal received, stopping...")
		err = <-botDone
	case err = <-botDone:
		cancel()
	}
	<-serverDone
	logging.Info("texbot stopped cleanly")
	return err
}

// startServer serves app until ctx is done and closes done after a graceful
// shutdown.
func startServer(ctx context.Context, app *fiber.App, cfg config.Config, done chan<- struct{}) {
	defer close(done)
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			logging.Error("Server error", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
	}
	logging.Info("Server stopped cleanly")
}
