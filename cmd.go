package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"eisenhower/api"
	"eisenhower/domain"
	"eisenhower/storage"
)

const shutdownTimeout = 10 * time.Second

// newRootCmd builds the eisenhower command tree. Running it without a
// subcommand starts the server.
func newRootCmd(getenv func(string) string) *cobra.Command {
	var (
		port   int
		dbPath string
	)
	load := func(cmd *cobra.Command) (Config, error) {
		cfg, err := loadConfig(getenv)
		if err != nil {
			return Config{}, err
		}
		if cmd.Flags().Changed("port") {
			if port <= 0 || port > 65535 {
				return Config{}, fmt.Errorf("invalid --port %d", port)
			}
			cfg.Port = port
		}
		if cmd.Flags().Changed("db") {
			cfg.DBPath = dbPath
		}
		configureLogging(log.StandardLogger(), cfg)
		return cfg, nil
	}

	runServe := func(cmd *cobra.Command, _ []string) error {
		cfg, err := load(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log.StandardLogger())
	}

	root := &cobra.Command{
		Use:           "eisenhower",
		Short:         "An Eisenhower matrix task board",
		Long:          "eisenhower serves a personal task board split into the four urgent/important quadrants plus Today.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().IntVar(&port, "port", defaultPort, "HTTP listen port (overrides PORT)")
	root.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "SQLite database path (overrides EISENHOWER_DB)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return migrate(cfg)
		},
	})
	return root
}

// migrate opens the database, which applies the schema, and closes it.
func migrate(cfg Config) error {
	st, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := st.Close(); err != nil {
		return err
	}
	log.WithField("db", cfg.DBPath).Info("schema applied")
	return nil
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, cfg Config, logger *log.Logger) error {
	if cfg.DefaultCredentials() {
		logger.Warn("using default credentials; set EISENHOWER_USERNAME and EISENHOWER_PASSWORD")
	}
	st, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.Close()

	var (
		store   domain.Store = st
		deduper api.Deduper
		updates *api.UpdateBroker
	)
	if cfg.RedisURL != "" {
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return err
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		store = storage.NewCache(st, rc, cfg.CacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		updates = api.NewUpdateBroker(rc, cfg.UpdatesChannel, logger)
		go updates.Relay(ctx)
	} else {
		updates = api.NewUpdateBroker(nil, "", logger)
	}

	svc := domain.NewTaskService(store, cfg.CompletedLimit)
	e := api.NewServer(logger)
	api.Register(e, svc, api.Options{
		Credentials: cfg.Credentials,
		Health:      st,
		Deduper:     deduper,
		Updates:     updates,
		Logger:      logger,
	})
	// Request contexts end with ctx so open streams close on shutdown.
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":  cfg.Addr(),
			"db":    cfg.DBPath,
			"redis": cfg.RedisURL != "",
		}).Info("listening")
		errCh <- e.Start(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
