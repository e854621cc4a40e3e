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

	"github.com/spf13/cobra"

	"github.com/cuemby/tempo/pkg/auth"
	"github.com/cuemby/tempo/pkg/broadcast"
	"github.com/cuemby/tempo/pkg/config"
	"github.com/cuemby/tempo/pkg/log"
	"github.com/cuemby/tempo/pkg/metrics"
	"github.com/cuemby/tempo/pkg/seed"
	"github.com/cuemby/tempo/pkg/session"
	"github.com/cuemby/tempo/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tempo",
	Short: "Tempo - authoritative multiplayer scheduling server",
	Long: `Tempo is a small multiplayer scheduling server: it owns the
canonical world of tasks, users and services in memory, accepts binary
commands from renderer clients over a persistent connection, persists
each mutation to a single-file save and broadcasts the resulting event
to every connected client.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tempo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("save-path", "", "Location of the single-file save")
	serveCmd.Flags().String("listen", "", "TCP listen address")
	serveCmd.Flags().Int("broadcast-capacity", 0, "Broadcast bus capacity (frames per subscriber)")
	serveCmd.Flags().Bool("dev-auth", false, "Accept unauthenticated connections with a substitute actor")
	serveCmd.Flags().String("metrics-addr", "", "Metrics listen address (empty to disable)")
	serveCmd.Flags().String("static-dir", "", "Static asset root (empty to disable)")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("save-path"); v != "" {
		cfg.SavePath = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetInt("broadcast-capacity"); v > 0 {
		cfg.BroadcastCapacity = v
	}
	if cmd.Flags().Changed("dev-auth") {
		cfg.DevAuth, _ = cmd.Flags().GetBool("dev-auth")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if v, _ := cmd.Flags().GetString("static-dir"); v != "" {
		cfg.StaticDir = v
	}
}

func serve(cfg config.Config) error {
	logger := log.WithComponent("server")

	// Boot errors are fatal: the save must load and seeding must
	// commit before any connection is accepted.
	save, err := storage.Open(cfg.SavePath)
	if err != nil {
		return fmt.Errorf("failed to open save file: %w", err)
	}
	defer save.Close()

	if err := seed.EnsureDefaults(save); err != nil {
		return fmt.Errorf("seeding failed: %w", err)
	}

	w, err := save.LoadWorld()
	if err != nil {
		return fmt.Errorf("failed to load world: %w", err)
	}
	logger.Info().
		Uint64("revision", w.Revision).
		Int("tasks", len(w.Tasks)).
		Int("users", len(w.Users)).
		Int("services", len(w.Services)).
		Str("save", cfg.SavePath).
		Msg("world loaded")
	metrics.WorldRevision.Set(float64(w.Revision))

	bus := broadcast.New(cfg.BroadcastCapacity)
	defer bus.Close()

	tokens := auth.NewTokenManager()
	srv := session.NewServer(w, save, bus, tokens, cfg.DevAuth)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/game", srv.HandleGame)
	mux.Handle("/api/auth/login", auth.NewHandler(srv, tokens))
	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	if cfg.MetricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Bool("dev_auth", cfg.DevAuth).Msg("listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	return nil
}
