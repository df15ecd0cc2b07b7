package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/config"
	"github.com/polytrack/polytrack-backend/internal/httpapi"
	"github.com/polytrack/polytrack-backend/internal/hub"
	"github.com/polytrack/polytrack-backend/internal/lobby"
	"github.com/polytrack/polytrack-backend/internal/race"
	"github.com/polytrack/polytrack-backend/internal/store"
	"github.com/polytrack/polytrack-backend/internal/types"
)

const envPrefix = "PTRK"

func main() {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "polytrack-server",
		Short: "Authoritative multiplayer race server for PolyTrack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	f.IntVar(&cfg.CountdownSeconds, "countdown", cfg.CountdownSeconds,
		"race start countdown in seconds")
	f.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod,
		"reconnection grace window for mid-race disconnects")
	f.DurationVar(&cfg.RaceTimeout, "race-timeout", cfg.RaceTimeout,
		"force-rank stragglers after this long (0 disables)")
	f.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval,
		"authoritative race state broadcast interval")
	f.DurationVar(&cfg.LobbyIdleTimeout, "idle-timeout", cfg.LobbyIdleTimeout,
		"close lobbies with no activity after this long (0 disables)")
	f.IntVar(&cfg.Laps, "laps", cfg.Laps,
		"lap count override; 0 uses the track default")
	f.StringVar(&cfg.ResultsDSN, "results-db", cfg.ResultsDSN,
		"postgres DSN for race result persistence (empty disables)")
	f.BoolVar(&cfg.Dev, "dev", cfg.Dev, "development logging")

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix(envPrefix)
		viper.AutomaticEnv()
		bindFlags(rootCmd, viper.GetViper())
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bindFlags lets PTRK_ env vars stand in for unset flags, e.g. PTRK_ADDR for
// --addr and PTRK_RACE_TIMEOUT for --race-timeout.
func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(key))); err != nil {
			fmt.Fprintf(os.Stderr, "could not bind env var for %s: %v\n", f.Name, err)
		}
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				fmt.Fprintf(os.Stderr, "could not set flag %s: %v\n", f.Name, err)
			}
		}
	})
}

func run(cfg config.Config) error {
	var logger *zap.Logger
	var err error
	if cfg.Dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var results *store.Store
	if cfg.ResultsDSN != "" {
		results, err = store.Open(cfg.ResultsDSN)
		if err != nil {
			return fmt.Errorf("open results store: %w", err)
		}
		logger.Info("race result persistence enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lobbyCfg := lobby.Config{
		CountdownSeconds: cfg.CountdownSeconds,
		GracePeriod:      cfg.GracePeriod,
		IdleTimeout:      cfg.LobbyIdleTimeout,
		Race: race.Config{
			Laps:             cfg.Laps,
			SnapshotInterval: cfg.SnapshotInterval,
			Timeout:          cfg.RaceTimeout,
		},
	}

	h := hub.New(ctx, lobbyCfg, logger, func(code, trackID string, res []types.RaceResult) {
		if results == nil {
			return
		}
		// Persistence never blocks the lobby loop.
		go func() {
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := results.SaveResults(saveCtx, code, trackID, res); err != nil {
				logger.Error("persist race results",
					zap.String("lobby", code), zap.Error(err))
			}
		}()
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(h, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	h.Inbox() <- hub.ShutdownHub{}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
