package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/incentive-engine/internal/config"
	"github.com/atmx/incentive-engine/internal/validator"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "validator",
	Short:         "Incentive-scoring validator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scoring loop, scheduled detectors and the status API",
	RunE:  runValidator,
}

var scoreOnceCmd = &cobra.Command{
	Use:   "score-once",
	Short: "Run the detectors and one scoring round, then print the result",
	RunE:  scoreOnce,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.AddCommand(runCmd, scoreOnceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("validator exited", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}

func runValidator(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := validator.NewWSHub()
	go hub.Run(ctx)

	app, err := build(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer app.close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(app.validator, hub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("status api listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	loopErr := app.validator.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("shutting down validator...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return loopErr
}

func scoreOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer app.close()

	v := app.validator
	if err := v.Load(ctx); err != nil {
		return err
	}
	v.Scheduler().RunDue(ctx, time.Now())
	res, err := v.Round(ctx)
	if err != nil {
		return fmt.Errorf("round: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
