package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/weather-telemetry/internal/api/http"
	"github.com/i474232898/weather-telemetry/internal/config"
	"github.com/i474232898/weather-telemetry/internal/logging"
	"github.com/i474232898/weather-telemetry/internal/store"
)

func newServeCmd(d deps) *cobra.Command {
	cfg := config.DefaultServeConfig()
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory contents API for local dry runs",
		Long: "serve starts a local emulator of the GitHub contents endpoints used by push.\n" +
			"Point push at it with --api-url http://localhost:8080. State is lost on exit.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), d, cmd.Flags().Changed, cfg, envFile)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (env PORT)")
	f.StringVar(&cfg.Token, "token", "", "require this bearer token on every request")
	f.StringVar(&cfg.DefaultBranch, "default-branch", cfg.DefaultBranch, "branch used when a request names none")
	f.StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file to load, empty to skip")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")
	return cmd
}

func runServe(ctx context.Context, d deps, changed func(string) bool, cfg config.ServeConfig, envFile string) error {
	if _, err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintln(d.stderr, "Error:", err)
		return &exitError{code: exitConfig, err: err}
	}
	cfg.ApplyEnv(d.getenv, changed)

	logger, err := logging.New(d.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(d.stderr, "Error:", err)
		return &exitError{code: exitConfig, err: err}
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return &exitError{code: exitConfig, err: err}
	}

	app := fiber.New(fiber.Config{
		AppName:               "weather-telemetry",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(fiberlogger.New(fiberlogger.Config{Output: d.stderr}))
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-telemetry",
		})
	})

	httpapi.RegisterRoutes(app, store.NewMemoryStore(), httpapi.Options{
		Token:         cfg.Token,
		DefaultBranch: cfg.DefaultBranch,
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("contents API emulator listening", zap.String("addr", cfg.Addr))
		listenErr <- app.Listen(cfg.Addr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
			return &exitError{code: exitConfig, err: err}
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("error during shutdown", zap.Error(err))
	}
	return nil
}
