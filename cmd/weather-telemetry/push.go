package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/weather-telemetry/internal/config"
	"github.com/i474232898/weather-telemetry/internal/github"
	"github.com/i474232898/weather-telemetry/internal/logging"
	"github.com/i474232898/weather-telemetry/internal/metrics"
	"github.com/i474232898/weather-telemetry/internal/telemetry"
)

const pushExample = `weather-telemetry --owner acme --repo station --temp 21.5 --hum 60 --pres 1012.3
weather-telemetry push --owner acme --repo station --temp 21.5 --hum 60 --pres 1012.3 --max-points 500`

func newPushCmd(d deps, use string) *cobra.Command {
	cfg := config.DefaultPushConfig()
	var (
		token   string
		envFile string
	)

	cmd := &cobra.Command{
		Use:     use,
		Short:   "Append one measurement to the stored series",
		Example: pushExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return runPush(cmd.Context(), d, cmd.Flags().Changed, cfg, token, envFile)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Owner, "owner", "", "repository owner")
	f.StringVar(&cfg.Repo, "repo", "", "repository name")
	f.StringVar(&cfg.Path, "path", cfg.Path, "document path inside the repository (env "+config.EnvPath+")")
	f.Float64Var(&cfg.Temperature, "temp", 0, "temperature")
	f.Float64Var(&cfg.Humidity, "hum", 0, "relative humidity")
	f.Float64Var(&cfg.Pressure, "pres", 0, "pressure")
	f.StringVar(&token, "token", "", "API token (default from "+config.EnvToken+" or "+config.EnvTokenAlt+")")
	f.StringVar(&cfg.Branch, "branch", cfg.Branch, "branch to read and commit to (env "+config.EnvBranch+")")
	f.IntVar(&cfg.MaxPoints, "max-points", cfg.MaxPoints, "keep only the newest N measurements, 0 keeps all (env "+config.EnvMaxPoints+")")
	f.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "contents API base URL (env "+config.EnvAPIURL+")")
	f.DurationVar(&cfg.Timeout, "timeout", 0, "deadline for the whole run, 0 for none")
	f.BoolVar(&cfg.Quarantine, "quarantine", false, "copy a corrupted stored document to a side path before overwriting it")
	f.StringVar(&cfg.PushgatewayURL, "pushgateway", "", "Prometheus Pushgateway URL for run metrics (env "+config.EnvPushgateway+")")
	f.StringVar(&envFile, "env-file", config.DefaultEnvFile, "dotenv file to load, empty to skip")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	for _, name := range []string{"owner", "repo", "temp", "hum", "pres"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runPush(ctx context.Context, d deps, changed func(string) bool, cfg config.PushConfig, token, envFile string) error {
	started := time.Now()

	if _, err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintln(d.stderr, "Error:", err)
		return &exitError{code: exitConfig, err: err}
	}
	if err := cfg.ApplyEnv(d.getenv, changed); err != nil {
		fmt.Fprintln(d.stderr, "Error:", err)
		return &exitError{code: exitConfig, err: err}
	}

	logger, err := logging.New(d.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(d.stderr, "Error:", err)
		return &exitError{code: exitConfig, err: err}
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	run := metrics.NewRun()
	finish := func(outcome metrics.Outcome) {
		run.Finish(outcome, started, time.Now())
		if cfg.PushgatewayURL == "" {
			return
		}
		grouping := map[string]string{
			"repository": cfg.Owner + "/" + cfg.Repo,
			"path":       cfg.Path,
		}
		// The run context may already be cancelled or past its deadline.
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := run.Push(pushCtx, cfg.PushgatewayURL, grouping); err != nil {
			logger.Warn("failed to push run metrics", zap.Error(err))
		}
	}

	resolved, source, err := config.ResolveToken(
		config.FlagToken(token),
		config.EnvTokens{Getenv: d.getenv, Keys: []string{config.EnvToken, config.EnvTokenAlt}},
	)
	if err != nil {
		logger.Error("no credential available", zap.Error(err))
		finish(metrics.OutcomeConfigFailed)
		return &exitError{code: exitConfig, err: err}
	}
	cfg.Token = resolved

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		finish(metrics.OutcomeConfigFailed)
		return &exitError{code: exitConfig, err: err}
	}

	logger.Debug("configuration resolved",
		zap.String("repository", cfg.Owner+"/"+cfg.Repo),
		zap.String("path", cfg.Path),
		zap.String("branch", cfg.Branch),
		zap.Int("max_points", cfg.MaxPoints),
		zap.String("api_url", cfg.APIURL),
		zap.String("token_source", source))

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	client := github.NewClient(github.Config{
		BaseURL:     cfg.APIURL,
		Owner:       cfg.Owner,
		Repo:        cfg.Repo,
		Branch:      cfg.Branch,
		Token:       cfg.Token,
		HTTPClient:  d.httpClient,
		ReadBackoff: github.DefaultReadBackoff,
	})
	svc := telemetry.NewService(client, telemetry.Options{
		Path:       cfg.Path,
		MaxPoints:  cfg.MaxPoints,
		Quarantine: cfg.Quarantine,
	}, logger)

	res, err := svc.Push(ctx, telemetry.Reading{
		Temperature: cfg.Temperature,
		Humidity:    cfg.Humidity,
		Pressure:    cfg.Pressure,
	})
	if res.Status == telemetry.StatusCorrupted {
		run.Corrupted.Set(1)
	}

	switch {
	case err == nil:
		run.Points.Set(float64(res.Points))
		run.ObserveReading(cfg.Temperature, cfg.Humidity, cfg.Pressure)
		finish(metrics.OutcomePublished)
		fmt.Fprintln(d.stdout, "OK: measurement published")
		return nil
	case errors.Is(err, telemetry.ErrFetch):
		logger.Error("failed to read remote document", zap.Error(err))
		finish(metrics.OutcomeFetchFailed)
		return &exitError{code: exitFetchFailed, err: err}
	case errors.Is(err, telemetry.ErrConflict):
		logger.Error("conflict: the remote document changed after it was read; fetch the latest version and run again",
			zap.Error(err))
		finish(metrics.OutcomeConflict)
		return &exitError{code: exitConflict, err: err}
	default:
		logger.Error("failed to publish document", zap.Error(err))
		finish(metrics.OutcomePublishFailed)
		return &exitError{code: exitPublishFailed, err: err}
	}
}
