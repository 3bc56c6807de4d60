// Package main is the entry point for the email monitor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/shineum/email-monitor/internal/config"
	"github.com/shineum/email-monitor/internal/dedup"
	"github.com/shineum/email-monitor/internal/forward"
	"github.com/shineum/email-monitor/internal/handler"
	"github.com/shineum/email-monitor/internal/provider"
	"github.com/shineum/email-monitor/internal/provider/stdout"
	"github.com/shineum/email-monitor/internal/provider/webhook"
	"github.com/shineum/email-monitor/internal/storage"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "email-monitor",
		Short:        "Classify access-control notification emails and forward their fields",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogger(cfg.Logging.Level)
			return runLambda(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration file (optional)")

	var dispatch bool
	parseCmd := &cobra.Command{
		Use:   "parse [email file]",
		Short: "Classify a stored email file and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogger(cfg.Logging.Level)
			return runParse(cmd.Context(), cfg, args[0], dispatch)
		},
	}
	parseCmd.Flags().BoolVar(&dispatch, "dispatch", false, "send the record to the configured dispatcher instead of printing it")
	rootCmd.AddCommand(parseCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runLambda serves S3 trigger events until the Lambda runtime stops the process.
func runLambda(ctx context.Context, cfg *config.Config) error {
	fetcher, err := storage.New(ctx, storage.Config{
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}

	disp, err := selectDispatcher(cfg)
	if err != nil {
		return err
	}

	hcfg := handler.Config{
		Fetcher:    fetcher,
		Dispatcher: disp,
	}

	if cfg.ForwardConfigured() {
		fwd, err := forward.New(ctx, forward.Config{
			Region:          cfg.Forward.Region,
			AccessKeyID:     cfg.Forward.AccessKeyID,
			SecretAccessKey: cfg.Forward.SecretAccessKey,
			Sender:          cfg.Forward.Sender,
			To:              cfg.Forward.To,
		})
		if err != nil {
			return fmt.Errorf("failed to create forwarder: %w", err)
		}
		hcfg.Forwarder = fwd
	}

	if cfg.DedupEnabled() {
		guard, err := dedup.Connect(ctx, cfg.Dedup.RedisAddr, time.Duration(cfg.Dedup.TTLSeconds)*time.Second)
		if err != nil {
			// Duplicate protection is best effort.
			slog.Warn("duplicate guard disabled", "error", err)
		} else {
			defer guard.Close()
			hcfg.Guard = guard
		}
	}

	slog.Info("starting email-monitor",
		"dispatcher", disp.Name(),
		"forward_enabled", hcfg.Forwarder != nil,
		"dedup_enabled", hcfg.Guard != nil,
	)

	lambda.Start(handler.New(hcfg).Handle)
	return nil
}

// runParse processes a single email file, mirroring one Lambda invocation
// without storage.
func runParse(ctx context.Context, cfg *config.Config, path string, dispatch bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read email file: %w", err)
	}

	var disp provider.Dispatcher = stdout.New()
	if dispatch {
		if disp, err = selectDispatcher(cfg); err != nil {
			return err
		}
	}

	resp := handler.New(handler.Config{Dispatcher: disp}).Process(ctx, path, raw)
	fmt.Fprintf(os.Stdout, "Status: %d\nBody: %s\n", resp.StatusCode, resp.Body)
	if !resp.OK() {
		return fmt.Errorf("dispatch returned status %d", resp.StatusCode)
	}
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(logHandler))
}

// selectDispatcher chooses the record delivery backend based on configuration.
// If DISPATCHER is set, it takes precedence. Otherwise the webhook dispatcher
// is used when any endpoint is configured, else stdout.
func selectDispatcher(cfg *config.Config) (provider.Dispatcher, error) {
	switch cfg.Dispatcher {
	case "webhook":
		if !cfg.EndpointsConfigured() {
			return nil, fmt.Errorf("webhook dispatcher selected but no endpoint API is configured")
		}
		return newWebhook(cfg)

	case "stdout":
		slog.Info("using stdout dispatcher")
		return stdout.New(), nil

	case "":
		if cfg.EndpointsConfigured() {
			slog.Info("using webhook dispatcher (auto-detected)")
			return newWebhook(cfg)
		}
		slog.Info("no endpoint configured, using stdout dispatcher")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown dispatcher %q", cfg.Dispatcher)
	}
}

func newWebhook(cfg *config.Config) (provider.Dispatcher, error) {
	mode := cfg.Endpoints.AuthMode
	if mode != webhook.AuthModeBody && mode != webhook.AuthModeHeader {
		return nil, fmt.Errorf("unknown endpoint auth mode %q", mode)
	}

	slog.Info("using webhook dispatcher",
		"company_invite_api", cfg.Endpoints.CompanyInviteURL,
		"firm_invite_api", cfg.Endpoints.FirmInviteURL,
		"firm_clients_api", cfg.Endpoints.FirmClientsURL,
		"auth_mode", mode,
		"auth_configured", cfg.Endpoints.AuthToken != "",
	)
	return webhook.New(webhook.Config{
		CompanyInviteURL: cfg.Endpoints.CompanyInviteURL,
		FirmInviteURL:    cfg.Endpoints.FirmInviteURL,
		FirmClientsURL:   cfg.Endpoints.FirmClientsURL,
		AuthToken:        cfg.Endpoints.AuthToken,
		AuthMode:         mode,
		Timeout:          time.Duration(cfg.Endpoints.TimeoutSeconds) * time.Second,
	}), nil
}
