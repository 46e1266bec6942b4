// Command connector runs the exchange connectivity layer until signalled.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tradewire/connector/config"
	"github.com/tradewire/connector/internal/connector"
	"github.com/tradewire/connector/internal/observability"
	"github.com/tradewire/connector/lib/telemetry"
)

// hmacSigner is the bootstrap-level signing collaborator. The connector core
// only ever sees the rest.Signer interface.
type hmacSigner struct {
	apiKey string
	secret string
}

func (s hmacSigner) Sign(params url.Values) (url.Values, http.Header, error) {
	mac := hmac.New(sha256.New, []byte(s.secret))
	if _, err := mac.Write([]byte(params.Encode())); err != nil {
		return nil, nil, fmt.Errorf("sign payload: %w", err)
	}
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	header := http.Header{}
	header.Set("X-MBX-APIKEY", s.apiKey)
	return params, header, nil
}

func main() {
	var (
		configPath string
		envFile    string
	)

	root := &cobra.Command{
		Use:           "connector",
		Short:         "Resilient exchange connectivity layer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, envFile)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration overlay")
	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with credentials")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connector: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := config.FromEnv()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	observability.SetLogger(observability.NewLogrusLogger(observability.LogrusConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    cfg.Logging.Console,
	}))

	providers, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown failed", observability.F("error", err.Error()))
		}
	}()
	observability.SetMetrics(observability.NewOTelMetrics(
		providers.MeterProvider.Meter("tradewire-connector")))

	signer := hmacSigner{apiKey: cfg.Credentials.APIKey, secret: cfg.Credentials.APISecret}
	c := connector.New(cfg, signer)

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}

	select {
	case <-ctx.Done():
		observability.Log().Info("shutdown signal received")
	case err := <-c.Err():
		observability.Log().Error("fatal stream failure", observability.F("error", err.Error()))
		c.Stop()
		return err
	}

	c.Stop()
	return nil
}
