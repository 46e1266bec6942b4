// Package config centralises runtime configuration for the connector.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the connector operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// WebsocketSettings configures websocket endpoints and liveness detection.
type WebsocketSettings struct {
	PublicURL         string        `yaml:"publicURL"`
	PrivateURL        string        `yaml:"privateURL"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxReconnects     int           `yaml:"maxReconnects"`
}

// BackoffSettings configure retry delay computation.
type BackoffSettings struct {
	Strategy       string        `yaml:"strategy"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitterFraction"`
}

// ListenKeySettings configure the private-stream credential lifecycle.
type ListenKeySettings struct {
	Lifetime           time.Duration `yaml:"lifetime"`
	RenewalBuffer      time.Duration `yaml:"renewalBuffer"`
	KeepAliveInterval  time.Duration `yaml:"keepAliveInterval"`
	MaxRenewalFailures int           `yaml:"maxRenewalFailures"`
}

// ClockSettings configure server-time drift sampling.
type ClockSettings struct {
	SampleInterval time.Duration `yaml:"sampleInterval"`
	DriftThreshold time.Duration `yaml:"driftThreshold"`
}

// LoggingSettings configure the structured logging backend.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Console    bool   `yaml:"console"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the connector configuration tree.
type Settings struct {
	Environment        Environment       `yaml:"environment"`
	RESTBaseURL        string            `yaml:"restBaseURL"`
	Websocket          WebsocketSettings `yaml:"websocket"`
	Credentials        Credentials       `yaml:"credentials"`
	Backoff            BackoffSettings   `yaml:"backoff"`
	ListenKey          ListenKeySettings `yaml:"listenKey"`
	Clock              ClockSettings     `yaml:"clock"`
	Logging            LoggingSettings   `yaml:"logging"`
	Telemetry          TelemetryConfig   `yaml:"telemetry"`
	HTTPTimeout        time.Duration     `yaml:"httpTimeout"`
	StalenessThreshold time.Duration     `yaml:"stalenessThreshold"`
	RequestRatePerSec  float64           `yaml:"requestRatePerSec"`
}

// Default returns the default connector configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		RESTBaseURL: "https://api.binance.com",
		Websocket: WebsocketSettings{
			PublicURL:         "wss://stream.binance.com:9443/stream",
			PrivateURL:        "wss://stream.binance.com:9443/ws",
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxReconnects:     10,
		},
		Credentials: Credentials{APIKey: "", APISecret: ""},
		Backoff: BackoffSettings{
			Strategy:       "exponential",
			BaseDelay:      time.Second,
			MaxDelay:       2 * time.Minute,
			Multiplier:     2.0,
			JitterFraction: 0.2,
		},
		ListenKey: ListenKeySettings{
			Lifetime:           24 * time.Hour,
			RenewalBuffer:      time.Hour,
			KeepAliveInterval:  30 * time.Minute,
			MaxRenewalFailures: 5,
		},
		Clock: ClockSettings{
			SampleInterval: time.Minute,
			DriftThreshold: 5 * time.Second,
		},
		Logging: LoggingSettings{
			Level:   "info",
			Console: true,
		},
		Telemetry:          TelemetryConfig{OTLPEndpoint: "", ServiceName: "tradewire-connector"},
		HTTPTimeout:        10 * time.Second,
		StalenessThreshold: 5 * time.Minute,
		RequestRatePerSec:  10,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("CONNECTOR_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	setString(&cfg.RESTBaseURL, "CONNECTOR_REST_BASE_URL")
	setString(&cfg.Websocket.PublicURL, "CONNECTOR_WS_PUBLIC_URL")
	setString(&cfg.Websocket.PrivateURL, "CONNECTOR_WS_PRIVATE_URL")
	setString(&cfg.Credentials.APIKey, "CONNECTOR_API_KEY")
	setString(&cfg.Credentials.APISecret, "CONNECTOR_API_SECRET")
	setString(&cfg.Backoff.Strategy, "CONNECTOR_BACKOFF_STRATEGY")
	setString(&cfg.Logging.Level, "CONNECTOR_LOG_LEVEL")
	setString(&cfg.Logging.FilePath, "CONNECTOR_LOG_FILE")
	setString(&cfg.Telemetry.OTLPEndpoint, "CONNECTOR_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "CONNECTOR_SERVICE_NAME")

	setDuration(&cfg.Websocket.HandshakeTimeout, "CONNECTOR_WS_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Websocket.HeartbeatInterval, "CONNECTOR_WS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Backoff.BaseDelay, "CONNECTOR_BACKOFF_BASE_DELAY")
	setDuration(&cfg.Backoff.MaxDelay, "CONNECTOR_BACKOFF_MAX_DELAY")
	setDuration(&cfg.ListenKey.Lifetime, "CONNECTOR_LISTEN_KEY_LIFETIME")
	setDuration(&cfg.ListenKey.RenewalBuffer, "CONNECTOR_LISTEN_KEY_RENEWAL_BUFFER")
	setDuration(&cfg.ListenKey.KeepAliveInterval, "CONNECTOR_LISTEN_KEY_KEEPALIVE_INTERVAL")
	setDuration(&cfg.Clock.SampleInterval, "CONNECTOR_CLOCK_SAMPLE_INTERVAL")
	setDuration(&cfg.Clock.DriftThreshold, "CONNECTOR_CLOCK_DRIFT_THRESHOLD")
	setDuration(&cfg.HTTPTimeout, "CONNECTOR_HTTP_TIMEOUT")
	setDuration(&cfg.StalenessThreshold, "CONNECTOR_STALENESS_THRESHOLD")

	setInt(&cfg.Websocket.MaxReconnects, "CONNECTOR_WS_MAX_RECONNECTS")
	setInt(&cfg.ListenKey.MaxRenewalFailures, "CONNECTOR_LISTEN_KEY_MAX_RENEWAL_FAILURES")
	setFloat(&cfg.Backoff.JitterFraction, "CONNECTOR_BACKOFF_JITTER_FRACTION")
	setFloat(&cfg.RequestRatePerSec, "CONNECTOR_REQUEST_RATE_PER_SEC")
	return cfg
}

// Load reads the optional YAML overlay at path on top of env-derived settings.
func Load(path string) (Settings, error) {
	cfg := FromEnv()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field consistency of the settings tree.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.RESTBaseURL) == "" {
		return fmt.Errorf("restBaseURL required")
	}
	if strings.TrimSpace(s.Websocket.PublicURL) == "" {
		return fmt.Errorf("websocket.publicURL required")
	}
	if s.Websocket.HeartbeatInterval <= 0 {
		return fmt.Errorf("websocket.heartbeatInterval must be positive")
	}
	if s.Websocket.MaxReconnects <= 0 {
		return fmt.Errorf("websocket.maxReconnects must be positive")
	}
	if s.Backoff.BaseDelay <= 0 || s.Backoff.MaxDelay < s.Backoff.BaseDelay {
		return fmt.Errorf("backoff delays invalid: base=%s max=%s", s.Backoff.BaseDelay, s.Backoff.MaxDelay)
	}
	if s.Backoff.JitterFraction < 0 || s.Backoff.JitterFraction > 1 {
		return fmt.Errorf("backoff.jitterFraction must be in [0,1]")
	}
	if s.ListenKey.RenewalBuffer >= s.ListenKey.Lifetime {
		return fmt.Errorf("listenKey.renewalBuffer must be smaller than lifetime")
	}
	if s.ListenKey.KeepAliveInterval <= 0 {
		return fmt.Errorf("listenKey.keepAliveInterval must be positive")
	}
	if s.ListenKey.MaxRenewalFailures <= 0 {
		return fmt.Errorf("listenKey.maxRenewalFailures must be positive")
	}
	if s.StalenessThreshold <= 0 {
		return fmt.Errorf("stalenessThreshold must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = dur
		}
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
