package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for gatewardend.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DBDSN          string   `env:"DB_DSN,required"`
	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	LogFormat      string   `env:"LOG_FORMAT,default=json"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`

	JWTSigningKey string `env:"JWT_SIGNING_KEY,required"`
	OpsSigningKey string `env:"OPS_SIGNING_KEY"`
	RootPublicKey string `env:"ROOT_PUBLIC_KEY,required"`

	RoutePassTTLHours int `env:"ROUTE_PASS_TTL_HOURS,default=24"`

	CommandMaxAttempts int           `env:"COMMAND_MAX_ATTEMPTS,default=5"`
	CommandBackoffBase time.Duration `env:"COMMAND_BACKOFF_BASE,default=5s"`
	CommandBackoffMax  time.Duration `env:"COMMAND_BACKOFF_MAX,default=5m"`
	CommandAckTimeout  time.Duration `env:"COMMAND_ACK_TIMEOUT,default=10s"`
	DispatchInterval   time.Duration `env:"DISPATCH_INTERVAL,default=2s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=90s"`
	ProxyTimeout      time.Duration `env:"PROXY_TIMEOUT,default=15s"`

	TimeSyncSchedule string `env:"TIME_SYNC_SCHEDULE,default=@every 6h"`

	KeyBundleBucket string `env:"KEY_BUNDLE_BUCKET"`
	S3              S3     `env:", prefix=S3_"`
}

// S3 configures the object store used for key bundles.
type S3 struct {
	Endpoint       string `env:"ENDPOINT"`
	AccessKey      string `env:"ACCESS_KEY"`
	SecretKey      string `env:"SECRET_KEY"`
	Region         string `env:"REGION,default=us-east-1"`
	DisableTLS     bool   `env:"DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE,default=true"`
}

// RoutePassTTL converts the configured hours into a duration.
func (c Config) RoutePassTTL() time.Duration {
	return time.Duration(c.RoutePassTTLHours) * time.Hour
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RoutePassTTLHours <= 0 {
		return fmt.Errorf("ROUTE_PASS_TTL_HOURS must be positive, got %d", c.RoutePassTTLHours)
	}
	if c.CommandMaxAttempts <= 0 {
		return fmt.Errorf("COMMAND_MAX_ATTEMPTS must be positive, got %d", c.CommandMaxAttempts)
	}
	if c.CommandBackoffBase <= 0 || c.CommandBackoffMax < c.CommandBackoffBase {
		return fmt.Errorf("COMMAND_BACKOFF_BASE must be positive and <= COMMAND_BACKOFF_MAX")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.KeyBundleBucket != "" && c.S3.Endpoint == "" {
		return fmt.Errorf("S3_ENDPOINT is required when KEY_BUNDLE_BUCKET is set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q", c.LogFormat)
	}
	return nil
}
