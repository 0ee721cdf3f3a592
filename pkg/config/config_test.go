package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DB_DSN":          "postgres://localhost/gatewarden",
		"JWT_SIGNING_KEY": "secret",
		"ROOT_PUBLIC_KEY": "cm9vdA==",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(baseEnv()))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.CommandMaxAttempts != 5 {
		t.Fatalf("CommandMaxAttempts = %d, want 5", cfg.CommandMaxAttempts)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("heartbeat = %s/%s, want 30s/90s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if cfg.RoutePassTTL() != 24*time.Hour {
		t.Fatalf("RoutePassTTL() = %s, want 24h", cfg.RoutePassTTL())
	}
	if cfg.S3.Region != "us-east-1" || !cfg.S3.ForcePathStyle {
		t.Fatalf("unexpected S3 defaults: %+v", cfg.S3)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "prefixed s3 settings",
			env:  map[string]string{"KEY_BUNDLE_BUCKET": "keys", "S3_ENDPOINT": "minio:9000"},
		},
		{
			name:    "bucket without endpoint",
			env:     map[string]string{"KEY_BUNDLE_BUCKET": "keys"},
			wantErr: true,
		},
		{
			name:    "timeout not above interval",
			env:     map[string]string{"HEARTBEAT_INTERVAL": "30s", "HEARTBEAT_TIMEOUT": "30s"},
			wantErr: true,
		},
		{
			name:    "zero attempts",
			env:     map[string]string{"COMMAND_MAX_ATTEMPTS": "0"},
			wantErr: true,
		},
		{
			name:    "unknown log format",
			env:     map[string]string{"LOG_FORMAT": "xml"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	env := baseEnv()
	delete(env, "JWT_SIGNING_KEY")
	if _, err := load(context.Background(), envconfig.MapLookuper(env)); err == nil {
		t.Fatal("load() succeeded without JWT_SIGNING_KEY")
	}
}
