package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "my-super-secret-jwt-key-at-least-32"

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":9090",
			"allowed_origins": ["http://localhost:3000"],
			"websocket_path": "/ws"
		},
		"auth": {
			"jwt_secret": "` + testSecret + `",
			"token_grace": "45s"
		},
		"bus": {"driver": "memory", "prefix": "test."},
		"router": {
			"instance_id": "router-1",
			"banned_user_agents": ["BadBot/1.0"],
			"banned_client_versions": ["0.9.0"],
			"heartbeat_interval": 15
		},
		"correlation": {"timeout": "20s", "sweep_interval": "5s", "slow_threshold": "10ms"},
		"storage": {"driver": "sqlite", "dsn": ":memory:", "audit_retention": "48h"},
		"logging": {"level": "debug", "format": "text"},
		"rate_limit": {"messages_per_second": 5, "burst": 10}
	}`

	path := writeTempConfig(t, "config.json", configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Server.WebSocketPath != "/ws" {
		t.Errorf("Server.WebSocketPath: got %q, want %q", cfg.Server.WebSocketPath, "/ws")
	}
	if cfg.Auth.TokenGrace.Duration != 45*time.Second {
		t.Errorf("Auth.TokenGrace: got %v, want 45s", cfg.Auth.TokenGrace.Duration)
	}
	if cfg.Bus.Prefix != "test." {
		t.Errorf("Bus.Prefix: got %q", cfg.Bus.Prefix)
	}
	if cfg.Router.InstanceID != "router-1" {
		t.Errorf("Router.InstanceID: got %q", cfg.Router.InstanceID)
	}
	if cfg.Router.HeartbeatInterval.Duration != 15*time.Second {
		t.Errorf("Router.HeartbeatInterval: got %v, want 15s", cfg.Router.HeartbeatInterval.Duration)
	}
	if cfg.Correlation.Timeout.Duration != 20*time.Second {
		t.Errorf("Correlation.Timeout: got %v", cfg.Correlation.Timeout.Duration)
	}
	if cfg.Correlation.SlowThreshold.Duration != 10*time.Millisecond {
		t.Errorf("Correlation.SlowThreshold: got %v", cfg.Correlation.SlowThreshold.Duration)
	}
	if cfg.Storage.AuditRetention.Duration != 48*time.Hour {
		t.Errorf("Storage.AuditRetention: got %v", cfg.Storage.AuditRetention.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.MessagesPerSecond != 5 || cfg.RateLimit.Burst != 10 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "`+testSecret+`"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Auth.Provider", cfg.Auth.Provider, "builtin"},
		{"Auth.TokenGrace", cfg.Auth.TokenGrace.Duration, 30 * time.Second},
		{"Auth.AdminRole", cfg.Auth.AdminRole, "admin"},
		{"Bus.Driver", cfg.Bus.Driver, "memory"},
		{"Bus.Prefix", cfg.Bus.Prefix, "wsrouter."},
		{"Server.WebSocketPath", cfg.Server.WebSocketPath, "/v0/websocket"},
		{"Server.MaxMessageBytes", cfg.Server.MaxMessageBytes, int64(64 * 1024)},
		{"Router.HeartbeatInterval", cfg.Router.HeartbeatInterval.Duration, 30 * time.Second},
		{"Correlation.Timeout", cfg.Correlation.Timeout.Duration, 30 * time.Second},
		{"Correlation.SweepInterval", cfg.Correlation.SweepInterval.Duration, 10 * time.Second},
		{"Correlation.SlowThreshold", cfg.Correlation.SlowThreshold.Duration, 5 * time.Millisecond},
		{"Storage.Driver", cfg.Storage.Driver, "sqlite"},
		{"Logging.Format", cfg.Logging.Format, "json"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.Router.NonRPCEvents != nil {
		t.Errorf("Router.NonRPCEvents: got %v, want only the built-in set", cfg.Router.NonRPCEvents)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	configYAML := `
server:
  addr: ":7070"
auth:
  jwt_secret: "` + testSecret + `"
router:
  banned_user_agents: ["BadBot/1.0"]
correlation:
  timeout: 12s
`
	path := writeTempConfig(t, "config.yaml", configYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Correlation.Timeout.Duration != 12*time.Second {
		t.Errorf("Correlation.Timeout: got %v", cfg.Correlation.Timeout.Duration)
	}
	if !cfg.Router.Policy().BannedUserAgent("BadBot/1.0") {
		t.Error("expected BadBot/1.0 to be banned")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WSROUTER_ADDR", ":6060")
	t.Setenv("WSROUTER_BUS_DRIVER", "redis")
	t.Setenv("WSROUTER_REDIS_ADDR", "redis:6379")

	path := writeTempConfig(t, "config.json", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "`+testSecret+`"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":6060")
	}
	if cfg.Bus.Driver != "redis" || cfg.Bus.RedisAddr != "redis:6379" {
		t.Errorf("Bus: got %+v", cfg.Bus)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing addr", `{"auth": {"jwt_secret": "` + testSecret + `"}}`, "server.addr"},
		{"missing secret", `{"server": {"addr": ":8080"}}`, "jwt_secret is required"},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`, "at least 32"},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`, "weak secret"},
		{"jwks without url", `{"server": {"addr": ":8080"}, "auth": {"provider": "jwks"}}`, "jwks_url"},
		{"oidc without issuer", `{"server": {"addr": ":8080"}, "auth": {"provider": "oidc"}}`, "oidc_issuer"},
		{"unknown provider", `{"server": {"addr": ":8080"}, "auth": {"provider": "ldap"}}`, "unknown auth provider"},
		{"half tls", `{"server": {"addr": ":8080", "tls_cert": "c.pem"}, "auth": {"jwt_secret": "` + testSecret + `"}}`, "tls_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, "config.json", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"1m30s"`, 90 * time.Second},
		{`10`, 10 * time.Second},
		{`0.5`, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalJSON([]byte(tt.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", tt.in, err)
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalJSON(%s): got %v, want %v", tt.in, d.Duration, tt.want)
		}
	}
	var d Duration
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("expected error for bool duration")
	}
}

func TestPolicy(t *testing.T) {
	p := RouterConfig{
		BannedUserAgents:     []string{"BadBot/1.0"},
		BannedClientVersions: []string{"0.9.0"},
	}.Policy()

	if !p.BannedUserAgent("BadBot/1.0") {
		t.Error("expected exact user agent match to be banned")
	}
	if p.BannedUserAgent("BadBot/1.0 extra") {
		t.Error("expected non-exact user agent to pass")
	}
	if !p.BannedClientVersion("0.9.0") || p.BannedClientVersion("1.0.0") {
		t.Error("unexpected client version decision")
	}
	if p.BannedUserAgent("") || p.BannedClientVersion("") {
		t.Error("empty values must never be banned")
	}
	if !p.NonRPC("session-closed") {
		t.Error("expected default non-RPC events when none configured")
	}
	if p.NonRPC("get-profile") {
		t.Error("expected ordinary event to be RPC")
	}
}

func TestPolicyNonRPCExtendsDefaults(t *testing.T) {
	p := RouterConfig{NonRPCEvents: []string{"custom"}}.Policy()
	if !p.NonRPC("custom") {
		t.Error("configured event should be non-RPC")
	}
	for _, ev := range DefaultNonRPCEvents {
		if !p.NonRPC(ev) {
			t.Errorf("built-in event %q dropped by a configured list", ev)
		}
	}
	if p.NonRPC("get-profile") {
		t.Error("expected ordinary event to be RPC")
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	secret, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("expected 64 char secret, got %d", len(secret))
	}
	cfg := Default(secret)
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default(testSecret)
	cfg.Router.BannedUserAgents = []string{"bad-bot/1.0"}
	cfg.Bus.RedisDB = 3

	for _, ext := range []string{".json", ".yaml"} {
		data, err := Encode(cfg, ext)
		if err != nil {
			t.Fatalf("Encode(%s): %v", ext, err)
		}
		got, err := Parse(data, ext)
		if err != nil {
			t.Fatalf("Parse(%s): %v\n%s", ext, err, data)
		}
		if got.Auth.JWTSecret != testSecret || got.Server.MaxBodyBytes != 1024*1024 || got.Bus.RedisDB != 3 {
			t.Errorf("%s: round trip lost fields: %+v", ext, got)
		}
		if got.Correlation.Timeout.Duration != 30*time.Second {
			t.Errorf("%s: timeout = %v", ext, got.Correlation.Timeout.Duration)
		}
		if len(got.Router.BannedUserAgents) != 1 || got.Router.BannedUserAgents[0] != "bad-bot/1.0" {
			t.Errorf("%s: banned user agents = %v", ext, got.Router.BannedUserAgents)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "`+testSecret+`"}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(c *Config) { changed <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "` + testSecret + `"}, "router": {"banned_user_agents": ["Evil/2"]}}`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-changed:
		if !cfg.Router.Policy().BannedUserAgent("Evil/2") {
			t.Errorf("reloaded config missing new ban: %+v", cfg.Router)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestLoadRedisWithoutAddr(t *testing.T) {
	path := writeTempConfig(t, "config.json",
		`{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "`+testSecret+`"}, "bus": {"driver": "redis"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.Driver != "redis" || cfg.Bus.RedisAddr != "" {
		t.Errorf("bus = %+v", cfg.Bus)
	}
}
