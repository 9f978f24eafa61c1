package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.Queue != QueueLocal {
		t.Fatalf("expected local queue by default, got %s", cfg.Queue)
	}
	if cfg.ConfigPath != defaultConfigPath {
		t.Fatalf("expected default config path")
	}
	if cfg.StateBackend != "memory" || cfg.StateURL != "" || cfg.ClaimsBackend != "memory" {
		t.Fatalf("unexpected state defaults %s %s", cfg.StateBackend, cfg.StateURL)
	}
	if cfg.WebhookAddr != defaultWebhookAddr || cfg.MetricsAddr != defaultMetricsAddr {
		t.Fatalf("unexpected listener defaults")
	}
	if len(cfg.Roles) != 3 || cfg.Roles[0] != "bridge" {
		t.Fatalf("unexpected default roles %v", cfg.Roles)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envQueue, "REDIS")
	t.Setenv(envStateBackend, "redis")
	t.Setenv(envConfigPath, "custom/bridge.yaml")
	t.Setenv(envProvisioningAddr, ":1234")
	t.Setenv(envRoles, " Sender, ,webhooks ")

	cfg := Load()
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.Queue != QueueRedis {
		t.Fatalf("unexpected queue %s", cfg.Queue)
	}
	if cfg.StateURL != "redis://example:6379" {
		t.Fatalf("redis state should default to REDIS_URL, got %s", cfg.StateURL)
	}
	if cfg.ConfigPath != "custom/bridge.yaml" {
		t.Fatalf("unexpected config path")
	}
	if cfg.ProvisioningAddr != ":1234" {
		t.Fatalf("unexpected provisioning addr")
	}
	if len(cfg.Roles) != 2 || cfg.Roles[0] != "sender" || cfg.Roles[1] != "webhooks" {
		t.Fatalf("unexpected roles %v", cfg.Roles)
	}
}

const sampleBridgeConfig = `
bridge:
  domain: example.org
  url: http://localhost:8008
  asToken: as-secret
  hsToken: hs-secret
permissions:
  - actor: "*"
    services:
      - level: commands
  - actor: "@admin:example.org"
    services:
      - service: "*"
        level: admin
generic:
  enabled: true
  urlPrefix: https://hooks.example.org/webhook/
  allowTransformationFunctions: true
  maxExpiryTime: 30d
github:
  webhookSecret: gh-secret
gitlab:
  webhookSecret: gl-secret
provisioning:
  secret: prov-secret
`

func TestParseBridgeConfig(t *testing.T) {
	cfg, err := ParseBridgeConfig([]byte(sampleBridgeConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Bridge.BotUserID() != "@hookbridge:example.org" {
		t.Fatalf("unexpected bot id %s", cfg.Bridge.BotUserID())
	}
	if len(cfg.Permissions) != 2 || cfg.Permissions[1].Services[0].Level != "admin" {
		t.Fatalf("unexpected permissions %+v", cfg.Permissions)
	}
	if cfg.Generic.MaxExpiry() != 30*24*time.Hour {
		t.Fatalf("unexpected max expiry %s", cfg.Generic.MaxExpiry())
	}
	if cfg.Generic.TransformBudget() != 500*time.Millisecond {
		t.Fatalf("unexpected transform budget %s", cfg.Generic.TransformBudget())
	}
	if cfg.Webhook.Burst != defaultWebhookBurst || cfg.Webhook.MaxBodyBytes != defaultWebhookBodyBytes {
		t.Fatalf("webhook defaults not applied: %+v", cfg.Webhook)
	}
	if name, ok := cfg.GitLab.InstanceForURL("https://gitlab.com/group/project"); !ok || name != "gitlab.com" {
		t.Fatalf("default gitlab instance not resolved: %s %v", name, ok)
	}
}

func TestParseBridgeConfigRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing bridge": "generic:\n  enabled: true\n",
		"bad level":      "bridge:\n  domain: x\npermissions:\n  - actor: '*'\n    services:\n      - level: superuser\n",
		"unknown key":    "bridge:\n  domain: x\n  colour: blue\n",
		"bad duration":   "bridge:\n  domain: x\ngeneric:\n  maxExpiryTime: soon\n",
	}
	for name, body := range cases {
		if _, err := ParseBridgeConfig([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestIsBridgeUser(t *testing.T) {
	b := BridgeSection{Domain: "example.org", BotUsername: "hookbridge", UserPrefix: "_hookbridge_"}
	cases := map[string]bool{
		"@hookbridge:example.org":        true,
		"@_hookbridge_bob:example.org":   true,
		"@_hookbridge_bob:elsewhere.org": false,
		"@alice:example.org":             false,
		"":                               false,
	}
	for user, want := range cases {
		if got := b.IsBridgeUser(user); got != want {
			t.Fatalf("IsBridgeUser(%q) = %v, want %v", user, got, want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":      0,
		"2h":    2 * time.Hour,
		"1d":    24 * time.Hour,
		"1d12h": 36 * time.Hour,
		"500ms": 500 * time.Millisecond,
	}
	for raw, want := range cases {
		got, err := ParseDuration(raw)
		if err != nil || got != want {
			t.Fatalf("ParseDuration(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := ParseDuration("xd"); err == nil {
		t.Fatalf("expected error for bad day count")
	}
}

func TestLoadBridgeConfigMissingFile(t *testing.T) {
	if _, err := LoadBridgeConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadBridgeConfig(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hookbridge.yaml")
	if err := os.WriteFile(path, []byte(sampleBridgeConfig), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *BridgeConfig, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(cfg *BridgeConfig) { reloaded <- cfg }) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	updated := sampleBridgeConfig + "webhook:\n  burst: 7\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-reloaded:
		if cfg.Webhook.Burst != 7 {
			t.Fatalf("expected reloaded burst 7, got %d", cfg.Webhook.Burst)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("config not reloaded")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
