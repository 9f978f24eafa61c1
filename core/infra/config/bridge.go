package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBotUsername       = "hookbridge"
	defaultUserPrefix        = "_hookbridge_"
	defaultTransformTimeout  = 500 * time.Millisecond
	defaultWebhookRate       = 20
	defaultWebhookBurst      = 40
	defaultWebhookBodyBytes  = 1 << 20
	defaultWebhookAwait      = 30 * time.Second
	defaultGitLabInstanceKey = "gitlab.com"
)

// BridgeConfig is the YAML configuration shared by every role.
type BridgeConfig struct {
	Bridge       BridgeSection       `yaml:"bridge"`
	Permissions  []PermissionRule    `yaml:"permissions,omitempty"`
	Generic      GenericConfig       `yaml:"generic"`
	GitHub       *GitHubConfig       `yaml:"github,omitempty"`
	GitLab       *GitLabConfig       `yaml:"gitlab,omitempty"`
	Provisioning *ProvisioningConfig `yaml:"provisioning,omitempty"`
	Webhook      WebhookConfig       `yaml:"webhook"`
}

// BridgeSection identifies the bridge on the chat network.
type BridgeSection struct {
	Domain        string `yaml:"domain"`
	HomeserverURL string `yaml:"url,omitempty"`
	ASToken       string `yaml:"asToken,omitempty"`
	HSToken       string `yaml:"hsToken,omitempty"`
	BotUsername   string `yaml:"botUsername,omitempty"`
	UserPrefix    string `yaml:"userPrefix,omitempty"`
}

// BotUserID is the bridge bot's account id.
func (b BridgeSection) BotUserID() string {
	return "@" + b.BotUsername + ":" + b.Domain
}

// IsBridgeUser reports whether userID is the bot or one of the bridge's
// virtual accounts.
func (b BridgeSection) IsBridgeUser(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == b.BotUserID() {
		return true
	}
	return strings.HasPrefix(userID, "@"+b.UserPrefix) && strings.HasSuffix(userID, ":"+b.Domain)
}

// PermissionRule maps an actor selector to service levels.
type PermissionRule struct {
	Actor    string              `yaml:"actor"`
	Services []ServicePermission `yaml:"services"`
}

// ServicePermission is one (service, level) grant of a rule. An empty
// service means every service.
type ServicePermission struct {
	Service string `yaml:"service,omitempty"`
	Level   string `yaml:"level"`
}

// GenericConfig configures generic webhooks.
type GenericConfig struct {
	Enabled                      bool   `yaml:"enabled"`
	URLPrefix                    string `yaml:"urlPrefix,omitempty"`
	AllowTransformationFunctions bool   `yaml:"allowTransformationFunctions"`
	EnableHTTPGet                bool   `yaml:"enableHttpGet"`
	WaitForComplete              bool   `yaml:"waitForComplete"`
	MaxExpiryTime                string `yaml:"maxExpiryTime,omitempty"`
	TransformTimeout             string `yaml:"transformTimeout,omitempty"`
}

// MaxExpiry returns the longest allowed hook lifetime, or zero for no bound.
func (g GenericConfig) MaxExpiry() time.Duration {
	d, _ := ParseDuration(g.MaxExpiryTime)
	return d
}

// TransformBudget is the wall-clock budget of one transformation run.
func (g GenericConfig) TransformBudget() time.Duration {
	if d, err := ParseDuration(g.TransformTimeout); err == nil && d > 0 {
		return d
	}
	return defaultTransformTimeout
}

// GitHubConfig configures the GitHub webhook receiver.
type GitHubConfig struct {
	WebhookSecret string `yaml:"webhookSecret"`
}

// GitLabConfig configures the GitLab webhook receiver.
type GitLabConfig struct {
	WebhookSecret string                    `yaml:"webhookSecret"`
	Instances     map[string]GitLabInstance `yaml:"instances,omitempty"`
}

// GitLabInstance is a named GitLab server.
type GitLabInstance struct {
	URL string `yaml:"url"`
}

// InstanceForURL returns the configured instance name whose URL prefixes
// projectURL.
func (g *GitLabConfig) InstanceForURL(projectURL string) (string, bool) {
	if g == nil {
		return "", false
	}
	for name, inst := range g.Instances {
		base := strings.TrimSuffix(inst.URL, "/")
		if base != "" && strings.HasPrefix(projectURL, base+"/") {
			return name, true
		}
	}
	return "", false
}

// ProvisioningConfig enables the provisioning API.
type ProvisioningConfig struct {
	Secret string `yaml:"secret"`
}

// WebhookConfig bounds the webhook listener.
type WebhookConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond,omitempty"`
	Burst         int     `yaml:"burst,omitempty"`
	MaxBodyBytes  int64   `yaml:"maxBodyBytes,omitempty"`
	AwaitTimeout  string  `yaml:"awaitTimeout,omitempty"`
}

// Await is how long the webhook role waits for the bridge to answer a
// generic hook request.
func (w WebhookConfig) Await() time.Duration {
	if d, err := ParseDuration(w.AwaitTimeout); err == nil && d > 0 {
		return d
	}
	return defaultWebhookAwait
}

// ParseBridgeConfig validates data against the embedded schema and decodes it.
func ParseBridgeConfig(data []byte) (*BridgeConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("bridge config is empty")
	}
	if err := checkBridgeSchema(data); err != nil {
		return nil, err
	}
	var cfg BridgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bridge config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBridgeConfig reads and parses the YAML file at path.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	if path == "" {
		return nil, errors.New("bridge config path is empty")
	}
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bridge config %s: %w", path, err)
	}
	cfg, err := ParseBridgeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load bridge config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *BridgeConfig) applyDefaults() {
	if c.Bridge.BotUsername == "" {
		c.Bridge.BotUsername = defaultBotUsername
	}
	if c.Bridge.UserPrefix == "" {
		c.Bridge.UserPrefix = defaultUserPrefix
	}
	if c.Webhook.RatePerSecond == 0 {
		c.Webhook.RatePerSecond = defaultWebhookRate
	}
	if c.Webhook.Burst == 0 {
		c.Webhook.Burst = defaultWebhookBurst
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = defaultWebhookBodyBytes
	}
	if c.GitLab != nil && len(c.GitLab.Instances) == 0 {
		c.GitLab.Instances = map[string]GitLabInstance{
			defaultGitLabInstanceKey: {URL: "https://gitlab.com"},
		}
	}
}

func (c *BridgeConfig) validate() error {
	if _, err := ParseDuration(c.Generic.MaxExpiryTime); err != nil {
		return fmt.Errorf("generic.maxExpiryTime: %w", err)
	}
	if _, err := ParseDuration(c.Generic.TransformTimeout); err != nil {
		return fmt.Errorf("generic.transformTimeout: %w", err)
	}
	if _, err := ParseDuration(c.Webhook.AwaitTimeout); err != nil {
		return fmt.Errorf("webhook.awaitTimeout: %w", err)
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a trailing day unit
// ("30d", "1d12h"). The empty string parses as zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	var days time.Duration
	if idx := strings.Index(raw, "d"); idx > 0 {
		n, err := strconv.ParseFloat(raw[:idx], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		days = time.Duration(n * float64(24*time.Hour))
		raw = raw[idx+1:]
		if raw == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return days + d, nil
}
