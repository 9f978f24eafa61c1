package config

import (
	"os"
	"strings"
)

const (
	defaultConfigPath       = "config/hookbridge.yaml"
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultQueue            = QueueLocal
	defaultStateBackend     = "memory"
	defaultClaimsBackend    = "memory"
	defaultWebhookAddr      = ":9000"
	defaultAppserviceAddr   = ":9993"
	defaultProvisioningAddr = ":9002"
	defaultMetricsAddr      = ":9090"
	defaultRoles            = "bridge,webhooks,sender"

	envConfigPath       = "HOOKBRIDGE_CONFIG"
	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envQueue            = "HOOKBRIDGE_QUEUE"
	envQueueGroup       = "HOOKBRIDGE_QUEUE_GROUP"
	envStateBackend     = "HOOKBRIDGE_STATE"
	envStateURL         = "HOOKBRIDGE_STATE_URL"
	envClaimsBackend    = "HOOKBRIDGE_CLAIMS"
	envWebhookAddr      = "HOOKBRIDGE_WEBHOOK_ADDR"
	envAppserviceAddr   = "HOOKBRIDGE_APPSERVICE_ADDR"
	envProvisioningAddr = "HOOKBRIDGE_PROVISIONING_ADDR"
	envMetricsAddr      = "HOOKBRIDGE_METRICS_ADDR"
	envRoles            = "HOOKBRIDGE_ROLES"
)

// Message bus backends selectable through HOOKBRIDGE_QUEUE.
const (
	QueueLocal = "local"
	QueueRedis = "redis"
	QueueNATS  = "nats"
)

// Config holds process-level settings read from the environment.
type Config struct {
	ConfigPath   string
	NatsURL      string
	RedisURL     string
	Queue        string
	QueueGroup   string
	StateBackend string
	StateURL     string
	// ClaimsBackend holds delivery and transaction dedupe claims; the
	// redis backend uses RedisURL.
	ClaimsBackend    string
	WebhookAddr      string
	AppserviceAddr   string
	ProvisioningAddr string
	MetricsAddr      string
	// Roles lists the roles the all-in-one binary runs.
	Roles []string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	redisURL := envOr(envRedisURL, defaultRedisURL)
	stateBackend := strings.ToLower(envOr(envStateBackend, defaultStateBackend))
	stateURL := os.Getenv(envStateURL)
	if stateURL == "" && stateBackend == "redis" {
		stateURL = redisURL
	}
	return &Config{
		ConfigPath:       envOr(envConfigPath, defaultConfigPath),
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         redisURL,
		Queue:            strings.ToLower(envOr(envQueue, defaultQueue)),
		QueueGroup:       os.Getenv(envQueueGroup),
		StateBackend:     stateBackend,
		StateURL:         stateURL,
		ClaimsBackend:    strings.ToLower(envOr(envClaimsBackend, defaultClaimsBackend)),
		WebhookAddr:      envOr(envWebhookAddr, defaultWebhookAddr),
		AppserviceAddr:   envOr(envAppserviceAddr, defaultAppserviceAddr),
		ProvisioningAddr: envOr(envProvisioningAddr, defaultProvisioningAddr),
		MetricsAddr:      envOr(envMetricsAddr, defaultMetricsAddr),
		Roles:            splitList(envOr(envRoles, defaultRoles)),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
