// Package redisutil connects the redis-backed bus, state and claim stores
// with one set of TLS and cluster settings.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "HOOKBRIDGE_REDIS_TLS_CA"
	envTLSCert       = "HOOKBRIDGE_REDIS_TLS_CERT"
	envTLSKey        = "HOOKBRIDGE_REDIS_TLS_KEY"
	envTLSInsecure   = "HOOKBRIDGE_REDIS_TLS_INSECURE"
	envTLSServerName = "HOOKBRIDGE_REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "HOOKBRIDGE_REDIS_CLUSTER"

	defaultURL  = "redis://localhost:6379"
	pingTimeout = 2 * time.Second
)

var errHalfKeyPair = errors.New("redis tls cert and key must be set together")

// Settings are the operator knobs applied on top of a redis URL.
type Settings struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	Insecure   bool
	// ClusterAddrs, when set, replaces the URL host with cluster seeds.
	ClusterAddrs []string
}

// SettingsFromEnv reads Settings from HOOKBRIDGE_REDIS_* variables.
func SettingsFromEnv() Settings {
	insecure := false
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envTLSInsecure))) {
	case "1", "true", "yes", "on":
		insecure = true
	}
	return Settings{
		CAFile:       strings.TrimSpace(os.Getenv(envTLSCA)),
		CertFile:     strings.TrimSpace(os.Getenv(envTLSCert)),
		KeyFile:      strings.TrimSpace(os.Getenv(envTLSKey)),
		ServerName:   strings.TrimSpace(os.Getenv(envTLSServerName)),
		Insecure:     insecure,
		ClusterAddrs: splitAddrs(os.Getenv(envClusterAddrs)),
	}
}

func (s Settings) wantsTLS() bool {
	return s.CAFile != "" || s.CertFile != "" || s.KeyFile != "" || s.ServerName != "" || s.Insecure
}

// Connect builds a client for url with SettingsFromEnv and checks that it
// answers PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	return SettingsFromEnv().Connect(ctx, url)
}

// Connect builds a client for url and checks that it answers PING.
func (s Settings) Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := s.Client(url)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Client builds a universal client for url without contacting the server.
func (s Settings) Client(url string) (redis.UniversalClient, error) {
	if strings.TrimSpace(url) == "" {
		url = defaultURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	tlsConfig, err := s.tlsConfig(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	addrs := s.ClusterAddrs
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	}), nil
}

// tlsConfig layers the settings over base, which rediss:// URLs populate.
func (s Settings) tlsConfig(base *tls.Config) (*tls.Config, error) {
	if !s.wantsTLS() {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if s.ServerName != "" {
		cfg.ServerName = s.ServerName
	}
	if s.Insecure {
		// #nosec G402 -- operator opt-in for self-signed deployments.
		cfg.InsecureSkipVerify = true
	}
	if s.CAFile != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis ca: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in redis ca %s", s.CAFile)
		}
		cfg.RootCAs = pool
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return nil, errHalfKeyPair
	}
	if s.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func splitAddrs(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	}) {
		out = append(out, part)
	}
	return out
}
