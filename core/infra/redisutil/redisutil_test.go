package redisutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv(envTLSInsecure, "yes")
	t.Setenv(envTLSServerName, "redis.internal")
	t.Setenv(envClusterAddrs, "a:1, b:2\nc:3")
	s := SettingsFromEnv()
	if !s.Insecure || s.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls settings %+v", s)
	}
	if len(s.ClusterAddrs) != 3 || s.ClusterAddrs[0] != "a:1" || s.ClusterAddrs[2] != "c:3" {
		t.Fatalf("unexpected cluster addrs %v", s.ClusterAddrs)
	}
}

func TestTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTempCert(t, dir)

	cases := []struct {
		name     string
		settings Settings
		check    func(t *testing.T, s Settings)
	}{
		{"plain", Settings{}, func(t *testing.T, s Settings) {
			if cfg, err := s.tlsConfig(nil); err != nil || cfg != nil {
				t.Fatalf("expected no tls, got %v %v", cfg, err)
			}
		}},
		{"insecure", Settings{Insecure: true}, func(t *testing.T, s Settings) {
			if cfg, err := s.tlsConfig(nil); err != nil || cfg == nil || !cfg.InsecureSkipVerify {
				t.Fatalf("expected insecure tls, got %v %v", cfg, err)
			}
		}},
		{"ca and keypair", Settings{CAFile: certPath, CertFile: certPath, KeyFile: keyPath}, func(t *testing.T, s Settings) {
			cfg, err := s.tlsConfig(nil)
			if err != nil || cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
				t.Fatalf("expected ca and client cert, got %v %v", cfg, err)
			}
		}},
		{"half keypair", Settings{CertFile: certPath}, func(t *testing.T, s Settings) {
			if _, err := s.tlsConfig(nil); !errors.Is(err, errHalfKeyPair) {
				t.Fatalf("expected errHalfKeyPair, got %v", err)
			}
		}},
		{"missing ca", Settings{CAFile: filepath.Join(dir, "nope.pem")}, func(t *testing.T, s Settings) {
			if _, err := s.tlsConfig(nil); err == nil {
				t.Fatalf("expected read error")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.check(t, tc.settings) })
	}
}

func TestClientRejectsBadURL(t *testing.T) {
	if _, err := (Settings{}).Client("http://not-redis"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestConnectPingsServer(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	client, err := Connect(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer func() { _ = client.Close() }()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("k"); got != "v" {
		t.Fatalf("expected value stored, got %q", got)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	addr := srv.Addr()
	srv.Close()

	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected error for closed server")
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPath := filepath.Join(dir, "redis.crt")
	keyPath := filepath.Join(dir, "redis.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
