// Package tls builds the server TLS configuration for the control API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	CACertFile = "tls_ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

// Config is the [api.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`           // holds tls.crt and tls.key
	AutoGenerate bool     `mapstructure:"auto_generate"` // self-sign into Dir when missing
	Hosts        []string `mapstructure:"hosts"`         // names for generated certificates
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"` // "1.2" or "1.3"
}

// Validate reports an unusable configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("api.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("api.tls: cert_file/key_file or dir is required")
	}
	if _, ok := parseVersion(c.MinVersion); !ok {
		return fmt.Errorf("api.tls: unknown min_version %q", c.MinVersion)
	}
	return nil
}

// CAPath is where a generated certificate can be found by clients.
func (c Config) CAPath() string {
	if c.Dir == "" {
		return ""
	}
	return filepath.Join(c.Dir, CACertFile)
}

func parseVersion(v string) (uint16, bool) {
	switch v {
	case "", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns nil when TLS is disabled. Explicit files win over Dir.
// Certificates are re-read on each handshake so renewed files are picked up.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, CertFile)
		keyPath = filepath.Join(c.Dir, KeyFile)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", c.Dir, err)
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365 * 5
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   hosts[0],
		Organization: "gamewatch",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, CertFile),
		KeyPath:      filepath.Join(c.Dir, KeyFile),
		CACertPath:   c.CAPath(),
	})
}
