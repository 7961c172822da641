package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/otherjamesbrown/scribe-cli/config"
)

// LoadClientTLSConfig builds the TLS settings for the HTTP transport.
// Returns nil when neither TLS files nor insecure mode are configured, so
// the system defaults apply.
func LoadClientTLSConfig(cfg config.TLSConfig, insecure bool) (*tls.Config, error) {
	if !cfg.Configured() && !insecure {
		return nil, nil
	}

	cfg.ResolvePaths()
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}

	// Load client certificate and key for mTLS authentication.
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		if err := CheckCertsExist(cfg); err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CACert != "" && !insecure {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA cert %s: invalid PEM", cfg.CACert)
		}
		tlsConfig.RootCAs = caPool
	}

	return tlsConfig, nil
}

// CheckCertsExist verifies the configured client certificate files are
// present, for a clearer error than the TLS handshake gives.
func CheckCertsExist(cfg config.TLSConfig) error {
	cfg.ResolvePaths()

	files := []struct{ name, path string }{
		{"Client certificate", cfg.ClientCert},
		{"Client key", cfg.ClientKey},
	}
	for _, f := range files {
		if f.path == "" {
			return fmt.Errorf("%s not configured", f.name)
		}
		if _, err := os.Stat(f.path); os.IsNotExist(err) {
			return fmt.Errorf("%s not found: %s", f.name, f.path)
		}
	}
	return nil
}
