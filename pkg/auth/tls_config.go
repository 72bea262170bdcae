package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds TLS settings for connections to peer zone endpoints
type TLSConfig struct {
	CAPath             string `json:"ca_cert,omitempty" toml:"ca_cert"`
	CertPath           string `json:"cert,omitempty" toml:"cert"`
	KeyPath            string `json:"key,omitempty" toml:"key"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify"`
	MinTLSVersion      string `json:"min_tls_version,omitempty" toml:"min_tls_version"`
}

// BuildClientConfig creates TLS configuration for outgoing peer calls
func (c *TLSConfig) BuildClientConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         c.minVersion(),
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CAPath != "" {
		pool, err := loadCAPool(c.CAPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if c.CertPath != "" && c.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// BuildServerConfig returns nil when no certificate is configured
func (c *TLSConfig) BuildServerConfig() (*tls.Config, error) {
	if c.CertPath == "" || c.KeyPath == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   c.minVersion(),
	}, nil
}

func (c *TLSConfig) minVersion() uint16 {
	if c.MinTLSVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
