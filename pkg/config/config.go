package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"zonelink/pkg/auth"
	"zonelink/pkg/utils"

	"github.com/BurntSushi/toml"
)

const (
	DefaultHTTPAddress    = ":8470"
	DefaultMetricsAddress = ":9470"
	DefaultChunkSize      = "64KiB"
	DefaultMaxForward     = "1MiB"
	DefaultConcurrency    = 5
)

type Config struct {
	Zone      string          `json:"zone" toml:"zone"`
	SystemKey auth.SigningKey `json:"system_key" toml:"system_key"`
	Peers     []PeerConfig    `json:"peers" toml:"peers"`
	Server    ServerConfig    `json:"server" toml:"server"`
	Transfer  TransferConfig  `json:"transfer" toml:"transfer"`
	TLS       auth.TLSConfig  `json:"tls" toml:"tls"`

	// ZonePrependFlag sends the zone name as the prepend-metadata value,
	// for peers that expect it.
	ZonePrependFlag bool `json:"zone_prepend_flag,omitempty" toml:"zone_prepend_flag"`
}

// PeerConfig is a remote zone reachable through one or more endpoints,
// e.g. https://zone-b.example:8470 or grpc://10.0.0.7:8471
type PeerConfig struct {
	Zone      string   `json:"zone" toml:"zone"`
	Endpoints []string `json:"endpoints" toml:"endpoints"`
}

type ServerConfig struct {
	HTTPAddress    string `json:"http_address" toml:"http_address"`
	GRPCAddress    string `json:"grpc_address,omitempty" toml:"grpc_address"`
	MetricsAddress string `json:"metrics_address,omitempty" toml:"metrics_address"`
}

type TransferConfig struct {
	ChunkSize   string `json:"chunk_size" toml:"chunk_size"`
	MaxForward  string `json:"max_forward_response" toml:"max_forward_response"`
	Concurrency int    `json:"concurrency" toml:"concurrency"`
	MaxAttempts int    `json:"max_attempts" toml:"max_attempts"`
}

// ChunkBytes is the parsed transfer chunk size
func (t TransferConfig) ChunkBytes() (int64, error) {
	return utils.ParseSize(t.ChunkSize)
}

// MaxForwardBytes is the parsed cap on forwarded responses
func (t TransferConfig) MaxForwardBytes() (int64, error) {
	return utils.ParseSize(t.MaxForward)
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddress:    DefaultHTTPAddress,
			MetricsAddress: DefaultMetricsAddress,
		},
		Transfer: TransferConfig{
			ChunkSize:   DefaultChunkSize,
			MaxForward:  DefaultMaxForward,
			Concurrency: DefaultConcurrency,
			MaxAttempts: 3,
		},
	}
}

// LoadConfig reads a JSON or, for .toml files, TOML configuration on top of
// the defaults and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// LoadFromEnv builds a configuration from ZONELINK_* variables only
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from the environment. ZONELINK_PEERS has the
// form "zone-b=https://b1:8470,https://b2:8470;zone-c=grpc://c1:8471".
func (c *Config) ApplyEnv() {
	c.Zone = getEnv("ZONELINK_ZONE", c.Zone)
	c.SystemKey.AccessKey = getEnv("ZONELINK_ACCESS_KEY", c.SystemKey.AccessKey)
	c.SystemKey.SecretKey = getEnv("ZONELINK_SECRET_KEY", c.SystemKey.SecretKey)
	c.Server.HTTPAddress = getEnv("ZONELINK_HTTP_ADDRESS", c.Server.HTTPAddress)
	c.Server.GRPCAddress = getEnv("ZONELINK_GRPC_ADDRESS", c.Server.GRPCAddress)
	c.Server.MetricsAddress = getEnv("ZONELINK_METRICS_ADDRESS", c.Server.MetricsAddress)
	c.Transfer.ChunkSize = getEnv("ZONELINK_CHUNK_SIZE", c.Transfer.ChunkSize)

	if peers := os.Getenv("ZONELINK_PEERS"); peers != "" {
		c.Peers = parsePeers(peers)
	}
}

func parsePeers(s string) []PeerConfig {
	var peers []PeerConfig
	for _, entry := range strings.Split(s, ";") {
		zone, list, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		peer := PeerConfig{Zone: strings.TrimSpace(zone)}
		for _, ep := range strings.Split(list, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				peer.Endpoints = append(peer.Endpoints, ep)
			}
		}
		peers = append(peers, peer)
	}
	return peers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Peer returns the configuration of the named peer zone
func (c *Config) Peer(zone string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.Zone == zone {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// Validate checks the configuration. A peer without endpoints is allowed;
// calls to it fail with the no-endpoints error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Zone) == "" {
		return fmt.Errorf("config missing zone")
	}
	if err := c.SystemKey.Validate(); err != nil {
		return fmt.Errorf("system_key: %w", err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if strings.TrimSpace(p.Zone) == "" {
			return fmt.Errorf("peer[%d] missing zone", i)
		}
		if p.Zone == c.Zone {
			return fmt.Errorf("peer[%d] is the local zone %q", i, p.Zone)
		}
		if seen[p.Zone] {
			return fmt.Errorf("peer zone %q listed twice", p.Zone)
		}
		seen[p.Zone] = true
		for _, ep := range p.Endpoints {
			if err := validateEndpoint(ep); err != nil {
				return fmt.Errorf("peer %q: %w", p.Zone, err)
			}
		}
	}

	n, err := c.Transfer.ChunkBytes()
	if err != nil {
		return fmt.Errorf("transfer.chunk_size: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive")
	}
	if _, err := c.Transfer.MaxForwardBytes(); err != nil {
		return fmt.Errorf("transfer.max_forward_response: %w", err)
	}
	return nil
}

func validateEndpoint(ep string) error {
	u, err := url.Parse(ep)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", ep, err)
	}
	switch u.Scheme {
	case "http", "https", "grpc", "grpcs":
	default:
		return fmt.Errorf("endpoint %q: unsupported scheme %q", ep, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", ep)
	}
	return nil
}
