package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/config"
	"zonelink/pkg/federation"
	"zonelink/pkg/transport"
	"zonelink/pkg/transport/rest"
	"zonelink/pkg/transport/rpc"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zonelink",
		Short: "Cross-zone object replication connector",
		Long: `Connects a storage zone to its peer zones. Objects are pushed and pulled
over signed HTTP(S) or gRPC, and client requests can be forwarded to a peer.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		pushCmd(),
		pullCmd(),
		forwardCmd(),
		peersCmd(),
		certsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zonelink v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadConfig reads --config when given, the environment otherwise
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// peerSet holds the outgoing transports shared by every peer connection
type peerSet struct {
	mux    *transport.Mux
	rpc    *rpc.Transport
	peers  []*federation.PeerConnection
	logger *zap.Logger
}

func (ps *peerSet) Close() {
	if err := ps.rpc.Close(); err != nil {
		ps.logger.Debug("Failed to close gRPC connections", zap.Error(err))
	}
}

// get returns the connection to the named peer zone
func (ps *peerSet) get(zone string) (*federation.PeerConnection, error) {
	for _, p := range ps.peers {
		if p.Peer() == zone {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown peer zone %q", zone)
}

// connectPeers builds one PeerConnection per configured peer over a scheme
// mux carrying both the REST and the gRPC transport.
func connectPeers(cfg *config.Config, logger *zap.Logger, metrics *federation.Metrics) (*peerSet, error) {
	tlsConfig, err := cfg.TLS.BuildClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}
	chunk, err := cfg.Transfer.ChunkBytes()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	restTransport := rest.NewTransport(httpClient, logger)
	restTransport.SetChunkSize(int(chunk))

	rpcTransport := rpc.NewTransport(tlsConfig, logger)
	rpcTransport.SetChunkSize(int(chunk))

	mux := transport.NewMux()
	mux.Handle(restTransport, "http", "https")
	mux.Handle(rpcTransport, rpc.SchemePlain, rpc.SchemeTLS)

	ps := &peerSet{mux: mux, rpc: rpcTransport, logger: logger}
	for _, p := range cfg.Peers {
		opts := []federation.Option{
			federation.WithLogger(logger.With(zap.String("peer", p.Zone))),
			federation.WithMetrics(metrics),
			federation.WithPeerName(p.Zone),
		}
		if cfg.ZonePrependFlag {
			opts = append(opts, federation.WithZonePrependFlag())
		}
		ps.peers = append(ps.peers, federation.NewPeerConnection(p.Endpoints, cfg.SystemKey, cfg.Zone, mux, opts...))
	}
	return ps, nil
}

func keyStore(cfg *config.Config) auth.KeyStore {
	return auth.NewStaticKeyStore(cfg.SystemKey)
}
