package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/transport/rest"
	"zonelink/pkg/transport/rpc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func serveCmd() *cobra.Command {
	var sweepInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the peer API for this zone",
		Long: `Serve this zone's objects to peer zones over HTTP(S) and, when a gRPC
address is configured, gRPC. Health and metrics are served on the metrics address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := federation.NewMetrics(registry)

			peers, err := connectPeers(cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer peers.Close()

			serverTLS, err := cfg.TLS.BuildServerConfig()
			if err != nil {
				return err
			}

			store := storage.NewMemoryStore()
			keys := keyStore(cfg)

			restSrv := rest.NewServer(store, keys, logger.Named("rest"))
			restSrv.SetMetrics(metrics)
			httpSrv := &http.Server{
				Addr:              cfg.Server.HTTPAddress,
				Handler:           restSrv.Handler(),
				TLSConfig:         serverTLS,
				ReadHeaderTimeout: 10 * time.Second,
			}

			health := federation.NewHealthEndpoint(cfg.Zone, peers.peers, registry, logger.Named("health"))
			healthMux := http.NewServeMux()
			health.RegisterHandlers(healthMux)
			metricsSrv := &http.Server{
				Addr:              cfg.Server.MetricsAddress,
				Handler:           healthMux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 3)
			go func() {
				logger.Info("Starting peer API",
					zap.String("zone", cfg.Zone),
					zap.String("address", cfg.Server.HTTPAddress),
					zap.Bool("tls", serverTLS != nil))
				var err error
				if serverTLS != nil {
					err = httpSrv.ListenAndServeTLS("", "")
				} else {
					err = httpSrv.ListenAndServe()
				}
				if !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("peer API: %w", err)
				}
			}()

			if cfg.Server.MetricsAddress != "" {
				go func() {
					logger.Info("Starting metrics server", zap.String("address", cfg.Server.MetricsAddress))
					if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("metrics server: %w", err)
					}
				}()
			}

			var grpcSrv *grpc.Server
			if cfg.Server.GRPCAddress != "" {
				rpcSrv := rpc.NewServer(store, keys, restSrv.Routes(), logger.Named("rpc"))
				rpcSrv.SetMetrics(metrics)
				if chunk, err := cfg.Transfer.ChunkBytes(); err == nil {
					rpcSrv.SetChunkSize(int(chunk))
				}

				var opts []grpc.ServerOption
				if serverTLS != nil {
					opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
				}
				grpcSrv = rpcSrv.NewGRPCServer(opts...)

				lis, err := net.Listen("tcp", cfg.Server.GRPCAddress)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddress, err)
				}
				go func() {
					logger.Info("Starting gRPC peer API", zap.String("address", cfg.Server.GRPCAddress))
					if err := grpcSrv.Serve(lis); err != nil {
						errCh <- fmt.Errorf("gRPC peer API: %w", err)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go sweepIdle(ctx, peers, sweepInterval, logger)

			select {
			case <-ctx.Done():
				logger.Info("Shutting down", zap.String("zone", cfg.Zone))
			case err := <-errCh:
				logger.Error("Server failed", zap.Error(err))
				stop()
				shutdown(httpSrv, metricsSrv, grpcSrv)
				return err
			}

			shutdown(httpSrv, metricsSrv, grpcSrv)
			return nil
		},
	}

	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "how often idle gRPC connections are closed")

	return cmd
}

func sweepIdle(ctx context.Context, peers *peerSet, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := peers.rpc.SweepIdle(); n > 0 {
				logger.Debug("Closed idle peer connections", zap.Int("count", n))
			}
		}
	}
}

func shutdown(httpSrv, metricsSrv *http.Server, grpcSrv *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	httpSrv.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)
}
