package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"zonelink/pkg/config"
	"zonelink/pkg/replication"
	"zonelink/pkg/storage"
	"zonelink/pkg/types"
	"zonelink/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// session is what a one-shot transfer command works with
type session struct {
	cfg        *config.Config
	logger     *zap.Logger
	peers      *peerSet
	store      *storage.MemoryStore
	replicator *replication.Replicator
}

func openSession() (*session, error) {
	logger := setupLogger(verbose)
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	peers, err := connectPeers(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	maxForward, err := cfg.Transfer.MaxForwardBytes()
	if err != nil {
		return nil, err
	}

	policy := replication.DefaultRetryPolicy()
	if cfg.Transfer.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Transfer.MaxAttempts
	}

	store := storage.NewMemoryStore()
	return &session{
		cfg:    cfg,
		logger: logger,
		peers:  peers,
		store:  store,
		replicator: replication.NewReplicator(store,
			replication.WithLogger(logger),
			replication.WithRetryPolicy(policy),
			replication.WithMaxForwardResponse(maxForward)),
	}, nil
}

func (s *session) Close() {
	s.peers.Close()
	s.logger.Sync()
}

func failures(results []replication.Result) error {
	var failed int
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d objects failed", failed, len(results))
	}
	return nil
}

func pushCmd() *cobra.Command {
	var uid string

	cmd := &cobra.Command{
		Use:   "push PEER BUCKET FILE...",
		Short: "Replicate local files to a peer zone",
		Long:  `Upload each FILE to BUCKET in the peer zone, keyed by its base name.`,
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			peer, err := s.peers.get(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var ids []types.ObjectID
			for _, path := range args[2:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				id := types.ObjectID{Bucket: args[1], Key: filepath.Base(path)}
				attrs := types.Attrs{"source-path": []byte(path)}
				if _, err := s.store.Put(ctx, id, bytes.NewReader(data), attrs); err != nil {
					return err
				}
				ids = append(ids, id)
			}

			results := s.replicator.PushAll(ctx, peer, uid, ids, s.cfg.Transfer.Concurrency)
			fmt.Println(renderResults("PUSH "+strings.ToUpper(args[0]), results))
			return failures(results)
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "system", "user the transfer is made for")

	return cmd
}

func pullCmd() *cobra.Command {
	var (
		uid string
		dir string
	)

	cmd := &cobra.Command{
		Use:   "pull PEER BUCKET [KEY...]",
		Short: "Replicate objects from a peer zone",
		Long: `Download objects from BUCKET in the peer zone into --dir. Without keys
the whole bucket is listed on the peer and pulled.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			peer, err := s.peers.get(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			keys := args[2:]
			if len(keys) == 0 {
				if keys, err = s.replicator.List(ctx, peer, uid, args[1]); err != nil {
					return fmt.Errorf("failed to list %s: %w", args[1], err)
				}
			}
			ids := make([]types.ObjectID, 0, len(keys))
			for _, key := range keys {
				ids = append(ids, types.ObjectID{Bucket: args[1], Key: key})
			}

			results := s.replicator.PullAll(ctx, peer, uid, ids, s.cfg.Transfer.Concurrency)
			if err := writeObjects(ctx, s.store, dir, results); err != nil {
				return err
			}
			fmt.Println(renderResults("PULL "+strings.ToUpper(args[0]), results))
			return failures(results)
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "system", "user the transfer is made for")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory pulled objects are written to")

	return cmd
}

func writeObjects(ctx context.Context, store storage.ObjectStore, dir string, results []replication.Result) error {
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		obj, err := store.Get(ctx, res.Object)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, res.Object.Bucket, filepath.FromSlash(res.Object.Key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, obj.Data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func forwardCmd() *cobra.Command {
	var (
		uid         string
		query       []string
		headers     []string
		dataFile    string
		maxResponse string
	)

	cmd := &cobra.Command{
		Use:   "forward PEER METHOD RESOURCE",
		Short: "Forward a request to a peer zone",
		Long:  `Relay a request such as "GET /bucket" to the peer zone and print its response body.`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			peer, err := s.peers.get(args[0])
			if err != nil {
				return err
			}

			info := types.RequestInfo{
				Method:   strings.ToUpper(args[1]),
				Resource: args[2],
				Query:    url.Values{},
				Header:   http.Header{},
			}
			for _, kv := range query {
				k, v, _ := strings.Cut(kv, "=")
				info.Query.Add(k, v)
			}
			for _, kv := range headers {
				k, v, ok := strings.Cut(kv, ":")
				if !ok {
					return fmt.Errorf("invalid header %q: expected Name: value", kv)
				}
				info.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			var body []byte
			if dataFile != "" {
				if body, err = os.ReadFile(dataFile); err != nil {
					return err
				}
			}

			limit, err := utils.ParseSizeOr(maxResponse, 0)
			if err != nil {
				return err
			}
			if limit == 0 {
				limit, _ = s.cfg.Transfer.MaxForwardBytes()
			}

			out, err := peer.Forward(cmd.Context(), uid, info, limit, body)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	cmd.Flags().StringVar(&uid, "uid", "system", "user the request is made for")
	cmd.Flags().StringArrayVarP(&query, "query", "q", nil, "query parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "header as 'Name: value' (repeatable)")
	cmd.Flags().StringVar(&dataFile, "data", "", "file sent as the request body")
	cmd.Flags().StringVar(&maxResponse, "max-response", "", "largest accepted response, e.g. 4MiB")

	return cmd
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List configured peer zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Println(renderPeers(cfg))
			return nil
		},
	}
}
