package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gridcache/gridcache/pkg/cache"
	"github.com/gridcache/gridcache/pkg/config"
	"github.com/gridcache/gridcache/pkg/dispatch"
	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/metrics"
	"github.com/gridcache/gridcache/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cachenode",
	Short: "Distributed in-memory partitioned key/value store",
	Long: `cachenode runs one member of a distributed cache cluster: a
partitioned, transactional in-memory key/value store with automatic
rebalancing on membership changes, near-cache replicas, and bounded LRU
eviction.

Start a cluster with a single bootstrap node, then join further nodes
against any running member.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cachenode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a cache node",
	Long: `Start a cache node. Without --join this node bootstraps a new
single-node cluster; with --join it asks the addressed member's leader
to admit it, then streams its share of the partitions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cmd)
		if err != nil {
			return err
		}

		nodeLogger := log.WithNodeID(cfg.NodeID)
		nodeLogger.Info().Msg("starting cache node")
		node, err := cache.NewNode(cfg)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		if err := node.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start node: %w", err)
		}

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					metricsLogger := log.WithComponent("metrics")
					metricsLogger.Warn().Err(err).Msg("metrics endpoint stopped")
				}
			}()
		}

		fmt.Printf("Node %s started\n", cfg.NodeID)
		fmt.Printf("  Dispatch: %s\n", cfg.DispatchAddr)
		fmt.Printf("  Raft:     %s\n", cfg.RaftAddr)
		fmt.Printf("  Data:     %s\n", cfg.DataDir)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		node.Stop()
		return nil
	},
}

func loadNodeConfig(cmd *cobra.Command) (config.NodeConfig, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.Load(path)
	}

	cfg := config.Default()
	cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	cfg.DispatchAddr, _ = cmd.Flags().GetString("dispatch-addr")
	cfg.RaftAddr, _ = cmd.Flags().GetString("raft-addr")
	cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	cfg.JoinAddr, _ = cmd.Flags().GetString("join")
	cfg.PersistEnable, _ = cmd.Flags().GetBool("persist")
	if parts, _ := cmd.Flags().GetInt("partitions"); parts > 0 {
		cfg.Cache.Partitions = parts
	}
	if backups, _ := cmd.Flags().GetInt("backups"); backups >= 0 {
		cfg.Cache.Backups = backups
	}
	return cfg, cfg.Validate()
}

func init() {
	startCmd.Flags().String("config", "", "Path to a YAML configuration file (overrides the flags below)")
	startCmd.Flags().String("node-id", "", "Stable node identity (required without --config)")
	startCmd.Flags().String("dispatch-addr", "127.0.0.1:7700", "Cache transport listen address")
	startCmd.Flags().String("raft-addr", "127.0.0.1:7800", "Raft transport listen address")
	startCmd.Flags().String("data-dir", "./data", "Data directory for raft state and the optional persistent store")
	startCmd.Flags().String("metrics-addr", ":9090", "Prometheus scrape address (empty disables)")
	startCmd.Flags().String("join", "", "Dispatch address of an existing member to join")
	startCmd.Flags().Bool("persist", false, "Enable the write-behind persistent store")
	startCmd.Flags().Int("partitions", 0, "Partition count (cluster-wide, must match on every node)")
	startCmd.Flags().Int("backups", -1, "Backup copies per partition")

	for _, c := range []*cobra.Command{putCmd, getCmd, delCmd} {
		c.Flags().String("addr", "127.0.0.1:7700", "Dispatch address of any cluster member")
		c.Flags().Duration("timeout", 10*time.Second, "Operation timeout")
	}
}

// clientCall performs one thin-client request against any member.
func clientCall(cmd *cobra.Command, kind types.MessageKind, msg any, reply any) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	self := types.NodeID("client-" + uuid.NewString())
	return dispatch.Call(ctx, addr, self, kind, msg, reply)
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.PutResponse
		err := clientCall(cmd, types.KindPutRequest, types.PutRequest{Key: args[0], Value: []byte(args[1])}, &resp)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("put failed: %s", resp.Err)
		}
		fmt.Println("OK")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.GetResponse
		err := clientCall(cmd, types.KindGetRequest, types.GetRequest{Key: args[0]}, &resp)
		if err != nil {
			return err
		}
		if resp.Err != "" {
			return fmt.Errorf("get failed: %s", resp.Err)
		}
		if !resp.Found {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Println(string(resp.Value))
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp types.PutResponse
		err := clientCall(cmd, types.KindPutRequest, types.PutRequest{Key: args[0], Tombstone: true}, &resp)
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("delete failed: %s", resp.Err)
		}
		fmt.Println("OK")
		return nil
	},
}
