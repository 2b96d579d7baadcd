// Command spu runs a single Streaming Processing Unit: the data-plane
// process that hosts replica logs, replicates them to peer SPUs, and
// serves client produce/fetch traffic.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/config"
	"github.com/fluxlog/spu/internal/controlplane"
	"github.com/fluxlog/spu/internal/core"
	"github.com/fluxlog/spu/internal/replicalog"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "spu",
		Short: "Run a Streaming Processing Unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	if err := config.BindFlags(root.Flags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	root.Flags().String("config", "", "path to a config file (yaml/toml/json)")
	if err := v.BindPFlag("config", root.Flags().Lookup("config")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	if cfgFile, _ := v.Get("config").(string); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("spu: read config file: %w", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Single-node bootstrap: this SPU is always the leader of every
	// replica assigned to it below. Multi-SPU clusters plug in a real
	// controlplane.Channel (over gRPC/HTTP to the SC) here instead.
	cp := controlplane.NewStatic(nil)
	defer cp.Close()

	sup := core.NewSupervisor(cfg, cp, logger)
	if err := sup.Start(); err != nil {
		return fmt.Errorf("spu: start supervisor: %w", err)
	}

	cp.PushAssignment(controlplane.ReplicaAssignment{
		Key:               replicalog.ReplicaKey{Topic: "events", Partition: 0},
		LeaderID:          cfg.SpuID,
		FollowerIDs:       nil,
		MinInSyncReplicas: cfg.MinInSyncReplicas,
	})

	logger.Info("spu running",
		zap.Int32("spu_id", cfg.SpuID),
		zap.String("private_endpoint", cfg.PrivateEndpoint),
		zap.String("public_endpoint", cfg.PublicEndpoint),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("spu shutting down")
	sup.Stop()
	return nil
}
