// Command forestd is the forest daemon: it loads a node config, opens
// the grid/manifest/registry/forest stack, brings up the VSR replica
// driving compaction, and serves the operator HTTP surface. Grounded on
// the teacher's cmd/ root main.go (Lab 5 sharded entrypoint) wiring
// order: config → membership → storage → router → HTTP server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forestdb/internal/config"
	"forestdb/internal/forest"
	"forestdb/internal/forestgrid"
	"forestdb/internal/groove"
	"forestdb/internal/httpapi"
	"forestdb/internal/manifestlog"
	"forestdb/internal/memtable"
	"forestdb/internal/metrics"
	"forestdb/internal/vsr"
	"forestdb/internal/vsr/membership"
)

// schema is the daemon's fixed groove layout: one "default" groove with
// an object tree, an id tree, and a "by_value" secondary index. Grooves
// are compile-time-equivalent and caller-supplied (SPEC_FULL.md §3), so a
// standalone daemon declares its own rather than reading one from YAML.
func schema() []groove.Descriptor {
	return []groove.Descriptor{
		{
			Name:         "default",
			ObjectTreeID: 1,
			HasIDTree:    true,
			IDTreeID:     2,
			Indexes: []groove.IndexDescriptor{
				{Name: "by_value", TreeID: 3},
			},
		},
	}
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func main() {
	configPath := flag.String("config", "", "path to forestd YAML config (default config if empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("forestd: load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logger)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		slog.Error("forestd: create data dir", "error", err)
		os.Exit(1)
	}

	registry, err := groove.NewRegistry(schema(), cfg.Forest.LSMLevels, 10_000, 0.01, 4096)
	if err != nil {
		slog.Error("forestd: build groove registry", "error", err)
		os.Exit(1)
	}

	manifest, err := manifestlog.New(cfg.Node.DataDir)
	if err != nil {
		slog.Error("forestd: open manifest log", "error", err)
		os.Exit(1)
	}
	defer manifest.Close()

	grid, err := forestgrid.NewFileGrid(cfg.Grid.Path, cfg.Grid.BlockCount, cfg.Forest.BlockSizeBytes)
	if err != nil {
		slog.Error("forestd: open grid", "error", err)
		os.Exit(1)
	}
	defer grid.Close()

	collector := metrics.NewPromCollector()

	f, err := forest.New(forest.Options{
		LSMLevels:        cfg.Forest.LSMLevels,
		LSMBatchMultiple: cfg.Forest.LSMBatchMultiple,
		GrowthFactor:     cfg.Forest.GrowthFactor,
		BaseLevelBytes:   cfg.Forest.BaseLevelBytes,
		BlockPoolSize:    cfg.Forest.BlockPoolSize,
		BlockSizeBytes:   cfg.Forest.BlockSizeBytes,
		DataDir:          cfg.Node.DataDir,
		Memtable: memtable.Config{
			FlushThresholdBytes: cfg.Forest.Memtable.FlushThresholdBytes,
			MaxImmTables:        cfg.Forest.Memtable.MaxImmTables,
			FlushChanBuffSize:   cfg.Forest.Memtable.FlushChanBuffSize,
		},
		Metrics: collector,
	}, registry, manifest, grid)
	if err != nil {
		slog.Error("forestd: build forest", "error", err)
		os.Exit(1)
	}

	openDone := make(chan error, 1)
	if err := f.Open(func(err error) { openDone <- err }); err != nil {
		slog.Error("forestd: start open", "error", err)
		os.Exit(1)
	}
	if err := <-openDone; err != nil {
		slog.Error("forestd: replay manifest", "error", err)
		os.Exit(1)
	}

	f.StartWrites(ctx)
	defer f.StopWrites()

	peers := make(map[uint64]string, len(cfg.VSR.Peers))
	peerAddrs := make(map[uint64]string, len(cfg.VSR.Peers))
	for _, p := range cfg.VSR.Peers {
		peers[p.ID] = p.Address
		peerAddrs[p.ID] = p.Address
	}
	peers[cfg.VSR.RaftID] = cfg.HTTP.ListenAddress

	transport := vsr.NewHTTPTransport(peerAddrs)

	node, err := vsr.NewNode(vsr.Config{
		ID:                        cfg.VSR.RaftID,
		Peers:                     peers,
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1 << 20,
		MaxCommittedSizePerReady:  1 << 20,
		MaxUncommittedEntriesSize: 1 << 24,
		MaxInflightMsgs:           256,
		TickInterval:              100 * time.Millisecond,
	}, f, transport)
	if err != nil {
		slog.Error("forestd: build vsr node", "error", err)
		os.Exit(1)
	}

	if len(cfg.VSR.ZKHosts) > 0 {
		mreg, err := membership.New(cfg.VSR.ZKHosts, cfg.VSR.ZKNode, cfg.HTTP.ListenAddress)
		if err != nil {
			slog.Error("forestd: connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer mreg.Close()

		if err := mreg.RegisterSelf(); err != nil {
			slog.Error("forestd: register self in zookeeper", "error", err)
			os.Exit(1)
		}
		mreg.Watch(ctx, func(addrs []string) {
			slog.Info("forestd: peer set changed", "addrs", addrs)
		})
	}

	go func() {
		if err := node.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("forestd: vsr node stopped", "error", err)
		}
	}()
	defer node.Stop()

	httpServer := httpapi.NewServer(node, f, collector.Registry(), cfg.HTTP.ListenAddress)
	if err := httpServer.Start(); err != nil {
		slog.Error("forestd: start http server", "error", err)
		os.Exit(1)
	}
	defer httpServer.Stop()

	slog.Info("forestd: started", "node_id", cfg.Node.NodeID, "addr", cfg.HTTP.ListenAddress)

	<-ctx.Done()
	slog.Info("forestd: shutting down")
}
