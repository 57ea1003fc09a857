package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/api"
	"github.com/sajjad-MoBe/corecache/internal/cluster"
	"github.com/sajjad-MoBe/corecache/internal/config"
	"github.com/sajjad-MoBe/corecache/internal/metrics"
	"github.com/sajjad-MoBe/corecache/internal/scheduler"
	"github.com/sajjad-MoBe/corecache/internal/server"
	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/storage"

	"github.com/spf13/cobra"
)

var (
	configPath string
	standalone bool
	overrides  = config.Default()
)

var startNodeCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a store node",
	RunE:  runNode,
}

func init() {
	flags := startNodeCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.BoolVar(&standalone, "standalone", false, "Run without a coordination service, as a single-node cluster")

	flags.StringVar(&overrides.DataDirectory, "data-dir", overrides.DataDirectory, "Directory for segments and the WAL")
	flags.IntVar(&overrides.FlushThreshold, "flush-threshold", overrides.FlushThreshold, "Buffered keys that trigger a flush")
	flags.DurationVar(&overrides.FlushInterval, "flush-interval", overrides.FlushInterval, "How often the flush threshold is checked")
	flags.IntVar(&overrides.CompactionThreshold, "compaction-threshold", overrides.CompactionThreshold, "Segment count that triggers a compaction")
	flags.DurationVar(&overrides.CompactionInterval, "compaction-interval", overrides.CompactionInterval, "How often the compaction threshold is checked")
	flags.StringVar(&overrides.ServerHost, "host", overrides.ServerHost, "Host the admin HTTP server binds")
	flags.IntVar(&overrides.PortRangeStart, "port-start", overrides.PortRangeStart, "First port tried for the admin HTTP server")
	flags.IntVar(&overrides.PortRangeEnd, "port-end", overrides.PortRangeEnd, "Last port tried for the admin HTTP server")
	flags.StringVar(&overrides.AdvertiseHost, "advertise-host", overrides.AdvertiseHost, "Host published to other nodes")
	flags.StringSliceVar(&overrides.CoordinationEndpoints, "zk", overrides.CoordinationEndpoints, "Coordination service endpoints")
	flags.StringVar(&overrides.GroupPath, "group-path", overrides.GroupPath, "Election group path")
	flags.StringVar(&overrides.LogLevel, "log-level", overrides.LogLevel, "debug, info, warn or error")
	flags.StringVar(&overrides.TracingEndpoint, "tracing-endpoint", overrides.TracingEndpoint, "Jaeger collector endpoint")
	flags.StringVar(&overrides.GRPCAddress, "grpc-address", overrides.GRPCAddress, "Address of the gRPC health service, empty to disable")
}

// applyOverrides copies every flag the user set onto cfg
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("data-dir", func() { cfg.DataDirectory = overrides.DataDirectory })
	set("flush-threshold", func() { cfg.FlushThreshold = overrides.FlushThreshold })
	set("flush-interval", func() { cfg.FlushInterval = overrides.FlushInterval })
	set("compaction-threshold", func() { cfg.CompactionThreshold = overrides.CompactionThreshold })
	set("compaction-interval", func() { cfg.CompactionInterval = overrides.CompactionInterval })
	set("host", func() { cfg.ServerHost = overrides.ServerHost })
	set("port-start", func() { cfg.PortRangeStart = overrides.PortRangeStart })
	set("port-end", func() { cfg.PortRangeEnd = overrides.PortRangeEnd })
	set("advertise-host", func() { cfg.AdvertiseHost = overrides.AdvertiseHost })
	set("zk", func() { cfg.CoordinationEndpoints = overrides.CoordinationEndpoints })
	set("group-path", func() { cfg.GroupPath = overrides.GroupPath })
	set("log-level", func() { cfg.LogLevel = overrides.LogLevel })
	set("tracing-endpoint", func() { cfg.TracingEndpoint = overrides.TracingEndpoint })
	set("grpc-address", func() { cfg.GRPCAddress = overrides.GRPCAddress })
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := shared.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := shared.NewLogger(level)
	shared.DefaultLogger = logger

	n, err := newNode(cfg, standalone, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := n.start(ctx)

	select {
	case sig := <-sigChan:
		logger.Info("received signal %v, initiating shutdown", sig)
	case err := <-errChan:
		logger.Error("shutting down due to error: %v", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return n.shutdown(shutdownCtx)
}

// node is one running store process
type node struct {
	cfg    *config.Config
	logger *shared.Logger

	engine      *storage.Engine
	scheduler   *scheduler.Scheduler
	coord       cluster.Coordination
	coordinator *cluster.Coordinator
	collector   *metrics.Collector
	tracer      *api.Tracer
	http        *server.Server
	health      *server.HealthServer
}

// newNode opens storage, binds listeners and wires every component. Nothing
// runs until start.
func newNode(cfg *config.Config, standalone bool, logger *shared.Logger) (_ *node, err error) {
	n := &node{cfg: cfg, logger: logger.WithComponent("node")}
	defer func() {
		if err != nil {
			n.release()
		}
	}()

	n.engine, err = storage.Open(storage.Options{Dir: cfg.DataDirectory, Logger: logger})
	if err != nil {
		return nil, err
	}

	n.collector = metrics.NewCollector(n.engine)
	n.collector.SetSegments(n.engine.SegmentCount())

	compactor := storage.NewCompactionEngine(n.engine.Segments(), cfg.CompactionThreshold, logger)
	n.scheduler = scheduler.New(n.engine, compactor, scheduler.Config{
		FlushThreshold:     cfg.FlushThreshold,
		FlushInterval:      cfg.FlushInterval,
		CompactionInterval: cfg.CompactionInterval,
	}, n.collector, logger)

	listener, err := config.ListenInRange(cfg.ServerHost, cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	address := net.JoinHostPort(cfg.Advertise(), strconv.Itoa(port))

	if standalone {
		n.coord = cluster.NewMemoryEnsemble().Session()
	} else {
		zk, err := cluster.DialZooKeeper(cfg.CoordinationEndpoints, cfg.SessionTimeout, logger)
		if err != nil {
			listener.Close()
			return nil, err
		}
		n.coord = zk
	}

	n.coordinator = cluster.NewCoordinator(cluster.CoordinatorConfig{
		GroupPath:    cfg.GroupPath,
		Address:      address,
		VirtualNodes: cfg.VirtualNodes,
	}, n.coord, n.engine, cluster.NewHTTPForwarder(cfg.ForwardTimeout), logger)
	n.coordinator.OnLeadershipChange(n.collector.SetLeader)

	n.tracer, err = api.NewTracer(cfg.ServiceName, cfg.TracingEndpoint)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	handler := api.NewHandler(n.coordinator, n.engine, n.collector, logger)
	n.http = server.NewServer(listener, api.Router(handler, n.collector, n.tracer, logger), logger)

	if cfg.GRPCAddress != "" {
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to bind gRPC health service: %w", err)
		}
		n.health = server.NewHealthServer(grpcListener, logger)
		n.coordinator.OnLeadershipChange(n.health.SetLeader)
	}
	return n, nil
}

// start launches every component and returns a channel reporting the
// first fatal server error
func (n *node) start(ctx context.Context) <-chan error {
	errChan := make(chan error, 2)

	go func() {
		if err := n.http.Start(); err != nil {
			errChan <- err
		}
	}()
	if n.health != nil {
		go func() {
			if err := n.health.Start(); err != nil {
				errChan <- err
			}
		}()
	}

	if err := n.coordinator.Start(ctx); err != nil {
		errChan <- fmt.Errorf("failed to join the cluster: %w", err)
		return errChan
	}
	n.scheduler.Start()
	n.logger.Info("node %s serving at %s (leader: %v)", n.coordinator.Self(), n.coordinator.Address(), n.coordinator.IsLeader())
	return errChan
}

// shutdown stops request intake first, then background work, then storage
func (n *node) shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(n.http.Shutdown(ctx))
	if n.health != nil {
		n.health.Stop()
	}
	n.coordinator.Stop()
	n.scheduler.Stop()
	keep(n.coord.Close())
	keep(n.tracer.Shutdown(ctx))
	keep(n.engine.Close())

	n.logger.Info("node stopped")
	return firstErr
}

// release undoes a partially built node
func (n *node) release() {
	if n.coord != nil {
		n.coord.Close()
	}
	if n.engine != nil {
		n.engine.Close()
	}
}
