// dslosd is the node daemon: every node in a cluster runs one. It hosts
// the local scheduler and its runnable registry, the node agent that
// executes replica placements, and — when this node holds leadership —
// the cluster membership layer, service manager, reconciliation loop and
// operator API.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/DslsDZC/dslos-core/pkg/agent"
	"github.com/DslsDZC/dslos-core/pkg/api"
	"github.com/DslsDZC/dslos-core/pkg/client"
	"github.com/DslsDZC/dslos-core/pkg/clock"
	"github.com/DslsDZC/dslos-core/pkg/cluster"
	"github.com/DslsDZC/dslos-core/pkg/config"
	"github.com/DslsDZC/dslos-core/pkg/dfs"
	"github.com/DslsDZC/dslos-core/pkg/events"
	"github.com/DslsDZC/dslos-core/pkg/loadbalancer"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/runnable"
	"github.com/DslsDZC/dslos-core/pkg/scheduler"
	"github.com/DslsDZC/dslos-core/pkg/servicemgr"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dslosd",
	Short: "DSLOS node daemon",
	Long: `dslosd runs one cluster node: the local scheduler, the node
agent, and (on the leader) cluster membership, the service manager and
the operator API.

Start the first node with no join address to bootstrap a new cluster;
start every other node with --join pointing at any existing member's API
address.`,
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file (defaults apply if unset)")
	rootCmd.Flags().String("join", "", "API address of an existing cluster member to join")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
	}
	if join, _ := cmd.Flags().GetString("join"); join != "" {
		cfg.JoinAddr = join
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("dslosd")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := dfs.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	clCfg := types.ClusterConfig{
		MaxNodes:          0,
		ReplicationFactor: cfg.ReplicationFactor,
		Consistency:       types.ConsistencyStrong,
		HeartbeatInterval: cfg.HeartbeatInterval,
		FailoverTimeout:   cfg.FailoverTimeout,
		Quorum:            cfg.Quorum,
	}
	cl, err := cluster.New(cfg.NodeName, cfg.RaftBindAddr, cfg.DataDir, store, clCfg, broker)
	if err != nil {
		return err
	}
	defer cl.Shutdown()

	mgr := servicemgr.New(cl, broker)
	hub := agent.NewHub(mgr)
	mgr.SetDispatcher(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCh := make(chan struct{})

	agentLn, err := net.Listen("tcp", cfg.AgentBindAddr)
	if err != nil {
		return fmt.Errorf("listen agent %s: %w", cfg.AgentBindAddr, err)
	}
	defer agentLn.Close()
	go func() { _ = hub.Serve(agentLn) }()

	srv := api.NewServer(cl, mgr, loadbalancer.RoundRobin, cfg.AgentBindAddr)
	apiLn, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen api %s: %w", cfg.BindAddr, err)
	}
	defer apiLn.Close()
	go func() { _ = srv.Serve(apiLn) }()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		_ = http.ListenAndServe(cfg.MetricsAddr, mux)
	}()

	leaderAgentAddr := cfg.AgentBindAddr
	if cfg.JoinAddr == "" {
		if err := cl.Bootstrap(); err != nil {
			// A restart of an already-bootstrapped node is fine; raft
			// refuses the second bootstrap and recovers from its log.
			logger.Warn().Err(err).Msg("bootstrap skipped")
		}
		go selfRegister(cl, cfg, logger)
	} else {
		addr, err := joinExisting(ctx, cfg)
		if err != nil {
			return err
		}
		leaderAgentAddr = addr
	}

	clk := clock.NewMonotonic()
	reg := runnable.New(clk)
	sched := scheduler.New(cfg.CPUCount, reg, clk, cfg.SchedulerAlgo, cfg.BaseQuantum)
	go sched.RunLoop(stopCh)
	go runAgent(ctx, cfg.NodeName, leaderAgentAddr, sched, reg)

	go cl.RunLivenessMonitor(stopCh)
	go mgr.RunReconciler(cfg.HealthInterval, stopCh)
	go watchNodeFailures(broker, mgr, stopCh)
	go watchLeadership(cl, mgr, stopCh, logger)
	go runCheckpointLoop(cl, store, cfg, stopCh, logger)

	logger.Info().
		Str("node", cfg.NodeName).
		Str("api", cfg.BindAddr).
		Str("raft", cfg.RaftBindAddr).
		Str("algorithm", string(cfg.SchedulerAlgo)).
		Msg("node daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	close(stopCh)
	cancel()
	return nil
}

// selfRegister records the bootstrap node's own roster entry once it has
// won its single-node election.
func selfRegister(cl *cluster.Cluster, cfg config.Config, logger zerolog.Logger) {
	for i := 0; i < 100; i++ {
		if cl.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	n := &types.Node{
		ID:       cfg.NodeName,
		Name:     cfg.NodeName,
		Endpoint: cfg.BindAddr,
		Type:     types.NodeMaster,
		Capacity: types.ResourceCapacity{
			CPUCores:     float64(cfg.CPUCount),
			MemoryBytes:  cfg.MemoryBytes,
			StorageBytes: cfg.StorageBytes,
		},
		State:         types.NodeOnline,
		Master:        true,
		HealthScore:   100,
		LastHeartbeat: time.Now(),
		JoinedAt:      time.Now(),
	}
	if err := cl.PutNode(n); err != nil {
		logger.Warn().Err(err).Msg("self-registration failed")
		return
	}
	logger.Info().Str("node", n.ID).Msg("registered as cluster master")
}

// joinExisting registers this node with the cluster through any member's
// API and returns the leader's agent hub address.
func joinExisting(ctx context.Context, cfg config.Config) (string, error) {
	c, err := client.Dial(ctx, cfg.JoinAddr)
	if err != nil {
		return "", err
	}
	defer c.Close()

	resp, err := c.JoinCluster(api.JoinClusterRequest{
		NodeID:   cfg.NodeName,
		Name:     cfg.NodeName,
		RaftAddr: cfg.RaftBindAddr,
		Endpoint: cfg.BindAddr,
		Type:     types.NodeWorker,
		Capacity: types.ResourceCapacity{
			CPUCores:     float64(cfg.CPUCount),
			MemoryBytes:  cfg.MemoryBytes,
			StorageBytes: cfg.StorageBytes,
		},
	})
	if err != nil {
		return "", fmt.Errorf("join cluster via %s: %w", cfg.JoinAddr, err)
	}
	return resp.AgentAddr, nil
}

// runAgent keeps a node agent connected to the leader's hub, redialing
// with backoff whenever the connection drops.
func runAgent(ctx context.Context, nodeID, leaderAgentAddr string, sched *scheduler.Scheduler, reg *runnable.Registry) {
	for ctx.Err() == nil {
		conn, err := transport.DialWithBackoff(ctx, "tcp", leaderAgentAddr, 0)
		if err != nil {
			return
		}
		ag := agent.New(nodeID, conn, sched, reg)
		ag.Start(ctx)
		ag.Stop()
	}
}

// watchNodeFailures routes failure-detector events into service failover.
func watchNodeFailures(broker *events.Broker, mgr *servicemgr.Manager, stopCh <-chan struct{}) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for {
		select {
		case ev := <-sub:
			if ev == nil {
				return
			}
			if ev.Type == events.TypeNodeFailed {
				if nodeID := ev.Metadata["node_id"]; nodeID != "" {
					mgr.HandleNodeFailed(nodeID)
				}
			}
		case <-stopCh:
			return
		}
	}
}

// watchLeadership runs orphan-reservation reconciliation each time this
// node acquires leadership, recovering from a predecessor that failed
// mid-placement.
func watchLeadership(cl *cluster.Cluster, mgr *servicemgr.Manager, stopCh <-chan struct{}, logger zerolog.Logger) {
	for {
		select {
		case isLeader := <-cl.LeaderCh():
			if isLeader {
				if err := mgr.ReconcileOrphans(); err != nil {
					logger.Error().Err(err).Msg("orphan reconciliation failed")
				}
			}
		case <-stopCh:
			return
		}
	}
}

// runCheckpointLoop writes the leader's metadata checkpoint every F/2.
// Metadata commits are already durable via the raft log; the checkpoint
// is the operator-readable snapshot of the full replicated state.
func runCheckpointLoop(cl *cluster.Cluster, store dfs.Storage, cfg config.Config, stopCh <-chan struct{}, logger zerolog.Logger) {
	interval := cfg.FailoverTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	path := filepath.Join(cfg.DataDir, "checkpoint.json")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !cl.IsLeader() {
				continue
			}
			cp, err := dfs.Export(store)
			if err != nil {
				logger.Error().Err(err).Msg("export checkpoint")
				continue
			}
			cp.Term = cl.Term()
			data, err := cp.Marshal()
			if err != nil {
				logger.Error().Err(err).Msg("marshal checkpoint")
				continue
			}
			if err := dfs.WriteCheckpoint(path, data); err != nil {
				logger.Error().Err(err).Msg("write checkpoint")
			}
		case <-stopCh:
			return
		}
	}
}
