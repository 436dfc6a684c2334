package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamkit/coordinator/internal/corelog"
	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/cluster"
	"github.com/streamkit/coordinator/pkg/config"
	"github.com/streamkit/coordinator/pkg/coordinator"
	"github.com/streamkit/coordinator/pkg/dispatcher"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/metrics"
	"github.com/streamkit/coordinator/pkg/stream"
	"github.com/streamkit/coordinator/pkg/store"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "streamcoordinatord",
	Short:   "Stream Coordinator - replicated stream/queue lifecycle coordinator",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(joinCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	corelog.Init(corelog.Config{Level: corelog.Level(level), JSONOutput: jsonOut})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new single-node coordinator cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, true)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start this node and join an existing coordinator cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, false)
	},
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to cluster config YAML (required)")
	cmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	cmd.Flags().Duration("tick-interval", 10*time.Second, "Cluster membership reconciliation interval")
	_ = cmd.MarkFlagRequired("config")
}

func init() {
	addCommonFlags(initCmd)
	addCommonFlags(joinCmd)
}

func run(cmd *cobra.Command, bootstrap bool) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	tickInterval, _ := cmd.Flags().GetDuration("tick-interval")

	cfg, err := config.LoadClusterConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", false, "starting")
	metrics.RegisterComponent("aux", true, "ready")
	metrics.RegisterComponent("store", false, "starting")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	metrics.RegisterComponent("store", true, "ready")

	executor := aux.NewSimulatedExecutor(0)
	sink := &logSink{}
	monRuntime := &noopMonitorRuntime{}

	machine := coordinator.New(executor, sink, monRuntime, &logReplySink{}, st)

	node := cluster.New(cluster.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}, machine, st)
	executor.OnResult(func(r aux.Result) {
		if _, err := node.Apply(dispatcher.FromAuxResult(r), 5*time.Second); err != nil {
			corelog.WithComponent("aux").Warn().Err(err).Msg("failed to apply aux result")
		}
	})

	if bootstrap {
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	} else {
		if err := node.Join(); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}
	metrics.RegisterComponent("raft", true, "started")

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for range ticker.C {
			node.Tick(cfg.Roster)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	corelog.Info(fmt.Sprintf("metrics/health listening on %s", metricsAddr))
	return http.ListenAndServe(metricsAddr, mux)
}

// logSink delivers listener notifications by logging them; a real
// deployment swaps this for whatever transport the listener pids expect
// (out of scope per spec.md §1 — listener transport is external).
type logSink struct{}

func (logSink) Deliver(n listener.Notification) {
	corelog.WithComponent("listener").Info().
		Str("queue_ref", n.QueueRef).
		Str("to", n.To.String()).
		Int("event", int(n.Event)).
		Msg("notification delivered")
}

type logReplySink struct{}

func (logReplySink) Deliver(to stream.ReplyAddress, value interface{}) {
	corelog.WithComponent("reply").Info().Str("to", string(to)).Interface("value", value).Msg("reply delivered")
}

// noopMonitorRuntime is a placeholder until a real log-process runtime is
// wired in; the coordinator's own logic (which effects to emit) is fully
// exercised regardless of what executes them.
type noopMonitorRuntime struct{}

func (noopMonitorRuntime) MonitorPid(p ids.Pid)     {}
func (noopMonitorRuntime) DemonitorPid(p ids.Pid)   {}
func (noopMonitorRuntime) MonitorNode(n ids.Node)   {}
func (noopMonitorRuntime) DemonitorNode(n ids.Node) {}
