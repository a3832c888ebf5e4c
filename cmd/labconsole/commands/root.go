// Package commands implements the labconsole subcommands.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/prometheusx"
	"github.com/spf13/cobra"

	"github.com/bgplab/livetest/internal/config"
	"github.com/bgplab/livetest/internal/hosts"
	"github.com/bgplab/livetest/internal/orchestrator"
	"github.com/bgplab/livetest/internal/topology"
)

var (
	// configPath is the YAML configuration file. Empty uses defaults and
	// environment overrides only.
	configPath string

	// verbose prints session starts and full monitor snapshots.
	verbose bool

	// console is built in PersistentPreRunE and torn down in
	// PersistentPostRun.
	console *app
)

// app holds what the subcommands share.
type app struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	cached   *hosts.Cached
	topology *topology.Client
	metrics  *http.Server
}

// newApp wires the resolver chain and the orchestrator for cfg.
func newApp(cfg *config.Config, emitter orchestrator.Emitter) (*app, error) {
	a := &app{cfg: cfg}
	var chain hosts.Chain
	if len(cfg.Hosts) > 0 {
		static, err := hosts.NewStatic(cfg.Endpoints())
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if cfg.Topology.URL != "" {
		a.topology = topology.NewClient(cfg.Topology.URL, cfg.Topology.Timeout)
		a.cached = hosts.NewCached(a.topology, cfg.HostsCacheTTL)
		chain = append(chain, a.cached)
	}
	a.orch = orchestrator.New(orchestrator.Config{
		Resolver:     chain,
		Emitter:      emitter,
		ReadyTimeout: cfg.Iperf.ReadyTimeout,
		PollInterval: cfg.Iperf.PollInterval,
		HistorySize:  cfg.History.Size,
	})
	return a, nil
}

func (a *app) close() {
	a.orch.Close()
	if a.cached != nil {
		a.cached.Stop()
	}
	if a.metrics != nil {
		a.metrics.Close()
	}
}

var rootCmd = &cobra.Command{
	Use:   "labconsole",
	Short: "Run live diagnostic tests on lab hosts",
	Long:  "labconsole drives the agents of the lab hosts: it starts tests, stops them, monitors the running ones and views their output.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level, _ := config.ParseLogLevel(cfg.Log.Level)
		log.SetLevel(level)
		log.SetReportTimestamp(true)

		console, err = newApp(cfg, orchestrator.HumanReadable{Verbose: verbose})
		if err != nil {
			return err
		}
		if cfg.Metrics.Addr != "" {
			*prometheusx.ListenAddress = cfg.Metrics.Addr
			console.metrics = prometheusx.MustServeMetrics()
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if console != nil {
			console.close()
			console = nil
		}
	},
	// Errors are printed by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"print session starts and monitor snapshots")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(viewCmd())
}

// signalContext is cancelled on Ctrl+C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if console != nil {
			console.close()
		}
		os.Exit(1)
	}
}
