package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hatch-run/hatch/pkg/agent"
	"github.com/hatch-run/hatch/pkg/config"
	"github.com/hatch-run/hatch/pkg/log"
	"github.com/hatch-run/hatch/pkg/preflight"
	"github.com/hatch-run/hatch/pkg/redact"
	"github.com/hatch-run/hatch/pkg/serve"
	"github.com/hatch-run/hatch/pkg/store"
	"github.com/hatch-run/hatch/pkg/turn"
)

var (
	serveAddr     string
	skipPreflight bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hatch server",
	Long: `Run the hatch server.

The server owns agent turns: clients connect, stream turn events, and may
disconnect freely; turns keep running and their results land in durable
storage. Reconnecting clients catch up through the status and message
endpoints.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := initLogging(); err != nil {
			return err
		}
		defer log.Sync()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.ListenAddr = serveAddr
		}

		checker := preflight.NewChecker(preflight.Config{
			Skip:         skipPreflight,
			AgentCommand: cfg.Agent.Command,
			StateDir:     cfg.StateDir,
		})
		if err := checker.Run(cmd.Context()); err != nil {
			return err
		}

		st, err := store.NewFileStore(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}
		defer st.Close()

		orch := turn.New(turn.Options{
			Store:             st,
			Runner:            agent.NewProcessRunner(cfg.Agent),
			DefaultModel:      cfg.Agent.Model,
			DecisionTimeout:   cfg.DecisionTimeout.Std(),
			ClientEventBuffer: cfg.ClientEventBuffer,
			ToolTimeout:       cfg.Agent.ToolTimeout.Std(),
			Redactor: redact.New(redact.Config{
				Mode:      redact.Mode(cfg.Redact.Mode),
				ExtraKeys: cfg.Redact.Keys,
			}),
		})

		srv, err := serve.New(serve.Config{
			Addr:             cfg.ListenAddr,
			Store:            st,
			Orchestrator:     orch,
			SubscriberBuffer: cfg.ClientEventBuffer,
			StateDir:         cfg.StateDir,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go orch.Run(ctx)

		log.Info("hatch serve started", "addr", cfg.ListenAddr, "state_dir", cfg.StateDir, "agent", cfg.Agent.Command)
		if err := srv.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Skip environment preflight checks")
	rootCmd.AddCommand(serveCmd)
}
