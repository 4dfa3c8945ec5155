package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termrelay/internal/agent"
	"termrelay/internal/config"
	"termrelay/internal/ipc"
	"termrelay/internal/qr"
	"termrelay/internal/shell"
)

func agentCmd(configPath *string) *cobra.Command {
	var (
		relayURL  string
		viewerURL string
		clientID  string
		shellPath string
		tmux      string
		hooks     string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect local shells to a relay and print the pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ac := cfg.Agent
			flags := cmd.Flags()
			if flags.Changed("relay") {
				ac.RelayURL = relayURL
			}
			if flags.Changed("viewer-url") {
				ac.ViewerURL = viewerURL
			}
			if flags.Changed("client-id") {
				ac.ClientID = clientID
			}
			if flags.Changed("shell") {
				ac.Shell = shellPath
			}
			if flags.Changed("tmux") {
				ac.Tmux = tmux
			}
			if flags.Changed("hook-socket") {
				ac.HookSocket = hooks
			}
			if err := ac.Validate(); err != nil {
				return err
			}

			logger := log.New(os.Stderr, "[agent] ", log.LstdFlags)
			client := newAgentClient(ac, logger, func(code string, _ time.Time) {
				if err := qr.RenderPairing(cmd.OutOrStdout(), ac.ViewerURL, code); err != nil {
					logger.Printf("print pairing code: %v", err)
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ac.HookSocket != "" {
				l, err := ipc.Listen(ac.HookSocket)
				if err != nil {
					return err
				}
				hookSrv := ipc.NewServer(logger)
				go func() {
					if err := hookSrv.Serve(ctx, l); err != nil {
						logger.Printf("hook socket: %v", err)
					}
				}()
				client.Hooks = hookSrv
				logger.Printf("accepting shell hooks on %s", ac.HookSocket)
			}
			err = agent.RunWithRetry(ctx, client, agent.Backoff{Min: ac.MinBackoff, Max: ac.MaxBackoff})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "", "relay WebSocket URL")
	cmd.Flags().StringVar(&viewerURL, "viewer-url", "", "viewer page URL printed with the code")
	cmd.Flags().StringVar(&clientID, "client-id", "", "stable id for this machine")
	cmd.Flags().StringVar(&shellPath, "shell", "", "login shell for sub-sessions")
	cmd.Flags().StringVar(&tmux, "tmux", "", "tmux binary; sub-sessions run inside tmux when set")
	cmd.Flags().StringVar(&hooks, "hook-socket", "", "unix socket local shells register on (e.g. "+ipc.DefaultSocketPath+")")
	return cmd
}

func newAgentClient(ac config.AgentConfig, logger *log.Logger, onCode func(string, time.Time)) *agent.Client {
	return &agent.Client{
		RelayURL: ac.RelayURL,
		ClientID: ac.ClientID,
		Manager: &shell.LocalManager{
			Shell:       ac.Shell,
			Tmux:        ac.Tmux,
			KillOnClose: ac.KillOnClose,
		},
		Logger: logger,
		OnCode: onCode,
	}
}
