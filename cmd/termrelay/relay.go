package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"termrelay/internal/config"
	"termrelay/internal/hub"
	"termrelay/internal/server"
)

const shutdownTimeout = 5 * time.Second

func relayCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		staticDir   string
		codeTTL     time.Duration
		maxSessions int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			rc := cfg.Relay
			flags := cmd.Flags()
			if flags.Changed("addr") {
				rc.Addr = addr
			}
			if flags.Changed("static") {
				rc.StaticDir = staticDir
			}
			if flags.Changed("code-ttl") {
				rc.CodeTTL = codeTTL
			}
			if flags.Changed("max-sessions") {
				rc.MaxSessions = maxSessions
			}
			if err := rc.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, rc, log.New(os.Stderr, "[relay] ", log.LstdFlags))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :8080, or :$PORT)")
	cmd.Flags().StringVar(&staticDir, "static", "", "directory of viewer assets to serve at /")
	cmd.Flags().DurationVar(&codeTTL, "code-ttl", 0, "how long an unpaired code stays valid")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "maximum concurrent agent sessions (0 = unlimited)")
	return cmd
}

func newRelay(rc config.RelayConfig, logger *log.Logger) (*hub.Hub, *server.Server) {
	registry := hub.NewRegistry(hub.RegistryOptions{
		CodeTTL:     rc.CodeTTL,
		MaxSessions: rc.MaxSessions,
	})
	h := hub.NewHub(registry, hub.Options{
		HandshakeTimeout:    rc.HandshakeTimeout,
		PingInterval:        rc.PingInterval,
		QueueSize:           rc.QueueSize,
		SlowConsumerTimeout: rc.SlowConsumerTimeout,
		MaxMessageSize:      rc.MaxMessageSize,
		CheckOrigin:         server.OriginChecker(rc.AllowedOrigins),
	})
	h.SetLogger(logger)
	srv := server.New(h, hub.NewTokenManager(rc.AdminSecret), server.Options{
		StaticDir:        rc.StaticDir,
		AdminTailnetOnly: rc.AdminTailnetOnly,
	})
	srv.SetLogger(logger)
	return h, srv
}

// runRelay serves until ctx is done, then shuts down and closes every
// relay connection.
func runRelay(ctx context.Context, rc config.RelayConfig, logger *log.Logger) error {
	h, srv := newRelay(rc, logger)
	go h.RunLiveness(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(rc.Addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
