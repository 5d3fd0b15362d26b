package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/config"
	"github.com/c360/espflow/transport/memory"
	"github.com/c360/espflow/transport/natsbus"
	"github.com/c360/espflow/transport/websocket"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var (
		project string
		listen  string
	)
	cmd := &cobra.Command{
		Use:   "serve --project project.xml",
		Short: "Run a local engine stand-in for the windows of a project",
		Long: `Serve relays events published into a project's windows to every subscriber
of the same window. It does not run queries; it is meant for developing
publishers and subscribers without an engine.

With the websocket transport it listens for the engine URL layout on --listen.
With the nats transport it answers session requests on the configured prefix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			projects, err := loadProjects(project)
			if err != nil {
				return err
			}
			for _, p := range projects {
				if err := p.Validate(); err != nil {
					return err
				}
			}
			lb := newLoopback(a, projects)

			if a.cfg.Transport == config.TransportNATS {
				return serveNATS(ctx, a, lb)
			}
			return serveWebSocket(ctx, a, lb, listen)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project or engine XML defining the windows")
	cmd.Flags().StringVar(&listen, "listen", getEnv("ESPFLOW_LISTEN", ":8080"), "Listen address (env: ESPFLOW_LISTEN)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func serveWebSocket(ctx context.Context, a *app, lb *memory.Loopback, listen string) error {
	ws := websocket.NewServer(lb,
		websocket.WithServerRoot(a.cfg.Engine.Root),
		websocket.WithServerLogger(a.logger))

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}
	srv := &http.Server{Handler: ws, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("Serving websocket sessions", "address", ln.Addr().String(), "root", a.cfg.Engine.Root)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	_ = ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("Server stopped")
	return nil
}

func serveNATS(ctx context.Context, a *app, lb *memory.Loopback) error {
	client, err := a.connectNATS(ctx)
	if err != nil {
		return err
	}
	defer a.closeNATS(client)

	bridge := natsbus.NewBridge(client.Conn(), lb,
		natsbus.WithBridgePrefix(a.cfg.NATS.Prefix),
		natsbus.WithBridgeLogger(a.logger))
	if err := bridge.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("Serving NATS sessions", "prefix", a.cfg.NATS.Prefix)

	<-ctx.Done()
	if err := bridge.Close(); err != nil {
		return err
	}
	a.logger.Info("Bridge stopped")
	return nil
}
