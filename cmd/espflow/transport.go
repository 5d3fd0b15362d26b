package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/espflow/config"
	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/natsclient"
	"github.com/c360/espflow/pkg/security"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/transport/memory"
	"github.com/c360/espflow/transport/natsbus"
	"github.com/c360/espflow/transport/websocket"
)

// openTransport builds the configured transport. The returned cleanup releases
// whatever the transport holds and is never nil.
func (a *app) openTransport(ctx context.Context, projects []*dataflow.Project) (stream.Transport, func(), error) {
	switch a.cfg.Transport {
	case config.TransportNATS:
		client, err := a.connectNATS(ctx)
		if err != nil {
			return nil, func() {}, err
		}
		cleanup := func() { a.closeNATS(client) }
		tr, err := natsbus.NewTransport(client.Conn(),
			natsbus.WithPrefix(a.cfg.NATS.Prefix), natsbus.WithLogger(a.logger))
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		return tr, cleanup, nil

	case config.TransportMemory:
		if len(projects) == 0 {
			return nil, func() {}, fmt.Errorf("the memory transport needs --project to know its windows")
		}
		tr := memory.NewTransport(newLoopback(a, projects), memory.WithLogger(a.logger))
		return tr, func() { _ = tr.Close() }, nil

	default:
		tr, err := a.websocketTransport()
		return tr, func() {}, err
	}
}

func (a *app) websocketTransport() (*websocket.Transport, error) {
	e := a.cfg.Engine
	opts := []websocket.Option{
		websocket.WithLogger(a.logger),
	}
	if e.Root != "" {
		opts = append(opts, websocket.WithRoot(e.Root))
	}
	if e.HandshakeTimeout > 0 {
		opts = append(opts, websocket.WithHandshakeTimeout(e.HandshakeTimeout.D()))
	}
	if e.WriteTimeout > 0 {
		opts = append(opts, websocket.WithWriteTimeout(e.WriteTimeout.D()))
	}
	if e.ReadLimit > 0 {
		opts = append(opts, websocket.WithReadLimit(e.ReadLimit))
	}
	if e.Authorization != "" {
		opts = append(opts, websocket.WithAuthorization(e.Authorization))
	}
	if hasClientTLS(a.cfg.Security.TLS.Client) {
		opts = append(opts, websocket.WithTLS(a.cfg.Security.TLS.Client))
	}
	return websocket.NewTransport(e.URL, opts...)
}

func hasClientTLS(c security.ClientTLSConfig) bool {
	return len(c.CAFiles) > 0 || c.ServerName != "" || c.InsecureSkipVerify || c.MinVersion != "" || c.MTLS.Enabled
}

// connectNATS dials the configured servers.
func (a *app) connectNATS(ctx context.Context) (*natsclient.Client, error) {
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithName(n.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
	}
	if n.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(n.ReconnectWait.D()))
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout.D()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if hasClientTLS(a.cfg.Security.TLS.Client) {
		opts = append(opts, natsclient.WithTLS(a.cfg.Security.TLS.Client))
	}
	if a.registry != nil {
		opts = append(opts, natsclient.WithMetrics(a.registry))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func (a *app) closeNATS(client *natsclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		a.logger.Warn("NATS close failed", "error", err)
	}
}

// newLoopback registers every window of projects with a fresh engine stand-in.
func newLoopback(a *app, projects []*dataflow.Project) *memory.Loopback {
	lb := memory.NewLoopback(a.logger)
	for _, p := range projects {
		for _, q := range p.Queries() {
			for _, w := range q.Windows() {
				if w.Schema() != nil {
					lb.Register(w.Path(), w.Schema())
				}
			}
		}
	}
	return lb
}

// loadProjects reads a project or engine document.
func loadProjects(path string) ([]*dataflow.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return dataflow.ProjectsFromXML(data)
}
