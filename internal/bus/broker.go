// Package bus runs an embedded NATS broker that detection workers can
// publish events to when no external broker is available.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Manav1207351/crowdsense360/internal/events"
)

// SubjectPrefix is prepended to the event kind when publishing
const SubjectPrefix = "crowdsense.events."

// SubjectAll matches every event subject
const SubjectAll = SubjectPrefix + ">"

// Subject returns the subject an event of kind k is published on
func Subject(k events.Kind) string {
	return SubjectPrefix + string(k)
}

// Config configures the embedded broker
type Config struct {
	// Host to listen on (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port to listen on; -1 picks a free port
	Port int `yaml:"port"`
	// StoreDir enables JetStream persistence when set
	StoreDir string `yaml:"store_dir"`
}

// DefaultConfig listens on the standard NATS port on loopback
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 4222,
	}
}

// Broker is an embedded NATS server plus a publishing connection
type Broker struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// Start launches the broker and connects to it
func Start(cfg Config) (*Broker, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (%s:%d)", cfg.Host, cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("crowdsense-broker"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Broker{
		server: ns,
		conn:   nc,
		logger: slog.Default().With("component", "bus"),
	}
	b.logger.Info("Event broker started", "url", ns.ClientURL(), "jetstream", opts.JetStream)
	return b, nil
}

// ClientURL returns the URL sources and publishers connect to
func (b *Broker) ClientURL() string {
	return b.server.ClientURL()
}

// Publish encodes ev in wire format and publishes it on its kind's subject
func (b *Broker) Publish(ev events.Event) error {
	data, err := events.Encode(ev)
	if err != nil {
		return err
	}
	return b.conn.Publish(Subject(ev.Kind()), data)
}

// Flush blocks until the server has processed everything published so far
func (b *Broker) Flush(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// HealthCheck reports whether the broker connection is usable
func (b *Broker) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS connection not active")
	}
	if err := b.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("NATS flush failed: %w", err)
	}
	return nil
}

// Stop drains the connection and shuts the server down
func (b *Broker) Stop() {
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.server.WaitForShutdown()
	b.logger.Info("Event broker stopped")
}
