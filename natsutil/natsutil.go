// Package natsutil connects to NATS, optionally starting an in-process
// JetStream-enabled server.
package natsutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Options controls how Connect reaches NATS.
type Options struct {
	// URL of an external server. Ignored when Embedded is set.
	URL string

	// Embedded starts an in-process server on a random port.
	Embedded bool

	// StoreDir is the JetStream storage directory for the embedded server.
	// Empty uses a temporary directory chosen by the server.
	StoreDir string

	// ReadyTimeout bounds how long to wait for the embedded server.
	ReadyTimeout time.Duration

	Logger *slog.Logger
}

// Conn bundles a NATS connection, its JetStream context and the embedded
// server when one was started.
type Conn struct {
	NC     *nats.Conn
	JS     jetstream.JetStream
	Server *server.Server

	logger *slog.Logger
}

// Connect opens a NATS connection per opts.
func Connect(opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{logger: logger}

	url := opts.URL
	if opts.Embedded || url == "" {
		ns, err := StartEmbedded(opts.StoreDir, opts.ReadyTimeout)
		if err != nil {
			return nil, err
		}
		c.Server = ns
		url = ns.ClientURL()
		logger.Info("Started embedded NATS server", "url", url)
	}

	nc, err := nats.Connect(url, nats.Name("atelier"))
	if err != nil {
		c.shutdownServer()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.NC = nc

	js, err := jetstream.New(nc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.JS = js

	return c, nil
}

// StartEmbedded starts a JetStream-enabled server on a random port.
func StartEmbedded(storeDir string, readyTimeout time.Duration) (*server.Server, error) {
	if readyTimeout <= 0 {
		readyTimeout = 5 * time.Second
	}
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}
	return ns, nil
}

// Close drains the connection and stops the embedded server, if any.
func (c *Conn) Close() {
	if c.NC != nil {
		if err := c.NC.Drain(); err != nil {
			c.logger.Debug("NATS drain failed", "error", err)
		}
		c.NC.Close()
	}
	c.shutdownServer()
}

func (c *Conn) shutdownServer() {
	if c.Server != nil {
		c.Server.Shutdown()
		c.Server.WaitForShutdown()
	}
}
