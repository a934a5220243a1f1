package events

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// EmbeddedServer wraps an in-process NATS server so the relay needs no
// external broker.
type EmbeddedServer struct {
	ns     *server.Server
	logger zerolog.Logger
}

// StartEmbedded starts a loopback-only NATS server on the given port
// (0 picks an ephemeral one).
func StartEmbedded(port int, logger zerolog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: port,
	}
	if port == 0 {
		opts.Port = server.RANDOM_PORT
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")

	return &EmbeddedServer{ns: ns, logger: logger}, nil
}

// ClientURL returns the URL local clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the embedded server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.logger.Info().Msg("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
