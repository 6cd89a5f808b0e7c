// Package engine defines the messaging engine the bridge drives. The engine
// owns connections, topology, acknowledgement, retries and reply routing;
// the bridge only supplies handlers.
package engine

import (
	"context"
	"time"

	"github.com/cryguy/busworker/internal/core"
)

// Handler processes one subscribed message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg core.Message) error

// ResourceHandler answers one request with the reply body.
type ResourceHandler func(ctx context.Context, msg core.Message) ([]byte, error)

// Engine is the messaging client consumed by the bridge. Implementations
// must be safe for concurrent use and may call handlers concurrently from
// a pool of workers.
type Engine interface {
	// Subscribe binds routingKey on exchange and delivers every message to h.
	// Process bounds the handler, Command bounds ack and nack.
	Subscribe(ctx context.Context, exchange, routingKey string, h Handler, t core.Timeouts) error

	// ProvideResource serves request/response calls on routingKey.
	// Command bounds the reply publication.
	ProvideResource(ctx context.Context, routingKey string, h ResourceHandler, t core.Timeouts) error

	// Publish sends msg to exchange with routingKey.
	Publish(ctx context.Context, exchange, routingKey string, msg core.Message, commandTimeout core.Seconds) error

	// Call sends a request and waits up to timeout for the reply body.
	// A reply flagged as an error is returned as a *core.Error together
	// with its body.
	Call(ctx context.Context, exchange, routingKey string, msg core.Message, timeout time.Duration, commandTimeout core.Seconds) ([]byte, error)

	// StopConsuming stops taking new deliveries for every registration.
	// Handlers already running finish and are settled; publishing and
	// calling keep working until Dispose. It is idempotent.
	StopConsuming(ctx context.Context) error

	// Dispose stops all consumers and releases connections. It is idempotent.
	Dispose(ctx context.Context) error
}
