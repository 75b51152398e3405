package ports

import (
	"context"

	"novalink/internal/core/domain"
)

// SignalChannel is the persistent, self-healing connection to the rendezvous
// server. Implementations reconnect internally and surface liveness as
// ChannelUp / ChannelDown events on the same ordered stream as server events.
type SignalChannel interface {
	// Connect starts the channel and its reconnect loop. The loop runs until
	// ctx is cancelled or Disconnect is called. A disconnected channel may
	// Connect again with a fresh event stream.
	Connect(ctx context.Context) error

	// Send transmits one event. Returns domain.ErrChannelDown while the
	// underlying connection is re-establishing; callers decide whether the
	// message is worth re-issuing.
	Send(event string, payload any) error

	// Events is the single ordered stream of inbound and liveness events for
	// the current Connect. Closed after Disconnect.
	Events() <-chan domain.ChannelEvent

	// Disconnect stops reconnecting and closes the connection. Idempotent.
	Disconnect() error
}
