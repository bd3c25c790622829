package worker

import (
	"context"
	"fmt"

	"zipball-packager/internal/models"
	"zipball-packager/internal/queue"
)

// Handler runs one dispatch message.
type Handler interface {
	Run(ctx context.Context, msg queue.Message) error
}

// Dispatcher routes messages by job type over a registry fixed at construction.
type Dispatcher struct {
	handlers map[models.JobType]Handler
}

// NewDispatcher validates the registry: every key must be a known job type with
// a non-nil handler.
func NewDispatcher(handlers map[models.JobType]Handler) (*Dispatcher, error) {
	reg := make(map[models.JobType]Handler, len(handlers))
	for t, h := range handlers {
		if !models.IsValidType(string(t)) {
			return nil, fmt.Errorf("register %q: %w", t, models.ErrInvalidJobType)
		}
		if h == nil {
			return nil, fmt.Errorf("register %q: nil handler", t)
		}
		reg[t] = h
	}
	return &Dispatcher{handlers: reg}, nil
}

// Dispatch invokes the handler for msg.Type. An unregistered type yields
// ErrNoHandler so the caller can dead-letter the message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg queue.Message) error {
	h, ok := d.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, msg.Type)
	}
	return h.Run(ctx, msg)
}
