package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errBusClosed = errors.New("events: bus closed")

type localSubscription struct {
	name    string
	handler Handler
}

// LocalBus dispatches events in-process, synchronously, to every matching subscriber.
// Handlers run with a context detached from the publisher's cancellation.
type LocalBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]localSubscription
	closed        bool
	logger        *zap.Logger
}

// NewLocalBus constructs an in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{
		subscriptions: make(map[string][]localSubscription),
		logger:        logger,
	}
}

// Subscribe registers handler for events of the given collection and kind.
func (b *LocalBus) Subscribe(name, collection string, kind Kind, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	subject := Subject(collection, kind)
	b.subscriptions[subject] = append(b.subscriptions[subject], localSubscription{name: name, handler: handler})
	return nil
}

// Publish delivers the event to subscribers. Handler failures are logged, not returned,
// because the publishing request has already committed its write.
func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	subscribers := append([]localSubscription(nil), b.subscriptions[event.Subject()]...)
	b.mu.RUnlock()

	handlerCtx := context.WithoutCancel(ctx)
	for _, subscriber := range subscribers {
		if err := subscriber.handler(handlerCtx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subscriber", subscriber.name),
				zap.String("subject", event.Subject()),
				zap.String("document_id", event.DocumentID),
				zap.Error(err))
		}
	}
	return nil
}

// Close stops accepting publishes and subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]localSubscription)
	return nil
}
