package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultStreamName    = "WINDSAYL_EVENTS"
	defaultMaxDeliver    = 5
	defaultAckWait       = 30 * time.Second
	defaultMaxReconnects = 10
	defaultReconnectWait = 2 * time.Second
	streamMaxAge         = 7 * 24 * time.Hour
)

// NATSConfig configures the JetStream-backed bus.
type NATSConfig struct {
	URL           string
	ClientName    string
	StreamName    string
	MaxDeliver    int
	AckWait       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zap.Logger
}

// NATSBus publishes events to a JetStream stream and consumes them through
// durable queue subscriptions, so failed deliveries are redelivered.
type NATSBus struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	streamName    string
	maxDeliver    int
	ackWait       time.Duration
	logger        *zap.Logger
	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

// NewNATSBus connects to NATS and ensures the event stream exists.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: nats url required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = defaultMaxDeliver
	}
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = defaultMaxReconnects
	}
	reconnectWait := cfg.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = defaultReconnectWait
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: create jetstream context: %w", err)
	}

	bus := &NATSBus{
		conn:       conn,
		js:         js,
		streamName: streamName,
		maxDeliver: maxDeliver,
		ackWait:    ackWait,
		logger:     logger,
	}
	if err := bus.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("event bus connected", zap.String("url", conn.ConnectedUrl()), zap.String("stream", streamName))
	return bus, nil
}

func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("events: lookup stream %s: %w", b.streamName, err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("events: create stream %s: %w", b.streamName, err)
	}
	return nil
}

// Publish stores the event in the stream. The event id doubles as the
// JetStream message id so a retried publish is deduplicated.
func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode event: %w", err)
	}
	if _, err := b.js.Publish(event.Subject(), payload, nats.MsgId(event.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Subject(), err)
	}
	return nil
}

// Subscribe attaches a durable queue consumer named name. Consumers sharing a
// name across processes split the deliveries between them.
func (b *NATSBus) Subscribe(name, collection string, kind Kind, handler Handler) error {
	subject := Subject(collection, kind)
	subscription, err := b.js.QueueSubscribe(
		subject,
		name,
		func(msg *nats.Msg) {
			b.deliver(name, msg, handler)
		},
		nats.Durable(name),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(b.maxDeliver),
		nats.AckWait(b.ackWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("events: subscribe %s to %s: %w", name, subject, err)
	}
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription)
	b.mu.Unlock()
	return nil
}

func (b *NATSBus) deliver(name string, msg *nats.Msg, handler Handler) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("dropping undecodable event", zap.String("subscriber", name), zap.String("subject", msg.Subject), zap.Error(err))
		_ = msg.Term()
		return
	}
	if err := handler(context.Background(), event); err != nil {
		b.logger.Warn("event handler failed, requesting redelivery",
			zap.String("subscriber", name),
			zap.String("subject", msg.Subject),
			zap.String("document_id", event.DocumentID),
			zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close closes the connection. Subscriptions are not unsubscribed because
// unsubscribing deletes the durable consumer and its pending deliveries.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = nil
	b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
