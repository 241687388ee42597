package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
)

const (
	RealtimeEventNotification = "notification"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "windsayl-api"
	realtimeBufferSize        = 16
)

// RealtimeMessage is one event pushed to a connected user.
type RealtimeMessage struct {
	Handle       string
	EventType    string
	Notification notifications.Notification
	Timestamp    time.Time
}

// RealtimeDispatcher fans notifications out to the open streams of each handle.
// Publishing never blocks; a full subscriber buffer drops the message.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, handle string) (<-chan RealtimeMessage, func()) {
	if handle == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(handle, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(handle, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Handle == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Handle]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyRecipient pushes a freshly created notification to the recipient's streams.
func (d *RealtimeDispatcher) NotifyRecipient(recipient string, notification notifications.Notification) {
	d.Publish(RealtimeMessage{
		Handle:       recipient,
		EventType:    RealtimeEventNotification,
		Notification: notification,
		Timestamp:    d.clock().UTC(),
	})
}

// SubscriberCount reports how many streams are open for handle.
func (d *RealtimeDispatcher) SubscriberCount(handle string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[handle])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(handle string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[handle]; !ok {
		d.subscribers[handle] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[handle][subscriber.id] = subscriber
	realtimeSubscribers.Inc()
}

func (d *RealtimeDispatcher) unregisterSubscriber(handle string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[handle]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[subscriberID]; !ok {
		return
	}
	delete(subscribers, subscriberID)
	realtimeSubscribers.Dec()
	if len(subscribers) == 0 {
		delete(d.subscribers, handle)
	}
}
