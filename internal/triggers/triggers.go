// Package triggers reacts to committed document changes: it maintains
// notifications and propagates display picture changes.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/windsayl/internal/events"
	"github.com/MarcoPoloResearchLab/windsayl/internal/notifications"
	"github.com/MarcoPoloResearchLab/windsayl/internal/waves"
)

type WaveStore interface {
	LookupWave(ctx context.Context, waveID string) (waves.Wave, error)
	ChildExists(ctx context.Context, collection, id string) (bool, error)
	PropagateDisplayPicture(ctx context.Context, handle, displayPicture string) (int64, error)
}

type NotificationStore interface {
	CreateForChild(ctx context.Context, notification notifications.Notification) (bool, error)
	DeleteByID(ctx context.Context, id string) error
}

// Notifier pushes a freshly created notification to a connected recipient.
type Notifier interface {
	NotifyRecipient(recipient string, notification notifications.Notification)
}

type Subscriber interface {
	Subscribe(name, collection string, kind events.Kind, handler events.Handler) error
}

type Config struct {
	Waves         WaveStore
	Notifications NotificationStore
	Notifier      Notifier
	Clock         func() time.Time
	Logger        *zap.Logger
}

type Triggers struct {
	waves         WaveStore
	notifications NotificationStore
	notifier      Notifier
	clock         func() time.Time
	logger        *zap.Logger
}

func New(cfg Config) (*Triggers, error) {
	if cfg.Waves == nil {
		return nil, errors.New("triggers: wave store required")
	}
	if cfg.Notifications == nil {
		return nil, errors.New("triggers: notification store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Triggers{
		waves:         cfg.Waves,
		notifications: cfg.Notifications,
		notifier:      cfg.Notifier,
		clock:         clock,
		logger:        logger,
	}, nil
}

type registration struct {
	name       string
	collection string
	kind       events.Kind
	handler    events.Handler
}

// Register subscribes every trigger on the bus.
func (t *Triggers) Register(bus Subscriber) error {
	registrations := []registration{
		{"create-notification-on-comment", events.CollectionComments, events.KindCreated, t.createNotification(events.CollectionComments, notifications.TypeComment)},
		{"create-notification-on-splash", events.CollectionSplashes, events.KindCreated, t.createNotification(events.CollectionSplashes, notifications.TypeSplash)},
		{"create-notification-on-ripple", events.CollectionRipples, events.KindCreated, t.createNotification(events.CollectionRipples, notifications.TypeRipple)},
		{"delete-notification-on-comment", events.CollectionComments, events.KindDeleted, t.deleteNotification},
		{"delete-notification-on-splash", events.CollectionSplashes, events.KindDeleted, t.deleteNotification},
		{"delete-notification-on-ripple", events.CollectionRipples, events.KindDeleted, t.deleteNotification},
		{"propagate-display-picture", events.CollectionUsers, events.KindUpdated, t.propagateDisplayPicture},
	}
	for _, entry := range registrations {
		if err := bus.Subscribe(entry.name, entry.collection, entry.kind, t.catch(entry.name, entry.handler)); err != nil {
			return fmt.Errorf("triggers: subscribe %s: %w", entry.name, err)
		}
	}
	t.logger.Info("triggers registered", zap.Int("count", len(registrations)))
	return nil
}

// childDocument is the part of a comment, splash or ripple snapshot the triggers read.
type childDocument struct {
	ID     string `json:"id"`
	WaveID string `json:"waveId"`
	Handle string `json:"handle"`
}

type profileSnapshot struct {
	Handle         string `json:"handle"`
	DisplayPicture string `json:"displayPicture"`
}

// createNotification only notifies for children that are still stored. Create and
// delete events may be consumed out of order, so the child is checked again after
// the insert and the notification is withdrawn if it vanished in between.
func (t *Triggers) createNotification(collection string, notificationType notifications.Type) events.Handler {
	return func(ctx context.Context, event events.Event) error {
		var child childDocument
		if err := event.DecodeAfter(&child); err != nil {
			return err
		}
		exists, err := t.waves.ChildExists(ctx, collection, child.ID)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		wave, err := t.waves.LookupWave(ctx, child.WaveID)
		if err != nil {
			return fmt.Errorf("load wave %s: %w", child.WaveID, err)
		}
		if wave.Handle == child.Handle {
			return nil
		}
		notification := notifications.Notification{
			ID:        child.ID,
			Recipient: wave.Handle,
			Sender:    child.Handle,
			Type:      notificationType,
			Read:      false,
			WaveID:    wave.ID,
			CreatedAt: t.clock().UTC(),
		}
		created, err := t.notifications.CreateForChild(ctx, notification)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		exists, err = t.waves.ChildExists(ctx, collection, child.ID)
		if err != nil {
			return err
		}
		if !exists {
			return t.notifications.DeleteByID(ctx, notification.ID)
		}
		NotificationsCreatedTotal.WithLabelValues(string(notificationType)).Inc()
		if t.notifier != nil {
			t.notifier.NotifyRecipient(notification.Recipient, notification)
		}
		return nil
	}
}

func (t *Triggers) deleteNotification(ctx context.Context, event events.Event) error {
	return t.notifications.DeleteByID(ctx, event.DocumentID)
}

func (t *Triggers) propagateDisplayPicture(ctx context.Context, event events.Event) error {
	var before, after profileSnapshot
	if err := event.DecodeBefore(&before); err != nil {
		return err
	}
	if err := event.DecodeAfter(&after); err != nil {
		return err
	}
	if before.DisplayPicture == after.DisplayPicture {
		return nil
	}
	touched, err := t.waves.PropagateDisplayPicture(ctx, after.Handle, after.DisplayPicture)
	if err != nil {
		return err
	}
	t.logger.Info("display picture propagated",
		zap.String("handle", after.Handle),
		zap.Int64("documents", touched))
	return nil
}

// catch logs and counts trigger failures, turning panics into errors.
// The error is still returned so a redelivering bus retries the event.
func (t *Triggers) catch(name string, handler events.Handler) events.Handler {
	return func(ctx context.Context, event events.Event) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("trigger %s panicked: %v", name, recovered)
			}
			if err != nil {
				TriggerFailuresTotal.WithLabelValues(name).Inc()
				t.logger.Error("trigger failed",
					zap.String("trigger", name),
					zap.String("subject", event.Subject()),
					zap.String("document_id", event.DocumentID),
					zap.String("event_id", event.ID),
					zap.Error(err))
				return
			}
			TriggerInvocationsTotal.WithLabelValues(name).Inc()
		}()
		return handler(ctx, event)
	}
}
