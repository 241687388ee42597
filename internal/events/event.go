// Package events carries document change events from the services to the trigger consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the document transition an event describes.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Collections that emit change events.
const (
	CollectionUsers    = "users"
	CollectionWaves    = "waves"
	CollectionComments = "comments"
	CollectionSplashes = "splashes"
	CollectionRipples  = "ripples"
)

const subjectPrefix = "windsayl"

// Event describes a committed change to one document.
type Event struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Kind       Kind            `json:"kind"`
	DocumentID string          `json:"documentId"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// NewEvent snapshots before and after into an event. Nil snapshots are omitted.
func NewEvent(collection string, kind Kind, documentID string, before, after any) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, err
	}
	event := Event{
		ID:         id.String(),
		Collection: collection,
		Kind:       kind,
		DocumentID: documentID,
		OccurredAt: time.Now().UTC(),
	}
	if before != nil {
		if event.Before, err = json.Marshal(before); err != nil {
			return Event{}, fmt.Errorf("events: encode before snapshot: %w", err)
		}
	}
	if after != nil {
		if event.After, err = json.Marshal(after); err != nil {
			return Event{}, fmt.Errorf("events: encode after snapshot: %w", err)
		}
	}
	return event, nil
}

// Subject returns the routing subject of the event.
func (e Event) Subject() string {
	return Subject(e.Collection, e.Kind)
}

// DecodeBefore unmarshals the prior document state into target.
func (e Event) DecodeBefore(target any) error {
	if len(e.Before) == 0 {
		return fmt.Errorf("events: %s has no before snapshot", e.Subject())
	}
	return json.Unmarshal(e.Before, target)
}

// DecodeAfter unmarshals the new document state into target.
func (e Event) DecodeAfter(target any) error {
	if len(e.After) == 0 {
		return fmt.Errorf("events: %s has no after snapshot", e.Subject())
	}
	return json.Unmarshal(e.After, target)
}

// Subject builds the routing subject for a collection and kind.
func Subject(collection string, kind Kind) string {
	return subjectPrefix + "." + collection + "." + string(kind)
}

// Handler consumes one event. A returned error marks the delivery as failed.
type Handler func(ctx context.Context, event Event) error

// Publisher emits change events after the underlying write has committed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a change feed that trigger consumers subscribe to.
type Bus interface {
	Publisher
	Subscribe(name, collection string, kind Kind, handler Handler) error
	Close() error
}
