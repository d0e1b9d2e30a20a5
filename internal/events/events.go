// Package events adapts dialog lifecycle callbacks into publishable
// events, grounded on services/signaling/events/types.go's transport-
// agnostic Event interface and subject scheme.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/sebas/dialogcore/internal/dialog"
)

// Event is the transport-agnostic interface every dialog lifecycle event
// satisfies, mirroring services/signaling/events.Event.
type Event interface {
	Type() dialog.Event
	Subject() string
	Timestamp() time.Time
	CallID() string
}

// DialogEvent is the concrete Event emitted for every dialog.CallbackFunc
// invocation registered by NewPublishingCallback.
type DialogEvent struct {
	EventID      string       `json:"event_id"`
	EventType    dialog.Event `json:"event_type"`
	EventTime    time.Time    `json:"event_time"`
	DialogCallID string       `json:"call_id"`
	IUID         dialog.IUID  `json:"iuid"`
	Leg          dialog.Leg   `json:"leg"`
	State        string       `json:"state"`
}

func (e *DialogEvent) Type() dialog.Event   { return e.EventType }
func (e *DialogEvent) Timestamp() time.Time { return e.EventTime }
func (e *DialogEvent) CallID() string       { return e.DialogCallID }

// Subject returns the routing subject for this event, following the
// "<namespace>.dialogs.<call-id>.<event-name>" scheme.
func (e *DialogEvent) Subject() string {
	return "dialogcore.dialogs." + e.DialogCallID + "." + e.EventType.String()
}

// NewDialogEvent builds a DialogEvent snapshot of d at the moment ev fired.
func NewDialogEvent(d *dialog.Dialog, ev dialog.Event, leg dialog.Leg) *DialogEvent {
	return &DialogEvent{
		EventID:      uuid.New().String(),
		EventType:    ev,
		EventTime:    time.Now().UTC(),
		DialogCallID: d.CallID,
		IUID:         d.IUID,
		Leg:          leg,
		State:        d.State().String(),
	}
}
