package events

import (
	"context"

	"github.com/sebas/dialogcore/internal/dialog"
)

// AllLifecycleEvents is the mask of dialog events worth publishing
// externally: the state-machine transitions, not the internal
// request/reply/db-load/rpc-context hooks.
const AllLifecycleEvents = dialog.EventCreated | dialog.EventEarly | dialog.EventConfirmed |
	dialog.EventFailed | dialog.EventEnded | dialog.EventExpired

// NewPublishingCallback returns a dialog.CallbackFunc that builds a
// DialogEvent from each fired lifecycle event and hands it to pub
// asynchronously, so a slow or unavailable event sink never stalls the
// dialog callback chain (spec.md §7 "callbacks must not block").
func NewPublishingCallback(pub Publisher) dialog.CallbackFunc {
	return func(d *dialog.Dialog, ev dialog.Event, leg dialog.Leg, msg any) {
		pub.PublishAsync(NewDialogEvent(d, ev, leg))
	}
}

// PublishSync is a convenience for callers (tests, the RPC diagnostics
// endpoint) that want publish confirmation rather than the fire-and-forget
// async path callbacks use.
func PublishSync(ctx context.Context, pub Publisher, d *dialog.Dialog, ev dialog.Event, leg dialog.Leg) error {
	return pub.Publish(ctx, NewDialogEvent(d, ev, leg))
}
