package events

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

func newTestDialog() *dialog.Dialog {
	return dialog.New("call-ev-1", "sip:a@x", "sip:b@x", "sip:b@x", "from-tag", 30*time.Second)
}

func TestDialogEventSubjectFormat(t *testing.T) {
	d := newTestDialog()
	ev := NewDialogEvent(d, dialog.EventConfirmed, dialog.LegCallee)

	want := "dialogcore.dialogs.call-ev-1.confirmed"
	if got := ev.Subject(); got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if ev.CallID() != "call-ev-1" {
		t.Errorf("CallID() = %q, want call-ev-1", ev.CallID())
	}
}

func TestNewPublishingCallbackDeliversToChannel(t *testing.T) {
	pub := NewChannelPublisher(4)
	cb := NewPublishingCallback(pub)
	d := newTestDialog()

	cb(d, dialog.EventCreated, dialog.LegCaller, nil)

	select {
	case ev := <-pub.Events():
		if ev.Type() != dialog.EventCreated {
			t.Errorf("Type() = %v, want EventCreated", ev.Type())
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered to channel publisher")
	}
}

func TestChannelPublisherDropsOnFullBuffer(t *testing.T) {
	pub := NewChannelPublisher(1)
	d := newTestDialog()

	pub.PublishAsync(NewDialogEvent(d, dialog.EventCreated, dialog.LegCaller))
	pub.PublishAsync(NewDialogEvent(d, dialog.EventEarly, dialog.LegCaller))

	if pub.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", pub.DroppedCount())
	}
}

func TestMultiPublisherFansOutToAll(t *testing.T) {
	a := NewChannelPublisher(4)
	b := NewChannelPublisher(4)
	multi := NewMultiPublisher(a, b)
	d := newTestDialog()

	if err := multi.Publish(context.Background(), NewDialogEvent(d, dialog.EventEnded, dialog.LegCallee)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, ch := range []<-chan Event{a.Events(), b.Events()} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("event not delivered to one of the fanned-out publishers")
		}
	}
}

func TestNoopPublisherDiscardsEverything(t *testing.T) {
	pub := NewNoopPublisher()
	d := newTestDialog()
	if err := pub.Publish(context.Background(), NewDialogEvent(d, dialog.EventCreated, dialog.LegCaller)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	pub.PublishAsync(NewDialogEvent(d, dialog.EventCreated, dialog.LegCaller))
}
