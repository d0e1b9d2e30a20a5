package dialog

import (
	"sync"
	"testing"
	"time"
)

func newTestDialog() *Dialog {
	return New("call-1", "sip:alice@example.com", "sip:bob@example.com", "sip:bob@example.com", "from-tag-1", 30*time.Second)
}

func TestNewDialogInitialState(t *testing.T) {
	d := newTestDialog()
	if got := d.State(); got != Unconfirmed {
		t.Errorf("State() = %v, want Unconfirmed", got)
	}
	if got := d.Leg(LegCaller).Tag; got != "from-tag-1" {
		t.Errorf("caller tag = %q, want from-tag-1", got)
	}
	if got := d.DFlags(); got&DFlagNew == 0 {
		t.Error("new dialog should carry DFlagNew")
	}
}

func TestRefCounting(t *testing.T) {
	d := newTestDialog()
	if got := d.Ref(); got != 1 {
		t.Errorf("Ref() = %d, want 1", got)
	}
	d.Ref()
	if got := d.RefCount(); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}
	if got := d.Unref(); got != 1 {
		t.Errorf("Unref() = %d, want 1", got)
	}
}

func TestOnProvisionalThenConfirm(t *testing.T) {
	d := newTestDialog()

	action := d.OnProvisional(nil, 180*time.Second)
	if d.State() != Early {
		t.Fatalf("State() = %v, want Early", d.State())
	}
	if action.Kind != TimerArm {
		t.Errorf("action.Kind = %v, want TimerArm", action.Kind)
	}

	action = d.OnFinalReply2xx(nil, "to-tag-1", true, 32*time.Second, 0)
	if d.State() != ConfirmedNoAck {
		t.Fatalf("State() = %v, want ConfirmedNoAck", d.State())
	}
	if got := d.Leg(LegCallee).Tag; got != "to-tag-1" {
		t.Errorf("callee tag = %q, want to-tag-1", got)
	}
	if action.Kind != TimerArm || action.Seconds != 32*time.Second {
		t.Errorf("action = %+v, want TimerArm 32s", action)
	}

	action = d.OnAck(nil, 30*time.Second)
	if d.State() != Confirmed {
		t.Fatalf("State() = %v, want Confirmed", d.State())
	}
	if action.Kind != TimerArm {
		t.Errorf("action.Kind = %v, want TimerArm", action.Kind)
	}
}

func TestOnFinalReply2xxNoWaitAckSkipsConfirmedNoAck(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)

	action := d.OnFinalReply2xx(nil, "to-tag-1", false, 32*time.Second, 25*time.Second)
	if d.State() != Confirmed {
		t.Fatalf("State() = %v, want Confirmed", d.State())
	}
	if action.Seconds != 25*time.Second {
		t.Errorf("action.Seconds = %v, want 25s (confirmedTimeout)", action.Seconds)
	}
}

func TestOnFinalReplyFailureTerminates(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)

	action := d.OnFinalReplyFailure(nil, 486)
	if d.State() != Deleted {
		t.Fatalf("State() = %v, want Deleted", d.State())
	}
	if d.EndReason() != EndReasonFailed {
		t.Errorf("EndReason() = %v, want EndReasonFailed", d.EndReason())
	}
	if action.Kind != TimerCancel {
		t.Errorf("action.Kind = %v, want TimerCancel", action.Kind)
	}
}

func TestOnByeFromEitherLeg(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)
	d.OnFinalReply2xx(nil, "to-tag-1", true, 32*time.Second, 0)
	d.OnAck(nil, 30*time.Second)

	action := d.OnBye(nil, LegCallee)
	if d.State() != Deleted {
		t.Fatalf("State() = %v, want Deleted", d.State())
	}
	if d.EndReason() != EndReasonBye {
		t.Errorf("EndReason() = %v, want EndReasonBye", d.EndReason())
	}
	if action.Kind != TimerCancel {
		t.Errorf("action.Kind = %v, want TimerCancel", action.Kind)
	}
}

func TestOnInDialogRequestRetransmissionDetection(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)
	d.OnFinalReply2xx(nil, "to-tag-1", true, 32*time.Second, 0)
	d.OnAck(nil, 30*time.Second)

	retr, action := d.OnInDialogRequest(nil, LegCaller, 2, 30*time.Second)
	if retr {
		t.Error("first in-dialog request should not be a retransmission")
	}
	if action.Kind != TimerArm {
		t.Errorf("action.Kind = %v, want TimerArm", action.Kind)
	}

	retr, action = d.OnInDialogRequest(nil, LegCaller, 2, 30*time.Second)
	if !retr {
		t.Error("repeated CSeq should be detected as a retransmission")
	}
	if action.Kind != TimerNone {
		t.Errorf("action.Kind = %v, want TimerNone on retransmission", action.Kind)
	}
}

func TestOnInDialogRequestNoResetFlag(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)
	d.OnFinalReply2xx(nil, "to-tag-1", true, 32*time.Second, 0)
	d.OnAck(nil, 30*time.Second)
	d.SetIFlag(IFlagTimeoutNoReset)

	_, action := d.OnInDialogRequest(nil, LegCaller, 2, 30*time.Second)
	if action.Kind != TimerNone {
		t.Errorf("action.Kind = %v, want TimerNone when IFlagTimeoutNoReset is set", action.Kind)
	}
}

func TestIllegalTransitionIsNoop(t *testing.T) {
	d := newTestDialog()
	d.OnProvisional(nil, 180*time.Second)
	d.OnFinalReply2xx(nil, "to-tag-1", true, 32*time.Second, 0)
	d.OnAck(nil, 30*time.Second)
	d.OnBye(nil, LegCaller)

	// A late 2xx arriving after DELETED must not resurrect the dialog.
	action := d.OnFinalReply2xx(nil, "to-tag-2", true, 32*time.Second, 0)
	if d.State() != Deleted {
		t.Errorf("State() = %v, want Deleted (late 2xx must be ignored)", d.State())
	}
	if action.Kind != TimerNone {
		t.Errorf("action.Kind = %v, want TimerNone", action.Kind)
	}
}

func TestCallbacksFireInRegistrationOrder(t *testing.T) {
	d := newTestDialog()

	var mu sync.Mutex
	var order []int

	d.Callbacks().Register(EventEarly|EventConfirmed, func(d *Dialog, ev Event, leg Leg, msg any) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	d.Callbacks().Register(EventEarly|EventConfirmed, func(d *Dialog, ev Event, leg Leg, msg any) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	d.OnProvisional(nil, 180*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestCallbackPanicDoesNotBlockSubsequentCallbacks(t *testing.T) {
	d := newTestDialog()

	var secondCalled bool
	d.Callbacks().Register(EventEarly, func(d *Dialog, ev Event, leg Leg, msg any) {
		panic("boom")
	})
	d.Callbacks().Register(EventEarly, func(d *Dialog, ev Event, leg Leg, msg any) {
		secondCalled = true
	})

	d.OnProvisional(nil, 180*time.Second)

	if !secondCalled {
		t.Error("second callback should still run after the first panics")
	}
}

func TestVarStoreEmptyValueDeletes(t *testing.T) {
	v := newVarStore()
	v.Set("k", "v1")
	if got, ok := v.Get("k"); !ok || got != "v1" {
		t.Fatalf("Get(k) = %q, %v, want v1, true", got, ok)
	}
	v.Set("k", "")
	if _, ok := v.Get("k"); ok {
		t.Error("Get(k) should miss after empty-value write")
	}
}

func TestVarStoreDirtyTracking(t *testing.T) {
	v := newVarStore()
	v.Set("a", "1")
	v.Set("b", "2")
	v.MarkClean()
	v.Set("a", "3")

	dirty := v.Dirty()
	if _, ok := dirty["a"]; !ok {
		t.Error("a should be dirty after re-set")
	}
	if _, ok := dirty["b"]; ok {
		t.Error("b should not be dirty after MarkClean")
	}
}

func TestProfileMembershipMirror(t *testing.T) {
	d := newTestDialog()
	key := ProfileKey{Name: "inbound", Value: "trunk-1"}

	if d.HasProfile(key) {
		t.Fatal("new dialog should not be a profile member")
	}
	d.LinkProfile(key)
	if !d.HasProfile(key) {
		t.Error("dialog should be a member after LinkProfile")
	}
	d.UnlinkProfile(key)
	if d.HasProfile(key) {
		t.Error("dialog should not be a member after UnlinkProfile")
	}
}
