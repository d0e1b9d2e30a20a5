package dialog

import "time"

// TimerActionKind tells the caller (the engine) what it must do to the
// shared Timer Ring after a transition method returns. Dialog itself never
// touches the timer ring directly — per spec.md §2 dependency order the
// Timer Ring is owned by the Table/engine, not by each dialog — so every
// transition method returns the action the caller must apply.
type TimerActionKind int

const (
	TimerNone TimerActionKind = iota
	TimerArm
	TimerCancel
)

// TimerAction is the timer-ring side effect of a state transition.
type TimerAction struct {
	Kind    TimerActionKind
	Seconds time.Duration
}

func armIn(d time.Duration) TimerAction { return TimerAction{Kind: TimerArm, Seconds: d} }

var cancelTimer = TimerAction{Kind: TimerCancel}
var noTimerAction = TimerAction{Kind: TimerNone}

// transition performs the locked, monotone CanTransitionTo check and state
// write common to every transition method below. Returns false if the
// transition was illegal (caller should treat this as a no-op, not an
// error — e.g. a late 2xx arriving after DELETED, per spec.md §4.B rules).
func (d *Dialog) transition(next State) bool {
	if !d.state.CanTransitionTo(next) {
		return false
	}
	d.state = next
	return true
}

// OnProvisional applies the UNCONFIRMED -> EARLY transition for a 1xx
// provisional reply (spec.md §4.B row 1).
func (d *Dialog) OnProvisional(msg any, earlyTimeout time.Duration) TimerAction {
	d.mu.Lock()
	ok := d.state == Unconfirmed && d.transition(Early)
	d.mu.Unlock()
	if !ok {
		return noTimerAction
	}
	d.callbacks.Fire(d, EventEarly, LegCallee, msg)
	return armIn(earlyTimeout)
}

// OnFinalReply2xx applies the UNCONFIRMED/EARLY -> CONFIRMED_NA transition
// (or straight to CONFIRMED when waitAck is false, per spec.md §4.B "Rules
// & tie-breaks") for a 2xx final reply. calleeTag is captured as the To-tag.
func (d *Dialog) OnFinalReply2xx(msg any, calleeTag string, waitAck bool, noAckTimeout, confirmedTimeout time.Duration) TimerAction {
	d.mu.Lock()
	if d.state != Unconfirmed && d.state != Early {
		d.mu.Unlock()
		return noTimerAction
	}
	next := ConfirmedNoAck
	if !waitAck {
		next = Confirmed
	}
	if !d.transition(next) {
		d.mu.Unlock()
		return noTimerAction
	}
	d.legs[LegCallee].Tag = calleeTag
	d.startTS = time.Now()
	d.markDirtyLocked()
	state := d.state
	d.mu.Unlock()

	d.callbacks.Fire(d, EventConfirmed, LegCallee, msg)
	if state == ConfirmedNoAck {
		return armIn(noAckTimeout)
	}
	return armIn(confirmedTimeout)
}

// OnFinalReplyFailure applies the UNCONFIRMED/EARLY -> DELETED transition
// for a >=300 final reply.
func (d *Dialog) OnFinalReplyFailure(msg any, status int) TimerAction {
	d.mu.Lock()
	if d.state != Unconfirmed && d.state != Early {
		d.mu.Unlock()
		return noTimerAction
	}
	d.transition(Deleted)
	d.endTS = time.Now()
	d.endReason = EndReasonFailed
	d.markDirtyLocked()
	d.mu.Unlock()

	d.callbacks.Fire(d, EventFailed, LegCallee, msg)
	d.callbacks.Fire(d, EventEnded, LegCallee, msg)
	return cancelTimer
}

// OnAck applies the CONFIRMED_NA -> CONFIRMED transition and rearms the main
// lifetime timer.
func (d *Dialog) OnAck(msg any, lifetime time.Duration) TimerAction {
	d.mu.Lock()
	ok := d.state == ConfirmedNoAck && d.transition(Confirmed)
	d.mu.Unlock()
	if !ok {
		return noTimerAction
	}
	d.callbacks.Fire(d, EventConfirmed, LegCaller, msg)
	return armIn(lifetime)
}

// OnBye applies the CONFIRMED_NA/CONFIRMED -> DELETED transition. BYE is
// authoritative even against a freshly-accepted (CONFIRMED_NA) dialog, per
// spec.md §4.B "Rules & tie-breaks".
func (d *Dialog) OnBye(msg any, leg Leg) TimerAction {
	d.mu.Lock()
	if d.state != ConfirmedNoAck && d.state != Confirmed {
		d.mu.Unlock()
		return noTimerAction
	}
	d.transition(Deleted)
	d.endTS = time.Now()
	d.endReason = EndReasonBye
	d.markDirtyLocked()
	d.mu.Unlock()

	d.callbacks.Fire(d, EventEnded, leg, msg)
	return cancelTimer
}

// OnTimeout applies the any-non-deleted -> DELETED transition driven by the
// Timer Ring's extract_expired, unless ka-exhaustion already forced it via
// OnKeepaliveFailureLimit (in which case the dialog is already DELETED and this
// is a no-op).
func (d *Dialog) OnTimeout() TimerAction {
	d.mu.Lock()
	if d.state == Deleted {
		d.mu.Unlock()
		return noTimerAction
	}
	d.transition(Deleted)
	d.endTS = time.Now()
	d.endReason = EndReasonExpired
	d.markDirtyLocked()
	d.mu.Unlock()

	d.callbacks.Fire(d, EventExpired, LegCaller, nil)
	d.callbacks.Fire(d, EventEnded, LegCaller, nil)
	return noTimerAction // already unlinked from the ring by extract_expired
}

// OnKeepaliveFailureLimit forces DELETED once ka-failed-limit consecutive
// unanswered OPTIONS have been observed (spec.md §4.B "Keepalive subordinate
// state").
func (d *Dialog) OnKeepaliveFailureLimit(leg Leg) TimerAction {
	d.mu.Lock()
	if d.state != Confirmed {
		d.mu.Unlock()
		return noTimerAction
	}
	d.transition(Deleted)
	d.endTS = time.Now()
	d.endReason = EndReasonExpired
	d.markDirtyLocked()
	d.mu.Unlock()

	d.callbacks.Fire(d, EventExpired, leg, nil)
	d.callbacks.Fire(d, EventEnded, leg, nil)
	return cancelTimer
}

// AdminForceState sets the dialog's state directly, bypassing the monotone
// CanTransitionTo check, for the RPC control surface's set-state operation
// (spec.md §9 Open Question b: "setting state to any value outside the
// confirmed->deleted step is... not properly supported... treat such
// transitions as best-effort and log"). Returns whether the requested
// transition was one CanTransitionTo would also have allowed, so the caller
// can log the forced cases distinctly from the ordinary ones.
func (d *Dialog) AdminForceState(next State) (wasLegal bool) {
	d.mu.Lock()
	wasLegal = d.state.CanTransitionTo(next)
	d.state = next
	d.markDirtyLocked()
	d.mu.Unlock()
	return wasLegal
}

// OnInDialogRequest applies the CONFIRMED -> CONFIRMED self-transition,
// rearming the lifetime timer unless the timeout-noreset iflag is set, and
// updates the leg's CSeq. Returns (retransmission, action): retransmission
// is true when cseq did not advance, in which case no callback fires and no
// timer action is taken, mirroring the reqRetr guard pattern.
func (d *Dialog) OnInDialogRequest(msg any, leg Leg, cseq uint32, lifetime time.Duration) (retransmission bool, action TimerAction) {
	d.mu.Lock()
	if d.state != Confirmed {
		d.mu.Unlock()
		return false, noTimerAction
	}
	last := d.legs[leg].lastCSeqNo
	if cseq <= last && last != 0 {
		d.mu.Unlock()
		return true, noTimerAction
	}
	d.legs[leg].lastCSeqNo = cseq
	noReset := d.iflags&IFlagTimeoutNoReset != 0
	d.mu.Unlock()

	d.callbacks.Fire(d, EventRequestWithin, leg, msg)
	if noReset {
		return false, noTimerAction
	}
	return false, armIn(lifetime)
}
