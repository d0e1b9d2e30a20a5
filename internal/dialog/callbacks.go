package dialog

import "sync"

// Event is a bitmask identifying the kind of lifecycle occurrence a callback
// is registered for, per spec.md §6 "Callback surface".
type Event uint32

const (
	EventCreated Event = 1 << iota
	EventEarly
	EventConfirmed
	EventFailed
	EventEnded
	EventExpired
	EventRequestWithin
	EventReplyWithin
	EventDBLoad
	EventRPCContext
)

func (e Event) String() string {
	names := map[Event]string{
		EventCreated:       "created",
		EventEarly:         "early",
		EventConfirmed:     "confirmed",
		EventFailed:        "failed",
		EventEnded:         "ended",
		EventExpired:       "expired",
		EventRequestWithin: "request-within",
		EventReplyWithin:   "reply-within",
		EventDBLoad:        "dbload",
		EventRPCContext:    "rpc-context",
	}
	if n, ok := names[e]; ok {
		return n
	}
	return "unknown"
}

// Leg identifies which side of a dialog a callback or action pertains to.
type Leg int

const (
	// LegCaller is the A leg (leg 0).
	LegCaller Leg = 0
	// LegCallee is the B leg (leg 1).
	LegCallee Leg = 1
)

func (l Leg) String() string {
	if l == LegCallee {
		return "callee"
	}
	return "caller"
}

// CallbackFunc is invoked synchronously in the event-processing thread, with
// the dialog reference already acquired and without any shard lock held, per
// spec.md §4.B "Rules & tie-breaks". msg is the triggering message, or nil
// for timer-driven events; its concrete type (e.g. *sip.Request) is owned by
// the transaction-engine collaborator, not by this package, so it is typed
// as any here to keep the dialog core free of a SIP-parsing dependency.
//
// Callbacks must not block. A callback that panics is recovered and the
// panic discarded by Fire so that later callbacks in the same registration still run, per
// spec.md §7 "failing callback does not prevent subsequent callbacks".
type CallbackFunc func(d *Dialog, ev Event, leg Leg, msg any)

type callbackEntry struct {
	mask Event
	fn   CallbackFunc
}

// CallbackRegistry holds an ordered list of (mask, fn) registrations and
// fires them in registration order for a matching event, per spec.md §5
// "Callbacks registered for the same event fire in registration order".
// It is reused both as the per-dialog registry (spec.md §3 "Callback list")
// and as the module-level ("per-module") registry held by the engine.
type CallbackRegistry struct {
	mu      sync.Mutex
	entries []callbackEntry
}

// Register adds fn to be invoked for any event in mask.
func (r *CallbackRegistry) Register(mask Event, fn CallbackFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, callbackEntry{mask: mask, fn: fn})
}

// Fire invokes every registered callback whose mask includes ev, in
// registration order, recovering from and discarding any panic so a single
// bad callback cannot break the chain.
func (r *CallbackRegistry) Fire(d *Dialog, ev Event, leg Leg, msg any) {
	r.mu.Lock()
	entries := make([]callbackEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	for _, e := range entries {
		if e.mask&ev == 0 {
			continue
		}
		invokeCallback(e.fn, d, ev, leg, msg)
	}
}

func invokeCallback(fn CallbackFunc, d *Dialog, ev Event, leg Leg, msg any) {
	defer func() { _ = recover() }()
	fn(d, ev, leg, msg)
}
