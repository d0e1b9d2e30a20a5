package dialog

import (
	"sync"
	"sync/atomic"
	"time"
)

// Internal flag bits (iflags), per spec.md §3 "Flag words".
const (
	IFlagKeepaliveSrc   uint32 = 1 << iota // issue keepalive toward the caller leg
	IFlagKeepaliveDst                      // issue keepalive toward the callee leg
	IFlagTimeoutNoReset                    // in-dialog traffic does not rearm the lifetime timer
	IFlagSpiralDetected                    // a request carrying our own Record-Route IUID param was matched back to this dialog
)

// Dirty flag bits (dflags), marking which parts of a dialog need a
// persistence-driver write-back (spec.md §4.F db-mode realtime/delayed).
const (
	DFlagNew     uint32 = 1 << iota // never persisted
	DFlagChanged                    // persisted but mutated since
)

// LegInfo holds the per-leg fields of spec.md §3 "Per-leg state". All string
// fields are owned copies made at dialog construction or leg-tag capture
// time, never borrowed views into the triggering SIP message (spec.md §9
// "String ownership").
type LegInfo struct {
	Tag      string
	Contact  string
	CSeq     string
	RouteSet []string
	Socket   string // "proto:host:port" the leg's requests must route back out of

	lastCSeqNo uint32 // numeric CSeq, for in-dialog retransmission detection
}

// ProfileKey identifies one (profile-name, value) membership. Value is empty
// for no-value profiles.
type ProfileKey struct {
	Name  string
	Value string
}

// Dialog is the exclusively-owned dialog record of spec.md §3.
type Dialog struct {
	// Identity — immutable after insert, so safe to read without the lock.
	CallID  string
	FromURI string
	ToURI   string
	ReqURI  string
	IUID    IUID

	mu sync.Mutex // guards everything below, per spec.md §5 "per-dialog lock"

	legs [2]LegInfo

	state  State
	initTS time.Time
	startTS time.Time
	endTS   time.Time

	deadline time.Time
	lifetime time.Duration

	dflags uint32
	sflags uint32
	iflags uint32

	endReason EndReason

	// kaFailures counts consecutive unanswered keepalive attempts, reset to
	// 0 on any answered OPTIONS (spec.md §4.B "Keepalive subordinate state").
	kaFailures int

	profiles map[ProfileKey]struct{}

	vars *VarStore

	callbacks CallbackRegistry

	refCount int32 // atomic; dialog is freeable only once this reaches 0
}

// New constructs a dialog in the Unconfirmed state from identity fields
// captured off an initial dialog-forming request (INVITE/SUBSCRIBE). The
// caller is responsible for copying any strings sourced from a borrowed SIP
// message before calling New, since Dialog never holds message-owned memory.
func New(callID, fromURI, toURI, reqURI, fromTag string, lifetime time.Duration) *Dialog {
	now := time.Now()
	d := &Dialog{
		CallID:   callID,
		FromURI:  fromURI,
		ToURI:    toURI,
		ReqURI:   reqURI,
		state:    Unconfirmed,
		initTS:   now,
		lifetime: lifetime,
		profiles: make(map[ProfileKey]struct{}),
		vars:     newVarStore(),
		dflags:   DFlagNew,
	}
	d.legs[LegCaller].Tag = fromTag
	return d
}

// Vars returns the dialog's variable store (spec.md §4.E).
func (d *Dialog) Vars() *VarStore { return d.vars }

// Callbacks returns the dialog's own per-dialog callback registry.
func (d *Dialog) Callbacks() *CallbackRegistry { return &d.callbacks }

// Ref increments the reference count and returns the new value. A reference
// must be held by any code retaining a *Dialog outside of a table/shard
// lock, per spec.md §3 invariant 3.
func (d *Dialog) Ref() int32 { return atomic.AddInt32(&d.refCount, 1) }

// Unref decrements the reference count and returns the new value. The
// dialog may be released once this reaches 0.
func (d *Dialog) Unref() int32 { return atomic.AddInt32(&d.refCount, -1) }

// RefCount reads the current reference count.
func (d *Dialog) RefCount() int32 { return atomic.LoadInt32(&d.refCount) }

// State returns the current lifecycle state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// EndReason returns why the dialog reached Deleted (zero value if not yet deleted).
func (d *Dialog) EndReason() EndReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endReason
}

// Timestamps returns init/start/end timestamps under the dialog lock.
func (d *Dialog) Timestamps() (init, start, end time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initTS, d.startTS, d.endTS
}

// Deadline returns the current absolute timer-ring deadline and configured
// lifetime.
func (d *Dialog) Deadline() (time.Time, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline, d.lifetime
}

// SetDeadline records the absolute deadline last armed in the timer ring.
// Called by the engine immediately after a successful timer.Ring.Insert so
// the dialog's view of its own deadline stays consistent for RPC reporting.
func (d *Dialog) SetDeadline(at time.Time, lifetime time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadline = at
	d.lifetime = lifetime
}

// Leg returns a copy of the requested leg's info.
func (d *Dialog) Leg(leg Leg) LegInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.legs[leg]
}

// SetLegTag sets a leg's tag (the callee's To-tag is empty until the 2xx).
func (d *Dialog) SetLegTag(leg Leg, tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legs[leg].Tag = tag
}

// SetLegContact sets a leg's contact URI.
func (d *Dialog) SetLegContact(leg Leg, contact string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legs[leg].Contact = contact
}

// SetLegCSeq records the last CSeq number string observed/sent for a leg.
func (d *Dialog) SetLegCSeq(leg Leg, cseq string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legs[leg].CSeq = cseq
}

// SetLegRouteSet records the leg's route set (from Record-Route headers).
func (d *Dialog) SetLegRouteSet(leg Leg, routes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs := make([]string, len(routes))
	copy(rs, routes)
	d.legs[leg].RouteSet = rs
}

// SetLegSocket records the local bound socket a leg's requests route out of.
func (d *Dialog) SetLegSocket(leg Leg, socket string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legs[leg].Socket = socket
}

// IFlags/SFlags/DFlags accessors -------------------------------------------

func (d *Dialog) IFlags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iflags
}

func (d *Dialog) SetIFlag(bit uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.iflags |= bit
}

func (d *Dialog) ClearIFlag(bit uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.iflags &^= bit
}

func (d *Dialog) HasIFlag(bit uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.iflags&bit != 0
}

func (d *Dialog) SFlags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sflags
}

func (d *Dialog) SetSFlags(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sflags = v
	d.dflags |= DFlagChanged
}

func (d *Dialog) DFlags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dflags
}

func (d *Dialog) markDirtyLocked() {
	d.dflags |= DFlagChanged
}

// MarkPersisted clears the dirty bits after a successful DB flush.
func (d *Dialog) MarkPersisted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dflags = 0
}

// Keepalive failure tracking -------------------------------------------

// NoteKeepaliveFailure increments the consecutive-failure counter and
// returns the new count (spec.md §4.B "Keepalive subordinate state").
func (d *Dialog) NoteKeepaliveFailure() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kaFailures++
	return d.kaFailures
}

// NoteKeepaliveSuccess resets the consecutive-failure counter.
func (d *Dialog) NoteKeepaliveSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kaFailures = 0
}

// KeepaliveFailures reads the current consecutive-failure counter.
func (d *Dialog) KeepaliveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kaFailures
}

// Profile membership --------------------------------------------------

// LinkProfile records that the dialog is a member of the given profile key,
// the dialog-side half of spec.md §3 invariant 5. Ownership of the
// authoritative profile-bucket entry lives in the profile package; this is
// only the dialog's own O(1)-lookup mirror of that membership.
func (d *Dialog) LinkProfile(key ProfileKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[key] = struct{}{}
}

// UnlinkProfile removes a profile membership mirror entry.
func (d *Dialog) UnlinkProfile(key ProfileKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.profiles, key)
}

// HasProfile is the O(1) is_in check of spec.md §4.D.
func (d *Dialog) HasProfile(key ProfileKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.profiles[key]
	return ok
}

// ProfileKeys returns a snapshot of every profile the dialog currently
// belongs to, for RPC reporting and for unlinking on deletion.
func (d *Dialog) ProfileKeys() []ProfileKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ProfileKey, 0, len(d.profiles))
	for k := range d.profiles {
		out = append(out, k)
	}
	return out
}
