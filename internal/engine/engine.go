// Package engine wires the Dialog Table, Timer Ring, Profile Index,
// persistence Driver, transaction Engine, events Publisher and Maintenance
// Loops into the single process-wide DialogEngine value of spec.md §9
// ("a single owned value created at start and passed by shared reference
// to workers"), grounded on internal/signaling/dialog.Manager's role as
// the central registry sipgo's request handlers call into.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/dialogcore/internal/config"
	"github.com/sebas/dialogcore/internal/dialog"
	"github.com/sebas/dialogcore/internal/events"
	"github.com/sebas/dialogcore/internal/maintenance"
	"github.com/sebas/dialogcore/internal/persistence"
	"github.com/sebas/dialogcore/internal/profile"
	"github.com/sebas/dialogcore/internal/routing"
	"github.com/sebas/dialogcore/internal/table"
	"github.com/sebas/dialogcore/internal/timer"
	"github.com/sebas/dialogcore/internal/transaction"
)

// DialogEngine is the top-level collaborator the SIP-facing layer calls
// into for every request and reply, per spec.md §6 "External interfaces".
// Construct with New, then Start before handing it requests.
type DialogEngine struct {
	cfg *config.Config

	table    *table.Table
	ring     *timer.Ring[dialog.IUID]
	profiles *profile.Index
	driver   persistence.Driver
	tx       transaction.Engine
	pub      events.Publisher
	rr       *routing.RecordRouteCodec
	loops    *maintenance.Loops

	selfURI sip.Uri
}

// New constructs a DialogEngine from cfg and its collaborators, declaring
// every startup profile named in cfg.ProfilesNoValue/ProfilesWithValue
// (spec.md §4.D "declared at startup"). driver and pub may be nil; a nil
// driver disables persistence, a nil pub discards lifecycle events.
func New(cfg *config.Config, txEngine transaction.Engine, driver persistence.Driver, pub events.Publisher, selfURI sip.Uri) (*DialogEngine, error) {
	if pub == nil {
		pub = events.NewNoopPublisher()
	}

	t := table.New(table.Config{NShards: cfg.HashSize, IDStart: cfg.IDStart, IDStep: cfg.IDStep})
	ring := timer.New[dialog.IUID]()
	profiles := profile.NewIndex()

	for _, name := range cfg.ProfilesNoValue {
		profiles.Declare(name, profile.NoValue)
	}
	for _, name := range cfg.ProfilesWithValue {
		profiles.Declare(name, profile.WithValue)
	}

	mCfg := maintenance.Config{
		MainTick:           time.Second,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		KeepaliveFailedLim: cfg.KeepaliveFailedLim,
		CleanupInterval:    10 * time.Second,
		EarlyTimeout:       cfg.EarlyTimeout,
		DBMode:             cfg.DBMode,
		DBUpdatePeriod:     cfg.DBUpdatePeriod,
	}
	loops := maintenance.New(mCfg, t, ring, txEngine, profiles, driver)

	return &DialogEngine{
		cfg:      cfg,
		table:    t,
		ring:     ring,
		profiles: profiles,
		driver:   driver,
		tx:       txEngine,
		pub:      pub,
		rr:       routing.NewRecordRouteCodec(""),
		loops:    loops,
		selfURI:  selfURI,
	}, nil
}

// Table, Ring and Profiles expose the shared collaborators to the RPC
// control surface, which reports on and mutates them directly.
func (e *DialogEngine) Table() *table.Table         { return e.table }
func (e *DialogEngine) Ring() *timer.Ring[dialog.IUID] { return e.ring }
func (e *DialogEngine) Profiles() *profile.Index    { return e.profiles }

// Start loads persisted dialogs (if a driver is configured) and launches
// the maintenance loops.
func (e *DialogEngine) Start(ctx context.Context) error {
	if e.driver != nil {
		records, err := e.driver.LoadAll(ctx)
		if err != nil {
			return dialog.NewError(dialog.KindDownstream, "engine.Start", "persistence load failed", err)
		}
		for _, rec := range records {
			e.restore(rec)
		}
		slog.Info("[engine] restored dialogs from persistence", "count", len(records))
	}

	e.loops.Start()
	return nil
}

// Stop halts the maintenance loops and, for db-mode=shutdown, flushes
// every in-memory dialog to the driver before closing it.
func (e *DialogEngine) Stop(ctx context.Context) error {
	e.loops.Stop()

	if e.driver != nil {
		if e.cfg.DBMode == config.DBModeShutdown {
			if err := e.loops.FlushAll(ctx); err != nil {
				slog.Warn("[engine] shutdown flush failed", "error", err)
			}
		}
		return e.driver.Close()
	}
	return nil
}

// restore rebuilds an in-memory dialog.Dialog from a persisted record and
// re-inserts it into the table, ring and profile index, without firing any
// lifecycle callback (the dialog already progressed through its real
// lifecycle before the restart; restoring it is not a fresh transition).
func (e *DialogEngine) restore(rec persistence.Record) {
	state, ok := dialog.ParseState(rec.State)
	if !ok || state == dialog.Deleted {
		return
	}

	d := dialog.New(rec.CallID, rec.FromURI, rec.ToURI, rec.ReqURI, rec.Caller.Tag, rec.Lifetime)
	d.Callbacks().Register(events.AllLifecycleEvents, events.NewPublishingCallback(e.pub))
	d.IUID = dialog.IUID{HashEntry: rec.HashEntry, HashID: rec.HashID}
	d.SetLegContact(dialog.LegCaller, rec.Caller.Contact)
	d.SetLegRouteSet(dialog.LegCaller, rec.Caller.RouteSet)
	d.SetLegTag(dialog.LegCallee, rec.Callee.Tag)
	d.SetLegContact(dialog.LegCallee, rec.Callee.Contact)
	d.SetLegRouteSet(dialog.LegCallee, rec.Callee.RouteSet)
	d.AdminForceState(state)
	if !rec.Deadline.IsZero() {
		d.SetDeadline(rec.Deadline, rec.Lifetime)
		e.ring.InsertAt(d.IUID, rec.Deadline)
	}

	e.table.Insert(d)
	d.Ref()
	for _, pr := range rec.Profiles {
		if p, ok := e.profiles.Get(pr.Name); ok {
			p.Set(d, pr.Value)
		}
	}
}

// applyTimer applies a dialog.TimerAction against the shared ring, the
// common tail of every transition-driving handler below.
func (e *DialogEngine) applyTimer(d *dialog.Dialog, action dialog.TimerAction) {
	switch action.Kind {
	case dialog.TimerArm:
		e.ring.Insert(d.IUID, action.Seconds)
		d.SetDeadline(time.Now().Add(action.Seconds), action.Seconds)
	case dialog.TimerCancel:
		e.ring.Cancel(d.IUID)
	}
}

// finalize releases a now-terminal dialog from the table and every
// profile it belongs to, mirroring maintenance.Loops.finalizeIfTerminal
// for the request/reply-driven paths that don't go through the ring.
func (e *DialogEngine) finalize(d *dialog.Dialog) {
	if !d.State().IsTerminal() {
		return
	}
	e.profiles.UnlinkDialog(d)
	if e.table.Unlink(d) {
		d.Unref()
	}
	if e.driver != nil && e.cfg.DBMode == config.DBModeRealtime {
		if err := e.driver.Remove(context.Background(), d.CallID); err != nil {
			slog.Warn("[engine] persistence remove failed", "call_id", d.CallID, "error", err)
		}
	}
}

// persistIfRealtime writes d's current record immediately when db-mode is
// realtime (spec.md §4.F), so every dirty-marking transition above is
// durable before the handler returns.
func (e *DialogEngine) persistIfRealtime(d *dialog.Dialog) {
	if e.driver == nil || e.cfg.DBMode != config.DBModeRealtime {
		return
	}
	rec := persistence.ToRecord(d)
	if err := e.driver.Update(context.Background(), rec); err != nil {
		slog.Warn("[engine] persistence update failed", "call_id", d.CallID, "error", err)
		return
	}
	d.MarkPersisted()
}

func headerTag(params sip.HeaderParams) string {
	tag, _ := params.Get("tag")
	return tag
}

// OnRequestIn implements spec.md §6 on_request_in: classify the incoming
// request, creating a dialog for an initial dialog-forming method
// (INVITE, SUBSCRIBE) or looking one up otherwise. Returns the dialog
// involved (nil for a request this engine does not track) and whether it
// was newly created.
func (e *DialogEngine) OnRequestIn(req *sip.Request) (d *dialog.Dialog, created bool, err error) {
	callIDHdr, ok := req.CallID()
	if !ok {
		return nil, false, dialog.NewError(dialog.KindInvalid, "on_request_in", "request missing Call-ID", nil)
	}
	callID := string(*callIDHdr)

	switch req.Method {
	case sip.INVITE, sip.SUBSCRIBE:
		return e.createDialog(req, callID)
	default:
		found, _, ok := e.lookupSequential(req, callID)
		if !ok {
			return nil, false, dialog.ErrNotFound
		}
		return found, false, nil
	}
}

// createDialog implements the "create if initial dialog-forming method"
// half of on_request_in, including spiral suppression (spec.md §4.A
// invariant, scenario 6): a request whose Record-Route already carries our
// own IUID parameter is matched back to its existing dialog instead of
// minted fresh when detect-spirals is enabled.
func (e *DialogEngine) createDialog(req *sip.Request, callID string) (*dialog.Dialog, bool, error) {
	if e.cfg.DetectSpirals && e.rr.DetectSpiral(req) {
		if id, ok := e.rr.Extract(req); ok {
			if existing, found := e.table.LookupByIUID(id); found {
				existing.SetIFlag(dialog.IFlagSpiralDetected)
				return existing, false, nil
			}
		}
	}

	if existing, found := e.table.LookupByCallID(callID); found {
		return existing, false, nil
	}

	fromHdr, _ := req.From()
	toHdr, _ := req.To()
	fromTag := ""
	fromURI, toURI := "", ""
	if fromHdr != nil {
		fromTag = headerTag(fromHdr.Params)
		fromURI = fromHdr.Address.String()
	}
	if toHdr != nil {
		toURI = toHdr.Address.String()
	}

	d := dialog.New(callID, fromURI, toURI, req.Recipient.String(), fromTag, e.cfg.DefaultTimeout)
	d.Callbacks().Register(events.AllLifecycleEvents, events.NewPublishingCallback(e.pub))
	if contact, ok := req.Contact(); ok {
		d.SetLegContact(dialog.LegCaller, contact.Address.String())
	}

	e.table.Insert(d)
	d.Ref()
	e.ring.Insert(d.IUID, e.cfg.EarlyTimeout)
	d.SetDeadline(time.Now().Add(e.cfg.EarlyTimeout), e.cfg.EarlyTimeout)
	d.Callbacks().Fire(d, dialog.EventCreated, dialog.LegCaller, req)
	e.persistIfRealtime(d)

	slog.Debug("[engine] dialog created", "call_id", callID, "iuid", d.IUID.String())
	return d, true, nil
}

// lookupSequential finds the dialog an in-dialog request belongs to, per
// cfg.SequentialMatchMode: strict-id requires our own Record-Route
// parameter to be present, fallback and no-id fall back to a (Call-ID,
// tags) scan when it is absent.
func (e *DialogEngine) lookupSequential(req *sip.Request, callID string) (*dialog.Dialog, table.Direction, bool) {
	if id, ok := e.rr.Extract(req); ok {
		if d, found := e.table.LookupByIUID(id); found {
			return d, table.DirDownstream, true
		}
	}
	if e.cfg.SequentialMatchMode == config.MatchStrictID {
		return nil, 0, false
	}

	fromHdr, _ := req.From()
	toHdr, _ := req.To()
	var fromTag, toTag string
	if fromHdr != nil {
		fromTag = headerTag(fromHdr.Params)
	}
	if toHdr != nil {
		toTag = headerTag(toHdr.Params)
	}
	return e.table.LookupByTags(callID, fromTag, toTag)
}

// OnRouted implements spec.md §6 on_routed: drive the in-dialog
// transition (ACK, BYE, or an ordinary in-dialog request) for a request
// already matched to a dialog by OnRequestIn/lookupSequential.
func (e *DialogEngine) OnRouted(req *sip.Request, d *dialog.Dialog) error {
	if d == nil {
		return dialog.ErrNotFound
	}

	cseqHdr, _ := req.CSeq()
	var cseq uint32
	if cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}

	switch req.Method {
	case sip.ACK:
		action := d.OnAck(req, e.cfg.DefaultTimeout)
		e.applyTimer(d, action)
	case sip.BYE:
		leg := dialog.LegCaller
		if fromHdr, ok := req.From(); ok && headerTag(fromHdr.Params) == d.Leg(dialog.LegCallee).Tag {
			leg = dialog.LegCallee
		}
		action := d.OnBye(req, leg)
		e.applyTimer(d, action)
		e.finalize(d)
	default:
		leg := dialog.LegCaller
		if fromHdr, ok := req.From(); ok && headerTag(fromHdr.Params) == d.Leg(dialog.LegCallee).Tag {
			leg = dialog.LegCallee
		}
		_, action := d.OnInDialogRequest(req, leg, cseq, e.cfg.DefaultTimeout)
		e.applyTimer(d, action)
	}

	e.persistIfRealtime(d)
	return nil
}

// OnReply implements spec.md §6 on_reply: drive the response-side
// transitions for a reply to the initial INVITE/SUBSCRIBE transaction
// (spec.md §9.1 Open Question decision (c): fired once the transaction
// engine has observed the response, not before it is relayed downstream).
func (e *DialogEngine) OnReply(rpl *sip.Response) error {
	callIDHdr, ok := rpl.CallID()
	if !ok {
		return dialog.NewError(dialog.KindInvalid, "on_reply", "response missing Call-ID", nil)
	}
	callID := string(*callIDHdr)

	fromHdr, _ := rpl.From()
	toHdr, _ := rpl.To()
	var fromTag, toTag string
	if fromHdr != nil {
		fromTag = headerTag(fromHdr.Params)
	}
	if toHdr != nil {
		toTag = headerTag(toHdr.Params)
	}

	d, _, found := e.table.LookupByTags(callID, fromTag, toTag)
	if !found {
		return dialog.ErrNotFound
	}

	status := int(rpl.StatusCode)
	var action dialog.TimerAction
	switch {
	case status < 200:
		action = d.OnProvisional(rpl, e.cfg.EarlyTimeout)
	case status < 300:
		if contact, ok := rpl.Contact(); ok {
			d.SetLegContact(dialog.LegCallee, contact.Address.String())
		}
		action = d.OnFinalReply2xx(rpl, toTag, e.cfg.WaitAck, e.cfg.NoAckTimeout, e.cfg.DefaultTimeout)
	default:
		action = d.OnFinalReplyFailure(rpl, status)
		e.finalize(d)
	}

	e.applyTimer(d, action)
	e.persistIfRealtime(d)
	return nil
}

// OnReplyOut implements spec.md §6 on_reply_out: a last-chance state
// refresh as a reply leaves the proxy, acting as a safety net that
// re-applies finalization for a dialog OnReply already drove terminal —
// idempotent, since finalize/Unlink no-op on a dialog already removed.
func (e *DialogEngine) OnReplyOut(rpl *sip.Response) {
	callIDHdr, ok := rpl.CallID()
	if !ok {
		return
	}
	callID := string(*callIDHdr)

	fromHdr, _ := rpl.From()
	toHdr, _ := rpl.To()
	var fromTag, toTag string
	if fromHdr != nil {
		fromTag = headerTag(fromHdr.Params)
	}
	if toHdr != nil {
		toTag = headerTag(toHdr.Params)
	}

	d, _, found := e.table.LookupByTags(callID, fromTag, toTag)
	if !found {
		return
	}
	e.finalize(d)
}
