// Package maintenance implements the Maintenance Loops of spec.md §4.F:
// three periodic timer workers (main dialog timer, keepalive, cleanup) plus
// an optional persistence-driver flush loop, grounded on
// services/signaling/store.TTLStore's ticker + stop-channel cleanup loop
// shape (collect expired/eligible entries under lock, act outside it).
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/dialogcore/internal/config"
	"github.com/sebas/dialogcore/internal/dialog"
	"github.com/sebas/dialogcore/internal/persistence"
	"github.com/sebas/dialogcore/internal/profile"
	"github.com/sebas/dialogcore/internal/table"
	"github.com/sebas/dialogcore/internal/timer"
	"github.com/sebas/dialogcore/internal/transaction"
)

// Config bundles the maintenance loops' periods and thresholds, sourced
// from config.Config by the caller that wires DialogEngine together.
type Config struct {
	MainTick           time.Duration
	KeepaliveInterval  time.Duration // 0 disables the keepalive loop
	KeepaliveFailedLim int
	CleanupInterval    time.Duration
	EarlyTimeout       time.Duration

	DBMode         config.DBMode
	DBUpdatePeriod time.Duration
}

// Loops owns the three (or four) background goroutines driving dialog
// lifecycle progression that isn't triggered by an incoming SIP message.
type Loops struct {
	cfg Config

	table   *table.Table
	ring    *timer.Ring[dialog.IUID]
	engine  transaction.Engine
	profile *profile.Index
	driver  persistence.Driver

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs a Loops bound to the shared components it drives. driver
// may be nil, which disables persistence entirely. Lifecycle event
// publishing is not this package's concern: each dialog's own callback
// registry (wired at creation in internal/engine) delivers EventExpired
// to the configured Publisher once OnTimeout/OnKeepaliveFailureLimit fire.
func New(cfg Config, t *table.Table, ring *timer.Ring[dialog.IUID], engine transaction.Engine, profiles *profile.Index, driver persistence.Driver) *Loops {
	return &Loops{
		cfg:     cfg,
		table:   t,
		ring:    ring,
		engine:  engine,
		profile: profiles,
		driver:  driver,
		stopCh:  make(chan struct{}),
	}
}

// Start launches every configured loop as a background goroutine.
func (l *Loops) Start() {
	l.wg.Add(1)
	go l.mainTimerLoop()

	if l.cfg.KeepaliveInterval > 0 {
		l.wg.Add(1)
		go l.keepaliveLoop()
	}

	if l.cfg.CleanupInterval > 0 {
		l.wg.Add(1)
		go l.cleanupLoop()
	}

	if l.driver != nil && l.cfg.DBMode == config.DBModeDelayed && l.cfg.DBUpdatePeriod > 0 {
		l.wg.Add(1)
		go l.dbFlushLoop()
	}
}

// Stop signals every loop to exit and waits for them to return.
func (l *Loops) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// mainTimerLoop implements spec.md §4.F #1: once per MainTick, extract
// every expired IUID from the ring and apply the timeout transition.
func (l *Loops) mainTimerLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.MainTick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.processExpired(now)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loops) processExpired(now time.Time) {
	for _, id := range l.ring.ExtractExpired(now) {
		d, ok := l.table.LookupByIUID(id)
		if !ok {
			continue
		}
		d.OnTimeout()
		l.finalizeIfTerminal(d)
	}
}

// keepaliveLoop implements spec.md §4.F #2: scan the table and send an
// OPTIONS toward each eligible confirmed dialog's legs.
func (l *Loops) keepaliveLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sendKeepalives()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loops) sendKeepalives() {
	var eligible []*dialog.Dialog
	l.table.ForEach(func(d *dialog.Dialog) {
		if d.State() == dialog.Confirmed && d.HasIFlag(dialog.IFlagKeepaliveSrc|dialog.IFlagKeepaliveDst) {
			eligible = append(eligible, d)
		}
	})

	for _, d := range eligible {
		l.sendKeepaliveTo(d, dialog.LegCaller, dialog.IFlagKeepaliveSrc)
		l.sendKeepaliveTo(d, dialog.LegCallee, dialog.IFlagKeepaliveDst)
	}
}

func (l *Loops) sendKeepaliveTo(d *dialog.Dialog, leg dialog.Leg, required uint32) {
	if !d.HasIFlag(required) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transaction.DefaultRequestTimeout)
	replies, err := l.engine.SendKeepalive(ctx, d, leg)
	if err != nil {
		cancel()
		l.onKeepaliveFailure(d, leg)
		return
	}

	go func() {
		defer cancel()
		ev, ok := <-replies
		if !ok || ev.Err != nil || ev.Status >= 400 {
			l.onKeepaliveFailure(d, leg)
			return
		}
		d.NoteKeepaliveSuccess()
	}()
}

func (l *Loops) onKeepaliveFailure(d *dialog.Dialog, leg dialog.Leg) {
	failures := d.NoteKeepaliveFailure()
	if failures < l.cfg.KeepaliveFailedLim {
		return
	}
	d.OnKeepaliveFailureLimit(leg)
	l.finalizeIfTerminal(d)
}

// cleanupLoop implements spec.md §4.F #3: purge early/unconfirmed dialogs
// that outlived their early-timeout and sweep expired remote-profile
// entries. The ordinary unconfirmed->confirmed->deleted path is already
// driven by the ring via mainTimerLoop; this loop is a backstop against
// dialogs whose ring entry was lost (e.g. a ring/table desync bug) and
// against remote-profile staleness, which the ring does not track at all.
func (l *Loops) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweepStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loops) sweepStale() {
	now := time.Now()
	var stale []*dialog.Dialog

	l.table.ForEach(func(d *dialog.Dialog) {
		state := d.State()
		if state == dialog.Unconfirmed || state == dialog.Early {
			init, _, _ := d.Timestamps()
			if now.Sub(init) > l.cfg.EarlyTimeout {
				stale = append(stale, d)
			}
		}
	})

	for _, d := range stale {
		d.OnTimeout()
		l.finalizeIfTerminal(d)
	}

	if l.profile != nil {
		if swept := l.profile.SweepRemote(now); swept > 0 {
			slog.Debug("[maintenance] swept expired remote-profile entries", "count", swept)
		}
	}
}

// finalizeIfTerminal unlinks a now-Deleted dialog from the table and every
// profile it belonged to, releasing the table's reference on it.
func (l *Loops) finalizeIfTerminal(d *dialog.Dialog) {
	if !d.State().IsTerminal() {
		return
	}
	if l.profile != nil {
		l.profile.UnlinkDialog(d)
	}
	if l.table.Unlink(d) {
		d.Unref()
	}
	if l.driver != nil && l.cfg.DBMode != config.DBModeNone {
		rec := persistence.ToRecord(d)
		if err := l.driver.Remove(context.Background(), rec.CallID); err != nil {
			slog.Warn("[maintenance] persistence remove failed", "call_id", rec.CallID, "error", err)
		}
	}
}

// dbFlushLoop implements the delayed db-mode of spec.md §4.F: periodically
// write back every dirty dialog.
func (l *Loops) dbFlushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.DBUpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flushDirty()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Loops) flushDirty() {
	var dirty []*dialog.Dialog
	l.table.ForEach(func(d *dialog.Dialog) {
		if d.DFlags() != 0 {
			dirty = append(dirty, d)
		}
	})

	ctx := context.Background()
	for _, d := range dirty {
		rec := persistence.ToRecord(d)
		if err := l.driver.Update(ctx, rec); err != nil {
			slog.Warn("[maintenance] persistence update failed", "call_id", rec.CallID, "error", err)
			continue
		}
		d.MarkPersisted()
	}
}

// FlushAll writes every in-memory dialog to the driver regardless of dirty
// state, used for db-mode=shutdown's single dump on process exit.
func (l *Loops) FlushAll(ctx context.Context) error {
	if l.driver == nil {
		return nil
	}
	var firstErr error
	l.table.ForEach(func(d *dialog.Dialog) {
		rec := persistence.ToRecord(d)
		if err := l.driver.Store(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
