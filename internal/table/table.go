// Package table implements the Dialog Table of spec.md §4.A: a fixed-size
// array of shards, each with its own lock, owning the set of live dialogs
// and assigning each a shard-local monotonic IUID on insert.
//
// The reference design links dialogs into an intrusive doubly linked list
// per shard. Go has no borrow-checker-friendly way to embed such a list
// without unsafe pointer games, so each shard instead keeps a
// map[uint64]*dialog.Dialog for O(1) hash-id lookup plus a plain slice for
// the call-id/tag scan — the same locked-bucket semantics, expressed with
// container types idiomatic to Go rather than embedded links (documented
// as a substitution, not a functionality drop).
package table

import (
	"hash/maphash"
	"sync"

	"github.com/sebas/dialogcore/internal/dialog"
)

// shard is one entry of the table: a lock, the live dialogs it owns, and
// the next hash-id to assign.
type shard struct {
	mu     sync.Mutex
	byID   map[uint64]*dialog.Dialog
	all    []*dialog.Dialog // linear scan set for lookup-by-tags
	nextID uint64
}

// Table is the Dialog Table of spec.md §4.A. Construct with New.
type Table struct {
	shards  []*shard
	mask    uint64 // nShards-1, nShards is a power of two
	seed    maphash.Seed
	idStart uint64
	idStep  uint64
}

// Config controls shard count and the federation-distinguishing IUID
// sequence (spec.md §3 "Internal Unique Identity").
type Config struct {
	// NShards is rounded up to the next power of two, per spec.md §4.A.
	NShards int
	// IDStart is the first hash-id assigned in every shard.
	IDStart uint64
	// IDStep is the increment between successive hash-ids in a shard; a
	// federation of nodes assigns each a distinct (start, step) pair to
	// keep IUIDs globally distinct.
	IDStep uint64
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// New constructs a Table per cfg.
func New(cfg Config) *Table {
	n := nextPow2(cfg.NShards)
	step := cfg.IDStep
	if step == 0 {
		step = 1
	}
	t := &Table{
		shards:  make([]*shard, n),
		mask:    uint64(n - 1),
		seed:    maphash.MakeSeed(),
		idStart: cfg.IDStart,
		idStep:  step,
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			byID:   make(map[uint64]*dialog.Dialog),
			nextID: t.idStart,
		}
	}
	return t
}

// NShards returns the shard count (a power of two).
func (t *Table) NShards() int { return len(t.shards) }

// shardIndex computes hash(Call-ID) mod N_shards, the partitioning
// invariant of spec.md §9 "Key invariants" #1.
func (t *Table) shardIndex(callID string) uint32 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	_, _ = h.WriteString(callID)
	return uint32(h.Sum64() & t.mask)
}

// Insert assigns d an IUID and links it into its shard (spec.md §4.A
// insert). The caller must hold a reference to d before calling Insert if
// it intends to retain d beyond this call; Insert itself does not take a
// reference on the caller's behalf — callers typically Ref() immediately
// after a successful Insert, mirroring the "increments reference count to
// the number of symbolic holders" step of the source design.
func (t *Table) Insert(d *dialog.Dialog) {
	entry := t.shardIndex(d.CallID)
	s := t.shards[entry]

	s.mu.Lock()
	id := s.nextID
	s.nextID += t.idStep
	d.IUID = dialog.IUID{HashEntry: entry, HashID: id}
	s.byID[id] = d
	s.all = append(s.all, d)
	s.mu.Unlock()
}

// LookupByIUID finds a dialog by its internal identity (spec.md §4.A
// lookup-by-iuid). The returned dialog is not referenced by this call;
// callers needing to retain it across the shard lock boundary must Ref()
// it themselves before releasing any lock they hold.
func (t *Table) LookupByIUID(id dialog.IUID) (*dialog.Dialog, bool) {
	if int(id.HashEntry) >= len(t.shards) {
		return nil, false
	}
	s := t.shards[id.HashEntry]
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id.HashID]
	return d, ok
}

// Direction reports which leg of a matched dialog a from-tag corresponds
// to, per spec.md §4.A lookup-by-tags.
type Direction int

const (
	// DirUpstream: the matched tag was the dialog's caller (From) tag —
	// the message travels from the original caller's direction.
	DirUpstream Direction = iota
	// DirDownstream: the matched tag was the dialog's callee (To) tag.
	DirDownstream
)

// LookupByTags finds a dialog by Call-ID plus an order-insensitive match
// of the two tags against the dialog's caller/callee tags (spec.md §4.A
// lookup-by-tags: "a reply may arrive from either leg").
func (t *Table) LookupByTags(callID, fromTag, toTag string) (*dialog.Dialog, Direction, bool) {
	entry := t.shardIndex(callID)
	s := t.shards[entry]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.all {
		if d.CallID != callID {
			continue
		}
		caller := d.Leg(dialog.LegCaller).Tag
		callee := d.Leg(dialog.LegCallee).Tag

		switch {
		case fromTag == caller && (toTag == callee || toTag == "" || callee == ""):
			return d, DirUpstream, true
		case fromTag == callee && (toTag == caller || toTag == "" || caller == ""):
			return d, DirDownstream, true
		}
	}
	return nil, 0, false
}

// LookupByCallID finds the first dialog with the given Call-ID, ignoring
// tags. Used by the RPC control surface's by-Call-ID lookup, where a caller
// may not have both tags at hand.
func (t *Table) LookupByCallID(callID string) (*dialog.Dialog, bool) {
	entry := t.shardIndex(callID)
	s := t.shards[entry]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.all {
		if d.CallID == callID {
			return d, true
		}
	}
	return nil, false
}

// Unlink removes d from its shard (spec.md §4.A unlink). The caller is
// expected to Unref d afterward to trigger final release once the
// reference count reaches zero.
func (t *Table) Unlink(d *dialog.Dialog) bool {
	if int(d.IUID.HashEntry) >= len(t.shards) {
		return false
	}
	s := t.shards[d.IUID.HashEntry]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.IUID.HashID]; !ok {
		return false
	}
	delete(s.byID, d.IUID.HashID)
	for i, e := range s.all {
		if e == d {
			s.all = append(s.all[:i], s.all[i+1:]...)
			break
		}
	}
	return true
}

// ForEach walks every dialog in the table, shard by shard, holding each
// shard's lock only for the duration of that shard's iteration (spec.md
// §4.A for_each). f must not call back into the Table: re-entering would
// deadlock on the shard lock already held here.
func (t *Table) ForEach(f func(*dialog.Dialog)) {
	for _, s := range t.shards {
		s.mu.Lock()
		for _, d := range s.all {
			f(d)
		}
		s.mu.Unlock()
	}
}

// Stats reports per-shard population for RPC diagnostics.
type Stats struct {
	NShards    int
	TotalCount int
	MaxShard   int
	MinShard   int
}

// Stats computes current occupancy across all shards.
func (t *Table) Stats() Stats {
	st := Stats{NShards: len(t.shards)}
	for i, s := range t.shards {
		s.mu.Lock()
		n := len(s.all)
		s.mu.Unlock()
		st.TotalCount += n
		if i == 0 || n > st.MaxShard {
			st.MaxShard = n
		}
		if i == 0 || n < st.MinShard {
			st.MinShard = n
		}
	}
	return st
}
