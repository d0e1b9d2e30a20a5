// Package persistence defines the dialog-core's interface-first storage
// abstraction, grounded on the signaling service's store package: define
// the interface here, swap the implementation (in-memory for development
// and tests, a real driver for production) without touching callers.
package persistence

import (
	"context"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

// LegRecord is the portable on-wire form of dialog.LegInfo.
type LegRecord struct {
	Tag      string   `json:"tag"`
	Contact  string   `json:"contact,omitempty"`
	CSeq     string   `json:"cseq,omitempty"`
	RouteSet []string `json:"route_set,omitempty"`
	Socket   string   `json:"socket,omitempty"`
}

// Record is the persisted state layout of spec.md §6: every field needed
// to reconstruct a dialog.Dialog after a restart, independent of the
// in-memory representation.
type Record struct {
	CallID  string `json:"call_id"`
	FromURI string `json:"from_uri"`
	ToURI   string `json:"to_uri"`
	ReqURI  string `json:"req_uri"`

	HashEntry uint32 `json:"hash_entry"`
	HashID    uint64 `json:"hash_id"`

	Caller LegRecord `json:"caller"`
	Callee LegRecord `json:"callee"`

	State     string `json:"state"`
	EndReason string `json:"end_reason,omitempty"`

	InitTS  time.Time `json:"init_ts"`
	StartTS time.Time `json:"start_ts,omitempty"`
	EndTS   time.Time `json:"end_ts,omitempty"`

	Deadline time.Time     `json:"deadline,omitempty"`
	Lifetime time.Duration `json:"lifetime"`

	DFlags uint32 `json:"dflags"`
	SFlags uint32 `json:"sflags"`
	IFlags uint32 `json:"iflags"`

	Vars map[string]string `json:"vars,omitempty"`

	Profiles []ProfileRecord `json:"profiles,omitempty"`
}

// ProfileRecord is one persisted profile membership.
type ProfileRecord struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// ToRecord snapshots d into its portable persisted form. d's own lock is
// held only for the duration of each accessor call, not across the whole
// snapshot, matching the "no long critical sections" rule of spec.md §5.
func ToRecord(d *dialog.Dialog) Record {
	init, start, end := d.Timestamps()
	deadline, lifetime := d.Deadline()
	caller := d.Leg(dialog.LegCaller)
	callee := d.Leg(dialog.LegCallee)

	keys := d.ProfileKeys()
	profiles := make([]ProfileRecord, len(keys))
	for i, k := range keys {
		profiles[i] = ProfileRecord{Name: k.Name, Value: k.Value}
	}

	return Record{
		CallID:    d.CallID,
		FromURI:   d.FromURI,
		ToURI:     d.ToURI,
		ReqURI:    d.ReqURI,
		HashEntry: d.IUID.HashEntry,
		HashID:    d.IUID.HashID,
		Caller: LegRecord{
			Tag: caller.Tag, Contact: caller.Contact, CSeq: caller.CSeq,
			RouteSet: caller.RouteSet, Socket: caller.Socket,
		},
		Callee: LegRecord{
			Tag: callee.Tag, Contact: callee.Contact, CSeq: callee.CSeq,
			RouteSet: callee.RouteSet, Socket: callee.Socket,
		},
		State:     d.State().String(),
		EndReason: d.EndReason().String(),
		InitTS:    init,
		StartTS:   start,
		EndTS:     end,
		Deadline:  deadline,
		Lifetime:  lifetime,
		DFlags:    d.DFlags(),
		SFlags:    d.SFlags(),
		IFlags:    d.IFlags(),
		Vars:      d.Vars().All(),
		Profiles:  profiles,
	}
}

// Driver is the persistence collaborator of spec.md §4.F: load every
// record at startup, then store/update/remove as dialogs change, per the
// configured db-mode cadence.
type Driver interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Store(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	Remove(ctx context.Context, callID string) error
	Close() error
}
