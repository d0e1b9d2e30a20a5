// Package profile implements the Profile Index of spec.md §4.D: named
// dialog groupings declared at startup, either a plain set of dialogs
// ("no-value") or a multiset keyed by a string value ("with-value").
//
// This package imports dialog one-directionally: it mutates a dialog's
// profile-membership mirror through dialog's exported Link/UnlinkProfile
// methods so dialog itself never needs to import profile, keeping the
// dependency order of spec.md §2 acyclic.
package profile

import (
	"sync"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

// Kind distinguishes a plain membership set from a value-keyed multiset.
type Kind int

const (
	// NoValue profiles are a set of member dialogs.
	NoValue Kind = iota
	// WithValue profiles are a multiset keyed by a string value; the same
	// dialog may appear under more than one value.
	WithValue
)

type bucketEntry struct {
	d     *dialog.Dialog
	value string
}

// Profile is one named bucket of spec.md §4.D.
type Profile struct {
	Name string
	Kind Kind

	mu      sync.Mutex
	entries map[*dialog.Dialog]map[string]struct{} // dialog -> set of values (single "" value for NoValue)
}

func newProfile(name string, kind Kind) *Profile {
	return &Profile{
		Name:    name,
		Kind:    kind,
		entries: make(map[*dialog.Dialog]map[string]struct{}),
	}
}

func (p *Profile) key(value string) dialog.ProfileKey {
	if p.Kind == NoValue {
		value = ""
	}
	return dialog.ProfileKey{Name: p.Name, Value: value}
}

// Set adds d to the profile under value (ignored for NoValue profiles).
// Re-adding an existing (dialog, value) pair is a no-op, matching the
// set-membership semantics of spec.md §4.D "set" for no-value profiles;
// for with-value profiles the same dialog may hold distinct values
// simultaneously, each tracked as a separate membership.
func (p *Profile) Set(d *dialog.Dialog, value string) {
	if p.Kind == NoValue {
		value = ""
	}
	p.mu.Lock()
	vals, ok := p.entries[d]
	if !ok {
		vals = make(map[string]struct{})
		p.entries[d] = vals
	}
	vals[value] = struct{}{}
	p.mu.Unlock()

	d.LinkProfile(p.key(value))
}

// Unset removes d's membership at value from the profile.
func (p *Profile) Unset(d *dialog.Dialog, value string) {
	if p.Kind == NoValue {
		value = ""
	}
	p.mu.Lock()
	if vals, ok := p.entries[d]; ok {
		delete(vals, value)
		if len(vals) == 0 {
			delete(p.entries, d)
		}
	}
	p.mu.Unlock()

	d.UnlinkProfile(p.key(value))
}

// UnsetAll removes every membership d holds in this profile, called when a
// dialog is deleted from the table (spec.md §3 invariant 5).
func (p *Profile) UnsetAll(d *dialog.Dialog) {
	p.mu.Lock()
	vals, ok := p.entries[d]
	if ok {
		delete(p.entries, d)
	}
	p.mu.Unlock()

	for v := range vals {
		d.UnlinkProfile(p.key(v))
	}
}

// IsIn is the O(1) membership check of spec.md §4.D is_in, answered from
// the dialog's own profile-links mirror rather than this profile's bucket.
func (p *Profile) IsIn(d *dialog.Dialog, value string) bool {
	return d.HasProfile(p.key(value))
}

// Size returns the membership count for value, or the total distinct
// dialog count if value is empty (spec.md §4.D size).
func (p *Profile) Size(value string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if value == "" {
		return len(p.entries)
	}
	n := 0
	for _, vals := range p.entries {
		if _, ok := vals[value]; ok {
			n++
		}
	}
	return n
}

// ForEach iterates every (dialog, value) membership under the profile lock
// (spec.md §4.D for_each). f must not call back into the profile.
func (p *Profile) ForEach(f func(d *dialog.Dialog, value string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for d, vals := range p.entries {
		for v := range vals {
			f(d, v)
		}
	}
}

// remoteEntry is one expiring, non-local-dialog membership of a RemoteProfile.
type remoteEntry struct {
	value  string
	expiry time.Time
}

// RemoteProfile is the remote-profile variant of spec.md §4.D: entries are
// not tied to a local dialog and carry an explicit expiry, swept
// periodically by the maintenance loop rather than tracked via a dialog
// mirror.
type RemoteProfile struct {
	Name string

	mu      sync.Mutex
	entries map[string][]remoteEntry // key -> values with expiry
}

// NewRemoteProfile constructs an empty remote profile.
func NewRemoteProfile(name string) *RemoteProfile {
	return &RemoteProfile{Name: name, entries: make(map[string][]remoteEntry)}
}

// Set records key=value with the given absolute expiry, replacing any
// prior entry for the same (key, value) pair.
func (rp *RemoteProfile) Set(key, value string, expiry time.Time) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	list := rp.entries[key]
	for i, e := range list {
		if e.value == value {
			list[i].expiry = expiry
			return
		}
	}
	rp.entries[key] = append(list, remoteEntry{value: value, expiry: expiry})
}

// IsIn reports whether key=value is currently present and unexpired.
func (rp *RemoteProfile) IsIn(key, value string, now time.Time) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	for _, e := range rp.entries[key] {
		if e.value == value && e.expiry.After(now) {
			return true
		}
	}
	return false
}

// Sweep removes every entry whose expiry is <= now, returning the count
// removed, for the maintenance loop's periodic remote-profile cleanup.
func (rp *RemoteProfile) Sweep(now time.Time) int {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	removed := 0
	for key, list := range rp.entries {
		kept := list[:0]
		for _, e := range list {
			if e.expiry.After(now) {
				kept = append(kept, e)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(rp.entries, key)
		} else {
			rp.entries[key] = kept
		}
	}
	return removed
}

// Index is the registry of named profiles declared at startup (spec.md
// §4.D "declared at startup"), the handle the engine hands to request
// processing to look up a profile by name.
type Index struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	remote   map[string]*RemoteProfile
}

// NewIndex constructs an empty profile index.
func NewIndex() *Index {
	return &Index{
		profiles: make(map[string]*Profile),
		remote:   make(map[string]*RemoteProfile),
	}
}

// Declare registers a new local profile, per spec.md §4.D "declared at
// startup". Re-declaring an existing name returns the already-registered
// profile unchanged.
func (idx *Index) Declare(name string, kind Kind) *Profile {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if p, ok := idx.profiles[name]; ok {
		return p
	}
	p := newProfile(name, kind)
	idx.profiles[name] = p
	return p
}

// DeclareRemote registers a new remote profile.
func (idx *Index) DeclareRemote(name string) *RemoteProfile {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if rp, ok := idx.remote[name]; ok {
		return rp
	}
	rp := NewRemoteProfile(name)
	idx.remote[name] = rp
	return rp
}

// Get returns the named local profile, if declared.
func (idx *Index) Get(name string) (*Profile, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	p, ok := idx.profiles[name]
	return p, ok
}

// GetRemote returns the named remote profile, if declared.
func (idx *Index) GetRemote(name string) (*RemoteProfile, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rp, ok := idx.remote[name]
	return rp, ok
}

// UnlinkDialog removes d's membership from every declared local profile,
// called when a dialog transitions to Deleted and is removed from the
// table.
func (idx *Index) UnlinkDialog(d *dialog.Dialog) {
	idx.mu.RLock()
	profiles := make([]*Profile, 0, len(idx.profiles))
	for _, p := range idx.profiles {
		profiles = append(profiles, p)
	}
	idx.mu.RUnlock()

	for _, p := range profiles {
		p.UnsetAll(d)
	}
}

// SweepRemote sweeps every declared remote profile, returning the total
// entries removed, for the maintenance loop.
func (idx *Index) SweepRemote(now time.Time) int {
	idx.mu.RLock()
	remotes := make([]*RemoteProfile, 0, len(idx.remote))
	for _, rp := range idx.remote {
		remotes = append(remotes, rp)
	}
	idx.mu.RUnlock()

	total := 0
	for _, rp := range remotes {
		total += rp.Sweep(now)
	}
	return total
}
