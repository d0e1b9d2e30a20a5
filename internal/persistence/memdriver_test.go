package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

func TestToRecordRoundTripFields(t *testing.T) {
	d := dialog.New("call-rt", "sip:a@x", "sip:b@x", "sip:b@x", "from-tag", 30*time.Second)
	d.Vars().Set("k", "v")
	d.LinkProfile(dialog.ProfileKey{Name: "p", Value: "v1"})

	r := ToRecord(d)
	if r.CallID != "call-rt" {
		t.Errorf("CallID = %q, want call-rt", r.CallID)
	}
	if r.Caller.Tag != "from-tag" {
		t.Errorf("Caller.Tag = %q, want from-tag", r.Caller.Tag)
	}
	if r.Vars["k"] != "v" {
		t.Errorf("Vars[k] = %q, want v", r.Vars["k"])
	}
	if len(r.Profiles) != 1 || r.Profiles[0].Name != "p" || r.Profiles[0].Value != "v1" {
		t.Errorf("Profiles = %+v, want [{p v1}]", r.Profiles)
	}
}

func TestMemDriverStoreLoadRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemDriver()

	r := Record{CallID: "call-1", State: "confirmed"}
	if err := m.Store(ctx, r); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := m.LoadAll(ctx)
	if err != nil || len(loaded) != 1 {
		t.Fatalf("LoadAll() = %v, %v, want 1 record", loaded, err)
	}

	if err := m.Remove(ctx, "call-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", m.Len())
	}
}
