package profile

import (
	"testing"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

func newDialog(callID string) *dialog.Dialog {
	return dialog.New(callID, "sip:a@x", "sip:b@x", "sip:b@x", "tag", 30*time.Second)
}

func TestNoValueProfileSetUnset(t *testing.T) {
	idx := NewIndex()
	p := idx.Declare("inbound", NoValue)
	d := newDialog("call-1")

	if p.IsIn(d, "") {
		t.Fatal("dialog should not start as a member")
	}
	p.Set(d, "")
	if !p.IsIn(d, "") {
		t.Error("dialog should be a member after Set")
	}
	if got := p.Size(""); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}

	p.Unset(d, "")
	if p.IsIn(d, "") {
		t.Error("dialog should not be a member after Unset")
	}
}

func TestWithValueProfileMultipleValuesSameDialog(t *testing.T) {
	idx := NewIndex()
	p := idx.Declare("trunks", WithValue)
	d := newDialog("call-2")

	p.Set(d, "trunk-a")
	p.Set(d, "trunk-b")

	if !p.IsIn(d, "trunk-a") || !p.IsIn(d, "trunk-b") {
		t.Fatal("dialog should be a member under both values")
	}
	if got := p.Size(""); got != 1 {
		t.Errorf("Size() total distinct dialogs = %d, want 1", got)
	}
	if got := p.Size("trunk-a"); got != 1 {
		t.Errorf("Size(trunk-a) = %d, want 1", got)
	}
}

func TestWithValueProfileSizePerValue(t *testing.T) {
	idx := NewIndex()
	p := idx.Declare("trunks", WithValue)

	d1 := newDialog("call-3")
	d2 := newDialog("call-4")
	p.Set(d1, "trunk-a")
	p.Set(d2, "trunk-a")
	p.Set(d2, "trunk-b")

	if got := p.Size("trunk-a"); got != 2 {
		t.Errorf("Size(trunk-a) = %d, want 2", got)
	}
	if got := p.Size("trunk-b"); got != 1 {
		t.Errorf("Size(trunk-b) = %d, want 1", got)
	}
}

func TestUnsetAllRemovesEveryValue(t *testing.T) {
	idx := NewIndex()
	p := idx.Declare("trunks", WithValue)
	d := newDialog("call-5")
	p.Set(d, "a")
	p.Set(d, "b")

	p.UnsetAll(d)

	if p.IsIn(d, "a") || p.IsIn(d, "b") {
		t.Error("dialog should have no remaining memberships after UnsetAll")
	}
	if got := p.Size(""); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
}

func TestForEachVisitsEveryMembership(t *testing.T) {
	idx := NewIndex()
	p := idx.Declare("trunks", WithValue)
	d1 := newDialog("call-6")
	d2 := newDialog("call-7")
	p.Set(d1, "a")
	p.Set(d2, "b")

	seen := 0
	p.ForEach(func(d *dialog.Dialog, value string) { seen++ })
	if seen != 2 {
		t.Errorf("ForEach visited %d entries, want 2", seen)
	}
}

func TestIndexUnlinkDialogAcrossProfiles(t *testing.T) {
	idx := NewIndex()
	p1 := idx.Declare("p1", NoValue)
	p2 := idx.Declare("p2", NoValue)
	d := newDialog("call-8")
	p1.Set(d, "")
	p2.Set(d, "")

	idx.UnlinkDialog(d)

	if p1.IsIn(d, "") || p2.IsIn(d, "") {
		t.Error("dialog should be unlinked from all declared profiles")
	}
}

func TestRemoteProfileExpirySweep(t *testing.T) {
	rp := NewRemoteProfile("remote-1")
	now := time.Now()

	rp.Set("aor-1", "contact-1", now.Add(1*time.Second))
	rp.Set("aor-2", "contact-2", now.Add(1*time.Hour))

	if !rp.IsIn("aor-1", "contact-1", now) {
		t.Fatal("aor-1 should be present before expiry")
	}

	removed := rp.Sweep(now.Add(2 * time.Second))
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if rp.IsIn("aor-1", "contact-1", now.Add(2*time.Second)) {
		t.Error("aor-1 should be gone after sweep")
	}
	if !rp.IsIn("aor-2", "contact-2", now.Add(2*time.Second)) {
		t.Error("aor-2 should survive sweep")
	}
}

func TestDeclareIsIdempotent(t *testing.T) {
	idx := NewIndex()
	p1 := idx.Declare("dup", NoValue)
	p2 := idx.Declare("dup", WithValue) // kind change ignored, same instance
	if p1 != p2 {
		t.Error("re-declaring an existing profile name should return the same instance")
	}
}
