package table

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebas/dialogcore/internal/dialog"
)

func newDialog(callID, fromTag string) *dialog.Dialog {
	return dialog.New(callID, "sip:a@x", "sip:b@x", "sip:b@x", fromTag, 30*time.Second)
}

func TestInsertAssignsIncreasingHashID(t *testing.T) {
	tb := New(Config{NShards: 4, IDStart: 100, IDStep: 5})

	d1 := newDialog("call-1", "tag-1")
	d2 := newDialog("call-1", "tag-2")
	// Reusing the Call-ID puts both dialogs in the same shard, so their
	// hash-ids are consecutive steps from IDStart.
	tb.Insert(d1)
	tb.Insert(d2)

	if d1.IUID.HashID < 100 {
		t.Errorf("d1.IUID.HashID = %d, want >= 100", d1.IUID.HashID)
	}
	if d2.IUID.HashID != d1.IUID.HashID+5 {
		t.Errorf("d2.IUID.HashID = %d, want %d", d2.IUID.HashID, d1.IUID.HashID+5)
	}
}

func TestLookupByIUID(t *testing.T) {
	tb := New(Config{NShards: 8, IDStart: 0, IDStep: 1})
	d := newDialog("call-42", "tag-42")
	tb.Insert(d)

	got, ok := tb.LookupByIUID(d.IUID)
	if !ok || got != d {
		t.Fatalf("LookupByIUID(%v) = %v, %v, want original dialog, true", d.IUID, got, ok)
	}

	_, ok = tb.LookupByIUID(dialog.IUID{HashEntry: d.IUID.HashEntry, HashID: d.IUID.HashID + 999})
	if ok {
		t.Error("LookupByIUID should miss for an unassigned hash-id")
	}
}

func TestLookupByTagsOrderInsensitive(t *testing.T) {
	tb := New(Config{NShards: 8})
	d := newDialog("call-99", "caller-tag")
	d.SetLegTag(dialog.LegCallee, "callee-tag")
	tb.Insert(d)

	got, dir, ok := tb.LookupByTags("call-99", "caller-tag", "callee-tag")
	if !ok || got != d || dir != DirUpstream {
		t.Fatalf("forward lookup = %v, %v, %v, want dialog, DirUpstream, true", got, dir, ok)
	}

	got, dir, ok = tb.LookupByTags("call-99", "callee-tag", "caller-tag")
	if !ok || got != d || dir != DirDownstream {
		t.Fatalf("reversed lookup = %v, %v, %v, want dialog, DirDownstream, true", got, dir, ok)
	}
}

func TestUnlinkRemovesFromBothIndexes(t *testing.T) {
	tb := New(Config{NShards: 4})
	d := newDialog("call-7", "tag-7")
	tb.Insert(d)

	if !tb.Unlink(d) {
		t.Fatal("Unlink should succeed for a linked dialog")
	}
	if tb.Unlink(d) {
		t.Error("Unlink should be a no-op the second time")
	}
	if _, ok := tb.LookupByIUID(d.IUID); ok {
		t.Error("LookupByIUID should miss after Unlink")
	}
	if _, _, ok := tb.LookupByTags("call-7", "tag-7", ""); ok {
		t.Error("LookupByTags should miss after Unlink")
	}
}

func TestForEachVisitsEveryDialog(t *testing.T) {
	tb := New(Config{NShards: 4})
	for i := 0; i < 20; i++ {
		tb.Insert(newDialog(fmt.Sprintf("call-%d", i), "tag"))
	}

	seen := 0
	tb.ForEach(func(d *dialog.Dialog) { seen++ })
	if seen != 20 {
		t.Errorf("ForEach visited %d dialogs, want 20", seen)
	}
}

func TestNShardsRoundsToPowerOfTwo(t *testing.T) {
	tb := New(Config{NShards: 5})
	if got := tb.NShards(); got != 8 {
		t.Errorf("NShards() = %d, want 8", got)
	}

	tb = New(Config{NShards: 1})
	if got := tb.NShards(); got != 1 {
		t.Errorf("NShards() = %d, want 1 (degenerate single shard)", got)
	}
}

func TestConcurrentInsertAndLookup(t *testing.T) {
	tb := New(Config{NShards: 16, IDStep: 1})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := newDialog(fmt.Sprintf("concurrent-%d", i), "tag")
			tb.Insert(d)
			if _, ok := tb.LookupByIUID(d.IUID); !ok {
				t.Errorf("LookupByIUID missed just-inserted dialog %d", i)
			}
		}(i)
	}
	wg.Wait()

	st := tb.Stats()
	if st.TotalCount != 100 {
		t.Errorf("Stats().TotalCount = %d, want 100", st.TotalCount)
	}
}
