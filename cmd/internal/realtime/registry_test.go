package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_InsertRemoveSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := NewSession("01A", "", 8, nil)
	b := NewSession("01B", "", 8, nil)

	if !r.Insert(a) || !r.Insert(b) {
		t.Fatalf("expected inserts to succeed")
	}
	if r.Insert(a) {
		t.Fatalf("duplicate insert must be rejected")
	}
	if r.Len() != 2 {
		t.Fatalf("Len=%d want=2", r.Len())
	}

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != a || snap[1] != b {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	if _, ok := r.Remove("01A"); !ok {
		t.Fatalf("expected remove to find 01A")
	}
	if _, ok := r.Remove("01A"); ok {
		t.Fatalf("second remove must be a no-op")
	}
	if _, ok := r.Remove("missing"); ok {
		t.Fatalf("remove of absent id must be a no-op")
	}

	// The earlier snapshot is unaffected by later mutation.
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated: %v", snap)
	}
	if got := r.Snapshot(); len(got) != 1 || got[0] != b {
		t.Fatalf("unexpected snapshot after remove: %v", got)
	}
}

func TestRegistry_UsernamesAllowsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for i, name := range []string{"alice", "alice", "bob"} {
		s := NewSession(fmt.Sprintf("01%c", 'A'+i), "", 8, nil)
		if !s.register(name) {
			t.Fatalf("register %q failed", name)
		}
		r.Insert(s)
	}

	got := r.Usernames()
	want := []string{"alice", "alice", "bob"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Usernames=%v want=%v", got, want)
	}
}

func TestRegistry_ConcurrentMutationAndSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("%02d-%04d", w, i)
				r.Insert(NewSession(id, "", 8, nil))
				_ = r.Snapshot()
				r.Remove(id)
			}
		}(w)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("Len=%d want=0", r.Len())
	}
}
