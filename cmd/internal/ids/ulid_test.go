package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID_ParsesAndOrders(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID error: %v", err)
		}
		if len(id) != ulid.EncodedSize {
			t.Fatalf("len=%d want=%d", len(id), ulid.EncodedSize)
		}
		parsed, err := ulid.ParseStrict(id)
		if err != nil {
			t.Fatalf("ParseStrict(%q): %v", id, err)
		}
		if got := ulid.Time(parsed.Time()); !got.Equal(now) {
			t.Fatalf("timestamp=%v want=%v", got, now)
		}
		if id <= prev {
			t.Fatalf("ids not monotonic: %q <= %q", id, prev)
		}
		prev = id
	}
}

func TestNewULID_ZeroTimeUsesNow(t *testing.T) {
	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID error: %v", err)
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		t.Fatalf("ParseStrict: %v", err)
	}
	if d := time.Since(ulid.Time(parsed.Time())); d < 0 || d > time.Minute {
		t.Fatalf("unexpected timestamp skew: %v", d)
	}
}
