package buffer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

func openTestBuffer(t *testing.T, capacity int) *Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	b, err := OpenWithCapacity(path, capacity, zerolog.Nop())
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func testEvent(id string) protocol.BufferedEvent {
	return protocol.BufferedEvent{
		ID:        id,
		Type:      "heartbeat",
		Message:   "queued " + id,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendNextAck(t *testing.T) {
	b := openTestBuffer(t, 100)

	var lastSeq uint64
	for _, id := range []string{"a", "b", "c", "d"} {
		seq, err := b.Append(testEvent(id))
		if err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
		if seq <= lastSeq {
			t.Fatalf("sequence not monotonic: %d after %d", seq, lastSeq)
		}
		lastSeq = seq
	}

	got, err := b.Next(2)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected oldest two events [a b], got %+v", got)
	}
	// Next must not consume.
	again, err := b.Next(2)
	if err != nil {
		t.Fatalf("next again: %v", err)
	}
	if len(again) != 2 || again[0].Seq != got[0].Seq {
		t.Fatalf("next consumed events: %+v", again)
	}

	n, err := b.Ack(got[1].Seq)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 acked, got %d", n)
	}

	rest, err := b.Next(10)
	if err != nil {
		t.Fatalf("next after ack: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != "c" {
		t.Fatalf("expected [c d] after ack, got %+v", rest)
	}
	if l, _ := b.Len(); l != 2 {
		t.Fatalf("expected len 2, got %d", l)
	}
}

func TestCapacityDropsOldest(t *testing.T) {
	b := openTestBuffer(t, 5)

	ids := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	for _, id := range ids {
		if _, err := b.Append(testEvent(id)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	if l, _ := b.Len(); l != 5 {
		t.Fatalf("expected buffer capped at 5, got %d", l)
	}
	got, err := b.Next(10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got[0].ID != "e3" || got[len(got)-1].ID != "e7" {
		t.Fatalf("expected oldest two dropped, got %s..%s", got[0].ID, got[len(got)-1].ID)
	}
}

func TestReopenKeepsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	b, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seq, err := b.Append(testEvent("persisted"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b2, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()

	got, err := b2.Next(1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(got) != 1 || got[0].ID != "persisted" || got[0].Seq != seq {
		t.Fatalf("event lost across reopen: %+v", got)
	}

	// Sequence numbering continues where it left off.
	seq2, err := b2.Append(testEvent("later"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq2 <= seq {
		t.Fatalf("sequence restarted: %d after %d", seq2, seq)
	}
}

func TestOpenRecoversFromCorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	if err := os.WriteFile(path, []byte("this is not a bolt database"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	b, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open should recover from a corrupt store: %v", err)
	}
	defer b.Close()

	if l, _ := b.Len(); l != 0 {
		t.Fatalf("fresh store should be empty, got %d", l)
	}
	if _, err := b.Append(testEvent("after-recovery")); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("corrupt store should be kept aside: %v", err)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	b := openTestBuffer(t, 10)

	seq, err := b.Append(testEvent("only"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if n, err := b.Ack(seq); err != nil || n != 1 {
		t.Fatalf("first ack: n=%d err=%v", n, err)
	}
	if n, err := b.Ack(seq); err != nil || n != 0 {
		t.Fatalf("second ack should be a no-op: n=%d err=%v", n, err)
	}
	if n, err := b.Ack(seq + 100); err != nil || n != 0 {
		t.Fatalf("ack past end should be a no-op: n=%d err=%v", n, err)
	}
	if l, _ := b.Len(); l != 0 {
		t.Fatalf("expected empty buffer, got %d", l)
	}
}
