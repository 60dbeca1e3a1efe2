package queue

import (
	"testing"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
	"github.com/vibeconnect/rendezvous/internal/protocol"
)

func newTestManager() (*Manager, clock.FakeClock) {
	fc := clock.NewFake()
	m := New(fc, 10, int64(300*time.Second), true)
	return m, fc
}

func TestAddToQueueAndMatch(t *testing.T) {
	m, _ := newTestManager()

	if res := m.AddToQueue("a", protocol.ModeText, 0); res != Admitted {
		t.Fatalf("expected Admitted, got %v", res)
	}
	if _, ok := m.MatchUsers(protocol.ModeText); ok {
		t.Fatalf("expected no match with one entry")
	}
	if res := m.AddToQueue("b", protocol.ModeText, 0); res != Admitted {
		t.Fatalf("expected Admitted, got %v", res)
	}

	match, ok := m.MatchUsers(protocol.ModeText)
	if !ok {
		t.Fatalf("expected a match")
	}
	if match.User1 != "a" || match.User2 != "b" {
		t.Fatalf("expected FIFO match a,b; got %s,%s", match.User1, match.User2)
	}
}

func TestAddToQueueRemovesPriorEntry(t *testing.T) {
	m, _ := newTestManager()
	m.AddToQueue("a", protocol.ModeText, 0)
	m.AddToQueue("a", protocol.ModeVideo, 0)

	if _, ok := m.IsInQueue("a"); !ok {
		t.Fatalf("expected a to be queued")
	}
	status, _ := m.IsInQueue("a")
	if status.Mode != protocol.ModeVideo {
		t.Fatalf("expected re-enqueue to move a to video, got %v", status.Mode)
	}

	if m.RemoveFromQueue("a") == false {
		t.Fatalf("expected removal to succeed")
	}
	if total := m.Total(); total != 0 {
		t.Fatalf("expected empty queue, got total=%d", total)
	}
}

func TestMatchUsersPriorityOrdering(t *testing.T) {
	m, _ := newTestManager()
	m.AddToQueue("norm1", protocol.ModeText, 0)
	m.AddToQueue("pri1", protocol.ModeText, 1)
	m.AddToQueue("pri2", protocol.ModeText, 1)
	m.AddToQueue("norm2", protocol.ModeText, 0)

	match, ok := m.MatchUsers(protocol.ModeText)
	if !ok {
		t.Fatalf("expected a match")
	}
	if match.User1 != "pri1" || match.User2 != "pri2" {
		t.Fatalf("expected two priority entries matched first, got %s,%s", match.User1, match.User2)
	}

	match2, ok := m.MatchUsers(protocol.ModeText)
	if !ok {
		t.Fatalf("expected a second match")
	}
	if match2.User1 != "norm1" || match2.User2 != "norm2" {
		t.Fatalf("expected remaining normal entries matched, got %s,%s", match2.User1, match2.User2)
	}
}

func TestAddToQueueRejectsWhenFull(t *testing.T) {
	fc := clock.NewFake()
	m := New(fc, 1, int64(300*time.Second), false)
	if res := m.AddToQueue("a", protocol.ModeText, 0); res != Admitted {
		t.Fatalf("expected first entry admitted")
	}
	if res := m.AddToQueue("b", protocol.ModeText, 0); res != RejectedFull {
		t.Fatalf("expected second entry rejected, got %v", res)
	}
}

func TestSweepEvictsTimedOutEntries(t *testing.T) {
	fc := clock.NewFake()
	m := New(fc, 10, int64(5*time.Second), false)
	m.AddToQueue("a", protocol.ModeText, 0)

	fc.Advance(10 * time.Second)

	evicted := m.Sweep()
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := m.IsInQueue("a"); ok {
		t.Fatalf("expected a to be evicted from the queue")
	}
	if m.TimeoutCount() != 1 {
		t.Fatalf("expected timeout counter 1, got %d", m.TimeoutCount())
	}
}

func TestRemoveFromQueueUnknownUser(t *testing.T) {
	m, _ := newTestManager()
	if m.RemoveFromQueue("ghost") {
		t.Fatalf("expected removal of unknown user to report false")
	}
}
