package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCall struct {
	ended atomic.Int32
}

func (c *fakeCall) End() { c.ended.Add(1) }

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s, prev := m.Create("u1")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if prev != nil {
		t.Fatalf("previous call = %v, want nil", prev)
	}
	call := &fakeCall{}
	if err := m.Attach(s.ID, call); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if live, err := m.Call(s.ID); err != nil || live != call {
		t.Fatalf("Call() = %v, %v, want attached call", live, err)
	}

	ended, endedCall, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if endedCall != call {
		t.Fatalf("End() call = %v, want attached call", endedCall)
	}
	if _, err := m.Call(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Call() after End error = %v, want ErrNotFound", err)
	}
}

func TestManagerReplacesUsersPreviousCall(t *testing.T) {
	m := NewManager(time.Minute)
	first, _ := m.Create("u1")
	call := &fakeCall{}
	_ = m.Attach(first.ID, call)

	_, prev := m.Create("u1")
	if prev != call {
		t.Fatalf("previous call = %v, want first call", prev)
	}
	got, _ := m.Get(first.ID)
	if got.Status != StatusEnded {
		t.Fatalf("first session status = %q, want ended", got.Status)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestManagerTracksConversation(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("u1")
	_ = m.SetConversationStatus(s.ID, "speaking")
	_ = m.Interrupt(s.ID)
	_ = m.MarkPersonaSeedReady(s.ID)

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConversationStatus != "speaking" || got.InterruptionCount != 1 || !got.PersonaSeedReady {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Create("u1")
	call := &fakeCall{}
	_ = m.Attach(s.ID, call)
	var hooked atomic.Int32
	m.SetExpireHook(func(*Session) { hooked.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	if call.ended.Load() != 1 {
		t.Fatalf("call ended %d times, want 1", call.ended.Load())
	}
	if hooked.Load() != 1 {
		t.Fatalf("expire hook ran %d times, want 1", hooked.Load())
	}
}

func TestManagerEndAll(t *testing.T) {
	m := NewManager(time.Minute)
	a, _ := m.Create("u1")
	b, _ := m.Create("u2")
	ca, cb := &fakeCall{}, &fakeCall{}
	_ = m.Attach(a.ID, ca)
	_ = m.Attach(b.ID, cb)

	if n := m.EndAll(); n != 2 {
		t.Fatalf("EndAll() = %d, want 2", n)
	}
	if ca.ended.Load() != 1 || cb.ended.Load() != 1 {
		t.Fatalf("calls not ended")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerPrunesEndedAfterRetention(t *testing.T) {
	now := time.Unix(1000, 0)
	m := NewManager(time.Minute)
	m.now = func() time.Time { return now }
	m.SetRetention(10 * time.Minute)

	ended, _ := m.Create("u1")
	if _, _, err := m.End(ended.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	active, _ := m.Create("u2")

	now = now.Add(9 * time.Minute)
	_ = m.Touch(active.ID)
	if n := m.pruneEnded(); n != 0 {
		t.Fatalf("pruneEnded() inside retention = %d, want 0", n)
	}
	if _, err := m.Get(ended.ID); err != nil {
		t.Fatalf("Get() inside retention error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := m.pruneEnded(); n != 1 {
		t.Fatalf("pruneEnded() = %d, want 1", n)
	}
	if _, err := m.Get(ended.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after retention error = %v, want ErrNotFound", err)
	}
	if _, err := m.Get(active.ID); err != nil {
		t.Fatalf("active session pruned: %v", err)
	}
}
