package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chatdesk-io/chatdesk/internal/domain"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func (h *recordingHandler) Handle(_ context.Context, _ Session, event domain.InboundEvent) {
	h.mu.Lock()
	h.seen = append(h.seen, event.ID)
	n := len(h.seen)
	h.mu.Unlock()
	if event.Body == "panic" {
		panic("bad event")
	}
	if n == h.want {
		close(h.done)
	}
}

func TestManagerHandlesEventsInOrderAndSurvivesPanics(t *testing.T) {
	handler := &recordingHandler{done: make(chan struct{}), want: 3}
	m := NewManager(handler, zap.NewNop())
	session := newFakeSession("s1")

	m.Register(context.Background(), session)
	session.events <- domain.InboundEvent{ID: "e1"}
	session.events <- domain.InboundEvent{ID: "e2", Body: "panic"}
	session.events <- domain.InboundEvent{ID: "e3"}

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	handler.mu.Lock()
	seen := append([]string(nil), handler.seen...)
	handler.mu.Unlock()
	if len(seen) != 3 || seen[0] != "e1" || seen[1] != "e2" || seen[2] != "e3" {
		t.Fatalf("seen = %v", seen)
	}

	got, err := m.Get("s1")
	if err != nil || got.ID() != "s1" {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if _, err := m.ForTenant("t1"); err != nil {
		t.Fatalf("ForTenant() error = %v", err)
	}

	m.Shutdown()
	if !session.closed {
		t.Fatal("session should be closed on shutdown")
	}
	if _, err := m.Get("s1"); err != ErrSessionNotFound {
		t.Fatalf("Get() after shutdown err = %v", err)
	}
}

func TestManagerRegisterReplacesAndClosesPreviousSession(t *testing.T) {
	handler := &recordingHandler{done: make(chan struct{}), want: 1}
	m := NewManager(handler, zap.NewNop())
	first := newFakeSession("s1")
	second := newFakeSession("s1")

	m.Register(context.Background(), first)
	m.Register(context.Background(), first)
	if first.isClosed() {
		t.Fatal("re-registering the same session must not close it")
	}

	m.Register(context.Background(), second)
	if !first.isClosed() {
		t.Fatal("replaced session should be closed")
	}
	if second.isClosed() {
		t.Fatal("new session must stay open")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	got, err := m.Get("s1")
	if err != nil || got != Session(second) {
		t.Fatalf("Get() = %v, %v; want the new session", got, err)
	}

	second.events <- domain.InboundEvent{ID: "e1"}
	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("new session events are not handled")
	}
	m.Shutdown()
}
