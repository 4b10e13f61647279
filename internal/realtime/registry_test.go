package realtime

import (
	"sync"
	"testing"
)

type memorySink struct {
	mu       sync.Mutex
	payloads []any
	fail     bool
}

func (s *memorySink) Send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSinkClosed
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const errSinkClosed = sinkError("sink closed")

func addSession(t *testing.T, registry *Registry, id, userID string) *memorySink {
	t.Helper()
	sink := &memorySink{}
	registry.Register(&Session{ID: id, UserID: userID, Sink: sink})
	return sink
}

func TestBroadcastExcludesSender(t *testing.T) {
	registry := NewRegistry()
	senderSink := addSession(t, registry, "conn-1", "user-1")
	peerSink := addSession(t, registry, "conn-2", "user-2")

	registry.Join("Order", "conn-1")
	registry.Join("Order", "conn-2")

	delivered := registry.Broadcast("Order", "conn-1", "payload")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if senderSink.count() != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if peerSink.count() != 1 {
		t.Fatalf("expected peer to receive 1 payload, got %d", peerSink.count())
	}
}

func TestBroadcastIsolatedByTopic(t *testing.T) {
	registry := NewRegistry()
	addSession(t, registry, "conn-1", "user-1")
	otherSink := addSession(t, registry, "conn-2", "user-2")

	registry.Join("Order", "conn-1")
	registry.Join("Invoice", "conn-2")

	delivered := registry.Broadcast("Order", "", "payload")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if otherSink.count() != 0 {
		t.Fatal("broadcast must not cross topics")
	}
}

func TestRemoveTearsDownEveryMembership(t *testing.T) {
	registry := NewRegistry()
	addSession(t, registry, "conn-1", "user-1")
	registry.Join("Order", "conn-1")
	registry.Join("Invoice", "conn-1")

	session := registry.Remove("conn-1")
	if session == nil || session.UserID != "user-1" {
		t.Fatalf("expected removed session for user-1, got %+v", session)
	}

	if len(registry.Members("Order")) != 0 {
		t.Fatal("expected Order membership to be torn down")
	}
	if len(registry.Members("Invoice")) != 0 {
		t.Fatal("expected Invoice membership to be torn down")
	}
	if registry.Remove("conn-1") != nil {
		t.Fatal("expected second removal to return nil")
	}
}

func TestJoinUnknownSessionIsIgnored(t *testing.T) {
	registry := NewRegistry()
	registry.Join("Order", "ghost")

	if len(registry.Members("Order")) != 0 {
		t.Fatal("unregistered session must not join a topic")
	}
}

func TestBroadcastSkipsFailingSinks(t *testing.T) {
	registry := NewRegistry()
	healthy := addSession(t, registry, "conn-1", "user-1")

	failing := &memorySink{fail: true}
	registry.Register(&Session{ID: "conn-2", UserID: "user-2", Sink: failing})

	registry.Join("Order", "conn-1")
	registry.Join("Order", "conn-2")

	delivered := registry.Broadcast("Order", "", "payload")
	if delivered != 1 {
		t.Fatalf("expected delivery to the healthy sink only, got %d", delivered)
	}
	if healthy.count() != 1 {
		t.Fatalf("expected healthy sink to receive payload, got %d", healthy.count())
	}
}

func TestLastLeaveDropsTopic(t *testing.T) {
	registry := NewRegistry()
	addSession(t, registry, "conn-1", "user-1")
	registry.Join("Order", "conn-1")
	registry.Leave("Order", "conn-1")

	if len(registry.Members("Order")) != 0 {
		t.Fatal("expected topic to be empty after last leave")
	}
}
