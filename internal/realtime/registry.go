// Package realtime holds the in-process session registry shared by both
// socket gateways: sessions keyed by connection id, membership keyed by a
// topic string, and sender-excluded broadcast. The registry is the only
// piece of gateway state shared across connections, so it carries its own
// locking; everything per-connection stays single-goroutine.
package realtime

import "sync"

// Sink delivers one outbound payload to a connected client. Implementations
// must be safe for concurrent use: broadcasts arrive from other
// connections' goroutines.
type Sink interface {
	Send(payload any) error
}

// Session ties a connection to its user identity and outbound sink.
type Session struct {
	ID       string
	UserID   string
	Username string
	Sink     Sink
}

// Registry tracks live sessions and their topic memberships.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	topics   map[string]map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		topics:   make(map[string]map[string]*Session),
	}
}

// Register adds the session to the registry. A session must be registered
// before it can join topics.
func (r *Registry) Register(session *Session) {
	if session == nil || session.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
}

// Join adds the session to a topic's membership.
func (r *Registry) Join(topic, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]*Session)
		r.topics[topic] = members
	}
	members[sessionID] = session
}

// Leave removes the session from a topic, dropping the topic entirely when
// its last member leaves.
func (r *Registry) Leave(topic, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(topic, sessionID)
}

func (r *Registry) leaveLocked(topic, sessionID string) {
	members, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}

// Remove tears the session out of the registry and every topic it joined.
// It returns the removed session, or nil when the id is unknown. Called on
// every exit path: unsubscribe, transport error, and clean close.
func (r *Registry) Remove(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	for topic := range r.topics {
		r.leaveLocked(topic, sessionID)
	}
	return session
}

// Members returns the sessions currently joined to a topic.
func (r *Registry) Members(topic string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.topics[topic]
	result := make([]*Session, 0, len(members))
	for _, session := range members {
		result = append(result, session)
	}
	return result
}

// Broadcast sends the payload to every member of the topic except the
// excluded session. Delivery failures are reported per session through the
// returned count of successful sends; a slow or dead peer never blocks the
// sender beyond its own sink.
func (r *Registry) Broadcast(topic, excludeSessionID string, payload any) int {
	members := r.Members(topic)

	delivered := 0
	for _, session := range members {
		if session.ID == excludeSessionID {
			continue
		}
		if err := session.Sink.Send(payload); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}
