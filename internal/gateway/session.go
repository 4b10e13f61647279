package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaypoint/presenced/internal/realtime"
)

// session is the per-connection state of the presence gateway. Commands for
// one connection are handled serially by its read loop, so no locking is
// needed around these fields.
type session struct {
	id         string
	userID     string
	tenantID   string
	entity     string
	entityID   string
	subscribed bool
	heldLocks  map[string]struct{}
	sink       realtime.Sink
}

func newSession(id string, sink realtime.Sink) *session {
	return &session{
		id:        id,
		heldLocks: make(map[string]struct{}),
		sink:      sink,
	}
}

// topic returns the broadcast topic for the entity this session follows.
func (s *session) topic() string {
	return s.tenantID + ":" + s.entity + ":" + s.entityID
}

// connSink adapts a websocket connection to realtime.Sink. Gorilla permits
// one concurrent writer, and broadcasts arrive from other connections'
// goroutines, so writes serialize through the mutex.
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newConnSink(conn *websocket.Conn) *connSink {
	return &connSink{conn: conn}
}

func (s *connSink) Send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}
