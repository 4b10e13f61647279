// Package collab serves the shared-document editing socket: users join an
// entity's workflow graph, and node/edge mutations and cursor positions fan
// out to every other participant. There is no field-level exclusion here;
// concurrent edits are all broadcast and the last delivered wins on each
// client.
package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypoint/presenced/internal/realtime"
)

// Inbound command types.
const (
	CommandJoin       = "JOIN"
	CommandLeave      = "LEAVE"
	CommandNodeUpdate = "NODE_UPDATE"
	CommandEdgeUpdate = "EDGE_UPDATE"
	CommandNodeDelete = "NODE_DELETE"
	CommandEdgeDelete = "EDGE_DELETE"
	CommandCursor     = "CURSOR"
	CommandHeartbeat  = "HB"
)

// Outbound frame types.
const (
	FrameUserJoined   = "USER_JOINED"
	FrameUserLeft     = "USER_LEFT"
	FrameNodeUpdated  = "NODE_UPDATED"
	FrameEdgeUpdated  = "EDGE_UPDATED"
	FrameNodeDeleted  = "NODE_DELETED"
	FrameEdgeDeleted  = "EDGE_DELETED"
	FrameCursorMoved  = "CURSOR_MOVED"
	FrameAckHeartbeat = "HB_ACK"
	FrameError        = "ERROR"
)

// Command is the inbound frame for the collaboration protocol. Node and
// Edge stay raw: the hub relays graph content without interpreting it.
type Command struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	Node     json.RawMessage `json:"node,omitempty"`
	Edge     json.RawMessage `json:"edge,omitempty"`
	NodeID   string          `json:"nodeId,omitempty"`
	EdgeID   string          `json:"edgeId,omitempty"`
	X        float64         `json:"x,omitempty"`
	Y        float64         `json:"y,omitempty"`
}

// Participant identifies one member of an entity's roster.
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RosterFrame announces a join or leave together with the current roster.
type RosterFrame struct {
	Type     string        `json:"type"`
	Entity   string        `json:"entity"`
	UserID   string        `json:"userId"`
	Username string        `json:"username,omitempty"`
	Users    []Participant `json:"users"`
}

// ContentFrame relays a node or edge mutation, tagged with the originating
// user.
type ContentFrame struct {
	Type   string          `json:"type"`
	Entity string          `json:"entity"`
	Node   json.RawMessage `json:"node,omitempty"`
	Edge   json.RawMessage `json:"edge,omitempty"`
	NodeID string          `json:"nodeId,omitempty"`
	EdgeID string          `json:"edgeId,omitempty"`
	UserID string          `json:"userId"`
}

// CursorFrame relays an ephemeral pointer position; it is never persisted.
type CursorFrame struct {
	Type     string  `json:"type"`
	Entity   string  `json:"entity"`
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// AckFrame acknowledges a heartbeat.
type AckFrame struct {
	Type string `json:"type"`
}

// ErrorFrame rejects a malformed command.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// session is the per-connection state; the read loop owns it exclusively.
type session struct {
	id       string
	userID   string
	username string
	entity   string
	joined   bool
	sink     realtime.Sink
}

// Hub serves collaboration websocket connections.
type Hub struct {
	registry *realtime.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// participants keyed by session id; rosters are read across connections.
	mu           sync.RWMutex
	participants map[string]Participant
}

// Config describes the dependencies for the Hub.
type Config struct {
	Registry *realtime.Registry
	Logger   *zap.Logger
}

// New returns a Hub backed by the shared session registry.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry: cfg.Registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		participants: make(map[string]Participant),
	}
}

// HandleConnection upgrades the request and runs the connection's command
// loop until the peer disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := &session{id: uuid.NewString(), sink: newConnSink(conn)}
	h.logger.Info("collaboration connection established", zap.String("session_id", sess.id))

	defer h.cleanup(sess)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("collaboration connection closed",
				zap.String("session_id", sess.id),
				zap.Error(err))
			return
		}
		h.dispatch(c.Request.Context(), sess, payload)
	}
}

func (h *Hub) dispatch(_ context.Context, sess *session, payload []byte) {
	var command Command
	if err := json.Unmarshal(payload, &command); err != nil {
		h.sendError(sess, "invalid message format")
		return
	}

	switch command.Type {
	case CommandJoin:
		h.handleJoin(sess, command)
	case CommandLeave:
		h.handleLeave(sess)
	case CommandNodeUpdate, CommandEdgeUpdate, CommandNodeDelete, CommandEdgeDelete:
		h.handleContent(sess, command)
	case CommandCursor:
		h.handleCursor(sess, command)
	case CommandHeartbeat:
		h.handleHeartbeat(sess)
	default:
		h.sendError(sess, "unknown message type: "+command.Type)
	}
}

func (h *Hub) handleJoin(sess *session, command Command) {
	entity := strings.TrimSpace(command.Entity)
	userID := strings.TrimSpace(command.UserID)
	username := strings.TrimSpace(command.Username)
	if entity == "" || userID == "" || username == "" {
		h.sendError(sess, "JOIN requires entity, userId and username")
		return
	}

	sess.entity = entity
	sess.userID = userID
	sess.username = username
	sess.joined = true

	h.registry.Register(&realtime.Session{ID: sess.id, UserID: userID, Username: username, Sink: sess.sink})
	h.registry.Join(entity, sess.id)

	h.mu.Lock()
	h.participants[sess.id] = Participant{UserID: userID, Username: username}
	h.mu.Unlock()

	frame := RosterFrame{
		Type:     FrameUserJoined,
		Entity:   entity,
		UserID:   userID,
		Username: username,
		Users:    h.roster(entity),
	}
	h.registry.Broadcast(entity, sess.id, frame)
	// The joiner gets the same frame so it learns the current roster.
	if err := sess.sink.Send(frame); err != nil {
		h.logger.Warn("join reply failed", zap.String("session_id", sess.id), zap.Error(err))
	}

	h.logger.Info("user joined collaboration",
		zap.String("entity", entity),
		zap.String("user_id", userID),
		zap.String("username", username))
}

func (h *Hub) handleLeave(sess *session) {
	if !sess.joined {
		h.sendError(sess, "not joined")
		return
	}
	h.teardown(sess)
}

func (h *Hub) handleContent(sess *session, command Command) {
	if !sess.joined {
		h.sendError(sess, "not joined")
		return
	}

	frame := ContentFrame{Entity: sess.entity, UserID: sess.userID}
	switch command.Type {
	case CommandNodeUpdate:
		if len(command.Node) == 0 {
			h.sendError(sess, "NODE_UPDATE requires node")
			return
		}
		frame.Type = FrameNodeUpdated
		frame.Node = command.Node
	case CommandEdgeUpdate:
		if len(command.Edge) == 0 {
			h.sendError(sess, "EDGE_UPDATE requires edge")
			return
		}
		frame.Type = FrameEdgeUpdated
		frame.Edge = command.Edge
	case CommandNodeDelete:
		if command.NodeID == "" {
			h.sendError(sess, "NODE_DELETE requires nodeId")
			return
		}
		frame.Type = FrameNodeDeleted
		frame.NodeID = command.NodeID
	case CommandEdgeDelete:
		if command.EdgeID == "" {
			h.sendError(sess, "EDGE_DELETE requires edgeId")
			return
		}
		frame.Type = FrameEdgeDeleted
		frame.EdgeID = command.EdgeID
	}

	h.registry.Broadcast(sess.entity, sess.id, frame)
}

func (h *Hub) handleCursor(sess *session, command Command) {
	if !sess.joined {
		h.sendError(sess, "not joined")
		return
	}

	h.registry.Broadcast(sess.entity, sess.id, CursorFrame{
		Type:     FrameCursorMoved,
		Entity:   sess.entity,
		UserID:   sess.userID,
		Username: sess.username,
		X:        command.X,
		Y:        command.Y,
	})
}

func (h *Hub) handleHeartbeat(sess *session) {
	if err := sess.sink.Send(AckFrame{Type: FrameAckHeartbeat}); err != nil {
		h.logger.Warn("heartbeat ack failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

// cleanup runs on every connection exit path.
func (h *Hub) cleanup(sess *session) {
	if !sess.joined {
		h.registry.Remove(sess.id)
		return
	}
	h.teardown(sess)

	h.logger.Info("collaboration session cleaned up",
		zap.String("session_id", sess.id),
		zap.String("entity", sess.entity),
		zap.String("user_id", sess.userID))
}

func (h *Hub) teardown(sess *session) {
	entity := sess.entity

	h.registry.Remove(sess.id)
	h.mu.Lock()
	delete(h.participants, sess.id)
	h.mu.Unlock()
	sess.joined = false

	h.registry.Broadcast(entity, sess.id, RosterFrame{
		Type:   FrameUserLeft,
		Entity: entity,
		UserID: sess.userID,
		Users:  h.roster(entity),
	})
}

// roster returns the participants currently joined to an entity.
func (h *Hub) roster(entity string) []Participant {
	members := h.registry.Members(entity)

	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]Participant, 0, len(members))
	for _, member := range members {
		if participant, ok := h.participants[member.ID]; ok {
			users = append(users, participant)
		}
	}
	return users
}

func (h *Hub) sendError(sess *session, message string) {
	if err := sess.sink.Send(ErrorFrame{Type: FrameError, Message: message}); err != nil {
		h.logger.Warn("error frame send failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

// connSink adapts a websocket connection to realtime.Sink with serialized
// writes.
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
