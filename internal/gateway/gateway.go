// Package gateway terminates the presence websocket protocol: SUB, UNSUB,
// HB, LOCK and UNLOCK commands translate into coordination store operations,
// and presence changes fan out to every other session watching the same
// record. One goroutine reads each connection, so a single session's
// commands are handled strictly in order.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaypoint/presenced/internal/coordination"
	"github.com/relaypoint/presenced/internal/realtime"
)

const storeTimeout = 5 * time.Second

// Gateway serves presence websocket connections.
type Gateway struct {
	store    *coordination.Store
	registry *realtime.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// Config describes the dependencies for the Gateway.
type Config struct {
	Store    *coordination.Store
	Registry *realtime.Registry
	Logger   *zap.Logger
}

// New returns a Gateway backed by the coordination store and the shared
// session registry.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and runs the connection's command
// loop until the peer disconnects.
func (g *Gateway) HandleConnection(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := newSession(uuid.NewString(), newConnSink(conn))
	g.logger.Info("presence connection established", zap.String("session_id", sess.id))

	ctx := c.Request.Context()
	defer g.cleanup(ctx, sess)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Transport errors and clean closes take the same cleanup path.
			g.logger.Info("presence connection closed",
				zap.String("session_id", sess.id),
				zap.Error(err))
			return
		}
		g.dispatch(ctx, sess, payload)
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *session, payload []byte) {
	var command Command
	if err := json.Unmarshal(payload, &command); err != nil {
		g.sendError(sess, "invalid message format")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	switch command.Type {
	case CommandSubscribe:
		g.handleSubscribe(opCtx, sess, command)
	case CommandUnsubscribe:
		g.handleUnsubscribe(opCtx, sess)
	case CommandHeartbeat:
		g.handleHeartbeat(opCtx, sess)
	case CommandLock:
		g.handleLock(opCtx, sess, command)
	case CommandUnlock:
		g.handleUnlock(opCtx, sess, command)
	default:
		g.sendError(sess, "unknown message type: "+command.Type)
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, sess *session, command Command) {
	userID := strings.TrimSpace(command.UserID)
	tenantID := strings.TrimSpace(command.TenantID)
	entity := strings.TrimSpace(command.Entity)
	entityID := strings.TrimSpace(command.ID)
	if userID == "" || tenantID == "" || entity == "" || entityID == "" {
		g.sendError(sess, "SUB requires userId, tenantId, entity and id")
		return
	}

	sess.userID = userID
	sess.tenantID = tenantID
	sess.entity = entity
	sess.entityID = entityID
	sess.subscribed = true

	g.registry.Register(&realtime.Session{ID: sess.id, UserID: userID, Sink: sess.sink})
	g.registry.Join(sess.topic(), sess.id)

	if err := g.store.Subscribe(ctx, userID, tenantID, entity, entityID); err != nil {
		g.logger.Error("subscribe failed", zap.String("session_id", sess.id), zap.Error(err))
		g.sendError(sess, "subscribe failed")
		return
	}

	snapshot, err := g.store.Snapshot(ctx, tenantID, entity, entityID)
	if err != nil {
		g.logger.Error("presence snapshot failed", zap.String("session_id", sess.id), zap.Error(err))
		g.sendError(sess, "subscribe failed")
		return
	}

	frame := newPresenceFrame(snapshot.Users, snapshot.Stale, snapshot.BusyBy, snapshot.Version)
	if err := sess.sink.Send(frame); err != nil {
		g.logger.Warn("presence reply failed", zap.String("session_id", sess.id), zap.Error(err))
	}
	g.registry.Broadcast(sess.topic(), sess.id, frame)

	g.logger.Info("user subscribed",
		zap.String("user_id", userID),
		zap.String("entity", entity),
		zap.String("entity_id", entityID),
		zap.String("tenant_id", tenantID))
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, sess *session) {
	if !sess.subscribed {
		g.sendError(sess, "not subscribed")
		return
	}

	g.teardown(ctx, sess)

	if err := sess.sink.Send(AckFrame{Type: FrameAckUnsub}); err != nil {
		g.logger.Warn("unsub ack failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func (g *Gateway) handleHeartbeat(ctx context.Context, sess *session) {
	if !sess.subscribed {
		g.sendError(sess, "not subscribed")
		return
	}

	if err := g.store.Heartbeat(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID); err != nil {
		g.logger.Warn("heartbeat failed", zap.String("session_id", sess.id), zap.Error(err))
	}
	for field := range sess.heldLocks {
		if err := g.store.RefreshFieldLock(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID, field); err != nil {
			g.logger.Warn("lock refresh failed",
				zap.String("session_id", sess.id),
				zap.String("field", field),
				zap.Error(err))
		}
	}

	if err := sess.sink.Send(AckFrame{Type: FrameAckHeartbeat}); err != nil {
		g.logger.Warn("heartbeat ack failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func (g *Gateway) handleLock(ctx context.Context, sess *session, command Command) {
	if !sess.subscribed {
		g.sendError(sess, "not subscribed")
		return
	}
	field := strings.TrimSpace(command.Field)
	if field == "" {
		g.sendError(sess, "LOCK requires field")
		return
	}

	acquired, owner, err := g.store.AcquireFieldLock(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID, field)
	if err != nil {
		g.logger.Error("lock acquire failed", zap.String("session_id", sess.id), zap.Error(err))
		g.sendError(sess, "lock failed")
		return
	}

	frame := LockAckFrame{Type: FrameAckLock, Field: field, Success: acquired}
	if acquired {
		sess.heldLocks[field] = struct{}{}
	} else {
		frame.Owner = owner
	}

	if err := sess.sink.Send(frame); err != nil {
		g.logger.Warn("lock ack failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func (g *Gateway) handleUnlock(ctx context.Context, sess *session, command Command) {
	if !sess.subscribed {
		g.sendError(sess, "not subscribed")
		return
	}
	field := strings.TrimSpace(command.Field)
	if field == "" {
		g.sendError(sess, "UNLOCK requires field")
		return
	}

	if err := g.store.ReleaseFieldLock(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID, field); err != nil {
		g.logger.Error("lock release failed", zap.String("session_id", sess.id), zap.Error(err))
		g.sendError(sess, "unlock failed")
		return
	}
	delete(sess.heldLocks, field)

	if err := sess.sink.Send(UnlockAckFrame{Type: FrameAckUnlock, Field: field}); err != nil {
		g.logger.Warn("unlock ack failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

// cleanup runs once per connection, on every exit path. It must not assume
// the connection is still writable.
func (g *Gateway) cleanup(ctx context.Context, sess *session) {
	if !sess.subscribed {
		g.registry.Remove(sess.id)
		return
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	g.teardown(opCtx, sess)

	g.logger.Info("session cleaned up",
		zap.String("session_id", sess.id),
		zap.String("user_id", sess.userID),
		zap.String("entity", sess.entity),
		zap.String("entity_id", sess.entityID))
}

// teardown releases every held field lock, removes presence, and tells the
// remaining subscribers. Store failures degrade to TTL expiry, so each step
// runs regardless of earlier errors.
func (g *Gateway) teardown(ctx context.Context, sess *session) {
	topic := sess.topic()

	for field := range sess.heldLocks {
		if err := g.store.ReleaseFieldLock(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID, field); err != nil {
			g.logger.Warn("lock release on teardown failed",
				zap.String("session_id", sess.id),
				zap.String("field", field),
				zap.Error(err))
		}
	}
	sess.heldLocks = make(map[string]struct{})

	if err := g.store.Unsubscribe(ctx, sess.userID, sess.tenantID, sess.entity, sess.entityID); err != nil {
		g.logger.Warn("unsubscribe on teardown failed", zap.String("session_id", sess.id), zap.Error(err))
	}

	g.registry.Remove(sess.id)
	sess.subscribed = false

	snapshot, err := g.store.Snapshot(ctx, sess.tenantID, sess.entity, sess.entityID)
	if err != nil {
		g.logger.Warn("presence snapshot on teardown failed", zap.String("session_id", sess.id), zap.Error(err))
		return
	}
	g.registry.Broadcast(topic, sess.id, newPresenceFrame(snapshot.Users, snapshot.Stale, snapshot.BusyBy, snapshot.Version))
}

func (g *Gateway) sendError(sess *session, message string) {
	if err := sess.sink.Send(ErrorFrame{Type: FrameError, Message: message}); err != nil {
		g.logger.Warn("error frame send failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}
