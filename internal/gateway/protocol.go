package gateway

// Inbound command types.
const (
	CommandSubscribe   = "SUB"
	CommandUnsubscribe = "UNSUB"
	CommandHeartbeat   = "HB"
	CommandLock        = "LOCK"
	CommandUnlock      = "UNLOCK"
)

// Outbound frame types.
const (
	FrameAckHeartbeat = "HB_ACK"
	FrameAckUnsub     = "UNSUB_ACK"
	FrameAckLock      = "LOCK_ACK"
	FrameAckUnlock    = "UNLOCK_ACK"
	FramePresence     = "PRESENCE"
	FrameError        = "ERROR"
)

// Command is the single inbound frame shape; which fields are required
// depends on Type.
type Command struct {
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Entity   string `json:"entity,omitempty"`
	ID       string `json:"id,omitempty"`
	Field    string `json:"field,omitempty"`
}

// PresenceFrame reports the full coordination snapshot for an entity.
type PresenceFrame struct {
	Type    string   `json:"type"`
	Users   []string `json:"users"`
	Stale   bool     `json:"stale"`
	BusyBy  *string  `json:"busyBy"`
	Version *int64   `json:"version"`
}

// AckFrame acknowledges HB and UNSUB commands.
type AckFrame struct {
	Type string `json:"type"`
}

// LockAckFrame reports the outcome of a LOCK attempt. Owner names the
// current holder when the attempt was refused.
type LockAckFrame struct {
	Type    string `json:"type"`
	Field   string `json:"field"`
	Success bool   `json:"success"`
	Owner   string `json:"owner,omitempty"`
}

// UnlockAckFrame acknowledges an UNLOCK command.
type UnlockAckFrame struct {
	Type  string `json:"type"`
	Field string `json:"field"`
}

// ErrorFrame rejects a malformed or out-of-state command. It is sent to the
// offending connection only and changes no session state.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newPresenceFrame(users []string, stale bool, busyBy string, version *int64) PresenceFrame {
	frame := PresenceFrame{Type: FramePresence, Users: users, Stale: stale, Version: version}
	if users == nil {
		frame.Users = []string{}
	}
	if busyBy != "" {
		frame.BusyBy = &busyBy
	}
	return frame
}
