package clinicsync

import (
	"encoding/json"
	"net/http"
	"time"
)

// ============================================================================
// Entities
// ============================================================================

// SyncStatus is the reconciliation state of a locally mirrored record.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// OfflineEntity is a domain record (appointment, patient, evolution...)
// mirrored in the Durable Store.
type OfflineEntity struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entityType"`
	LocalID        string         `json:"localId,omitempty"`
	Data           map[string]any `json:"data"`
	SyncStatus     SyncStatus     `json:"syncStatus"`
	LastModified   int64          `json:"lastModified"`
	OfflineCreated bool           `json:"offlineCreated,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Provisional reports whether the entity still carries a temporary id.
func (e *OfflineEntity) Provisional() bool {
	return IsLocalID(e.ID)
}

func (e *OfflineEntity) clone() *OfflineEntity {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// ============================================================================
// Pending operations
// ============================================================================

// OperationType is the kind of mutation intent.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Priority orders replay: creates before updates before deletes.
func (o OperationType) Priority() int {
	switch o {
	case OpCreate:
		return 3
	case OpUpdate:
		return 2
	case OpDelete:
		return 1
	}
	return 0
}

// Method is the HTTP verb used to replay the operation.
func (o OperationType) Method() string {
	switch o {
	case OpCreate:
		return http.MethodPost
	case OpUpdate:
		return http.MethodPut
	case OpDelete:
		return http.MethodDelete
	}
	return ""
}

// PendingOperation is one durable mutation intent.
type PendingOperation struct {
	ID         string         `json:"id"`
	Operation  OperationType  `json:"operation"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Endpoint   string         `json:"endpoint"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
	Priority   int            `json:"priority"`
	LastRetry  int64          `json:"lastRetry,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
}

// target returns the request path for replay. Updates and deletes address
// the record under the collection endpoint.
func (op *PendingOperation) target() string {
	if op.Operation == OpCreate || op.EntityID == "" {
		return op.Endpoint
	}
	return joinPath(op.Endpoint, op.EntityID)
}

func (op *PendingOperation) sameTarget(other *PendingOperation) bool {
	return op.EntityID != "" &&
		op.EntityType == other.EntityType &&
		op.EntityID == other.EntityID &&
		op.Operation == other.Operation
}

// ============================================================================
// Cache
// ============================================================================

// CachedResponse is a stored GET response keyed by normalized request identity.
type CachedResponse struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// ============================================================================
// Sync bookkeeping
// ============================================================================

// SyncState is the coarse status shown to the user.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "syncing"
	SyncFailed  SyncState = "error"
)

// SyncInfo is persisted under the sync_info collection.
type SyncInfo struct {
	LastSync       int64     `json:"lastSync"`
	PendingChanges int       `json:"pendingChanges"`
	Status         SyncState `json:"syncStatus"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

// DrainResult summarizes one pass over the pending-operation queue.
type DrainResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred,omitempty"`
	Abandoned int `json:"abandoned,omitempty"`
}

// ============================================================================
// Realtime frames
// ============================================================================

// Frame is the JSON text frame exchanged over the realtime channel.
// Servers may carry the body in either "payload" or "data".
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id,omitempty"`
}

// Body returns whichever of payload/data is present.
func (f *Frame) Body() json.RawMessage {
	if len(f.Payload) > 0 {
		return f.Payload
	}
	return f.Data
}

// Decode unmarshals the frame body into v.
func (f *Frame) Decode(v any) error {
	body := f.Body()
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

const (
	framePing = "ping"
	framePong = "pong"
)

// ChatMessage is a chat payload sent through the persistent outbox.
type ChatMessage struct {
	ID          string `json:"id"`
	SenderID    int64  `json:"senderId,omitempty"`
	RecipientID int64  `json:"recipientId,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"createdAt"`
	PendingSync bool   `json:"pendingSync,omitempty"`
}

// ConversationID is the outbox partition for the message.
func (m *ChatMessage) ConversationID() string {
	if m.GroupID != 0 {
		return "group-" + itoa(m.GroupID)
	}
	return "direct-" + itoa(m.RecipientID)
}

func (m *ChatMessage) frameType() string {
	if m.GroupID != 0 {
		return "send_group_message"
	}
	return "send_message"
}
