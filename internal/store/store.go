// Package store is the transactional record store for accounts, sessions,
// groups, offline messages, and call history. Postgres (pgx) in production,
// an in-memory implementation for dev mode and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrKeyMismatch is returned when a registration presents different
	// public keys for an existing account. Keys are immutable.
	ErrKeyMismatch = errors.New("store: public key mismatch")
	// ErrDuplicate is returned on unique-constraint conflicts.
	ErrDuplicate = errors.New("store: duplicate")
)

// Account statuses.
const (
	AccountActive = "active"
	AccountBanned = "banned"
)

// Group roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Account is one registered identity. Public keys never change after creation.
type Account struct {
	WhisperID     string
	EncPublicKey  []byte
	SignPublicKey []byte
	CreatedAt     time.Time
	Status        string
}

// Session is a bearer token bound to (whisperId, deviceId). One active
// session per account; minting a new one displaces the rest.
type Session struct {
	Token     string
	WhisperID string
	DeviceID  string
	Platform  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PushTarget holds the wake-push routing state for a device.
type PushTarget struct {
	WhisperID string
	DeviceID  string
	Platform  string
	PushToken string
	VoipToken string
	UpdatedAt time.Time
}

// Group is a chat group. Exactly one owner at any time.
type Group struct {
	GroupID   string
	Title     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupMember is a membership row. RemovedAt is a soft delete; re-adding
// creates a new row so history is preserved.
type GroupMember struct {
	GroupID   string
	WhisperID string
	Role      string
	JoinedAt  time.Time
	RemovedAt *time.Time
}

// PendingMessage is a queued E2EE ciphertext held until the recipient
// acknowledges delivery or retention expires. The server never opens it.
type PendingMessage struct {
	MessageID   string
	RecipientID string
	SenderID    string
	GroupID     string
	MsgType     string
	Timestamp   int64 // sender's clock, ms
	Nonce       string
	Ciphertext  string
	Sig         string
	ReplyTo     string
	Reactions   json.RawMessage
	Attachment  json.RawMessage
	ReceivedAt  int64 // server-assigned, monotonic within a recipient's queue
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

// Call states.
const (
	CallInitiated = "initiated"
	CallRinging   = "ringing"
	CallAnswered  = "answered"
	CallEnded     = "ended"
)

// Call is the durable call-history row; live state is mirrored in the
// volatile store.
type Call struct {
	CallID     string
	CallerID   string
	CalleeID   string
	State      string
	IsVideo    bool
	CreatedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time
	EndReason  string
}

// RegisterParams is the input for the transactional registration upsert.
type RegisterParams struct {
	Account Account
	Session Session
	Push    PushTarget
}

// PendingCursor addresses a position in a recipient's queue. Ordering is
// (timestamp, messageId); the wire form is opaque base64.
type PendingCursor struct {
	Timestamp int64
	MessageID string
}

// DurableStore is the transactional store contract. Multi-row invariants
// (registration, displacement, membership changes) execute atomically inside
// the implementation; side effects are the caller's job after return.
type DurableStore interface {
	// Accounts
	GetAccount(ctx context.Context, whisperID string) (*Account, error)
	GetAccountBySignKey(ctx context.Context, signPublicKey []byte) (*Account, error)

	// RegisterDevice upserts the account (rejecting key changes), upserts the
	// push target, revokes all prior sessions for the account, and inserts the
	// new session, atomically. Returns the sessions that were displaced.
	RegisterDevice(ctx context.Context, p RegisterParams) (displaced []Session, err error)

	// Sessions
	GetSession(ctx context.Context, token string) (*Session, error)
	RotateSession(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)

	// Push targets
	UpsertPushTarget(ctx context.Context, t PushTarget) error
	GetPushTarget(ctx context.Context, whisperID string) (*PushTarget, error)

	// Groups
	CreateGroup(ctx context.Context, g Group, members []GroupMember) error
	GetGroup(ctx context.Context, groupID string) (*Group, error)
	ActiveMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	ActiveMember(ctx context.Context, groupID, whisperID string) (*GroupMember, error)
	AddMember(ctx context.Context, m GroupMember) error
	RemoveMember(ctx context.Context, groupID, whisperID string, at time.Time) error
	ChangeRole(ctx context.Context, groupID, whisperID, role string, at time.Time) error
	UpdateGroupTitle(ctx context.Context, groupID, title string, at time.Time) error

	// Pending messages. A messageId is unique per recipient queue, not
	// globally; group fan-out stores one row per envelope under the same id.
	InsertPending(ctx context.Context, m PendingMessage) error
	MarkPendingDelivered(ctx context.Context, recipientID, messageID string, at time.Time) error
	// DeletePending removes a delivered message; returns false when the row
	// was already gone (duplicate receipts are a no-op).
	DeletePending(ctx context.Context, recipientID, messageID string) (bool, error)
	ListPending(ctx context.Context, recipientID string, after *PendingCursor, limit int) ([]PendingMessage, error)
	PurgePendingBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Calls
	InsertCall(ctx context.Context, c Call) error
	// ActiveCallBetween returns a non-terminal call from callerID to calleeID,
	// or ErrNotFound when the pair is free.
	ActiveCallBetween(ctx context.Context, callerID, calleeID string) (*Call, error)
	MarkCallRinging(ctx context.Context, callID string) error
	MarkCallAnswered(ctx context.Context, callID string, at time.Time) error
	EndCall(ctx context.Context, callID string, at time.Time, reason string) error
	GetCall(ctx context.Context, callID string) (*Call, error)

	Close()
}
