package wire

import "encoding/json"

// Authed carries the fields present on every authenticated client payload.
type Authed struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	SessionToken    string `json:"sessionToken"`
}

// Token exposes the bearer token to the gateway's auth gate. Every payload
// embedding Authed inherits it.
func (a Authed) Token() string { return a.SessionToken }

// RegisterBegin starts the challenge/response flow. WhisperID is set only on
// the recovery path.
type RegisterBegin struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
}

// RegisterChallenge is the server's reply to register_begin.
type RegisterChallenge struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"` // base64 of 32 random bytes
	ExpiresAt   int64  `json:"expiresAt"`
}

// RegisterProof presents the signed challenge.
type RegisterProof struct {
	ProtocolVersion int    `json:"protocolVersion"`
	CryptoVersion   int    `json:"cryptoVersion"`
	ChallengeID     string `json:"challengeId"`
	DeviceID        string `json:"deviceId"`
	Platform        string `json:"platform"`
	WhisperID       string `json:"whisperId,omitempty"`
	EncPublicKey    string `json:"encPublicKey"`  // base64, 32 bytes
	SignPublicKey   string `json:"signPublicKey"` // base64, 32 bytes
	Signature       string `json:"signature"`     // base64, 64 bytes, over SHA-256(challenge)
	PushToken       string `json:"pushToken,omitempty"`
	VoipToken       string `json:"voipToken,omitempty"`
}

// RegisterAck confirms registration and carries the minted session.
type RegisterAck struct {
	Success          bool   `json:"success"`
	WhisperID        string `json:"whisperId"`
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

// SessionRefresh rotates the bearer token.
type SessionRefresh struct {
	Authed
}

// SessionRefreshAck carries the rotated token.
type SessionRefreshAck struct {
	SessionToken     string `json:"sessionToken"`
	SessionExpiresAt int64  `json:"sessionExpiresAt"`
	ServerTime       int64  `json:"serverTime"`
}

// Logout destroys the session.
type Logout struct {
	Authed
}

// UpdateTokens upserts push tokens for the session's device.
type UpdateTokens struct {
	Authed
	DeviceID  string `json:"deviceId"`
	PushToken string `json:"pushToken,omitempty"`
	VoipToken string `json:"voipToken,omitempty"`
}

// TokensUpdated acknowledges update_tokens.
type TokensUpdated struct {
	Success bool `json:"success"`
}

// SendMessage is a direct E2EE message. The server never opens Ciphertext.
type SendMessage struct {
	Authed
	MessageID  string          `json:"messageId"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	MsgType    string          `json:"msgType"`
	Timestamp  int64           `json:"timestamp"`
	Nonce      string          `json:"nonce"`      // base64, 24 bytes
	Ciphertext string          `json:"ciphertext"` // base64
	Sig        string          `json:"sig"`        // base64, 64 bytes
	ReplyTo    string          `json:"replyTo,omitempty"`
	Reactions  json.RawMessage `json:"reactions,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"` // pointer payload, never the blob
}

// MessageAccepted acknowledges a send to the sender.
type MessageAccepted struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// MessageReceived delivers a message to its recipient. Body mirrors the
// sender's envelope fields.
type MessageReceived struct {
	MessageID  string          `json:"messageId"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	GroupID    string          `json:"groupId,omitempty"`
	MsgType    string          `json:"msgType"`
	Timestamp  int64           `json:"timestamp"`
	Nonce      string          `json:"nonce"`
	Ciphertext string          `json:"ciphertext"`
	Sig        string          `json:"sig"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	Reactions  json.RawMessage `json:"reactions,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

// DeliveryReceipt acknowledges delivery or read state. From is the receipt
// issuer (the recipient of the original message), To the original sender.
type DeliveryReceipt struct {
	Authed
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"` // delivered | read
	Timestamp int64  `json:"timestamp"`
}

// MessageDelivered forwards a receipt to the original sender.
type MessageDelivered struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// FetchPending pages through queued offline messages.
type FetchPending struct {
	Authed
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// PendingMessages is a page of queued messages.
type PendingMessages struct {
	Messages   []MessageReceived `json:"messages"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// GroupCreate creates a group owned by the caller.
type GroupCreate struct {
	Authed
	Title     string   `json:"title"`
	MemberIDs []string `json:"memberIds,omitempty"`
}

// Group update actions.
const (
	GroupActionAddMember    = "add_member"
	GroupActionRemoveMember = "remove_member"
	GroupActionChangeRole   = "change_role"
	GroupActionUpdateTitle  = "update_title"
)

// GroupUpdate mutates membership, roles, or the title.
type GroupUpdate struct {
	Authed
	GroupID  string `json:"groupId"`
	Action   string `json:"action"`
	Title    string `json:"title,omitempty"`
	MemberID string `json:"memberId,omitempty"`
	Role     string `json:"role,omitempty"`
}

// GroupInfo is the wire shape of a group inside group_event frames.
type GroupInfo struct {
	GroupID   string        `json:"groupId"`
	Title     string        `json:"title"`
	OwnerID   string        `json:"ownerId"`
	Members   []GroupMember `json:"members"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

// GroupMember is one active member inside GroupInfo.
type GroupMember struct {
	WhisperID string `json:"whisperId"`
	Role      string `json:"role"`
	JoinedAt  int64  `json:"joinedAt"`
}

// GroupEvent notifies members of membership or title changes.
type GroupEvent struct {
	Event           string    `json:"event"` // created | updated | member_added | member_removed
	Group           GroupInfo `json:"group"`
	AffectedMembers []string  `json:"affectedMembers,omitempty"`
}

// Envelope is one per-recipient {nonce, ciphertext, sig} triple of a group send.
type Envelope struct {
	To         string `json:"to"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Sig        string `json:"sig"`
}

// GroupSendMessage fans one logical message out as per-recipient envelopes.
type GroupSendMessage struct {
	Authed
	GroupID    string          `json:"groupId"`
	MessageID  string          `json:"messageId"`
	From       string          `json:"from"`
	MsgType    string          `json:"msgType"`
	Timestamp  int64           `json:"timestamp"`
	Recipients []Envelope      `json:"recipients"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	Reactions  json.RawMessage `json:"reactions,omitempty"`
	Attachment json.RawMessage `json:"attachment,omitempty"`
}

// GetTurnCredentials requests time-bound TURN credentials.
type GetTurnCredentials struct {
	Authed
}

// TurnCredentials is the minted TURN credential set.
type TurnCredentials struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int      `json:"ttl"`
}

// CallSignal is the shared shape of every call signaling frame. The actor
// signs the canonical string with the callId in the messageId position; for
// ICE candidates the ciphertext is the encrypted candidate.
type CallSignal struct {
	Authed
	CallID     string `json:"callId"`
	From       string `json:"from"`
	To         string `json:"to"`
	IsVideo    bool   `json:"isVideo,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Sig        string `json:"sig"`
	Reason     string `json:"reason,omitempty"` // call_end only
	CallerName string `json:"callerName,omitempty"`
}

// CallRelay is the server-to-peer form of a call signaling frame.
type CallRelay struct {
	CallID     string `json:"callId"`
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	IsVideo    bool   `json:"isVideo,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Sig        string `json:"sig,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CallerName string `json:"callerName,omitempty"`
}

// Typing signals typing state to a peer or group.
type Typing struct {
	Authed
	To      string `json:"to,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	Typing  bool   `json:"typing"`
}

// TypingNotification relays typing state.
type TypingNotification struct {
	From    string `json:"from"`
	GroupID string `json:"groupId,omitempty"`
	Typing  bool   `json:"typing"`
}

// PresenceUpdate announces an online/offline transition to recent contacts.
type PresenceUpdate struct {
	WhisperID string `json:"whisperId"`
	Status    string `json:"status"` // online | offline
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// Ping refreshes presence at the application level.
type Ping struct {
	SessionToken string `json:"sessionToken,omitempty"`
}

// Pong answers an application-level ping.
type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// ForceLogout tells a displaced connection its session is gone.
type ForceLogout struct {
	Reason string `json:"reason"`
}
