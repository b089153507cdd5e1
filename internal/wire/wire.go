package wire

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope for every message on the socket, both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Protocol and crypto versions accepted from clients.
const (
	ProtocolVersion = 1
	CryptoVersion   = 1
)

// MaxFrameBytes is the hard cap on a single inbound frame.
// A frame of exactly this size is accepted; one byte more is rejected.
const MaxFrameBytes = 512_000

// Message types, client to server.
const (
	TypeRegisterBegin       = "register_begin"
	TypeRegisterProof       = "register_proof"
	TypeSessionRefresh      = "session_refresh"
	TypeLogout              = "logout"
	TypeUpdateTokens        = "update_tokens"
	TypeSendMessage         = "send_message"
	TypeDeliveryReceipt     = "delivery_receipt"
	TypeFetchPending        = "fetch_pending"
	TypeGroupCreate         = "group_create"
	TypeGroupUpdate         = "group_update"
	TypeGroupSendMessage    = "group_send_message"
	TypeGetTurnCredentials  = "get_turn_credentials"
	TypeCallInitiate        = "call_initiate"
	TypeCallRinging         = "call_ringing"
	TypeCallAnswer          = "call_answer"
	TypeCallIceCandidate    = "call_ice_candidate"
	TypeCallEnd             = "call_end"
	TypeTyping              = "typing"
	TypePing                = "ping"
)

// Message types, server to client.
const (
	TypeRegisterChallenge  = "register_challenge"
	TypeRegisterAck        = "register_ack"
	TypeSessionRefreshAck  = "session_refresh_ack"
	TypeTokensUpdated      = "tokens_updated"
	TypeMessageAccepted    = "message_accepted"
	TypeMessageReceived    = "message_received"
	TypeMessageDelivered   = "message_delivered"
	TypePendingMessages    = "pending_messages"
	TypeGroupEvent         = "group_event"
	TypeTurnCredentials    = "turn_credentials"
	TypeCallIncoming       = "call_incoming"
	TypePresenceUpdate     = "presence_update"
	TypeTypingNotification = "typing_notification"
	TypePong               = "pong"
	TypeError              = "error"
	TypeForceLogout        = "force_logout"
)

// Canonical error codes carried in error frames.
const (
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUserBanned        = "USER_BANNED"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeInternalError     = "INTERNAL_ERROR"
	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// WebSocket close codes.
const (
	CloseNormal      = 1000 // logout
	ClosePolicy      = 1008 // bad auth
	CloseTooBig      = 1009 // frame or queue overflow
	CloseInternal    = 1011
	CloseRateLimited = 4029
)

// Error is the typed failure returned by handlers. The gateway converts it
// to a wire error frame, echoing the inbound requestId when present.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a typed handler error.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a wire error. Unknown errors become
// INTERNAL_ERROR without leaking internals to the client.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return &Error{Code: CodeInternalError, Message: "internal error"}
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Marshal wraps a payload into a frame and encodes it.
func Marshal(frameType, requestID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Frame{Type: frameType, RequestID: requestID, Payload: raw})
}

// MarshalError encodes an error frame for the given failure.
func MarshalError(requestID string, werr *Error) []byte {
	b, err := Marshal(TypeError, requestID, ErrorPayload{
		Code:      werr.Code,
		Message:   werr.Message,
		RequestID: requestID,
	})
	if err != nil {
		// ErrorPayload contains only strings; this cannot fail.
		return []byte(`{"type":"error","payload":{"code":"INTERNAL_ERROR","message":"internal error"}}`)
	}
	return b
}
