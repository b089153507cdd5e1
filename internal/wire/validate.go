package wire

import (
	"encoding/json"
)

// Field size caps from the protocol contract.
const (
	NonceBytes         = 24
	SignatureBytes     = 64
	PublicKeyBytes     = 32
	MaxGroupTitleChars = 64
	MaxGroupMembers    = 256
	MaxFetchLimit      = 100
	MaxAttachmentBytes = 64 * 1024 // the pointer payload, never the blob
)

// Receipt statuses.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Call end reasons accepted on the wire.
var callEndReasons = map[string]bool{
	"ended": true, "declined": true, "busy": true,
	"timeout": true, "failed": true, "cancelled": true,
}

var platforms = map[string]bool{"android": true, "ios": true, "web": true}

var groupRoles = map[string]bool{"owner": true, "admin": true, "member": true}

// authRequired lists the types that must carry a live session token.
// register_begin/register_proof establish the session; ping is allowed
// unauthenticated so half-open clients can keep the socket warm.
var authRequired = map[string]bool{
	TypeSessionRefresh:     true,
	TypeLogout:             true,
	TypeUpdateTokens:       true,
	TypeSendMessage:        true,
	TypeDeliveryReceipt:    true,
	TypeFetchPending:       true,
	TypeGroupCreate:        true,
	TypeGroupUpdate:        true,
	TypeGroupSendMessage:   true,
	TypeGetTurnCredentials: true,
	TypeCallInitiate:       true,
	TypeCallRinging:        true,
	TypeCallAnswer:         true,
	TypeCallIceCandidate:   true,
	TypeCallEnd:            true,
	TypeTyping:             true,
}

// AuthRequired reports whether frames of this type pass the auth gate.
func AuthRequired(frameType string) bool {
	return authRequired[frameType]
}

// KnownType reports whether the type is part of the protocol's inbound set.
func KnownType(frameType string) bool {
	switch frameType {
	case TypeRegisterBegin, TypeRegisterProof, TypeSessionRefresh, TypeLogout,
		TypeUpdateTokens, TypeSendMessage, TypeDeliveryReceipt, TypeFetchPending,
		TypeGroupCreate, TypeGroupUpdate, TypeGroupSendMessage,
		TypeGetTurnCredentials, TypeCallInitiate, TypeCallRinging, TypeCallAnswer,
		TypeCallIceCandidate, TypeCallEnd, TypeTyping, TypePing:
		return true
	}
	return false
}

// ValidatePayload decodes and validates the payload for an inbound frame type.
// It returns the typed payload struct or an INVALID_PAYLOAD error. Timestamp
// skew and signatures are checked downstream by the owning service; this layer
// covers shape, encodings, and bounds only.
func ValidatePayload(frameType string, raw json.RawMessage) (any, *Error) {
	switch frameType {
	case TypeRegisterBegin:
		return validateRegisterBegin(raw)
	case TypeRegisterProof:
		return validateRegisterProof(raw)
	case TypeSessionRefresh:
		var p SessionRefresh
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Authed.check(); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeLogout:
		var p Logout
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Authed.check(); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeUpdateTokens:
		return validateUpdateTokens(raw)
	case TypeSendMessage:
		return validateSendMessage(raw)
	case TypeDeliveryReceipt:
		return validateDeliveryReceipt(raw)
	case TypeFetchPending:
		return validateFetchPending(raw)
	case TypeGroupCreate:
		return validateGroupCreate(raw)
	case TypeGroupUpdate:
		return validateGroupUpdate(raw)
	case TypeGroupSendMessage:
		return validateGroupSend(raw)
	case TypeGetTurnCredentials:
		var p GetTurnCredentials
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := p.Authed.check(); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeCallInitiate, TypeCallRinging, TypeCallAnswer, TypeCallIceCandidate, TypeCallEnd:
		return validateCallSignal(frameType, raw)
	case TypeTyping:
		return validateTyping(raw)
	case TypePing:
		var p Ping
		if len(raw) > 0 {
			if err := decode(raw, &p); err != nil {
				return nil, err
			}
		}
		return &p, nil
	}
	return nil, Errf(CodeInvalidPayload, "unknown message type %q", frameType)
}

func decode(raw json.RawMessage, into any) *Error {
	if len(raw) == 0 {
		return Errf(CodeInvalidPayload, "missing payload")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return Errf(CodeInvalidPayload, "malformed payload")
	}
	return nil
}

func (a Authed) check() *Error {
	if a.ProtocolVersion != ProtocolVersion || a.CryptoVersion != CryptoVersion {
		return Errf(CodeInvalidPayload, "unsupported protocol/crypto version")
	}
	if a.SessionToken == "" {
		return Errf(CodeNotRegistered, "missing session token")
	}
	return nil
}

func requireStr(name, v string) *Error {
	if v == "" {
		return Errf(CodeInvalidPayload, "missing %s", name)
	}
	return nil
}

// requireB64 validates strict base64 and, when wantLen > 0, the decoded length.
func requireB64(name, v string, wantLen int) *Error {
	if v == "" {
		return Errf(CodeInvalidPayload, "missing %s", name)
	}
	b, err := DecodeB64(v)
	if err != nil {
		return Errf(CodeInvalidPayload, "%s is not strict base64", name)
	}
	if wantLen > 0 && len(b) != wantLen {
		return Errf(CodeInvalidPayload, "%s must decode to %d bytes", name, wantLen)
	}
	return nil
}

func validateRegisterBegin(raw json.RawMessage) (any, *Error) {
	var p RegisterBegin
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ProtocolVersion != ProtocolVersion || p.CryptoVersion != CryptoVersion {
		return nil, Errf(CodeInvalidPayload, "unsupported protocol/crypto version")
	}
	if err := requireStr("deviceId", p.DeviceID); err != nil {
		return nil, err
	}
	if !platforms[p.Platform] {
		return nil, Errf(CodeInvalidPayload, "platform must be android, ios, or web")
	}
	return &p, nil
}

func validateRegisterProof(raw json.RawMessage) (any, *Error) {
	var p RegisterProof
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ProtocolVersion != ProtocolVersion || p.CryptoVersion != CryptoVersion {
		return nil, Errf(CodeInvalidPayload, "unsupported protocol/crypto version")
	}
	if err := requireStr("challengeId", p.ChallengeID); err != nil {
		return nil, err
	}
	if err := requireStr("deviceId", p.DeviceID); err != nil {
		return nil, err
	}
	if !platforms[p.Platform] {
		return nil, Errf(CodeInvalidPayload, "platform must be android, ios, or web")
	}
	if err := requireB64("encPublicKey", p.EncPublicKey, PublicKeyBytes); err != nil {
		return nil, err
	}
	if err := requireB64("signPublicKey", p.SignPublicKey, PublicKeyBytes); err != nil {
		return nil, err
	}
	if err := requireB64("signature", p.Signature, SignatureBytes); err != nil {
		return nil, err
	}
	return &p, nil
}

func validateUpdateTokens(raw json.RawMessage) (any, *Error) {
	var p UpdateTokens
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	if err := requireStr("deviceId", p.DeviceID); err != nil {
		return nil, err
	}
	if p.PushToken == "" && p.VoipToken == "" {
		return nil, Errf(CodeInvalidPayload, "at least one of pushToken, voipToken required")
	}
	return &p, nil
}

func validateSendMessage(raw json.RawMessage) (any, *Error) {
	var p SendMessage
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{
		"messageId": p.MessageID, "from": p.From, "to": p.To, "msgType": p.MsgType,
	} {
		if err := requireStr(name, v); err != nil {
			return nil, err
		}
	}
	if p.Timestamp <= 0 {
		return nil, Errf(CodeInvalidPayload, "missing timestamp")
	}
	if err := requireB64("nonce", p.Nonce, NonceBytes); err != nil {
		return nil, err
	}
	if err := requireB64("ciphertext", p.Ciphertext, 0); err != nil {
		return nil, err
	}
	if err := requireB64("sig", p.Sig, SignatureBytes); err != nil {
		return nil, err
	}
	if len(p.Attachment) > MaxAttachmentBytes {
		return nil, Errf(CodeInvalidPayload, "attachment pointer exceeds %d bytes", MaxAttachmentBytes)
	}
	return &p, nil
}

func validateDeliveryReceipt(raw json.RawMessage) (any, *Error) {
	var p DeliveryReceipt
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{"messageId": p.MessageID, "from": p.From, "to": p.To} {
		if err := requireStr(name, v); err != nil {
			return nil, err
		}
	}
	if p.Status != ReceiptDelivered && p.Status != ReceiptRead {
		return nil, Errf(CodeInvalidPayload, "status must be delivered or read")
	}
	return &p, nil
}

func validateFetchPending(raw json.RawMessage) (any, *Error) {
	var p FetchPending
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	if p.Limit < 0 || p.Limit > MaxFetchLimit {
		return nil, Errf(CodeInvalidPayload, "limit must be between 0 and %d", MaxFetchLimit)
	}
	return &p, nil
}

func validateGroupCreate(raw json.RawMessage) (any, *Error) {
	var p GroupCreate
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	if n := len(p.Title); n < 1 || n > MaxGroupTitleChars {
		return nil, Errf(CodeInvalidPayload, "title must be 1-%d characters", MaxGroupTitleChars)
	}
	if len(p.MemberIDs) >= MaxGroupMembers {
		return nil, Errf(CodeInvalidPayload, "group capped at %d members", MaxGroupMembers)
	}
	return &p, nil
}

func validateGroupUpdate(raw json.RawMessage) (any, *Error) {
	var p GroupUpdate
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	if err := requireStr("groupId", p.GroupID); err != nil {
		return nil, err
	}
	switch p.Action {
	case GroupActionUpdateTitle:
		if n := len(p.Title); n < 1 || n > MaxGroupTitleChars {
			return nil, Errf(CodeInvalidPayload, "title must be 1-%d characters", MaxGroupTitleChars)
		}
	case GroupActionAddMember, GroupActionRemoveMember:
		if err := requireStr("memberId", p.MemberID); err != nil {
			return nil, err
		}
	case GroupActionChangeRole:
		if err := requireStr("memberId", p.MemberID); err != nil {
			return nil, err
		}
		if !groupRoles[p.Role] {
			return nil, Errf(CodeInvalidPayload, "role must be owner, admin, or member")
		}
	default:
		return nil, Errf(CodeInvalidPayload, "unknown group action %q", p.Action)
	}
	return &p, nil
}

func validateGroupSend(raw json.RawMessage) (any, *Error) {
	var p GroupSendMessage
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{
		"groupId": p.GroupID, "messageId": p.MessageID, "from": p.From, "msgType": p.MsgType,
	} {
		if err := requireStr(name, v); err != nil {
			return nil, err
		}
	}
	if p.Timestamp <= 0 {
		return nil, Errf(CodeInvalidPayload, "missing timestamp")
	}
	if len(p.Recipients) == 0 {
		return nil, Errf(CodeInvalidPayload, "recipients must not be empty")
	}
	if len(p.Recipients) > MaxGroupMembers {
		return nil, Errf(CodeInvalidPayload, "recipients capped at %d", MaxGroupMembers)
	}
	for _, env := range p.Recipients {
		if err := requireStr("recipients[].to", env.To); err != nil {
			return nil, err
		}
		if err := requireB64("recipients[].nonce", env.Nonce, NonceBytes); err != nil {
			return nil, err
		}
		if err := requireB64("recipients[].ciphertext", env.Ciphertext, 0); err != nil {
			return nil, err
		}
		if err := requireB64("recipients[].sig", env.Sig, SignatureBytes); err != nil {
			return nil, err
		}
	}
	if len(p.Attachment) > MaxAttachmentBytes {
		return nil, Errf(CodeInvalidPayload, "attachment pointer exceeds %d bytes", MaxAttachmentBytes)
	}
	return &p, nil
}

func validateCallSignal(frameType string, raw json.RawMessage) (any, *Error) {
	var p CallSignal
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{"callId": p.CallID, "from": p.From} {
		if err := requireStr(name, v); err != nil {
			return nil, err
		}
	}
	if frameType == TypeCallInitiate {
		if err := requireStr("to", p.To); err != nil {
			return nil, err
		}
	}
	if p.Timestamp <= 0 {
		return nil, Errf(CodeInvalidPayload, "missing timestamp")
	}
	if err := requireB64("nonce", p.Nonce, NonceBytes); err != nil {
		return nil, err
	}
	if err := requireB64("ciphertext", p.Ciphertext, 0); err != nil {
		return nil, err
	}
	if err := requireB64("sig", p.Sig, SignatureBytes); err != nil {
		return nil, err
	}
	if frameType == TypeCallEnd && !callEndReasons[p.Reason] {
		return nil, Errf(CodeInvalidPayload, "invalid call end reason %q", p.Reason)
	}
	return &p, nil
}

func validateTyping(raw json.RawMessage) (any, *Error) {
	var p Typing
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Authed.check(); err != nil {
		return nil, err
	}
	if p.To == "" && p.GroupID == "" {
		return nil, Errf(CodeInvalidPayload, "typing requires to or groupId")
	}
	return &p, nil
}
