package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process DurableStore used in dev mode and tests. One
// mutex guards everything; the multi-row operations are atomic by
// construction.
type Memory struct {
	mu sync.Mutex

	accounts map[string]*Account            // whisperId -> account
	sessions map[string]*Session            // token -> session
	pushes   map[string]*PushTarget         // whisperId -> target
	groups   map[string]*Group              // groupId -> group
	members  map[string][]*GroupMember      // groupId -> rows (history preserved)
	pending  map[string][]*PendingMessage   // recipientId -> queue
	calls    map[string]*Call               // callId -> row
	recvSeq  map[string]int64               // recipientId -> last receivedAt
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*Account),
		sessions: make(map[string]*Session),
		pushes:   make(map[string]*PushTarget),
		groups:   make(map[string]*Group),
		members:  make(map[string][]*GroupMember),
		pending:  make(map[string][]*PendingMessage),
		calls:    make(map[string]*Call),
		recvSeq:  make(map[string]int64),
	}
}

func (s *Memory) GetAccount(_ context.Context, whisperID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[whisperID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Memory) GetAccountBySignKey(_ context.Context, signPublicKey []byte) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if bytes.Equal(a.SignPublicKey, signPublicKey) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) RegisterDevice(_ context.Context, p RegisterParams) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[p.Account.WhisperID]; ok {
		if !bytes.Equal(existing.SignPublicKey, p.Account.SignPublicKey) ||
			!bytes.Equal(existing.EncPublicKey, p.Account.EncPublicKey) {
			return nil, ErrKeyMismatch
		}
	} else {
		acct := p.Account
		s.accounts[acct.WhisperID] = &acct
	}

	var displaced []Session
	for token, sess := range s.sessions {
		if sess.WhisperID == p.Account.WhisperID {
			displaced = append(displaced, *sess)
			delete(s.sessions, token)
		}
	}

	push := p.Push
	s.pushes[push.WhisperID] = &push

	sess := p.Session
	s.sessions[sess.Token] = &sess
	return displaced, nil
}

func (s *Memory) GetSession(_ context.Context, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Memory) RotateSession(_ context.Context, oldToken, newToken string, expiresAt time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[oldToken]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.sessions, oldToken)
	rotated := *sess
	rotated.Token = newToken
	rotated.ExpiresAt = expiresAt
	s.sessions[newToken] = &rotated
	cp := rotated
	return &cp, nil
}

func (s *Memory) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *Memory) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for token, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

func (s *Memory) UpsertPushTarget(_ context.Context, t PushTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	// Empty fields keep their previous value; token refreshes often carry
	// only one of the two tokens.
	if prev, ok := s.pushes[t.WhisperID]; ok {
		if cp.Platform == "" {
			cp.Platform = prev.Platform
		}
		if cp.DeviceID == "" {
			cp.DeviceID = prev.DeviceID
		}
		if cp.PushToken == "" {
			cp.PushToken = prev.PushToken
		}
		if cp.VoipToken == "" {
			cp.VoipToken = prev.VoipToken
		}
	}
	s.pushes[t.WhisperID] = &cp
	return nil
}

func (s *Memory) GetPushTarget(_ context.Context, whisperID string) (*PushTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pushes[whisperID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) CreateGroup(_ context.Context, g Group, members []GroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.GroupID]; ok {
		return ErrDuplicate
	}
	cp := g
	s.groups[g.GroupID] = &cp
	for _, m := range members {
		mc := m
		s.members[g.GroupID] = append(s.members[g.GroupID], &mc)
	}
	return nil
}

func (s *Memory) GetGroup(_ context.Context, groupID string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Memory) activeMembersLocked(groupID string) []*GroupMember {
	var out []*GroupMember
	for _, m := range s.members[groupID] {
		if m.RemovedAt == nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *Memory) ActiveMembers(_ context.Context, groupID string) ([]GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return nil, ErrNotFound
	}
	var out []GroupMember
	for _, m := range s.activeMembersLocked(groupID) {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WhisperID < out[j].WhisperID })
	return out, nil
}

func (s *Memory) ActiveMember(_ context.Context, groupID, whisperID string) (*GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.activeMembersLocked(groupID) {
		if m.WhisperID == whisperID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) AddMember(_ context.Context, m GroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[m.GroupID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.activeMembersLocked(m.GroupID) {
		if existing.WhisperID == m.WhisperID {
			return ErrDuplicate
		}
	}
	cp := m
	s.members[m.GroupID] = append(s.members[m.GroupID], &cp)
	return nil
}

func (s *Memory) RemoveMember(_ context.Context, groupID, whisperID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.activeMembersLocked(groupID) {
		if m.WhisperID == whisperID {
			t := at
			m.RemovedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) ChangeRole(_ context.Context, groupID, whisperID, role string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.activeMembersLocked(groupID) {
		if m.WhisperID == whisperID {
			m.Role = role
			if g, ok := s.groups[groupID]; ok {
				g.UpdatedAt = at
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) UpdateGroupTitle(_ context.Context, groupID, title string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.Title = title
	g.UpdatedAt = at
	return nil
}

func (s *Memory) InsertPending(_ context.Context, m PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pending[m.RecipientID] {
		if existing.MessageID == m.MessageID {
			return ErrDuplicate
		}
	}
	s.recvSeq[m.RecipientID]++
	m.ReceivedAt = s.recvSeq[m.RecipientID]
	cp := m
	s.pending[m.RecipientID] = append(s.pending[m.RecipientID], &cp)
	return nil
}

func (s *Memory) MarkPendingDelivered(_ context.Context, recipientID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.pending[recipientID] {
		if m.MessageID == messageID {
			t := at
			m.DeliveredAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) DeletePending(_ context.Context, recipientID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pending[recipientID]
	for i, m := range queue {
		if m.MessageID == messageID {
			s.pending[recipientID] = append(queue[:i], queue[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) ListPending(_ context.Context, recipientID string, after *PendingCursor, limit int) ([]PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.pending[recipientID]
	sorted := make([]*PendingMessage, len(queue))
	copy(sorted, queue)
	// Fetch order must be exactly the cursor order (timestamp, messageId),
	// or a page boundary between same-timestamp rows loses messages.
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].MessageID < sorted[j].MessageID
	})
	var out []PendingMessage
	for _, m := range sorted {
		if after != nil {
			if m.Timestamp < after.Timestamp {
				continue
			}
			if m.Timestamp == after.Timestamp && m.MessageID <= after.MessageID {
				continue
			}
		}
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) PurgePendingBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for recipient, queue := range s.pending {
		kept := queue[:0]
		for _, m := range queue {
			if m.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, m)
		}
		s.pending[recipient] = kept
	}
	return n, nil
}

func (s *Memory) InsertCall(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.CallID]; ok {
		return ErrDuplicate
	}
	cp := c
	s.calls[c.CallID] = &cp
	return nil
}

func (s *Memory) ActiveCallBetween(_ context.Context, callerID, calleeID string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.CallerID == callerID && c.CalleeID == calleeID && c.State != CallEnded {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) MarkCallRinging(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.State = CallRinging
	return nil
}

func (s *Memory) MarkCallAnswered(_ context.Context, callID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.State = CallAnswered
	t := at
	c.AnsweredAt = &t
	return nil
}

func (s *Memory) EndCall(_ context.Context, callID string, at time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.State == CallEnded {
		return ErrNotFound
	}
	c.State = CallEnded
	t := at
	c.EndedAt = &t
	c.EndReason = reason
	return nil
}

func (s *Memory) GetCall(_ context.Context, callID string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) Close() {}
