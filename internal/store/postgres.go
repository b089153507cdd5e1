package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements DurableStore on a pgx pool. Multi-row invariants run
// inside explicit transactions; unique indexes back the protocol's
// uniqueness guarantees.
type Postgres struct {
	pool *pgxpool.Pool
}

// Schema kept in sync with the entity model. Migration tooling is out of
// scope; EnsureSchema is idempotent and applied at boot.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    whisper_id      TEXT PRIMARY KEY,
    enc_public_key  BYTEA NOT NULL,
    sign_public_key BYTEA NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL DEFAULT 'active'
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_sign_key ON accounts (sign_public_key);

CREATE TABLE IF NOT EXISTS sessions (
    token       TEXT PRIMARY KEY,
    whisper_id  TEXT NOT NULL REFERENCES accounts (whisper_id),
    device_id   TEXT NOT NULL,
    platform    TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_whisper ON sessions (whisper_id);

CREATE TABLE IF NOT EXISTS push_targets (
    whisper_id TEXT PRIMARY KEY REFERENCES accounts (whisper_id),
    device_id  TEXT NOT NULL,
    platform   TEXT NOT NULL,
    push_token TEXT NOT NULL DEFAULT '',
    voip_token TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
    group_id   TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    owner_id   TEXT NOT NULL REFERENCES accounts (whisper_id),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    id         BIGSERIAL PRIMARY KEY,
    group_id   TEXT NOT NULL REFERENCES groups (group_id),
    whisper_id TEXT NOT NULL,
    role       TEXT NOT NULL,
    joined_at  TIMESTAMPTZ NOT NULL,
    removed_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS group_members_active
    ON group_members (group_id, whisper_id) WHERE removed_at IS NULL;

CREATE TABLE IF NOT EXISTS pending_messages (
    message_id   TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    sender_id    TEXT NOT NULL,
    group_id     TEXT NOT NULL DEFAULT '',
    msg_type     TEXT NOT NULL,
    ts           BIGINT NOT NULL,
    nonce        TEXT NOT NULL,
    ciphertext   TEXT NOT NULL,
    sig          TEXT NOT NULL,
    reply_to     TEXT NOT NULL DEFAULT '',
    reactions    JSONB,
    attachment   JSONB,
    received_at  BIGSERIAL,
    created_at   TIMESTAMPTZ NOT NULL,
    delivered_at TIMESTAMPTZ,
    PRIMARY KEY (message_id, recipient_id)
);
CREATE INDEX IF NOT EXISTS pending_recipient_order
    ON pending_messages (recipient_id, ts, message_id);

CREATE TABLE IF NOT EXISTS calls (
    call_id     TEXT PRIMARY KEY,
    caller_id   TEXT NOT NULL,
    callee_id   TEXT NOT NULL,
    state       TEXT NOT NULL,
    is_video    BOOLEAN NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    answered_at TIMESTAMPTZ,
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT NOT NULL DEFAULT ''
);
`

// NewPostgres connects a pool and applies the schema.
func NewPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) GetAccount(ctx context.Context, whisperID string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT whisper_id, enc_public_key, sign_public_key, created_at, status
		 FROM accounts WHERE whisper_id = $1`, whisperID)
	return scanAccount(row)
}

func (p *Postgres) GetAccountBySignKey(ctx context.Context, signPublicKey []byte) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT whisper_id, enc_public_key, sign_public_key, created_at, status
		 FROM accounts WHERE sign_public_key = $1`, signPublicKey)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.WhisperID, &a.EncPublicKey, &a.SignPublicKey, &a.CreatedAt, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) RegisterDevice(ctx context.Context, params RegisterParams) ([]Session, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existingSign, existingEnc []byte
	err = tx.QueryRow(ctx,
		`SELECT sign_public_key, enc_public_key FROM accounts WHERE whisper_id = $1 FOR UPDATE`,
		params.Account.WhisperID).Scan(&existingSign, &existingEnc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (whisper_id, enc_public_key, sign_public_key, created_at, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			params.Account.WhisperID, params.Account.EncPublicKey,
			params.Account.SignPublicKey, params.Account.CreatedAt, AccountActive)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, ErrDuplicate
			}
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if string(existingSign) != string(params.Account.SignPublicKey) ||
			string(existingEnc) != string(params.Account.EncPublicKey) {
			return nil, ErrKeyMismatch
		}
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM sessions WHERE whisper_id = $1
		 RETURNING token, whisper_id, device_id, platform, created_at, expires_at`,
		params.Account.WhisperID)
	if err != nil {
		return nil, err
	}
	displaced, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO push_targets (whisper_id, device_id, platform, push_token, voip_token, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (whisper_id) DO UPDATE SET
		   device_id = EXCLUDED.device_id, platform = EXCLUDED.platform,
		   push_token = EXCLUDED.push_token, voip_token = EXCLUDED.voip_token,
		   updated_at = EXCLUDED.updated_at`,
		params.Push.WhisperID, params.Push.DeviceID, params.Push.Platform,
		params.Push.PushToken, params.Push.VoipToken, params.Push.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (token, whisper_id, device_id, platform, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		params.Session.Token, params.Session.WhisperID, params.Session.DeviceID,
		params.Session.Platform, params.Session.CreatedAt, params.Session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return displaced, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.Token, &s.WhisperID, &s.DeviceID, &s.Platform, &s.CreatedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) GetSession(ctx context.Context, token string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`SELECT token, whisper_id, device_id, platform, created_at, expires_at
		 FROM sessions WHERE token = $1`, token).
		Scan(&s.Token, &s.WhisperID, &s.DeviceID, &s.Platform, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) RotateSession(ctx context.Context, oldToken, newToken string, expiresAt time.Time) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`UPDATE sessions SET token = $2, expires_at = $3 WHERE token = $1
		 RETURNING token, whisper_id, device_id, platform, created_at, expires_at`,
		oldToken, newToken, expiresAt).
		Scan(&s.Token, &s.WhisperID, &s.DeviceID, &s.Platform, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, token string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

func (p *Postgres) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) UpsertPushTarget(ctx context.Context, t PushTarget) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO push_targets (whisper_id, device_id, platform, push_token, voip_token, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (whisper_id) DO UPDATE SET
		   device_id = CASE WHEN EXCLUDED.device_id <> '' THEN EXCLUDED.device_id ELSE push_targets.device_id END,
		   platform = CASE WHEN EXCLUDED.platform <> '' THEN EXCLUDED.platform ELSE push_targets.platform END,
		   push_token = CASE WHEN EXCLUDED.push_token <> '' THEN EXCLUDED.push_token ELSE push_targets.push_token END,
		   voip_token = CASE WHEN EXCLUDED.voip_token <> '' THEN EXCLUDED.voip_token ELSE push_targets.voip_token END,
		   updated_at = EXCLUDED.updated_at`,
		t.WhisperID, t.DeviceID, t.Platform, t.PushToken, t.VoipToken, t.UpdatedAt)
	return err
}

func (p *Postgres) GetPushTarget(ctx context.Context, whisperID string) (*PushTarget, error) {
	var t PushTarget
	err := p.pool.QueryRow(ctx,
		`SELECT whisper_id, device_id, platform, push_token, voip_token, updated_at
		 FROM push_targets WHERE whisper_id = $1`, whisperID).
		Scan(&t.WhisperID, &t.DeviceID, &t.Platform, &t.PushToken, &t.VoipToken, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) CreateGroup(ctx context.Context, g Group, members []GroupMember) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO groups (group_id, title, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		g.GroupID, g.Title, g.OwnerID, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	for _, m := range members {
		_, err = tx.Exec(ctx,
			`INSERT INTO group_members (group_id, whisper_id, role, joined_at)
			 VALUES ($1, $2, $3, $4)`,
			m.GroupID, m.WhisperID, m.Role, m.JoinedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	var g Group
	err := p.pool.QueryRow(ctx,
		`SELECT group_id, title, owner_id, created_at, updated_at FROM groups WHERE group_id = $1`,
		groupID).Scan(&g.GroupID, &g.Title, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *Postgres) ActiveMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	if _, err := p.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT group_id, whisper_id, role, joined_at, removed_at
		 FROM group_members WHERE group_id = $1 AND removed_at IS NULL
		 ORDER BY whisper_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.WhisperID, &m.Role, &m.JoinedAt, &m.RemovedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveMember(ctx context.Context, groupID, whisperID string) (*GroupMember, error) {
	var m GroupMember
	err := p.pool.QueryRow(ctx,
		`SELECT group_id, whisper_id, role, joined_at, removed_at
		 FROM group_members WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`,
		groupID, whisperID).Scan(&m.GroupID, &m.WhisperID, &m.Role, &m.JoinedAt, &m.RemovedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) AddMember(ctx context.Context, m GroupMember) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, whisper_id, role, joined_at)
		 VALUES ($1, $2, $3, $4)`,
		m.GroupID, m.WhisperID, m.Role, m.JoinedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) RemoveMember(ctx context.Context, groupID, whisperID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE group_members SET removed_at = $3
		 WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`,
		groupID, whisperID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ChangeRole(ctx context.Context, groupID, whisperID, role string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE group_members SET role = $3
		 WHERE group_id = $1 AND whisper_id = $2 AND removed_at IS NULL`,
		groupID, whisperID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = p.pool.Exec(ctx, `UPDATE groups SET updated_at = $2 WHERE group_id = $1`, groupID, at)
	return err
}

func (p *Postgres) UpdateGroupTitle(ctx context.Context, groupID, title string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE groups SET title = $2, updated_at = $3 WHERE group_id = $1`,
		groupID, title, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) InsertPending(ctx context.Context, m PendingMessage) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pending_messages
		 (message_id, recipient_id, sender_id, group_id, msg_type, ts, nonce, ciphertext, sig,
		  reply_to, reactions, attachment, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.MessageID, m.RecipientID, m.SenderID, m.GroupID, m.MsgType, m.Timestamp,
		m.Nonce, m.Ciphertext, m.Sig, m.ReplyTo, m.Reactions, m.Attachment, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) MarkPendingDelivered(ctx context.Context, recipientID, messageID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE pending_messages SET delivered_at = $3 WHERE message_id = $1 AND recipient_id = $2`,
		messageID, recipientID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeletePending(ctx context.Context, recipientID, messageID string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM pending_messages WHERE message_id = $1 AND recipient_id = $2`,
		messageID, recipientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListPending(ctx context.Context, recipientID string, after *PendingCursor, limit int) ([]PendingMessage, error) {
	q := `SELECT message_id, recipient_id, sender_id, group_id, msg_type, ts, nonce, ciphertext,
	             sig, reply_to, reactions, attachment, received_at, created_at, delivered_at
	      FROM pending_messages WHERE recipient_id = $1`
	args := []any{recipientID}
	if after != nil {
		q += ` AND (ts, message_id) > ($2, $3)`
		args = append(args, after.Timestamp, after.MessageID)
	}
	q += ` ORDER BY ts, message_id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.MessageID, &m.RecipientID, &m.SenderID, &m.GroupID, &m.MsgType,
			&m.Timestamp, &m.Nonce, &m.Ciphertext, &m.Sig, &m.ReplyTo, &m.Reactions,
			&m.Attachment, &m.ReceivedAt, &m.CreatedAt, &m.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM pending_messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) InsertCall(ctx context.Context, c Call) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calls (call_id, caller_id, callee_id, state, is_video, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		c.CallID, c.CallerID, c.CalleeID, c.State, c.IsVideo, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) ActiveCallBetween(ctx context.Context, callerID, calleeID string) (*Call, error) {
	var c Call
	err := p.pool.QueryRow(ctx,
		`SELECT call_id, caller_id, callee_id, state, is_video, created_at, answered_at, ended_at, end_reason
		 FROM calls WHERE caller_id = $1 AND callee_id = $2 AND state <> 'ended' LIMIT 1`,
		callerID, calleeID).
		Scan(&c.CallID, &c.CallerID, &c.CalleeID, &c.State, &c.IsVideo, &c.CreatedAt,
			&c.AnsweredAt, &c.EndedAt, &c.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) MarkCallRinging(ctx context.Context, callID string) error {
	return p.setCallState(ctx, callID,
		`UPDATE calls SET state = 'ringing' WHERE call_id = $1 AND state = 'initiated'`)
}

func (p *Postgres) MarkCallAnswered(ctx context.Context, callID string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE calls SET state = 'answered', answered_at = $2
		 WHERE call_id = $1 AND state IN ('initiated','ringing')`, callID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EndCall(ctx context.Context, callID string, at time.Time, reason string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE calls SET state = 'ended', ended_at = $2, end_reason = $3
		 WHERE call_id = $1 AND state <> 'ended'`, callID, at, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) setCallState(ctx context.Context, callID, query string) error {
	tag, err := p.pool.Exec(ctx, query, callID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (*Call, error) {
	var c Call
	err := p.pool.QueryRow(ctx,
		`SELECT call_id, caller_id, callee_id, state, is_video, created_at, answered_at, ended_at, end_reason
		 FROM calls WHERE call_id = $1`, callID).
		Scan(&c.CallID, &c.CallerID, &c.CalleeID, &c.State, &c.IsVideo, &c.CreatedAt,
			&c.AnsweredAt, &c.EndedAt, &c.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) Close() { p.pool.Close() }
