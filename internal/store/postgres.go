package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/orkiva/orkiva/internal/common/database"
	apperrors "github.com/orkiva/orkiva/internal/common/errors"
	v1 "github.com/orkiva/orkiva/pkg/api/v1"
)

// PostgresStore is the durable Store backed by a pgx connection pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- ThreadStore ---

func (s *PostgresStore) CreateThread(ctx context.Context, thread *v1.Thread) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO threads (thread_id, workspace_id, title, type, status, escalation_owner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		thread.ID, thread.WorkspaceID, thread.Title, thread.Type, thread.Status,
		thread.EscalationOwner, thread.CreatedAt)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeConflict, "thread %q already exists", thread.ID)
	}
	if err != nil {
		return apperrors.Internal("create thread", err)
	}
	return nil
}

const threadColumns = `thread_id, workspace_id, title, type, status, escalation_owner, created_at, updated_at`

func scanThread(row pgx.Row) (*v1.Thread, error) {
	var t v1.Thread
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.Type, &t.Status,
		&t.EscalationOwner, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*v1.Thread, error) {
	t, err := scanThread(s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE thread_id = $1`, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("thread", threadID)
	}
	if err != nil {
		return nil, apperrors.Internal("get thread", err)
	}
	return t, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, workspaceID string, includeClosed bool) ([]*v1.Thread, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE workspace_id = $1 AND ($2 OR status <> 'closed')
		ORDER BY thread_id`, workspaceID, includeClosed)
	if err != nil {
		return nil, apperrors.Internal("list threads", err)
	}
	defer rows.Close()

	var out []*v1.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, apperrors.Internal("scan thread", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionThread(ctx context.Context, threadID string, next v1.ThreadStatus, escalationOwner *string, force bool) (*v1.Thread, error) {
	var out *v1.Thread
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := scanThread(tx.QueryRow(ctx,
			`SELECT `+threadColumns+` FROM threads WHERE thread_id = $1 FOR UPDATE`, threadID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("thread", threadID)
		}
		if err != nil {
			return apperrors.Internal("lock thread", err)
		}
		if !force && !t.Status.CanTransitionTo(next) {
			return apperrors.Newf(apperrors.CodeInvalidThreadTransition,
				"thread %q cannot move from %s to %s", threadID, t.Status, next)
		}
		owner := t.EscalationOwner
		if escalationOwner != nil {
			owner = escalationOwner
		}
		out, err = scanThread(tx.QueryRow(ctx, `
			UPDATE threads SET status = $2, escalation_owner = $3
			WHERE thread_id = $1
			RETURNING `+threadColumns, threadID, next, owner))
		if err != nil {
			return apperrors.Internal("transition thread", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, threadID, agentID string) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO thread_participants (thread_id, agent_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, threadID, agentID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperrors.NotFound("thread", threadID)
		}
		return apperrors.Internal("add participant", err)
	}
	_ = tag
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_id FROM thread_participants
		WHERE thread_id = $1 ORDER BY agent_id`, threadID)
	if err != nil {
		return nil, apperrors.Internal("list participants", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var agentID string
		if err := rows.Scan(&agentID); err != nil {
			return nil, apperrors.Internal("scan participant", err)
		}
		out = append(out, agentID)
	}
	return out, rows.Err()
}

const messageColumns = `message_id, thread_id, schema_version, seq, sender_agent_id,
	sender_session_id, kind, body, metadata, in_reply_to, idempotency_key, created_at`

func scanMessage(row pgx.Row) (*v1.Message, error) {
	var m v1.Message
	err := row.Scan(&m.ID, &m.ThreadID, &m.SchemaVersion, &m.Seq, &m.SenderAgentID,
		&m.SenderSessionID, &m.Kind, &m.Body, &m.Metadata, &m.InReplyTo,
		&m.IdempotencyKey, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *v1.Message) (*v1.Message, error) {
	var out *v1.Message
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Lock the thread row so concurrent appends serialize on the seq.
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT TRUE FROM threads WHERE thread_id = $1 FOR UPDATE`, msg.ThreadID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("thread", msg.ThreadID)
		}
		if err != nil {
			return apperrors.Internal("lock thread", err)
		}

		if msg.IdempotencyKey != nil {
			existing, err := scanMessage(tx.QueryRow(ctx, `
				SELECT `+messageColumns+` FROM messages
				WHERE thread_id = $1 AND sender_agent_id = $2 AND idempotency_key = $3`,
				msg.ThreadID, msg.SenderAgentID, *msg.IdempotencyKey))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return apperrors.Internal("idempotency lookup", err)
			}
		}

		var latest int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1`, msg.ThreadID).Scan(&latest); err != nil {
			return apperrors.Internal("latest seq", err)
		}
		if latest == int64(^uint64(0)>>1) {
			return apperrors.Newf(apperrors.CodeSequenceOverflow,
				"thread %q exhausted its sequence space", msg.ThreadID)
		}

		schemaVersion := msg.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = v1.MessageSchemaVersion
		}
		out, err = scanMessage(tx.QueryRow(ctx, `
			INSERT INTO messages (message_id, thread_id, schema_version, seq, sender_agent_id,
				sender_session_id, kind, body, metadata, in_reply_to, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING `+messageColumns,
			msg.ID, msg.ThreadID, schemaVersion, latest+1, msg.SenderAgentID,
			msg.SenderSessionID, msg.Kind, msg.Body, msg.Metadata, msg.InReplyTo,
			msg.IdempotencyKey, msg.CreatedAt))
		if err != nil {
			return apperrors.Internal("insert message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, limit int) ([]*v1.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE thread_id = $1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`, threadID, limit)
	if err != nil {
		return nil, apperrors.Internal("list messages", err)
	}
	defer rows.Close()

	var out []*v1.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperrors.Internal("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSeq(ctx context.Context, threadID string) (int64, error) {
	var latest int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1`, threadID).Scan(&latest)
	if err != nil {
		return 0, apperrors.Internal("latest seq", err)
	}
	return latest, nil
}

func (s *PostgresStore) FindAckEvent(ctx context.Context, threadID, senderAgentID string, since time.Time) (*v1.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = $1 AND sender_agent_id = $2 AND kind = 'event' AND created_at >= $3
		ORDER BY seq LIMIT 1`, threadID, senderAgentID, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("find ack event", err)
	}
	return m, nil
}

func (s *PostgresStore) AcknowledgeRead(ctx context.Context, threadID, agentID string, seq int64, messageID *string, now time.Time) (*v1.ParticipantCursor, error) {
	var cur v1.ParticipantCursor
	err := s.db.QueryRow(ctx, `
		INSERT INTO participant_cursors (thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, agent_id) DO UPDATE
		SET last_read_seq = EXCLUDED.last_read_seq,
		    last_acked_message_id = COALESCE(EXCLUDED.last_acked_message_id, participant_cursors.last_acked_message_id)
		WHERE participant_cursors.last_read_seq <= EXCLUDED.last_read_seq
		RETURNING thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at`,
		threadID, agentID, seq, messageID, now).
		Scan(&cur.ThreadID, &cur.AgentID, &cur.LastReadSeq, &cur.LastAckedMessageID, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeCursorRegression,
			"cursor for agent %q would regress to %d", agentID, seq)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, apperrors.NotFound("thread", threadID)
		}
		return nil, apperrors.Internal("acknowledge read", err)
	}
	return &cur, nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, threadID, agentID string) (*v1.ParticipantCursor, error) {
	var cur v1.ParticipantCursor
	err := s.db.QueryRow(ctx, `
		SELECT thread_id, agent_id, last_read_seq, last_acked_message_id, updated_at
		FROM participant_cursors WHERE thread_id = $1 AND agent_id = $2`, threadID, agentID).
		Scan(&cur.ThreadID, &cur.AgentID, &cur.LastReadSeq, &cur.LastAckedMessageID, &cur.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get cursor", err)
	}
	return &cur, nil
}

func (s *PostgresStore) ParticipantSnapshots(ctx context.Context, workspaceID string, includeClosed bool) ([]ParticipantSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.thread_id, t.workspace_id, p.agent_id,
		       COALESCE(m.latest_seq, 0), COALESCE(c.last_read_seq, 0),
		       sr.session_id, sr.runtime, sr.management_mode, sr.resumable,
		       sr.status, sr.last_heartbeat_at, sr.updated_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.thread_id
		LEFT JOIN LATERAL (
			SELECT MAX(seq) AS latest_seq FROM messages WHERE thread_id = t.thread_id
		) m ON TRUE
		LEFT JOIN participant_cursors c
			ON c.thread_id = t.thread_id AND c.agent_id = p.agent_id
		LEFT JOIN session_registry sr
			ON sr.agent_id = p.agent_id AND sr.workspace_id = t.workspace_id
		WHERE t.workspace_id = $1 AND ($2 OR t.status <> 'closed')
		ORDER BY t.thread_id, p.agent_id`, workspaceID, includeClosed)
	if err != nil {
		return nil, apperrors.Internal("participant snapshots", err)
	}
	defer rows.Close()

	var out []ParticipantSnapshot
	for rows.Next() {
		var (
			row       ParticipantSnapshot
			sessionID *string
			runtime   *string
			mode      *v1.ManagementMode
			resumable *bool
			status    *v1.SessionStatus
			hbAt      *time.Time
			updatedAt *time.Time
		)
		if err := rows.Scan(&row.ThreadID, &row.WorkspaceID, &row.AgentID,
			&row.LatestSeq, &row.LastReadSeq,
			&sessionID, &runtime, &mode, &resumable, &status, &hbAt, &updatedAt); err != nil {
			return nil, apperrors.Internal("scan snapshot", err)
		}
		if sessionID != nil {
			row.Session = &v1.SessionRecord{
				AgentID:         row.AgentID,
				WorkspaceID:     row.WorkspaceID,
				SessionID:       *sessionID,
				Runtime:         *runtime,
				ManagementMode:  *mode,
				Resumable:       *resumable,
				Status:          *status,
				LastHeartbeatAt: *hbAt,
				UpdatedAt:       *updatedAt,
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// --- SessionStore ---

const sessionColumns = `agent_id, workspace_id, session_id, runtime, management_mode,
	resumable, status, last_heartbeat_at, updated_at`

func scanSession(row pgx.Row) (*v1.SessionRecord, error) {
	var r v1.SessionRecord
	err := row.Scan(&r.AgentID, &r.WorkspaceID, &r.SessionID, &r.Runtime,
		&r.ManagementMode, &r.Resumable, &r.Status, &r.LastHeartbeatAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, agentID, workspaceID string) (*v1.SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM session_registry
		WHERE agent_id = $1 AND workspace_id = $2`, agentID, workspaceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get session", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, workspaceID string) ([]*v1.SessionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM session_registry
		WHERE workspace_id = $1 ORDER BY agent_id`, workspaceID)
	if err != nil {
		return nil, apperrors.Internal("list sessions", err)
	}
	defer rows.Close()

	var out []*v1.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.Internal("scan session", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSessionFromHeartbeat(ctx context.Context, hb *v1.Heartbeat) (*v1.SessionRecord, error) {
	var out *v1.SessionRecord
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var boundAgent string
		err := tx.QueryRow(ctx, `
			SELECT agent_id FROM session_registry
			WHERE workspace_id = $1 AND session_id = $2 AND agent_id <> $3`,
			hb.WorkspaceID, hb.SessionID, hb.AgentID).Scan(&boundAgent)
		if err == nil {
			return apperrors.Newf(apperrors.CodeSessionScopeMismatch,
				"session %q already bound to agent %q", hb.SessionID, boundAgent)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Internal("session scope check", err)
		}

		out, err = scanSession(tx.QueryRow(ctx, `
			INSERT INTO session_registry (agent_id, workspace_id, session_id, runtime,
				management_mode, resumable, status, last_heartbeat_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (agent_id, workspace_id) DO UPDATE
			SET session_id = EXCLUDED.session_id,
			    runtime = EXCLUDED.runtime,
			    management_mode = EXCLUDED.management_mode,
			    resumable = EXCLUDED.resumable,
			    status = EXCLUDED.status,
			    last_heartbeat_at = EXCLUDED.last_heartbeat_at
			WHERE session_registry.last_heartbeat_at < EXCLUDED.last_heartbeat_at
			RETURNING `+sessionColumns,
			hb.AgentID, hb.WorkspaceID, hb.SessionID, hb.Runtime,
			hb.ManagementMode, hb.Resumable, hb.Status, hb.HeartbeatAt))
		if errors.Is(err, pgx.ErrNoRows) {
			// Stale heartbeat; return the newer row unchanged.
			out, err = scanSession(tx.QueryRow(ctx, `
				SELECT `+sessionColumns+` FROM session_registry
				WHERE agent_id = $1 AND workspace_id = $2`, hb.AgentID, hb.WorkspaceID))
		}
		if err != nil {
			return apperrors.Internal("upsert session", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) MarkStaleSessionsOffline(ctx context.Context, workspaceID string, staleBefore, now time.Time) (int, int, error) {
	var checked int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_registry WHERE workspace_id = $1`, workspaceID).Scan(&checked); err != nil {
		return 0, 0, apperrors.Internal("count sessions", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE session_registry SET status = 'offline'
		WHERE workspace_id = $1 AND status <> 'offline' AND last_heartbeat_at < $2`,
		workspaceID, staleBefore)
	if err != nil {
		return 0, 0, apperrors.Internal("mark sessions offline", err)
	}
	_ = now
	return checked, int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeregisterSession(ctx context.Context, agentID, workspaceID string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE session_registry SET status = 'offline', resumable = FALSE
		WHERE agent_id = $1 AND workspace_id = $2`, agentID, workspaceID)
	if err != nil {
		return apperrors.Internal("deregister session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", agentID)
	}
	_ = now
	return nil
}

var _ Store = (*PostgresStore)(nil)
