package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
)

type repoPG struct {
	pool  *pgxpool.Pool
	codec commandCodec
}

// NewRepoPG returns the PostgreSQL repository.
func NewRepoPG(pool *pgxpool.Pool, cipher FieldCipher) Repository {
	return &repoPG{pool: pool, codec: commandCodec{cipher: cipher}}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const sessionCols = `id, user_id, encounter_ref, clinic_id, provider, language, state, degraded,
	error_reason, started_at, ended_at, duration_ms, confidence_sum, confidence_count,
	last_chunk_seq, command_count, audio_bytes, expires_at,
	encrypted_audio IS NOT NULL, COALESCE(audio_key_version, 0), updated_at`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *repoPG) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO voice_session (
			id, user_id, encounter_ref, clinic_id, provider, language, state,
			started_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.UserID, s.EncounterRef, s.ClinicID, s.Provider, s.Language, string(s.State),
		s.StartedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrSessionConflict
	}
	return err
}

func (r *repoPG) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSessionPG(r.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM voice_session WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (r *repoPG) ListSessions(ctx context.Context, f ListFilter) ([]*Session, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	add := func(cond string, v interface{}) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.EncounterRef != "" {
		add("encounter_ref = $%d", f.EncounterRef)
	}
	if f.State != "" {
		add("state = $%d", string(f.State))
	}
	if !f.RetainedAt.IsZero() {
		add("(expires_at IS NULL OR expires_at > $%d)", f.RetainedAt)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM voice_session"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + sessionCols + " FROM voice_session" + clause +
		" ORDER BY started_at DESC, id LIMIT $" + strconv.Itoa(idx) + " OFFSET $" + strconv.Itoa(idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSessionPG(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *repoPG) ListOpenSessions(ctx context.Context) ([]*Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionCols+` FROM voice_session
		WHERE state IN ('created', 'active', 'finalizing') ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSessionPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateSession(ctx context.Context, s *Session) error {
	return updateSessionPG(ctx, r.pool, s)
}

func updateSessionPG(ctx context.Context, q querier, s *Session) error {
	tag, err := q.Exec(ctx, `
		UPDATE voice_session SET
			state=$2, degraded=$3, error_reason=$4, ended_at=$5, duration_ms=$6,
			confidence_sum=$7, confidence_count=$8, last_chunk_seq=$9,
			command_count=$10, audio_bytes=$11, expires_at=$12, updated_at=$13
		WHERE id = $1`,
		s.ID, string(s.State), s.Degraded, s.ErrorReason, s.EndedAt, s.DurationMillis,
		s.ConfidenceSum, s.ConfidenceCount, s.LastChunkSeq,
		s.CommandCount, s.AudioBytes, s.ExpiresAt, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *repoPG) insertCommands(ctx context.Context, q querier, cmds []*Command) error {
	for _, c := range cmds {
		sc, err := r.codec.seal(c)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			INSERT INTO voice_command (
				session_id, position, category, section, raw_text, text,
				confidence, unconfirmed, annotations, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			c.SessionID, c.Position, string(c.Category), c.Section, sc.raw, sc.text,
			c.Confidence, c.Unconfirmed, sc.annotations, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert command %d: %w", c.Position, err)
		}
	}
	return nil
}

func (r *repoPG) AppendCommands(ctx context.Context, s *Session, cmds []*Command) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.insertCommands(ctx, tx, cmds); err != nil {
			return err
		}
		return updateSessionPG(ctx, tx, s)
	})
}

func (r *repoPG) ListCommands(ctx context.Context, sessionID uuid.UUID) ([]*Command, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, position, category, section, raw_text, text,
			confidence, unconfirmed, annotations, created_at
		FROM voice_command WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c := &Command{}
		var sc sealedCommand
		var category string
		if err := rows.Scan(&c.SessionID, &c.Position, &category, &c.Section, &sc.raw, &sc.text,
			&c.Confidence, &c.Unconfirmed, &sc.annotations, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Category = categoryOf(category)
		c.CreatedAt = c.CreatedAt.UTC()
		if err := r.codec.open(c, sc); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoPG) Finalize(ctx context.Context, s *Session, cmds []*Command, audio *hipaa.SealedAudio, audit *hipaa.SessionAuditRecord) error {
	payload, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.insertCommands(ctx, tx, cmds); err != nil {
			return err
		}
		if err := updateSessionPG(ctx, tx, s); err != nil {
			return err
		}
		if audio != nil {
			// The payload is write-once; a second finalization leaves it alone.
			if _, err := tx.Exec(ctx, `
				UPDATE voice_session SET encrypted_audio = $2, audio_key_version = $3
				WHERE id = $1 AND encrypted_audio IS NULL`,
				s.ID, audio.Ciphertext, audio.KeyVersion); err != nil {
				return fmt.Errorf("store sealed audio: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			audit.ID, audit.SessionID, audit.Kind, audit.UserID, payload, audit.RecordedAt)
		return err
	})
}

func (r *repoPG) GetAudio(ctx context.Context, id uuid.UUID) ([]byte, int, error) {
	var data []byte
	var version *int
	err := r.pool.QueryRow(ctx, `SELECT encrypted_audio, audio_key_version FROM voice_session WHERE id = $1`, id).
		Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrSessionNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if data == nil || version == nil {
		return nil, 0, ErrNoAudio
	}
	return data, *version, nil
}

func (r *repoPG) DeleteSession(ctx context.Context, id uuid.UUID, ev *hipaa.PHIAccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode access event: %w", err)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM voice_session WHERE id = $1 AND state IN ('closed', 'errored')`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var state string
			err := tx.QueryRow(ctx, `SELECT state FROM voice_session WHERE id = $1`, id).Scan(&state)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrSessionNotFound
			}
			if err != nil {
				return err
			}
			return ErrSessionNotClosed
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			ev.ID, ev.SessionID, ev.Action, ev.AccessedBy, payload, ev.AccessedAt)
		return err
	})
}

func (r *repoPG) InsertAccessEvent(ctx context.Context, ev *hipaa.PHIAccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.SessionID, ev.Action, ev.AccessedBy, payload, ev.AccessedAt)
	return err
}

func scanSessionPG(row pgx.Row) (*Session, error) {
	var s Session
	var state string
	err := row.Scan(&s.ID, &s.UserID, &s.EncounterRef, &s.ClinicID, &s.Provider, &s.Language,
		&state, &s.Degraded, &s.ErrorReason, &s.StartedAt, &s.EndedAt, &s.DurationMillis,
		&s.ConfidenceSum, &s.ConfidenceCount, &s.LastChunkSeq, &s.CommandCount, &s.AudioBytes,
		&s.ExpiresAt, &s.HasAudio, &s.AudioKeyVersion, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.State = State(state)
	s.StartedAt = s.StartedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.EndedAt = utcPtr(s.EndedAt)
	s.ExpiresAt = utcPtr(s.ExpiresAt)
	s.computeAggregate()
	return &s, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
