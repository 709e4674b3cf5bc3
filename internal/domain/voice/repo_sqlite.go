package voice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicdoc/voicedoc/internal/platform/hipaa"
)

// sqliteTimeLayout is fixed-width so stored times sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

type repoSQLite struct {
	db    *sql.DB
	codec commandCodec
}

// NewRepoSQLite returns the embedded-store repository. db must come from
// db.OpenSQLite.
func NewRepoSQLite(db *sql.DB, cipher FieldCipher) Repository {
	return &repoSQLite{db: db, codec: commandCodec{cipher: cipher}}
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sqlRow interface {
	Scan(dest ...interface{}) error
}

const sessionColsSQLite = `id, user_id, encounter_ref, clinic_id, provider, language, state, degraded,
	error_reason, started_at, ended_at, duration_ms, confidence_sum, confidence_count,
	last_chunk_seq, command_count, audio_bytes, expires_at,
	encrypted_audio IS NOT NULL, COALESCE(audio_key_version, 0), updated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *repoSQLite) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO voice_session (
			id, user_id, encounter_ref, clinic_id, provider, language, state,
			started_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID.String(), s.UserID, s.EncounterRef, s.ClinicID, s.Provider, s.Language, string(s.State),
		formatTime(s.StartedAt), formatTime(s.UpdatedAt),
	)
	if isSQLiteUniqueViolation(err) {
		return ErrSessionConflict
	}
	return err
}

func (r *repoSQLite) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSessionSQLite(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColsSQLite+` FROM voice_session WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (r *repoSQLite) ListSessions(ctx context.Context, f ListFilter) ([]*Session, int, error) {
	var where []string
	var args []interface{}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EncounterRef != "" {
		where = append(where, "encounter_ref = ?")
		args = append(args, f.EncounterRef)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.RetainedAt.IsZero() {
		where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, formatTime(f.RetainedAt))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM voice_session"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	out, err := r.querySessions(ctx, "SELECT "+sessionColsSQLite+" FROM voice_session"+clause+
		" ORDER BY started_at DESC, id LIMIT ? OFFSET ?", args...)
	return out, total, err
}

func (r *repoSQLite) ListOpenSessions(ctx context.Context) ([]*Session, error) {
	return r.querySessions(ctx, `SELECT `+sessionColsSQLite+` FROM voice_session
		WHERE state IN ('created', 'active', 'finalizing') ORDER BY started_at`)
}

func (r *repoSQLite) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSessionSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoSQLite) UpdateSession(ctx context.Context, s *Session) error {
	return updateSessionSQLite(ctx, r.db, s)
}

func updateSessionSQLite(ctx context.Context, q sqlExecer, s *Session) error {
	res, err := q.ExecContext(ctx, `
		UPDATE voice_session SET
			state=?, degraded=?, error_reason=?, ended_at=?, duration_ms=?,
			confidence_sum=?, confidence_count=?, last_chunk_seq=?,
			command_count=?, audio_bytes=?, expires_at=?, updated_at=?
		WHERE id = ?`,
		string(s.State), boolInt(s.Degraded), s.ErrorReason, formatTimePtr(s.EndedAt), s.DurationMillis,
		s.ConfidenceSum, s.ConfidenceCount, s.LastChunkSeq,
		s.CommandCount, s.AudioBytes, formatTimePtr(s.ExpiresAt), formatTime(s.UpdatedAt),
		s.ID.String(),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *repoSQLite) insertCommands(ctx context.Context, q sqlExecer, cmds []*Command) error {
	for _, c := range cmds {
		sc, err := r.codec.seal(c)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO voice_command (
				session_id, position, category, section, raw_text, text,
				confidence, unconfirmed, annotations, created_at
			) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			c.SessionID.String(), c.Position, string(c.Category), c.Section, sc.raw, sc.text,
			c.Confidence, boolInt(c.Unconfirmed), sc.annotations, formatTime(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert command %d: %w", c.Position, err)
		}
	}
	return nil
}

// inTx runs fn in a transaction. The handle has a single connection, so fn
// must only use tx.
func (r *repoSQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *repoSQLite) AppendCommands(ctx context.Context, s *Session, cmds []*Command) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.insertCommands(ctx, tx, cmds); err != nil {
			return err
		}
		return updateSessionSQLite(ctx, tx, s)
	})
}

func (r *repoSQLite) ListCommands(ctx context.Context, sessionID uuid.UUID) ([]*Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT position, category, section, raw_text, text,
			confidence, unconfirmed, annotations, created_at
		FROM voice_command WHERE session_id = ? ORDER BY position`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		c := &Command{SessionID: sessionID}
		var sc sealedCommand
		var category, createdAt string
		var unconfirmed int
		if err := rows.Scan(&c.Position, &category, &c.Section, &sc.raw, &sc.text,
			&c.Confidence, &unconfirmed, &sc.annotations, &createdAt); err != nil {
			return nil, err
		}
		c.Category = categoryOf(category)
		c.Unconfirmed = unconfirmed != 0
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := r.codec.open(c, sc); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *repoSQLite) Finalize(ctx context.Context, s *Session, cmds []*Command, audio *hipaa.SealedAudio, audit *hipaa.SessionAuditRecord) error {
	payload, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.insertCommands(ctx, tx, cmds); err != nil {
			return err
		}
		if err := updateSessionSQLite(ctx, tx, s); err != nil {
			return err
		}
		if audio != nil {
			if _, err := tx.ExecContext(ctx, `
				UPDATE voice_session SET encrypted_audio = ?, audio_key_version = ?
				WHERE id = ? AND encrypted_audio IS NULL`,
				audio.Ciphertext, audio.KeyVersion, s.ID.String()); err != nil {
				return fmt.Errorf("store sealed audio: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
			VALUES (?,?,?,?,?,?)`,
			audit.ID.String(), audit.SessionID.String(), audit.Kind, audit.UserID, string(payload),
			formatTime(audit.RecordedAt))
		return err
	})
}

func (r *repoSQLite) GetAudio(ctx context.Context, id uuid.UUID) ([]byte, int, error) {
	var data []byte
	var version sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT encrypted_audio, audio_key_version FROM voice_session WHERE id = ?`,
		id.String()).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrSessionNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if data == nil || !version.Valid {
		return nil, 0, ErrNoAudio
	}
	return data, int(version.Int64), nil
}

func (r *repoSQLite) DeleteSession(ctx context.Context, id uuid.UUID, ev *hipaa.PHIAccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode access event: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM voice_session WHERE id = ? AND state IN ('closed', 'errored')`, id.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var state string
			err := tx.QueryRowContext(ctx, `SELECT state FROM voice_session WHERE id = ?`, id.String()).Scan(&state)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			if err != nil {
				return err
			}
			return ErrSessionNotClosed
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
			VALUES (?,?,?,?,?,?)`,
			ev.ID.String(), ev.SessionID.String(), ev.Action, ev.AccessedBy, string(payload), formatTime(ev.AccessedAt))
		return err
	})
}

func (r *repoSQLite) InsertAccessEvent(ctx context.Context, ev *hipaa.PHIAccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO voice_audit_event (id, session_id, kind, actor, payload, recorded_at)
		VALUES (?,?,?,?,?,?)`,
		ev.ID.String(), ev.SessionID.String(), ev.Action, ev.AccessedBy, string(payload), formatTime(ev.AccessedAt))
	return err
}

func scanSessionSQLite(row sqlRow) (*Session, error) {
	var s Session
	var id, state, startedAt, updatedAt string
	var endedAt, expiresAt sql.NullString
	var degraded, hasAudio int
	err := row.Scan(&id, &s.UserID, &s.EncounterRef, &s.ClinicID, &s.Provider, &s.Language,
		&state, &degraded, &s.ErrorReason, &startedAt, &endedAt, &s.DurationMillis,
		&s.ConfidenceSum, &s.ConfidenceCount, &s.LastChunkSeq, &s.CommandCount, &s.AudioBytes,
		&expiresAt, &hasAudio, &s.AudioKeyVersion, &updatedAt)
	if err != nil {
		return nil, err
	}
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	s.State = State(state)
	s.Degraded = degraded != 0
	s.HasAudio = hasAudio != 0
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseTimePtr(endedAt); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return nil, err
	}
	s.computeAggregate()
	return &s, nil
}
