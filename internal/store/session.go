package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Session is the mutable head record over a session's entry tree. LeafID
// points at the entry new appends chain onto; it is the only part of the
// tree that ever moves.
type Session struct {
	ID              string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	WorkingDir      string
	ParentSessionID string
	LeafID          string
	DisplayName     string
}

// SessionSummary is one row of a session listing: the head record plus
// aggregates the picker UI needs, all derived from the entries table at
// query time rather than stored on the session.
type SessionSummary struct {
	Session
	MessageCount int
	LastActivity time.Time
	FirstMessage string
}

// CreateSession creates an empty session. workingDir records where the
// conversation was started; it is informational only. parentSessionID, when
// non-empty, records which session this one descends from without copying
// any entries (fork does the copying variant).
func (s *Store) CreateSession(ctx context.Context, workingDir, parentSessionID string) (*Session, error) {
	now := nowMillis()
	sess := &Session{
		ID:              uuid.NewString(),
		CreatedAt:       millisToTime(now),
		UpdatedAt:       millisToTime(now),
		WorkingDir:      workingDir,
		ParentSessionID: strings.TrimSpace(parentSessionID),
	}
	var parent any
	if sess.ParentSessionID != "" {
		parent = sess.ParentSessionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, working_dir, parent_session_id, leaf_id, display_name)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL)`,
		sess.ID, now, now, workingDir, parent,
	)
	if err != nil {
		return nil, storageErr("create session", err)
	}
	s.log.Debug("session created", zap.String("session", sess.ID))
	return sess, nil
}

// RestoreSession inserts a session with an explicit id and creation time,
// used by import and fork. Fails if the id is already taken.
func (s *Store) RestoreSession(ctx context.Context, sess *Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return storageErr("restore session", errors.New("empty session id"))
	}
	created := sess.CreatedAt
	if created.IsZero() {
		created = millisToTime(nowMillis())
	}
	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	var parent, leaf, name any
	if sess.ParentSessionID != "" {
		parent = sess.ParentSessionID
	}
	if sess.LeafID != "" {
		leaf = sess.LeafID
	}
	if sess.DisplayName != "" {
		name = sess.DisplayName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, working_dir, parent_session_id, leaf_id, display_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, created.UnixMilli(), updated.UnixMilli(), sess.WorkingDir, parent, leaf, name,
	)
	if err != nil {
		return storageErr("restore session", err)
	}
	return nil
}

// GetSession fetches a session head record by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at, working_dir, parent_session_id, leaf_id, display_name
		 FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// DeleteSession removes a session and, via cascade, its entries and labels.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete session", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	s.log.Debug("session deleted", zap.String("session", id))
	return nil
}

// SetDisplayName sets or clears a session's user-facing name.
func (s *Store) SetDisplayName(ctx context.Context, id, name string) error {
	var val any
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		val = trimmed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET display_name = ?, updated_at = ? WHERE id = ?`,
		val, nowMillis(), id,
	)
	if err != nil {
		return storageErr("set display name", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set display name", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetLeaf repoints a session's leaf. entryID "" resets the session to
// before its first entry, so following appends start a fresh root branch.
// The target entry must belong to the same session; pointing at another
// session's entry is rejected rather than silently corrupting ancestry.
func (s *Store) SetLeaf(ctx context.Context, sessionID, entryID string) error {
	return s.inTx(ctx, "set leaf", func(tx *sql.Tx) error {
		var cur sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT leaf_id FROM sessions WHERE id = ?`, sessionID,
		).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		var leafVal any
		if entryID != "" {
			var owner string
			err := tx.QueryRowContext(ctx,
				`SELECT session_id FROM entries WHERE session_id = ? AND id = ?`,
				sessionID, entryID,
			).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) {
				// Distinguish a wrong-session reference from a missing id.
				var n int
				if err2 := tx.QueryRowContext(ctx,
					`SELECT COUNT(*) FROM entries WHERE id = ?`, entryID,
				).Scan(&n); err2 != nil {
					return err2
				}
				if n > 0 {
					return ErrCrossSessionReference
				}
				return ErrEntryNotFound
			}
			if err != nil {
				return err
			}
			leafVal = entryID
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET leaf_id = ?, updated_at = ? WHERE id = ?`,
			leafVal, nowMillis(), sessionID,
		)
		return err
	})
}

// ListSessions returns all sessions ordered by most recent message
// activity. Message counts and last activity come from counting and maxing
// over message entries at query time; a session with no messages yet falls
// back to its own creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at, s.working_dir, s.parent_session_id,
		        s.leaf_id, s.display_name,
		        (SELECT COUNT(*) FROM entries e
		         WHERE e.session_id = s.id AND e.type = ?),
		        COALESCE((SELECT MAX(e.created_at) FROM entries e
		                  WHERE e.session_id = s.id AND e.type = ?), s.created_at)
		           AS last_activity
		 FROM sessions s
		 ORDER BY last_activity DESC, s.id`,
		string(TypeMessage), string(TypeMessage),
	)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		var (
			sum      SessionSummary
			created  int64
			updated  int64
			activity int64
			parent   sql.NullString
			leaf     sql.NullString
			name     sql.NullString
		)
		if err := rows.Scan(&sum.ID, &created, &updated, &sum.WorkingDir,
			&parent, &leaf, &name, &sum.MessageCount, &activity); err != nil {
			return nil, storageErr("list sessions", err)
		}
		sum.CreatedAt = millisToTime(created)
		sum.UpdatedAt = millisToTime(updated)
		sum.LastActivity = millisToTime(activity)
		sum.ParentSessionID = parent.String
		sum.LeafID = leaf.String
		sum.DisplayName = name.String
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}

	for _, sum := range out {
		text, err := s.firstUserMessage(ctx, sum.ID)
		if err != nil {
			return nil, err
		}
		sum.FirstMessage = text
	}
	return out, nil
}

// firstUserMessage returns the earliest user message text in a session.
func (s *Store) firstUserMessage(ctx context.Context, sessionID string) (string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM entries
		 WHERE session_id = ? AND type = ? AND json_extract(data, '$.role') = 'user'
		 ORDER BY created_at, id LIMIT 1`,
		sessionID, string(TypeMessage),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("first user message", err)
	}
	return strings.TrimSpace(gjson.GetBytes(raw, "text").String()), nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess    Session
		created int64
		updated int64
		parent  sql.NullString
		leaf    sql.NullString
		name    sql.NullString
	)
	if err := row.Scan(&sess.ID, &created, &updated, &sess.WorkingDir, &parent, &leaf, &name); err != nil {
		return nil, err
	}
	sess.CreatedAt = millisToTime(created)
	sess.UpdatedAt = millisToTime(updated)
	sess.ParentSessionID = parent.String
	sess.LeafID = leaf.String
	sess.DisplayName = name.String
	return &sess, nil
}
