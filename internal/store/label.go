package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Label is one append-only label record. The current label of an entry is a
// derived view: the most recent record per target wins, and an empty value
// clears the label.
type Label struct {
	Seq       int64
	SessionID string
	TargetID  string
	Value     string
	CreatedAt time.Time
}

// AppendLabel records a label for an entry. An empty value clears any
// earlier label. The target entry must exist in the session.
func (s *Store) AppendLabel(ctx context.Context, sessionID, targetID, value string) error {
	err := s.inTx(ctx, "append label", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM sessions WHERE id = ?`, sessionID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM entries WHERE session_id = ? AND id = ?`,
			sessionID, targetID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO labels (session_id, target_id, value, created_at)
			 VALUES (?, ?, ?, ?)`,
			sessionID, targetID, value, nowMillis(),
		)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Debug("label appended",
		zap.String("session", sessionID),
		zap.String("entry", targetID),
		zap.String("value", value))
	return nil
}

// CurrentLabels returns the effective label per entry for a session:
// latest record per target, cleared targets omitted.
func (s *Store) CurrentLabels(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.target_id, l.value
		 FROM labels l
		 JOIN (SELECT target_id, MAX(seq) AS seq FROM labels
		       WHERE session_id = ? GROUP BY target_id) latest
		   ON l.target_id = latest.target_id AND l.seq = latest.seq
		 WHERE l.value != ''`,
		sessionID,
	)
	if err != nil {
		return nil, storageErr("current labels", err)
	}
	defer rows.Close()

	labels := make(map[string]string)
	for rows.Next() {
		var target, value string
		if err := rows.Scan(&target, &value); err != nil {
			return nil, storageErr("current labels", err)
		}
		labels[target] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("current labels", err)
	}
	return labels, nil
}

// LabelHistory returns every label record for one entry, oldest first.
func (s *Store) LabelHistory(ctx context.Context, sessionID, targetID string) ([]*Label, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, session_id, target_id, value, created_at
		 FROM labels WHERE session_id = ? AND target_id = ? ORDER BY seq`,
		sessionID, targetID,
	)
	if err != nil {
		return nil, storageErr("label history", err)
	}
	defer rows.Close()

	var out []*Label
	for rows.Next() {
		var (
			l      Label
			millis int64
		)
		if err := rows.Scan(&l.Seq, &l.SessionID, &l.TargetID, &l.Value, &millis); err != nil {
			return nil, storageErr("label history", err)
		}
		l.CreatedAt = millisToTime(millis)
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("label history", err)
	}
	return out, nil
}
