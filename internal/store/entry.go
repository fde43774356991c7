package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is one immutable node in a session's conversation tree. ParentID is
// empty for root entries. Data holds the type-tagged payload document.
type Entry struct {
	ID        string
	SessionID string
	ParentID  string
	Type      EntryType
	CreatedAt time.Time
	Data      json.RawMessage
}

// Decode parses the entry's payload into its typed form.
func (e *Entry) Decode() (Payload, error) {
	p, err := DecodePayload(e.Type, e.Data)
	if err != nil {
		return nil, &MalformedEntryError{SessionID: e.SessionID, EntryID: e.ID, Err: err}
	}
	return p, nil
}

// AppendEntry appends a new entry as a child of the session's current leaf
// and advances the leaf to it. The read of the leaf, the insert, and the
// leaf update happen in one transaction, so concurrent appends serialize
// into a chain rather than silently forking.
func (s *Store) AppendEntry(ctx context.Context, sessionID string, typ EntryType, payload Payload) (*Entry, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return nil, storageErr("append entry", err)
	}
	return s.appendRaw(ctx, sessionID, "", true, typ, data)
}

// AppendEntryAt appends a new entry under an explicit parent and advances
// the session leaf to it, all in one transaction. parentID "" roots the
// entry. Used when a branch point and its first new entry must land
// atomically.
func (s *Store) AppendEntryAt(ctx context.Context, sessionID, parentID string, typ EntryType, payload Payload) (*Entry, error) {
	data, err := EncodePayload(payload)
	if err != nil {
		return nil, storageErr("append entry", err)
	}
	return s.appendRaw(ctx, sessionID, parentID, false, typ, data)
}

// appendRaw inserts one entry and repoints the session leaf. When useLeaf is
// set the parent is the session's current leaf; otherwise parentID is used
// as given. A named parent that does not exist degrades to a root entry, so
// an interrupted write never wedges the session.
func (s *Store) appendRaw(ctx context.Context, sessionID, parentID string, useLeaf bool, typ EntryType, data json.RawMessage) (*Entry, error) {
	if !ValidEntryType(typ) {
		return nil, storageErr("append entry", fmt.Errorf("unknown entry type %q", typ))
	}

	var entry Entry
	err := s.inTx(ctx, "append entry", func(tx *sql.Tx) error {
		var leaf sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT leaf_id FROM sessions WHERE id = ?`, sessionID,
		).Scan(&leaf)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		parent := parentID
		if useLeaf {
			parent = leaf.String
		}
		if parent != "" {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM entries WHERE session_id = ? AND id = ?`,
				sessionID, parent,
			).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				if !useLeaf {
					return ErrEntryNotFound
				}
				// Leaf pointer references a missing entry. Root the new
				// entry instead of failing the append.
				parent = ""
			} else if err != nil {
				return err
			}
		}

		// Keep created_at non-decreasing inside a session so that
		// created_at order is a valid replay order.
		createdAt := nowMillis()
		var maxSeen sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(created_at) FROM entries WHERE session_id = ?`, sessionID,
		).Scan(&maxSeen); err != nil {
			return err
		}
		if maxSeen.Valid && maxSeen.Int64 > createdAt {
			createdAt = maxSeen.Int64
		}

		id, err := s.uniqueEntryID(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		var parentVal any
		if parent != "" {
			parentVal = parent
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (session_id, id, parent_id, type, created_at, data, search_text)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, id, parentVal, string(typ), createdAt, string(data),
			extractSearchText(typ, data),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET leaf_id = ?, updated_at = ? WHERE id = ?`,
			id, createdAt, sessionID,
		); err != nil {
			return err
		}

		entry = Entry{
			ID:        id,
			SessionID: sessionID,
			ParentID:  parent,
			Type:      typ,
			CreatedAt: millisToTime(createdAt),
			Data:      data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// uniqueEntryID draws random short ids until one is free within the session.
func (s *Store) uniqueEntryID(ctx context.Context, tx *sql.Tx, sessionID string) (string, error) {
	for attempt := 0; attempt < maxEntryIDAttempts; attempt++ {
		id, err := newEntryID()
		if err != nil {
			return "", err
		}
		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM entries WHERE session_id = ? AND id = ?`, sessionID, id,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("entry id space exhausted after %d attempts", maxEntryIDAttempts)
}

// RestoreEntries inserts entries verbatim, preserving ids, parent links and
// timestamps, and points the session leaf at leafID. Used by import. The
// entries must arrive parents-before-children.
func (s *Store) RestoreEntries(ctx context.Context, sessionID string, entries []*Entry, leafID string) error {
	return s.inTx(ctx, "restore entries", func(tx *sql.Tx) error {
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
		for _, e := range entries {
			if !ValidEntryType(e.Type) {
				return fmt.Errorf("unknown entry type %q", e.Type)
			}
			var parent any
			if e.ParentID != "" {
				parent = e.ParentID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entries (session_id, id, parent_id, type, created_at, data, search_text)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sessionID, e.ID, parent, string(e.Type), e.CreatedAt.UnixMilli(),
				string(e.Data), extractSearchText(e.Type, e.Data),
			); err != nil {
				return err
			}
		}
		var leaf any
		if leafID != "" {
			leaf = leafID
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET leaf_id = ?, updated_at = ? WHERE id = ?`,
			leaf, nowMillis(), sessionID,
		)
		return err
	})
}

// GetEntry fetches one entry by id within a session. Entry ids are only
// unique per session because forks copy them verbatim.
func (s *Store) GetEntry(ctx context.Context, sessionID, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, parent_id, type, created_at, data
		 FROM entries WHERE session_id = ? AND id = ?`,
		sessionID, entryID,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, storageErr("get entry", err)
	}
	return entry, nil
}

// GetChildren returns the direct children of an entry in creation order.
// entryID "" lists the session's root entries.
func (s *Store) GetChildren(ctx context.Context, sessionID, entryID string) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if entryID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, parent_id, type, created_at, data
			 FROM entries WHERE session_id = ? AND parent_id IS NULL
			 ORDER BY created_at, id`,
			sessionID,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_id, parent_id, type, created_at, data
			 FROM entries WHERE session_id = ? AND parent_id = ?
			 ORDER BY created_at, id`,
			sessionID, entryID,
		)
	}
	if err != nil {
		return nil, storageErr("get children", err)
	}
	defer rows.Close()
	return collectEntries(rows, "get children")
}

// Ancestry returns the chain from the root down to and including entryID.
// Depth is capped so a corrupted parent cycle surfaces as
// ErrCycleOrDepthExceeded instead of an unbounded walk.
func (s *Store) Ancestry(ctx context.Context, sessionID, entryID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH RECURSIVE ancestry(id, parent_id, type, created_at, data, depth) AS (
		   SELECT id, parent_id, type, created_at, data, 1
		   FROM entries WHERE session_id = ?1 AND id = ?2
		   UNION ALL
		   SELECT e.id, e.parent_id, e.type, e.created_at, e.data, a.depth + 1
		   FROM entries e JOIN ancestry a ON e.session_id = ?1 AND e.id = a.parent_id
		   WHERE a.depth < ?3
		 )
		 SELECT id, parent_id, type, created_at, data, depth FROM ancestry`,
		sessionID, entryID, maxAncestryDepth,
	)
	if err != nil {
		return nil, storageErr("ancestry", err)
	}
	defer rows.Close()

	var chain []*Entry
	maxDepth := 0
	for rows.Next() {
		var (
			e      Entry
			parent sql.NullString
			typ    string
			millis int64
			raw    []byte
			depth  int
		)
		if err := rows.Scan(&e.ID, &parent, &typ, &millis, &raw, &depth); err != nil {
			return nil, storageErr("ancestry", err)
		}
		e.SessionID = sessionID
		e.ParentID = parent.String
		e.Type = EntryType(typ)
		e.CreatedAt = millisToTime(millis)
		e.Data = json.RawMessage(raw)
		chain = append(chain, &e)
		if depth > maxDepth {
			maxDepth = depth
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ancestry", err)
	}
	if len(chain) == 0 {
		return nil, ErrEntryNotFound
	}
	if maxDepth >= maxAncestryDepth && chain[len(chain)-1].ParentID != "" {
		return nil, ErrCycleOrDepthExceeded
	}

	// Rows come back leaf-first; callers want root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// ListEntries returns every entry in a session ordered by creation time.
func (s *Store) ListEntries(ctx context.Context, sessionID string) ([]*Entry, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, parent_id, type, created_at, data
		 FROM entries WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	defer rows.Close()
	return collectEntries(rows, "list entries")
}

// CountEntries returns the total number of entries in a session, and the
// count of a single type when typ is non-empty.
func (s *Store) CountEntries(ctx context.Context, sessionID string, typ EntryType) (int, error) {
	var (
		n   int
		err error
	)
	if typ == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE session_id = ?`, sessionID,
		).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entries WHERE session_id = ? AND type = ?`,
			sessionID, string(typ),
		).Scan(&n)
	}
	if err != nil {
		return 0, storageErr("count entries", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e      Entry
		parent sql.NullString
		typ    string
		millis int64
		raw    []byte
	)
	if err := row.Scan(&e.ID, &e.SessionID, &parent, &typ, &millis, &raw); err != nil {
		return nil, err
	}
	e.ParentID = parent.String
	e.Type = EntryType(typ)
	e.CreatedAt = millisToTime(millis)
	e.Data = json.RawMessage(raw)
	return &e, nil
}

func collectEntries(rows *sql.Rows, op string) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
