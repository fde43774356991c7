package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ForkSession copies the ancestry chain of fromEntryID (root through that
// entry) into a brand new session whose leaf points at the copy of
// fromEntryID. Entry ids are preserved verbatim so compaction payloads and
// labels that reference entries by id stay valid in the fork. Side branches
// are not copied. fromEntryID "" forks from the source session's current
// leaf. workingDir "" inherits the source session's working directory.
func (s *Store) ForkSession(ctx context.Context, fromSessionID, fromEntryID, workingDir string) (*Session, error) {
	src, err := s.GetSession(ctx, fromSessionID)
	if err != nil {
		return nil, err
	}
	if fromEntryID == "" {
		fromEntryID = src.LeafID
	}
	if workingDir == "" {
		workingDir = src.WorkingDir
	}

	var chain []*Entry
	if fromEntryID != "" {
		chain, err = s.Ancestry(ctx, fromSessionID, fromEntryID)
		if err != nil {
			return nil, err
		}
		// The walk stops when a parent id resolves to nothing. A chain whose
		// oldest entry still names a parent was severed by corruption; a
		// fork of it would silently lose history.
		if chain[0].ParentID != "" {
			return nil, fmt.Errorf("%w: entry %s references missing parent %s",
				ErrAncestryBroken, chain[0].ID, chain[0].ParentID)
		}
	}

	labels, err := s.CurrentLabels(ctx, fromSessionID)
	if err != nil {
		return nil, err
	}
	inChain := make(map[string]bool, len(chain))
	for _, e := range chain {
		inChain[e.ID] = true
	}

	now := nowMillis()
	fork := &Session{
		ID:              uuid.NewString(),
		CreatedAt:       millisToTime(now),
		UpdatedAt:       millisToTime(now),
		WorkingDir:      workingDir,
		ParentSessionID: fromSessionID,
		LeafID:          fromEntryID,
		DisplayName:     src.DisplayName,
	}

	err = s.inTx(ctx, "fork session", func(tx *sql.Tx) error {
		var name, leaf any
		if fork.DisplayName != "" {
			name = fork.DisplayName
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, updated_at, working_dir, parent_session_id, leaf_id, display_name)
			 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
			fork.ID, now, now, fork.WorkingDir, fromSessionID, name,
		); err != nil {
			return err
		}
		for _, e := range chain {
			var parent any
			if e.ParentID != "" {
				parent = e.ParentID
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entries (session_id, id, parent_id, type, created_at, data, search_text)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				fork.ID, e.ID, parent, string(e.Type), e.CreatedAt.UnixMilli(),
				string(e.Data), extractSearchText(e.Type, e.Data),
			); err != nil {
				return err
			}
		}
		for target, value := range labels {
			if !inChain[target] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO labels (session_id, target_id, value, created_at)
				 VALUES (?, ?, ?, ?)`,
				fork.ID, target, value, now,
			); err != nil {
				return err
			}
		}
		if fromEntryID != "" {
			leaf = fromEntryID
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET leaf_id = ? WHERE id = ?`, leaf, fork.ID,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("session forked",
		zap.String("from", fromSessionID),
		zap.String("to", fork.ID),
		zap.Int("entries", len(chain)))
	return fork, nil
}
