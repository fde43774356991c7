package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"loom/internal/store"
)

// Item is one entry on a reconstructed path together with its decoded
// payload. Payload is nil when the entry was malformed and skipped.
type Item struct {
	Entry   *store.Entry
	Payload store.Payload
}

// Path is the ordered root-to-leaf view of one branch. Malformed holds
// entries whose payloads could not be decoded; they are excluded from Items
// but reported so the UI can flag them individually.
type Path struct {
	SessionID string
	Items     []Item
	Malformed []*store.MalformedEntryError
}

// Compaction describes the active compaction boundary on a path.
type Compaction struct {
	// Index of the compaction entry within Path.Items.
	Index   int
	Payload *store.CompactionPayload
	// FirstKeptIndex is the position of firstKeptEntryId within Items, or
	// Index when the referenced entry is not on the path (keep nothing
	// before the compaction).
	FirstKeptIndex int
}

// Reconstruct builds the path for a session's current leaf. A session whose
// leaf is unset yields an empty path.
func Reconstruct(ctx context.Context, st *store.Store, sessionID string) (*Path, error) {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.LeafID == "" {
		return &Path{SessionID: sessionID}, nil
	}
	return ReconstructFrom(ctx, st, sessionID, sess.LeafID)
}

// ReconstructFrom builds the path ending at an explicit entry. The leaf
// entry failing to decode fails the whole reconstruction; a malformed entry
// in the middle is dropped from Items and reported in Malformed.
func ReconstructFrom(ctx context.Context, st *store.Store, sessionID, leafID string) (*Path, error) {
	chain, err := st.Ancestry(ctx, sessionID, leafID)
	if err != nil {
		return nil, err
	}

	path := &Path{SessionID: sessionID, Items: make([]Item, 0, len(chain))}
	for i, entry := range chain {
		payload, err := entry.Decode()
		if err != nil {
			var malformed *store.MalformedEntryError
			if !errors.As(err, &malformed) {
				return nil, err
			}
			if i == len(chain)-1 {
				// A leaf that cannot be decoded means the head of the
				// conversation is unusable.
				return nil, err
			}
			path.Malformed = append(path.Malformed, malformed)
			continue
		}
		path.Items = append(path.Items, Item{Entry: entry, Payload: payload})
	}
	return path, nil
}

// ActiveCompaction returns the latest compaction on the path, or nil when
// none is present. When the compaction's firstKeptEntryId is not on the
// path, everything before the compaction is considered dropped.
func (p *Path) ActiveCompaction(log *zap.Logger) *Compaction {
	latest := -1
	var payload *store.CompactionPayload
	for i, item := range p.Items {
		if comp, ok := item.Payload.(*store.CompactionPayload); ok {
			latest = i
			payload = comp
		}
	}
	if latest < 0 {
		return nil
	}

	comp := &Compaction{Index: latest, Payload: payload, FirstKeptIndex: latest}
	if payload.FirstKeptEntryID != "" {
		found := false
		for i := 0; i < latest; i++ {
			if p.Items[i].Entry.ID == payload.FirstKeptEntryID {
				comp.FirstKeptIndex = i
				found = true
				break
			}
		}
		if !found && log != nil {
			log.Warn("compaction firstKeptEntryId not on path, keeping nothing before the summary",
				zap.String("session", p.SessionID),
				zap.String("compaction", p.Items[latest].Entry.ID),
				zap.String("firstKept", payload.FirstKeptEntryID))
		}
	}
	return comp
}

// Leaf returns the last item on the path, or nil for an empty path.
func (p *Path) Leaf() *Item {
	if len(p.Items) == 0 {
		return nil
	}
	return &p.Items[len(p.Items)-1]
}
