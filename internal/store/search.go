package store

import (
	"context"
	"sort"
	"strings"
)

const snippetRadius = 40

// SearchHit is one matching entry with a highlight snippet around the first
// occurrence of the query.
type SearchHit struct {
	SessionID   string
	EntryID     string
	Type        EntryType
	Occurrences int
	Snippet     string
}

// SearchEntries finds entries whose message text contains the query,
// case-insensitive, across all sessions or within one when sessionID is
// non-empty. Hits are ranked by occurrence count, then recency. limit caps
// how many hits are returned after ranking; zero means no cap.
func (s *Store) SearchEntries(ctx context.Context, sessionID, query string, limit int) ([]*SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(query) + "%"

	q := `SELECT session_id, id, type, created_at, search_text
	      FROM entries
	      WHERE search_text LIKE ? ESCAPE '\'`
	args := []any{pattern}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("search entries", err)
	}
	defer rows.Close()

	type scored struct {
		hit       *SearchHit
		createdAt int64
	}
	var hits []scored
	lowQuery := strings.ToLower(query)
	for rows.Next() {
		var (
			sid, id, typ, text string
			millis             int64
		)
		if err := rows.Scan(&sid, &id, &typ, &millis, &text); err != nil {
			return nil, storageErr("search entries", err)
		}
		n := strings.Count(strings.ToLower(text), lowQuery)
		if n == 0 {
			continue
		}
		hits = append(hits, scored{
			hit: &SearchHit{
				SessionID:   sid,
				EntryID:     id,
				Type:        EntryType(typ),
				Occurrences: n,
				Snippet:     makeSnippet(text, lowQuery),
			},
			createdAt: millis,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search entries", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].hit.Occurrences != hits[j].hit.Occurrences {
			return hits[i].hit.Occurrences > hits[j].hit.Occurrences
		}
		return hits[i].createdAt > hits[j].createdAt
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*SearchHit, len(hits))
	for i, h := range hits {
		out[i] = h.hit
	}
	return out, nil
}

// makeSnippet clips text around the first match and brackets the match so
// callers can render the highlight however they want.
func makeSnippet(text, lowQuery string) string {
	idx := strings.Index(strings.ToLower(text), lowQuery)
	if idx < 0 {
		return ""
	}
	end := idx + len(lowQuery)
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	stop := end + snippetRadius
	if stop > len(text) {
		stop = len(text)
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(text[start:idx])
	b.WriteString("[")
	b.WriteString(text[idx:end])
	b.WriteString("]")
	b.WriteString(text[end:stop])
	if stop < len(text) {
		b.WriteString("…")
	}
	return b.String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
