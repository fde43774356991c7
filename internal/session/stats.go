package session

import (
	"context"

	"loom/internal/llm"
	"loom/internal/store"
)

// Stats holds per-session counters for status output.
type Stats struct {
	SessionID         string
	DisplayName       string
	LeafID            string
	EntryCount        int
	UserMessages      int
	AssistantMessages int
	ToolResults       int
	Compactions       int
	BranchSummaries   int
	ContextMessages   int
}

// Stats counts entries across the whole tree and measures the assembled
// context of the current branch.
func (m *Manager) Stats(ctx context.Context, sessionID string) (Stats, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	entries, err := m.store.ListEntries(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		SessionID:   sess.ID,
		DisplayName: sess.DisplayName,
		LeafID:      sess.LeafID,
		EntryCount:  len(entries),
	}
	for _, entry := range entries {
		switch entry.Type {
		case store.TypeMessage:
			payload, err := entry.Decode()
			if err != nil {
				continue
			}
			switch payload.(*store.MessagePayload).Role {
			case string(llm.RoleUser):
				stats.UserMessages++
			case string(llm.RoleAssistant):
				stats.AssistantMessages++
			default:
				stats.ToolResults++
			}
		case store.TypeToolResult:
			stats.ToolResults++
		case store.TypeCompaction:
			stats.Compactions++
		case store.TypeBranchSummary:
			stats.BranchSummaries++
		}
	}

	_, assembled, err := m.Context(ctx, sessionID)
	if err == nil {
		stats.ContextMessages = len(assembled.Messages)
	}
	return stats, nil
}
