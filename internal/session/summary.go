package session

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/store"
)

const (
	defaultCompactionKeep     = 24
	compactionSummaryMaxLines = 40
	compactionSummaryMaxChars = 6000
	summarySnippetRunes       = 180
)

// AutoCompact appends a heuristic compaction when the current branch holds
// more than threshold message entries, keeping the newest keep messages
// verbatim. Returns ErrCompactionNotNeeded when the branch is short enough.
func (m *Manager) AutoCompact(ctx context.Context, sessionID string, threshold, keep int) (*store.Entry, error) {
	if keep <= 0 {
		keep = defaultCompactionKeep
	}

	path, err := Reconstruct(ctx, m.store, sessionID)
	if err != nil {
		return nil, err
	}

	// Only messages after the last compaction count toward the threshold;
	// already-summarized history never triggers a re-run by itself.
	start := 0
	if comp := path.ActiveCompaction(m.log); comp != nil {
		start = comp.Index + 1
	}
	var messages []Item
	for _, item := range path.Items[start:] {
		if _, ok := item.Payload.(*store.MessagePayload); ok {
			messages = append(messages, item)
		}
	}
	if threshold > 0 && len(messages) <= threshold {
		return nil, ErrCompactionNotNeeded
	}
	if len(messages) <= keep {
		return nil, ErrCompactionNotNeeded
	}

	firstKept := messages[len(messages)-keep]
	dropped := messages[:len(messages)-keep]
	summary := buildCompactionSummary(dropped, "")

	return m.Compact(ctx, sessionID, summary, firstKept.Entry.ID, 0, nil)
}

// buildCompactionSummary renders a cheap extractive summary of dropped
// message entries: one clipped line per message under a fixed header. No
// model call involved.
func buildCompactionSummary(dropped []Item, instructions string) string {
	lines := make([]string, 0, len(dropped)+3)
	lines = append(lines, "[Context Compact Summary]")
	if trimmed := strings.TrimSpace(instructions); trimmed != "" {
		lines = append(lines, "Instructions: "+trimmed)
	}
	lines = append(lines, "Earlier conversation highlights:")

	count := 0
	for _, item := range dropped {
		payload, ok := item.Payload.(*store.MessagePayload)
		if !ok {
			continue
		}
		text := strings.TrimSpace(payload.Text)
		if text == "" {
			text = strings.TrimSpace(payload.Message.Text())
		}
		if text == "" {
			continue
		}
		role := payload.Role
		if role == "" {
			role = "message"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", role, truncateRunes(text, summarySnippetRunes)))
		count++
		if count >= compactionSummaryMaxLines {
			break
		}
	}
	if count == 0 {
		lines = append(lines, "- (no textual messages)")
	}

	summary := strings.Join(lines, "\n")
	if len(summary) > compactionSummaryMaxChars {
		summary = summary[:compactionSummaryMaxChars]
	}
	return summary
}

func truncateRunes(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
