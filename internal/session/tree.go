package session

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/store"
)

const treePreviewRunes = 48

// TreeNode is one node in a session's full entry tree, side branches
// included.
type TreeNode struct {
	Entry    *store.Entry
	Children []TreeNode
}

// Tree builds the complete entry tree of a session. Entries whose parent is
// missing are promoted to roots so a damaged chain still renders.
func (m *Manager) Tree(ctx context.Context, sessionID string) ([]TreeNode, error) {
	entries, err := m.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	byID := make(map[string]*store.Entry, len(entries))
	for _, entry := range entries {
		byID[entry.ID] = entry
	}

	children := make(map[string][]string, len(entries))
	roots := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ParentID == "" {
			roots = append(roots, entry.ID)
			continue
		}
		if _, ok := byID[entry.ParentID]; !ok {
			roots = append(roots, entry.ID)
			continue
		}
		children[entry.ParentID] = append(children[entry.ParentID], entry.ID)
	}

	var visit func(string) TreeNode
	visit = func(id string) TreeNode {
		node := TreeNode{Entry: byID[id]}
		for _, childID := range children[id] {
			node.Children = append(node.Children, visit(childID))
		}
		return node
	}

	out := make([]TreeNode, 0, len(roots))
	for _, rootID := range roots {
		out = append(out, visit(rootID))
	}
	return out, nil
}

// TreeLines renders the tree for terminal output. The current leaf gets a
// "*" marker and labeled entries show their label.
func (m *Manager) TreeLines(ctx context.Context, sessionID string) ([]string, error) {
	roots, err := m.Tree(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, nil
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	labels, err := m.store.CurrentLabels(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var lines []string
	var walk func(node TreeNode, depth int)
	walk = func(node TreeNode, depth int) {
		indent := strings.Repeat("  ", depth)
		marker := " "
		if node.Entry.ID == sess.LeafID {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s%s %s", marker, indent, node.Entry.ID, entryPreview(node.Entry))
		if label, ok := labels[node.Entry.ID]; ok {
			line += " (" + label + ")"
		}
		lines = append(lines, line)
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return lines, nil
}

// entryPreview gives a one-line description of an entry for tree output.
func entryPreview(entry *store.Entry) string {
	payload, err := entry.Decode()
	if err != nil {
		return string(entry.Type) + " (malformed)"
	}

	snippet := ""
	switch p := payload.(type) {
	case *store.MessagePayload:
		snippet = strings.TrimSpace(p.Text)
	case *store.CompactionPayload:
		snippet = strings.TrimSpace(p.Summary)
	case *store.BranchSummaryPayload:
		snippet = strings.TrimSpace(p.Summary)
	case *store.ThinkingLevelPayload:
		snippet = string(p.ThinkingLevel)
	case *store.ModelChangePayload:
		snippet = p.Ref().String()
	case *store.CustomPayload:
		snippet = p.CustomType
	case *store.CustomMessagePayload:
		snippet = p.CustomType
	}
	if snippet == "" {
		return string(entry.Type)
	}
	return fmt.Sprintf("%s %s", entry.Type, truncateRunes(snippet, treePreviewRunes))
}
