package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"loom/internal/llm"
	"loom/internal/store"
)

var (
	ErrEmptyMessage        = errors.New("message text is empty")
	ErrCompactionNotNeeded = errors.New("compaction not needed")
)

// Manager is the single mutation surface over the store. All writes for one
// session funnel through a per-session mutex, so the read-leaf, insert,
// update-leaf window never interleaves between two goroutines. Reads go
// straight to the store and never take the lock.
type Manager struct {
	store *store.Store
	log   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	watchMu  sync.Mutex
	watchers map[string][]chan Snapshot
}

// NewManager wraps a store. A nil logger disables logging.
func NewManager(st *store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:    st,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		watchers: make(map[string][]chan Snapshot),
	}
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() *store.Store {
	return m.store
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// Create starts a new empty session. parentSessionID, when non-empty,
// records lineage without copying entries.
func (m *Manager) Create(ctx context.Context, workingDir, parentSessionID string) (*store.Session, error) {
	return m.store.CreateSession(ctx, workingDir, parentSessionID)
}

// Append writes one entry of any type onto the current leaf.
func (m *Manager) Append(ctx context.Context, sessionID string, typ store.EntryType, payload store.Payload) (*store.Entry, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	entry, err := m.store.AppendEntry(ctx, sessionID, typ, payload)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(ctx, sessionID)
	return entry, nil
}

// AppendUserMessage appends one user turn.
func (m *Manager) AppendUserMessage(ctx context.Context, sessionID, text string) (*store.Entry, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyMessage
	}
	return m.Append(ctx, sessionID, store.TypeMessage, &store.MessagePayload{
		Role:    string(llm.RoleUser),
		Text:    trimmed,
		Message: llm.UserTextMessage(trimmed),
	})
}

// AppendAssistantMessage appends one assistant turn with its full structured
// body. model records which model produced it.
func (m *Manager) AppendAssistantMessage(ctx context.Context, sessionID string, msg llm.Message, model store.ModelRef) (*store.Entry, error) {
	payload := &store.MessagePayload{
		Role:    string(llm.RoleAssistant),
		Text:    msg.Text(),
		Message: msg,
	}
	if !model.IsZero() {
		payload.Model = &model
	}
	return m.Append(ctx, sessionID, store.TypeMessage, payload)
}

// AppendToolResultMessage appends tool results as one tool-role message.
func (m *Manager) AppendToolResultMessage(ctx context.Context, sessionID string, results []llm.ToolResult) (*store.Entry, error) {
	msg := llm.Message{Role: llm.RoleTool, ToolResults: results}
	return m.Append(ctx, sessionID, store.TypeMessage, &store.MessagePayload{
		Role:    "toolResult",
		Text:    msg.Text(),
		Message: msg,
	})
}

// SetThinkingLevel records a thinking level change as a settings entry.
func (m *Manager) SetThinkingLevel(ctx context.Context, sessionID string, level llm.ThinkingLevel) (*store.Entry, error) {
	return m.Append(ctx, sessionID, store.TypeThinkingLevelChange, &store.ThinkingLevelPayload{
		ThinkingLevel: level,
	})
}

// SetModel records an explicit model switch as a settings entry.
func (m *Manager) SetModel(ctx context.Context, sessionID string, ref store.ModelRef) (*store.Entry, error) {
	return m.Append(ctx, sessionID, store.TypeModelChange, &store.ModelChangePayload{
		Provider: ref.Provider,
		ModelID:  ref.ModelID,
	})
}

// AppendCustom records opaque extension data that never enters context.
func (m *Manager) AppendCustom(ctx context.Context, sessionID, customType string, payload json.RawMessage) (*store.Entry, error) {
	return m.Append(ctx, sessionID, store.TypeCustom, &store.CustomPayload{
		CustomType: customType,
		Payload:    payload,
	})
}

// AppendCustomMessage records extension data that enters context when
// display is set.
func (m *Manager) AppendCustomMessage(ctx context.Context, sessionID string, payload *store.CustomMessagePayload) (*store.Entry, error) {
	return m.Append(ctx, sessionID, store.TypeCustomMessage, payload)
}

// Branch moves the session leaf to targetEntryID without writing an entry.
// An empty target resets the session to before its first entry.
func (m *Manager) Branch(ctx context.Context, sessionID, targetEntryID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	err := m.store.SetLeaf(ctx, sessionID, targetEntryID)
	lock.Unlock()
	if err != nil {
		return err
	}
	m.log.Debug("branched",
		zap.String("session", sessionID),
		zap.String("leaf", targetEntryID))
	m.notify(ctx, sessionID)
	return nil
}

// BranchWithSummary rewinds the leaf to fromEntryID and appends a
// branch_summary entry recording why, as one atomic mutation. An empty
// fromEntryID branches from the root.
func (m *Manager) BranchWithSummary(ctx context.Context, sessionID, fromEntryID, summary string, details json.RawMessage) (*store.Entry, error) {
	fromID := fromEntryID
	if fromID == "" {
		fromID = "root"
	}
	payload := &store.BranchSummaryPayload{
		FromID:  fromID,
		Summary: summary,
		Details: details,
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	entry, err := m.store.AppendEntryAt(ctx, sessionID, fromEntryID, store.TypeBranchSummary, payload)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify(ctx, sessionID)
	return entry, nil
}

// Fork copies the ancestry of fromEntryID into a new session. fromEntryID
// "" forks from the current leaf; workingDir "" inherits the source's.
func (m *Manager) Fork(ctx context.Context, sessionID, fromEntryID, workingDir string) (*store.Session, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.ForkSession(ctx, sessionID, fromEntryID, workingDir)
}

// Compact appends a compaction entry summarizing everything before
// firstKeptEntryID.
func (m *Manager) Compact(ctx context.Context, sessionID, summary, firstKeptEntryID string, tokensBefore int, details json.RawMessage) (*store.Entry, error) {
	entry, err := m.Append(ctx, sessionID, store.TypeCompaction, &store.CompactionPayload{
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("compacted",
		zap.String("session", sessionID),
		zap.String("firstKept", firstKeptEntryID),
		zap.Int("tokensBefore", tokensBefore))
	return entry, nil
}

// Label sets or clears (empty value) the label on an entry.
func (m *Manager) Label(ctx context.Context, sessionID, entryID, value string) error {
	if err := m.store.AppendLabel(ctx, sessionID, entryID, value); err != nil {
		return err
	}
	m.notify(ctx, sessionID)
	return nil
}

// Rename sets the session display name.
func (m *Manager) Rename(ctx context.Context, sessionID, name string) error {
	return m.store.SetDisplayName(ctx, sessionID, name)
}

// Delete removes a session and all its entries.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	err := m.store.DeleteSession(ctx, sessionID)
	lock.Unlock()
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()
	m.closeWatchers(sessionID)
	return nil
}

// Context reconstructs and assembles the current branch in one call.
func (m *Manager) Context(ctx context.Context, sessionID string) (*Path, Context, error) {
	path, err := Reconstruct(ctx, m.store, sessionID)
	if err != nil {
		return nil, Context{}, err
	}
	return path, Assemble(path, m.log), nil
}
