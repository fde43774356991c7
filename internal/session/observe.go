package session

import (
	"context"

	"go.uber.org/zap"
)

const watchBuffer = 8

// Snapshot is one freshly assembled view of a session, delivered after
// every successful mutation. There is no incremental diffing; observers
// always see a complete recompute.
type Snapshot struct {
	Path    *Path
	Context Context
}

// Watch subscribes to a session. The returned cancel func unsubscribes and
// closes the channel. A slow receiver loses intermediate snapshots rather
// than blocking writers.
func (m *Manager) Watch(sessionID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, watchBuffer)

	m.watchMu.Lock()
	m.watchers[sessionID] = append(m.watchers[sessionID], ch)
	m.watchMu.Unlock()

	cancel := func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		subs := m.watchers[sessionID]
		for i, sub := range subs {
			if sub == ch {
				m.watchers[sessionID] = append(subs[:i:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// notify recomputes the session view and fans it out to watchers. Failures
// to reconstruct are logged, not surfaced, since the mutation itself
// already succeeded.
func (m *Manager) notify(ctx context.Context, sessionID string) {
	m.watchMu.Lock()
	n := len(m.watchers[sessionID])
	m.watchMu.Unlock()
	if n == 0 {
		return
	}

	path, err := Reconstruct(ctx, m.store, sessionID)
	if err != nil {
		m.log.Warn("snapshot reconstruct failed",
			zap.String("session", sessionID),
			zap.Error(err))
		return
	}
	snap := Snapshot{Path: path, Context: Assemble(path, m.log)}

	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel mid-send. They never block, so the lock hold is short.
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, sub := range m.watchers[sessionID] {
		for {
			select {
			case sub <- snap:
			default:
				// Full buffer: evict the oldest pending snapshot so the
				// newest state always lands.
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}

// closeWatchers drops every subscription for a deleted session.
func (m *Manager) closeWatchers(sessionID string) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, sub := range m.watchers[sessionID] {
		close(sub)
	}
	delete(m.watchers, sessionID)
}
