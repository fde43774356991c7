// Package mock provides a scripted llm.Provider for deterministic tests.
package mock

import (
	"context"
	"time"

	"loom/internal/llm"
)

// Provider emits a predefined event script for deterministic tests.
type Provider struct {
	Events []llm.Event
	// Scripts, when set, supplies a distinct event script per Stream call,
	// in order. Calls past the last script replay Events.
	Scripts [][]llm.Event
	Delay   time.Duration

	// Requests records every request passed to Stream, for assertions.
	Requests []*llm.Request
}

// Stream emits scripted events in order until exhaustion or cancellation.
func (m *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Event, error) {
	script := m.Events
	if call := len(m.Requests); call < len(m.Scripts) {
		script = m.Scripts[call]
	}
	m.Requests = append(m.Requests, req)

	out := make(chan llm.Event, 1)
	go func() {
		defer close(out)
		for _, ev := range script {
			if m.Delay > 0 {
				timer := time.NewTimer(m.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					llm.SendTerminalEvent(out, llm.Event{
						Type: llm.EventError,
						Done: &llm.DonePayload{Reason: llm.StopReasonAborted},
						Err:  ctx.Err(),
					})
					return
				case <-timer.C:
				}
			}

			select {
			case <-ctx.Done():
				llm.SendTerminalEvent(out, llm.Event{
					Type: llm.EventError,
					Done: &llm.DonePayload{Reason: llm.StopReasonAborted},
					Err:  ctx.Err(),
				})
				return
			case out <- ev:
			}
		}
	}()

	return out, nil
}
