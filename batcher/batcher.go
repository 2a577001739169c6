// Package batcher implements the context-window batcher from
// spec.md §4.8: finalized utterances from multiple speakers are
// aggregated over a short time window into one labeled multi-speaker
// prompt for the Agent.
//
// Grounded on the source bot's worker.JobQueue, which buffered jobs
// before dispatch on a ticker; here the buffer is a time-windowed
// multi-speaker utterance queue instead of a generic job queue.
package batcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// Agent is the shared-context collaborator the Batcher feeds a flushed
// prompt to, using the spec's "voice room" channel id convention.
type Agent interface {
	ProcessText(ctx context.Context, channelID, prompt string) error
}

// PollInterval is the Batcher's window-check cadence from spec.md §4.8
// ("Polling (e.g., 100 ms)").
const PollInterval = 100 * time.Millisecond

// VoiceRoomChannelID is the shared Agent channel id finalized batched
// prompts are sent under, per spec.md §4.8's "speaker id = 0 or a
// dedicated 'voice room' channel id".
const VoiceRoomChannelID = "voice-room"

// Batcher buffers Utterances over a rolling window and flushes them as
// a single labeled prompt.
type Batcher struct {
	mu          sync.Mutex
	buffer      []pipeline.Utterance
	windowStart time.Time
	hasWindow   bool

	windowMs int
	agent    Agent
}

// New creates a Batcher with the given window length.
func New(windowMs int, agent Agent) *Batcher {
	return &Batcher{windowMs: windowMs, agent: agent}
}

// Push appends u to the buffer, starting the window if this is the
// first utterance since the last flush, per spec.md §4.8's push.
func (b *Batcher) Push(u pipeline.Utterance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasWindow {
		b.windowStart = time.Now()
		b.hasWindow = true
	}
	b.buffer = append(b.buffer, u)
}

// Len reports the number of buffered utterances, mainly for tests and
// the debug CLI.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Run polls the window every PollInterval and flushes when it elapses,
// until ctx is cancelled. Intended to run in its own goroutine.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Batcher) tick(ctx context.Context) {
	b.mu.Lock()
	elapsed := b.hasWindow && time.Since(b.windowStart) >= time.Duration(b.windowMs)*time.Millisecond
	b.mu.Unlock()
	if elapsed {
		if err := b.Flush(ctx); err != nil {
			logger.Error("batcher.tick", err)
		}
	}
}

// Flush produces one labeled prompt from the buffer and feeds it to
// the Agent under VoiceRoomChannelID, per spec.md §4.8's flush. No-op
// if the buffer is empty.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	lines := make([]string, len(b.buffer))
	for i, u := range b.buffer {
		lines[i] = fmt.Sprintf("%s: %s", u.DisplayName, u.Text)
	}
	b.buffer = nil
	b.hasWindow = false
	b.mu.Unlock()

	prompt := strings.Join(lines, "\n")
	return b.agent.ProcessText(ctx, VoiceRoomChannelID, prompt)
}
