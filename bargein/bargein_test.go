package bargein

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeOrchestrator struct {
	mu            sync.Mutex
	playingIndex  int
	isPlaying     bool
	committed     string
	cancelFromArg int
	cancelCalled  bool
}

func (f *fakeOrchestrator) PlayingIndex() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playingIndex, f.isPlaying
}

func (f *fakeOrchestrator) CancelFrom(fromIndex int) {
	f.mu.Lock()
	f.cancelFromArg = fromIndex
	f.cancelCalled = true
	f.mu.Unlock()
}

func (f *fakeOrchestrator) CommittedText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

type fakeUtterance struct {
	mu        sync.Mutex
	cancelled bool
}

func (u *fakeUtterance) Cancel() {
	u.mu.Lock()
	u.cancelled = true
	u.mu.Unlock()
}

type fakeHistory struct {
	mu          sync.Mutex
	channelID   string
	text        string
	interrupted bool
}

func (h *fakeHistory) RecordTurn(channelID, text string, interrupted bool) {
	h.mu.Lock()
	h.channelID = channelID
	h.text = text
	h.interrupted = interrupted
	h.mu.Unlock()
}

func TestCanTriggerRequiresMinimumSpeechDuration(t *testing.T) {
	c := New(true, 200, 500, &fakeHistory{})
	assert.False(t, c.CanTrigger("spk1", 100))
	assert.True(t, c.CanTrigger("spk1", 250))
}

func TestCanTriggerFalseWhenInterruptDisabled(t *testing.T) {
	c := New(false, 200, 500, &fakeHistory{})
	assert.False(t, c.CanTrigger("spk1", 1000))
}

func TestCanTriggerRespectsCooldown(t *testing.T) {
	c := New(true, 0, 500, &fakeHistory{})
	assert.True(t, c.CanTrigger("spk1", 0))

	orch := &fakeOrchestrator{isPlaying: true, playingIndex: 1, committed: "A"}
	c.Trigger(context.Background(), "spk1", "chan1", orch, &fakeUtterance{})

	assert.False(t, c.CanTrigger("spk1", 0)) // within cooldown

	c2 := New(true, 0, 10, &fakeHistory{})
	assert.True(t, c2.CanTrigger("spk2", 0))
	orch2 := &fakeOrchestrator{isPlaying: true, playingIndex: 0, committed: ""}
	c2.Trigger(context.Background(), "spk2", "chan1", orch2, &fakeUtterance{})
	time.Sleep(15 * time.Millisecond)
	assert.True(t, c2.CanTrigger("spk2", 0))
}

func TestTriggerCancelsFromPlayingIndexAndRecordsCommittedText(t *testing.T) {
	c := New(true, 200, 500, &fakeHistory{})
	orch := &fakeOrchestrator{isPlaying: true, playingIndex: 2, committed: "A" + "B"}
	utt := &fakeUtterance{}
	hist := &fakeHistory{}
	c.history = hist

	committed := c.Trigger(context.Background(), "spk1", "chan1", orch, utt)

	assert.True(t, orch.cancelCalled)
	assert.Equal(t, 2, orch.cancelFromArg)
	assert.True(t, utt.cancelled)
	assert.Equal(t, "AB", committed)
	assert.Equal(t, "chan1", hist.channelID)
	assert.Equal(t, "AB", hist.text)
}

func TestTriggerWhenNothingPlayingCancelsFromZero(t *testing.T) {
	c := New(true, 200, 500, &fakeHistory{})
	orch := &fakeOrchestrator{isPlaying: false, committed: ""}
	c.Trigger(context.Background(), "spk1", "chan1", orch, &fakeUtterance{})
	assert.Equal(t, 0, orch.cancelFromArg)
}
