// Package bargein implements the barge-in controller from spec.md
// §4.7: when a speaker starts talking while the bot is playing audio,
// the active response is cancelled and only the already-played
// segment text is preserved for conversation history.
//
// Grounded on the source bot's finalizeStream/finalizeChannelMove in
// events/voice.go, which tore down an in-flight stream's state on a
// channel-move signal; the same "atomic cancel sequence on an external
// signal" shape is reused here for a SpeechStart signal instead.
package bargein

import (
	"context"
	"sync"
	"time"

	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the barge-in
// controller needs. Kept as an interface to avoid a direct dependency
// cycle and to make the controller independently testable.
type Orchestrator interface {
	PlayingIndex() (index int, playing bool)
	CancelFrom(fromIndex int)
	CommittedText() string
}

// Utterance is the minimal scope the controller needs from the active
// utterance in order to cancel it and install its successor.
type Utterance interface {
	Cancel()
}

// Controller gates and executes barge-in per §4.7's precondition and
// atomic cancel sequence.
type Controller struct {
	mu          sync.Mutex
	minSpeechMs int
	cooldown    time.Duration
	interruptOn bool
	lastBargeIn map[string]time.Time // keyed by ssrc-ish identity string
	history     pipeline.HistoryRecorder
}

// New creates a Controller with the §4.7 precondition parameters.
func New(interruptEnabled bool, minSpeechDurationMs int, cooldownMs int, history pipeline.HistoryRecorder) *Controller {
	return &Controller{
		minSpeechMs: minSpeechDurationMs,
		cooldown:    time.Duration(cooldownMs) * time.Millisecond,
		interruptOn: interruptEnabled,
		lastBargeIn: make(map[string]time.Time),
		history:     history,
	}
}

// CanTrigger reports whether a SpeechStart on speakerKey, having lasted
// speechDurationMs so far, satisfies §4.7's precondition: interrupts
// enabled, minimum speech duration met, and cooldown elapsed.
func (c *Controller) CanTrigger(speakerKey string, speechDurationMs int) bool {
	if !c.interruptOn {
		return false
	}
	if speechDurationMs < c.minSpeechMs {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastBargeIn[speakerKey]; ok {
		if time.Since(last) < c.cooldown {
			return false
		}
	}
	return true
}

// Trigger runs the atomic cancel sequence from spec.md §4.7: cancel
// unplayed segments from the next index after the one currently
// playing, fire the active utterance's cancellation token, record
// committed text as an interrupted turn, and report the committed text
// so the caller can install a fresh cancellation token for the next
// utterance.
func (c *Controller) Trigger(ctx context.Context, speakerKey, channelID string, orch Orchestrator, active Utterance) string {
	c.mu.Lock()
	c.lastBargeIn[speakerKey] = time.Now()
	c.mu.Unlock()

	playingIndex, playing := orch.PlayingIndex()
	if !playing {
		// Nothing currently playing: still cancel from index 0 defensively,
		// matching §4.7's trigger condition which requires a playing
		// segment, so this path should not normally be reached.
		orch.CancelFrom(0)
	} else {
		// CancelFrom(playingIndex) both stops the mid-playback segment and
		// discards every unplayed segment after it, the two effects §4.7
		// step 1 describes as cancel_from(current+1) plus a separate stop.
		orch.CancelFrom(playingIndex)
	}

	active.Cancel()

	committed := orch.CommittedText()
	c.history.RecordTurn(channelID, committed, true)

	logger.Info("bargein: triggered for speaker " + speakerKey + ", committed=" + committed)
	return committed
}
