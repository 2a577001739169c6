// Package orchestrator implements the ordered playback orchestrator
// from spec.md §4.6: TTS jobs complete in parallel, in any order, but
// the audio sink only ever hears segments in strict ascending index
// order.
//
// Grounded on the source bot's audio/mixer.go, which held a single
// outbound channel the mixer drained in submission order; here that
// single-channel discipline is generalized into an explicit
// ready/playing/done state machine per segment, since the source bot
// never needed to reorder out-of-sequence completions.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// AudioSink is the single-writer playback destination; Play blocks
// until the clip has finished playing or ctx is cancelled.
type AudioSink interface {
	Play(ctx context.Context, pcmI16Stereo48k []int16) error
}

// Orchestrator holds one LLM response's worth of segments and drives
// their strictly-ordered release to an AudioSink.
type Orchestrator struct {
	mu            sync.Mutex
	segments      map[int]*pipeline.Segment
	nextPlayIndex int
	requestID     string
	sink          AudioSink
	ready         chan struct{}
	committed     []string
	playingIndex  int
	hasPlaying    bool
}

// New creates an Orchestrator for one request id, draining ready
// segments to sink.
func New(requestID string, sink AudioSink) *Orchestrator {
	return &Orchestrator{
		segments:      make(map[int]*pipeline.Segment),
		nextPlayIndex: 0,
		playingIndex:  -1,
		requestID:     requestID,
		sink:          sink,
		ready:         make(chan struct{}, 1),
	}
}

// RegisterPending inserts a placeholder Segment with status generating,
// per §4.6's register_pending.
func (o *Orchestrator) RegisterPending(index int, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segments[index] = &pipeline.Segment{
		Index:     index,
		Text:      text,
		RequestID: o.requestID,
		Status:    pipeline.SegmentGenerating,
	}
}

// OnReady marks a segment ready with its synthesized audio and wakes
// the playback loop.
func (o *Orchestrator) OnReady(index int, result *pipeline.TtsResult) error {
	o.mu.Lock()
	seg, ok := o.segments[index]
	if !ok {
		o.mu.Unlock()
		return errs.Invariant("orchestrator.OnReady", fmt.Errorf("unregistered segment index %d", index))
	}
	if seg.Status == pipeline.SegmentCancelled {
		o.mu.Unlock()
		return nil
	}
	seg.Status = pipeline.SegmentReady
	seg.Audio = result
	o.mu.Unlock()

	o.signalReady()
	return nil
}

func (o *Orchestrator) signalReady() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// PlaybackLoop drains ready segments strictly in ascending index order
// until ctx is cancelled or the sink returns an error. It does not
// return on its own once every segment has played, so callers run it in
// its own goroutine alongside Finish and cancel ctx after Finish returns.
func (o *Orchestrator) PlaybackLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errs.ErrCancelled
		case <-o.ready:
		}

		for {
			o.mu.Lock()
			seg, ok := o.segments[o.nextPlayIndex]
			if !ok {
				o.mu.Unlock()
				break
			}
			if seg.Status != pipeline.SegmentReady {
				if seg.Status == pipeline.SegmentDone || seg.Status == pipeline.SegmentCancelled {
					// Settled without ever reaching Playing here — either
					// skipped after a synthesis failure (orch.Skip) or
					// cancelled before it became ready. Nothing to play;
					// advance past it so a later, already-ready segment
					// isn't blocked behind it forever.
					o.nextPlayIndex++
					o.mu.Unlock()
					continue
				}
				o.mu.Unlock()
				break
			}
			seg.Status = pipeline.SegmentPlaying
			o.playingIndex = seg.Index
			o.hasPlaying = true
			pcm := seg.Audio
			o.mu.Unlock()

			err := o.sink.Play(ctx, pcm.ToInt16Stereo48k())

			o.mu.Lock()
			o.hasPlaying = false
			if err != nil {
				o.mu.Unlock()
				if ctx.Err() != nil {
					return errs.ErrCancelled
				}
				return fmt.Errorf("orchestrator: audio sink play: %w", err)
			}
			if seg.Status == pipeline.SegmentCancelled {
				o.mu.Unlock()
				continue
			}
			seg.Status = pipeline.SegmentDone
			o.committed = append(o.committed, seg.Text)
			o.nextPlayIndex++
			o.mu.Unlock()
		}
	}
}

// PlayingIndex reports the index currently playing, and whether any
// segment is playing at all — used by the barge-in controller.
func (o *Orchestrator) PlayingIndex() (index int, playing bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playingIndex, o.hasPlaying
}

// Skip settles a single segment with no audio after its synthesis
// job exhausts its retry, per spec.md §7's TransientSynthesis policy
// ("retry once; if still failing, skip the segment ... Orchestrator
// advances next_play_index"). Marked Cancelled rather than Done so
// CommittedText — which only joins Done segments' text — never reports
// text that was never actually spoken.
func (o *Orchestrator) Skip(index int) {
	o.mu.Lock()
	seg, ok := o.segments[index]
	if !ok || seg.Status == pipeline.SegmentDone || seg.Status == pipeline.SegmentCancelled || seg.Status == pipeline.SegmentPlaying {
		o.mu.Unlock()
		return
	}
	seg.Status = pipeline.SegmentCancelled
	seg.Audio = nil
	o.mu.Unlock()

	o.signalReady()
	logger.Info(fmt.Sprintf("orchestrator: request %s skipped segment %d after synthesis failure", o.requestID, index))
}

// CancelFrom cancels every segment with index >= fromIndex, per §4.6.
// The currently-playing segment (if its index qualifies) is marked
// cancelled immediately; PlaybackLoop observes this the next time it
// inspects segment status and does not commit its text.
func (o *Orchestrator) CancelFrom(fromIndex int) {
	o.mu.Lock()
	for idx, seg := range o.segments {
		if idx >= fromIndex && seg.Status != pipeline.SegmentDone {
			seg.Status = pipeline.SegmentCancelled
			seg.Audio = nil
		}
	}
	o.mu.Unlock()
	logCancelFrom(o.requestID, fromIndex)
}

// Finish blocks until every registered segment has reached done or
// cancelled, then returns the committed text joined in playback order.
// PlaybackLoop sends no wakeup when a segment finishes playing, so
// segment status is also re-checked on a short tick.
func (o *Orchestrator) Finish(ctx context.Context) (string, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.allSettled() {
			return o.CommittedText(), nil
		}
		select {
		case <-ctx.Done():
			return o.CommittedText(), errs.ErrCancelled
		case <-o.ready:
			o.signalReady() // let PlaybackLoop also observe this wakeup
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) allSettled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, seg := range o.segments {
		if seg.Status != pipeline.SegmentDone && seg.Status != pipeline.SegmentCancelled {
			return false
		}
	}
	return true
}

// CommittedText returns the concatenation of done segments' text, in
// playback (ascending index) order, per spec.md §3's history invariant.
func (o *Orchestrator) CommittedText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	indices := make([]int, 0, len(o.segments))
	for idx, seg := range o.segments {
		if seg.Status == pipeline.SegmentDone {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = o.segments[idx].Text
	}
	return strings.Join(parts, "")
}

// logCancelFrom mirrors connection's transition logging; segment
// status changes are frequent enough that only cancellation is worth
// a log line.
func logCancelFrom(requestID string, fromIndex int) {
	logger.Info(fmt.Sprintf("orchestrator: request %s cancelled from segment %d", requestID, fromIndex))
}
