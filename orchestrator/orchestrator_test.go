package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

type recordingSink struct {
	mu     sync.Mutex
	played [][]int16
}

func (s *recordingSink) Play(ctx context.Context, pcm []int16) error {
	s.mu.Lock()
	s.played = append(s.played, pcm)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.played)
}

// holdAfterFirstSink returns at once for the first clip and blocks every
// later clip until ctx is cancelled, so a second segment stays playing.
type holdAfterFirstSink struct {
	mu    sync.Mutex
	calls int
}

func (s *holdAfterFirstSink) Play(ctx context.Context, pcm []int16) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func result(sampleRate int, n int) *pipeline.TtsResult {
	samples := make([]float32, n)
	return &pipeline.TtsResult{Samples: samples, SampleRate: sampleRate, Duration: time.Millisecond * time.Duration(n)}
}

func TestPlaybackIsStrictlyOrderedDespiteArbitraryReadyPermutation(t *testing.T) {
	sink := &recordingSink{}
	o := New("req-1", sink)

	const n = 5
	for i := 0; i < n; i++ {
		o.RegisterPending(i, "seg")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loopErr error
	done := make(chan struct{})
	go func() {
		loopErr = o.PlaybackLoop(ctx)
		close(done)
	}()

	// Arbitrary permutation: ready arrives out of order.
	order := []int{3, 1, 4, 0, 2}
	for _, idx := range order {
		require.NoError(t, o.OnReady(idx, result(16000, 10)))
	}

	deadline := time.After(2 * time.Second)
	for sink.count() < n {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all segments to play")
		case <-time.After(5 * time.Millisecond):
		}
	}

	committed, err := o.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "segsegsegsegseg", committed)

	cancel()
	<-done
	assert.True(t, errs.IsCancelled(loopErr))
}

func TestCancelFromDiscardsUnplayedSegmentsAndExcludesPlayingText(t *testing.T) {
	sink := &holdAfterFirstSink{}
	o := New("req-2", sink)

	for i := 0; i < 3; i++ {
		o.RegisterPending(i, "T")
	}
	o.segments[0].Text = "A"
	o.segments[1].Text = "B"
	o.segments[2].Text = "C"

	require.NoError(t, o.OnReady(0, result(16000, 10)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.PlaybackLoop(ctx)

	time.Sleep(20 * time.Millisecond) // let segment 0 play and commit

	// Now segment 1 becomes ready and starts playing before we cancel.
	require.NoError(t, o.OnReady(1, result(16000, 10)))
	time.Sleep(5 * time.Millisecond)

	o.CancelFrom(1)

	committed := o.CommittedText()
	assert.Equal(t, "A", committed)
}

func TestFinishWaitsForAllSegmentsSettled(t *testing.T) {
	sink := &recordingSink{}
	o := New("req-3", sink)
	o.RegisterPending(0, "only")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.PlaybackLoop(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		o.OnReady(0, result(16000, 10))
	}()

	committed, err := o.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only", committed)
}
