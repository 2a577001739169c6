package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

type fakeWorker struct {
	mu      sync.Mutex
	stopped bool
}

func (w *fakeWorker) Session() *pipeline.SpeakerSession { return nil }
func (w *fakeWorker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
func (w *fakeWorker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

type fakeBatcher struct {
	mu   sync.Mutex
	pushed []pipeline.Utterance
}

func (b *fakeBatcher) Push(u pipeline.Utterance) {
	b.mu.Lock()
	b.pushed = append(b.pushed, u)
	b.mu.Unlock()
}

type fakeDirectAgent struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeDirectAgent) ProcessText(ctx context.Context, userID, text string) error {
	a.mu.Lock()
	a.calls = append(a.calls, userID+":"+text)
	a.mu.Unlock()
	return nil
}

func testSTTConfig(maxConcurrent int) config.STTConfig {
	return config.STTConfig{MaxConcurrentStt: maxConcurrent}
}

func newTestDispatcher(maxConcurrent int, batchAuto bool, workers *map[uint32]*fakeWorker, mu *sync.Mutex) *Dispatcher {
	factory := func(ctx context.Context, session *pipeline.SpeakerSession) WorkerHandle {
		w := &fakeWorker{}
		mu.Lock()
		(*workers)[session.SSRC] = w
		mu.Unlock()
		return w
	}
	return New(testSTTConfig(maxConcurrent), config.PipelineConfig{ContextWindowAuto: batchAuto}, 0, factory, &fakeBatcher{})
}

func TestHandleAudioCreatesSessionUpToCap(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(2, true, &workers, &mu)

	pcm := make([]int16, 960*2)
	require.NoError(t, d.HandleAudio(context.Background(), 1, pcm))
	require.NoError(t, d.HandleAudio(context.Background(), 2, pcm))

	assert.Equal(t, 2, d.ActiveSessions())
}

func TestHandleAudioEvictsLeastRecentlySpokenWhenAtCap(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(2, true, &workers, &mu)

	pcm := make([]int16, 960*2)
	require.NoError(t, d.HandleAudio(context.Background(), 10, pcm))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, d.HandleAudio(context.Background(), 20, pcm))

	// ssrc=10 is older; a third SSRC should evict it.
	require.NoError(t, d.HandleAudio(context.Background(), 30, pcm))

	assert.Equal(t, 2, d.ActiveSessions())

	mu.Lock()
	w10 := workers[10]
	mu.Unlock()
	require.NotNil(t, w10)
	assert.True(t, w10.isStopped())
}

func TestShouldBatchRequiresTwoActiveSessionsAndAutoFlag(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(4, true, &workers, &mu)

	pcm := make([]int16, 960*2)
	require.NoError(t, d.HandleAudio(context.Background(), 1, pcm))
	assert.False(t, d.ShouldBatch()) // only one active session

	require.NoError(t, d.HandleAudio(context.Background(), 2, pcm))
	assert.True(t, d.ShouldBatch())
}

func TestShouldBatchFalseWhenAutoDisabled(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(4, false, &workers, &mu)

	pcm := make([]int16, 960*2)
	require.NoError(t, d.HandleAudio(context.Background(), 1, pcm))
	require.NoError(t, d.HandleAudio(context.Background(), 2, pcm))
	assert.False(t, d.ShouldBatch())
}

func TestRouteFinalGoesDirectWhenNotBatching(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(4, true, &workers, &mu)

	agent := &fakeDirectAgent{}
	u := pipeline.Utterance{SpeakerID: "u1", Text: "hello"}
	require.NoError(t, d.RouteFinal(context.Background(), agent, u))
	assert.Equal(t, []string{"u1:hello"}, agent.calls)
}

func TestUnmappedSSRCReportedUntilSpeakingUpdate(t *testing.T) {
	workers := map[uint32]*fakeWorker{}
	var mu sync.Mutex
	d := newTestDispatcher(4, true, &workers, &mu)

	pcm := make([]int16, 960*2)
	require.NoError(t, d.HandleAudio(context.Background(), 99, pcm))
	assert.Equal(t, []uint32{99}, d.UnmappedSSRCs())

	d.HandleSpeakingUpdate(99, "user-99", "Nine Nine")
	assert.Empty(t, d.UnmappedSSRCs())
}
