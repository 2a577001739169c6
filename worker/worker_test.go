package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EasterCompany/dex-voice-pipeline/bargein"
	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/errs"
	"github.com/EasterCompany/dex-voice-pipeline/orchestrator"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
	"github.com/EasterCompany/dex-voice-pipeline/transport"
)

// fakeSttSession is a scriptable transport.SttSession: the test feeds
// events onto its channel directly and records SendAudio/Cancel/Reset
// calls.
type fakeSttSession struct {
	mu       sync.Mutex
	events   chan pipeline.SttEvent
	sent     [][]float32
	closed   bool
	cancels  int
	resets   int
}

func newFakeSttSession() *fakeSttSession {
	return &fakeSttSession{events: make(chan pipeline.SttEvent, 16)}
}

func (f *fakeSttSession) SendAudio(ctx context.Context, pcm []float32) error {
	f.mu.Lock()
	f.sent = append(f.sent, pcm)
	f.mu.Unlock()
	return nil
}
func (f *fakeSttSession) Events() <-chan pipeline.SttEvent { return f.events }
func (f *fakeSttSession) Cancel(ctx context.Context) error { f.cancels++; return nil }
func (f *fakeSttSession) Reset(ctx context.Context) error  { f.resets++; return nil }
func (f *fakeSttSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeTokenStream replays a fixed slice of tokens.
type fakeTokenStream struct {
	tokens []string
	i      int
	err    error
}

func (s *fakeTokenStream) Next() (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	if s.i >= len(s.tokens) {
		return "", false, nil
	}
	t := s.tokens[s.i]
	s.i++
	return t, true, nil
}

type fakeAgent struct {
	mu        sync.Mutex
	tokens    []string
	genErr    error
	resetErr  error
	generated int
}

func (a *fakeAgent) GenerateStream(ctx context.Context, userChannelID, text string) (transport.TokenStream, error) {
	a.mu.Lock()
	a.generated++
	a.mu.Unlock()
	if a.genErr != nil {
		return nil, a.genErr
	}
	return &fakeTokenStream{tokens: a.tokens}, nil
}

func (a *fakeAgent) Reset(ctx context.Context, userChannelID string) error { return a.resetErr }

type fakeTTS struct {
	mu    sync.Mutex
	calls int
}

func (t *fakeTTS) Synthesize(ctx context.Context, text string, params transport.SynthesisParams) (*pipeline.TtsResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return &pipeline.TtsResult{Samples: []float32{0.1, 0.2, 0.3, 0.4}, SampleRate: 16000, Duration: 100 * time.Millisecond}, nil
}
func (t *fakeTTS) Shutdown() {}

type fakeSink struct {
	mu     sync.Mutex
	played [][]int16
}

func (s *fakeSink) Play(ctx context.Context, pcm []int16) error {
	s.mu.Lock()
	s.played = append(s.played, pcm)
	s.mu.Unlock()
	return nil
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []pipeline.Utterance
	err   error
}

func (r *fakeRouter) RouteFinal(ctx context.Context, direct DirectAgent, u pipeline.Utterance) error {
	r.mu.Lock()
	r.calls = append(r.calls, u)
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return direct.ProcessText(ctx, u.SpeakerID, u.Text)
}

type fakeHistory struct {
	mu          sync.Mutex
	channelID   string
	text        string
	interrupted bool
	calls       int
}

func (h *fakeHistory) RecordTurn(channelID, text string, interrupted bool) {
	h.mu.Lock()
	h.channelID = channelID
	h.text = text
	h.interrupted = interrupted
	h.calls++
	h.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Pipeline: config.PipelineConfig{
			SilenceTimeoutSecs:    0, // disabled by default; tests override when needed
			MaxConcurrentRequests: 2,
		},
		TTS: config.TTSConfig{Model: "default"},
	}
}

func newTestWorker(t *testing.T, sttSess transport.SttSession, agent transport.Agent, tts transport.TextToSpeech, sink orchestrator.AudioSink, router Router, cfg Config) (*Worker, *pipeline.SpeakerSession, *fakeHistory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	session := &pipeline.SpeakerSession{
		SSRC:        42,
		UserID:      "user-1",
		DisplayName: "Test User",
		Audio:       make(chan []float32, 16),
		Cancel:      cancel,
		Ctx:         ctx,
	}
	hist := &fakeHistory{}
	bc := bargein.New(true, 0, 0, hist)
	w, err := New(session, sttSess, agent, tts, nil, sink, router, bc, hist, cfg, func(ssrc uint32) {})
	require.NoError(t, err)
	return w, session, hist
}

func TestSttFinalRoutesThroughRouterAndRecordsHistory(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{tokens: []string{"Hello there."}}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, hist := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)

	done := make(chan struct{})
	go func() {
		w.Run(session.Ctx)
		close(done)
	}()

	sttSess.events <- pipeline.SttEvent{Type: pipeline.SttFinal, Text: "what time is it"}

	require.Eventually(t, func() bool {
		hist.mu.Lock()
		defer hist.mu.Unlock()
		return hist.calls > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, len(router.calls))
	assert.Equal(t, "what time is it", router.calls[0].Text)
	assert.False(t, hist.interrupted)
	assert.Equal(t, "Hello there.", hist.text)

	session.Cancel()
	<-done
}

func TestSttFinalWithBlankTextIsIgnored(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, _ := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)

	done := make(chan struct{})
	go func() {
		w.Run(session.Ctx)
		close(done)
	}()

	sttSess.events <- pipeline.SttEvent{Type: pipeline.SttFinal, Text: "   "}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 0, len(router.calls))

	session.Cancel()
	<-done
}

func TestIdleTimeoutStopsRunAndCallsOnDone(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()
	cfg.Pipeline.SilenceTimeoutSecs = 0 // set below via direct struct override to get a short timeout

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &pipeline.SpeakerSession{
		SSRC: 7, UserID: "u2", DisplayName: "U2",
		Audio: make(chan []float32, 4), Cancel: cancel, Ctx: ctx,
	}
	hist := &fakeHistory{}
	bc := bargein.New(true, 0, 0, hist)

	// Use a fractional-second silence timeout by constructing a Config
	// whose SilenceTimeoutSecs is rounded via time.Duration seconds; since
	// PipelineConfig stores whole seconds, use 1 second here and allow the
	// test its full timeout budget.
	cfg.Pipeline.SilenceTimeoutSecs = 1

	var doneSSRC uint32
	onDoneCalled := make(chan struct{})
	w, err := New(session, sttSess, agent, tts, nil, sink, router, bc, hist, cfg, func(ssrc uint32) {
		doneSSRC = ssrc
		close(onDoneCalled)
	})
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		w.Run(session.Ctx)
		close(runDone)
	}()

	select {
	case <-onDoneCalled:
	case <-time.After(3 * time.Second):
		t.Fatal("idle timeout did not fire onDone")
	}
	assert.Equal(t, uint32(7), doneSSRC)

	<-runDone
	assert.True(t, sttSess.closed)
}

func TestSttCancelInterruptStopsActiveUtteranceAndRecordsInterruptedHistory(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{tokens: []string{"This is a long response that keeps going. "}}
	tts := &blockingTTS{release: make(chan struct{})}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, hist := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)

	runDone := make(chan struct{})
	go func() {
		w.Run(session.Ctx)
		close(runDone)
	}()

	sttSess.events <- pipeline.SttEvent{Type: pipeline.SttFinal, Text: "tell me a long story"}

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.currentOrch != nil
	}, time.Second, 5*time.Millisecond)

	sttSess.events <- pipeline.SttEvent{Type: pipeline.SttCancel, CancelReason: pipeline.CancelInterrupt}

	require.Eventually(t, func() bool {
		hist.mu.Lock()
		defer hist.mu.Unlock()
		return hist.calls > 0
	}, time.Second, 5*time.Millisecond)

	assert.True(t, hist.interrupted)

	close(tts.release)
	session.Cancel()
	<-runDone
}

// blockingTTS never returns until release is closed, letting a test hold
// an utterance open long enough to exercise barge-in before ProcessText
// would otherwise finish on its own.
type blockingTTS struct {
	release chan struct{}
}

func (b *blockingTTS) Synthesize(ctx context.Context, text string, params transport.SynthesisParams) (*pipeline.TtsResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, errs.ErrCancelled
	}
	return nil, errs.ErrCancelled
}
func (b *blockingTTS) Shutdown() {}

func TestProcessTextSynthesizesEverySegmentAndRecordsCommittedHistory(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, hist := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)
	agent.tokens = []string{"First sentence. ", "Second sentence."}

	err := w.ProcessText(session.Ctx, "user-1", "go")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, tts.calls, 1)
	assert.False(t, hist.interrupted)
	assert.Contains(t, hist.text, "First sentence.")
	assert.Contains(t, hist.text, "Second sentence.")
}

func TestProcessTextReturnsWrappedErrorOnAgentFailure(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{genErr: fmt.Errorf("boom")}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, _ := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)

	err := w.ProcessText(session.Ctx, "user-1", "go")
	require.Error(t, err)
	assert.True(t, errs.IsClass(err, errs.ClassTransientAgent))
}

func TestStopIsIdempotentAndCancelsSession(t *testing.T) {
	sttSess := newFakeSttSession()
	agent := &fakeAgent{}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	router := &fakeRouter{}
	cfg := testConfig()

	w, session, _ := newTestWorker(t, sttSess, agent, tts, sink, router, cfg)

	w.Stop()
	w.Stop()

	select {
	case <-session.Ctx.Done():
	default:
		t.Fatal("expected session context to be cancelled after Stop")
	}
}
