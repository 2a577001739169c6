// Package worker implements the streaming pipeline worker from
// spec.md §4.3: one worker per SpeakerSession, driving an STT session,
// interpreting its events, invoking the Agent, running parallel TTS
// jobs bounded by a concurrency cap, and feeding the Ordered Playback
// Orchestrator.
//
// Grounded on the source bot's worker.Worker/worker.JobQueue, which
// pulled jobs off a channel and ran them on a bounded pool of
// goroutines; here the "job" is text-to-segments-to-TTS fan-out
// instead of a generic task, and the worker additionally owns an STT
// session and a cooperative-select main loop the source bot's simpler
// pool never needed.
package worker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EasterCompany/dex-voice-pipeline/audio"
	"github.com/EasterCompany/dex-voice-pipeline/bargein"
	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/errs"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/orchestrator"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
	"github.com/EasterCompany/dex-voice-pipeline/segmenter"
	"github.com/EasterCompany/dex-voice-pipeline/transport"
	"github.com/EasterCompany/dex-voice-pipeline/ttscache"
)

// Router is the subset of the Dispatcher's contract a Worker needs in
// order to hand off a Final utterance, without importing the
// dispatcher package (message passing instead of a back-pointer, per
// spec.md §9's cyclic-reference note).
type Router interface {
	RouteFinal(ctx context.Context, direct DirectAgent, u pipeline.Utterance) error
}

// DirectAgent is the method a Router calls back into when an utterance
// is not batched. Worker implements this itself.
type DirectAgent interface {
	ProcessText(ctx context.Context, userID, text string) error
}

// Config bundles the subset of VoiceConfig a Worker needs.
type Config struct {
	Pipeline config.PipelineConfig
	TTS      config.TTSConfig
}

// Worker drives one SpeakerSession end to end.
type Worker struct {
	session   *pipeline.SpeakerSession
	sttSess   transport.SttSession
	agent     transport.Agent
	tts       transport.TextToSpeech
	cache     *ttscache.Cache
	sink      orchestrator.AudioSink
	router    Router
	bargein   *bargein.Controller
	history   pipeline.HistoryRecorder
	cfg       Config
	onDone    func(ssrc uint32)
	opus      *audio.OpusCodec

	mu              sync.Mutex
	currentOrch     *orchestrator.Orchestrator
	currentCancel   context.CancelFunc
	bargeInRecorded bool
	channelID       string

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs a Worker for session. Callers are expected to call
// Run in its own goroutine immediately after.
func New(
	session *pipeline.SpeakerSession,
	sttSess transport.SttSession,
	agent transport.Agent,
	tts transport.TextToSpeech,
	cache *ttscache.Cache,
	sink orchestrator.AudioSink,
	router Router,
	bargeinCtrl *bargein.Controller,
	history pipeline.HistoryRecorder,
	cfg Config,
	onDone func(ssrc uint32),
) (*Worker, error) {
	codec, err := audio.NewOpusCodec()
	if err != nil {
		return nil, errs.PermanentConfig("worker.New", err)
	}
	return &Worker{
		session:   session,
		sttSess:   sttSess,
		agent:     agent,
		tts:       tts,
		cache:     cache,
		sink:      sink,
		router:    router,
		bargein:   bargeinCtrl,
		history:   history,
		cfg:       cfg,
		onDone:    onDone,
		opus:      codec,
		channelID: fmt.Sprintf("voice-%s", session.UserID),
		stopped:   make(chan struct{}),
	}, nil
}

// Session satisfies dispatcher.WorkerHandle.
func (w *Worker) Session() *pipeline.SpeakerSession { return w.session }

// Stop satisfies dispatcher.WorkerHandle: cancels the session's context,
// which unwinds Run's main loop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.session.Cancel()
	})
}

// Run is the worker's main loop per spec.md §4.3: cooperative select
// among inbound audio, STT events, the idle timer, and cancellation.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)
	defer w.sttSess.Close()
	defer w.onDone(w.session.SSRC)

	idleTimeout := time.Duration(w.cfg.Pipeline.SilenceTimeoutSecs) * time.Second
	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if idleTimeout > 0 {
		idleTimer = time.NewTimer(idleTimeout)
		idleC = idleTimer.C
		defer idleTimer.Stop()
	}
	resetIdle := func() {
		if idleTimer != nil {
			idleTimer.Reset(idleTimeout)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.session.Ctx.Done():
			return
		case pcm, ok := <-w.session.Audio:
			if !ok {
				return
			}
			if err := w.sttSess.SendAudio(ctx, pcm); err != nil {
				logger.Error("worker.Run: send audio", err)
			}
		case evt, ok := <-w.sttSess.Events():
			if !ok {
				return
			}
			w.handleSttEvent(ctx, evt, resetIdle)
		case <-idleC:
			logger.Info(fmt.Sprintf("worker: idle timeout for ssrc=%d", w.session.SSRC))
			return
		}
	}
}

func (w *Worker) handleSttEvent(ctx context.Context, evt pipeline.SttEvent, resetIdle func()) {
	switch evt.Type {
	case pipeline.SttSpeechStart:
		resetIdle()
		w.checkBargeIn(ctx, evt)
	case pipeline.SttPartial:
		logger.Info(fmt.Sprintf("worker: partial from ssrc=%d: %s", w.session.SSRC, evt.Text))
	case pipeline.SttFinal:
		text := strings.TrimSpace(evt.Text)
		if text == "" {
			return
		}
		resetIdle()
		u := pipeline.Utterance{SpeakerID: w.session.UserID, DisplayName: w.session.DisplayName, Text: text, Timestamp: time.Now()}
		// Routed and synthesized off the main loop's goroutine: ProcessText
		// runs for the duration of an entire LLM response, and the loop
		// must stay free to observe a SpeechStart or Cancel event firing
		// barge-in while that response is still playing.
		go func() {
			if err := w.router.RouteFinal(ctx, w, u); err != nil && !errs.IsCancelled(err) {
				logger.Error("worker.handleSttEvent: route final", err)
			}
		}()
	case pipeline.SttSpeechEnd:
		logger.Info(fmt.Sprintf("worker: speech end for ssrc=%d", w.session.SSRC))
	case pipeline.SttCancel:
		if evt.CancelReason == pipeline.CancelInterrupt {
			w.cancelActiveUtterance()
		}
	case pipeline.SttReset:
		logger.Info(fmt.Sprintf("worker: stt session reset for ssrc=%d: %s", w.session.SSRC, evt.ResetReason))
	}
}

// checkBargeIn implements spec.md §4.7's trigger condition: a
// SpeechStart on this session while a segment is currently playing.
func (w *Worker) checkBargeIn(ctx context.Context, evt pipeline.SttEvent) {
	w.mu.Lock()
	orch := w.currentOrch
	cancel := w.currentCancel
	channelID := w.channelID
	w.mu.Unlock()

	if orch == nil {
		return
	}
	if _, playing := orch.PlayingIndex(); !playing {
		return
	}
	if !w.bargein.CanTrigger(w.sessionKey(), estimateSpeechDurationMs(evt)) {
		return
	}

	w.bargein.Trigger(ctx, w.sessionKey(), channelID, orch, cancelAdapter(cancel))

	w.mu.Lock()
	w.currentOrch = nil
	w.currentCancel = nil
	// Trigger already recorded this turn as interrupted (it has the
	// committed text at the moment of cancellation); ProcessText's own
	// Finish-then-RecordTurn sees the same cancellation and must not
	// record it a second time.
	w.bargeInRecorded = true
	w.mu.Unlock()
}

// estimateSpeechDurationMs has no direct signal in a bare SpeechStart
// event; spec.md §4.7's minimum-speech gate is evaluated against how
// long speech has been observed, which the STT session itself would
// need to report via a follow-up Partial. Absent that, the gate
// degrades to "always met", matching spec.md §1's acknowledged
// non-goal of perfect-accuracy interruption gating.
func estimateSpeechDurationMs(evt pipeline.SttEvent) int {
	if evt.DurationMs <= 0 {
		return math.MaxInt32
	}
	return int(evt.DurationMs)
}

func (w *Worker) sessionKey() string {
	return fmt.Sprintf("ssrc-%d", w.session.SSRC)
}

func (w *Worker) cancelActiveUtterance() {
	w.mu.Lock()
	cancel := w.currentCancel
	w.currentOrch = nil
	w.currentCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type cancelAdapter context.CancelFunc

func (c cancelAdapter) Cancel() { c() }

// ProcessText implements spec.md §4.3's process_text and satisfies
// both dispatcher.DirectAgent and worker.DirectAgent.
func (w *Worker) ProcessText(ctx context.Context, userID, text string) error {
	utterCtx, cancel := context.WithCancel(w.session.Ctx)
	defer cancel()

	orch := orchestrator.New(uuid.NewString(), w.sink)

	w.mu.Lock()
	w.currentOrch = orch
	w.currentCancel = cancel
	w.bargeInRecorded = false
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.currentOrch == orch {
			w.currentOrch = nil
			w.currentCancel = nil
		}
		w.mu.Unlock()
	}()

	tokens, err := w.agent.GenerateStream(utterCtx, w.channelID, text)
	if err != nil {
		return errs.TransientAgent("worker.ProcessText", err)
	}

	playbackErrCh := make(chan error, 1)
	go func() { playbackErrCh <- orch.PlaybackLoop(utterCtx) }()

	sem := make(chan struct{}, maxInt(1, w.cfg.Pipeline.MaxConcurrentRequests))
	var wg sync.WaitGroup
	segIndex := 0

	next := func() (string, bool, error) {
		if utterCtx.Err() != nil {
			return "", false, errs.ErrCancelled
		}
		tok, ok, err := tokens.Next()
		if err != nil {
			return "", false, err
		}
		return tok, ok, nil
	}

	emit := func(sentence string) error {
		idx := segIndex
		segIndex++
		orch.RegisterPending(idx, sentence)

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.synthesizeSegment(utterCtx, orch, idx, sentence)
		}()
		return nil
	}

	runErr := segmenter.Run(next, emit)
	wg.Wait()

	committed, finishErr := orch.Finish(utterCtx)
	cancel() // every segment is settled; stop PlaybackLoop
	<-playbackErrCh

	w.mu.Lock()
	alreadyRecorded := w.bargeInRecorded
	w.mu.Unlock()

	interrupted := errs.IsCancelled(runErr) || errs.IsCancelled(finishErr)
	if !alreadyRecorded {
		w.history.RecordTurn(w.channelID, committed, interrupted)
	}

	if runErr != nil && !errs.IsCancelled(runErr) {
		return errs.TransientAgent("worker.ProcessText", runErr)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// synthesizeSegment runs one TTS job: cache lookup, provider call on
// miss, Opus re-encode for caching, then reports the result to the
// Orchestrator. Per spec.md §7's TransientSynthesis policy ("retry
// once; if still failing, skip the segment"), a failure is retried
// exactly once before the segment is skipped via orch.Skip, which
// advances the Orchestrator's play index past it instead of stalling
// playback on a segment that will never become ready.
func (w *Worker) synthesizeSegment(ctx context.Context, orch *orchestrator.Orchestrator, index int, text string) {
	params := ttscache.Params{
		Text:      text,
		Model:     w.cfg.TTS.Model,
		Speed:     1.0,
		StyleID:   "default",
		SpeakerID: "default",
		Pitch:     0,
	}
	key := ttscache.Key(params)

	result, err := w.loadOrSynthesize(ctx, key, params, text)
	if err != nil && !errs.IsCancelled(err) {
		logger.Info(fmt.Sprintf("worker: tts synthesis failed for segment %d, retrying once", index))
		result, err = w.loadOrSynthesize(ctx, key, params, text)
	}
	if err != nil {
		if errs.IsCancelled(err) {
			return
		}
		logger.Error("worker.synthesizeSegment: synthesis failed after retry, skipping segment", err)
		orch.Skip(index)
		return
	}
	if err := orch.OnReady(index, result); err != nil {
		logger.Error("worker.synthesizeSegment: on ready", err)
	}
}

func (w *Worker) loadOrSynthesize(ctx context.Context, key string, params ttscache.Params, text string) (*pipeline.TtsResult, error) {
	if w.cache != nil {
		if entry, found, err := w.cache.Lookup(key); err == nil && found {
			pcm, decErr := w.opus.DecodeFrames(entry.AudioData)
			if decErr == nil {
				mono := audio.Int16StereoToFloat32Mono(pcm)
				return &pipeline.TtsResult{Samples: mono, SampleRate: audio.SampleRate, Duration: time.Duration(entry.DurationMs) * time.Millisecond}, nil
			}
			logger.Error("worker.loadOrSynthesize: decode cached opus", decErr)
		}
	}

	wait, done, owned := (<-chan struct{})(nil), func() {}, true
	if w.cache != nil {
		wait, done, owned = w.cache.Claim(key)
		if !owned {
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, errs.ErrCancelled
			}
			if entry, found, err := w.cache.Lookup(key); err == nil && found {
				pcm, decErr := w.opus.DecodeFrames(entry.AudioData)
				if decErr == nil {
					mono := audio.Int16StereoToFloat32Mono(pcm)
					return &pipeline.TtsResult{Samples: mono, SampleRate: audio.SampleRate, Duration: time.Duration(entry.DurationMs) * time.Millisecond}, nil
				}
			}
		}
	}
	if owned {
		defer done()
	}

	result, err := w.tts.Synthesize(ctx, text, transport.SynthesisParams{
		Model: params.Model, Speed: params.Speed, StyleID: params.StyleID, SpeakerID: params.SpeakerID, Pitch: params.Pitch,
	})
	if err != nil {
		return nil, errs.TransientSynthesis("worker.loadOrSynthesize", err)
	}

	if w.cache != nil {
		stereo48k := audio.To48kStereoI16(result.Samples, result.SampleRate)
		opusBytes, encErr := w.opus.EncodeFrames(stereo48k)
		if encErr != nil {
			logger.Error("worker.loadOrSynthesize: encode for cache", encErr)
		} else if insErr := w.cache.Insert(key, params, opusBytes, float64(result.Duration.Milliseconds())); insErr != nil {
			logger.Error("worker.loadOrSynthesize: insert cache entry", insErr)
		} else if _, evErr := w.cache.Evict(); evErr != nil {
			// Opportunistic eviction per spec.md §4.5: run it right after an
			// insert rather than only waiting on the periodic sweep, so a
			// single long-idle process doesn't grow the cache unbounded
			// between cleanup_interval_hours ticks.
			logger.Error("worker.loadOrSynthesize: opportunistic evict", evErr)
		}
	}

	return result, nil
}
