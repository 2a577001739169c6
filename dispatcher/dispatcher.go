// Package dispatcher implements spec.md §4.2: it maps incoming audio
// chunks by SSRC to per-speaker workers, enforces the max-concurrent-STT
// cap with least-recently-spoken (LRS) eviction, and decides per
// utterance whether a Final transcription goes straight to a worker's
// own Agent call or into the shared Batcher.
//
// Grounded on the source bot's guild.GuildState, whose ActiveStreams
// and SSRCUserMap played the same "SSRC to live state" role; here that
// becomes an explicit bounded map with an eviction policy, since the
// source bot never needed to cap concurrent STT sessions.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/audio"
	"github.com/EasterCompany/dex-voice-pipeline/config"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// AudioChunkSize is the bounded per-worker audio queue depth from
// spec.md §4.2 ("bounded queue, default 256").
const AudioChunkSize = 256

// WorkerHandle is the subset of a pipeline Worker the Dispatcher needs
// in order to route audio/control into it and learn of its shutdown.
// The concrete Worker type (package pipeline's runtime counterpart)
// satisfies this; kept as an interface here to avoid an import cycle
// between dispatcher and the worker package.
type WorkerHandle interface {
	Session() *pipeline.SpeakerSession
	Stop()
}

// WorkerFactory creates and starts a new worker for a freshly
// registered SpeakerSession. The Dispatcher does not know how a worker
// runs; it only needs the handle back.
type WorkerFactory func(ctx context.Context, session *pipeline.SpeakerSession) WorkerHandle

// Batcher is the subset of the context-window batcher's contract the
// Dispatcher needs to route Final utterances when batching is active.
type Batcher interface {
	Push(u pipeline.Utterance)
}

// DirectAgent is how the Dispatcher hands a Final utterance straight
// to a worker's own per-speaker Agent call when batching is not active.
type DirectAgent interface {
	ProcessText(ctx context.Context, userID, text string) error
}

// EvictionNotice is published (optionally, rate-limited) when LRS
// eviction drops a session, per spec.md §4.2 step 3.
type EvictionNotice struct {
	SSRC   uint32
	UserID string
	At     time.Time
}

// Dispatcher owns the SSRC -> SpeakerSession map exclusively, per
// spec.md §3's ownership rule.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[uint32]*dispatchedSession

	cfg           config.STTConfig
	contextWindow config.PipelineConfig
	newWorker     WorkerFactory
	batcher       Batcher

	evictionCooldownSecs int
	lastEvictionNotice   map[string]time.Time

	evictionNotices chan EvictionNotice
}

type dispatchedSession struct {
	session *pipeline.SpeakerSession
	worker  WorkerHandle
	audio   chan []float32
}

// New creates a Dispatcher bounded by sttCfg.MaxConcurrentStt.
func New(sttCfg config.STTConfig, pipelineCfg config.PipelineConfig, evictionCooldownSecs int, newWorker WorkerFactory, batcher Batcher) *Dispatcher {
	return &Dispatcher{
		sessions:             make(map[uint32]*dispatchedSession),
		cfg:                  sttCfg,
		contextWindow:        pipelineCfg,
		newWorker:            newWorker,
		batcher:              batcher,
		evictionCooldownSecs: evictionCooldownSecs,
		lastEvictionNotice:   make(map[string]time.Time),
		evictionNotices:      make(chan EvictionNotice, 16),
	}
}

// EvictionNotices exposes the (optionally consumed) eviction notice
// stream for a transcript writer to publish, per spec.md §4.2's
// "optionally publish a transcript notice".
func (d *Dispatcher) EvictionNotices() <-chan EvictionNotice { return d.evictionNotices }

// HandleSpeakingUpdate records the SSRC->user mapping on the SSRC's
// existing session. An update for an SSRC that has no session yet is
// dropped; no audio is buffered while a session is unmapped.
func (d *Dispatcher) HandleSpeakingUpdate(ssrc uint32, userID, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ds, exists := d.sessions[ssrc]
	if !exists {
		// Speaking update raced ahead of the first audio packet; HandleAudio
		// will create the session and it will simply start unmapped.
		return
	}
	ds.session.UserID = userID
	ds.session.DisplayName = displayName
}

// UnmappedSSRCs reports SSRCs with a live session but no known user
// mapping yet, the supplemented "unmapped SSRC" behavior from the
// source bot's events/voice.go (state.UnmappedSSRCs), which treats this
// as an expected startup race rather than an error.
func (d *Dispatcher) UnmappedSSRCs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []uint32
	for ssrc, ds := range d.sessions {
		if ds.session.UserID == "" {
			out = append(out, ssrc)
		}
	}
	return out
}

// HandleAudio implements spec.md §4.2's handle_audio: resample, route
// to an existing worker, or create one (evicting via LRS if at cap).
func (d *Dispatcher) HandleAudio(ctx context.Context, ssrc uint32, pcm48kStereo []int16) error {
	mono16k := audio.To16kMono48kStereo(pcm48kStereo)

	d.mu.Lock()
	ds, exists := d.sessions[ssrc]
	if !exists {
		if len(d.sessions) >= d.cfg.MaxConcurrentStt {
			if err := d.evictLRS(); err != nil {
				d.mu.Unlock()
				return err
			}
		}
		ds = d.createSession(ctx, ssrc)
	}
	ds.session.Touch(time.Now())
	ch := ds.audio
	d.mu.Unlock()

	select {
	case ch <- mono16k:
	default:
		// Bounded queue overflow: drop the oldest by draining one slot
		// then pushing, per spec.md §4.2 step 2 ("on overflow drop oldest").
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- mono16k:
		default:
		}
	}
	return nil
}

// createSession must be called with d.mu held.
func (d *Dispatcher) createSession(ctx context.Context, ssrc uint32) *dispatchedSession {
	sessCtx, cancel := context.WithCancel(ctx)
	session := &pipeline.SpeakerSession{
		SSRC:         ssrc,
		LastSpokenAt: time.Now(),
		Audio:        make(chan []float32, AudioChunkSize),
		Cancel:       cancel,
		Ctx:          sessCtx,
	}
	worker := d.newWorker(sessCtx, session)
	ds := &dispatchedSession{session: session, worker: worker, audio: session.Audio}
	d.sessions[ssrc] = ds
	logger.Info(fmt.Sprintf("dispatcher: created session for ssrc=%d (active=%d/%d)", ssrc, len(d.sessions), d.cfg.MaxConcurrentStt))
	return ds
}

// evictLRS must be called with d.mu held. It removes the session with
// the smallest LastSpokenAt, per spec.md §4.2 step 3.
func (d *Dispatcher) evictLRS() error {
	var victimSSRC uint32
	var victim *dispatchedSession
	var oldest time.Time

	first := true
	for ssrc, ds := range d.sessions {
		spoken := ds.session.LastSpoken()
		if first || spoken.Before(oldest) {
			oldest = spoken
			victimSSRC = ssrc
			victim = ds
			first = false
		}
	}
	if victim == nil {
		return nil
	}

	victim.session.Cancel()
	victim.worker.Stop()
	delete(d.sessions, victimSSRC)

	d.publishEvictionNotice(victimSSRC, victim.session.UserID)
	logger.Info(fmt.Sprintf("dispatcher: evicted ssrc=%d (LRS, last_spoken=%s)", victimSSRC, oldest))
	return nil
}

func (d *Dispatcher) publishEvictionNotice(ssrc uint32, userID string) {
	if d.evictionCooldownSecs > 0 {
		if last, ok := d.lastEvictionNotice[userID]; ok {
			if time.Since(last) < time.Duration(d.evictionCooldownSecs)*time.Second {
				return
			}
		}
	}
	d.lastEvictionNotice[userID] = time.Now()

	notice := EvictionNotice{SSRC: ssrc, UserID: userID, At: time.Now()}
	select {
	case d.evictionNotices <- notice:
	default:
	}
}

// ActiveSessions reports the count of live SpeakerSessions, used for
// mode selection (§4.2) and the Batcher's activation predicate (§4.8).
func (d *Dispatcher) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// ShouldBatch decides, for a Final event arriving right now, whether
// it should be routed to the Batcher. The decision is recomputed per
// utterance; there is no sticky global mode, per spec.md §4.2.
func (d *Dispatcher) ShouldBatch() bool {
	return d.ActiveSessions() >= 2 && d.contextWindow.ContextWindowAuto
}

// RouteFinal dispatches a finalized utterance to the Batcher or the
// worker's direct Agent call, depending on ShouldBatch at the moment
// of the call.
func (d *Dispatcher) RouteFinal(ctx context.Context, direct DirectAgent, u pipeline.Utterance) error {
	if d.ShouldBatch() {
		d.batcher.Push(u)
		return nil
	}
	return direct.ProcessText(ctx, u.SpeakerID, u.Text)
}

// RemoveSession drops the SSRC mapping when a worker reports its own
// termination (idle timeout, STT end-of-stream, or cancellation),
// modeled as message passing per spec.md §9 rather than a back-pointer
// from worker to dispatcher.
func (d *Dispatcher) RemoveSession(ssrc uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, ssrc)
}
