// Package pipeline holds the data-model types shared across the voice
// dialogue pipeline's packages, the role the source bot's guild
// package played for its events/handlers packages.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/audio"
)

// SegmentStatus is a node in the Segment status DAG:
// pending -> generating -> ready -> playing -> done, with
// ready|playing|generating -> cancelled as valid shortcuts.
type SegmentStatus int

const (
	SegmentPending SegmentStatus = iota
	SegmentGenerating
	SegmentReady
	SegmentPlaying
	SegmentDone
	SegmentCancelled
)

func (s SegmentStatus) String() string {
	switch s {
	case SegmentPending:
		return "pending"
	case SegmentGenerating:
		return "generating"
	case SegmentReady:
		return "ready"
	case SegmentPlaying:
		return "playing"
	case SegmentDone:
		return "done"
	case SegmentCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TtsResult is the PCM payload a TTS job produces, cached by hash of
// (text, voice-params).
type TtsResult struct {
	Samples    []float32 // 32-bit float, ±1.0
	SampleRate int
	Duration   time.Duration
}

// ToInt16Stereo48k resamples and upmixes the result to the audio
// sink's native 48kHz stereo int16 frame shape, per spec.md §4.6's
// "resampled to 48 kHz stereo i16" playback step.
func (r *TtsResult) ToInt16Stereo48k() []int16 {
	return audio.To48kStereoI16(r.Samples, r.SampleRate)
}

// Segment is one sentence of an LLM response, the indivisible unit for
// TTS and ordered playback.
type Segment struct {
	Index     int
	Text      string
	RequestID string
	Status    SegmentStatus
	Audio     *TtsResult
}

// PlaybackJob is produced by a Worker and consumed in order by the
// Orchestrator.
type PlaybackJob struct {
	SegmentIndex int
	PCM          []float32
	SampleRate   int
	RequestID    string
}

// Utterance is produced on SttEvent Final and consumed by the Batcher
// or directly by the Worker.
type Utterance struct {
	SpeakerID   string
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// SttEventType tags the variant carried by SttEvent.
type SttEventType int

const (
	SttSpeechStart SttEventType = iota
	SttPartial
	SttFinal
	SttSpeechEnd
	SttCancel
	SttReset
)

// CancelReason narrows SttEventType SttCancel.
type CancelReason string

const (
	CancelInterrupt      CancelReason = "interrupt"
	CancelTooShort       CancelReason = "too_short"
	CancelClientRequest  CancelReason = "client_request"
)

// ResetReason narrows SttEventType SttReset.
type ResetReason string

const (
	ResetPostInterrupt  ResetReason = "post_interrupt"
	ResetTimeout        ResetReason = "timeout"
	ResetClientRequest  ResetReason = "client_request"
)

// SttEvent is the tagged variant produced by an STT session and
// consumed once.
type SttEvent struct {
	Type          SttEventType
	TimestampMs   int64
	Text          string
	Language      string
	Confidence    float64
	DurationMs    float64
	CancelReason  CancelReason
	ResetReason   ResetReason
}

// SpeakerSession tracks one active SSRC's pipeline worker.
type SpeakerSession struct {
	SSRC         uint32
	UserID       string
	DisplayName  string
	LastSpokenAt time.Time
	Audio        chan []float32
	Cancel       context.CancelFunc
	Ctx          context.Context

	mu sync.Mutex
}

// HistoryRecorder receives one finished or interrupted assistant turn's
// committed text, keyed by conversation channel id, per spec.md §4.7
// step 3's "forward this as the assistant turn's partial text to the
// Agent's conversation history".
type HistoryRecorder interface {
	RecordTurn(channelID, text string, interrupted bool)
}

// Touch updates LastSpokenAt under the session's own lock, since the
// Dispatcher and Worker both read/write it concurrently.
func (s *SpeakerSession) Touch(now time.Time) {
	s.mu.Lock()
	s.LastSpokenAt = now
	s.mu.Unlock()
}

// LastSpoken returns the last-spoken timestamp under lock.
func (s *SpeakerSession) LastSpoken() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastSpokenAt
}
