// Package transport declares the external-collaborator interfaces
// spec.md §6 treats as out-of-scope transport details — the voice
// gateway, the STT wire protocol, the TTS port, and the Agent port —
// plus one concrete adapter per port so the rest of the module
// compiles against real collaborators, not only mocks.
//
// Grounded on the source bot's interfaces package (interfaces/stt.go,
// interfaces/llm.go), which kept collaborator contracts as small,
// single-purpose Go interfaces the rest of the bot depended on instead
// of concrete clients.
package transport

import (
	"context"

	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// VoiceStateUpdate mirrors discordgo's VoiceStateUpdate event, carrying
// the session id the core combines with VoiceServerUpdate to open a
// voice connection, per spec.md §6.
type VoiceStateUpdate struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
}

// VoiceServerUpdate mirrors discordgo's VoiceServerUpdate event.
type VoiceServerUpdate struct {
	GuildID  string
	Endpoint string
	Token    string
}

// SpeakingUpdate populates the SSRC -> user map, per spec.md §6.
type SpeakingUpdate struct {
	SSRC   uint32
	UserID string
}

// TransportLost is emitted when the underlying voice connection closes
// without having been asked to (no matching Disconnect from
// SendVoiceStateUpdate("", "")), feeding connection.Machine.TransportLost
// so the explicit FSM's Reconnecting state is reachable from the real
// program rather than only from its own tests.
type TransportLost struct {
	GuildID string
}

// VoiceGateway is the out-of-scope transport collaborator: Opus codec,
// UDP, encryption, and the gateway websocket handshake all live behind
// it. The core only consumes decoded PCM frames and a playback sink.
type VoiceGateway interface {
	// Events returns the combined event stream of VoiceStateUpdate,
	// VoiceServerUpdate, SpeakingUpdate, and TransportLost values.
	Events() <-chan any
	// AudioFrames delivers (ssrc, pcm_i16_48khz_stereo) per ~20ms frame.
	AudioFrames() <-chan AudioFrame
	// Play plays pcm to completion on the shared sink and may be
	// interrupted by ctx cancellation within ~200ms, per spec.md §5.
	Play(ctx context.Context, pcmI16Stereo48k []int16) error
	// SendVoiceStateUpdate requests join (channelID != "") or leave
	// (channelID == "") via the gateway's op=4 payload.
	SendVoiceStateUpdate(ctx context.Context, guildID, channelID string) error
}

// AudioFrame is one decoded 20ms frame delivered by the VoiceGateway.
type AudioFrame struct {
	SSRC uint32
	PCM  []int16
}

// SttSession is one open STT connection as described in spec.md §6:
// binary PCM frames out, JSON event frames in.
type SttSession interface {
	// SendAudio transmits one frame of 16kHz mono f32 PCM.
	SendAudio(ctx context.Context, pcm []float32) error
	// Events yields the session's SttEvent stream in arrival order.
	Events() <-chan pipeline.SttEvent
	// Cancel sends the {"command":"cancel"} control frame.
	Cancel(ctx context.Context) error
	// Reset sends the {"command":"reset"} control frame.
	Reset(ctx context.Context) error
	// Close tears down the session.
	Close() error
}

// SpeechToText opens SttSessions, one per SpeakerSession.
type SpeechToText interface {
	OpenSession(ctx context.Context) (SttSession, error)
}

// TextToSpeech is the two-operation TTS port from spec.md §6.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string, params SynthesisParams) (*pipeline.TtsResult, error)
	Shutdown()
}

// SynthesisParams carries the voice parameters the TTS cache also
// hashes over, per spec.md §4.5.
type SynthesisParams struct {
	Model     string
	Speed     float64
	StyleID   string
	SpeakerID string
	Pitch     float64
}

// Agent is the LLM collaborator port from spec.md §6.
type Agent interface {
	// GenerateStream returns a lazy sequence of token strings for
	// userChannelID's conversation, seeded with text.
	GenerateStream(ctx context.Context, userChannelID, text string) (TokenStream, error)
	// Reset clears userChannelID's conversation state.
	Reset(ctx context.Context, userChannelID string) error
}

// TokenStream is a lazy, pull-based sequence of LLM token strings,
// matching the segmenter's TokenFunc shape so Agent output can be fed
// straight into the Sentence Segmenter.
type TokenStream interface {
	Next() (token string, ok bool, err error)
}
