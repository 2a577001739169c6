package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
)

// DiscordVoiceGateway implements VoiceGateway over discordgo, grounded
// on the source bot's handlers.VoiceConnectionManager (ChannelVoiceJoin
// / Disconnect) and events.Handler's SpeakingUpdate, generalized from
// the source bot's ad hoc connection/stats tracking into the narrow
// VoiceGateway port the core depends on.
//
// Opus encode/decode is injected rather than owned here: DecodeFrame
// turns one received Opus payload into stereo i16 PCM (wired to
// audio.OpusCodec.DecodeOne), and EncodeFrame
// turns a headered blob (audio.OpusCodec.EncodeFrames' output shape)
// into a sequence of raw per-packet Opus frames for vc.OpusSend. RTP
// framing itself never surfaces here: discordgo's OpusRecv already
// hands back parsed SSRC/Opus payload pairs, so there is no remaining
// raw-RTP boundary for this package to own.
type DiscordVoiceGateway struct {
	session *discordgo.Session

	mu      sync.RWMutex
	vc      *discordgo.VoiceConnection
	guildID string
	events  chan any
	frames  chan AudioFrame

	DecodeFrame func(opus []byte) ([]int16, error)
	EncodeFrame func(pcmI16Stereo48k []int16) ([]byte, error)
}

// NewDiscordVoiceGateway wraps an already-authenticated discordgo
// session.
func NewDiscordVoiceGateway(session *discordgo.Session) *DiscordVoiceGateway {
	g := &DiscordVoiceGateway{
		session: session,
		events:  make(chan any, 64),
		frames:  make(chan AudioFrame, 256),
	}
	session.AddHandler(g.onVoiceStateUpdate)
	session.AddHandler(g.onVoiceServerUpdate)
	return g
}

func (g *DiscordVoiceGateway) Events() <-chan any             { return g.events }
func (g *DiscordVoiceGateway) AudioFrames() <-chan AudioFrame { return g.frames }

func (g *DiscordVoiceGateway) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	select {
	case g.events <- VoiceStateUpdate{GuildID: v.GuildID, ChannelID: v.ChannelID, UserID: v.UserID, SessionID: v.SessionID}:
	default:
	}
}

func (g *DiscordVoiceGateway) onVoiceServerUpdate(s *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	select {
	case g.events <- VoiceServerUpdate{GuildID: v.GuildID, Endpoint: v.Endpoint, Token: v.Token}:
	default:
	}
}

// SendVoiceStateUpdate joins (channelID != "") or leaves (channelID ==
// "") a voice channel, matching ChannelVoiceJoin/Disconnect from the
// source bot's VoiceConnectionManager.
func (g *DiscordVoiceGateway) SendVoiceStateUpdate(ctx context.Context, guildID, channelID string) error {
	if channelID == "" {
		g.mu.Lock()
		vc := g.vc
		g.vc = nil
		g.mu.Unlock()
		if vc != nil {
			return vc.Disconnect()
		}
		return nil
	}

	vc, err := g.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return errs.TransientNetwork("voicediscord.SendVoiceStateUpdate", err)
	}

	g.mu.Lock()
	g.vc = vc
	g.guildID = guildID
	g.mu.Unlock()

	g.listenSpeaking(vc)
	go g.receiveOpus(vc)
	return nil
}

func (g *DiscordVoiceGateway) listenSpeaking(vc *discordgo.VoiceConnection) {
	vc.AddHandler(func(_ *discordgo.VoiceConnection, p *discordgo.VoiceSpeakingUpdate) {
		select {
		case g.events <- SpeakingUpdate{SSRC: uint32(p.SSRC), UserID: p.UserID}:
		default:
		}
	})
}

// receiveOpus drains vc.OpusRecv, decoding each packet's Opus payload
// into a 20ms stereo PCM frame via the injected DecodeFrame and
// forwarding (ssrc, pcm) onward. discordgo closes OpusRecv when the
// voice connection itself closes, whether because we asked it to
// (SendVoiceStateUpdate with channelID == "") or because the transport
// dropped out from under us; the latter case is the only one reported
// as TransportLost, feeding connection.Machine's Reconnecting path.
func (g *DiscordVoiceGateway) receiveOpus(vc *discordgo.VoiceConnection) {
	for pkt := range vc.OpusRecv {
		if pkt == nil || g.DecodeFrame == nil {
			continue
		}
		pcm, err := g.DecodeFrame(pkt.Opus)
		if err != nil {
			continue
		}
		frame := AudioFrame{SSRC: pkt.SSRC, PCM: pcm}
		select {
		case g.frames <- frame:
		default:
			// Bounded queue overflow: drop the oldest frame, per spec.md §4.2.
			select {
			case <-g.frames:
			default:
			}
			select {
			case g.frames <- frame:
			default:
			}
		}
	}

	g.mu.Lock()
	lost := g.vc == vc
	guildID := g.guildID
	if lost {
		g.vc = nil
	}
	g.mu.Unlock()
	if lost {
		select {
		case g.events <- TransportLost{GuildID: guildID}:
		default:
		}
	}
}

// Play Opus-encodes pcm via the injected EncodeFrame and streams the
// resulting per-packet frames onto the voice connection's OpusSend
// channel, aborting early if ctx is cancelled mid-stream.
func (g *DiscordVoiceGateway) Play(ctx context.Context, pcmI16Stereo48k []int16) error {
	g.mu.RLock()
	vc := g.vc
	g.mu.RUnlock()
	if vc == nil {
		return fmt.Errorf("voicediscord: not connected")
	}
	if g.EncodeFrame == nil {
		return fmt.Errorf("voicediscord: no encode function configured")
	}
	blob, err := g.EncodeFrame(pcmI16Stereo48k)
	if err != nil {
		return fmt.Errorf("voicediscord: encode: %w", err)
	}
	for _, frame := range framesFromHeaderedBlob(blob) {
		select {
		case vc.OpusSend <- frame:
		case <-ctx.Done():
			return errs.ErrCancelled
		}
	}
	return nil
}

// framesFromHeaderedBlob splits audio.OpusCodec.EncodeFrames' 4-byte
// length-prefixed output back into individual per-packet Opus frames.
func framesFromHeaderedBlob(blob []byte) [][]byte {
	var frames [][]byte
	for len(blob) >= 4 {
		n := int(binary.LittleEndian.Uint32(blob[:4]))
		blob = blob[4:]
		if len(blob) < n {
			break
		}
		frames = append(frames, blob[:n])
		blob = blob[n:]
	}
	return frames
}
