package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// OpusCodec wraps a gopus encoder/decoder pair for the TTS cache's
// Opus-encoded storage (§4.5), grounded on the source bot's
// audio/mixer.go (encoder) and audio/recorder.go (decoder), which used
// the same 48kHz/stereo/960-frame shape for Discord voice.
type OpusCodec struct {
	encoder *gopus.Encoder
	decoder *gopus.Decoder
}

// NewOpusCodec creates a codec fixed at 48kHz stereo, the rate/channel
// count every cached TTS result is stored and played back at.
func NewOpusCodec() (*OpusCodec, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusCodec{encoder: enc, decoder: dec}, nil
}

// EncodeFrames encodes 48kHz stereo int16 PCM into a sequence of
// 20ms Opus frames, each length-prefixed so DecodeFrames can split them
// back apart from a single stored blob.
func (c *OpusCodec) EncodeFrames(pcm []int16) ([]byte, error) {
	frameSamples := FrameSize * Channels
	var out []byte
	for offset := 0; offset < len(pcm); offset += frameSamples {
		end := offset + frameSamples
		var frame []int16
		if end > len(pcm) {
			padded := make([]int16, frameSamples)
			copy(padded, pcm[offset:])
			frame = padded
		} else {
			frame = pcm[offset:end]
		}
		data, err := c.encoder.Encode(frame, FrameSize, frameSamples*2)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		out = append(out, frameHeader(len(data))...)
		out = append(out, data...)
	}
	return out, nil
}

// DecodeFrames decodes a blob produced by EncodeFrames back into
// 48kHz stereo int16 PCM.
func (c *OpusCodec) DecodeFrames(data []byte) ([]int16, error) {
	var out []int16
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("opus decode: truncated frame header")
		}
		n := int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
		data = data[4:]
		if len(data) < n {
			return nil, fmt.Errorf("opus decode: truncated frame body")
		}
		frame := data[:n]
		data = data[n:]
		pcm, err := c.decoder.Decode(frame, FrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		out = append(out, pcm...)
	}
	return out, nil
}

// DecodeOne decodes a single raw Opus packet (e.g. one discordgo
// OpusRecv payload, with no length-prefix framing) into one 20ms
// stereo int16 PCM frame.
func (c *OpusCodec) DecodeOne(opus []byte) ([]int16, error) {
	pcm, err := c.decoder.Decode(opus, FrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode one: %w", err)
	}
	return pcm, nil
}

func frameHeader(n int) []byte {
	return []byte{
		byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
	}
}
