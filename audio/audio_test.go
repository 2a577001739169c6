package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt16StereoToFloat32MonoRoundTrip(t *testing.T) {
	stereo := []int16{100, 200, -100, -200, 0, 0}
	mono := Int16StereoToFloat32Mono(stereo)
	assert.Len(t, mono, 3)
	assert.InDelta(t, 150.0/32768.0, mono[0], 1e-6)
	assert.InDelta(t, -150.0/32768.0, mono[1], 1e-6)
	assert.Equal(t, float32(0), mono[2])
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	out := Float32ToInt16([]float32{2.0, -2.0, 0.5})
	assert.Equal(t, int16(32767), out[0])
	assert.Equal(t, int16(-32768), out[1])
}

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3, 0.4}
	out := Resample(in, 16000, 16000)
	assert.Equal(t, in, out)
}

func TestResampleDownsampleShrinksLength(t *testing.T) {
	in := make([]float32, 48000) // 1 second at 48kHz
	out := Resample(in, 48000, 16000)
	assert.InDelta(t, 16000, len(out), 2)
}

func TestResampleUpsampleGrowsLength(t *testing.T) {
	in := make([]float32, 16000)
	out := Resample(in, 16000, 48000)
	assert.InDelta(t, 48000, len(out), 2)
}

func TestTo16kMono48kStereoShape(t *testing.T) {
	stereo := make([]int16, 960*2) // one 20ms 48kHz stereo frame
	mono16k := To16kMono48kStereo(stereo)
	assert.InDelta(t, 320, len(mono16k), 2) // 20ms at 16kHz = 320 samples
}

func TestOpusCodecRoundTrip(t *testing.T) {
	codec, err := NewOpusCodec()
	if err != nil {
		t.Skipf("opus codec unavailable in this environment: %v", err)
	}
	pcm := make([]int16, FrameSize*Channels*3)
	for i := range pcm {
		pcm[i] = int16((i % 100) - 50)
	}
	encoded, err := codec.EncodeFrames(pcm)
	assert.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := codec.DecodeFrames(encoded)
	assert.NoError(t, err)
	assert.Equal(t, len(pcm), len(decoded))
}

func TestOpusCodecDecodeOneMatchesSinglePacketFromEncodeFrames(t *testing.T) {
	codec, err := NewOpusCodec()
	if err != nil {
		t.Skipf("opus codec unavailable in this environment: %v", err)
	}
	pcm := make([]int16, FrameSize*Channels)
	for i := range pcm {
		pcm[i] = int16((i % 50) - 25)
	}
	blob, err := codec.EncodeFrames(pcm)
	assert.NoError(t, err)

	// Strip EncodeFrames' 4-byte length header to recover the raw Opus
	// packet DecodeOne expects, the same shape discordgo's OpusRecv
	// hands back per received packet.
	raw := blob[4:]
	decoded, err := codec.DecodeOne(raw)
	assert.NoError(t, err)
	assert.Equal(t, FrameSize*Channels, len(decoded))
}
