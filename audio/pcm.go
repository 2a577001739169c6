// Package audio provides the PCM conversion, resampling, and Opus
// encode/decode utilities the voice pipeline needs to move audio
// between the 48kHz stereo transport, the 16kHz mono STT leg, and
// arbitrary-rate TTS output. Grounded on the source bot's audio
// package, which used the same FrameSize/Channels/SampleRate constants
// and layeh.com/gopus codec for its Discord-side mixing.
package audio

const (
	// FrameSize is 20ms of audio at 48kHz, the Discord voice frame size
	// the source bot's mixer and recorder both assumed.
	FrameSize  = 960
	Channels   = 2
	SampleRate = 48000
)

// Int16StereoToFloat32Mono downmixes interleaved 16-bit stereo PCM to
// mono 32-bit float in [-1, 1], averaging the channel pair per sample.
func Int16StereoToFloat32Mono(in []int16) []float32 {
	n := len(in) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		l := float32(in[2*i]) / 32768.0
		r := float32(in[2*i+1]) / 32768.0
		out[i] = (l + r) / 2
	}
	return out
}

// Float32MonoToInt16Stereo upmixes mono float32 PCM to interleaved
// 16-bit stereo by duplicating each sample across both channels.
func Float32MonoToInt16Stereo(in []float32) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		v := clampInt16(s)
		out[2*i] = v
		out[2*i+1] = v
	}
	return out
}

// Float32ToInt16 converts a float32 buffer in [-1, 1] to 16-bit PCM.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = clampInt16(s)
	}
	return out
}

// Int16ToFloat32 converts 16-bit PCM to float32 in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func clampInt16(s float32) int16 {
	v := s * 32767.0
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
