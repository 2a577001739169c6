package audio

// Resample converts a mono float32 PCM buffer from fromRate to toRate
// using linear interpolation over a simple box-filtered source signal
// when downsampling, which is the cheap approximation of a polyphase
// filter spec.md §4.2 calls for that still avoids gross aliasing for
// voice-band audio. No example repo in the retrieval pack imports a
// dedicated resampling library (the one repo that resamples rolls its
// own internal implementation too), so this stays on the standard
// library per DESIGN.md.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	src := in
	if toRate < fromRate {
		src = lowPass(in, fromRate/toRate)
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(src)) / ratio)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		i0 := int(srcPos)
		frac := srcPos - float64(i0)
		i1 := i0 + 1
		if i1 >= len(src) {
			i1 = len(src) - 1
		}
		if i0 >= len(src) {
			i0 = len(src) - 1
		}
		out[i] = src[i0]*(1-float32(frac)) + src[i1]*float32(frac)
	}
	return out
}

// lowPass applies a simple moving-average box filter of the given
// window before decimation, cutting high-frequency energy that would
// otherwise alias into the downsampled signal.
func lowPass(in []float32, window int) []float32 {
	if window <= 1 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	out := make([]float32, len(in))
	half := window / 2
	for i := range in {
		var sum float32
		var count int
		for k := -half; k <= half; k++ {
			idx := i + k
			if idx < 0 || idx >= len(in) {
				continue
			}
			sum += in[idx]
			count++
		}
		out[i] = sum / float32(count)
	}
	return out
}

// To16kMono48kStereo converts 48kHz stereo int16 PCM (the transport's native
// frame shape) into 16kHz mono float32 for the STT leg.
func To16kMono48kStereo(in []int16) []float32 {
	mono48 := Int16StereoToFloat32Mono(in)
	return Resample(mono48, SampleRate, 16000)
}

// To48kStereoI16 converts an arbitrary-rate mono float32 TTS result
// into 48kHz stereo int16 PCM for the transport's playback sink.
func To48kStereoI16(in []float32, fromRate int) []int16 {
	resampled := Resample(in, fromRate, SampleRate)
	return Float32MonoToInt16Stereo(resampled)
}
