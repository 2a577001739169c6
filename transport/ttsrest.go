package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// RestTTS implements TextToSpeech over a plain HTTP JSON-in,
// binary-PCM-out endpoint, the two-operation port spec.md §6
// describes. Grounded on the same net/http.Client construction style
// as the source bot's llm.Client, generalized from chat completions to
// a synthesize request/response pair.
type RestTTS struct {
	httpClient *http.Client
	endpoint   string
}

// NewRestTTS creates a TextToSpeech client bound to endpoint.
func NewRestTTS(endpoint string) *RestTTS {
	return &RestTTS{httpClient: &http.Client{Timeout: 30 * time.Second}, endpoint: endpoint}
}

type ttsSynthesizeRequest struct {
	Text      string  `json:"text"`
	Model     string  `json:"model"`
	Speed     float64 `json:"speed"`
	StyleID   string  `json:"style_id"`
	SpeakerID string  `json:"speaker_id"`
	Pitch     float64 `json:"pitch"`
}

type ttsSynthesizeResponseHeader struct {
	SampleRate int     `json:"sample_rate"`
	DurationMs float64 `json:"duration_ms"`
}

// Synthesize posts (text, params) and decodes the response: a 4-byte
// little-endian header length, a JSON header of that many bytes, then
// raw little-endian float32 PCM samples,
// matching the framing the TTS provider declares in spec.md §6
// ("return PCM ... sample rate declared").
func (t *RestTTS) Synthesize(ctx context.Context, text string, params SynthesisParams) (*pipeline.TtsResult, error) {
	reqBody, err := json.Marshal(ttsSynthesizeRequest{
		Text: text, Model: params.Model, Speed: params.Speed,
		StyleID: params.StyleID, SpeakerID: params.SpeakerID, Pitch: params.Pitch,
	})
	if err != nil {
		return nil, fmt.Errorf("ttsrest: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ttsrest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	headerLen := make([]byte, 4)
	if _, err := io.ReadFull(resp.Body, headerLen); err != nil {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", fmt.Errorf("read header length: %w", err))
	}
	n := binary.LittleEndian.Uint32(headerLen)
	headerBytes := make([]byte, n)
	if _, err := io.ReadFull(resp.Body, headerBytes); err != nil {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", fmt.Errorf("read header: %w", err))
	}
	var header ttsSynthesizeResponseHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", fmt.Errorf("decode header: %w", err))
	}

	pcmBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.TransientSynthesis("ttsrest.Synthesize", fmt.Errorf("read pcm body: %w", err))
	}
	samples := make([]float32, len(pcmBytes)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(pcmBytes[i*4:])
		samples[i] = math.Float32frombits(bits)
	}

	return &pipeline.TtsResult{
		Samples:    samples,
		SampleRate: header.SampleRate,
		Duration:   time.Duration(header.DurationMs * float64(time.Millisecond)),
	}, nil
}

// Shutdown releases idle connections held by the HTTP client.
func (t *RestTTS) Shutdown() {
	t.httpClient.CloseIdleConnections()
}
