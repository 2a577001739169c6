package transport

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// GoogleSTT implements SpeechToText against Google Cloud Speech's
// streaming API, grounded directly on the source bot's stt.STT, which
// opened a speech.Client and drove StreamingRecognize with ADC
// credentials. Wired as an alternate backend behind the same
// SpeechToText/SttSession ports the WebSocketSTT adapter satisfies, so
// either can back the Worker without it knowing which is in use.
type GoogleSTT struct {
	client       *speech.Client
	languageCode string
}

// NewGoogleSTT creates a client using Application Default Credentials,
// exactly as the source bot's stt.New did.
func NewGoogleSTT(ctx context.Context, languageCode string) (*GoogleSTT, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, errs.PermanentConfig("sttgoogle.NewGoogleSTT", fmt.Errorf("failed to create speech client: %w", err))
	}
	if languageCode == "" {
		languageCode = "en-US"
	}
	return &GoogleSTT{client: client, languageCode: languageCode}, nil
}

// Close releases the underlying speech client connection.
func (g *GoogleSTT) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// OpenSession starts a StreamingRecognize call configured for 16kHz
// mono linear PCM, the rate/encoding the Dispatcher resamples audio to
// before handing it to the STT leg.
func (g *GoogleSTT) OpenSession(ctx context.Context) (SttSession, error) {
	stream, err := g.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, errs.TransientNetwork("sttgoogle.OpenSession", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: 16000,
					LanguageCode:    g.languageCode,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		return nil, errs.TransientNetwork("sttgoogle.OpenSession", fmt.Errorf("send streaming config: %w", err))
	}

	sess := &googleSttSession{stream: stream, events: make(chan pipeline.SttEvent, 64), language: g.languageCode}
	go sess.readLoop()
	return sess, nil
}

type googleSttSession struct {
	stream   speechpb.Speech_StreamingRecognizeClient
	events   chan pipeline.SttEvent
	language string
	speaking bool
}

func (s *googleSttSession) readLoop() {
	defer close(s.events)
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		if len(resp.Results) == 0 {
			continue
		}
		result := resp.Results[0]
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]

		if !s.speaking {
			s.speaking = true
			s.events <- pipeline.SttEvent{Type: pipeline.SttSpeechStart}
		}

		if result.IsFinal {
			s.speaking = false
			s.events <- pipeline.SttEvent{
				Type:       pipeline.SttFinal,
				Text:       alt.Transcript,
				Language:   s.language,
				Confidence: float64(alt.Confidence),
			}
			s.events <- pipeline.SttEvent{Type: pipeline.SttSpeechEnd}
		} else {
			s.events <- pipeline.SttEvent{Type: pipeline.SttPartial, Text: alt.Transcript}
		}
	}
}

// SendAudio forwards one frame of 16kHz mono f32 PCM, downsampled to
// 16-bit linear PCM for Google's LINEAR16 encoding.
func (s *googleSttSession) SendAudio(ctx context.Context, pcm []float32) error {
	buf := make([]byte, 2*len(pcm))
	for i, sample := range pcm {
		v := int16(sample * 32767)
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: buf},
	}); err != nil {
		return errs.TransientNetwork("sttgoogle.SendAudio", err)
	}
	return nil
}

func (s *googleSttSession) Events() <-chan pipeline.SttEvent { return s.events }

// Cancel and Reset have no first-class equivalent in Google's
// streaming API; ending and reopening the stream is the closest
// analogue, which the Worker already does on session teardown.
func (s *googleSttSession) Cancel(ctx context.Context) error { return nil }
func (s *googleSttSession) Reset(ctx context.Context) error  { return nil }

func (s *googleSttSession) Close() error {
	return s.stream.CloseSend()
}
