package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EasterCompany/dex-voice-pipeline/errs"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

// WebSocketSTT implements SpeechToText as the spec-mandated primary
// STT transport from spec.md §6: binary frames of 16kHz mono f32 PCM
// out, JSON text frames tagged by "type" in. Grounded on the pack's
// gorilla/websocket usage (RedClaus-cortex's bridge and the teacher's
// indirect websocket dependency) rather than the teacher's own STT
// client, which used Google Cloud Speech's gRPC transport instead —
// that adapter lives alongside this one in sttgoogle.go.
type WebSocketSTT struct {
	endpoint             string
	reconnectInterval    time.Duration
	maxReconnectAttempts int
}

// NewWebSocketSTT creates a SpeechToText bound to endpoint. Per
// spec.md §4.2/§5's TransientNetwork policy, a session that loses its
// connection auto-reconnects every reconnectIntervalMs, up to
// maxReconnectAttempts, before giving up and tearing the session down.
func NewWebSocketSTT(endpoint string, reconnectIntervalMs, maxReconnectAttempts int) *WebSocketSTT {
	return &WebSocketSTT{
		endpoint:             endpoint,
		reconnectInterval:    time.Duration(reconnectIntervalMs) * time.Millisecond,
		maxReconnectAttempts: maxReconnectAttempts,
	}
}

// OpenSession dials endpoint and returns a live SttSession.
func (s *WebSocketSTT) OpenSession(ctx context.Context) (SttSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, errs.TransientNetwork("sttwebsocket.OpenSession", err)
	}

	sess := &wsSttSession{
		endpoint:             s.endpoint,
		reconnectInterval:    s.reconnectInterval,
		maxReconnectAttempts: s.maxReconnectAttempts,
		conn:                 conn,
		events:               make(chan pipeline.SttEvent, 64),
	}
	go sess.readLoop()
	return sess, nil
}

type wsSttSession struct {
	endpoint             string
	reconnectInterval    time.Duration
	maxReconnectAttempts int

	connMu sync.RWMutex
	conn   *websocket.Conn

	reconnectingMu sync.RWMutex
	reconnecting   bool

	events chan pipeline.SttEvent

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

func (s *wsSttSession) setReconnecting(v bool) {
	s.reconnectingMu.Lock()
	s.reconnecting = v
	s.reconnectingMu.Unlock()
}

func (s *wsSttSession) isReconnecting() bool {
	s.reconnectingMu.RLock()
	defer s.reconnectingMu.RUnlock()
	return s.reconnecting
}

func (s *wsSttSession) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// sttWireEvent mirrors spec.md §6's server->client JSON event shapes
// in one flattened struct, tagged by Type.
type sttWireEvent struct {
	Type        string  `json:"type"`
	TimestampMs int64   `json:"timestamp_ms"`
	Text        string  `json:"text"`
	Language    string  `json:"language"`
	Confidence  float64 `json:"confidence"`
	DurationMs  float64 `json:"duration_ms"`
	Reason      string  `json:"reason"`
}

// readLoop drains one connection until it errors, then either
// reconnects in place (spec.md §4.2/§5: TransientNetwork — auto-retry
// with backoff bounded by max_reconnect_attempts, surfaced only once
// attempts are exhausted) or, once reconnection is abandoned or the
// session was explicitly closed, closes events to signal the caller
// the session is fully done.
func (s *wsSttSession) readLoop() {
	defer close(s.events)
	for {
		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || !s.reconnect() {
				return
			}
			continue
		}
		var wire sttWireEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			continue
		}
		evt, ok := wire.toSttEvent()
		if !ok {
			continue
		}
		s.events <- evt
	}
}

// reconnect re-dials endpoint up to maxReconnectAttempts times,
// reconnectInterval apart, reporting whether it succeeded. SendAudio
// drops PCM for the duration (isReconnecting), per spec.md §4.2's
// "during reconnect, incoming PCM is dropped".
func (s *wsSttSession) reconnect() bool {
	s.setReconnecting(true)
	defer s.setReconnecting(false)

	for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
		time.Sleep(s.reconnectInterval)
		if s.isClosed() {
			return false
		}
		conn, _, err := websocket.DefaultDialer.Dial(s.endpoint, nil)
		if err != nil {
			logger.Info(fmt.Sprintf("sttwebsocket: reconnect attempt %d/%d failed: %v", attempt, s.maxReconnectAttempts, err))
			continue
		}
		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		logger.Info(fmt.Sprintf("sttwebsocket: reconnected after %d attempt(s)", attempt))
		return true
	}
	logger.Error("sttwebsocket: giving up on stt session after exhausting reconnect attempts", errs.TransientNetwork("sttwebsocket.reconnect", fmt.Errorf("endpoint %s unreachable after %d attempts", s.endpoint, s.maxReconnectAttempts)))
	return false
}

func (w sttWireEvent) toSttEvent() (pipeline.SttEvent, bool) {
	switch w.Type {
	case "speech_start":
		return pipeline.SttEvent{Type: pipeline.SttSpeechStart, TimestampMs: w.TimestampMs}, true
	case "partial":
		return pipeline.SttEvent{Type: pipeline.SttPartial, Text: w.Text}, true
	case "final":
		return pipeline.SttEvent{
			Type:       pipeline.SttFinal,
			Text:       w.Text,
			Language:   w.Language,
			Confidence: w.Confidence,
			DurationMs: w.DurationMs,
		}, true
	case "speech_end":
		return pipeline.SttEvent{Type: pipeline.SttSpeechEnd, TimestampMs: w.TimestampMs, DurationMs: w.DurationMs}, true
	case "cancel":
		return pipeline.SttEvent{Type: pipeline.SttCancel, CancelReason: pipeline.CancelReason(w.Reason)}, true
	case "reset":
		return pipeline.SttEvent{Type: pipeline.SttReset, ResetReason: pipeline.ResetReason(w.Reason)}, true
	default:
		return pipeline.SttEvent{}, false
	}
}

// SendAudio writes one binary frame of little-endian float32 PCM.
// While the session is reconnecting, incoming PCM is dropped per
// spec.md §4.2 rather than written to a connection mid-replacement.
func (s *wsSttSession) SendAudio(ctx context.Context, pcm []float32) error {
	if s.isReconnecting() {
		return nil
	}
	buf := make([]byte, 4*len(pcm))
	for i, sample := range pcm {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(sample))
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return errs.TransientNetwork("sttwebsocket.SendAudio", err)
	}
	return nil
}

func (s *wsSttSession) Events() <-chan pipeline.SttEvent { return s.events }

func (s *wsSttSession) sendControl(command string) error {
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return fmt.Errorf("sttwebsocket: marshal control frame: %w", err)
	}
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errs.TransientNetwork("sttwebsocket.sendControl", err)
	}
	return nil
}

func (s *wsSttSession) Cancel(ctx context.Context) error { return s.sendControl("cancel") }
func (s *wsSttSession) Reset(ctx context.Context) error  { return s.sendControl("reset") }

func (s *wsSttSession) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	return conn.Close()
}
