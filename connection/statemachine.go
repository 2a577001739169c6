// Package connection implements the voice-connection state machine from
// spec.md §4.1: Disconnected -> Connecting -> Connected -> Reconnecting,
// with validated transitions and exponential-backoff reconnects.
//
// The source bot manages this implicitly via *discordgo.VoiceConnection
// plus ad hoc ticker checks (see handlers/voice_connection.go and
// events/voice.go's finalizeChannelMove in the teacher repo); this is
// the REDESIGN FLAGS §6 explicit FSM spec.md demands.
package connection

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/errs"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
)

// State is one of the four connection states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the current state, safe to render
// into a status message — folding in the source bot's
// formatConnectionMessage reporting habit without touching the FSM's
// mutation path.
type Snapshot struct {
	State           State
	GuildID         string
	ChannelID       string
	BotUserID       string
	StartedAt       time.Time
	ConnectedAt     time.Time
	ReconnectAttempt int
	MaxAttempts     int
	LastAttemptAt   time.Time
	PendingSessionID string
	PendingEndpoint  string
	PendingToken     string
}

// Machine owns a single Connection's state. All transition methods are
// serialized by mu, matching spec.md §5 "Connection state transitions
// are serialized by a single owning task."
type Machine struct {
	mu   sync.Mutex
	snap Snapshot
	cfg  config.ConnectionConfig
}

// New creates a Machine in the Disconnected state.
func New(cfg config.ConnectionConfig) *Machine {
	return &Machine{snap: Snapshot{State: Disconnected}, cfg: cfg}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) transition(from, to State, mutate func(*Snapshot)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State != from {
		return errs.Invariant("connection.transition",
			fmt.Errorf("invalid transition %s -> %s: currently %s", from, to, m.snap.State))
	}

	oldState := m.snap.State
	m.snap.State = to
	if mutate != nil {
		mutate(&m.snap)
	}
	logger.Info(fmt.Sprintf("[connection] %s -> %s (guild=%s channel=%s)", oldState, to, m.snap.GuildID, m.snap.ChannelID))
	return nil
}

// Join transitions Disconnected -> Connecting.
func (m *Machine) Join(guildID, channelID, botUserID string) error {
	return m.transition(Disconnected, Connecting, func(s *Snapshot) {
		s.GuildID = guildID
		s.ChannelID = channelID
		s.BotUserID = botUserID
		s.StartedAt = time.Now()
	})
}

// VoiceStateReceived records the session id half of the handshake.
// It does not itself transition state; Connected is only reached once
// both halves have arrived (see ReadyToConnect).
func (m *Machine) VoiceStateReceived(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PendingSessionID = sessionID
}

// VoiceServerReceived records the endpoint/token half of the handshake.
func (m *Machine) VoiceServerReceived(endpoint, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PendingEndpoint = endpoint
	m.snap.PendingToken = token
}

// ReadyToConnect reports whether both handshake halves have arrived,
// meaning the transport can attempt the actual connect.
func (m *Machine) ReadyToConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.PendingSessionID != "" && m.snap.PendingEndpoint != "" && m.snap.PendingToken != ""
}

// ConnectSucceeded transitions Connecting -> Connected.
func (m *Machine) ConnectSucceeded() error {
	return m.transition(Connecting, Connected, func(s *Snapshot) {
		s.ConnectedAt = time.Now()
	})
}

// ConnectTimedOut transitions Connecting -> Disconnected when the
// transport hasn't succeeded within cfg.ConnectTimeout().
func (m *Machine) ConnectTimedOut() error {
	return m.transition(Connecting, Disconnected, nil)
}

// Leave transitions Connecting or Connected -> Disconnected on an
// explicit leave request.
func (m *Machine) Leave() error {
	m.mu.Lock()
	cur := m.snap.State
	m.mu.Unlock()
	switch cur {
	case Connecting:
		return m.transition(Connecting, Disconnected, nil)
	case Connected:
		return m.transition(Connected, Disconnected, nil)
	default:
		return errs.Invariant("connection.Leave", fmt.Errorf("cannot leave from state %s", cur))
	}
}

// TransportLost transitions Connected -> Reconnecting.
func (m *Machine) TransportLost() error {
	return m.transition(Connected, Reconnecting, func(s *Snapshot) {
		s.ReconnectAttempt = 0
		s.MaxAttempts = m.cfg.MaxReconnectAttempts
		s.LastAttemptAt = time.Now()
	})
}

// ReconnectSucceeded transitions Reconnecting -> Connected.
func (m *Machine) ReconnectSucceeded() error {
	return m.transition(Reconnecting, Connected, func(s *Snapshot) {
		s.ConnectedAt = time.Now()
		s.ReconnectAttempt = 0
	})
}

// ReconnectAttemptFailed records a failed attempt and either schedules
// the next one (returning the backoff delay) or, once attempts reach
// MaxReconnectAttempts, transitions Reconnecting -> Disconnected.
func (m *Machine) ReconnectAttemptFailed() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.State != Reconnecting {
		return 0, errs.Invariant("connection.ReconnectAttemptFailed",
			fmt.Errorf("not reconnecting, currently %s", m.snap.State))
	}

	m.snap.ReconnectAttempt++
	m.snap.LastAttemptAt = time.Now()

	if m.snap.ReconnectAttempt >= m.snap.MaxAttempts {
		old := m.snap.State
		m.snap.State = Disconnected
		logger.Info(fmt.Sprintf("[connection] %s -> %s (max reconnect attempts exhausted)", old, m.snap.State))
		return 0, nil
	}

	return m.backoffDelay(m.snap.ReconnectAttempt), nil
}

// backoffDelay computes reconnect_interval_ms * multiplier^(attempt-1),
// clamped to a ceiling of 10x the base interval per spec.md §4.1.
func (m *Machine) backoffDelay(attempt int) time.Duration {
	base := m.cfg.ReconnectInterval()
	mult := m.cfg.ReconnectBackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	factor := math.Pow(mult, float64(attempt-1))
	delay := time.Duration(float64(base) * factor)
	ceiling := base * 10
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}
