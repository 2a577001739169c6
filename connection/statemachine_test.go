package connection

import (
	"testing"

	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCfg() config.ConnectionConfig {
	return config.ConnectionConfig{
		ConnectTimeoutMs:           10000,
		ReconnectIntervalMs:        100,
		ReconnectBackoffMultiplier: 2.0,
		MaxReconnectAttempts:       3,
	}
}

func TestJoinThenConnect(t *testing.T) {
	m := New(testCfg())
	require.NoError(t, m.Join("g1", "c1", "bot1"))
	assert.Equal(t, Connecting, m.Snapshot().State)

	assert.False(t, m.ReadyToConnect())
	m.VoiceStateReceived("sess1")
	assert.False(t, m.ReadyToConnect())
	m.VoiceServerReceived("wss://endpoint", "token")
	assert.True(t, m.ReadyToConnect())

	require.NoError(t, m.ConnectSucceeded())
	assert.Equal(t, Connected, m.Snapshot().State)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New(testCfg())
	err := m.ConnectSucceeded() // Disconnected -> Connected is invalid.
	require.Error(t, err)
	assert.True(t, errs.IsClass(err, errs.ClassInvariant))
	assert.Equal(t, Disconnected, m.Snapshot().State)
}

func TestConnectTimeoutReturnsToDisconnected(t *testing.T) {
	m := New(testCfg())
	require.NoError(t, m.Join("g1", "c1", "bot1"))
	require.NoError(t, m.ConnectTimedOut())
	assert.Equal(t, Disconnected, m.Snapshot().State)
}

func TestReconnectBackoffAndExhaustion(t *testing.T) {
	m := New(testCfg())
	require.NoError(t, m.Join("g1", "c1", "bot1"))
	require.NoError(t, m.ConnectSucceeded())
	require.NoError(t, m.TransportLost())
	assert.Equal(t, Reconnecting, m.Snapshot().State)

	d1, err := m.ReconnectAttemptFailed()
	require.NoError(t, err)
	assert.Equal(t, 100*1000*1000, int(d1)) // 100ms * 2^0

	d2, err := m.ReconnectAttemptFailed()
	require.NoError(t, err)
	assert.Greater(t, int64(d2), int64(d1))

	// Third failure hits MaxReconnectAttempts=3 and drops to Disconnected.
	_, err = m.ReconnectAttemptFailed()
	require.NoError(t, err)
	assert.Equal(t, Disconnected, m.Snapshot().State)
}

func TestReconnectSucceeds(t *testing.T) {
	m := New(testCfg())
	require.NoError(t, m.Join("g1", "c1", "bot1"))
	require.NoError(t, m.ConnectSucceeded())
	require.NoError(t, m.TransportLost())
	require.NoError(t, m.ReconnectSucceeded())
	assert.Equal(t, Connected, m.Snapshot().State)
}

func TestLeaveFromConnected(t *testing.T) {
	m := New(testCfg())
	require.NoError(t, m.Join("g1", "c1", "bot1"))
	require.NoError(t, m.ConnectSucceeded())
	require.NoError(t, m.Leave())
	assert.Equal(t, Disconnected, m.Snapshot().State)
}
