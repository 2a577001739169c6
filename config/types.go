// Package config loads the voice pipeline's configuration tree from a
// JSON file, following the source bot's ~/Dexter/config loader shape.
package config

import "time"

// VoiceConfig is the full `voice.*` configuration surface from
// spec.md §6.
type VoiceConfig struct {
	Enabled    bool             `json:"enabled"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	STT        STTConfig        `json:"stt"`
	TTS        TTSConfig        `json:"tts"`
	Interrupt  InterruptConfig  `json:"interrupt"`
	Connection ConnectionConfig `json:"connection"`
	Audio      AudioConfig      `json:"audio"`
	Session    SessionConfig    `json:"session"`
	Agent      AgentConfig      `json:"agent"`
}

type PipelineConfig struct {
	InterruptEnabled      bool `json:"interrupt_enabled"`
	ContextWindowMs       int  `json:"context_window_ms"`
	ContextWindowAuto     bool `json:"context_window_auto"`
	SilenceTimeoutSecs    int  `json:"silence_timeout_secs"`
	MaxConcurrentRequests int  `json:"max_concurrent_requests"`
}

type STTConfig struct {
	Endpoint             string `json:"endpoint"`
	ReconnectIntervalMs  int    `json:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	MaxConcurrentStt     int    `json:"max_concurrent_sessions"`
}

type TTSCacheConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"db_path"`
	MaxEntries    int    `json:"max_entries"`
	MaxTotalSize  int    `json:"max_total_size_mb"`
	EvictPolicy   string `json:"eviction_policy"` // "lru" | "ttl"
	TTLDays       int    `json:"ttl_days"`
	CleanupHours  int    `json:"cleanup_interval_hours"`
}

type TTSConfig struct {
	Cache    TTSCacheConfig `json:"cache"`
	Endpoint string         `json:"endpoint"`
	Model    string         `json:"model"`
}

// AgentConfig points the Pipeline Worker at its LLM collaborator, per
// spec.md §6's Agent port.
type AgentConfig struct {
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

type InterruptConfig struct {
	MinSpeechDurationMs int `json:"min_speech_duration_ms"`
	CooldownMs          int `json:"cooldown_ms"`
}

type ConnectionConfig struct {
	ConnectTimeoutMs          int     `json:"connect_timeout_ms"`
	ReconnectIntervalMs       int     `json:"reconnect_interval_ms"`
	ReconnectBackoffMultiplier float64 `json:"reconnect_backoff_multiplier"`
	MaxReconnectAttempts      int     `json:"max_reconnect_attempts"`
}

type AudioConfig struct {
	InputSampleRate     int `json:"input_sample_rate"`
	SttSampleRate       int `json:"stt_sample_rate"`
	PlaybackPrebufferMs int `json:"playback_prebuffer_ms"`
}

// SessionConfig points at the optional Redis-backed session store used
// to survive process restarts across multi-process deployments, per
// spec.md §9's persistence open question. Addr == "" disables it, the
// pipeline then running purely in-memory as spec.md's base design
// describes.
type SessionConfig struct {
	Addr        string `json:"addr"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DB          int    `json:"db"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// Defaults returns a VoiceConfig with every §6 default applied, the way
// the source bot's config layer backfills zero values rather than
// relying on a config library.
func Defaults() VoiceConfig {
	return VoiceConfig{
		Enabled: true,
		Pipeline: PipelineConfig{
			InterruptEnabled:      true,
			ContextWindowMs:       2000,
			ContextWindowAuto:     true,
			SilenceTimeoutSecs:    300,
			MaxConcurrentRequests: 3,
		},
		STT: STTConfig{
			ReconnectIntervalMs:  1000,
			MaxReconnectAttempts: 5,
			MaxConcurrentStt:     4,
		},
		TTS: TTSConfig{
			Cache: TTSCacheConfig{
				Enabled:      true,
				DBPath:       "~/Dexter/data/voice-tts-cache.db",
				MaxEntries:   10000,
				MaxTotalSize: 500,
				EvictPolicy:  "lru",
				TTLDays:      30,
				CleanupHours: 24,
			},
			Endpoint: "http://localhost:8020/synthesize",
			Model:    "default",
		},
		Interrupt: InterruptConfig{
			MinSpeechDurationMs: 200,
			CooldownMs:          500,
		},
		Connection: ConnectionConfig{
			ConnectTimeoutMs:           10000,
			ReconnectIntervalMs:        1000,
			ReconnectBackoffMultiplier: 2.0,
			MaxReconnectAttempts:       5,
		},
		Audio: AudioConfig{
			InputSampleRate:     48000,
			SttSampleRate:       16000,
			PlaybackPrebufferMs: 0,
		},
		Session: SessionConfig{
			TTLSeconds: 6 * 3600,
		},
		Agent: AgentConfig{
			Endpoint: "http://localhost:11434/api/chat",
			Model:    "llama3",
		},
	}
}

// ConnectTimeout returns the connect timeout as a time.Duration.
func (c ConnectionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// ReconnectInterval returns the base reconnect interval as a time.Duration.
func (c ConnectionConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}
