// Package sessionstore persists the voice pipeline's cross-process
// state in Redis: per-speaker liveness (for LRS eviction ranking that
// survives a dispatcher restart), a channel's context-window buffer,
// and committed conversation history turns. spec.md §9 leaves exactly
// this persistence question open ("the base design keeps state
// in-process; a Redis-backed variant would..."); this package is that
// variant, wired in only when config.SessionConfig.Addr is set. The
// pipeline itself calls only RecordTurn; the liveness and window methods
// have no caller in the batcher or dispatcher, which keep that state in
// memory.
//
// Grounded on the source bot's cache.DB, which kept guild state and a
// rolling message window in Redis behind a small Cache interface
// (cache/cache.go's AddMessage/SaveGuildState/LoadGuildState); the same
// LPush+LTrim rolling-window technique and Scan-based key enumeration
// are reused here for a speaker's utterance window and for history
// turns instead of a Discord message log.
package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
)

const (
	keyPrefix     = "dex-voice-pipeline:"
	maxHistory    = 50
	maxWindowSize = 50
)

// Store is a Redis-backed persistence layer for the pipeline's
// otherwise in-memory bookkeeping. A nil *Store is valid and every
// method on it is a no-op, matching the source bot's cache.New
// returning (nil, nil) when no address is configured.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New connects to Redis per cfg, or returns (nil, nil) if cfg.Addr is
// empty, letting callers hold a *Store unconditionally and treat a nil
// receiver as "persistence disabled" rather than branching at every
// call site.
func New(cfg config.SessionConfig) (*Store, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("sessionstore: could not connect to redis at %s: %w", cfg.Addr, err)
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

// Liveness is the subset of SpeakerSession state worth surviving a
// dispatcher restart: enough to reconstruct LRS eviction ranking.
type Liveness struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	LastSpokenAt time.Time `json:"last_spoken_at"`
}

func livenessKey(ssrc uint32) string {
	return fmt.Sprintf("%sliveness:%d", keyPrefix, ssrc)
}

// SaveLiveness records one SpeakerSession's last-known state.
func (s *Store) SaveLiveness(ctx context.Context, ssrc uint32, live Liveness) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal liveness: %w", err)
	}
	return s.rdb.Set(ctx, livenessKey(ssrc), data, s.ttl).Err()
}

// LoadLiveness returns the last-saved state for ssrc, if any.
func (s *Store) LoadLiveness(ctx context.Context, ssrc uint32) (Liveness, bool, error) {
	if s == nil {
		return Liveness{}, false, nil
	}
	raw, err := s.rdb.Get(ctx, livenessKey(ssrc)).Result()
	if err == redis.Nil {
		return Liveness{}, false, nil
	}
	if err != nil {
		return Liveness{}, false, fmt.Errorf("sessionstore: load liveness: %w", err)
	}
	var live Liveness
	if err := json.Unmarshal([]byte(raw), &live); err != nil {
		return Liveness{}, false, fmt.Errorf("sessionstore: unmarshal liveness: %w", err)
	}
	return live, true, nil
}

// DeleteLiveness removes ssrc's saved state once its session ends.
func (s *Store) DeleteLiveness(ctx context.Context, ssrc uint32) error {
	if s == nil {
		return nil
	}
	return s.rdb.Del(ctx, livenessKey(ssrc)).Err()
}

func windowKey(channelID string) string {
	return fmt.Sprintf("%swindow:%s", keyPrefix, channelID)
}

// SaveWindow persists a channel's in-flight context-window buffer, so a
// Batcher restart mid-window does not silently drop buffered speech,
// per spec.md §4.2's batching behavior.
func (s *Store) SaveWindow(ctx context.Context, channelID string, utterances []pipeline.Utterance) error {
	if s == nil {
		return nil
	}
	key := windowKey(channelID)
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(utterances) > 0 {
		encoded := make([]interface{}, 0, len(utterances))
		for _, u := range utterances {
			data, err := json.Marshal(u)
			if err != nil {
				return fmt.Errorf("sessionstore: marshal utterance: %w", err)
			}
			encoded = append(encoded, data)
		}
		pipe.RPush(ctx, key, encoded...)
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// LoadWindow returns a channel's buffered utterances in submission order.
func (s *Store) LoadWindow(ctx context.Context, channelID string) ([]pipeline.Utterance, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, windowKey(channelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load window: %w", err)
	}
	out := make([]pipeline.Utterance, 0, len(raw))
	for _, r := range raw {
		var u pipeline.Utterance
		if err := json.Unmarshal([]byte(r), &u); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal utterance: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

func historyKey(channelID string) string {
	return fmt.Sprintf("%shistory:%s", keyPrefix, channelID)
}

// HistoryTurn is one committed assistant turn, interrupted or not.
type HistoryTurn struct {
	Text        string    `json:"text"`
	Interrupted bool      `json:"interrupted"`
	At          time.Time `json:"at"`
}

// RecordTurn satisfies pipeline.HistoryRecorder: the durable production
// implementation the Barge-in Controller and Pipeline Worker record
// committed turns through, mirroring the source bot's
// Cache.AddMessage's LPush+LTrim rolling window.
func (s *Store) RecordTurn(channelID, text string, interrupted bool) {
	if s == nil || text == "" {
		return
	}
	turn := HistoryTurn{Text: text, Interrupted: interrupted, At: time.Now()}
	data, err := json.Marshal(turn)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := historyKey(channelID)
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxHistory-1)
	pipe.Expire(ctx, key, s.ttl)
	pipe.Exec(ctx)
}

// LoadHistory returns channelID's turns, most recent first.
func (s *Store) LoadHistory(ctx context.Context, channelID string) ([]HistoryTurn, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, historyKey(channelID), 0, maxHistory-1).Result()
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load history: %w", err)
	}
	out := make([]HistoryTurn, 0, len(raw))
	for _, r := range raw {
		var t HistoryTurn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal history turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ActiveChannels enumerates every channel with saved history, the way
// the source bot's GetAllGuildIDs scanned its guild-state keyspace.
func (s *Store) ActiveChannels(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	pattern := historyKey("*")
	var channels []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		trimmed := strings.TrimPrefix(iter.Val(), keyPrefix+"history:")
		channels = append(channels, trimmed)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: scan active channels: %w", err)
	}
	return channels, nil
}
