// Package ttscache implements the content-addressed TTS cache from
// spec.md §4.5: a SHA-256 key over canonicalized voice parameters,
// stored as Opus-encoded bytes in an embedded SQLite database, with
// LRU/TTL eviction.
//
// Grounded on the source bot's cache package (cache/cache.go), which
// persists state in a similarly narrow-interface Cache type; here the
// backing store moves from Redis to modernc.org/sqlite's pure-Go driver
// via database/sql, since spec.md calls for an "embedded database" and
// the retrieval pack's BaSui01-agentflow repo shows that driver in use.
package ttscache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Params are the six cache-key parameters from spec.md §4.5. The key
// is a pure function of these: equal Params always produce equal keys,
// and unequal Params (under canonical equality) never collide.
type Params struct {
	Text      string
	Model     string
	Speed     float64
	StyleID   string
	SpeakerID string
	Pitch     float64
}

// Key canonicalizes Params into a fixed field order, then SHA-256 hex
// encodes the result.
func Key(p Params) string {
	var b strings.Builder
	b.WriteString("text=")
	b.WriteString(p.Text)
	b.WriteString("\x00model=")
	b.WriteString(p.Model)
	b.WriteString("\x00speed=")
	b.WriteString(strconv.FormatFloat(p.Speed, 'f', 6, 64))
	b.WriteString("\x00style=")
	b.WriteString(p.StyleID)
	b.WriteString("\x00speaker=")
	b.WriteString(p.SpeakerID)
	b.WriteString("\x00pitch=")
	b.WriteString(strconv.FormatFloat(p.Pitch, 'f', 6, 64))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Entry is one row of the cache, per spec.md §4.5's schema.
type Entry struct {
	CacheKey    string
	Params      Params
	AudioFormat string
	AudioData   []byte
	DurationMs  float64
	CreatedAt   time.Time
	LastUsedAt  time.Time
	UseCount    int64
}

// Policy holds the eviction thresholds from voice.tts.cache.*.
type Policy struct {
	MaxEntries   int
	MaxTotalSize int64 // bytes
	EvictionMode string // "lru" | "ttl"
	TTLDays      int
}

// Cache is the TTS cache's public contract.
type Cache struct {
	db     *sql.DB
	policy Policy

	inFlightMu sync.Mutex
	inFlight   map[string]chan struct{}
}

// Open opens (creating if needed) the SQLite-backed cache at path and
// ensures its schema exists.
func Open(path string, policy Policy) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ttscache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is happiest single-writer.

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ttscache: migrate schema: %w", err)
	}

	return &Cache{db: db, policy: policy, inFlight: make(map[string]chan struct{})}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tts_cache (
	cache_key    TEXT PRIMARY KEY,
	text         TEXT NOT NULL,
	model        TEXT NOT NULL,
	speed        REAL NOT NULL,
	style_id     TEXT NOT NULL,
	speaker_id   TEXT NOT NULL,
	pitch        REAL NOT NULL,
	audio_format TEXT NOT NULL,
	audio_data   BLOB NOT NULL,
	duration_ms  REAL NOT NULL,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	use_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tts_cache_last_used ON tts_cache(last_used_at);
`

// Lookup returns the cached entry for key, updating last_used_at and
// use_count in the same transaction as the read, per spec.md §4.5.
func (c *Cache) Lookup(key string) (*Entry, bool, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("ttscache: begin lookup tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT cache_key, text, model, speed, style_id, speaker_id, pitch,
		audio_format, audio_data, duration_ms, created_at, last_used_at, use_count
		FROM tts_cache WHERE cache_key = ?`, key)

	var e Entry
	var createdAt, lastUsedAt int64
	if err := row.Scan(&e.CacheKey, &e.Params.Text, &e.Params.Model, &e.Params.Speed,
		&e.Params.StyleID, &e.Params.SpeakerID, &e.Params.Pitch, &e.AudioFormat,
		&e.AudioData, &e.DurationMs, &createdAt, &lastUsedAt, &e.UseCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("ttscache: scan lookup row: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.LastUsedAt = time.Unix(lastUsedAt, 0)

	now := time.Now().Unix()
	if _, err := tx.Exec(`UPDATE tts_cache SET last_used_at = ?, use_count = use_count + 1 WHERE cache_key = ?`, now, key); err != nil {
		return nil, false, fmt.Errorf("ttscache: touch entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("ttscache: commit lookup tx: %w", err)
	}

	e.UseCount++
	e.LastUsedAt = time.Unix(now, 0)
	return &e, true, nil
}

// Insert writes (or replaces) the row for key.
func (c *Cache) Insert(key string, params Params, opusData []byte, durationMs float64) error {
	now := time.Now().Unix()
	_, err := c.db.Exec(`INSERT OR REPLACE INTO tts_cache
		(cache_key, text, model, speed, style_id, speaker_id, pitch, audio_format, audio_data, duration_ms, created_at, last_used_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'opus', ?, ?, ?, ?, COALESCE((SELECT use_count FROM tts_cache WHERE cache_key = ?), 0))`,
		key, params.Text, params.Model, params.Speed, params.StyleID, params.SpeakerID, params.Pitch,
		opusData, durationMs, now, now, key)
	if err != nil {
		return fmt.Errorf("ttscache: insert %s: %w", key, err)
	}
	return nil
}

// Evict deletes entries until the cache satisfies both MaxEntries and
// MaxTotalSize, oldest-last-used first, then additionally removes
// entries older than TTLDays when the policy's EvictionMode is "ttl".
func (c *Cache) Evict() (int64, error) {
	var deleted int64

	for {
		count, size, err := c.stats()
		if err != nil {
			return deleted, err
		}
		overCount := c.policy.MaxEntries > 0 && count > int64(c.policy.MaxEntries)
		overSize := c.policy.MaxTotalSize > 0 && size > c.policy.MaxTotalSize
		if !overCount && !overSize {
			break
		}
		res, err := c.db.Exec(`DELETE FROM tts_cache WHERE cache_key = (
			SELECT cache_key FROM tts_cache ORDER BY last_used_at ASC LIMIT 1)`)
		if err != nil {
			return deleted, fmt.Errorf("ttscache: evict lru: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
		deleted += n
	}

	if c.policy.EvictionMode == "ttl" && c.policy.TTLDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -c.policy.TTLDays).Unix()
		res, err := c.db.Exec(`DELETE FROM tts_cache WHERE created_at < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("ttscache: evict ttl: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	return deleted, nil
}

func (c *Cache) stats() (count int64, totalSize int64, err error) {
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(audio_data)), 0) FROM tts_cache`)
	if err := row.Scan(&count, &totalSize); err != nil {
		return 0, 0, fmt.Errorf("ttscache: stats: %w", err)
	}
	return count, totalSize, nil
}

// Stats exposes entry count and total stored-audio size, for the debug
// CLI and any future metrics wiring.
func (c *Cache) Stats() (count int64, totalSize int64, err error) {
	return c.stats()
}

// Summary is one row's listing shape for the debug CLI: everything
// about an entry except its audio bytes.
type Summary struct {
	CacheKey   string
	Text       string
	Model      string
	DurationMs float64
	LastUsedAt time.Time
	UseCount   int64
}

// List returns every cache row's Summary, most recently used first,
// the way the source bot's cache debug tool enumerated Redis keys.
func (c *Cache) List() ([]Summary, error) {
	rows, err := c.db.Query(`
		SELECT cache_key, text, model, duration_ms, last_used_at, use_count
		FROM tts_cache ORDER BY last_used_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ttscache: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var lastUsed int64
		if err := rows.Scan(&s.CacheKey, &s.Text, &s.Model, &s.DurationMs, &lastUsed, &s.UseCount); err != nil {
			return nil, fmt.Errorf("ttscache: scan list row: %w", err)
		}
		s.LastUsedAt = time.Unix(lastUsed, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Claim registers key as in-flight for short-lived de-duplication of
// concurrent identical synthesis requests (spec.md §4.5's optional
// in-flight map). The returned done func must be called exactly once
// to release the claim; wait is non-nil when another caller already
// holds the claim, and closes once that caller calls done.
func (c *Cache) Claim(key string) (wait <-chan struct{}, done func(), owned bool) {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()

	if ch, exists := c.inFlight[key]; exists {
		return ch, func() {}, false
	}

	ch := make(chan struct{})
	c.inFlight[key] = ch
	return nil, func() {
		c.inFlightMu.Lock()
		delete(c.inFlight, key)
		c.inFlightMu.Unlock()
		close(ch)
	}, true
}
