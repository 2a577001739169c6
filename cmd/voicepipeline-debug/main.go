// Command voicepipeline-debug bundles the small operational tools an
// operator needs against a running voice pipeline deployment: config
// verification, TTS cache inspection, and a session-store connectivity
// check. It consolidates the source bot's cmd/verify-config and
// cmd/debug-cache into one tool with subcommands, since both were
// single-purpose operator scripts reading the same config tree.
package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/sessionstore"
	"github.com/EasterCompany/dex-voice-pipeline/ttscache"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: voicepipeline-debug <verify-config|inspect-cache|ping-session>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "verify-config":
		verifyConfig()
	case "inspect-cache":
		inspectCache()
	case "ping-session":
		pingSession()
	default:
		fmt.Printf("unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

// verifyConfig loads voice.json and, section by section, reports the
// fields whose loaded value is still the zero value, the way the source
// bot's verify-config reported missing fields via reflection rather
// than hand-written field checks. It does not tell file values apart
// from defaults.
func verifyConfig() {
	fmt.Printf("%s--- voice pipeline config verifier ---%s\n", colorBlue, colorReset)

	cfg, err := config.LoadVoiceConfig()
	if err != nil {
		fmt.Printf("%s[FAIL]%s could not load voice.json: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s voice.json parsed (or defaults applied if absent)\n", colorGreen, colorReset)

	defaults := config.Defaults()
	reportZeroFields("pipeline", cfg.Pipeline, defaults.Pipeline)
	reportZeroFields("stt", cfg.STT, defaults.STT)
	reportZeroFields("tts", cfg.TTS, defaults.TTS)
	reportZeroFields("interrupt", cfg.Interrupt, defaults.Interrupt)
	reportZeroFields("connection", cfg.Connection, defaults.Connection)
	reportZeroFields("audio", cfg.Audio, defaults.Audio)

	if cfg.Session.Addr == "" {
		fmt.Printf("%s[INFO]%s session.addr unset: running without cross-process persistence\n", colorYellow, colorReset)
	}

	fmt.Println("--------------------------")
	fmt.Printf("%sconfig looks usable%s\n", colorGreen, colorReset)
}

func reportZeroFields(section string, cfg any, defaults any) {
	val := reflect.ValueOf(cfg)
	typ := val.Type()
	var zero []string
	for i := 0; i < val.NumField(); i++ {
		if val.Field(i).IsZero() {
			zero = append(zero, typ.Field(i).Name)
		}
	}
	if len(zero) == 0 {
		fmt.Printf("  %s[OK]%s %s: every field set\n", colorGreen, colorReset, section)
		return
	}
	fmt.Printf("  %s[WARN]%s %s: zero-valued fields %v (check whether that's intentional)\n", colorYellow, colorReset, section, zero)
}

// inspectCache opens the configured TTS cache read-only-in-spirit and
// lists its contents, the way the source bot's debug-cache enumerated
// Redis keys for a running deployment.
func inspectCache() {
	cfg, err := config.LoadVoiceConfig()
	if err != nil {
		fmt.Printf("%s[FAIL]%s could not load voice.json: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	if !cfg.TTS.Cache.Enabled {
		fmt.Println("tts cache disabled in config")
		return
	}

	cache, err := ttscache.Open(cfg.TTS.Cache.DBPath, ttscache.Policy{
		MaxEntries:   cfg.TTS.Cache.MaxEntries,
		MaxTotalSize: int64(cfg.TTS.Cache.MaxTotalSize) * 1024 * 1024,
		EvictionMode: cfg.TTS.Cache.EvictPolicy,
		TTLDays:      cfg.TTS.Cache.TTLDays,
	})
	if err != nil {
		fmt.Printf("%s[FAIL]%s could not open cache at %s: %v\n", colorRed, colorReset, cfg.TTS.Cache.DBPath, err)
		os.Exit(1)
	}
	defer cache.Close()

	count, totalSize, err := cache.Stats()
	if err != nil {
		fmt.Printf("%s[FAIL]%s stats: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%d entries, %.2f MB\n", count, float64(totalSize)/(1024*1024))

	entries, err := cache.List()
	if err != nil {
		fmt.Printf("%s[FAIL]%s list: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	for _, e := range entries {
		text := e.Text
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		fmt.Printf("  %s  model=%-10s used=%-3d last=%s  %q\n",
			e.CacheKey[:12], e.Model, e.UseCount, e.LastUsedAt.Format(time.RFC3339), text)
	}
}

// pingSession checks connectivity to the configured Redis session
// store, if one is configured at all.
func pingSession() {
	cfg, err := config.LoadVoiceConfig()
	if err != nil {
		fmt.Printf("%s[FAIL]%s could not load voice.json: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	if cfg.Session.Addr == "" {
		fmt.Println("session.addr unset: no session store configured")
		return
	}

	store, err := sessionstore.New(cfg.Session)
	if err != nil {
		fmt.Printf("%s[FAIL]%s %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		fmt.Printf("%s[FAIL]%s ping: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s session store reachable at %s\n", colorGreen, colorReset, cfg.Session.Addr)

	channels, err := store.ActiveChannels(ctx)
	if err != nil {
		fmt.Printf("%s[FAIL]%s active channels: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%d channel(s) with saved history\n", len(channels))
}
