// Command voicepipeline is the voice dialogue pipeline's process
// entrypoint: it loads configuration, opens a Discord session, wires
// every transport adapter and core package together, joins the
// configured voice channel, and runs until signalled to stop.
//
// Grounded on the source bot's main.go, whose numbered boot sequence
// (load config, open session, init logger, init caches, init
// handlers, wait for shutdown) this follows step for step; the voice
// dialogue wiring itself (dispatcher, batcher, connection machine,
// workers) replaces the source bot's message-command event handlers.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/EasterCompany/dex-voice-pipeline/audio"
	"github.com/EasterCompany/dex-voice-pipeline/bargein"
	"github.com/EasterCompany/dex-voice-pipeline/batcher"
	"github.com/EasterCompany/dex-voice-pipeline/config"
	"github.com/EasterCompany/dex-voice-pipeline/connection"
	"github.com/EasterCompany/dex-voice-pipeline/dispatcher"
	logger "github.com/EasterCompany/dex-voice-pipeline/log"
	"github.com/EasterCompany/dex-voice-pipeline/pipeline"
	"github.com/EasterCompany/dex-voice-pipeline/sessionstore"
	"github.com/EasterCompany/dex-voice-pipeline/transport"
	"github.com/EasterCompany/dex-voice-pipeline/ttscache"
	"github.com/EasterCompany/dex-voice-pipeline/worker"
)

func main() {
	// 1. Load Configuration
	voiceCfg, err := config.LoadVoiceConfig()
	if err != nil {
		log.Fatalf("fatal error loading voice.json: %v", err)
	}
	discordCfg, err := config.LoadDiscordConfig()
	if err != nil {
		log.Fatalf("fatal error loading discord.json: %v", err)
	}
	if discordCfg.Token == "" {
		log.Fatal("discord.json: token is required")
	}

	// 2. Initialize Discord Session
	session, err := discordgo.New("Bot " + discordCfg.Token)
	if err != nil {
		log.Fatalf("error creating discord session: %v", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds

	// 3. Initialize Logger
	logger.Init(&transport.DiscordLogSink{Session: session, ChannelID: discordCfg.LogChannelID})

	// 4. Open TTS Cache
	cache, err := ttscache.Open(voiceCfg.TTS.Cache.DBPath, ttscache.Policy{
		MaxEntries:   voiceCfg.TTS.Cache.MaxEntries,
		MaxTotalSize: int64(voiceCfg.TTS.Cache.MaxTotalSize) * 1024 * 1024,
		EvictionMode: voiceCfg.TTS.Cache.EvictPolicy,
		TTLDays:      voiceCfg.TTS.Cache.TTLDays,
	})
	if err != nil {
		logger.Fatal("failed to open tts cache", err)
	}
	defer cache.Close()

	// 5. Connect Session Store (optional, per spec.md §9's persistence
	// open question; disabled when session.addr is unset)
	store, err := sessionstore.New(voiceCfg.Session)
	if err != nil {
		logger.Error("failed to create session store", err)
	}
	defer store.Close()

	// 6. Initialize Transport Adapters
	agent := transport.NewOllamaAgent(voiceCfg.Agent.Endpoint, voiceCfg.Agent.Model)
	stt := transport.NewWebSocketSTT(voiceCfg.STT.Endpoint, voiceCfg.STT.ReconnectIntervalMs, voiceCfg.STT.MaxReconnectAttempts)
	tts := transport.NewRestTTS(voiceCfg.TTS.Endpoint)
	defer tts.Shutdown()
	gateway := transport.NewDiscordVoiceGateway(session)

	opus, err := audio.NewOpusCodec()
	if err != nil {
		logger.Fatal("failed to create opus codec", err)
	}
	gateway.DecodeFrame = opus.DecodeOne
	gateway.EncodeFrame = opus.EncodeFrames

	// 7. Open Discord Connection
	if err := session.Open(); err != nil {
		logger.Fatal("error opening discord connection", err)
	}
	defer session.Close()
	logger.Info("discord connection established")

	// 8. Wire the Dialogue Pipeline
	conn := connection.New(voiceCfg.Connection)
	bargeinCtrl := bargein.New(voiceCfg.Pipeline.InterruptEnabled, voiceCfg.Interrupt.MinSpeechDurationMs, voiceCfg.Interrupt.CooldownMs, store)

	var disp *dispatcher.Dispatcher
	newWorker := func(ctx context.Context, sess *pipeline.SpeakerSession) dispatcher.WorkerHandle {
		sttSess, err := stt.OpenSession(ctx)
		if err != nil {
			logger.Error("failed to open stt session", err)
			return noopWorkerHandle{sess}
		}
		w, err := worker.New(sess, sttSess, agent, tts, cache, gateway, routerAdapter{disp}, bargeinCtrl, store, worker.Config{
			Pipeline: voiceCfg.Pipeline,
			TTS:      voiceCfg.TTS,
		}, disp.RemoveSession)
		if err != nil {
			logger.Error("failed to construct worker", err)
			return noopWorkerHandle{sess}
		}
		go w.Run(ctx)
		return w
	}

	roomSession := &pipeline.SpeakerSession{UserID: "voice-room", Ctx: context.Background(), Cancel: func() {}}
	roomWorker, err := worker.New(roomSession, noopSttSession{}, agent, tts, cache, gateway, routerAdapter{}, bargeinCtrl, store, worker.Config{
		Pipeline: voiceCfg.Pipeline,
		TTS:      voiceCfg.TTS,
	}, func(uint32) {})
	if err != nil {
		logger.Fatal("failed to construct voice-room worker", err)
	}

	bw := batcher.New(voiceCfg.Pipeline.ContextWindowMs, roomWorker)
	// Eviction notices are independently rate-limited from barge-in's
	// own cooldown; 30s keeps a noisy LRS churn from spamming the
	// transcript sink without needing its own config knob yet.
	const evictionNoticeCooldownSecs = 30
	disp = dispatcher.New(voiceCfg.STT, voiceCfg.Pipeline, evictionNoticeCooldownSecs, newWorker, bw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Run(ctx)
	go runGatewayLoop(ctx, gateway, conn, disp)
	go runEvictionNoticeLoop(ctx, disp)
	go runCacheCleanupLoop(ctx, cache, voiceCfg.TTS.Cache.CleanupHours)

	// 9. Join Configured Voice Channel
	if discordCfg.GuildID != "" && discordCfg.ChannelID != "" {
		if err := conn.Join(discordCfg.GuildID, discordCfg.ChannelID, session.State.User.ID); err != nil {
			logger.Error("connection.Join", err)
		} else {
			time.AfterFunc(voiceCfg.Connection.ConnectTimeout(), func() {
				if err := conn.ConnectTimedOut(); err == nil {
					logger.Info("connection: timed out waiting for the voice handshake")
				}
			})
			if err := gateway.SendVoiceStateUpdate(ctx, discordCfg.GuildID, discordCfg.ChannelID); err != nil {
				logger.Error("gateway.SendVoiceStateUpdate", err)
			}
		}
	}

	// 10. Wait for Shutdown Signal
	fmt.Println("voice pipeline is running. press ctrl-c to exit.")
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	logger.Info("voice pipeline shutting down")
}

// runGatewayLoop drains the VoiceGateway's event and audio-frame
// streams for as long as ctx is live, feeding the connection state
// machine and the Dispatcher respectively. Grounded on the source
// bot's events.SpeakingUpdate handler, generalized from a single
// discordgo.AddHandler callback into an explicit consumer loop since
// this pipeline's VoiceGateway multiplexes several event kinds onto
// one channel.
func runGatewayLoop(ctx context.Context, gateway *transport.DiscordVoiceGateway, conn *connection.Machine, disp *dispatcher.Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-gateway.Events():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case transport.VoiceStateUpdate:
				conn.VoiceStateReceived(e.SessionID)
				maybeConnect(conn)
			case transport.VoiceServerUpdate:
				conn.VoiceServerReceived(e.Endpoint, e.Token)
				maybeConnect(conn)
			case transport.SpeakingUpdate:
				disp.HandleSpeakingUpdate(e.SSRC, e.UserID, e.UserID)
			case transport.TransportLost:
				go handleTransportLost(ctx, conn, gateway)
			}
		case frame, ok := <-gateway.AudioFrames():
			if !ok {
				return
			}
			if err := disp.HandleAudio(ctx, frame.SSRC, frame.PCM); err != nil {
				logger.Error("dispatcher.HandleAudio", err)
			}
		}
	}
}

// runEvictionNoticeLoop publishes LRS eviction notices to the
// transcript sink, the "optionally publish a transcript notice" half
// of spec.md §4.2 step 3 that HandleAudio/evictLRS itself only queues.
func runEvictionNoticeLoop(ctx context.Context, disp *dispatcher.Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-disp.EvictionNotices():
			if !ok {
				return
			}
			logger.Info(fmt.Sprintf("evicted user=%s (ssrc=%d) to make room for a new speaker", n.UserID, n.SSRC))
		}
	}
}

// handleTransportLost drives connection.Machine's Reconnecting state
// after a TransportLost signal: discordgo's ChannelVoiceJoin blocks
// until its own handshake completes or times out, so each retry here
// either succeeds outright or reports a failed attempt, backing off by
// the FSM's own backoffDelay between tries until it reconnects, gives
// up after max_reconnect_attempts, or ctx is cancelled.
func handleTransportLost(ctx context.Context, conn *connection.Machine, gateway *transport.DiscordVoiceGateway) {
	if err := conn.TransportLost(); err != nil {
		logger.Error("connection.TransportLost", err)
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		snap := conn.Snapshot()
		if snap.State != connection.Reconnecting {
			return
		}
		if err := gateway.SendVoiceStateUpdate(ctx, snap.GuildID, snap.ChannelID); err == nil {
			if err := conn.ReconnectSucceeded(); err != nil {
				logger.Error("connection.ReconnectSucceeded", err)
			}
			return
		}
		delay, err := conn.ReconnectAttemptFailed()
		if err != nil {
			logger.Error("connection.ReconnectAttemptFailed", err)
			return
		}
		if delay == 0 {
			logger.Info("connection: reconnect attempts exhausted, giving up")
			return
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// runCacheCleanupLoop runs the periodic half of spec.md §4.5's eviction
// policy ("periodically (cleanup_interval_hours, default 24h) or
// opportunistically after insert") — the opportunistic half lives in
// worker.loadOrSynthesize's insert path, this covers the case where a
// channel goes quiet for a long stretch and nothing inserts in between.
func runCacheCleanupLoop(ctx context.Context, cache *ttscache.Cache, cleanupHours int) {
	if cleanupHours <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(cleanupHours) * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := cache.Evict()
			if err != nil {
				logger.Error("ttscache.Evict", err)
				continue
			}
			if deleted > 0 {
				logger.Info(fmt.Sprintf("ttscache: periodic cleanup evicted %d entries", deleted))
			}
		}
	}
}

// maybeConnect transitions the connection machine to Connected once
// both VoiceStateUpdate and VoiceServerUpdate halves of the handshake
// have arrived. discordgo's own ChannelVoiceJoin already performs the
// actual gateway handshake internally; this only keeps the explicit
// FSM's bookkeeping in sync with it.
func maybeConnect(conn *connection.Machine) {
	if !conn.ReadyToConnect() {
		return
	}
	if err := conn.ConnectSucceeded(); err != nil {
		logger.Error("connection.ConnectSucceeded", err)
	}
}

// routerAdapter satisfies worker.Router by forwarding to the
// Dispatcher, which is constructed after the WorkerFactory closure
// that references it (both need each other), hence the pointer
// indirection rather than passing *dispatcher.Dispatcher directly.
type routerAdapter struct {
	disp *dispatcher.Dispatcher
}

func (r routerAdapter) RouteFinal(ctx context.Context, direct worker.DirectAgent, u pipeline.Utterance) error {
	if r.disp == nil {
		return direct.ProcessText(ctx, u.SpeakerID, u.Text)
	}
	return r.disp.RouteFinal(ctx, direct, u)
}

// noopWorkerHandle is returned when a worker could not be constructed
// (e.g. the STT endpoint is unreachable), so the Dispatcher still has
// something satisfying WorkerHandle to evict later rather than a nil
// entry.
type noopWorkerHandle struct {
	session *pipeline.SpeakerSession
}

func (n noopWorkerHandle) Session() *pipeline.SpeakerSession { return n.session }
func (n noopWorkerHandle) Stop()                             { n.session.Cancel() }

// noopSttSession backs the shared voice-room worker, which only ever
// has ProcessText called on it directly by the Batcher and never runs
// its own Run loop, so its STT session is never touched.
type noopSttSession struct{}

func (noopSttSession) SendAudio(ctx context.Context, pcm []float32) error { return nil }
func (noopSttSession) Events() <-chan pipeline.SttEvent                  { return nil }
func (noopSttSession) Cancel(ctx context.Context) error                 { return nil }
func (noopSttSession) Reset(ctx context.Context) error                  { return nil }
func (noopSttSession) Close() error                                      { return nil }
