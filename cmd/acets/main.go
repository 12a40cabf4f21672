// ACETS avatar service: real-time conversational training with a
// talking avatar. Bridges browser clients to streaming speech
// synthesis, continuous recognition, and chat completion.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loosailam/ACETS/internal/audio"
	"github.com/loosailam/ACETS/internal/avatar"
	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/chat"
	"github.com/loosailam/ACETS/internal/config"
	"github.com/loosailam/ACETS/internal/logging"
	"github.com/loosailam/ACETS/internal/openai"
	"github.com/loosailam/ACETS/internal/scenario"
	"github.com/loosailam/ACETS/internal/server"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
	"github.com/loosailam/ACETS/internal/store"
	"github.com/loosailam/ACETS/internal/token"
	"github.com/loosailam/ACETS/internal/voice"
)

// loadEnvFile loads secrets from the configuration directory's .env
// file into the process environment so they reach viper's env binding.
func loadEnvFile() {
	dir, err := config.GetConfigDir()
	if err != nil {
		return
	}
	file, err := os.Open(filepath.Join(dir, ".env"))
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func main() {
	loadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	syslog, err := logging.New(logging.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer syslog.Close()
	log := syslog.Zerolog()
	mainLog := syslog.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Token refreshers. The relay token is always needed for WebRTC
	// negotiation; the speech token only when token auth is enabled.
	var speechToken *token.Refresher
	if cfg.Speech.EnableTokenAuth {
		speechToken = token.NewRefresher("speech",
			token.SpeechTokenSource(cfg.Speech.Region, cfg.Speech.Key, nil),
			cfg.Speech.TokenInterval, log)
		go speechToken.Start(ctx)
	}
	iceToken := token.NewRefresher("ice",
		token.RelayTokenSource(cfg.Speech.Region, cfg.Speech.PrivateEndpoint, cfg.Speech.Key, speechToken, nil),
		cfg.ICE.TokenInterval, log)
	go iceToken.Start(ctx)

	scenarios, err := scenario.NewStore(cfg.Scenario.ProfilePath, log)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Failed to load scenario profiles")
	}
	defer scenarios.Close()
	if cfg.Scenario.HotReload {
		if err := scenarios.Watch(); err != nil {
			mainLog.Warn().Err(err).Msg("Scenario hot reload unavailable")
		}
	}

	var records *store.Store
	if cfg.Database.URL != "" {
		records, err = store.Open(ctx, cfg.Database.URL, log)
		if err != nil {
			mainLog.Fatal().Err(err).Msg("Failed to open training record store")
		}
		defer records.Close()
	}

	registry := session.NewRegistry()
	events := bus.NewEventBus()

	completions := openai.NewClient(openai.ClientConfig{
		Endpoint:       cfg.OpenAI.Endpoint,
		APIKey:         cfg.OpenAI.APIKey,
		DeploymentName: cfg.OpenAI.DeploymentName,
		APIVersion:     cfg.OpenAI.APIVersion,
	}, log)

	sequencer := voice.NewSequencer(registry, events, log)

	engine := chat.NewEngine(registry, completions, sequencer, chat.Config{
		SearchEndpoint:   cfg.Search.Endpoint,
		SearchAPIKey:     cfg.Search.APIKey,
		EnableQuickReply: cfg.Chat.EnableQuickReply,
		QuickReplies:     cfg.Chat.QuickReplies,
	}, log)

	// The server owns scenario binding, so chat seeding routes through
	// it; the pipeline gets a forward reference.
	var srv *server.Server
	startChat := func(sess *session.Session) error { return srv.StartChat(sess) }

	pipeline := audio.NewPipeline(registry, events, engine, sequencer, startChat,
		cfg.Audio.EnableVAD,
		audio.DetectorConfig{Threshold: cfg.Audio.VADThreshold},
		"", log)

	synthFactory := func(ctx context.Context, scfg speech.SynthesizerConfig, handlers speech.ConnectionHandlers) (speech.Synthesizer, error) {
		return speech.NewAvatarSynthesizer(ctx, scfg, handlers)
	}
	recFactory := func(ctx context.Context, rcfg speech.RecognizerConfig, handlers speech.RecognitionHandlers) (speech.Recognizer, error) {
		return speech.NewPushStreamRecognizer(ctx, rcfg, handlers)
	}

	manager := avatar.NewManager(registry, events, sequencer, pipeline,
		cfg.Speech, cfg.ICE, speechToken, iceToken,
		synthFactory, recFactory, log)

	srv = server.New(cfg, registry, events, engine, sequencer, pipeline, manager, scenarios, records, speechToken, log)

	if err := srv.ListenAndServe(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Server stopped")
		os.Exit(1)
	}
}
