package audio

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/chat"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
)

// Stopper interrupts in-progress synthesis, used for barge-in.
type Stopper interface {
	Stop(id uuid.UUID, preserveQueue bool) error
}

// ChatStarter seeds a session's conversation before its first query.
// An error means the session has no usable scenario and the turn must
// not proceed.
type ChatStarter func(sess *session.Session) error

// Pipeline routes browser microphone audio into recognition, runs
// barge-in detection, and turns final recognition results into chat
// turns whose response chunks are published on the event bus.
type Pipeline struct {
	registry   *session.Registry
	events     *bus.EventBus
	engine     *chat.Engine
	stopper    Stopper
	startChat  ChatStarter
	enableVAD  bool
	vadConfig  DetectorConfig
	speakerTag string

	mu        sync.Mutex
	detectors map[uuid.UUID]*Detector

	logger zerolog.Logger
}

// NewPipeline creates the audio input pipeline. speakerTag labels the
// trainee's recognized utterances in the chat transcript.
func NewPipeline(registry *session.Registry, events *bus.EventBus, engine *chat.Engine, stopper Stopper, startChat ChatStarter, enableVAD bool, vadConfig DetectorConfig, speakerTag string, logger zerolog.Logger) *Pipeline {
	if speakerTag == "" {
		speakerTag = "User"
	}
	return &Pipeline{
		registry:   registry,
		events:     events,
		engine:     engine,
		stopper:    stopper,
		startChat:  startChat,
		enableVAD:  enableVAD,
		vadConfig:  vadConfig,
		speakerTag: speakerTag,
		detectors:  make(map[uuid.UUID]*Detector),
		logger:     logger.With().Str("component", "audio-pipeline").Logger(),
	}
}

// SubmitAudioChunk forwards one browser audio chunk to the session's
// recognizer and, when VAD is enabled, through onset detection. Chunks
// arriving while no recognizer is connected are dropped silently; the
// client streams continuously and reconnects are routine.
func (p *Pipeline) SubmitAudioChunk(id uuid.UUID, data []byte) error {
	sess, err := p.registry.Get(id)
	if err != nil {
		return err
	}

	if rec := sess.Recognizer(); rec != nil {
		if err := rec.WriteAudio(data); err != nil {
			p.logger.Warn().Err(err).Str("sessionId", id.String()).Msg("Failed to push audio to recognizer")
		}
	}

	if p.enableVAD {
		for _, window := range sess.BufferVADAudio(data, VADWindowBytes) {
			if p.detector(id).Process(window) {
				p.logger.Info().Str("sessionId", id.String()).Msg("Voice activity detected")
				if err := p.stopper.Stop(id, false); err != nil {
					p.logger.Warn().Err(err).Msg("Failed to stop speaking on voice activity")
				}
			}
		}
	}
	return nil
}

// Handlers returns the recognition callbacks to install when the
// session's recognizer connects.
func (p *Pipeline) Handlers(id uuid.UUID) speech.RecognitionHandlers {
	return speech.RecognitionHandlers{
		Recognizing: func(speech.RecognitionEvent) {
			// Interim hypotheses double as a cheap barge-in signal
			// when server-side VAD is off.
			if !p.enableVAD {
				if err := p.stopper.Stop(id, false); err != nil {
					p.logger.Warn().Err(err).Msg("Failed to stop speaking on interim hypothesis")
				}
			}
		},
		Recognized: func(ev speech.RecognitionEvent) {
			// Runs on its own goroutine so the streamed chat response
			// does not stall the recognizer's read loop.
			go p.handleRecognized(id, ev)
		},
		Canceled: func(c speech.Cancellation) {
			p.logger.Error().Str("sessionId", id.String()).Str("reason", c.Reason).Str("details", c.ErrorDetails).Msg("Recognition canceled")
			p.events.Publish(bus.Event{Type: bus.EventTypeRecognizerCanceled, SessionID: id, Data: map[string]any{"error": c.ErrorDetails}})
		},
	}
}

// Release drops per-session detector state.
func (p *Pipeline) Release(id uuid.UUID) {
	p.mu.Lock()
	delete(p.detectors, id)
	p.mu.Unlock()
}

func (p *Pipeline) detector(id uuid.UUID) *Detector {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.detectors[id]
	if !ok {
		d = NewDetector(p.vadConfig)
		p.detectors[id] = d
	}
	return d
}

// handleRecognized turns a final recognition result into a chat turn.
func (p *Pipeline) handleRecognized(id uuid.UUID, ev speech.RecognitionEvent) {
	userQuery := strings.TrimSpace(ev.Text)
	if userQuery == "" {
		return
	}

	sess, err := p.registry.Get(id)
	if err != nil {
		return
	}

	p.publishChat(id, "\n\n"+p.speakerTag+": "+userQuery+"\n\n")

	// Recognition latency: wall time since the recognizer started,
	// minus where in the audio stream the utterance ended.
	sttLatency := time.Since(sess.RecognitionStart()).Milliseconds() - (ev.Offset + ev.Duration).Milliseconds()
	p.logger.Info().Int64("latencyMs", sttLatency).Str("text", userQuery).Msg("Speech recognized")
	p.publishChat(id, chat.SpeechLatencyMarker(sttLatency))

	if !sess.ChatInitialized() {
		if err := p.startChat(sess); err != nil {
			p.logger.Error().Err(err).Str("sessionId", id.String()).Msg("Failed to seed chat context")
			return
		}
	}

	chunks, err := p.engine.HandleUserQuery(context.Background(), id, userQuery)
	if err != nil {
		p.logger.Error().Err(err).Str("sessionId", id.String()).Msg("Failed to start chat turn")
		return
	}
	first := true
	for chunk := range chunks {
		if first {
			p.publishChat(id, "")
			first = false
		}
		p.publishChat(id, chunk)
	}
}

func (p *Pipeline) publishChat(id uuid.UUID, text string) {
	p.events.Publish(bus.Event{
		Type:      bus.EventTypeChatResponse,
		SessionID: id,
		Data:      map[string]any{"chatResponse": text},
	})
}
