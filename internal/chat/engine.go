// Package chat provides the response streaming engine: it feeds the
// conversation history to the language model, relays display tokens,
// and segments the token stream into speakable sentences for the
// output sequencer.
package chat

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loosailam/ACETS/internal/openai"
	"github.com/loosailam/ACETS/internal/session"
)

// Punctuation marks that end a sentence, ASCII and CJK.
var sentencePunctuations = []rune{'.', '?', '!', ':', ';', '。', '？', '！', '：', '；'}

// oydDocRegex matches inline citation markers emitted by on-your-data
// completions, e.g. [doc3].
var oydDocRegex = regexp.MustCompile(`\[doc(\d+)\]`)

// FirstTokenLatencyMarker tags the model's time to first token, in
// milliseconds, as a substring of the streamed display text.
func FirstTokenLatencyMarker(ms int64) string {
	return fmt.Sprintf("<FTL>%d</FTL>", ms)
}

// FirstSentenceLatencyMarker tags the time to the first complete
// sentence, in milliseconds.
func FirstSentenceLatencyMarker(ms int64) string {
	return fmt.Sprintf("<FSL>%d</FSL>", ms)
}

// SpeechLatencyMarker tags the recognition latency of the utterance
// that triggered a chat turn, in milliseconds.
func SpeechLatencyMarker(ms int64) string {
	return fmt.Sprintf("<STTL>%d</STTL>", ms)
}

// Streamer issues a streaming completion request, invoking the handler
// once per content delta.
type Streamer interface {
	StreamCompletion(ctx context.Context, messages []openai.ChatMessage, dataSources []openai.DataSource, handler func(token string)) error
}

// Speaker enqueues a sentence for synthesis.
type Speaker interface {
	Speak(id uuid.UUID, text string, trailingSilenceMs int) error
}

// Config configures the engine.
type Config struct {
	// Search settings used to build on-your-data sources when a
	// scenario names a document index.
	SearchEndpoint string
	SearchAPIKey   string

	// Quick replies mask on-your-data latency: one is spoken at random
	// before the model responds. Fire-and-forget; never recorded in
	// the conversation.
	EnableQuickReply bool
	QuickReplies     []string
}

// Engine streams model responses for client sessions.
type Engine struct {
	registry *session.Registry
	streamer Streamer
	speaker  Speaker
	config   Config
	logger   zerolog.Logger
}

// NewEngine creates a response streaming engine.
func NewEngine(registry *session.Registry, streamer Streamer, speaker Speaker, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		streamer: streamer,
		speaker:  speaker,
		config:   cfg,
		logger:   logger.With().Str("component", "chat-engine").Logger(),
	}
}

// InitializeChat seeds the session's conversation with the scenario's
// system prompt and installs the on-your-data sources when a search
// index is configured. Also used by clear-history.
func (e *Engine) InitializeChat(sess *session.Session, systemPrompt, searchIndexName string) {
	var sources []openai.DataSource
	if e.config.SearchEndpoint != "" && e.config.SearchAPIKey != "" && searchIndexName != "" {
		sources = append(sources, openai.AzureSearchSource(e.config.SearchEndpoint, e.config.SearchAPIKey, searchIndexName))
	}
	sess.InitializeChat(systemPrompt, sources)
}

// HandleUserQuery appends a user turn and streams the model's response.
// The returned channel yields display chunks in order: a first-token
// latency marker, then cleaned tokens, with a first-sentence latency
// marker interleaved before the sentence that completes first. The
// channel closes on stream exhaustion or on a mid-stream error; turns
// appended before the error remain, the partial assistant turn is not
// appended. Each call produces a fresh, non-restartable stream.
func (e *Engine) HandleUserQuery(ctx context.Context, id uuid.UUID, userQuery string) (<-chan string, error) {
	sess, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}

	sess.AppendTurn(openai.RoleUser, userQuery)

	dataSources := sess.DataSources()

	// The on-your-data chat path has multi-second latency; speak a
	// canned phrase while the model thinks.
	if len(dataSources) > 0 && e.config.EnableQuickReply && len(e.config.QuickReplies) > 0 {
		reply := e.config.QuickReplies[rand.Intn(len(e.config.QuickReplies))]
		if err := e.speaker.Speak(id, reply, 2000); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to queue quick reply")
		}
	}

	out := make(chan string, 32)
	go e.stream(ctx, sess, dataSources, out)
	return out, nil
}

// stream consumes the model's token stream, relaying display chunks and
// flushing completed sentences to the sequencer.
func (e *Engine) stream(ctx context.Context, sess *session.Session, dataSources []openai.DataSource, out chan<- string) {
	defer close(out)

	var assistantReply strings.Builder
	var spokenSentence strings.Builder
	start := time.Now()
	isFirstChunk := true
	isFirstSentence := true

	flushSentence := func() {
		if isFirstSentence {
			latency := time.Since(start).Milliseconds()
			e.logger.Debug().Int64("latencyMs", latency).Msg("First sentence latency")
			out <- FirstSentenceLatencyMarker(latency)
			isFirstSentence = false
		}
		text := strings.TrimSpace(spokenSentence.String())
		spokenSentence.Reset()
		if err := e.speaker.Speak(sess.ID, text, 0); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to queue sentence")
		}
	}

	err := e.streamer.StreamCompletion(ctx, sess.History(), dataSources, func(token string) {
		if isFirstChunk {
			latency := time.Since(start).Milliseconds()
			e.logger.Debug().Int64("latencyMs", latency).Msg("First token latency")
			out <- FirstTokenLatencyMarker(latency)
			isFirstChunk = false
		}

		if oydDocRegex.MatchString(token) {
			token = strings.TrimSpace(oydDocRegex.ReplaceAllString(token, ""))
		}
		out <- token
		assistantReply.WriteString(token)

		if token == "\n" || token == "\n\n" {
			// A bare newline token ends the sentence regardless of
			// punctuation.
			flushSentence()
			return
		}

		token = strings.ReplaceAll(token, "\n", "")
		spokenSentence.WriteString(token)
		if n := utf8.RuneCountInString(token); n == 1 || n == 2 {
			for _, punct := range sentencePunctuations {
				if strings.HasPrefix(token, string(punct)) {
					flushSentence()
					break
				}
			}
		}
	})
	if err != nil {
		// Terminate the partial stream; the in-progress assistant turn
		// is not recorded.
		e.logger.Error().Err(err).Str("sessionId", sess.ID.String()).Msg("Completion stream failed")
		return
	}

	if spokenSentence.Len() > 0 {
		flushSentence()
	}

	if len(dataSources) > 0 {
		// The retrieval tool turn; content is not surfaced by the
		// streaming API, so it stays empty.
		sess.AppendTurn(openai.RoleTool, "")
	}
	sess.AppendTurn(openai.RoleAssistant, assistantReply.String())
}
