// Package server exposes the HTTP and websocket control surface the
// browser client drives: session setup, speech connection negotiation,
// chat streaming, and playback control.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loosailam/ACETS/internal/audio"
	"github.com/loosailam/ACETS/internal/avatar"
	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/chat"
	"github.com/loosailam/ACETS/internal/config"
	"github.com/loosailam/ACETS/internal/scenario"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/store"
	"github.com/loosailam/ACETS/internal/token"
	"github.com/loosailam/ACETS/internal/voice"
)

// sessionMeta binds a client session to its trainee and scenario.
type sessionMeta struct {
	Name        string
	StudentID   string
	Diploma     string
	Date        string
	ScenarioNum int
}

// Server wires the pipeline components behind the client-facing API.
type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	events    *bus.EventBus
	engine    *chat.Engine
	sequencer *voice.Sequencer
	pipeline  *audio.Pipeline
	manager   *avatar.Manager
	scenarios *scenario.Store
	records   *store.Store // nil when no database is configured

	speechToken *token.Refresher // nil unless token auth is enabled

	upgrader websocket.Upgrader

	mu      sync.Mutex
	meta    map[uuid.UUID]sessionMeta
	clients map[uuid.UUID]*wsClient

	logger zerolog.Logger
}

// New creates the server. records may be nil.
func New(cfg *config.Config, registry *session.Registry, events *bus.EventBus, engine *chat.Engine, sequencer *voice.Sequencer, pipeline *audio.Pipeline, manager *avatar.Manager, scenarios *scenario.Store, records *store.Store, speechToken *token.Refresher, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		events:      events,
		engine:      engine,
		sequencer:   sequencer,
		pipeline:    pipeline,
		manager:     manager,
		scenarios:   scenarios,
		records:     records,
		speechToken: speechToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client is served from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		meta:    make(map[uuid.UUID]sessionMeta),
		clients: make(map[uuid.UUID]*wsClient),
		logger:  logger.With().Str("component", "server").Logger(),
	}
	events.SubscribeAll(s.forwardEvent)
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /api/startSession", s.handleStartSession)
	mux.HandleFunc("GET /api/getSpeechToken", s.handleGetSpeechToken)
	mux.HandleFunc("GET /api/getIceToken", s.handleGetIceToken)
	mux.HandleFunc("GET /api/getStatus", s.handleGetStatus)
	mux.HandleFunc("POST /api/connectAvatar", s.handleConnectAvatar)
	mux.HandleFunc("POST /api/connectSTT", s.handleConnectSTT)
	mux.HandleFunc("POST /api/disconnectAvatar", s.handleDisconnectAvatar)
	mux.HandleFunc("POST /api/disconnectSTT", s.handleDisconnectSTT)
	mux.HandleFunc("POST /api/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/stopSpeaking", s.handleStopSpeaking)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/continueSpeaking", s.handleContinueSpeaking)
	mux.HandleFunc("POST /api/chat/clearHistory", s.handleClearHistory)
	mux.HandleFunc("POST /api/releaseClient", s.handleReleaseClient)
	mux.HandleFunc("GET /api/records", s.handleListRecords)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// StartChat seeds the session's conversation from its scenario
// profile. Safe to call repeatedly; each call resets history.
func (s *Server) StartChat(sess *session.Session) error {
	s.mu.Lock()
	meta, ok := s.meta[sess.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no scenario bound to session %s", sess.ID)
	}
	profile, err := s.scenarios.Get(meta.ScenarioNum)
	if err != nil {
		return fmt.Errorf("scenario lookup: %w", err)
	}
	s.engine.InitializeChat(sess, profile.ResolvedSystemPrompt(), profile.SearchIndexName(s.cfg.Search.IndexBaseName))
	return nil
}

// scenarioSummary is one entry of the scenario listing.
type scenarioSummary struct {
	Scenario  int    `json:"scenario"`
	GuestName string `json:"guestName"`
}

// handleListScenarios returns the selectable scenarios, ordered by
// number.
func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	nums := s.scenarios.Numbers()
	sort.Ints(nums)

	summaries := make([]scenarioSummary, 0, len(nums))
	for _, n := range nums {
		profile, err := s.scenarios.Get(n)
		if err != nil {
			// Removed by a reload between listing and lookup.
			continue
		}
		summaries = append(summaries, scenarioSummary{Scenario: n, GuestName: profile.GuestName})
	}
	s.writeJSON(w, summaries)
}

// startSessionRequest is the session setup document.
type startSessionRequest struct {
	Name      string `json:"name"`
	StudentID string `json:"studentId"`
	Diploma   string `json:"diploma"`
	Date      string `json:"date"`
	Scenario  int    `json:"scenario"`
}

type startSessionResponse struct {
	ClientID           string `json:"clientId"`
	GuestName          string `json:"guestName"`
	AvatarCharacter    string `json:"avatarCharacter"`
	AvatarStyle        string `json:"avatarStyle"`
	TTSVoice           string `json:"ttsVoice"`
	BackgroundImageURL string `json:"backgroundImageUrl,omitempty"`
}

// handleStartSession creates a client session bound to a trainee and a
// scenario, and records the training session when a database is
// configured.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	profile, err := s.scenarios.Get(req.Scenario)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess := s.registry.Create()
	s.mu.Lock()
	s.meta[sess.ID] = sessionMeta{
		Name:        req.Name,
		StudentID:   req.StudentID,
		Diploma:     req.Diploma,
		Date:        req.Date,
		ScenarioNum: req.Scenario,
	}
	s.mu.Unlock()

	if s.records != nil {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			date = time.Now()
		}
		rec := store.TrainRecord{
			Name:      req.Name,
			StudentID: req.StudentID,
			Diploma:   req.Diploma,
			Date:      date,
			Scenario:  fmt.Sprintf("scenario_%d", req.Scenario),
		}
		if err := s.records.InsertTrainRecord(r.Context(), rec); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to record training session")
		}
	}

	s.logger.Info().Str("clientId", sess.ID.String()).Int("scenario", req.Scenario).Msg("Session started")
	s.writeJSON(w, startSessionResponse{
		ClientID:           sess.ID.String(),
		GuestName:          profile.GuestName,
		AvatarCharacter:    profile.AvatarCharacter,
		AvatarStyle:        profile.AvatarStyle,
		TTSVoice:           profile.TTSVoice,
		BackgroundImageURL: profile.BackgroundImageURL,
	})
}

// handleGetSpeechToken serves the current speech token for client-side
// authentication, with the region (or private endpoint) in headers.
func (s *Server) handleGetSpeechToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("SpeechRegion", s.cfg.Speech.Region)
	if s.cfg.Speech.PrivateEndpoint != "" {
		w.Header().Set("SpeechPrivateEndpoint", s.cfg.Speech.PrivateEndpoint)
	}
	var tok string
	if s.speechToken != nil {
		tok = s.speechToken.Current()
	}
	io.WriteString(w, tok)
}

func (s *Server) handleGetIceToken(w http.ResponseWriter, r *http.Request) {
	doc, err := s.manager.IceTokenJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, doc)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"speechSynthesizerConnected": sess.SynthesizerConnected()})
}

// handleConnectAvatar negotiates the avatar synthesis connection. The
// request body is the browser's WebRTC offer; the response body is the
// service's answer.
func (s *Server) handleConnectAvatar(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read client description", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	meta := s.meta[sess.ID]
	s.mu.Unlock()
	profile, err := s.scenarios.Get(meta.ScenarioNum)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := avatar.ConnectParams{
		IsReconnecting:        strings.EqualFold(r.Header.Get("Reconnect"), "true"),
		LocalSDP:              string(body),
		AvatarCharacter:       profile.AvatarCharacter,
		AvatarStyle:           profile.AvatarStyle,
		TTSVoice:              profile.TTSVoice,
		BackgroundColor:       r.Header.Get("BackgroundColor"),
		BackgroundImageURL:    profile.BackgroundImageURL,
		TransparentBackground: strings.EqualFold(r.Header.Get("TransparentBackground"), "true"),
		VideoCrop:             strings.EqualFold(r.Header.Get("VideoCrop"), "true"),
	}

	remoteSDP, err := s.manager.ConnectAvatar(r.Context(), sess.ID, params)
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", sess.ID.String()).Msg("Avatar connection failed")
		http.Error(w, fmt.Sprintf("avatar connection failed: %v", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, remoteSDP)
}

func (s *Server) handleConnectSTT(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if err := s.manager.ConnectRecognizer(r.Context(), sess.ID); err != nil {
		s.logger.Error().Err(err).Str("clientId", sess.ID.String()).Msg("Recognition connection failed")
		http.Error(w, fmt.Sprintf("recognition connection failed: %v", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "STT connected.")
}

func (s *Server) handleDisconnectAvatar(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if err := s.manager.DisconnectAvatar(sess.ID, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Avatar disconnected.")
}

func (s *Server) handleDisconnectSTT(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if err := s.manager.DisconnectRecognizer(sess.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "STT disconnected.")
}

// handleSpeak synthesizes a raw SSML document, bypassing the sentence
// queue. Returns the synthesis result id.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	ssml, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read ssml", http.StatusBadRequest)
		return
	}
	resultID, err := s.sequencer.SpeakSSMLNow(sess.ID, string(ssml))
	if err != nil {
		http.Error(w, fmt.Sprintf("speak failed: %v", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, resultID)
}

func (s *Server) handleStopSpeaking(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if err := s.sequencer.Stop(sess.ID, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Speaking stopped.")
}

// handleChat streams the model's response as plain text chunks.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if !sess.ChatInitialized() {
		if err := s.StartChat(sess); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read query", http.StatusBadRequest)
		return
	}

	chunks, err := s.engine.HandleUserQuery(r.Context(), sess.ID, string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	flusher, canFlush := w.(http.Flusher)
	for chunk := range chunks {
		if _, err := io.WriteString(w, chunk); err != nil {
			// Client went away; drain so the turn still completes.
			for range chunks {
			}
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleContinueSpeaking resumes playback after a reconnect: the
// interrupted utterance is replayed when configured, then the
// preserved queue drains.
func (s *Server) handleContinueSpeaking(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if !s.cfg.Chat.RepeatOnReconnect {
		sess.TakeResumeText()
	}
	if err := s.sequencer.Resume(sess.ID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Request sent.")
}

// handleClearHistory reinitializes the conversation from the scenario's
// system prompt.
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromHeader(w, r)
	if !ok {
		return
	}
	if err := s.StartChat(sess); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Chat history cleared.")
}

// handleReleaseClient tears down all connections for a session and
// forgets it.
func (s *Server) handleReleaseClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(req.ClientID)
	if err != nil {
		http.Error(w, "invalid client id", http.StatusBadRequest)
		return
	}

	if err := s.manager.Release(id); err != nil {
		http.Error(w, fmt.Sprintf("release failed: %v", err), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	delete(s.meta, id)
	if c := s.clients[id]; c != nil {
		c.close()
		delete(s.clients, id)
	}
	s.mu.Unlock()
	io.WriteString(w, "Client released.")
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		http.Error(w, "training record store not configured", http.StatusServiceUnavailable)
		return
	}
	records, err := s.records.ListTrainRecords(r.Context(), r.URL.Query().Get("studentId"), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, records)
}

// sessionFromHeader resolves the session named by the ClientId header,
// writing the error response on failure.
func (s *Server) sessionFromHeader(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := uuid.Parse(r.Header.Get("ClientId"))
	if err != nil {
		http.Error(w, "missing or invalid ClientId header", http.StatusBadRequest)
		return nil, false
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// ListenAndServe runs the HTTP server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Server.Addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
