// Package session owns per-client conversation state: chat history,
// synthesis queue, and the handles to the two external streaming
// connections.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loosailam/ACETS/internal/openai"
	"github.com/loosailam/ACETS/internal/speech"
)

// ErrUnknownSession is returned for operations referencing a session id
// absent from the registry. A client-usage error, not a crash.
var ErrUnknownSession = errors.New("unknown session id")

// Utterance is one queued text segment awaiting synthesis.
type Utterance struct {
	Text string
	// TrailingSilenceMs appends a pause directive after the spoken
	// content.
	TrailingSilenceMs int
}

// Session is the per-client record. All mutable state is guarded by a
// single per-session mutex; the synthesis queue and the speaking flag
// are always updated together under it.
type Session struct {
	ID uuid.UUID

	mu sync.Mutex

	// Chat state
	conversation    []openai.ChatMessage
	dataSources     []openai.DataSource
	chatInitialized bool

	// Synthesis parameters, set at avatar connect time
	ttsVoice              string
	speakerProfileID      string
	customVoiceEndpointID string

	// Output sequencing
	isSpeaking    bool
	speakingText  string
	resumeText    string
	spokenQueue   []Utterance
	lastSpeakTime time.Time

	// External connection handles
	synthesizer    speech.Synthesizer
	synthConn      speech.Connection
	synthConnected bool
	recognizer     speech.Recognizer

	// Input pipeline state
	recognitionStart time.Time
	vadBuffer        []byte
}

// --- Chat state ---

// InitializeChat resets the conversation, seeds the system prompt, and
// installs the data sources. The system prompt is always appended,
// whether or not data sources are configured.
func (s *Session) InitializeChat(systemPrompt string, sources []openai.DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataSources = append([]openai.DataSource(nil), sources...)
	s.conversation = s.conversation[:0]
	s.conversation = append(s.conversation, openai.ChatMessage{Role: openai.RoleSystem, Content: systemPrompt})
	s.chatInitialized = true
}

// ChatInitialized reports whether the conversation has been seeded.
func (s *Session) ChatInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatInitialized
}

// AppendTurn appends one turn to the conversation.
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = append(s.conversation, openai.ChatMessage{Role: role, Content: content})
}

// History returns a copy of the conversation.
func (s *Session) History() []openai.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]openai.ChatMessage, len(s.conversation))
	copy(out, s.conversation)
	return out
}

// DataSources returns a copy of the configured data sources.
func (s *Session) DataSources() []openai.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]openai.DataSource(nil), s.dataSources...)
}

// --- Synthesis parameters ---

// SetVoice installs the synthesis parameters for the connected avatar.
func (s *Session) SetVoice(ttsVoice, speakerProfileID, customVoiceEndpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttsVoice = ttsVoice
	s.speakerProfileID = speakerProfileID
	s.customVoiceEndpointID = customVoiceEndpointID
}

// Voice returns the synthesis voice and speaker profile.
func (s *Session) Voice() (ttsVoice, speakerProfileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttsVoice, s.speakerProfileID
}

// CustomVoiceEndpointID returns the custom voice deployment id, if any.
func (s *Session) CustomVoiceEndpointID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customVoiceEndpointID
}

// --- Output sequencing ---

// EnqueueUtterance appends an utterance to the pending queue.
func (s *Session) EnqueueUtterance(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spokenQueue = append(s.spokenQueue, u)
}

// ReinsertUtterance pushes an utterance at the head of the pending
// queue, ahead of anything already queued.
func (s *Session) ReinsertUtterance(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spokenQueue = append([]Utterance{u}, s.spokenQueue...)
}

// TryBeginSpeaking claims the single worker slot. It returns false when
// a worker is already active, so the check and the claim are one
// atomic step.
func (s *Session) TryBeginSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSpeaking {
		return false
	}
	s.isSpeaking = true
	return true
}

// NextUtterance dequeues the head of the pending queue for the active
// worker. It returns false when the queue is empty or a stop request
// has cleared the speaking flag; in both cases the worker slot is
// released and the current utterance cleared.
func (s *Session) NextUtterance() (Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isSpeaking || len(s.spokenQueue) == 0 {
		s.isSpeaking = false
		s.speakingText = ""
		return Utterance{}, false
	}
	u := s.spokenQueue[0]
	s.spokenQueue = s.spokenQueue[1:]
	s.speakingText = u.Text
	return u, true
}

// EndSpeaking releases the worker slot unconditionally.
func (s *Session) EndSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeaking = false
	s.speakingText = ""
}

// InterruptSpeaking clears the speaking flag so the worker stops at the
// next utterance boundary, optionally dropping the pending queue. When
// the queue is preserved (reconnect path) the in-flight utterance is
// remembered for replay. It returns the live control connection, if
// any, for the out-of-band stop signal.
func (s *Session) InterruptSpeaking(preserveQueue bool) speech.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeaking = false
	if preserveQueue {
		s.resumeText = s.speakingText
	} else {
		s.spokenQueue = nil
		s.resumeText = ""
	}
	return s.synthConn
}

// TakeResumeText returns and clears the utterance interrupted by the
// last queue-preserving stop.
func (s *Session) TakeResumeText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.resumeText
	s.resumeText = ""
	return text
}

// IsSpeaking reports whether a synthesis worker is actively draining
// the queue.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSpeaking
}

// SpeakingText returns the utterance currently being synthesized, empty
// when idle.
func (s *Session) SpeakingText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakingText
}

// PendingUtterances returns a copy of the queued utterances.
func (s *Session) PendingUtterances() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.spokenQueue...)
}

// MarkSpoken records the completion time of the latest synthesis.
func (s *Session) MarkSpoken(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpeakTime = t
}

// LastSpeakTime returns the completion time of the latest synthesis.
func (s *Session) LastSpeakTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpeakTime
}

// --- External connection handles ---

// SetSynthesizer installs the synthesis handles. Passing nils clears
// them.
func (s *Session) SetSynthesizer(synth speech.Synthesizer, conn speech.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthesizer = synth
	s.synthConn = conn
	s.synthConnected = synth != nil
}

// ClearSynthesizerIf clears the synthesis handles, but only when the
// given synthesizer is still the installed one. A torn-down
// connection's disconnect callback fires asynchronously and must not
// clobber a replacement installed by a reconnect. Reports whether the
// handles were cleared.
func (s *Session) ClearSynthesizerIf(synth speech.Synthesizer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synthesizer != synth {
		return false
	}
	s.synthesizer = nil
	s.synthConn = nil
	s.synthConnected = false
	return true
}

// Synthesizer returns the synthesis handle, nil when disconnected.
func (s *Session) Synthesizer() speech.Synthesizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthesizer
}

// SynthesizerConnection returns the control channel, nil when
// disconnected.
func (s *Session) SynthesizerConnection() speech.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthConn
}

// SetSynthesizerConnected updates the connected flag from connection
// lifecycle callbacks.
func (s *Session) SetSynthesizerConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthConnected = connected
	if !connected {
		s.synthConn = nil
	}
}

// SynthesizerConnected reports whether the synthesis channel is up.
func (s *Session) SynthesizerConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthConnected
}

// SetRecognizer installs the recognition handle and stamps the pipeline
// start time. Passing nil clears it.
func (s *Session) SetRecognizer(r speech.Recognizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recognizer = r
	if r != nil {
		s.recognitionStart = time.Now()
	}
}

// Recognizer returns the recognition handle, nil when disconnected.
func (s *Session) Recognizer() speech.Recognizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recognizer
}

// RecognitionStart returns the time the recognition pipeline started.
func (s *Session) RecognitionStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recognitionStart
}

// --- Input pipeline state ---

// BufferVADAudio appends audio bytes to the VAD buffer and pops as many
// complete windows of windowBytes as are available.
func (s *Session) BufferVADAudio(data []byte, windowBytes int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vadBuffer = append(s.vadBuffer, data...)
	var windows [][]byte
	for len(s.vadBuffer) >= windowBytes {
		window := make([]byte, windowBytes)
		copy(window, s.vadBuffer[:windowBytes])
		s.vadBuffer = s.vadBuffer[windowBytes:]
		windows = append(windows, window)
	}
	return windows
}

// Registry maps client ids to sessions. Entries are created on first
// contact and removed only by an explicit release.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Create allocates a new session with a fresh id.
func (r *Registry) Create() *Session {
	s := &Session{ID: uuid.New()}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get looks up a session by id.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Remove drops the session record. The caller is responsible for
// tearing down the session's connections first.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
