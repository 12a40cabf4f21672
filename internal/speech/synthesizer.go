package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SynthesizerConfig configures an avatar synthesis connection.
type SynthesizerConfig struct {
	Region          string
	PrivateEndpoint string // https:// endpoint, optional
	SubscriptionKey string
	AuthToken       string // bearer token, used instead of the key when set
	// CustomVoiceEndpointID selects a custom voice deployment.
	CustomVoiceEndpointID string
	// AvatarContext is the speech.config context payload describing the
	// avatar video channel (character, style, WebRTC client description).
	AvatarContext json.RawMessage

	Logger zerolog.Logger
}

// endpointURL resolves the websocket endpoint for avatar synthesis.
func (cfg SynthesizerConfig) endpointURL() string {
	if cfg.PrivateEndpoint != "" {
		wss := strings.Replace(cfg.PrivateEndpoint, "https://", "wss://", 1)
		return wss + "/tts/cognitiveservices/websocket/v1?enableTalkingAvatar=true"
	}
	return fmt.Sprintf("wss://%s.tts.speech.microsoft.com/cognitiveservices/websocket/v1?enableTalkingAvatar=true", cfg.Region)
}

// synthMessage is the wire format of synthesis websocket messages,
// both directions.
type synthMessage struct {
	Path      string          `json:"path"`
	RequestID string          `json:"requestId,omitempty"`
	ResultID  string          `json:"resultId,omitempty"`
	SSML      string          `json:"ssml,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     string          `json:"errorDetails,omitempty"`
}

// turnStartPayload carries the handshake the client needs to complete
// its peer connection.
type turnStartPayload struct {
	WebRTC struct {
		ConnectionString string `json:"connectionString"`
	} `json:"webrtc"`
}

// AvatarSynthesizer is a websocket client for the avatar synthesis
// channel of the speech service.
type AvatarSynthesizer struct {
	config   SynthesizerConfig
	handlers ConnectionHandlers
	logger   zerolog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // guards writes and conn state

	pendingMu sync.Mutex
	pending   map[string]chan synthMessage

	remoteMu   sync.Mutex
	remoteSDP  string
	remoteOnce chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewAvatarSynthesizer dials the synthesis endpoint, sends the avatar
// configuration, and starts the receive loop. The caller still has to
// prove the channel with an initial utterance before relying on the
// remote description.
func NewAvatarSynthesizer(ctx context.Context, cfg SynthesizerConfig, handlers ConnectionHandlers) (*AvatarSynthesizer, error) {
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	} else {
		header.Set("Ocp-Apim-Subscription-Key", cfg.SubscriptionKey)
	}
	if cfg.CustomVoiceEndpointID != "" {
		header.Set("X-ConnectionId", cfg.CustomVoiceEndpointID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.endpointURL(), header)
	if err != nil {
		if resp != nil {
			cfg.Logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Synthesis websocket connection failed")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	s := &AvatarSynthesizer{
		config:     cfg,
		handlers:   handlers,
		logger:     cfg.Logger.With().Str("component", "avatar-synthesizer").Logger(),
		conn:       conn,
		pending:    make(map[string]chan synthMessage),
		remoteOnce: make(chan struct{}),
		closed:     make(chan struct{}),
	}

	if err := s.writeMessage(synthMessage{Path: "speech.config", Context: cfg.AvatarContext}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send avatar config: %w", err)
	}

	go s.readLoop()

	if handlers.OnConnected != nil {
		handlers.OnConnected()
	}
	s.logger.Info().Msg("Avatar synthesis connected")
	return s, nil
}

func (s *AvatarSynthesizer) writeMessage(msg synthMessage) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteJSON(msg)
}

// readLoop dispatches incoming messages to waiting synthesis calls and
// captures the turn-start handshake.
func (s *AvatarSynthesizer) readLoop() {
	defer s.notifyDisconnected()

	// Close nils s.conn under connMu; keep our own reference so the
	// loop reads from the connection it started with.
	conn := s.conn

	for {
		var msg synthMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("Synthesis connection closed normally")
			} else {
				select {
				case <-s.closed:
				default:
					s.logger.Error().Err(err).Msg("Error reading synthesis message")
				}
			}
			return
		}

		switch msg.Path {
		case "turn.start":
			var turn turnStartPayload
			if err := json.Unmarshal(msg.Payload, &turn); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to parse turn start payload")
				continue
			}
			s.remoteMu.Lock()
			if s.remoteSDP == "" && turn.WebRTC.ConnectionString != "" {
				s.remoteSDP = turn.WebRTC.ConnectionString
				close(s.remoteOnce)
			}
			s.remoteMu.Unlock()

		case "synthesis.started", "synthesis.completed", "synthesis.canceled":
			s.pendingMu.Lock()
			ch := s.pending[msg.RequestID]
			s.pendingMu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}
}

func (s *AvatarSynthesizer) notifyDisconnected() {
	s.connMu.Lock()
	s.conn = nil
	s.connMu.Unlock()

	// Unblock any in-flight synthesis call.
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		ch <- synthMessage{Path: "synthesis.canceled", RequestID: id, Reason: "ConnectionClosed"}
	}
	s.pendingMu.Unlock()

	if s.handlers.OnDisconnected != nil {
		s.handlers.OnDisconnected()
	}
}

// speak sends the SSML document and waits for the terminal message:
// synthesis.completed when wait is true, synthesis.started otherwise.
func (s *AvatarSynthesizer) speak(ctx context.Context, ssml string, wait bool) (SynthesisResult, error) {
	requestID := uuid.NewString()
	resultCh := make(chan synthMessage, 2)

	s.pendingMu.Lock()
	s.pending[requestID] = resultCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	if err := s.writeMessage(synthMessage{Path: "synthesis.ssml", RequestID: requestID, SSML: ssml}); err != nil {
		return SynthesisResult{}, fmt.Errorf("send ssml: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return SynthesisResult{}, ctx.Err()
		case msg := <-resultCh:
			switch msg.Path {
			case "synthesis.canceled":
				return SynthesisResult{
					ResultID:     msg.ResultID,
					Reason:       ReasonCanceled,
					CancelReason: msg.Reason,
					ErrorDetails: msg.Error,
				}, nil
			case "synthesis.started":
				if !wait {
					return SynthesisResult{ResultID: msg.ResultID, Reason: ReasonSynthesisStarted}, nil
				}
				// Keep waiting for completion.
			case "synthesis.completed":
				return SynthesisResult{ResultID: msg.ResultID, Reason: ReasonSynthesisCompleted}, nil
			}
		}
	}
}

// SpeakSSML synthesizes the document and blocks until playback completes.
func (s *AvatarSynthesizer) SpeakSSML(ctx context.Context, ssml string) (SynthesisResult, error) {
	return s.speak(ctx, ssml, true)
}

// StartSpeakingSSML returns once the service accepts the document.
func (s *AvatarSynthesizer) StartSpeakingSSML(ctx context.Context, ssml string) (SynthesisResult, error) {
	return s.speak(ctx, ssml, false)
}

// Connection returns the control channel for the live connection.
func (s *AvatarSynthesizer) Connection() Connection {
	return (*synthesizerConnection)(s)
}

// RemoteDescription returns the captured handshake payload, empty if the
// turn-start message has not arrived yet.
func (s *AvatarSynthesizer) RemoteDescription() string {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.remoteSDP
}

// WaitRemoteDescription blocks until the handshake payload arrives.
func (s *AvatarSynthesizer) WaitRemoteDescription(ctx context.Context) (string, error) {
	select {
	case <-s.remoteOnce:
		return s.RemoteDescription(), nil
	case <-s.closed:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close tears down the websocket connection.
func (s *AvatarSynthesizer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.connMu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
		s.logger.Info().Msg("Avatar synthesis closed")
	})
	return err
}

// synthesizerConnection exposes the control channel of a live
// synthesizer as a Connection.
type synthesizerConnection AvatarSynthesizer

// SendControl sends a synthesis.control message, e.g. {"action":"stop"}.
func (c *synthesizerConnection) SendControl(action string) error {
	payload, _ := json.Marshal(map[string]string{"action": action})
	return (*AvatarSynthesizer)(c).writeMessage(synthMessage{Path: "synthesis.control", Payload: payload})
}

func (c *synthesizerConnection) Close() error {
	return (*AvatarSynthesizer)(c).Close()
}
