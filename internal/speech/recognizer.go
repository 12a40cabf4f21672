package speech

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RecognizerConfig configures a continuous recognition connection.
type RecognizerConfig struct {
	Region          string
	PrivateEndpoint string // https:// endpoint, optional
	SubscriptionKey string
	AuthToken       string // bearer token, used instead of the key when set
	Language        string

	Logger zerolog.Logger
}

// endpointURL resolves the websocket endpoint for continuous recognition.
func (cfg RecognizerConfig) endpointURL() string {
	var base string
	if cfg.PrivateEndpoint != "" {
		wss := strings.Replace(cfg.PrivateEndpoint, "https://", "wss://", 1)
		base = wss + "/stt/speech/universal/v2"
	} else {
		base = fmt.Sprintf("wss://%s.stt.speech.microsoft.com/speech/universal/v2", cfg.Region)
	}
	if cfg.Language != "" {
		base += "?language=" + url.QueryEscape(cfg.Language)
	}
	return base
}

// recognitionMessage is the wire format of recognition websocket
// messages, both directions.
type recognitionMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	OffsetMs   int64  `json:"offsetMs,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"errorDetails,omitempty"`
}

// PushStreamRecognizer is a websocket client for the continuous
// recognition channel of the speech service. Audio is pushed as binary
// frames; recognition events arrive as JSON text frames.
type PushStreamRecognizer struct {
	config   RecognizerConfig
	handlers RecognitionHandlers
	logger   zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	started bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPushStreamRecognizer dials the recognition endpoint.
func NewPushStreamRecognizer(ctx context.Context, cfg RecognizerConfig, handlers RecognitionHandlers) (*PushStreamRecognizer, error) {
	header := http.Header{}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	} else {
		header.Set("Ocp-Apim-Subscription-Key", cfg.SubscriptionKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.endpointURL(), header)
	if err != nil {
		if resp != nil {
			cfg.Logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Recognition websocket connection failed")
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	return &PushStreamRecognizer{
		config:   cfg,
		handlers: handlers,
		logger:   cfg.Logger.With().Str("component", "push-recognizer").Logger(),
		conn:     conn,
		closed:   make(chan struct{}),
	}, nil
}

// StartContinuous begins continuous recognition and starts dispatching
// recognizing/recognized/canceled events to the bound handlers.
func (r *PushStreamRecognizer) StartContinuous(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	if r.started {
		return nil
	}

	start := recognitionMessage{Type: "speech.startDetection"}
	if err := r.conn.WriteJSON(start); err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	r.started = true

	go r.readLoop(ctx)
	r.logger.Info().Msg("Continuous recognition started")
	return nil
}

func (r *PushStreamRecognizer) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		default:
		}

		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()
		if conn == nil {
			return
		}

		var msg recognitionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug().Msg("Recognition connection closed normally")
				return
			}
			select {
			case <-r.closed:
			default:
				r.logger.Error().Err(err).Msg("Error reading recognition message")
			}
			return
		}

		event := RecognitionEvent{
			Text:     msg.Text,
			Offset:   time.Duration(msg.OffsetMs) * time.Millisecond,
			Duration: time.Duration(msg.DurationMs) * time.Millisecond,
		}

		switch msg.Type {
		case "speech.hypothesis":
			if r.handlers.Recognizing != nil {
				r.handlers.Recognizing(event)
			}
		case "speech.phrase":
			if r.handlers.Recognized != nil {
				r.handlers.Recognized(event)
			}
		case "speech.canceled":
			r.logger.Warn().Str("reason", msg.Reason).Str("error", msg.Error).Msg("Recognition canceled")
			if r.handlers.Canceled != nil {
				r.handlers.Canceled(Cancellation{Reason: msg.Reason, ErrorDetails: msg.Error})
			}
		}
	}
}

// WriteAudio appends raw PCM bytes to the push stream.
func (r *PushStreamRecognizer) WriteAudio(data []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	return r.conn.WriteMessage(websocket.BinaryMessage, data)
}

// StopContinuous ends continuous recognition and closes the protocol
// connection. Safe to call repeatedly.
func (r *PushStreamRecognizer) StopContinuous() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return nil
	}

	stop := recognitionMessage{Type: "speech.endDetection"}
	if err := r.conn.WriteJSON(stop); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to send end detection message")
	}

	err := r.conn.Close()
	r.conn = nil
	r.started = false
	r.logger.Info().Msg("Continuous recognition stopped")
	return err
}

// Close tears down the recognizer.
func (r *PushStreamRecognizer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		err = r.StopContinuous()
	})
	return err
}
