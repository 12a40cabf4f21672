// Package avatar manages the lifecycle of per-session speech
// connections: the avatar synthesis channel and the continuous
// recognition channel.
package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loosailam/ACETS/internal/audio"
	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/config"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
	"github.com/loosailam/ACETS/internal/token"
	"github.com/loosailam/ACETS/internal/voice"
)

// drainGrace is how long a disconnect waits for the output worker to
// observe the stop flag before the underlying connection is closed.
const drainGrace = 2 * time.Second

// ConnectParams carries the per-connection negotiation inputs: the
// browser's WebRTC offer plus the avatar appearance resolved from the
// active scenario.
type ConnectParams struct {
	IsReconnecting bool
	// LocalSDP is the client's WebRTC offer, relayed to the synthesis
	// service which answers with the remote description.
	LocalSDP string

	AvatarCharacter string
	AvatarStyle     string

	TTSVoice              string
	SpeakerProfileID      string
	CustomVoiceEndpointID string

	BackgroundColor       string
	BackgroundImageURL    string
	TransparentBackground bool
	VideoCrop             bool
}

// Avatar context wire format, sent as the speech.config context of the
// synthesis connection.
type avatarContext struct {
	Synthesis synthesisSection `json:"synthesis"`
}

type synthesisSection struct {
	Video videoSection `json:"video"`
}

type videoSection struct {
	Protocol      protocolSection      `json:"protocol"`
	Format        formatSection        `json:"format"`
	TalkingAvatar talkingAvatarSection `json:"talkingAvatar"`
}

type protocolSection struct {
	Name         string        `json:"name"`
	WebRTCConfig webRTCSection `json:"webrtcConfig"`
}

type webRTCSection struct {
	ClientDescription string      `json:"clientDescription"`
	IceServers        []iceServer `json:"iceServers"`
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type formatSection struct {
	Crop    cropSection `json:"crop"`
	Bitrate int         `json:"bitrate"`
}

type cropSection struct {
	TopLeft     point `json:"topLeft"`
	BottomRight point `json:"bottomRight"`
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type talkingAvatarSection struct {
	Customized bool              `json:"customized"`
	Character  string            `json:"character"`
	Style      string            `json:"style"`
	Background backgroundSection `json:"background"`
}

type backgroundSection struct {
	Color string       `json:"color"`
	Image imageSection `json:"image"`
}

type imageSection struct {
	URL string `json:"url"`
}

// relayToken is the relay token service's response document, also the
// document served to clients from the ICE token endpoint.
type relayToken struct {
	Urls     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// Manager opens, reconnects, and tears down speech connections for
// sessions.
type Manager struct {
	registry  *session.Registry
	events    *bus.EventBus
	sequencer *voice.Sequencer
	pipeline  *audio.Pipeline

	speechCfg config.SpeechConfig
	iceCfg    config.ICEConfig

	// speechToken is nil unless token auth is enabled.
	speechToken *token.Refresher
	iceToken    *token.Refresher

	synthFactory speech.SynthesizerFactory
	recFactory   speech.RecognizerFactory

	logger zerolog.Logger
}

// NewManager creates a connection manager. speechToken may be nil when
// subscription key auth is used.
func NewManager(registry *session.Registry, events *bus.EventBus, sequencer *voice.Sequencer, pipeline *audio.Pipeline, speechCfg config.SpeechConfig, iceCfg config.ICEConfig, speechToken, iceToken *token.Refresher, synthFactory speech.SynthesizerFactory, recFactory speech.RecognizerFactory, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:     registry,
		events:       events,
		sequencer:    sequencer,
		pipeline:     pipeline,
		speechCfg:    speechCfg,
		iceCfg:       iceCfg,
		speechToken:  speechToken,
		iceToken:     iceToken,
		synthFactory: synthFactory,
		recFactory:   recFactory,
		logger:       logger.With().Str("component", "avatar-manager").Logger(),
	}
}

// ConnectAvatar opens the synthesis connection for the session and
// returns the remote description the browser needs to complete its
// peer connection. An existing connection is torn down first; on a
// reconnect the pending utterance queue survives so playback can be
// resumed.
func (m *Manager) ConnectAvatar(ctx context.Context, id uuid.UUID, p ConnectParams) (string, error) {
	sess, err := m.registry.Get(id)
	if err != nil {
		return "", err
	}

	m.disconnectAvatar(sess, p.IsReconnecting)

	sess.SetVoice(p.TTSVoice, p.SpeakerProfileID, p.CustomVoiceEndpointID)

	authToken, err := m.authToken(ctx)
	if err != nil {
		return "", err
	}

	contextJSON, err := m.buildAvatarContext(p)
	if err != nil {
		return "", err
	}

	// The disconnect callback can fire well after this connection has
	// been replaced by a reconnect. It captures its own synthesizer,
	// assigned once the factory returns, and clears the session handles
	// only when they still belong to it.
	var (
		ownMu   sync.Mutex
		ownSynt speech.Synthesizer
	)
	handlers := speech.ConnectionHandlers{
		OnConnected: func() {
			m.logger.Info().Str("sessionId", id.String()).Msg("Avatar synthesis connected")
		},
		OnDisconnected: func() {
			ownMu.Lock()
			own := ownSynt
			ownMu.Unlock()
			if own == nil || !sess.ClearSynthesizerIf(own) {
				return
			}
			m.logger.Info().Str("sessionId", id.String()).Msg("Avatar synthesis disconnected")
			m.events.Publish(bus.Event{Type: bus.EventTypeSynthesizerDisconnected, SessionID: id})
		},
	}

	synth, err := m.synthFactory(ctx, speech.SynthesizerConfig{
		Region:                m.speechCfg.Region,
		PrivateEndpoint:       m.speechCfg.PrivateEndpoint,
		SubscriptionKey:       m.speechCfg.Key,
		AuthToken:             authToken,
		CustomVoiceEndpointID: sess.CustomVoiceEndpointID(),
		AvatarContext:         contextJSON,
		Logger:                m.logger,
	}, handlers)
	if err != nil {
		return "", fmt.Errorf("connect avatar: %w", err)
	}
	ownMu.Lock()
	ownSynt = synth
	ownMu.Unlock()

	sess.SetSynthesizer(synth, synth.Connection())
	sess.SetSynthesizerConnected(true)
	m.events.Publish(bus.Event{Type: bus.EventTypeSynthesizerConnected, SessionID: id})

	// An empty utterance proves the channel and triggers the turn-start
	// handshake that carries the remote description.
	voiceName, profileID := sess.Voice()
	result, err := synth.SpeakSSML(ctx, speech.BuildSSML("", voiceName, profileID, 0))
	if err == nil {
		err = result.CancellationError()
	}
	if err != nil {
		sess.ClearSynthesizerIf(synth)
		synth.Close()
		return "", fmt.Errorf("avatar connection check: %w", err)
	}

	remoteSDP, err := synth.WaitRemoteDescription(ctx)
	if err != nil {
		sess.ClearSynthesizerIf(synth)
		synth.Close()
		return "", fmt.Errorf("wait remote description: %w", err)
	}
	return remoteSDP, nil
}

// DisconnectAvatar tears down the session's synthesis connection. When
// reconnecting, the pending utterance queue and the interrupted
// utterance are preserved for resumption.
func (m *Manager) DisconnectAvatar(id uuid.UUID, isReconnecting bool) error {
	sess, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	m.disconnectAvatar(sess, isReconnecting)
	return nil
}

func (m *Manager) disconnectAvatar(sess *session.Session, isReconnecting bool) {
	if err := m.sequencer.Stop(sess.ID, isReconnecting); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to stop speaking before disconnect")
	}
	// Let the output worker observe the stop before the connection
	// goes away under it.
	if sess.IsSpeaking() {
		time.Sleep(drainGrace)
	}
	synth := sess.Synthesizer()
	if synth == nil {
		return
	}
	// Clear the handles before closing so the connection's own
	// disconnect callback finds nothing left to clear.
	sess.ClearSynthesizerIf(synth)
	synth.Close()
	m.events.Publish(bus.Event{Type: bus.EventTypeSynthesizerDisconnected, SessionID: sess.ID})
}

// ConnectRecognizer opens the continuous recognition connection and
// starts streaming recognition events into the input pipeline. An
// existing recognizer is torn down first.
func (m *Manager) ConnectRecognizer(ctx context.Context, id uuid.UUID) error {
	sess, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	m.disconnectRecognizer(sess)

	authToken, err := m.authToken(ctx)
	if err != nil {
		return err
	}

	rec, err := m.recFactory(ctx, speech.RecognizerConfig{
		Region:          m.speechCfg.Region,
		PrivateEndpoint: m.speechCfg.PrivateEndpoint,
		SubscriptionKey: m.speechCfg.Key,
		AuthToken:       authToken,
		Language:        m.speechCfg.Language,
		Logger:          m.logger,
	}, m.pipeline.Handlers(id))
	if err != nil {
		return fmt.Errorf("connect recognizer: %w", err)
	}

	if err := rec.StartContinuous(ctx); err != nil {
		rec.Close()
		return fmt.Errorf("start recognition: %w", err)
	}

	sess.SetRecognizer(rec)
	m.events.Publish(bus.Event{Type: bus.EventTypeRecognizerListening, SessionID: id})
	return nil
}

// DisconnectRecognizer stops continuous recognition for the session.
// Safe to call when no recognizer is connected.
func (m *Manager) DisconnectRecognizer(id uuid.UUID) error {
	sess, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	m.disconnectRecognizer(sess)
	return nil
}

func (m *Manager) disconnectRecognizer(sess *session.Session) {
	rec := sess.Recognizer()
	if rec == nil {
		return
	}
	if err := rec.StopContinuous(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to stop recognition")
	}
	rec.Close()
	sess.SetRecognizer(nil)
	m.events.Publish(bus.Event{Type: bus.EventTypeRecognizerStopped, SessionID: sess.ID})
}

// Release tears down all connections for the session and removes it
// from the registry.
func (m *Manager) Release(id uuid.UUID) error {
	sess, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	m.disconnectAvatar(sess, false)
	m.disconnectRecognizer(sess)
	m.pipeline.Release(id)
	m.registry.Remove(id)
	m.logger.Info().Str("sessionId", id.String()).Msg("Session released")
	return nil
}

// IceTokenJSON returns the relay token document to hand to clients:
// the configured override when one is set, otherwise the cached token
// from the relay token service.
func (m *Manager) IceTokenJSON() (string, error) {
	if m.iceCfg.ServerURL != "" && m.iceCfg.Username != "" && m.iceCfg.Password != "" {
		doc, err := json.Marshal(relayToken{
			Urls:     []string{m.iceCfg.ServerURL},
			Username: m.iceCfg.Username,
			Password: m.iceCfg.Password,
		})
		if err != nil {
			return "", err
		}
		return string(doc), nil
	}
	if m.iceToken == nil {
		return "", fmt.Errorf("no relay token available")
	}
	return m.iceToken.Current(), nil
}

// authToken resolves the bearer token for speech connections, waiting
// for the first refresh when token auth is enabled. Returns empty when
// subscription key auth is in use.
func (m *Manager) authToken(ctx context.Context) (string, error) {
	if !m.speechCfg.EnableTokenAuth || m.speechToken == nil {
		return "", nil
	}
	tok, err := m.speechToken.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("speech token: %w", err)
	}
	return tok, nil
}

// buildAvatarContext assembles the synthesis-side avatar configuration
// from the connection parameters and the current relay token.
func (m *Manager) buildAvatarContext(p ConnectParams) (json.RawMessage, error) {
	ice, err := m.resolveIceServer()
	if err != nil {
		return nil, err
	}

	backgroundColor := p.BackgroundColor
	if backgroundColor == "" {
		backgroundColor = "#FFFFFFFF"
	}
	if p.TransparentBackground {
		// Chroma key green; the client keys it out.
		backgroundColor = "#00FF00FF"
	}

	crop := cropSection{
		TopLeft:     point{X: 0, Y: 0},
		BottomRight: point{X: 1920, Y: 1080},
	}
	if p.VideoCrop {
		crop.TopLeft.X = 600
		crop.BottomRight.X = 1320
	}

	ctx := avatarContext{
		Synthesis: synthesisSection{
			Video: videoSection{
				Protocol: protocolSection{
					Name: "WebRTC",
					WebRTCConfig: webRTCSection{
						ClientDescription: p.LocalSDP,
						IceServers:        []iceServer{ice},
					},
				},
				Format: formatSection{
					Crop:    crop,
					Bitrate: 1000000,
				},
				TalkingAvatar: talkingAvatarSection{
					Customized: m.speechCfg.IsCustomAvatar,
					Character:  p.AvatarCharacter,
					Style:      p.AvatarStyle,
					Background: backgroundSection{
						Color: backgroundColor,
						Image: imageSection{URL: p.BackgroundImageURL},
					},
				},
			},
		},
	}
	return json.Marshal(ctx)
}

// resolveIceServer picks the relay server for the synthesis service
// side. A configured override wins; the remote URL variant applies
// when the service should reach the relay over a different address
// than clients do.
func (m *Manager) resolveIceServer() (iceServer, error) {
	if m.iceCfg.ServerURL != "" && m.iceCfg.Username != "" && m.iceCfg.Password != "" {
		url := m.iceCfg.ServerURL
		if m.iceCfg.ServerURLRemote != "" {
			url = m.iceCfg.ServerURLRemote
		}
		return iceServer{URLs: []string{url}, Username: m.iceCfg.Username, Credential: m.iceCfg.Password}, nil
	}

	if m.iceToken == nil {
		return iceServer{}, fmt.Errorf("no relay token available")
	}
	var tok relayToken
	if err := json.Unmarshal([]byte(m.iceToken.Current()), &tok); err != nil {
		return iceServer{}, fmt.Errorf("parse relay token: %w", err)
	}
	if len(tok.Urls) == 0 {
		return iceServer{}, fmt.Errorf("relay token has no server urls")
	}
	return iceServer{URLs: tok.Urls[:1], Username: tok.Username, Credential: tok.Password}, nil
}
