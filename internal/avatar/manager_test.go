package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loosailam/ACETS/internal/audio"
	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/chat"
	"github.com/loosailam/ACETS/internal/config"
	"github.com/loosailam/ACETS/internal/openai"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
	"github.com/loosailam/ACETS/internal/voice"
)

// managedSynth is a synthesizer whose Close fires the connection's
// disconnect callback a beat later, the way the real read loop reports
// a closed websocket.
type managedSynth struct {
	handlers speech.ConnectionHandlers

	mu       sync.Mutex
	spoken   []string
	controls []string
	closed   bool

	speakResult speech.SynthesisResult
}

func newManagedSynth(handlers speech.ConnectionHandlers) *managedSynth {
	return &managedSynth{
		handlers:    handlers,
		speakResult: speech.SynthesisResult{ResultID: "result", Reason: speech.ReasonSynthesisCompleted},
	}
}

func (m *managedSynth) SpeakSSML(ctx context.Context, ssml string) (speech.SynthesisResult, error) {
	m.mu.Lock()
	m.spoken = append(m.spoken, ssml)
	m.mu.Unlock()
	return m.speakResult, nil
}

func (m *managedSynth) StartSpeakingSSML(ctx context.Context, ssml string) (speech.SynthesisResult, error) {
	return m.SpeakSSML(ctx, ssml)
}

func (m *managedSynth) Connection() speech.Connection { return (*managedConn)(m) }

func (m *managedSynth) RemoteDescription() string { return "remote-sdp" }

func (m *managedSynth) WaitRemoteDescription(ctx context.Context) (string, error) {
	return "remote-sdp", nil
}

func (m *managedSynth) Close() error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()
	if already {
		return nil
	}
	if m.handlers.OnDisconnected != nil {
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.handlers.OnDisconnected()
		}()
	}
	return nil
}

func (m *managedSynth) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type managedConn managedSynth

func (c *managedConn) SendControl(action string) error {
	m := (*managedSynth)(c)
	m.mu.Lock()
	m.controls = append(m.controls, action)
	m.mu.Unlock()
	return nil
}

func (c *managedConn) Close() error { return nil }

// synthFactoryStub creates managedSynth instances and records the
// configuration each connection was opened with.
type synthFactoryStub struct {
	mu      sync.Mutex
	created []*managedSynth
	cfgs    []speech.SynthesizerConfig

	err         error
	speakResult *speech.SynthesisResult
}

func (f *synthFactoryStub) factory(ctx context.Context, cfg speech.SynthesizerConfig, handlers speech.ConnectionHandlers) (speech.Synthesizer, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := newManagedSynth(handlers)
	if f.speakResult != nil {
		s.speakResult = *f.speakResult
	}
	f.mu.Lock()
	f.created = append(f.created, s)
	f.cfgs = append(f.cfgs, cfg)
	f.mu.Unlock()
	return s, nil
}

func (f *synthFactoryStub) synth(i int) *managedSynth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func (f *synthFactoryStub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type managedRecognizer struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (r *managedRecognizer) WriteAudio([]byte) error { return nil }

func (r *managedRecognizer) StartContinuous(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	return nil
}

func (r *managedRecognizer) StopContinuous() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
	return nil
}

func (r *managedRecognizer) Close() error { return nil }

func (r *managedRecognizer) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type silentStreamer struct{}

func (silentStreamer) StreamCompletion(ctx context.Context, messages []openai.ChatMessage, dataSources []openai.DataSource, handler func(token string)) error {
	return nil
}

// eventCounter tallies bus events by type.
type eventCounter struct {
	mu     sync.Mutex
	counts map[bus.EventType]int
}

func (c *eventCounter) record(ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[ev.Type]++
}

func (c *eventCounter) count(t bus.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

func newTestManager(t *testing.T, synths *synthFactoryStub, rec *managedRecognizer) (*Manager, *session.Registry, *eventCounter) {
	t.Helper()
	registry := session.NewRegistry()
	events := bus.NewEventBus()
	counter := &eventCounter{counts: make(map[bus.EventType]int)}
	events.SubscribeAll(counter.record)

	sequencer := voice.NewSequencer(registry, events, zerolog.Nop())
	engine := chat.NewEngine(registry, silentStreamer{}, sequencer, chat.Config{}, zerolog.Nop())
	startChat := func(*session.Session) error { return nil }
	pipeline := audio.NewPipeline(registry, events, engine, sequencer, startChat,
		false, audio.DetectorConfig{}, "", zerolog.Nop())

	recFactory := func(ctx context.Context, cfg speech.RecognizerConfig, handlers speech.RecognitionHandlers) (speech.Recognizer, error) {
		return rec, nil
	}

	m := NewManager(registry, events, sequencer, pipeline,
		config.SpeechConfig{Region: "eastus", Key: "subscription-key"},
		config.ICEConfig{ServerURL: "turn:relay.example.net:3478", Username: "relay-user", Password: "relay-pass"},
		nil, nil, synths.factory, recFactory, zerolog.Nop())
	return m, registry, counter
}

func connectParams() ConnectParams {
	return ConnectParams{
		LocalSDP:        "v=0 local-offer",
		AvatarCharacter: "lisa",
		AvatarStyle:     "casual-sitting",
		TTSVoice:        "en-US-AvaMultilingualNeural",
	}
}

func TestConnectAvatar_EstablishesSession(t *testing.T) {
	synths := &synthFactoryStub{}
	m, registry, counter := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	sdp, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.NoError(t, err)
	assert.Equal(t, "remote-sdp", sdp)

	assert.True(t, sess.SynthesizerConnected())
	assert.NotNil(t, sess.SynthesizerConnection())
	assert.Equal(t, 1, counter.count(bus.EventTypeSynthesizerConnected))

	require.Equal(t, 1, synths.count())
	cfg := synths.cfgs[0]
	assert.Equal(t, "eastus", cfg.Region)

	var avatarCtx struct {
		Synthesis struct {
			Video struct {
				Protocol struct {
					WebRTCConfig struct {
						ClientDescription string `json:"clientDescription"`
					} `json:"webrtcConfig"`
				} `json:"protocol"`
				TalkingAvatar struct {
					Character string `json:"character"`
				} `json:"talkingAvatar"`
			} `json:"video"`
		} `json:"synthesis"`
	}
	require.NoError(t, json.Unmarshal(cfg.AvatarContext, &avatarCtx))
	assert.Equal(t, "v=0 local-offer", avatarCtx.Synthesis.Video.Protocol.WebRTCConfig.ClientDescription)
	assert.Equal(t, "lisa", avatarCtx.Synthesis.Video.TalkingAvatar.Character)
}

func TestConnectAvatar_UsesSessionVoiceEndpoint(t *testing.T) {
	synths := &synthFactoryStub{}
	m, registry, _ := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	p := connectParams()
	p.CustomVoiceEndpointID = "deployment-42"
	_, err := m.ConnectAvatar(context.Background(), sess.ID, p)
	require.NoError(t, err)

	assert.Equal(t, "deployment-42", sess.CustomVoiceEndpointID())
	assert.Equal(t, "deployment-42", synths.cfgs[0].CustomVoiceEndpointID)
}

func TestConnectAvatar_StaleDisconnectKeepsReconnectedSession(t *testing.T) {
	synths := &synthFactoryStub{}
	m, registry, counter := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	_, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.NoError(t, err)

	p := connectParams()
	p.IsReconnecting = true
	_, err = m.ConnectAvatar(context.Background(), sess.ID, p)
	require.NoError(t, err)
	require.Equal(t, 2, synths.count())
	assert.True(t, synths.synth(0).isClosed())

	// The first connection's disconnect callback fires after the
	// reconnect completed. It must not mark the new connection down or
	// drop the live control channel.
	assert.Never(t, func() bool {
		return !sess.SynthesizerConnected() || sess.SynthesizerConnection() == nil
	}, 200*time.Millisecond, 10*time.Millisecond)

	// Only the explicit teardown reports a disconnect.
	assert.Equal(t, 1, counter.count(bus.EventTypeSynthesizerDisconnected))
	assert.Same(t, synths.synth(1), sess.Synthesizer().(*managedSynth))
}

func TestConnectAvatar_FactoryErrorLeavesSessionDisconnected(t *testing.T) {
	synths := &synthFactoryStub{err: errors.New("dial refused")}
	m, registry, _ := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	_, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.Error(t, err)
	assert.False(t, sess.SynthesizerConnected())
	assert.Nil(t, sess.Synthesizer())
}

func TestConnectAvatar_HandshakeCancellationTearsDown(t *testing.T) {
	synths := &synthFactoryStub{speakResult: &speech.SynthesisResult{
		Reason:       speech.ReasonCanceled,
		CancelReason: "Error",
		ErrorDetails: "connection rejected",
	}}
	m, registry, _ := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	_, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.ErrorIs(t, err, speech.ErrCanceled)
	assert.True(t, synths.synth(0).isClosed())
	assert.False(t, sess.SynthesizerConnected())
	assert.Nil(t, sess.SynthesizerConnection())
}

func TestConnectAvatar_ReconnectPreservesQueue(t *testing.T) {
	synths := &synthFactoryStub{}
	m, registry, _ := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()
	sess.EnqueueUtterance(session.Utterance{Text: "pending line"})

	p := connectParams()
	p.IsReconnecting = true
	_, err := m.ConnectAvatar(context.Background(), sess.ID, p)
	require.NoError(t, err)

	assert.Equal(t, []session.Utterance{{Text: "pending line"}}, sess.PendingUtterances())
}

func TestDisconnectAvatar_ClearsSessionOnce(t *testing.T) {
	synths := &synthFactoryStub{}
	m, registry, counter := newTestManager(t, synths, &managedRecognizer{})
	sess := registry.Create()

	_, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.NoError(t, err)

	require.NoError(t, m.DisconnectAvatar(sess.ID, false))
	assert.False(t, sess.SynthesizerConnected())
	assert.Nil(t, sess.Synthesizer())
	assert.True(t, synths.synth(0).isClosed())

	// The connection's own delayed callback does not double-report.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, counter.count(bus.EventTypeSynthesizerDisconnected))

	// A second disconnect with nothing connected is a no-op.
	require.NoError(t, m.DisconnectAvatar(sess.ID, false))
	assert.Equal(t, 1, counter.count(bus.EventTypeSynthesizerDisconnected))
}

func TestConnectRecognizer_StartsContinuous(t *testing.T) {
	rec := &managedRecognizer{}
	m, registry, counter := newTestManager(t, &synthFactoryStub{}, rec)
	sess := registry.Create()

	require.NoError(t, m.ConnectRecognizer(context.Background(), sess.ID))
	assert.NotNil(t, sess.Recognizer())
	assert.Equal(t, 1, counter.count(bus.EventTypeRecognizerListening))
}

func TestDisconnectRecognizer_Idempotent(t *testing.T) {
	rec := &managedRecognizer{}
	m, registry, _ := newTestManager(t, &synthFactoryStub{}, rec)
	sess := registry.Create()

	require.NoError(t, m.ConnectRecognizer(context.Background(), sess.ID))
	require.NoError(t, m.DisconnectRecognizer(sess.ID))
	require.NoError(t, m.DisconnectRecognizer(sess.ID))

	assert.Equal(t, 1, rec.stopCount())
	assert.Nil(t, sess.Recognizer())
}

func TestRelease_TearsDownAndForgets(t *testing.T) {
	synths := &synthFactoryStub{}
	rec := &managedRecognizer{}
	m, registry, _ := newTestManager(t, synths, rec)
	sess := registry.Create()

	_, err := m.ConnectAvatar(context.Background(), sess.ID, connectParams())
	require.NoError(t, err)
	require.NoError(t, m.ConnectRecognizer(context.Background(), sess.ID))

	require.NoError(t, m.Release(sess.ID))
	assert.True(t, synths.synth(0).isClosed())
	assert.Equal(t, 1, rec.stopCount())
	_, err = registry.Get(sess.ID)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestIceTokenJSON_ConfiguredRelay(t *testing.T) {
	m, _, _ := newTestManager(t, &synthFactoryStub{}, &managedRecognizer{})

	doc, err := m.IceTokenJSON()
	require.NoError(t, err)

	var tok relayToken
	require.NoError(t, json.Unmarshal([]byte(doc), &tok))
	assert.Equal(t, []string{"turn:relay.example.net:3478"}, tok.Urls)
	assert.Equal(t, "relay-user", tok.Username)
	assert.Equal(t, "relay-pass", tok.Password)
}

func TestIceTokenJSON_NoSource(t *testing.T) {
	registry := session.NewRegistry()
	events := bus.NewEventBus()
	sequencer := voice.NewSequencer(registry, events, zerolog.Nop())
	engine := chat.NewEngine(registry, silentStreamer{}, sequencer, chat.Config{}, zerolog.Nop())
	pipeline := audio.NewPipeline(registry, events, engine, sequencer,
		func(*session.Session) error { return nil }, false, audio.DetectorConfig{}, "", zerolog.Nop())

	m := NewManager(registry, events, sequencer, pipeline,
		config.SpeechConfig{Region: "eastus"}, config.ICEConfig{},
		nil, nil, (&synthFactoryStub{}).factory, nil, zerolog.Nop())

	_, err := m.IceTokenJSON()
	assert.Error(t, err)
}
