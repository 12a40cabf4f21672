package voice

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
)

// fakeSynthesizer records synthesized documents and can gate each call
// so tests control when synthesis completes.
type fakeSynthesizer struct {
	mu     sync.Mutex
	spoken []string

	// gate, when non-nil, is received from once per SpeakSSML call.
	gate chan struct{}

	inFlight    int32
	maxInFlight int32

	controls []string
}

func (f *fakeSynthesizer) SpeakSSML(ctx context.Context, ssml string) (speech.SynthesisResult, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.spoken = append(f.spoken, ssml)
	f.mu.Unlock()
	return speech.SynthesisResult{ResultID: "result", Reason: speech.ReasonSynthesisCompleted}, nil
}

func (f *fakeSynthesizer) StartSpeakingSSML(ctx context.Context, ssml string) (speech.SynthesisResult, error) {
	f.mu.Lock()
	f.spoken = append(f.spoken, ssml)
	f.mu.Unlock()
	return speech.SynthesisResult{ResultID: "result", Reason: speech.ReasonSynthesisStarted}, nil
}

func (f *fakeSynthesizer) Connection() speech.Connection { return (*fakeConnection)(f) }

func (f *fakeSynthesizer) RemoteDescription() string { return "remote-sdp" }

func (f *fakeSynthesizer) WaitRemoteDescription(ctx context.Context) (string, error) {
	return "remote-sdp", nil
}

func (f *fakeSynthesizer) Close() error { return nil }

func (f *fakeSynthesizer) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type fakeConnection fakeSynthesizer

func (c *fakeConnection) SendControl(action string) error {
	f := (*fakeSynthesizer)(c)
	f.mu.Lock()
	f.controls = append(f.controls, action)
	f.mu.Unlock()
	return nil
}

func (c *fakeConnection) Close() error { return nil }

func newTestSequencer(t *testing.T) (*Sequencer, *session.Session, *fakeSynthesizer) {
	t.Helper()
	registry := session.NewRegistry()
	sess := registry.Create()
	sess.SetVoice("en-US-EmmaMultilingualNeural", "", "")

	synth := &fakeSynthesizer{}
	sess.SetSynthesizer(synth, synth.Connection())

	seq := NewSequencer(registry, bus.NewEventBus(), zerolog.Nop())
	return seq, sess, synth
}

func waitIdle(t *testing.T, sess *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !sess.IsSpeaking() },
		2*time.Second, 5*time.Millisecond, "worker should drain and stop")
}

func TestSpeak_DrainsInOrder(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	require.NoError(t, seq.Speak(sess.ID, "first", 0))
	require.NoError(t, seq.Speak(sess.ID, "second", 0))
	require.NoError(t, seq.Speak(sess.ID, "third", 0))
	waitIdle(t, sess)

	spoken := synth.spokenTexts()
	require.Len(t, spoken, 3)
	assert.Contains(t, spoken[0], "first")
	assert.Contains(t, spoken[1], "second")
	assert.Contains(t, spoken[2], "third")
}

func TestSpeak_RecordsCompletionTime(t *testing.T) {
	seq, sess, _ := newTestSequencer(t)

	assert.True(t, sess.LastSpeakTime().IsZero())
	before := time.Now()
	require.NoError(t, seq.Speak(sess.ID, "good evening", 0))
	waitIdle(t, sess)

	last := sess.LastSpeakTime()
	assert.False(t, last.Before(before), "completion time stamps after synthesis")
}

func TestSpeak_ConcurrentCallsSingleWorker(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			seq.Speak(sess.ID, fmt.Sprintf("utterance %d", n), 0)
		}(i)
	}
	wg.Wait()
	waitIdle(t, sess)

	assert.Len(t, synth.spokenTexts(), 20)
	assert.Equal(t, int32(1), atomic.LoadInt32(&synth.maxInFlight),
		"at most one synthesis call in flight")
}

func TestSpeak_EmptyTextOnlyTriggersDrain(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	require.NoError(t, seq.Speak(sess.ID, "", 0))
	waitIdle(t, sess)
	assert.Empty(t, synth.spokenTexts())
}

func TestSpeak_TrailingSilenceAppliesPerUtterance(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	require.NoError(t, seq.Speak(sess.ID, "quick reply", 2000))
	require.NoError(t, seq.Speak(sess.ID, "answer", 0))
	waitIdle(t, sess)

	spoken := synth.spokenTexts()
	require.Len(t, spoken, 2)
	assert.Contains(t, spoken[0], "<break time='2000ms'/>")
	assert.NotContains(t, spoken[1], "<break")
}

func TestStop_ClearsQueueAndSignalsConnection(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)
	synth.gate = make(chan struct{})

	require.NoError(t, seq.Speak(sess.ID, "in flight", 0))
	require.NoError(t, seq.Speak(sess.ID, "never spoken", 0))

	// The worker is now blocked inside synthesis of the first
	// utterance.
	require.Eventually(t, func() bool { return sess.SpeakingText() == "in flight" },
		time.Second, 5*time.Millisecond)

	require.NoError(t, seq.Stop(sess.ID, false))
	synth.gate <- struct{}{}
	waitIdle(t, sess)

	spoken := synth.spokenTexts()
	require.Len(t, spoken, 1)
	assert.Contains(t, spoken[0], "in flight")
	assert.Empty(t, sess.PendingUtterances())
	assert.Equal(t, []string{"stop"}, synth.controls)
}

func TestStop_PreserveThenResumeReplaysInterrupted(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)
	gate := make(chan struct{}, 8)
	synth.gate = gate

	require.NoError(t, seq.Speak(sess.ID, "alpha", 0))
	require.NoError(t, seq.Speak(sess.ID, "beta", 0))

	require.Eventually(t, func() bool { return sess.SpeakingText() == "alpha" },
		time.Second, 5*time.Millisecond)

	// Reconnect-style stop: queue survives, the interrupted utterance
	// is remembered.
	require.NoError(t, seq.Stop(sess.ID, true))
	gate <- struct{}{}
	waitIdle(t, sess)

	require.Equal(t, []session.Utterance{{Text: "beta"}}, sess.PendingUtterances())

	gate <- struct{}{}
	gate <- struct{}{}
	require.NoError(t, seq.Resume(sess.ID))
	waitIdle(t, sess)

	var texts []string
	for _, ssml := range synth.spokenTexts() {
		texts = append(texts, ssml)
	}
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "alpha")
	assert.Contains(t, texts[1], "alpha", "interrupted utterance replays first")
	assert.Contains(t, texts[2], "beta")
}

func TestResume_NoopWhenNothingPending(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	require.NoError(t, seq.Resume(sess.ID))
	waitIdle(t, sess)
	assert.Empty(t, synth.spokenTexts())
}

func TestSpeak_UnknownSession(t *testing.T) {
	seq := NewSequencer(session.NewRegistry(), bus.NewEventBus(), zerolog.Nop())
	err := seq.Speak(uuid.New(), "text", 0)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestSpeakSSMLNow_RequiresSynthesizer(t *testing.T) {
	registry := session.NewRegistry()
	sess := registry.Create()
	seq := NewSequencer(registry, bus.NewEventBus(), zerolog.Nop())

	_, err := seq.SpeakSSMLNow(sess.ID, "<speak/>")
	assert.ErrorIs(t, err, speech.ErrNotConnected)
}

func TestSpeakSSMLNow_PassesDocumentThrough(t *testing.T) {
	seq, sess, synth := newTestSequencer(t)

	doc := "<speak version='1.0'>raw</speak>"
	resultID, err := seq.SpeakSSMLNow(sess.ID, doc)
	require.NoError(t, err)
	assert.Equal(t, "result", resultID)

	spoken := synth.spokenTexts()
	require.Len(t, spoken, 1)
	assert.True(t, strings.Contains(spoken[0], "raw"))
}
