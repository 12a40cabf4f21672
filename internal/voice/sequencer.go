// Package voice provides the per-session speech output sequencer: a
// FIFO of utterances drained strictly in order by a single worker.
package voice

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loosailam/ACETS/internal/bus"
	"github.com/loosailam/ACETS/internal/session"
	"github.com/loosailam/ACETS/internal/speech"
)

// Sequencer synthesizes queued utterances for each session. At most one
// worker runs per session; the claim is made atomically with the queue
// check, so concurrent Speak calls never start a second worker.
type Sequencer struct {
	registry *session.Registry
	events   *bus.EventBus
	logger   zerolog.Logger
}

// NewSequencer creates a sequencer over the given registry.
func NewSequencer(registry *session.Registry, events *bus.EventBus, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		registry: registry,
		events:   events,
		logger:   logger.With().Str("component", "sequencer").Logger(),
	}
}

// Speak appends text to the session's queue (non-empty text only) and
// starts a worker if none is active. The call returns immediately; the
// worker drains the queue in the background.
func (q *Sequencer) Speak(id uuid.UUID, text string, trailingSilenceMs int) error {
	sess, err := q.registry.Get(id)
	if err != nil {
		return err
	}

	if text != "" {
		sess.EnqueueUtterance(session.Utterance{Text: text, TrailingSilenceMs: trailingSilenceMs})
	}
	if sess.TryBeginSpeaking() {
		go q.drain(sess)
	}
	return nil
}

// drain is the worker loop: dequeue, synthesize, repeat. A stop request
// is observed at utterance boundaries. A synthesis error abandons the
// rest of the queue; the speaking flag is reset either way so a later
// Speak can start a fresh worker.
func (q *Sequencer) drain(sess *session.Session) {
	defer sess.EndSpeaking()

	q.publish(bus.EventTypeSpeakingStarted, sess.ID)
	defer q.publish(bus.EventTypeSpeakingStopped, sess.ID)

	for {
		u, ok := sess.NextUtterance()
		if !ok {
			return
		}
		if err := q.speakUtterance(sess, u); err != nil {
			q.logger.Error().Err(err).Str("sessionId", sess.ID.String()).Msg("Error speaking utterance")
			return
		}
		sess.MarkSpoken(time.Now())
	}
}

// speakUtterance wraps the text in its markup envelope and synthesizes
// it in blocking mode.
func (q *Sequencer) speakUtterance(sess *session.Session, u session.Utterance) error {
	synth := sess.Synthesizer()
	if synth == nil {
		return speech.ErrNotConnected
	}

	ttsVoice, speakerProfileID := sess.Voice()
	ssml := speech.BuildSSML(u.Text, ttsVoice, speakerProfileID, u.TrailingSilenceMs)

	result, err := synth.SpeakSSML(context.Background(), ssml)
	if err != nil {
		return err
	}
	if cerr := result.CancellationError(); cerr != nil {
		q.logger.Warn().Str("resultId", result.ResultID).Str("reason", result.CancelReason).Msg("Synthesis canceled")
		return cerr
	}
	return nil
}

// SpeakSSMLNow synthesizes a raw SSML document in fire-and-forget mode,
// bypassing the queue. Used by the one-shot speak endpoint.
func (q *Sequencer) SpeakSSMLNow(id uuid.UUID, ssml string) (string, error) {
	sess, err := q.registry.Get(id)
	if err != nil {
		return "", err
	}
	synth := sess.Synthesizer()
	if synth == nil {
		return "", speech.ErrNotConnected
	}

	result, err := synth.StartSpeakingSSML(context.Background(), ssml)
	if err != nil {
		return "", err
	}
	if cerr := result.CancellationError(); cerr != nil {
		return result.ResultID, cerr
	}
	return result.ResultID, nil
}

// Stop interrupts the session's output. The worker observes the cleared
// flag at the next utterance boundary; an in-flight synthesis call is
// not canceled locally, but an out-of-band stop is signaled on the live
// connection. Safe to call when no worker is running.
func (q *Sequencer) Stop(id uuid.UUID, preserveQueue bool) error {
	sess, err := q.registry.Get(id)
	if err != nil {
		return err
	}

	conn := sess.InterruptSpeaking(preserveQueue)
	if conn != nil {
		if err := conn.SendControl("stop"); err != nil {
			q.logger.Warn().Err(err).Str("sessionId", id.String()).Msg("Failed to send stop control")
		}
	}
	return nil
}

// Resume re-queues the utterance interrupted by the last
// queue-preserving stop, ahead of anything already queued, and
// re-triggers draining. Used after reconnection.
func (q *Sequencer) Resume(id uuid.UUID) error {
	sess, err := q.registry.Get(id)
	if err != nil {
		return err
	}

	if text := sess.TakeResumeText(); text != "" {
		sess.ReinsertUtterance(session.Utterance{Text: text})
	}
	if len(sess.PendingUtterances()) > 0 {
		return q.Speak(id, "", 0)
	}
	return nil
}

func (q *Sequencer) publish(t bus.EventType, id uuid.UUID) {
	if q.events != nil {
		q.events.Publish(bus.Event{Type: t, SessionID: id})
	}
}
