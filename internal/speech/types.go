// Package speech provides streaming clients for the external speech
// service: avatar synthesis over one websocket, continuous recognition
// over another.
package speech

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("speech connection not established")
	ErrCanceled     = errors.New("speech operation canceled by service")
)

// ResultReason classifies a synthesis outcome.
type ResultReason int

const (
	ReasonSynthesisCompleted ResultReason = iota
	ReasonSynthesisStarted
	ReasonCanceled
)

// SynthesisResult is returned by both synthesis modes.
type SynthesisResult struct {
	ResultID     string
	Reason       ResultReason
	CancelReason string
	ErrorDetails string
}

// CancellationError translates a canceled result into a local error,
// or returns nil for a successful result.
func (r SynthesisResult) CancellationError() error {
	if r.Reason != ReasonCanceled {
		return nil
	}
	if r.ErrorDetails != "" {
		return fmt.Errorf("%w: %s: %s", ErrCanceled, r.CancelReason, r.ErrorDetails)
	}
	return fmt.Errorf("%w: %s", ErrCanceled, r.CancelReason)
}

// ConnectionHandlers receive synthesis connection lifecycle events.
type ConnectionHandlers struct {
	OnConnected    func()
	OnDisconnected func()
}

// Connection is the auxiliary control channel of a live synthesis
// connection.
type Connection interface {
	// SendControl sends an out-of-band control message, e.g. "stop".
	SendControl(action string) error
	Close() error
}

// Synthesizer converts SSML documents to avatar speech.
type Synthesizer interface {
	// SpeakSSML synthesizes the document and blocks until playback of
	// the utterance has completed on the avatar stream.
	SpeakSSML(ctx context.Context, ssml string) (SynthesisResult, error)

	// StartSpeakingSSML returns as soon as the service has accepted the
	// document, without waiting for playback to finish.
	StartSpeakingSSML(ctx context.Context, ssml string) (SynthesisResult, error)

	// Connection returns the control channel, or nil before connect.
	Connection() Connection

	// RemoteDescription returns the connection handshake payload the
	// client needs to complete its peer connection, empty if it has
	// not arrived yet.
	RemoteDescription() string

	// WaitRemoteDescription blocks until the handshake payload arrives
	// or the connection closes.
	WaitRemoteDescription(ctx context.Context) (string, error)

	Close() error
}

// RecognitionEvent carries recognized text with its position in the
// audio stream.
type RecognitionEvent struct {
	Text     string
	Offset   time.Duration
	Duration time.Duration
}

// Cancellation describes why the service aborted recognition.
type Cancellation struct {
	Reason       string
	ErrorDetails string
}

// RecognitionHandlers receive continuous recognition events.
type RecognitionHandlers struct {
	// Recognizing fires on interim, low-confidence hypotheses.
	Recognizing func(RecognitionEvent)
	// Recognized fires on committed utterances.
	Recognized func(RecognitionEvent)
	// Canceled fires when the service aborts the session.
	Canceled func(Cancellation)
}

// Recognizer is a push-stream continuous speech recognizer.
type Recognizer interface {
	// WriteAudio appends raw PCM bytes to the input stream.
	WriteAudio(data []byte) error

	// StartContinuous begins continuous recognition.
	StartContinuous(ctx context.Context) error

	// StopContinuous ends continuous recognition and closes the
	// underlying protocol connection. Idempotent.
	StopContinuous() error

	Close() error
}

// SynthesizerFactory opens a synthesis connection.
type SynthesizerFactory func(ctx context.Context, cfg SynthesizerConfig, handlers ConnectionHandlers) (Synthesizer, error)

// RecognizerFactory opens a recognition connection.
type RecognizerFactory func(ctx context.Context, cfg RecognizerConfig, handlers RecognitionHandlers) (Recognizer, error)
