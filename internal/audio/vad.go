// Package audio carries microphone audio from the browser into speech
// recognition and runs server-side voice activity detection for
// barge-in.
package audio

import (
	"math"
	"time"
)

// VADWindowBytes is the detection window size: 512 samples of 16-bit
// mono PCM at 16 kHz, matching the chunking the browser client sends.
const VADWindowBytes = 1024

// DetectorConfig tunes the energy-based voice activity detector.
type DetectorConfig struct {
	// Threshold is the smoothed RMS level, in the normalized 0..1
	// range, above which a window counts as speech.
	Threshold float64
	// SmoothingWindows is the number of windows averaged before the
	// threshold test.
	SmoothingWindows int
	// HangoverMs keeps a speech segment open across short pauses so a
	// single utterance does not fire repeated onsets.
	HangoverMs int
}

// DefaultDetectorConfig returns the tuning used for barge-in.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:        0.01,
		SmoothingWindows: 5,
		HangoverMs:       150,
	}
}

// Detector classifies fixed-size PCM windows as speech or silence by
// smoothed RMS energy and reports speech onsets. Not safe for
// concurrent use; each session owns one.
type Detector struct {
	config     DetectorConfig
	history    []float64
	historyIdx int
	active     bool
	lastActive time.Time
}

// NewDetector creates a detector with the given tuning. Zero-valued
// fields fall back to defaults.
func NewDetector(config DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.SmoothingWindows <= 0 {
		config.SmoothingWindows = def.SmoothingWindows
	}
	if config.HangoverMs <= 0 {
		config.HangoverMs = def.HangoverMs
	}
	return &Detector{
		config:  config,
		history: make([]float64, config.SmoothingWindows),
	}
}

// Process analyzes one window of 16-bit little-endian mono PCM and
// reports whether it marks the onset of a new speech segment.
// Continued speech within an open segment returns false, so callers
// can use the result directly as a barge-in trigger.
func (d *Detector) Process(window []byte) bool {
	rms := rms16(window)

	d.history[d.historyIdx] = rms
	d.historyIdx = (d.historyIdx + 1) % len(d.history)

	var sum float64
	for _, e := range d.history {
		sum += e
	}
	smoothed := sum / float64(len(d.history))

	if smoothed >= d.config.Threshold {
		onset := !d.active
		d.active = true
		d.lastActive = time.Now()
		return onset
	}

	if d.active && time.Since(d.lastActive) > time.Duration(d.config.HangoverMs)*time.Millisecond {
		d.active = false
	}
	return false
}

// Active reports whether a speech segment is currently open.
func (d *Detector) Active() bool {
	return d.active
}

// Reset clears segment state and the smoothing history.
func (d *Detector) Reset() {
	d.active = false
	d.historyIdx = 0
	for i := range d.history {
		d.history[i] = 0
	}
}

// rms16 computes normalized RMS energy over 16-bit signed PCM.
func rms16(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
		count++
	}
	return math.Sqrt(sum / float64(count))
}
