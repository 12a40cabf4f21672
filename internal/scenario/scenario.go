// Package scenario loads training scenario profiles: the guest persona
// the avatar plays, its appearance, voice, and the document index
// backing its knowledge.
package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Profile describes one training scenario.
type Profile struct {
	// Num is the scenario number, used to derive the search index name.
	Num int `yaml:"num"`

	// GuestName is the persona the model role-plays.
	GuestName string `yaml:"guest_name"`

	AvatarCharacter string `yaml:"avatar_character"`
	AvatarStyle     string `yaml:"avatar_style"`
	TTSVoice        string `yaml:"tts_voice"`

	BackgroundImageURL string `yaml:"background_image_url,omitempty"`

	// SystemPrompt overrides the default role-play prompt when set.
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

// ResolvedSystemPrompt returns the profile's prompt, falling back to
// the standard role-play instruction built around the guest persona.
func (p Profile) ResolvedSystemPrompt() string {
	if p.SystemPrompt != "" {
		return p.SystemPrompt
	}
	return fmt.Sprintf("You are role-playing as a hotel guest (%s) in a simulated hospitality training scenario. "+
		"Your responses must always be **in character as the guest**, reflecting their background, situation, emotional state, and specific needs. "+
		"You are **not** an assistant, hotel staff, or narrator. Do not provide explanations or commentary about your role. "+
		"Stay in character and speak naturally. Greet, ask questions, express emotions, or raise concerns **as the guest would**. "+
		"If the information you need is missing or unclear, do **not** say that it cannot be found. "+
		"Instead, always respond with: 'I don't understand. Could you please repeat?' "+
		"Throughout the interaction, you must incorporate each item from the 'Response Strategy for LLM' at least once in a realistic and context-appropriate way. "+
		"Remain polite but show urgency and exhaustion, as appropriate for your emotional state. "+
		"Avoid generic or overly formal replies. Prioritize human-like, emotional, and situationally aware responses.", p.GuestName)
}

// SearchIndexName derives the scenario's document index from the
// configured base name, e.g. "training-3" for scenario 3.
func (p Profile) SearchIndexName(baseName string) string {
	if baseName == "" {
		return ""
	}
	return fmt.Sprintf("%s-%d", baseName, p.Num)
}

// profileFile is the on-disk document format.
type profileFile struct {
	Scenarios []Profile `yaml:"scenarios"`
}

// Store holds the loaded scenario profiles and optionally reloads them
// when the profile file changes on disk.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	profiles map[int]Profile

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads profiles from the YAML file at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger.With().Str("component", "scenario-store").Logger(),
		profiles: make(map[int]Profile),
		done:     make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading the profile file on change. Edits to a broken
// file keep the last good profile set.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := s.load(); err != nil {
					s.logger.Warn().Err(err).Msg("Scenario profile reload failed, keeping previous profiles")
				} else {
					s.logger.Info().Str("path", s.path).Msg("Scenario profiles reloaded")
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Scenario profile watcher error")
		}
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read scenario profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse scenario profiles: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return fmt.Errorf("scenario profile file %s defines no scenarios", s.path)
	}

	profiles := make(map[int]Profile, len(file.Scenarios))
	for _, p := range file.Scenarios {
		if p.Num <= 0 {
			return fmt.Errorf("scenario %q has invalid number %d", p.GuestName, p.Num)
		}
		if _, dup := profiles[p.Num]; dup {
			return fmt.Errorf("duplicate scenario number %d", p.Num)
		}
		profiles[p.Num] = p
	}

	s.mu.Lock()
	s.profiles = profiles
	s.mu.Unlock()
	return nil
}

// Get returns the profile for a scenario number.
func (s *Store) Get(num int) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[num]
	if !ok {
		return Profile{}, fmt.Errorf("unknown scenario %d", num)
	}
	return p, nil
}

// Numbers returns the defined scenario numbers, unordered.
func (s *Store) Numbers() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nums := make([]int, 0, len(s.profiles))
	for n := range s.profiles {
		nums = append(nums, n)
	}
	return nums
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
