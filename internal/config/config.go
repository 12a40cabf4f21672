// Package config provides configuration management for the ACETS avatar service.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Search   SearchConfig   `mapstructure:"search"`
	ICE      ICEConfig      `mapstructure:"ice"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Database DatabaseConfig `mapstructure:"database"`
	Scenario ScenarioConfig `mapstructure:"scenario"`
}

// ServerConfig configures the HTTP/websocket listener
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SpeechConfig configures the speech service connection
type SpeechConfig struct {
	Region          string        `mapstructure:"region"`
	Key             string        `mapstructure:"key"`
	PrivateEndpoint string        `mapstructure:"private_endpoint"` // https:// endpoint, optional
	EnableTokenAuth bool          `mapstructure:"enable_token_auth"`
	TokenInterval   time.Duration `mapstructure:"token_interval"` // speech token refresh interval
	IsCustomAvatar  bool          `mapstructure:"is_custom_avatar"`
	Language        string        `mapstructure:"language"` // recognition language
}

// OpenAIConfig configures the chat completion endpoint
type OpenAIConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	DeploymentName string `mapstructure:"deployment_name"`
	APIVersion     string `mapstructure:"api_version"`
}

// SearchConfig configures the on-your-data document index
type SearchConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	APIKey        string `mapstructure:"api_key"`
	IndexBaseName string `mapstructure:"index_base_name"`
}

// ICEConfig overrides the relay server returned to clients
type ICEConfig struct {
	ServerURL       string        `mapstructure:"server_url"`
	ServerURLRemote string        `mapstructure:"server_url_remote"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TokenInterval   time.Duration `mapstructure:"token_interval"` // relay token refresh interval
}

// ChatConfig configures response streaming behavior
type ChatConfig struct {
	EnableQuickReply bool     `mapstructure:"enable_quick_reply"`
	QuickReplies     []string `mapstructure:"quick_replies"`
	// RepeatOnReconnect replays the interrupted utterance after a
	// synthesizer reconnection.
	RepeatOnReconnect bool `mapstructure:"repeat_on_reconnect"`
}

// AudioConfig configures the speech input pipeline
type AudioConfig struct {
	EnableVAD    bool    `mapstructure:"enable_vad"`
	VADThreshold float64 `mapstructure:"vad_threshold"`
}

// DatabaseConfig configures the training record store
type DatabaseConfig struct {
	URL string `mapstructure:"url"` // postgres connection string, empty disables the store
}

// ScenarioConfig configures scenario profile loading
type ScenarioConfig struct {
	ProfilePath string `mapstructure:"profile_path"` // YAML file with scenario profiles
	HotReload   bool   `mapstructure:"hot_reload"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":5000",
		},
		Speech: SpeechConfig{
			Region:          "eastus",
			EnableTokenAuth: false,
			TokenInterval:   9 * time.Minute,
			Language:        "en-US",
		},
		OpenAI: OpenAIConfig{
			APIVersion: "2025-01-01-preview",
		},
		ICE: ICEConfig{
			TokenInterval: 24 * time.Hour,
		},
		Chat: ChatConfig{
			EnableQuickReply:  false,
			QuickReplies:      []string{"Let me take a look.", "Let me check.", "One moment, please."},
			RepeatOnReconnect: true,
		},
		Audio: AudioConfig{
			EnableVAD:    false,
			VADThreshold: 0.01,
		},
		Scenario: ScenarioConfig{
			ProfilePath: "scenarios.yaml",
			HotReload:   true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".acets")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ACETS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, defaults plus environment apply
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".acets"), nil
}
