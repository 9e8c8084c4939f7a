package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	AudioBackendPortAudio = "portaudio"
	AudioBackendMemory    = "memory"
)

// Config is the process configuration, read from the environment
type Config struct {
	// APIKey authenticates both Gemini surfaces. It may be empty: the
	// failure then surfaces when a session is opened.
	APIKey string

	ChatModel string
	LiveModel string
	LiveVoice string
	LiveURL   string `validate:"omitempty,url"`

	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=debug info warn error"`

	AudioBackend     string `validate:"oneof=portaudio memory"`
	CaptureBlockSize int    `validate:"gte=256,lte=16384"`

	JWTSecret      string
	IdleDisconnect time.Duration `validate:"gte=0"`
	ConnectTimeout time.Duration `validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env files (missing files are ignored) and then the
// environment. Variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		APIKey:       firstNonEmpty(getenv("GEMINI_API_KEY"), getenv("API_KEY")),
		ChatModel:    getenv("CHAT_MODEL"),
		LiveModel:    getenv("LIVE_MODEL"),
		LiveVoice:    getenv("LIVE_VOICE"),
		LiveURL:      getenv("LIVE_URL"),
		Port:         withDefault(getenv("PORT"), "8080"),
		LogLevel:     strings.ToLower(withDefault(getenv("LOG_LEVEL"), "info")),
		AudioBackend: strings.ToLower(withDefault(getenv("AUDIO_BACKEND"), AudioBackendPortAudio)),
		JWTSecret:    getenv("JWT_SECRET"),
	}

	var err error
	if cfg.CaptureBlockSize, err = intValue(getenv, "CAPTURE_BLOCK_SIZE", 4096); err != nil {
		return nil, err
	}
	if cfg.IdleDisconnect, err = durationValue(getenv, "IDLE_DISCONNECT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout, err = durationValue(getenv, "CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// AuthEnabled reports whether API clients need a token
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func intValue(getenv func(string) string, key string, def int) (int, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func durationValue(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	raw := getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
