package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
)

// Backends lists the supported generation backends
var Backends = []string{BackendOpenAI, BackendGrok, BackendAnthropic, BackendOllama}

// ErrUnknownBackend is returned for a backend name not in Backends
var ErrUnknownBackend = errors.New("unknown backend")

// Config holds application configuration
type Config struct {
	Backend  string
	Model    string // Overrides the backend's default model
	Variant  string // text, bubbles or call
	Debug    bool
	Language string // BCP 47 tag used for recognition and synthesis
	VoiceID  string
	Audio    bool // Enable microphone and speaker

	STTURL      string
	OllamaURL   string
	JournalPath string
	LogDir      string
	ProfileFile string // Optional YAML file overriding the built-in variant profiles

	OpenAIKey    string
	GrokKey      string
	AnthropicKey string
	GoogleTTSKey string
	CartesiaKey  string
}

// Default returns the configuration used when no flags are given
func Default() Config {
	return Config{
		Backend:     BackendOpenAI,
		Variant:     "call",
		Language:    "en-GB",
		VoiceID:     "en-GB-Chirp3-HD-Sulafat",
		Audio:       true,
		STTURL:      "wss://api.cartesia.ai/stt/websocket",
		OllamaURL:   "http://localhost:11434",
		JournalPath: "prosper.db",
		LogDir:      "logs",
	}
}

// Load reads an optional .env file, then parses flags over the environment
// defaults. A missing .env file is not an error.
func Load(args []string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := Default()
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.GrokKey = os.Getenv("GROK_API_KEY")
	cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.GoogleTTSKey = os.Getenv("GOOGLE_TTS_API_KEY")
	cfg.CartesiaKey = os.Getenv("CARTESIA_API_KEY")
	if v := os.Getenv("PROSPER_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}

	fs := flag.NewFlagSet("prosper", flag.ContinueOnError)
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Backend to use: "+strings.Join(Backends, ", "))
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Model override for the selected backend")
	fs.StringVar(&cfg.Variant, "variant", cfg.Variant, "Coaching variant: text, bubbles or call")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.StringVar(&cfg.Language, "lang", cfg.Language, "Language tag for speech")
	fs.StringVar(&cfg.VoiceID, "voice", cfg.VoiceID, "Synthesis voice id")
	fs.BoolVar(&cfg.Audio, "audio", cfg.Audio, "Enable microphone and speaker")
	fs.StringVar(&cfg.STTURL, "stt-url", cfg.STTURL, "Streaming recognition websocket URL")
	fs.StringVar(&cfg.OllamaURL, "ollama-url", cfg.OllamaURL, "Ollama server URL")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite journal path (empty disables)")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for log files")
	fs.StringVar(&cfg.ProfileFile, "profiles", cfg.ProfileFile, "YAML file overriding variant profiles")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the backend name
func (c Config) Validate() error {
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("%w: %q (use %s)", ErrUnknownBackend, c.Backend, strings.Join(Backends, ", "))
	}
	return nil
}

// ModelFor returns the model override when backend is the configured one.
// An empty result selects the backend's default model.
func (c Config) ModelFor(backend string) string {
	if backend == c.Backend {
		return c.Model
	}
	return ""
}

// WithBackend returns a copy switched to backend. The model override only
// applies to the backend it was given for, so it is cleared.
func (c Config) WithBackend(backend string) (Config, error) {
	if backend == c.Backend {
		return c, nil
	}
	c.Backend = backend
	c.Model = ""
	return c, c.Validate()
}
