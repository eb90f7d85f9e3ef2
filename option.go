package rtrelay

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/voicewire/rtrelay-go/events"
	"github.com/voicewire/rtrelay-go/tool"
)

const (
	ApiKeyEnvVarNameShort = "OPENAI_KEY"
	ApiKeyEnvVarNameLong  = "OPENAI_API_KEY"

	defaultRealtimeURL = "wss://api.openai.com/v1/realtime"
)

type config struct {
	url           string
	model         string
	apiKey        string
	dialTimeoutMS int

	// Session overrides. Unset values are never written into a session, so
	// the relay only rewrites fields it was actually configured with.
	instructions       string
	voice              string
	temperature        *float64
	maxOutputTokens    *int
	disableAudio       *bool
	speed              float64
	transcriptionModel string
	modalities         []string
	turnDetection      *events.TurnDetection
	tools              []tool.Tool

	// Audio I/O.
	sampleRate int
	latencyMS  int

	logger *slog.Logger
}

func (c *config) latency() time.Duration {
	return time.Duration(c.latencyMS) * time.Millisecond
}

func (c *config) dialTimeout() time.Duration {
	if c.dialTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.dialTimeoutMS) * time.Millisecond
}

func (c *config) realtimeURL() string {
	url := c.url
	if url == "" {
		url = defaultRealtimeURL
	}
	if c.model != "" {
		return fmt.Sprintf("%s?model=%s", url, c.model)
	}
	return url
}

func (c *config) validate() error {
	if c.apiKey == "" {
		return fmt.Errorf("missing api key")
	}
	return nil
}

type Option func(*config)

func WithURL(url string) Option {
	return func(o *config) {
		o.url = url
	}
}

func WithModel(model string) Option {
	return func(o *config) {
		o.model = model
	}
}

func WithKey(apiKey string) Option {
	return func(o *config) {
		o.apiKey = apiKey
	}
}

func WithEnvKey(vars ...string) Option {
	return func(o *config) {
		for _, envVarName := range vars {
			if k := os.Getenv(envVarName); k != "" {
				o.apiKey = k
				return
			}
		}
	}
}

func WithInstructions(instructions string) Option {
	return func(o *config) {
		o.instructions = instructions
	}
}

func WithVoice(voice string) Option {
	return func(o *config) {
		o.voice = voice
	}
}

func WithTemperature(temperature float64) Option {
	return func(o *config) {
		o.temperature = &temperature
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(o *config) {
		o.maxOutputTokens = &max
	}
}

// WithDisableAudio toggles the audio-disable flag the relay forces onto
// forwarded session configurations.
func WithDisableAudio(disable bool) Option {
	return func(o *config) {
		o.disableAudio = &disable
	}
}

func WithSpeed(speed float64) Option {
	return func(o *config) {
		o.speed = speed
	}
}

func WithTranscriptionModel(model string) Option {
	return func(o *config) {
		o.transcriptionModel = model
	}
}

func WithModalities(modalities ...string) Option {
	return func(o *config) {
		o.modalities = modalities
	}
}

// WithTurnDetection selects the turn-detection policy. Passing nil selects
// manual turn handling: the caller commits the input audio buffer when it
// requests a response.
func WithTurnDetection(td *events.TurnDetection) Option {
	return func(o *config) {
		o.turnDetection = td
	}
}

// WithTools declares tool definitions to announce in the session without
// registering a local handler for them.
func WithTools(tools ...tool.Tool) Option {
	return func(o *config) {
		o.tools = tools
	}
}

func WithSampleRate(sr int) Option {
	return func(o *config) {
		o.sampleRate = sr
	}
}

// WithLatency sets the audio chunking latency in milliseconds.
func WithLatency(latencyMS int) Option {
	return func(o *config) {
		o.latencyMS = latencyMS
	}
}

func WithDialTimeout(timeoutMS int) Option {
	return func(o *config) {
		o.dialTimeoutMS = timeoutMS
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *config) {
		o.logger = logger
	}
}

func WithDefaultLogger() Option {
	return WithLogger(slog.Default())
}

func WithOptions(opts ...Option) Option {
	return func(o *config) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// withClientDefaults is the default session shape for the high-level client.
// The relay does not use these: it only rewrites what it was configured with.
func withClientDefaults() Option {
	return WithOptions(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithVoice("shimmer"),
		WithTemperature(0.8),
		WithMaxOutputTokens(4096),
		WithModalities("text", "audio"),
		WithTranscriptionModel("whisper-1"),
		WithTurnDetection(&events.TurnDetection{Type: "server_vad"}),
		WithSampleRate(24_000),
		WithLatency(200),
		WithModel("gpt-4o-realtime-preview-2025-06-03"),
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong),
	)
}

// withRelayDefaults leaves every session override unset.
func withRelayDefaults() Option {
	return WithOptions(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithModel("gpt-4o-realtime-preview-2025-06-03"),
		WithEnvKey(ApiKeyEnvVarNameShort, ApiKeyEnvVarNameLong),
	)
}
