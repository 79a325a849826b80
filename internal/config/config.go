package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the voice bridge process.
// Every field is sourced from an environment variable; there is no CLI flag
// surface. Load calls LoadEnv first so a local .env file can seed the
// process environment before parsing.
type Config struct {
	ARIURL      string `env:"ARI_URL,required"`
	ARIUsername string `env:"ARI_USERNAME,required"`
	ARIPassword string `env:"ARI_PASSWORD,required"`
	ARIApp      string `env:"ARI_APP" envDefault:"voicebridge"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY,required"`
	RealtimeURL  string `env:"REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	RealtimeModel string `env:"REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview"`
	OpenAIVoice  string `env:"OPENAI_VOICE" envDefault:"alloy"`

	SystemPrompt    string `env:"SYSTEM_PROMPT" envDefault:""`
	InitialMessage  string `env:"INITIAL_MESSAGE" envDefault:""`

	RecordingsDir         string `env:"RECORDINGS_DIR" envDefault:"/var/spool/asterisk/monitor"`
	TranscriptionModel    string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	TranscriptionLanguage string `env:"TRANSCRIPTION_LANGUAGE" envDefault:"en"`

	RedirectionQueue        string `env:"REDIRECTION_QUEUE" envDefault:""`
	RedirectionQueueContext string `env:"REDIRECTION_QUEUE_CONTEXT" envDefault:""`
	RedirectionPhrasesRaw   string `env:"REDIRECTION_PHRASES" envDefault:""`
	TerminatePhrasesRaw     string `env:"AGENT_TERMINATE_PHRASES" envDefault:""`

	RTPPortStart        int `env:"RTP_PORT_START" envDefault:"12000"`
	MaxConcurrentCalls  int `env:"MAX_CONCURRENT_CALLS" envDefault:"50"`

	VADType               string `env:"VAD_TYPE" envDefault:"server_vad"`
	VADThreshold          float64 `env:"VAD_THRESHOLD" envDefault:"0.6"`
	VADPrefixPaddingMS    int    `env:"VAD_PREFIX_PADDING_MS" envDefault:"200"`
	VADSilenceDurationMS  int    `env:"VAD_SILENCE_DURATION_MS" envDefault:"600"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	SilencePaddingMS         int `env:"SILENCE_PADDING_MS" envDefault:"100"`
	CallDurationLimitSeconds int `env:"CALL_DURATION_LIMIT_SECONDS" envDefault:"0"`
	CleanupGraceMS           int `env:"CLEANUP_GRACE_MS" envDefault:"1500"`
	TerminateFallbackMS      int `env:"TERMINATE_FALLBACK_MS" envDefault:"8000"`
	TerminationWatchdogMS    int `env:"TERMINATION_WATCHDOG_MS" envDefault:"8000"`
	ShutdownTimeoutMS        int `env:"SHUTDOWN_TIMEOUT_MS" envDefault:"8000"`

	HealthPort int `env:"HEALTH_PORT" envDefault:"9090"`

	EmailEnabled bool   `env:"EMAIL_ENABLED" envDefault:"false"`
	SMTPHost     string `env:"SMTP_HOST" envDefault:""`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPSecure   string `env:"SMTP_SECURE" envDefault:"starttls"`
	SMTPUser     string `env:"SMTP_USER" envDefault:""`
	SMTPPass     string `env:"SMTP_PASS" envDefault:""`

	EmailFrom            string `env:"EMAIL_FROM" envDefault:""`
	EmailTo              string `env:"EMAIL_TO" envDefault:""`
	EmailSubjectTemplate string `env:"EMAIL_SUBJECT_TEMPLATE" envDefault:"Call transcript: {{.CallerIdentity}}"`
	EmailBodyTemplate    string `env:"EMAIL_BODY_TEMPLATE" envDefault:""`

	// RedirectionPhrases and TerminatePhrases hold the parsed (split and
	// trimmed) phrase lists derived from RedirectionPhrasesRaw/TerminatePhrasesRaw;
	// the phrase matcher normalizes them.
	RedirectionPhrases []string `env:"-"`
	TerminatePhrases   []string `env:"-"`
}

// LoadEnv loads a local .env file into the process environment, mirroring
// ENV_FILE if set. Absence of a .env file is not an error.
func LoadEnv() error {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		return godotenv.Load(envfile)
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Load reads configuration from the environment (after LoadEnv has had a
// chance to seed it from a .env file) and validates it.
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.RedirectionPhrases = parsePhraseList(cfg.RedirectionPhrasesRaw)
	cfg.TerminatePhrases = parsePhraseList(cfg.TerminatePhrasesRaw)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// parsePhraseList parses single-quoted, comma-separated phrase entries, e.g.
// `'connect you to sales','transfer you now'`. Normalization (NFKC + lower)
// happens in the phrase matcher, not here.
func parsePhraseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "'")
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.RTPPortStart < 1024 || c.RTPPortStart > 65000 {
		return fmt.Errorf("rtp_port_start must be between 1024 and 65000, got %d", c.RTPPortStart)
	}
	if c.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max_concurrent_calls must be >= 1, got %d", c.MaxConcurrentCalls)
	}
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port must be between 1 and 65535, got %d", c.HealthPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log_format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validSecure := map[string]bool{"starttls": true, "tls": true, "none": true}
	if !validSecure[strings.ToLower(c.SMTPSecure)] {
		return fmt.Errorf("smtp_secure must be one of starttls, tls, none; got %q", c.SMTPSecure)
	}
	c.SMTPSecure = strings.ToLower(c.SMTPSecure)

	if c.EmailEnabled {
		if c.SMTPHost == "" {
			return fmt.Errorf("smtp_host is required when email_enabled is true")
		}
		if c.EmailFrom == "" || c.EmailTo == "" {
			return fmt.Errorf("email_from and email_to are required when email_enabled is true")
		}
	}

	if c.RedirectionQueue != "" && len(c.RedirectionPhrases) == 0 {
		slog.Warn("redirection_queue configured with no redirection_phrases; handoff can never trigger")
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
