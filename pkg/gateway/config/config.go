package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type AgentBackend string

const (
	AgentEcho   AgentBackend = "echo"
	AgentGemini AgentBackend = "gemini"
	AgentWS     AgentBackend = "ws"
)

type Config struct {
	Addr string `env:"REFRAME_ADDR" envDefault:":8080"`

	AuthMode AuthMode `env:"REFRAME_AUTH_MODE" envDefault:"required"`
	// APIKeyList is the raw REFRAME_API_KEYS value; use APIKeys for lookups.
	APIKeyList []string            `env:"REFRAME_API_KEYS" envSeparator:","`
	APIKeys    map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool `env:"REFRAME_TRUST_PROXY_HEADERS" envDefault:"false"`

	CORSOriginList     []string            `env:"REFRAME_CORS_ORIGINS" envSeparator:","`
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxBodyBytes int64 `env:"REFRAME_MAX_BODY_BYTES" envDefault:"1048576"`

	// Agent gateway
	AgentBackend      AgentBackend  `env:"REFRAME_AGENT_BACKEND" envDefault:"echo"`
	GeminiAPIKey      string        `env:"REFRAME_GEMINI_API_KEY"`
	GeminiModel       string        `env:"REFRAME_GEMINI_MODEL" envDefault:"gemini-live-2.5-flash-preview"`
	GeminiVoice       string        `env:"REFRAME_GEMINI_VOICE"`
	AgentWSURL        string        `env:"REFRAME_AGENT_WS_URL"`
	AgentWSToken      string        `env:"REFRAME_AGENT_WS_TOKEN"`
	SystemInstruction string        `env:"REFRAME_SYSTEM_INSTRUCTION"`
	ConnectTimeout    time.Duration `env:"REFRAME_AGENT_CONNECT_TIMEOUT" envDefault:"10s"`

	// Sessions
	DefaultLanguage    string        `env:"REFRAME_DEFAULT_LANGUAGE" envDefault:"en-US"`
	InputSampleRate    int           `env:"REFRAME_INPUT_SAMPLE_RATE" envDefault:"16000"`
	OutputSampleRate   int           `env:"REFRAME_OUTPUT_SAMPLE_RATE" envDefault:"48000"`
	OutboundQueueSize  int           `env:"REFRAME_OUTBOUND_QUEUE_SIZE" envDefault:"4096"`
	MaxSessions        int           `env:"REFRAME_MAX_SESSIONS" envDefault:"1000"`
	IdleTimeout        time.Duration `env:"REFRAME_SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	MaxSessionDuration time.Duration `env:"REFRAME_SESSION_MAX_DURATION" envDefault:"2h"`
	ReapInterval       time.Duration `env:"REFRAME_SESSION_REAP_INTERVAL" envDefault:"30s"`

	// Inbound audio
	MaxAudioChunkBytes   int   `env:"REFRAME_MAX_AUDIO_CHUNK_BYTES" envDefault:"65536"`
	AudioChunksPerSecond int   `env:"REFRAME_AUDIO_CHUNKS_PER_SECOND" envDefault:"100"`
	AudioBytesPerSecond  int64 `env:"REFRAME_AUDIO_BYTES_PER_SECOND" envDefault:"262144"`
	AudioBurstSeconds    int   `env:"REFRAME_AUDIO_BURST_SECONDS" envDefault:"2"`

	// SSE
	HeartbeatInterval time.Duration `env:"REFRAME_HEARTBEAT_INTERVAL" envDefault:"15s"`

	// In-memory limits (per principal).
	LimitRPS                   float64 `env:"REFRAME_RATE_LIMIT_RPS" envDefault:"100"`
	LimitBurst                 int     `env:"REFRAME_RATE_LIMIT_BURST" envDefault:"200"`
	LimitMaxConcurrentRequests int     `env:"REFRAME_MAX_CONCURRENT_REQUESTS" envDefault:"32"`
	LimitMaxConcurrentStreams  int     `env:"REFRAME_MAX_STREAMS_PER_PRINCIPAL" envDefault:"4"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `env:"REFRAME_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout         time.Duration `env:"REFRAME_READ_TIMEOUT" envDefault:"30s"`
	ShutdownGracePeriod time.Duration `env:"REFRAME_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	// Storage
	DatabaseURL    string `env:"REFRAME_DATABASE_URL"`
	MigrateOnStart bool   `env:"REFRAME_MIGRATE_ON_START" envDefault:"false"`

	// Observability
	MetricsEnabled bool   `env:"REFRAME_METRICS_ENABLED" envDefault:"true"`
	OTLPEndpoint   string `env:"REFRAME_OTLP_ENDPOINT"`
	ServiceName    string `env:"REFRAME_SERVICE_NAME" envDefault:"reframe-voice"`
	LogLevel       string `env:"REFRAME_LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"REFRAME_LOG_FORMAT" envDefault:"text"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.APIKeys = toSet(cfg.APIKeyList)
	cfg.CORSAllowedOrigins = toSet(cfg.CORSOriginList)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("REFRAME_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return fmt.Errorf("REFRAME_API_KEYS must be set when REFRAME_AUTH_MODE=required")
	}

	switch cfg.AgentBackend {
	case AgentEcho:
	case AgentGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return fmt.Errorf("REFRAME_GEMINI_API_KEY is required for REFRAME_AGENT_BACKEND=gemini")
		}
	case AgentWS:
		if strings.TrimSpace(cfg.AgentWSURL) == "" {
			return fmt.Errorf("REFRAME_AGENT_WS_URL is required for REFRAME_AGENT_BACKEND=ws")
		}
	default:
		return fmt.Errorf("REFRAME_AGENT_BACKEND must be one of echo|gemini|ws")
	}

	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("REFRAME_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("REFRAME_AGENT_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.InputSampleRate <= 0 {
		return fmt.Errorf("REFRAME_INPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.OutputSampleRate <= 0 {
		return fmt.Errorf("REFRAME_OUTPUT_SAMPLE_RATE must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("REFRAME_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("REFRAME_MAX_SESSIONS must be >= 0")
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("REFRAME_SESSION_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.MaxSessionDuration < 0 {
		return fmt.Errorf("REFRAME_SESSION_MAX_DURATION must be >= 0")
	}
	if cfg.ReapInterval <= 0 {
		return fmt.Errorf("REFRAME_SESSION_REAP_INTERVAL must be > 0")
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		return fmt.Errorf("REFRAME_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.AudioChunksPerSecond < 0 {
		return fmt.Errorf("REFRAME_AUDIO_CHUNKS_PER_SECOND must be >= 0")
	}
	if cfg.AudioBytesPerSecond < 0 {
		return fmt.Errorf("REFRAME_AUDIO_BYTES_PER_SECOND must be >= 0")
	}
	if cfg.AudioBurstSeconds <= 0 {
		return fmt.Errorf("REFRAME_AUDIO_BURST_SECONDS must be > 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("REFRAME_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return fmt.Errorf("REFRAME_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("REFRAME_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return fmt.Errorf("REFRAME_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		return fmt.Errorf("REFRAME_MAX_STREAMS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("REFRAME_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("REFRAME_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.MigrateOnStart && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("REFRAME_DATABASE_URL is required when REFRAME_MIGRATE_ON_START=true")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("REFRAME_LOG_FORMAT must be one of text|json")
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}
