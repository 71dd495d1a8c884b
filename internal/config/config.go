package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// DefaultTiers is the escalation ladder used when ANALYSIS_TIERS is unset:
// a cheap pass first, then a denser, sharper fallback.
const DefaultTiers = "2:8:640:2;4:16:896:4"

// TerminalWriteTimeout bounds the final done/failed write of a pipeline,
// which runs after ANALYSIS_TIMEOUT may already have expired.
const TerminalWriteTimeout = 10 * time.Second

// Config holds all configuration for the ClipCoach server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	AI        AIConfig
	Analysis  AnalysisConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int    `env:"CLIPCOACH_PORT, default=8080"`
	Env  string `env:"CLIPCOACH_ENV, default=development"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS, default=25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME, default=5m"`
	MigrationsDir   string        `env:"DATABASE_MIGRATIONS_DIR, default=migrations"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
	// KeyPrefix namespaces every key so several deployments can share one Redis.
	KeyPrefix string        `env:"REDIS_KEY_PREFIX, default=clipcoach:"`
	Timeout   time.Duration `env:"REDIS_TIMEOUT, default=2s"`
}

type StorageConfig struct {
	Backend         string `env:"STORAGE_BACKEND, default=s3"`
	LocalRoot       string `env:"LOCAL_STORAGE_ROOT, default=data/objects"`
	TempDir         string `env:"TEMP_DIR, default=/tmp/clipcoach"`
	DefaultBucket   string `env:"S3_VIDEOS_BUCKET, default=videos"`
	S3Region        string `env:"S3_REGION"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

type AIConfig struct {
	Provider             string `env:"AI_PROVIDER"`
	InferenceTimeoutSecs int    `env:"AI_INFERENCE_TIMEOUT_SECS, default=60"`
	OpenAI               OpenAIConfig
	VLLM                 VLLMConfig
	Ollama               OllamaConfig
	Anthropic            AnthropicConfig
}

// InferenceTimeout bounds a single model call.
func (c AIConfig) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutSecs) * time.Second
}

type OpenAIConfig struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	Model   string `env:"OPENAI_MODEL, default=gpt-4o-mini"`
	BaseURL string `env:"OPENAI_BASE_URL, default=https://api.openai.com/v1"`
}

type VLLMConfig struct {
	BaseURL string `env:"VLLM_BASE_URL, default=http://localhost:8000/v1"`
	Model   string `env:"VLLM_MODEL"`
}

type OllamaConfig struct {
	BaseURL string `env:"OLLAMA_BASE_URL, default=http://localhost:11434/v1"`
	Model   string `env:"OLLAMA_MODEL, default=llava"`
}

type AnthropicConfig struct {
	APIKey  string `env:"ANTHROPIC_API_KEY"`
	Model   string `env:"ANTHROPIC_MODEL, default=claude-sonnet-4-5-20250929"`
	BaseURL string `env:"ANTHROPIC_BASE_URL, default=https://api.anthropic.com"`
}

type AnalysisConfig struct {
	// Version tags reports with the prompt/schema generation that produced them.
	// Bumping it invalidates every cached report without touching the rows.
	Version    int           `env:"ANALYSIS_VERSION, default=1"`
	Tiers      Tiers         `env:"ANALYSIS_TIERS"`
	Timeout    time.Duration `env:"ANALYSIS_TIMEOUT, default=120s"`
	StaleAfter time.Duration `env:"ANALYSIS_STALE_AFTER, default=10m"`
	CacheTTL   time.Duration `env:"ANALYSIS_CACHE_TTL, default=1h"`
	FFmpegPath string        `env:"FFMPEG_PATH, default=ffmpeg"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `env:"RATE_LIMIT_PER_MINUTE, default=60"`
}

type LogConfig struct {
	Format string `env:"LOG_FORMAT, default=json"`
	Level  string `env:"LOG_LEVEL, default=info"`
}

// Tier is one sampling configuration of the escalation ladder.
type Tier struct {
	Rate             string
	MaxFrames        int
	Width            int
	HighDetailFrames int
}

// Tiers decodes "rate:frames:width:high;rate:frames:width:high".
type Tiers []Tier

// EnvDecode implements envconfig.Decoder.
func (t *Tiers) EnvDecode(val string) error {
	parsed, err := ParseTiers(val)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTiers parses the ANALYSIS_TIERS format.
func ParseTiers(val string) (Tiers, error) {
	var tiers Tiers
	for i, spec := range strings.Split(val, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.Split(spec, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("tier %d: want rate:frames:width:high, got %q", i, spec)
		}
		rate := strings.TrimSpace(parts[0])
		if r, err := strconv.ParseFloat(rate, 64); err != nil || r <= 0 {
			return nil, fmt.Errorf("tier %d: rate must be a positive number, got %q", i, rate)
		}
		nums := make([]int, 3)
		for j, p := range parts[1:] {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("tier %d: %q is not a non-negative integer", i, p)
			}
			nums[j] = n
		}
		tiers = append(tiers, Tier{
			Rate:             rate,
			MaxFrames:        nums[0],
			Width:            nums[1],
			HighDetailFrames: nums[2],
		})
	}
	return tiers, nil
}

var validProviders = map[string]bool{
	"openai":    true,
	"vllm":      true,
	"ollama":    true,
	"anthropic": true,
}

var validBackends = map[string]bool{
	"s3":    true,
	"local": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if len(cfg.Analysis.Tiers) == 0 {
		tiers, err := ParseTiers(DefaultTiers)
		if err != nil {
			return nil, err
		}
		cfg.Analysis.Tiers = tiers
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Redis.Timeout <= 0 {
		return fmt.Errorf("REDIS_TIMEOUT must be positive")
	}

	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("STORAGE_BACKEND must be one of s3, local; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && c.Storage.S3Region == "" {
		return fmt.Errorf("S3_REGION is required when STORAGE_BACKEND is s3")
	}
	if c.Storage.S3Endpoint != "" &&
		!strings.HasPrefix(c.Storage.S3Endpoint, "http://") && !strings.HasPrefix(c.Storage.S3Endpoint, "https://") {
		return fmt.Errorf("S3_ENDPOINT must start with http:// or https://, got %q", c.Storage.S3Endpoint)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, vllm, ollama, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.InferenceTimeoutSecs <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS must be positive, got %d", c.AI.InferenceTimeoutSecs)
	}

	if c.Analysis.Version < 1 {
		return fmt.Errorf("ANALYSIS_VERSION must be >= 1, got %d", c.Analysis.Version)
	}
	if len(c.Analysis.Tiers) < 2 {
		return fmt.Errorf("ANALYSIS_TIERS must define at least 2 tiers, got %d", len(c.Analysis.Tiers))
	}
	for i, t := range c.Analysis.Tiers {
		if t.MaxFrames < 1 {
			return fmt.Errorf("ANALYSIS_TIERS tier %d: frames must be >= 1", i)
		}
		if t.HighDetailFrames > t.MaxFrames {
			return fmt.Errorf("ANALYSIS_TIERS tier %d: high detail frames (%d) exceed frame cap (%d)",
				i, t.HighDetailFrames, t.MaxFrames)
		}
	}
	if c.Analysis.Timeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be positive")
	}
	// A job still inside its pipeline must never look abandoned.
	if c.Analysis.StaleAfter < 0 {
		return fmt.Errorf("ANALYSIS_STALE_AFTER must not be negative")
	}
	if limit := c.Analysis.Timeout + TerminalWriteTimeout; c.Analysis.StaleAfter > 0 && c.Analysis.StaleAfter <= limit {
		return fmt.Errorf("ANALYSIS_STALE_AFTER (%s) must exceed ANALYSIS_TIMEOUT plus %s (%s)",
			c.Analysis.StaleAfter, TerminalWriteTimeout, limit)
	}

	return nil
}

// NewLogger creates a structured logger based on the configuration.
// "text" gives human-readable output for local runs; anything else is JSON.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.Log.Level)}

	var handler slog.Handler
	if strings.ToLower(c.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
