package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Redis     RedisConfig     `mapstructure:"redis" toml:"redis"`
	Registry  RegistryConfig  `mapstructure:"registry" toml:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	LLM       LLMConfig       `mapstructure:"llm" toml:"llm"`
	Engine    EngineConfig    `mapstructure:"engine" toml:"engine"`
	Audio     AudioConfig     `mapstructure:"audio" toml:"audio"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" toml:"artifacts"`
	R2        R2Config        `mapstructure:"r2" toml:"r2"`
	NATS      NATSConfig      `mapstructure:"nats" toml:"nats"`
	Audit     AuditConfig     `mapstructure:"audit" toml:"audit"`
	Auth      AuthConfig      `mapstructure:"auth" toml:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" toml:"ratelimit"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" toml:"port"`
	Env             string        `mapstructure:"env" toml:"env"`
	LogLevel        string        `mapstructure:"log_level" toml:"log_level"`
	LogDir          string        `mapstructure:"log_dir" toml:"log_dir"`
	BodyLimitMB     int           `mapstructure:"body_limit_mb" toml:"body_limit_mb"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
}

// RegistryConfig selects where task records live. Terminal records are
// evicted after TerminalTTL; the memory backend also caps them at MaxTerminal.
type RegistryConfig struct {
	Backend     string        `mapstructure:"backend" toml:"backend"` // "memory" or "redis"
	TerminalTTL time.Duration `mapstructure:"terminal_ttl" toml:"terminal_ttl"`
	MaxTerminal int           `mapstructure:"max_terminal" toml:"max_terminal"`
}

type SchedulerConfig struct {
	Backend     string `mapstructure:"backend" toml:"backend"` // "local" or "asynq"
	Concurrency int    `mapstructure:"concurrency" toml:"concurrency"`
	Queue       string `mapstructure:"queue" toml:"queue"`
}

type LLMConfig struct {
	APIKey       string        `mapstructure:"api_key" toml:"api_key"`
	BaseURL      string        `mapstructure:"base_url" toml:"base_url"`
	Model        string        `mapstructure:"model" toml:"model"`
	MaxTokens    int           `mapstructure:"max_tokens" toml:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature" toml:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout" toml:"timeout"`
	PromptPolicy string        `mapstructure:"prompt_policy" toml:"prompt_policy"` // "per_task" or "per_round"
}

type EngineConfig struct {
	ServiceURL      string        `mapstructure:"service_url" toml:"service_url"`
	Timeout         time.Duration `mapstructure:"timeout" toml:"timeout"`
	SampleRate      int           `mapstructure:"sample_rate" toml:"sample_rate"`
	TokensPerSecond int           `mapstructure:"tokens_per_second" toml:"tokens_per_second"`
	MaxConcurrency  int           `mapstructure:"max_concurrency" toml:"max_concurrency"`
	MelodySeconds   int           `mapstructure:"melody_seconds" toml:"melody_seconds"`
}

type AudioConfig struct {
	FadeMs     int           `mapstructure:"fade_ms" toml:"fade_ms"`
	Normalize  bool          `mapstructure:"normalize" toml:"normalize"`
	FitMode    string        `mapstructure:"fit_mode" toml:"fit_mode"` // "per_round" or "post_merge"
	BitDepth   int           `mapstructure:"bit_depth" toml:"bit_depth"`
	RoundYield time.Duration `mapstructure:"round_yield" toml:"round_yield"`
}

type ArtifactsConfig struct {
	Dir          string `mapstructure:"dir" toml:"dir"`
	PublicPrefix string `mapstructure:"public_prefix" toml:"public_prefix"`
	Mirror       string `mapstructure:"mirror" toml:"mirror"` // "", "r2" or "nats"
}

type R2Config struct {
	AccountID       string `mapstructure:"account_id" toml:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" toml:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name" toml:"bucket_name"`
	PublicURL       string `mapstructure:"public_url" toml:"public_url"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url" toml:"url"`
	EventsSubject string `mapstructure:"events_subject" toml:"events_subject"`
	ObjectBucket  string `mapstructure:"object_bucket" toml:"object_bucket"`
}

type AuditConfig struct {
	Driver string `mapstructure:"driver" toml:"driver"` // "", "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn" toml:"dsn"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled" toml:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `mapstructure:"issuer" toml:"issuer"`
	ClientID  string `mapstructure:"client_id" toml:"client_id"`
}

type RateLimitConfig struct {
	GeneratePerHour int `mapstructure:"generate_per_hour" toml:"generate_per_hour"`
}

var envBindings = map[string]string{
	"server.port":                 "SERVER_PORT",
	"server.env":                  "SERVER_ENV",
	"server.log_level":            "LOG_LEVEL",
	"server.log_dir":              "LOG_DIR",
	"server.body_limit_mb":        "BODY_LIMIT_MB",
	"server.shutdown_timeout":     "SHUTDOWN_TIMEOUT",
	"redis.addr":                  "REDIS_ADDR",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"registry.backend":            "REGISTRY_BACKEND",
	"registry.terminal_ttl":       "REGISTRY_TERMINAL_TTL",
	"registry.max_terminal":       "REGISTRY_MAX_TERMINAL",
	"scheduler.backend":           "SCHEDULER_BACKEND",
	"scheduler.concurrency":       "SCHEDULER_CONCURRENCY",
	"scheduler.queue":             "SCHEDULER_QUEUE",
	"llm.api_key":                 "OPENAI_API_KEY",
	"llm.base_url":                "OPENAI_BASE_URL",
	"llm.model":                   "OPENAI_MODEL",
	"llm.max_tokens":              "LLM_MAX_TOKENS",
	"llm.temperature":             "LLM_TEMPERATURE",
	"llm.timeout":                 "LLM_TIMEOUT",
	"llm.prompt_policy":           "PROMPT_POLICY",
	"engine.service_url":          "ENGINE_SERVICE_URL",
	"engine.timeout":              "ENGINE_TIMEOUT",
	"engine.sample_rate":          "ENGINE_SAMPLE_RATE",
	"engine.tokens_per_second":    "ENGINE_TOKENS_PER_SECOND",
	"engine.max_concurrency":      "ENGINE_MAX_CONCURRENCY",
	"engine.melody_seconds":       "ENGINE_MELODY_SECONDS",
	"audio.fade_ms":               "AUDIO_FADE_MS",
	"audio.normalize":             "AUDIO_NORMALIZE",
	"audio.fit_mode":              "AUDIO_FIT_MODE",
	"audio.bit_depth":             "AUDIO_BIT_DEPTH",
	"audio.round_yield":           "AUDIO_ROUND_YIELD",
	"artifacts.dir":               "ARTIFACTS_DIR",
	"artifacts.public_prefix":     "ARTIFACTS_PUBLIC_PREFIX",
	"artifacts.mirror":            "ARTIFACTS_MIRROR",
	"r2.account_id":               "R2_ACCOUNT_ID",
	"r2.access_key_id":            "R2_ACCESS_KEY_ID",
	"r2.secret_access_key":        "R2_SECRET_ACCESS_KEY",
	"r2.bucket_name":              "R2_BUCKET_NAME",
	"r2.public_url":               "R2_PUBLIC_URL",
	"nats.url":                    "NATS_URL",
	"nats.events_subject":         "NATS_EVENTS_SUBJECT",
	"nats.object_bucket":          "NATS_OBJECT_BUCKET",
	"audit.driver":                "AUDIT_DRIVER",
	"audit.dsn":                   "AUDIT_DSN",
	"auth.enabled":                "AUTH_ENABLED",
	"auth.jwt_secret":             "JWT_SECRET",
	"auth.issuer":                 "AUTH_ISSUER",
	"auth.client_id":              "AUTH_CLIENT_ID",
	"ratelimit.generate_per_hour": "RATELIMIT_GENERATE_PER_HOUR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_dir", "logs")
	v.SetDefault("server.body_limit_mb", 50)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.terminal_ttl", 24*time.Hour)
	v.SetDefault("registry.max_terminal", 1000)

	v.SetDefault("scheduler.backend", "local")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.queue", "generate")

	// Prompt optimizer defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 50)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.prompt_policy", "per_task")

	// Inference service defaults
	v.SetDefault("engine.service_url", "")
	v.SetDefault("engine.timeout", 10*time.Minute)
	v.SetDefault("engine.sample_rate", 32000)
	v.SetDefault("engine.tokens_per_second", 50)
	v.SetDefault("engine.max_concurrency", 1)
	v.SetDefault("engine.melody_seconds", 30)

	v.SetDefault("audio.fade_ms", 1000)
	v.SetDefault("audio.normalize", true)
	v.SetDefault("audio.fit_mode", "per_round")
	v.SetDefault("audio.bit_depth", 24)
	v.SetDefault("audio.round_yield", 100*time.Millisecond)

	v.SetDefault("artifacts.dir", "generated_music")
	v.SetDefault("artifacts.public_prefix", "/download")
	v.SetDefault("artifacts.mirror", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.events_subject", "musicgen.tasks")
	v.SetDefault("nats.object_bucket", "GENERATED_MUSIC")

	v.SetDefault("audit.driver", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 20)
}

// Load builds the configuration from defaults, an optional config file
// (config.yaml or config.toml in . or ./config) and the environment.
func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("OPENAI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")
	readSecret("AUDIT_DSN")

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
