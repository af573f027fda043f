package config

import (
	"errors"
	"fmt"
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
	Server     ServerConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Book       BookConfig
	Validation ValidationConfig
	Engine     EngineConfig
	LLM        LLMConfig
	SMTP       SMTPConfig
	Callback   CallbackConfig
	Storage    StorageConfig
	Export     ExportConfig
	Otel       OtelConfig
	Admin      AdminConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
	BaseURL  string
}

type RedisConfig struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// Addr returns host:port for go-redis and asynq.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type DatabaseConfig struct {
	URL string
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	PerMinute       int
	NotifyPerMinute int
	NotifyPerHour   int
}

type BookConfig struct {
	TotalWords      int
	ChaptersNumber  int
	WordsPerChapter int
	Root            string
}

type ValidationConfig struct {
	Tolerance   float64
	MinAbsolute int
	MaxAbsolute int
}

type EngineConfig struct {
	WorkerConcurrency int
	ParallelWorkers   int
	MaxRetries        int
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type SMTPConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	FromEmail string
	StartTLS  bool
}

// Enabled reports whether email delivery is configured.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.FromEmail != ""
}

type CallbackConfig struct {
	Timeout time.Duration
}

type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// Enabled reports whether artifact publication to object storage is configured.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

type ExportConfig struct {
	WordTemplatePath string
	OutputDir        string
	PandocPath       string
}

type OtelConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	ServiceName string
}

// AdminConfig names where operator alerts go.
type AdminConfig struct {
	Email       string
	CallbackURL string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("SMTP_PASSWORD")
	readSecret("LLM_API_KEY")
	readSecret("S3_SECRET_ACCESS_KEY")
	readSecret("API_JWT_SECRET")
	readSecret("DATABASE_URL")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	binds := map[string]string{
		"server.port":                 "SERVER_PORT",
		"server.env":                  "SERVER_ENV",
		"server.log_level":            "LOG_LEVEL",
		"server.base_url":             "PUBLIC_BASE_URL",
		"redis.host":                  "REDIS_HOST",
		"redis.port":                  "REDIS_PORT",
		"redis.db":                    "REDIS_DB",
		"redis.password":              "REDIS_PASSWORD",
		"database.url":                "DATABASE_URL",
		"jwt.secret":                  "API_JWT_SECRET",
		"ratelimit.per_minute":        "RATE_LIMIT_PER_MINUTE",
		"ratelimit.notify_per_minute": "RATE_LIMIT_NOTIFY_PER_MINUTE",
		"ratelimit.notify_per_hour":   "RATE_LIMIT_NOTIFY_PER_HOUR",
		"book.total_words":            "TOTAL_WORDS",
		"book.chapters_number":        "CHAPTERS_NUMBER",
		"book.words_per_chapter":      "WORDS_PER_CHAPTER",
		"book.root":                   "BIOS_ROOT",
		"validation.tolerance":        "VALIDATION_TOLERANCE",
		"validation.min_absolute":     "VALIDATION_MIN_WORDS",
		"validation.max_absolute":     "VALIDATION_MAX_WORDS",
		"engine.worker_concurrency":   "WORKER_CONCURRENCY",
		"engine.parallel_workers":     "PARALLEL_WORKERS",
		"engine.max_retries":          "MAX_RETRIES",
		"llm.api_key":                 "LLM_API_KEY",
		"llm.base_url":                "LLM_BASE_URL",
		"llm.model":                   "LLM_MODEL",
		"llm.timeout":                 "LLM_TIMEOUT",
		"smtp.host":                   "SMTP_HOST",
		"smtp.port":                   "SMTP_PORT",
		"smtp.user":                   "SMTP_USER",
		"smtp.password":               "SMTP_PASSWORD",
		"smtp.from_email":             "FROM_EMAIL",
		"smtp.starttls":               "SMTP_STARTTLS",
		"callback.timeout":            "CALLBACK_TIMEOUT",
		"storage.endpoint":            "S3_ENDPOINT",
		"storage.region":              "S3_REGION",
		"storage.bucket":              "S3_BUCKET",
		"storage.access_key_id":       "S3_ACCESS_KEY_ID",
		"storage.secret_access_key":   "S3_SECRET_ACCESS_KEY",
		"storage.public_url":          "S3_PUBLIC_URL",
		"export.word_template_path":   "WORD_TEMPLATE_PATH",
		"export.output_dir":           "EXPORT_OUTPUT_DIR",
		"export.pandoc_path":          "PANDOC_PATH",
		"otel.enabled":                "OTEL_ENABLED",
		"otel.endpoint":               "OTEL_EXPORTER_OTLP_ENDPOINT",
		"otel.insecure":               "OTEL_EXPORTER_OTLP_INSECURE",
		"otel.sample_ratio":           "OTEL_SAMPLER_RATIO",
		"otel.service_name":           "OTEL_SERVICE_NAME",
		"admin.email":                 "ADMIN_EMAIL",
		"admin.callback_url":          "ADMIN_CALLBACK_URL",
	}
	for key, env := range binds {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
			BaseURL:  v.GetString("server.base_url"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			DB:       v.GetInt("redis.db"),
			Password: v.GetString("redis.password"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			PerMinute:       v.GetInt("ratelimit.per_minute"),
			NotifyPerMinute: v.GetInt("ratelimit.notify_per_minute"),
			NotifyPerHour:   v.GetInt("ratelimit.notify_per_hour"),
		},
		Book: BookConfig{
			TotalWords:      v.GetInt("book.total_words"),
			ChaptersNumber:  v.GetInt("book.chapters_number"),
			WordsPerChapter: v.GetInt("book.words_per_chapter"),
			Root:            v.GetString("book.root"),
		},
		Validation: ValidationConfig{
			Tolerance:   v.GetFloat64("validation.tolerance"),
			MinAbsolute: v.GetInt("validation.min_absolute"),
			MaxAbsolute: v.GetInt("validation.max_absolute"),
		},
		Engine: EngineConfig{
			WorkerConcurrency: v.GetInt("engine.worker_concurrency"),
			ParallelWorkers:   v.GetInt("engine.parallel_workers"),
			MaxRetries:        v.GetInt("engine.max_retries"),
		},
		LLM: LLMConfig{
			APIKey:  v.GetString("llm.api_key"),
			BaseURL: v.GetString("llm.base_url"),
			Model:   v.GetString("llm.model"),
			Timeout: v.GetDuration("llm.timeout"),
		},
		SMTP: SMTPConfig{
			Host:      v.GetString("smtp.host"),
			Port:      v.GetInt("smtp.port"),
			User:      v.GetString("smtp.user"),
			Password:  v.GetString("smtp.password"),
			FromEmail: v.GetString("smtp.from_email"),
			StartTLS:  v.GetBool("smtp.starttls"),
		},
		Callback: CallbackConfig{
			Timeout: v.GetDuration("callback.timeout"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			PublicURL:       v.GetString("storage.public_url"),
		},
		Export: ExportConfig{
			WordTemplatePath: v.GetString("export.word_template_path"),
			OutputDir:        v.GetString("export.output_dir"),
			PandocPath:       v.GetString("export.pandoc_path"),
		},
		Otel: OtelConfig{
			Enabled:     v.GetBool("otel.enabled"),
			Endpoint:    v.GetString("otel.endpoint"),
			Insecure:    v.GetBool("otel.insecure"),
			SampleRatio: v.GetFloat64("otel.sample_ratio"),
			ServiceName: v.GetString("otel.service_name"),
		},
		Admin: AdminConfig{
			Email:       v.GetString("admin.email"),
			CallbackURL: v.GetString("admin.callback_url"),
		},
	}

	if cfg.Book.WordsPerChapter <= 0 && cfg.Book.ChaptersNumber > 0 {
		cfg.Book.WordsPerChapter = cfg.Book.TotalWords / cfg.Book.ChaptersNumber
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("database.url", "sqlite://bookgen.db")
	v.SetDefault("ratelimit.per_minute", 60)
	v.SetDefault("ratelimit.notify_per_minute", 60)
	v.SetDefault("ratelimit.notify_per_hour", 500)

	v.SetDefault("book.total_words", 51000)
	v.SetDefault("book.chapters_number", 20)
	v.SetDefault("book.words_per_chapter", 0)
	v.SetDefault("book.root", "bios")

	v.SetDefault("validation.tolerance", 0.05)
	v.SetDefault("validation.min_absolute", 3000)
	v.SetDefault("validation.max_absolute", 15000)

	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.parallel_workers", 4)
	v.SetDefault("engine.max_retries", 3)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 120*time.Second)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.starttls", true)

	v.SetDefault("callback.timeout", 30*time.Second)

	v.SetDefault("storage.region", "auto")

	v.SetDefault("export.output_dir", "")
	v.SetDefault("export.pandoc_path", "pandoc")

	v.SetDefault("otel.sample_ratio", 0.1)
	v.SetDefault("otel.service_name", "bookgen")
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Book.TotalWords <= 0 {
		errs = append(errs, fmt.Errorf("TOTAL_WORDS must be positive, got %d", c.Book.TotalWords))
	}
	if c.Book.ChaptersNumber <= 0 {
		errs = append(errs, fmt.Errorf("CHAPTERS_NUMBER must be positive, got %d", c.Book.ChaptersNumber))
	}
	if c.Book.WordsPerChapter <= 0 {
		errs = append(errs, fmt.Errorf("WORDS_PER_CHAPTER must be positive, got %d", c.Book.WordsPerChapter))
	}
	if c.Validation.Tolerance < 0 || c.Validation.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("VALIDATION_TOLERANCE must be in [0,1), got %v", c.Validation.Tolerance))
	}
	if c.Validation.MinAbsolute > c.Validation.MaxAbsolute {
		errs = append(errs, fmt.Errorf("absolute word bounds inverted: %d > %d", c.Validation.MinAbsolute, c.Validation.MaxAbsolute))
	}
	if c.RateLimit.PerMinute <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimit.PerMinute))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.Engine.MaxRetries))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Server.Env == "production" && c.JWT.Secret == "" {
		errs = append(errs, errors.New("API_JWT_SECRET is required in production"))
	}
	if c.SMTP.Host != "" && c.SMTP.FromEmail == "" {
		errs = append(errs, errors.New("FROM_EMAIL is required when SMTP_HOST is set"))
	}
	return errors.Join(errs...)
}
