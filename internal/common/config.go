package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Upload   UploadConfig
	OCR      OCRConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Queue    QueueConfig
	Log      LogConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite | memory
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// UploadConfig holds document storage configuration
type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	TessdataDir   string
	TesseractLang string
	DPI           int
	MaxPages      int
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Provider        string // openai | anthropic
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	AnthropicAPIKey string
	AnthropicModel  string
	Temperature     float32
	Timeout         time.Duration
	RatePerSec      float64
	Burst           int
}

// PipelineConfig holds controller timing configuration
type PipelineConfig struct {
	AdvanceTimeout time.Duration
	LockTimeout    time.Duration
	StageTimeout   time.Duration
}

// QueueConfig holds async worker pool configuration
type QueueConfig struct {
	Workers        int
	Size           int
	ProcessTimeout time.Duration
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8000"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8080"),
			CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Upload: UploadConfig{
			Dir:      getEnv("UPLOAD_DIR", "./uploads"),
			MaxBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 10<<20),
		},
		OCR: OCRConfig{
			TessdataDir:   getEnv("TESSDATA_PREFIX", ""),
			TesseractLang: getEnv("TESSERACT_LANG", "eng"),
			DPI:           getEnvAsInt("OCR_DPI", 300),
			MaxPages:      getEnvAsInt("OCR_MAX_PAGES", 0),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-haiku-4-5-20251001"),
			Temperature:     getEnvAsFloat32("LLM_TEMPERATURE", 0.3),
			Timeout:         getEnvAsDuration("LLM_TIMEOUT", 60*time.Second),
			RatePerSec:      getEnvAsFloat64("LLM_RATE_PER_SEC", 2),
			Burst:           getEnvAsInt("LLM_BURST", 4),
		},
		Pipeline: PipelineConfig{
			AdvanceTimeout: getEnvAsDuration("ADVANCE_TIMEOUT", 2*time.Minute),
			LockTimeout:    getEnvAsDuration("LOCK_TIMEOUT", 5*time.Second),
			StageTimeout:   getEnvAsDuration("STAGE_TIMEOUT", 5*time.Minute),
		},
		Queue: QueueConfig{
			Workers:        getEnvAsInt("QUEUE_WORKERS", 4),
			Size:           getEnvAsInt("QUEUE_SIZE", 256),
			ProcessTimeout: getEnvAsDuration("QUEUE_PROCESS_TIMEOUT", 10*time.Minute),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// comma separated, blanks dropped
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return configError("DB_URL", "required for store driver "+c.Database.Driver)
		}
	case "memory":
	default:
		return configError("STORE_DRIVER", "must be one of postgres, sqlite, memory")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			return configError("OPENAI_API_KEY", "required")
		}
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" {
			return configError("ANTHROPIC_API_KEY", "required")
		}
	default:
		return configError("LLM_PROVIDER", "must be openai or anthropic")
	}
	if c.Server.HTTPAddr == "" {
		return configError("HTTP_ADDR", "required")
	}
	if c.Server.GRPCAddr == "" {
		return configError("GRPC_ADDR", "required")
	}
	if c.Upload.MaxBytes <= 0 {
		return configError("MAX_UPLOAD_BYTES", "must be positive")
	}
	if c.Pipeline.LockTimeout <= 0 || c.Pipeline.AdvanceTimeout <= 0 {
		return configError("ADVANCE_TIMEOUT/LOCK_TIMEOUT", "must be positive")
	}
	return nil
}
