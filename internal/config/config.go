package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/suPer8Hu/character-chat/internal/ai"
)

type Config struct {
	HTTPAddr  string
	DBDSN     string
	JWTSecret string

	// AdminToken guards character seeding and balance credits; empty disables those routes.
	AdminToken string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// LockBackend selects per-room locking: "local" (single process) or "redis".
	LockBackend string

	LogLevel  string
	LogPretty bool

	// Conversation engine
	ChatContextWindowSize  int
	ChatContextTokenLimit  int
	DefaultResponseLength  int
	GenerationTimeout      time.Duration
	MemorySummaryThreshold int

	// Balance
	BalanceLowThreshold int64
	BalancePolicy       string
	CostPerToken        int64

	// AI provider
	AIProvider        string
	AIModel           string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	OpenAIModel       string

	// Media
	MediaDir      string
	MediaBaseURL  string
	MediaMaxBytes int64

	// rabbitMQ
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int
}

func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/character_chat?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "character_chat",
		)
	}

	aiProvider := strings.ToLower(getEnv("AI_PROVIDER", "ollama"))

	return Config{
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		DBDSN:      dsn,
		JWTSecret:  getEnv("JWT_SECRET", "dev-secret-change-me"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
		LockBackend:   strings.ToLower(getEnv("LOCK_BACKEND", "local")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getBool("LOG_PRETTY", false),

		ChatContextWindowSize:  getInt("CHAT_CONTEXT_WINDOW_SIZE", 20),
		ChatContextTokenLimit:  getInt("CHAT_CONTEXT_TOKEN_LIMIT", 6000),
		DefaultResponseLength:  getInt("DEFAULT_RESPONSE_LENGTH", 400),
		GenerationTimeout:      getDuration("GENERATION_TIMEOUT", 90*time.Second),
		MemorySummaryThreshold: getInt("MEMORY_SUMMARY_THRESHOLD", 20),

		BalanceLowThreshold: int64(getInt("BALANCE_LOW_THRESHOLD", 1000)),
		BalancePolicy:       strings.ToLower(getEnv("BALANCE_POLICY", "hard_cap")),
		CostPerToken:        int64(getInt("COST_PER_TOKEN", 1)),

		AIProvider:        aiProvider,
		AIModel:           os.Getenv("AI_MODEL"),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		MediaDir:      getEnv("MEDIA_DIR", "./data/media"),
		MediaBaseURL:  getEnv("MEDIA_BASE_URL", "http://localhost:8080/media"),
		MediaMaxBytes: int64(getInt("MEDIA_MAX_BYTES", 5<<20)),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       getEnv("RABBIT_QUEUE", "memory_jobs"),
		WorkerConcurrency: clamp(getInt("WORKER_CONCURRENCY", 2), 1, 50),
	}
}

// DefaultModel is the model name for the configured provider.
func (c Config) DefaultModel() string {
	if c.AIModel != "" {
		return c.AIModel
	}
	switch c.AIProvider {
	case "openrouter":
		return c.OpenRouterModel
	case "openai":
		return c.OpenAIModel
	default:
		return c.OllamaModel
	}
}

// AISettings is the provider configuration for ai.NewDefaultRegistry.
func (c Config) AISettings() ai.Settings {
	return ai.Settings{
		OllamaBaseURL:     c.OllamaBaseURL,
		OllamaModel:       c.OllamaModel,
		OpenRouterBaseURL: c.OpenRouterBaseURL,
		OpenRouterAPIKey:  c.OpenRouterAPIKey,
		OpenRouterModel:   c.OpenRouterModel,
		OpenRouterSiteURL: c.OpenRouterSiteURL,
		OpenRouterAppName: c.OpenRouterAppName,
		OpenAIBaseURL:     c.OpenAIBaseURL,
		OpenAIAPIKey:      c.OpenAIAPIKey,
		OpenAIModel:       c.OpenAIModel,
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
