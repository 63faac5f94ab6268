package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	LLMProvider           string
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	AzureOpenAIAPIVersion string
	AnthropicAPIKey       string
	Model                 string
	FallbackModel         string
	EmbeddingModel        string
	LLMMaxRetries         int
	LLMRetryDelay         time.Duration

	PineconeAPIKey    string
	PineconeIndexName string

	FeedbackEnabled   bool
	FeedbackThreshold float64
	FeedbackTopK      int

	DirectRoutingPhases   []string
	ClampPhaseTransitions bool

	SessionStore string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[INFO] No .env file loaded: %v", err)
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))
	model, fallbackModel := defaultModels(provider)

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DB_URL"),

		LLMProvider:           provider,
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		AzureOpenAIAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		Model:                 getEnv("TUTOR_MODEL", model),
		FallbackModel:         getEnv("TUTOR_FALLBACK_MODEL", fallbackModel),
		EmbeddingModel:        getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMMaxRetries:         getEnvInt("LLM_MAX_RETRIES", 3),
		LLMRetryDelay:         getEnvDuration("LLM_RETRY_DELAY", time.Second),

		PineconeAPIKey:    os.Getenv("PINECONE_API_KEY"),
		PineconeIndexName: getEnv("PINECONE_INDEX_NAME", "microtutor-index"),

		FeedbackEnabled:   getEnvBool("FEEDBACK_ENABLED", false),
		FeedbackThreshold: getEnvFloat("FEEDBACK_THRESHOLD", 0.7),
		FeedbackTopK:      getEnvInt("FEEDBACK_TOP_K", 3),

		DirectRoutingPhases:   splitList(os.Getenv("DIRECT_ROUTING_PHASES")),
		ClampPhaseTransitions: getEnvBool("CLAMP_PHASE_TRANSITIONS", true),

		SessionStore: strings.ToLower(getEnv("SESSION_STORE", "memory")),
	}
}

// defaultModels returns the primary and fallback model for a provider.
func defaultModels(provider string) (string, string) {
	if provider == "anthropic" {
		return "claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"
	}
	return "gpt-4o", "gpt-4o-mini"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[WARN] Invalid integer for %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("[WARN] Invalid float for %s=%q, using %v", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("[WARN] Invalid boolean for %s=%q, using %v", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[WARN] Invalid duration for %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, strings.ToLower(trimmed))
		}
	}
	return out
}
