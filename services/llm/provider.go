package llm

import (
	"fmt"
	"log"

	"microtutor/config"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderAnthropic = "anthropic"
)

// New builds a Client for the provider named in the config.
func New(cfg *config.Config) (*Client, error) {
	log.Printf("[INFO] Initializing LLM client (provider: %s, model: %s, fallback: %s)", cfg.LLMProvider, cfg.Model, cfg.FallbackModel)

	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}

	retryConfig := DefaultRetryConfig()
	if cfg.LLMMaxRetries > 0 {
		retryConfig.MaxAttempts = cfg.LLMMaxRetries
	}
	if cfg.LLMRetryDelay > 0 {
		retryConfig.InitialBackoff = cfg.LLMRetryDelay
	}

	return NewClient(model, cfg.Model, cfg.FallbackModel, retryConfig), nil
}

func newModel(cfg *config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case ProviderOpenAI, "":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for provider %s", ProviderOpenAI)
		}
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(cfg.OpenAIAPIKey),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return llm, nil

	case ProviderAzure:
		if cfg.OpenAIAPIKey == "" || cfg.OpenAIBaseURL == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY and OPENAI_BASE_URL are required for provider %s", ProviderAzure)
		}
		llm, err := openai.New(azureOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure OpenAI client: %w", err)
		}
		return llm, nil

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for provider %s", ProviderAnthropic)
		}
		return NewAnthropicModel(cfg.AnthropicAPIKey, cfg.Model), nil
	}

	return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLMProvider)
}

func azureOptions(cfg *config.Config) []openai.Option {
	return []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithAPIType(openai.APITypeAzure),
		openai.WithAPIVersion(cfg.AzureOpenAIAPIVersion),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
	}
}

// NewEmbedder returns an OpenAI (or Azure OpenAI) embedder. Anthropic has no
// embedding endpoint, so retrieval always embeds through OpenAI.
func NewEmbedder(cfg *config.Config) (embeddings.Embedder, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for embeddings")
	}

	var opts []openai.Option
	if cfg.LLMProvider == ProviderAzure {
		opts = azureOptions(cfg)
	} else {
		opts = []openai.Option{
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbeddingModel),
		}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}
