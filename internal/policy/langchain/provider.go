package langchain

import (
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultOllamaModel is the lightweight local model used for offline testing.
const DefaultOllamaModel = "llama3.2:3b"

// DefaultOllamaURL is where a local Ollama listens by default.
const DefaultOllamaURL = "http://localhost:11434"

// ProviderConfig selects and configures a langchaingo model.
type ProviderConfig struct {
	// Provider is "ollama" or "openai".
	Provider string
	Model    string
	BaseURL  string
	APIKey   string

	// HTTPClient is optional; tests inject a recording client.
	HTTPClient *http.Client
}

// NewModel constructs the langchaingo model described by cfg.
func NewModel(cfg ProviderConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "ollama", "":
		model := cfg.Model
		if model == "" {
			model = DefaultOllamaModel
		}
		url := cfg.BaseURL
		if url == "" {
			url = DefaultOllamaURL
		}
		opts := []ollama.Option{ollama.WithModel(model), ollama.WithServerURL(url)}
		if cfg.HTTPClient != nil {
			opts = append(opts, ollama.WithHTTPClient(cfg.HTTPClient))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("ollama: %w", err)
		}
		return llm, nil

	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("openai: %w", err)
		}
		return llm, nil

	default:
		return nil, fmt.Errorf("unsupported langchain provider: %s", cfg.Provider)
	}
}
