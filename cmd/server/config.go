package main

import (
	"fmt"
	"os"
	"time"

	"github.com/aquachat-app/aqua-web-ui/internal/handlers"
	"github.com/aquachat-app/aqua-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string `yaml:"port"`
	Language     string `yaml:"language"`
	SystemPrompt string `yaml:"systemPrompt"`

	// LLMTimeout bounds the completion call, e.g. "60s". Empty or "0" keeps
	// the unbounded behavior.
	LLMTimeout string `yaml:"llmTimeout"`

	Storage storageConfig `yaml:"storage"`
	Reveal  revealConfig  `yaml:"reveal"`

	AudioCacheSize int `yaml:"audioCacheSize"`

	LLM llmConfig `yaml:"llm"`
}

type storageConfig struct {
	// Backend selects the durable KV implementation: "bolt" (default) or
	// "file".
	Backend string `yaml:"backend"`
}

type revealConfig struct {
	// TickMs is the reveal tick interval in milliseconds.
	TickMs int `yaml:"tickMs"`
	// PersistEvery persists the collection every Nth tick.
	PersistEvery int `yaml:"persistEvery"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port           string         `yaml:"port"`
		Language       string         `yaml:"language"`
		SystemPrompt   string         `yaml:"systemPrompt"`
		LLMTimeout     string         `yaml:"llmTimeout"`
		Storage        storageConfig  `yaml:"storage"`
		Reveal         revealConfig   `yaml:"reveal"`
		AudioCacheSize int            `yaml:"audioCacheSize"`
		LLM            map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.Language = rawConfig.Language
	c.SystemPrompt = rawConfig.SystemPrompt
	c.LLMTimeout = rawConfig.LLMTimeout
	c.Storage = rawConfig.Storage
	c.Reveal = rawConfig.Reveal
	c.AudioCacheSize = rawConfig.AudioCacheSize

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

// llmTimeout parses the configured timeout. Empty means none.
func (c config) llmTimeout() (time.Duration, error) {
	if c.LLMTimeout == "" || c.LLMTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.LLMTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid llmTimeout: %w", err)
	}
	return d, nil
}

func (o ollamaConfig) llm(systemPrompt string) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model, systemPrompt), nil
}

func (o openAIConfig) llm(systemPrompt string) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.Model, systemPrompt, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, systemPrompt, a.MaxTokens), nil
}
