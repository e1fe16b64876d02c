// Package provider builds the generation side of the engine: one eino chat
// model per configured backend (Ollama, OpenAI, Azure OpenAI, AWS Bedrock,
// Google Gemini), the Generator adapter around it, and the Manager that fails
// over between providers behind per-provider circuit breakers.
package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// ProviderOllama configures a local Ollama server.
type ProviderOllama struct {
	Host  string
	Model string
}

// ProviderOpenAI configures the OpenAI API.
type ProviderOpenAI struct {
	APIKey string
	Model  string
}

// ProviderAzureOpenAI configures an Azure OpenAI deployment.
type ProviderAzureOpenAI struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// ProviderBedrock configures AWS Bedrock. Endpoint and APIKey are only needed
// when routing through a Bedrock-compatible gateway.
type ProviderBedrock struct {
	AWSRegion string
	ModelID   string
	Endpoint  string
	APIKey    string
}

// ProviderGemini configures Google Gemini.
type ProviderGemini struct {
	APIKey string
	Model  string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens generated per response.
	MaxTokens int
	// Temperature controls response randomness (0.0-1.0).
	Temperature float32
}

// Config selects one backend and carries the settings of every backend so a
// single environment can describe several providers.
type Config struct {
	Backend     Backend
	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Bedrock     ProviderBedrock
	Gemini      ProviderGemini
	Tuning      SharedTuning
}

// Validate checks that the selected backend has everything it needs, naming
// the missing environment variables so startup errors are actionable.
func (c *Config) Validate() error {
	var missing []string
	req := func(v, env string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, env)
		}
	}

	switch c.Backend {
	case BackendOllama:
		req(c.Ollama.Host, "OLLAMA_HOST")
		req(c.Ollama.Model, "OLLAMA_MODEL")
	case BackendOpenAI:
		req(c.OpenAI.APIKey, "OPENAI_API_KEY")
		req(c.OpenAI.Model, "OPENAI_MODEL")
	case BackendAzure:
		req(c.AzureOpenAI.APIKey, "AZURE_OPENAI_API_KEY")
		req(c.AzureOpenAI.Endpoint, "AZURE_OPENAI_ENDPOINT")
		req(c.AzureOpenAI.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	case BackendBedrock:
		req(c.Bedrock.ModelID, "BEDROCK_MODEL_ID")
		req(c.Bedrock.AWSRegion, "AWS_REGION")
	case BackendGemini:
		req(c.Gemini.APIKey, "GOOGLE_API_KEY")
		req(c.Gemini.Model, "GEMINI_MODEL")
	default:
		return fmt.Errorf("provider: unknown backend %q, valid values: ollama, openai, azure, bedrock, gemini", c.Backend)
	}

	if len(missing) > 0 {
		return fmt.Errorf("provider: %s backend: %w", c.Backend,
			errors.New("missing required configuration: "+strings.Join(missing, ", ")))
	}
	return nil
}

// ModelName returns the model or deployment the selected backend will call.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendBedrock:
		return c.Bedrock.ModelID
	case BackendGemini:
		return c.Gemini.Model
	default:
		return ""
	}
}

// reasoningPrefixes are Azure deployment name prefixes for models that reject
// temperature and max_tokens.
var reasoningPrefixes = []string{"o1", "o3", "o4", "codex"}

// isAzureReasoningModel reports whether deployment names an o-series or
// codex-class model.
func isAzureReasoningModel(deployment string) bool {
	d := strings.ToLower(deployment)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}
