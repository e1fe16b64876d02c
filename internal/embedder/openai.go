package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// OpenAIEmbedder calls the OpenAI embeddings API, or an Azure OpenAI
// deployment of it.
type OpenAIEmbedder struct {
	endpoint   string
	model      string
	dimensions int
	client     jsonClient
}

// OpenAIConfig configures an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1" for OpenAI, or
	// "https://<resource>.openai.azure.com/openai" for Azure.
	BaseURL string
	APIKey  string
	// Model is the model name, or the deployment name on Azure.
	Model string
	// Dimensions asks text-embedding-3 models for shortened vectors. Zero
	// keeps the model's native length.
	Dimensions int
	// Azure switches to the api-key header and deployment URL layout.
	Azure bool
	// APIVersion is required by Azure and ignored otherwise.
	APIVersion string
}

// NewOpenAIEmbedder builds an embedder for cfg.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	base := strings.TrimRight(cfg.BaseURL, "/")
	header := http.Header{}
	backend := "openai"
	endpoint := base + "/embeddings"
	if cfg.Azure {
		backend = "azure"
		header.Set("api-key", cfg.APIKey)
		endpoint = base + "/deployments/" + url.PathEscape(cfg.Model) + "/embeddings?api-version=" + url.QueryEscape(cfg.APIVersion)
	} else {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAIEmbedder{
		endpoint:   endpoint,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		client:     newJSONClient(backend, header),
	}
}

type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// openaiErrorMessage extracts error.message from an OpenAI error body.
func openaiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error.Message
	}
	return ""
}

// Model returns the model or deployment name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// EmbedBatch embeds texts in one request. The API may answer out of order, so
// vectors are placed by their index field.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var res openaiEmbedResponse
	req := openaiEmbedRequest{Input: texts, Model: e.model, Dimensions: e.dimensions}
	if err := e.client.post(ctx, e.endpoint, req, &res, openaiErrorMessage); err != nil {
		return nil, err
	}

	if len(res.Data) != len(texts) {
		return nil, fmt.Errorf("%s embedder: expected %d embeddings, got %d", e.client.backend, len(texts), len(res.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range res.Data {
		if d.Index < 0 || d.Index >= len(texts) || out[d.Index] != nil {
			return nil, fmt.Errorf("%s embedder: bad or repeated index %d", e.client.backend, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
