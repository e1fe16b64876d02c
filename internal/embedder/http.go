package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultHTTPTimeout bounds a single embedding call when the caller's context
// has no earlier deadline.
const defaultHTTPTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept for the error.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from an HTTP embedding backend.
type StatusError struct {
	// Backend is "ollama", "openai" or "azure".
	Backend string
	// Status is the HTTP status code.
	Status int
	// Message is the backend's error text, when it sent one.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s embedder: HTTP %d", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Status, e.Message)
}

// Throttled reports whether the backend rejected the call for quota or load.
func (e *StatusError) Throttled() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// IsThrottled reports whether err wraps a throttling StatusError.
func IsThrottled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Throttled()
}

// jsonClient posts JSON to an embedding backend and decodes the reply.
type jsonClient struct {
	backend string
	http    *http.Client
	header  http.Header
}

func newJSONClient(backend string, header http.Header) jsonClient {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return jsonClient{
		backend: backend,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		header:  header,
	}
}

// post sends in to url and decodes a 2xx body into out. On other statuses the
// body is handed to errMessage to extract the backend's own error text.
func (c jsonClient) post(ctx context.Context, url string, in, out any, errMessage func([]byte) string) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s embedder: marshal request: %w", c.backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s embedder: create request: %w", c.backend, err)
	}
	req.Header = c.header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s embedder: request failed: %w", c.backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Backend: c.backend, Status: resp.StatusCode}
		if errMessage != nil {
			se.Message = errMessage(body)
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s embedder: decode response: %w", c.backend, err)
	}
	return nil
}
