package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/VladPil/llm-gateway/logger"
)

// BaseProvider provides common functionality shared across backend
// implementations. Embed it in concrete provider structs.
type BaseProvider struct {
	name   string
	kind   string
	client *http.Client
}

// NewBaseProvider creates a BaseProvider with the shared HTTP client.
func NewBaseProvider(name, kind string, client *http.Client) BaseProvider {
	return BaseProvider{name: name, kind: kind, client: client}
}

// Name returns the registered model name.
func (b *BaseProvider) Name() string { return b.name }

// Kind returns the provider kind.
func (b *BaseProvider) Kind() string { return b.kind }

// HTTPClient returns the underlying HTTP client for backend-specific use.
func (b *BaseProvider) HTTPClient() *http.Client { return b.client }

// Cleanup closes the HTTP client's idle connections.
func (b *BaseProvider) Cleanup() error {
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	return nil
}

// APIKeyFromEnv reads an API key, trying the primary variable first.
func APIKeyFromEnv(primary, fallback string) string {
	if key := os.Getenv(primary); key != "" {
		return key
	}
	return os.Getenv(fallback)
}

// RequestHeaders is a map of HTTP header key-value pairs.
type RequestHeaders map[string]string

// PostJSON performs a JSON POST with common error handling, classifying
// non-200 responses into the provider error taxonomy.
func (b *BaseProvider) PostJSON(ctx context.Context, url string, request any, headers RequestHeaders) ([]byte, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	logger.Debug("provider request", "provider", b.kind, "model", b.name, "url", logger.RedactSensitiveData(url))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus(b.kind, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// PostStream performs a JSON POST expecting an SSE response body. The caller
// owns the returned body and must close it.
func (b *BaseProvider) PostStream(ctx context.Context, url string, request any, headers RequestHeaders) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := b.client.Do(req) //nolint:bodyclose // body ownership transfers to the caller
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, ClassifyHTTPStatus(b.kind, resp.StatusCode, body)
	}
	return resp.Body, nil
}
