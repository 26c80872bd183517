// Package gemini adapts the Google Gemini API to the assistant: one-shot
// analysis with grounded video search, document search, and the Live API
// voice connection.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/plantassist/pkg/core"
	"github.com/vango-go/plantassist/pkg/storage"
)

const (
	DefaultAdviceModel       = "gemini-2.5-flash"
	DefaultTroubleshootModel = "gemini-2.5-pro"
	DefaultSearchModel       = "gemini-2.5-flash"
	DefaultLiveModel         = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultThinkingBudget is the token budget for deep troubleshooting.
	DefaultThinkingBudget = 32768

	// CredentialKey is the storage key holding the API key.
	CredentialKey = "gemini_api_key"
)

// Status describes whether the client can reach the API.
type Status struct {
	Configured bool   `json:"configured"`
	Source     string `json:"source,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint, used by tests.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client used for REST calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client owns the Gemini SDK client. It starts unconfigured; Configure or
// Restore supplies the API key. Every capability returns a not_configured
// error until then.
type Client struct {
	credentials storage.Backend
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger

	mu     sync.RWMutex
	inner  *genai.Client
	source string
}

// NewClient returns an unconfigured client that stores its key in
// credentials. credentials may be nil, in which case keys are not persisted.
func NewClient(credentials storage.Backend, opts ...Option) *Client {
	c := &Client{credentials: credentials}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Status reports the configuration state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{Configured: c.inner != nil, Source: c.source}
}

// Configure builds an SDK client for apiKey and persists the key.
func (c *Client) Configure(ctx context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return core.NewInvalidRequestErrorWithParam("api key must not be empty", "api_key")
	}
	if err := c.configure(ctx, apiKey, "stored"); err != nil {
		return err
	}
	if c.credentials != nil {
		if err := c.credentials.Save(ctx, CredentialKey, []byte(apiKey)); err != nil {
			c.logger.Warn("persist api key failed", "error", err)
			return core.NewPersistenceError(CredentialKey, err)
		}
	}
	return nil
}

// ConfigureFromEnv configures from an environment-supplied key without
// persisting it. An empty key is ignored.
func (c *Client) ConfigureFromEnv(ctx context.Context, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	return c.configure(ctx, apiKey, "env")
}

// Restore loads a previously stored key. A missing key leaves the client
// unconfigured and is not an error.
func (c *Client) Restore(ctx context.Context) error {
	if c.credentials == nil {
		return nil
	}
	data, err := c.credentials.Load(ctx, CredentialKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load api key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil
	}
	return c.configure(ctx, key, "stored")
}

// Forget drops the key from memory and storage.
func (c *Client) Forget(ctx context.Context) error {
	c.mu.Lock()
	c.inner = nil
	c.source = ""
	c.mu.Unlock()
	if c.credentials == nil {
		return nil
	}
	return c.credentials.Delete(ctx, CredentialKey)
}

func (c *Client) configure(ctx context.Context, apiKey, source string) error {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cc.HTTPOptions.BaseURL = c.baseURL
	}
	inner, err := genai.NewClient(ctx, cc)
	if err != nil {
		return core.NewProviderError("gemini", err)
	}
	c.mu.Lock()
	c.inner = inner
	c.source = source
	c.mu.Unlock()
	c.logger.Info("gemini client configured", "source", source)
	return nil
}

func (c *Client) sdk() (*genai.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.inner == nil {
		return nil, core.NewNotConfiguredError("gemini api key is not configured")
	}
	return c.inner, nil
}

// generate runs a single GenerateContent call and returns its text.
func (c *Client) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	sdk, err := c.sdk()
	if err != nil {
		return "", err
	}
	resp, err := sdk.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", core.NewProviderError("gemini", err)
	}
	return resp.Text(), nil
}
