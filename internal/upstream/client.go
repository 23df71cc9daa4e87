package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/tierproxy/internal/catalog"
	"github.com/af-corp/tierproxy/internal/config"
)

// FetchErrorKind says which stage of a catalog fetch failed.
type FetchErrorKind string

const (
	KindNetwork  FetchErrorKind = "network"
	KindUpstream FetchErrorKind = "upstream"
	KindDecode   FetchErrorKind = "decode"
)

// FetchError is returned by FetchModels. StatusCode is set for KindUpstream.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindUpstream {
		return fmt.Sprintf("fetch models: upstream returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch models: %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client talks to an OpenRouter-compatible API.
type Client struct {
	baseURL      string
	apiKey       string
	headers      map[string]string
	injectKey    bool
	fetchTimeout time.Duration

	fetchClient   *http.Client
	forwardClient *http.Client
}

func NewClient(cfg config.UpstreamConfig, proxy config.ProxyConfig) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		headers:      cfg.Headers,
		injectKey:    proxy.InjectAPIKey,
		fetchTimeout: cfg.FetchTimeout,
		fetchClient:  &http.Client{Transport: transport},
		// No client timeout: streamed bodies may run for minutes.
		forwardClient: &http.Client{Transport: transport},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

type modelsResponse struct {
	Data *[]catalog.Descriptor `json:"data"`
}

// FetchModels retrieves the full model list with a single request. The body
// is decoded in full before anything is returned.
func (c *Client) FetchModels(ctx context.Context) ([]catalog.Descriptor, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	c.setStaticHeaders(req.Header)

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: KindUpstream, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	if err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: fmt.Errorf("read body: %w", err)}
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}
	if parsed.Data == nil {
		return nil, &FetchError{Kind: KindDecode, Err: errors.New(`response has no "data" array`)}
	}
	return *parsed.Data, nil
}

// ForwardChat sends a chat completion body upstream and returns the raw
// response for the caller to stream back. Only allow-listed client headers
// are passed through.
func (c *Client) ForwardChat(ctx context.Context, body []byte, clientHeader http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	c.setStaticHeaders(req.Header)
	CopyRequestHeaders(req.Header, clientHeader)
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Authorization") == "" && c.injectKey && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.ContentLength = int64(len(body))

	resp, err := c.forwardClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward chat completion: %w", err)
	}
	return resp, nil
}

func (c *Client) setStaticHeaders(h http.Header) {
	for k, v := range c.headers {
		if v != "" {
			h.Set(k, v)
		}
	}
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
