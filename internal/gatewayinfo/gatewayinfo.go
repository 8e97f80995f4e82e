// ABOUTME: Gateway information provider that supplies the identify concurrency quota.
// ABOUTME: Includes the REST-backed provider, a TTL cache wrapper, and a static provider.

package gatewayinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/shard-fleet/internal/clock"
)

// DefaultAPIURL is the REST base used when none is configured.
const DefaultAPIURL = "https://discord.com/api/v10"

// ErrMissingToken indicates the HTTP provider was built without a bot token.
var ErrMissingToken = errors.New("gateway token is required")

// Info is the subset of the "get gateway bot" response the fleet needs.
type Info struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit describes the session start quota.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// Provider fetches gateway information.
type Provider interface {
	FetchGatewayInformation(ctx context.Context) (*Info, error)
}

// HTTPProvider requests gateway information from the REST API.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the given API base URL and bot token.
// A nil client uses a client with a 10 second timeout.
func NewHTTPProvider(baseURL, token string, client *http.Client) (*HTTPProvider, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}, nil
}

// FetchGatewayInformation calls GET /gateway/bot.
func (p *HTTPProvider) FetchGatewayInformation(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/gateway/bot", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+p.token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting gateway info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway info: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding gateway info: %w", err)
	}
	return &info, nil
}

// Cached wraps a Provider and reuses a successful result for ttl.
// Failures are never cached.
type Cached struct {
	inner Provider
	ttl   time.Duration
	clock clock.Clock

	mu        sync.Mutex
	info      *Info
	fetchedAt time.Time
}

// NewCached wraps inner with a TTL cache. A nil clock uses the real clock.
func NewCached(inner Provider, ttl time.Duration, clk clock.Clock) *Cached {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cached{inner: inner, ttl: ttl, clock: clk}
}

// FetchGatewayInformation returns the cached info while fresh, otherwise
// asks the wrapped provider. Concurrent callers share one fetch.
func (c *Cached) FetchGatewayInformation(ctx context.Context) (*Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.info != nil && c.clock.Now().Sub(c.fetchedAt) < c.ttl {
		return c.info, nil
	}

	info, err := c.inner.FetchGatewayInformation(ctx)
	if err != nil {
		return nil, err
	}
	c.info = info
	c.fetchedAt = c.clock.Now()
	return info, nil
}

// Invalidate drops the cached value.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = nil
}

// Static always returns the same information.
type Static struct {
	Info Info
}

// NewStatic returns a provider reporting the given max concurrency.
func NewStatic(maxConcurrency int) *Static {
	return &Static{Info: Info{SessionStartLimit: SessionStartLimit{MaxConcurrency: maxConcurrency}}}
}

// FetchGatewayInformation returns a copy of the static info.
func (s *Static) FetchGatewayInformation(ctx context.Context) (*Info, error) {
	info := s.Info
	return &info, nil
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (*Info, error)

// FetchGatewayInformation calls f.
func (f ProviderFunc) FetchGatewayInformation(ctx context.Context) (*Info, error) {
	return f(ctx)
}
