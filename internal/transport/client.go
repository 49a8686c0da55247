package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client is the interface for the HTTP transport layer. All engine API
// calls go through this interface.
type Client interface {
	// Do sends an HTTP request and returns the response.
	Do(ctx context.Context, req *Request) (*Response, error)

	// Stats returns transport statistics.
	Stats() *TransportStats
}

// TransportStats holds aggregate statistics for the transport client.
type TransportStats struct {
	TotalRequests int64
	TotalErrors   int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
}

// ClientOptions holds configuration for creating a new DefaultClient.
type ClientOptions struct {
	// Timeout is the default timeout for all requests.
	Timeout time.Duration

	// MaxRPS is the maximum requests per second (0 = unlimited).
	MaxRPS float64
}

// DefaultClient is the default implementation of the Client interface,
// backed by net/http.
type DefaultClient struct {
	httpClient      *http.Client
	opts            ClientOptions
	limiter         *rate.Limiter
	mu              sync.RWMutex
	totalRequests   int64
	totalErrors     int64
	totalDurationNs int64
}

// NewClient creates a new DefaultClient with the given options.
func NewClient(opts ClientOptions) *DefaultClient {
	// The engine listens on loopback; never route it through a proxy.
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	dc := &DefaultClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}

	if opts.MaxRPS > 0 {
		dc.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}

	return dc
}

// Do sends an HTTP request and returns the response. It applies rate
// limiting, timing measurement and the optional per-request timeout.
func (c *DefaultClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)

	if err != nil {
		c.record(duration, true)
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.record(duration, true)
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	c.record(duration, false)

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Duration:   duration,
		URL:        httpResp.Request.URL.String(),
	}, nil
}

func (c *DefaultClient) record(d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.totalDurationNs += d.Nanoseconds()
	if failed {
		c.totalErrors++
	}
}

// Stats returns aggregate transport statistics.
func (c *DefaultClient) Stats() *TransportStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := &TransportStats{
		TotalRequests: c.totalRequests,
		TotalErrors:   c.totalErrors,
		TotalDuration: time.Duration(c.totalDurationNs),
	}
	if c.totalRequests > 0 {
		stats.AvgDuration = time.Duration(c.totalDurationNs / c.totalRequests)
	}
	return stats
}
