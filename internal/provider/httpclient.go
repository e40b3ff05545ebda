package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options 供应商HTTP客户端配置
type Options struct {
	BaseURL           string
	APIKey            string
	Reliability       float64
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// baseClient shared HTTP plumbing: per-call timeout, token bucket, circuit breaker and status mapping
type baseClient struct {
	name        string
	baseURL     string
	apiKey      string
	reliability float64
	timeout     time.Duration
	http        *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

func newBaseClient(name, defaultBaseURL string, opts Options, logger *zap.Logger) *baseClient {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// NotFound is a valid answer, and a caller's cancellation says nothing about vendor health
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == KindNotFound || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("供应商熔断状态变化",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &baseClient{
		name:        name,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		reliability: opts.Reliability,
		timeout:     timeout,
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		breaker:     gobreaker.NewCircuitBreaker(st),
		logger:      logger.With(zap.String("provider", name)),
	}
}

func (c *baseClient) Name() string         { return c.name }
func (c *baseClient) Reliability() float64 { return c.reliability }

// getJSON performs GET baseURL+path?query and decodes the body into dest
func (c *baseClient) getJSON(ctx context.Context, path string, query url.Values, dest interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NewError(c.name, KindUnavailable, ctxErr)
		}
		return NewError(c.name, KindRateLimited, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, query, dest)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewError(c.name, KindUnavailable, err)
	}
	return err
}

func (c *baseClient) do(ctx context.Context, path string, query url.Values, dest interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return NewError(c.name, KindUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return NewError(c.name, KindUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(c.name, KindRateLimited, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return NewError(c.name, KindNotFound, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return NewError(c.name, KindUnavailable, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return NewError(c.name, KindUnavailable, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}
