package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	DefaultRESTURL    = "https://rest.runpod.io/v1"
	DefaultGraphQLURL = "https://api.runpod.io/graphql"

	// DefaultRetries is the per-request attempt budget
	DefaultRetries = 3

	defaultRetryDelay = time.Second
	defaultTimeout    = 30 * time.Second
	defaultRateLimit  = 5
)

// Client is a RunPod REST + GraphQL client. It holds no pod or GPU state.
type Client struct {
	apiKey     string
	restURL    string
	graphqlURL string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client
type Option func(*Client)

// WithRESTURL overrides the REST base URL
func WithRESTURL(u string) Option {
	return func(c *Client) { c.restURL = strings.TrimRight(u, "/") }
}

// WithGraphQLURL overrides the GraphQL endpoint
func WithGraphQLURL(u string) Option {
	return func(c *Client) { c.graphqlURL = u }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets the attempt budget for every request
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithRateLimit paces outgoing requests. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewClient creates a new RunPod client
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		restURL:    DefaultRESTURL,
		graphqlURL: DefaultGraphQLURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		retries:    DefaultRetries,
		retryDelay: defaultRetryDelay,
		limiter:    rate.NewLimiter(defaultRateLimit, defaultRateLimit),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends a REST request to endpoint (relative to the REST base URL) and
// decodes the JSON response into out when out is non-nil
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	respBody, err := c.send(ctx, method, c.restURL+endpoint, payload)
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Query runs a GraphQL query and decodes its data field into out.
// A non-empty errors array is a terminal failure.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	endpoint, err := url.Parse(c.graphqlURL)
	if err != nil {
		return fmt.Errorf("invalid GraphQL URL %q: %w", c.graphqlURL, err)
	}
	params := endpoint.Query()
	params.Set("api_key", c.apiKey)
	endpoint.RawQuery = params.Encode()

	respBody, err := c.send(ctx, http.MethodPost, endpoint.String(), payload)
	if err != nil {
		return err
	}

	var resp graphQLResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("failed to decode GraphQL response: %w", err)
	}

	if len(resp.Errors) > 0 {
		messages := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			messages = append(messages, e.Message)
		}
		return &APIError{
			Kind:       KindTerminal,
			StatusCode: http.StatusOK,
			Body:       truncate("GraphQL errors: "+strings.Join(messages, "; "), maxErrorBody),
		}
	}

	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode GraphQL data: %w", err)
	}
	return nil
}

// send performs the request with the retry budget. Rate limiting (429)
// backs off 2^attempt seconds; other transient failures wait retryDelay.
// Capacity exhaustion and non-transient statuses return without retrying.
func (c *Client) send(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	logger := klog.FromContext(ctx)

	var lastErr *APIError
	for attempt := 1; attempt <= c.retries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		status, body, err := c.roundTrip(ctx, method, target, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &APIError{Kind: KindRetryable, Err: err}
		} else {
			text := string(body)
			switch {
			case status >= 200 && status < 300:
				return body, nil
			case isCapacityBody(text):
				return nil, &APIError{
					Kind:       KindTryNextCandidate,
					StatusCode: status,
					Body:       truncate(text, maxCapacityBody),
				}
			case status == http.StatusTooManyRequests:
				lastErr = &APIError{Kind: KindRetryable, StatusCode: status, Body: truncate(text, maxErrorBody)}
				if attempt < c.retries {
					wait := time.Duration(1<<attempt) * time.Second
					logger.Info("Rate limited, backing off", "wait", wait, "attempt", attempt, "of", c.retries)
					if err := c.sleep(ctx, wait); err != nil {
						return nil, err
					}
				}
				continue
			case status >= 500 || status == http.StatusRequestTimeout:
				lastErr = &APIError{Kind: KindRetryable, StatusCode: status, Body: truncate(text, maxErrorBody)}
			default:
				return nil, &APIError{Kind: KindTerminal, StatusCode: status, Body: truncate(text, maxErrorBody)}
			}
		}

		if attempt < c.retries {
			logger.Info("Request failed, retrying", "method", method, "attempt", attempt, "of", c.retries, "err", lastErr)
			if err := c.sleep(ctx, c.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	lastErr.Kind = KindTerminal
	return nil, lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
