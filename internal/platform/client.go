// Package platform is the social platform API client: recent search,
// replies and trends. Every call goes through the endpoint's quota window
// and a circuit breaker, and every failure comes back as one of
// RateLimitError, TransientAPIError or APIError.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/replyrun/internal/config"
	"github.com/sawpanic/replyrun/internal/net/budget"
	"github.com/sawpanic/replyrun/internal/net/circuit"
	"github.com/sawpanic/replyrun/internal/net/ratelimit"
)

// Endpoint names used for quota windows, logs and metrics
const (
	EndpointSearch = "search"
	EndpointReply  = "reply"
	EndpointTrends = "trends"
)

const maxBodyBytes = 1 << 20

// Post is one search result
type Post struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Lang     string `json:"lang"`
	Text     string `json:"text"`
}

// Options configures a Client
type Options struct {
	BaseURL     string
	UserAgent   string
	Credentials config.Credentials
	CallTimeout time.Duration

	// Fixed spacing per endpoint. Zero disables the local window.
	SearchEvery time.Duration
	ReplyEvery  time.Duration
	// Hard cap on replies per rolling 24 hours. Zero disables it.
	ReplyQuotaPerDay int

	Breaker    config.BreakerConfig
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the platform API
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	signer    *signer
	windows   *ratelimit.Manager
	replies   *budget.Rolling
	breaker   *circuit.Breaker
	now       func() time.Time
}

// NewClient builds a client from opts
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "replyrun/1.0"
	}

	windows := ratelimit.NewManager()
	if opts.SearchEvery > 0 {
		windows.AddEndpoint(EndpointSearch, opts.SearchEvery, 1)
	}
	if opts.ReplyEvery > 0 {
		windows.AddEndpoint(EndpointReply, opts.ReplyEvery, 1)
	}

	var replies *budget.Rolling
	if opts.ReplyQuotaPerDay > 0 {
		replies = budget.NewRolling(EndpointReply, opts.ReplyQuotaPerDay, 24*time.Hour)
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		userAgent: opts.UserAgent,
		http:      opts.HTTPClient,
		signer:    newSigner(opts.Credentials),
		windows:   windows,
		replies:   replies,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:             "platform",
			FailureThreshold: opts.Breaker.FailureThreshold,
			OpenTimeout:      opts.Breaker.OpenTimeout,
			RequestTimeout:   opts.CallTimeout,
			IsSuccessful:     countsAsHealthy,
		}),
		now: opts.Now,
	}
}

// NewClientFromConfig builds a client whose local windows match the
// configured quotas.
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(Options{
		BaseURL:          cfg.Platform.BaseURL,
		UserAgent:        cfg.Platform.UserAgent,
		Credentials:      cfg.Credentials,
		CallTimeout:      cfg.Platform.CallTimeout,
		SearchEvery:      cfg.Search.Window / time.Duration(cfg.Search.Quota),
		ReplyEvery:       24 * time.Hour / time.Duration(cfg.Reply.QuotaPerDay),
		ReplyQuotaPerDay: cfg.Reply.QuotaPerDay,
		Breaker:          cfg.Platform.Breaker,
	})
}

// rate limits and client errors say nothing about the remote's health
func countsAsHealthy(err error) bool {
	var rl *RateLimitError
	var api *APIError
	return errors.As(err, &rl) || errors.As(err, &api)
}

// Search returns recent posts matching query, in server order
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", "lang,author_id")

	var resp struct {
		Data []Post `json:"data"`
	}
	if err := c.do(ctx, EndpointSearch, http.MethodGet, "/2/tweets/search/recent", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Reply posts text in reply to inReplyTo and returns the new post id
func (c *Client) Reply(ctx context.Context, text, inReplyTo string) (string, error) {
	body := map[string]interface{}{
		"text": text,
		"reply": map[string]string{
			"in_reply_to_tweet_id": inReplyTo,
		},
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, EndpointReply, http.MethodPost, "/2/tweets", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

// Trends returns trending topic names for a location id, most prominent first
func (c *Client) Trends(ctx context.Context, region string) ([]string, error) {
	q := url.Values{}
	q.Set("id", region)

	var resp []struct {
		Trends []struct {
			Name string `json:"name"`
		} `json:"trends"`
	}
	if err := c.do(ctx, EndpointTrends, http.MethodGet, "/1.1/trends/place.json", q, nil, &resp); err != nil {
		return nil, err
	}

	var names []string
	for _, place := range resp {
		for _, t := range place.Trends {
			names = append(names, t.Name)
		}
	}
	return names, nil
}

// QuotaStats reports the local quota windows, for the status endpoint
func (c *Client) QuotaStats() map[string]ratelimit.WindowStats {
	return c.windows.Stats(c.now())
}

// ReplyBudget reports the rolling 24h reply cap; ok is false when the cap is disabled
func (c *Client) ReplyBudget() (stats budget.Stats, ok bool) {
	if c.replies == nil {
		return budget.Stats{}, false
	}
	return c.replies.Stats(c.now()), true
}

// BreakerState reports the circuit breaker state
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, body interface{}, out interface{}) error {
	now := c.now()

	if endpoint == EndpointReply && c.replies != nil {
		var exhausted *budget.BudgetExhaustedError
		if err := c.replies.Allow(now); errors.As(err, &exhausted) {
			return &RateLimitError{Endpoint: endpoint, Reset: exhausted.ETA, Local: true}
		}
	}
	var throttled *ratelimit.ThrottledError
	if err := c.windows.Admit(endpoint, now); errors.As(err, &throttled) {
		return &RateLimitError{Endpoint: endpoint, Reset: throttled.Until, Local: true}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
	}

	start := time.Now()
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, endpoint, method, path, query, payload, out)
	})
	took := time.Since(start)

	switch {
	case err == nil:
		if endpoint == EndpointReply && c.replies != nil {
			c.replies.Consume(now)
		}
		log.Debug().Str("endpoint", endpoint).Dur("took", took).Msg("Platform call succeeded")
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case ctx.Err() != nil:
		// the caller's deadline fired before the breaker's own timeout
		err = &TransientAPIError{Endpoint: endpoint, Err: ctx.Err()}
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrRequestTimeout):
		err = &TransientAPIError{Endpoint: endpoint, Err: err}
	}

	var rl *RateLimitError
	if errors.As(err, &rl) && !rl.Reset.IsZero() {
		c.windows.BlockUntil(endpoint, rl.Reset)
	}

	log.Debug().Str("endpoint", endpoint).Str("kind", Kind(err)).Dur("took", took).Err(err).Msg("Platform call failed")
	return err
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, query url.Values, payload []byte, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.signer.sign(req, c.now(), nil)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientAPIError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransientAPIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Reset:      parseReset(resp.Header.Get("x-rate-limit-reset")),
		}
	case resp.StatusCode >= 500:
		return &TransientAPIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New(errorDetail(data))}
	case resp.StatusCode >= 400:
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Detail: errorDetail(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		// a garbled body on a 2xx is most likely a proxy hiccup
		return &TransientAPIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func parseReset(header string) time.Time {
	if header == "" {
		return time.Time{}
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || epoch <= 0 {
		return time.Time{}
	}
	return time.Unix(epoch, 0)
}

func errorDetail(body []byte) string {
	var resp struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		switch {
		case resp.Detail != "":
			return resp.Detail
		case len(resp.Errors) > 0 && resp.Errors[0].Message != "":
			return resp.Errors[0].Message
		case resp.Title != "":
			return resp.Title
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
