package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/replyrun/internal/config"
	"github.com/sawpanic/replyrun/internal/net/circuit"
)

var testCreds = config.Credentials{
	AppKey: "app-key", AppSecret: "app-secret", AccessToken: "token", AccessSecret: "token-secret",
}

type fakeNow struct{ t time.Time }

func (f *fakeNow) Now() time.Time { return f.t }

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Options)) (*Client, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	opts := Options{
		BaseURL:     srv.URL,
		Credentials: testCreds,
		CallTimeout: 2 * time.Second,
		Breaker:     config.BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Minute},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts), &hits
}

func TestClient_Search(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets/search/recent", r.URL.Path)
		assert.Equal(t, "golang -is:retweet", r.URL.Query().Get("query"))
		assert.Equal(t, "10", r.URL.Query().Get("max_results"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "OAuth "))
		assert.Contains(t, r.Header.Get("Authorization"), `oauth_consumer_key="app-key"`)
		assert.Equal(t, "replyrun/1.0", r.Header.Get("User-Agent"))

		w.Write([]byte(`{"data":[{"id":"A","lang":"en","text":"first"},{"id":"B","lang":"ja","text":"second"}]}`))
	}, nil)

	posts, err := client.Search(context.Background(), "golang -is:retweet", 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "A", posts[0].ID, "server order is preserved")
	assert.Equal(t, "B", posts[1].ID)
	assert.Equal(t, "ja", posts[1].Lang)
}

func TestClient_SearchEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meta":{"result_count":0}}`))
	}, nil)

	posts, err := client.Search(context.Background(), "nothing", 10)
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestClient_Reply(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Text  string `json:"text"`
			Reply struct {
				InReplyTo string `json:"in_reply_to_tweet_id"`
			} `json:"reply"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, "A", body.Reply.InReplyTo)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"R1","text":"hello"}}`))
	}, nil)

	id, err := client.Reply(context.Background(), "hello", "A")
	require.NoError(t, err)
	assert.Equal(t, "R1", id)
}

func TestClient_RateLimitedByServer(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	reset := clock.t.Add(120 * time.Second)

	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset.Unix(), 10))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests"}`))
	}, func(o *Options) { o.Now = clock.Now })

	_, err := client.Search(context.Background(), "q", 10)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl), "expected RateLimitError, got %v", err)
	assert.False(t, rl.Local)
	assert.Equal(t, http.StatusTooManyRequests, rl.StatusCode)
	assert.True(t, rl.Reset.Equal(reset))
	assert.Equal(t, "rate_limit", Kind(err))

	// the window now refuses locally until the reset
	clock.t = clock.t.Add(time.Minute)
	_, err = client.Search(context.Background(), "q", 10)
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Local)
	assert.True(t, rl.Reset.Equal(reset))
	assert.Equal(t, int64(1), atomic.LoadInt64(hits), "local refusal must not reach the server")
}

func TestClient_RateLimitWithoutResetHint(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)

	_, err := client.Reply(context.Background(), "hi", "A")
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Reset.IsZero())
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail":"over capacity"}`))
	}, nil)

	_, err := client.Search(context.Background(), "q", 10)
	var tr *TransientAPIError
	require.True(t, errors.As(err, &tr), "expected TransientAPIError, got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, tr.StatusCode)
	assert.Contains(t, err.Error(), "over capacity")
	assert.Equal(t, "transient", Kind(err))
}

func TestClient_ClientErrorIsAPIError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"You are not allowed to create a Tweet with duplicate content."}`))
	}, nil)

	_, err := client.Reply(context.Background(), "hi", "A")
	var api *APIError
	require.True(t, errors.As(err, &api), "expected APIError, got %v", err)
	assert.Equal(t, http.StatusForbidden, api.StatusCode)
	assert.Contains(t, api.Detail, "duplicate content")
	assert.Equal(t, "api", Kind(err))
}

func TestClient_HungCallBecomesTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}, func(o *Options) { o.CallTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := client.Search(context.Background(), "q", 10)

	var tr *TransientAPIError
	require.True(t, errors.As(err, &tr), "expected TransientAPIError, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_CallerDeadlineBecomesTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}, func(o *Options) { o.CallTimeout = 50 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Search(ctx, "q", 10)

	var tr *TransientAPIError
	require.True(t, errors.As(err, &tr), "expected TransientAPIError, got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, "transient", Kind(err))
}

func TestClient_LocalSearchWindow(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}, func(o *Options) {
		o.Now = clock.Now
		o.SearchEvery = 15 * time.Minute
	})

	_, err := client.Search(context.Background(), "q", 10)
	require.NoError(t, err)

	clock.t = clock.t.Add(5 * time.Minute)
	_, err = client.Search(context.Background(), "q", 10)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Local)
	assert.WithinDuration(t, clock.t.Add(10*time.Minute), rl.Reset, time.Second)
	assert.Equal(t, int64(1), atomic.LoadInt64(hits))

	stats := client.QuotaStats()
	require.Contains(t, stats, EndpointSearch)
	assert.True(t, stats[EndpointSearch].Delay > 0)
}

func TestClient_RollingReplyCap(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"R"}}`))
	}, func(o *Options) {
		o.Now = clock.Now
		o.ReplyQuotaPerDay = 2
	})

	ctx := context.Background()
	_, err := client.Reply(ctx, "a", "1")
	require.NoError(t, err)
	_, err = client.Reply(ctx, "b", "2")
	require.NoError(t, err)

	_, err = client.Reply(ctx, "c", "3")
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.True(t, rl.Local)
	assert.True(t, rl.Reset.Equal(clock.t.Add(24*time.Hour)))
	assert.Equal(t, int64(2), atomic.LoadInt64(hits))
}

func TestClient_BreakerOpensOnRepeatedServerErrors(t *testing.T) {
	client, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, func(o *Options) {
		o.Breaker = config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour}
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := client.Search(ctx, "q", 10)
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err := client.Search(ctx, "q", 10)
	var tr *TransientAPIError
	require.True(t, errors.As(err, &tr))
	assert.True(t, errors.Is(err, circuit.ErrCircuitOpen))
	assert.Equal(t, int64(2), atomic.LoadInt64(hits))
}

func TestClient_RateLimitsDoNotOpenBreaker(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, func(o *Options) {
		o.Breaker = config.BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}
	})

	for i := 0; i < 3; i++ {
		_, err := client.Reply(context.Background(), "hi", "A")
		require.Error(t, err)
	}
	assert.Equal(t, "closed", client.BreakerState())
}

func TestClient_Trends(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.1/trends/place.json", r.URL.Path)
		assert.Equal(t, "23424856", r.URL.Query().Get("id"))
		w.Write([]byte(`[{"trends":[{"name":"#GoLang"},{"name":"Gophers"}]}]`))
	}, nil)

	names, err := client.Trends(context.Background(), "23424856")
	require.NoError(t, err)
	assert.Equal(t, []string{"#GoLang", "Gophers"}, names)
}

func TestClient_CancelledContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Search(ctx, "q", 10)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
