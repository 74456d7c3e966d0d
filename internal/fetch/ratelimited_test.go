package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func historyEndpoint(base string) EndpointTemplate {
	return func(key int64) string {
		return fmt.Sprintf("%s/history?type_id=%d", base, key)
	}
}

// fastRetry keeps test retries in the millisecond range.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      50 * time.Millisecond,
	}
}

func TestRateLimited_AllKeysResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"type_id":%s}]`, r.URL.Query().Get("type_id"))
	}))
	defer srv.Close()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget: Budget{Requests: 100, Interval: time.Second},
		Jitter: time.Nanosecond,
	}, zap.NewNop())

	keys := []int64{34, 35, 36}
	results := f.Fetch(context.Background(), keys, historyEndpoint(srv.URL))
	require.Len(t, results, len(keys))
	for _, k := range keys {
		res := results[k]
		require.NoError(t, res.Err)
		require.Equal(t, k, res.Key)
		require.Contains(t, string(res.Payload), fmt.Sprintf(`"type_id":%d`, k))
	}
}

func TestRateLimited_ThrottlesToBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	// Two permits per 200ms across six keys: two go immediately, the other
	// four wait for refills at roughly 100ms spacing.
	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget: Budget{Requests: 2, Interval: 200 * time.Millisecond},
		Jitter: time.Nanosecond,
	}, zap.NewNop())

	start := time.Now()
	results := f.Fetch(context.Background(), []int64{1, 2, 3, 4, 5, 6}, historyEndpoint(srv.URL))
	elapsed := time.Since(start)

	for _, res := range results {
		require.NoError(t, res.Err)
	}
	require.GreaterOrEqual(t, elapsed, 250*time.Millisecond,
		"six requests on a 2-per-200ms budget finished too fast")
}

func TestRateLimited_FailureIsolatedPerKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type_id") == "99" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget: Budget{Requests: 1000, Interval: time.Second},
		Retry:  fastRetry(),
		Jitter: time.Nanosecond,
	}, zap.NewNop())

	results := f.Fetch(context.Background(), []int64{34, 99, 44992}, historyEndpoint(srv.URL))
	require.Len(t, results, 3)
	require.NoError(t, results[34].Err)
	require.NoError(t, results[44992].Err)

	require.Error(t, results[99].Err)
	require.True(t, results[99].Retryable(), "exhausted transient failure stays marked retryable")
}

func TestRateLimited_PermanentErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget: Budget{Requests: 1000, Interval: time.Second},
		Retry:  fastRetry(),
		Jitter: time.Nanosecond,
	}, zap.NewNop())

	results := f.Fetch(context.Background(), []int64{404}, historyEndpoint(srv.URL))
	var pe *PermanentError
	require.ErrorAs(t, results[404].Err, &pe)
	require.False(t, results[404].Retryable())
	require.Equal(t, int32(1), requests.Load())
}

func TestRateLimited_HonorsRetryAfterHint(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget: Budget{Requests: 1000, Interval: time.Second},
		Retry:  RetryPolicy{InitialInterval: time.Millisecond, MaxElapsed: 2 * time.Second},
		Jitter: time.Nanosecond,
	}, zap.NewNop())

	start := time.Now()
	results := f.Fetch(context.Background(), []int64{34}, historyEndpoint(srv.URL))
	elapsed := time.Since(start)

	require.NoError(t, results[34].Err)
	require.Equal(t, int32(2), requests.Load())
	require.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "server wait hint was not honored")
}

func TestRateLimited_InFlightCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{
		Budget:      Budget{Requests: 1000, Interval: time.Second},
		MaxInFlight: 2,
		Jitter:      time.Nanosecond,
	}, zap.NewNop())

	results := f.Fetch(context.Background(), []int64{1, 2, 3, 4, 5, 6, 7, 8}, historyEndpoint(srv.URL))
	for _, res := range results {
		require.NoError(t, res.Err)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRateLimited_EmptyKeySet(t *testing.T) {
	f := NewRateLimited(newTestClient(t), RateLimitedOptions{}, zap.NewNop())
	results := f.Fetch(context.Background(), nil, func(int64) string { return "" })
	require.Empty(t, results)
}

func TestRateLimited_CancelledContext(t *testing.T) {
	var mu sync.Mutex
	var served []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served = append(served, strings.TrimPrefix(r.URL.Path, "/"))
		mu.Unlock()
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewRateLimited(newTestClient(t), RateLimitedOptions{Jitter: time.Nanosecond}, zap.NewNop())
	results := f.Fetch(ctx, []int64{1, 2}, historyEndpoint(srv.URL))
	require.Len(t, results, 2)
	for _, res := range results {
		require.Error(t, res.Err)
	}
	mu.Lock()
	require.Empty(t, served)
	mu.Unlock()
}
