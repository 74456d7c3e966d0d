package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Budget is the shared request-rate allowance across all keys of one fetch:
// Requests permits per rolling Interval.
type Budget struct {
	Requests int
	Interval time.Duration
}

// Result is the single terminal outcome for one key: a raw payload or an
// error. Fetch returns exactly one Result per input key.
type Result struct {
	Key     int64
	Payload []byte
	Err     error
}

// Retryable reports whether the key's failure was retryable when the budget
// ran out. Useful for callers deciding whether to requeue the key next cycle.
func (r Result) Retryable() bool { return r.Err != nil && Retryable(r.Err) }

// EndpointTemplate renders the per-key request URL.
type EndpointTemplate func(key int64) string

// RateLimitedFetcher fetches many keys concurrently under two independent
// bounds: a token-bucket rate budget shared across all keys, and a cap on
// simultaneously in-flight requests. The rate budget protects the API quota;
// the in-flight cap protects local connections and memory.
//
// Each attempt acquires a rate permit, sleeps a short random jitter to break
// up synchronized bursts, then takes an in-flight slot for the duration of
// the call. Retries consume fresh permits.
type RateLimitedFetcher struct {
	client  *Client
	limiter *rate.Limiter
	slots   chan struct{}
	retry   RetryPolicy
	jitter  time.Duration
	log     *zap.Logger
}

type RateLimitedOptions struct {
	Budget      Budget
	MaxInFlight int           // 0 means 50
	Retry       RetryPolicy   // zero value means DefaultRetryPolicy
	Jitter      time.Duration // max pre-request jitter; 0 means 50ms
}

func NewRateLimited(client *Client, opts RateLimitedOptions, log *zap.Logger) *RateLimitedFetcher {
	budget := opts.Budget
	if budget.Requests <= 0 {
		budget.Requests = 300
	}
	if budget.Interval <= 0 {
		budget.Interval = time.Minute
	}
	capacity := opts.MaxInFlight
	if capacity <= 0 {
		capacity = 50
	}
	retry := opts.Retry
	if retry.MaxElapsed == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryPolicy()
	}
	jitter := opts.Jitter
	if jitter <= 0 {
		jitter = 50 * time.Millisecond
	}
	perSecond := float64(budget.Requests) / budget.Interval.Seconds()
	return &RateLimitedFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), budget.Requests),
		slots:   make(chan struct{}, capacity),
		retry:   retry,
		jitter:  jitter,
		log:     log,
	}
}

// Fetch resolves every key to a terminal Result. Failures are isolated per
// key: exhausting one key's retry budget does not disturb its siblings, and
// partial success across the key set is a normal outcome.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, keys []int64, endpoint EndpointTemplate) map[int64]Result {
	results := make(map[int64]Result, len(keys))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, key := range keys {
		wg.Add(1)
		go func(key int64) {
			defer wg.Done()
			res := f.fetchOne(ctx, key, endpoint(key))
			mu.Lock()
			results[key] = res
			mu.Unlock()
		}(key)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	f.log.Info("keyed fetch complete",
		zap.Int("keys", len(keys)),
		zap.Int("failed", failed))
	return results
}

func (f *RateLimitedFetcher) fetchOne(ctx context.Context, key int64, url string) Result {
	var payload []byte
	attempts := 0

	err := f.retry.Do(ctx, func() error {
		if attempts > 0 {
			f.client.metrics.ObserveRetry()
		}
		attempts++

		waitStart := time.Now()
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		f.client.metrics.ObserveRateWait(time.Since(waitStart))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(f.jitter)))):
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case f.slots <- struct{}{}:
		}
		defer func() { <-f.slots }()

		body, _, err := f.client.getJSON(ctx, url)
		if err != nil {
			return err
		}
		payload = body
		return nil
	})
	if err != nil {
		f.log.Warn("key fetch failed",
			zap.Int64("key", key),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return Result{Key: key, Err: err}
	}
	return Result{Key: key, Payload: payload}
}
