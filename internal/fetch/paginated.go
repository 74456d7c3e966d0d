package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Record is one raw JSON object from the upstream API, unshaped. Column
// validation and type coercion happen downstream.
type Record map[string]any

// PaginatedFetcher walks a collection endpoint page by page. Pages are
// strictly sequential: the total page count comes from the first response's
// X-Pages header, so later requests depend on earlier responses.
//
// A failed page is retried in place after a fixed delay. More than
// maxFailures consecutive failures abort the whole fetch with no partial
// results: a partial market snapshot is worse than none.
type PaginatedFetcher struct {
	client      *Client
	retryDelay  time.Duration
	maxFailures int
	log         *zap.Logger
}

type PaginatedOptions struct {
	RetryDelay  time.Duration // delay before re-requesting a failed page; 0 means 1s
	MaxFailures int           // consecutive-failure threshold; 0 means 3
}

func NewPaginated(client *Client, opts PaginatedOptions, log *zap.Logger) *PaginatedFetcher {
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxF := opts.MaxFailures
	if maxF <= 0 {
		maxF = 3
	}
	return &PaginatedFetcher{
		client:      client,
		retryDelay:  delay,
		maxFailures: maxF,
		log:         log,
	}
}

// Fetch retrieves every page of endpoint and returns the concatenated
// records. An empty page signals end-of-stream even before the declared last
// page.
func (f *PaginatedFetcher) Fetch(ctx context.Context, endpoint string) ([]Record, error) {
	page := 1
	maxPages := 1
	failures := 0
	var records []Record

	for page <= maxPages {
		body, hdr, err := f.client.getJSON(ctx, pageURL(endpoint, page))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			f.log.Warn("page fetch failed",
				zap.Int("page", page),
				zap.Int("max_pages", maxPages),
				zap.Int("failures", failures),
				zap.Error(err))
			if failures > f.maxFailures {
				return nil, &AbortedError{Page: page, Failures: failures, Err: err}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
			continue
		}

		if remain := hdr.Get(headerErrorRemain); remain == "0" {
			// The API's error budget is spent; further requests get rejected
			// wholesale. Fail closed rather than burn the window.
			return nil, &AbortedError{Page: page, Failures: f.maxFailures + 1,
				Err: fmt.Errorf("upstream error budget exhausted")}
		}
		if n, err := strconv.Atoi(hdr.Get(headerPages)); err == nil && n > 0 {
			maxPages = n
		}

		var pageRecords []Record
		if err := json.Unmarshal(body, &pageRecords); err != nil {
			// A 200 with an undecodable body is still a failed page; HTTP and
			// decode failures share one consecutive counter so a persistently
			// malformed page cannot retry forever.
			failures++
			f.log.Warn("page decode failed",
				zap.Int("page", page),
				zap.Int("failures", failures),
				zap.Error(err))
			if failures > f.maxFailures {
				return nil, &AbortedError{Page: page, Failures: failures, Err: err}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
			continue
		}
		failures = 0

		if len(pageRecords) == 0 {
			f.log.Debug("empty page, ending fetch", zap.Int("page", page), zap.Int("max_pages", maxPages))
			break
		}

		records = append(records, pageRecords...)
		f.client.metrics.ObservePage()
		f.log.Debug("page fetched",
			zap.Int("page", page),
			zap.Int("max_pages", maxPages),
			zap.Int("records", len(records)))
		page++
	}

	f.log.Info("collection fetch complete",
		zap.Int("pages", page-1),
		zap.Int("records", len(records)))
	return records, nil
}

func pageURL(endpoint string, page int) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}
