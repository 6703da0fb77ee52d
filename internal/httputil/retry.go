// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared by the API client.
package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// HTTP 429 responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 2 * time.Second

const defaultMaxRetries = 5

// errRateLimited marks an attempt that ended in HTTP 429.
var errRateLimited = errors.New("rate limited")

// DoWithRetry executes an HTTP request and retries on HTTP 429 (Too Many
// Requests) with exponential backoff starting at RetryBaseDelay.
//
// Only 429 is retried; every other status and every transport error is
// returned to the caller immediately. When maxRetries is 0 the default (5)
// is used. If the context is cancelled during a backoff wait the function
// returns ctx.Err(). After exhausting retries the last 429 response is
// returned so the caller can inspect it.
//
// req must be replayable: its body, if any, has to come from GetBody.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var last *http.Response
	err := retry.Do(
		func() error {
			// The previous 429 body is discarded once another attempt starts.
			if last != nil {
				drain(last)
				last = nil
			}
			attempt, err := cloneRequest(ctx, req)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := client.Do(attempt)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			last = resp
			if resp.StatusCode == http.StatusTooManyRequests {
				return errRateLimited
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)+1),
		retry.Delay(RetryBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errRateLimited) }),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		if last != nil {
			drain(last)
		}
		return nil, ctxErr
	}
	if err != nil && !errors.Is(err, errRateLimited) {
		if last != nil {
			drain(last)
		}
		return nil, err
	}
	return last, nil
}

func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
