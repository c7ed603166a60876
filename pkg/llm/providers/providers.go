// Package providers carries the HTTP plumbing shared by the streaming
// adapters in its subpackages (anthropic, openai, bedrock, proxy).
package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// RetryableStatus reports whether an HTTP status is worth retrying:
// rate limits, transient conflicts, and server-side failures.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// DoWithRetry sends the request, retrying retryable statuses and transport
// failures with doubling backoff. Sleeps start at one second and stop once
// they would exceed maxDelay, so maxDelay zero disables retries. A
// Retry-After header raises the next sleep. build is called per attempt
// because request bodies are consumed on send.
func DoWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error), maxDelay time.Duration) (*http.Response, error) {
	delay := time.Second
	for {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, doErr := client.Do(req)
		if doErr == nil && !RetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if doErr == nil {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && time.Duration(secs)*time.Second > delay {
					delay = time.Duration(secs) * time.Second
				}
			}
			if delay > maxDelay {
				return resp, nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		} else {
			if ctx.Err() != nil {
				return nil, doErr
			}
			if delay > maxDelay {
				return nil, doErr
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// HTTPError renders a non-200 response as an error. Empty bodies become
// "<status> (no body)", the form the overflow classifier recognizes for
// providers that signal over-long input with a bare 400/413.
func HTTPError(status int, body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("%d (no body)", status)
	}
	return fmt.Errorf("HTTP %d: %s", status, trimmed)
}
