package contentrepo

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/hashicorp/go-retryablehttp"
)

// RetryPolicy bounds how transient GitHub failures are retried.
type RetryPolicy struct {
	// MaxAttempts counts the first request.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy is five attempts, 800ms doubling, up to 250ms jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   800 * time.Millisecond,
	MaxJitter:   250 * time.Millisecond,
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// checkRetry only retries rate limits and unavailable upstreams. Transport
// errors and every other status are returned as-is.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil || resp == nil {
		return false, err
	}
	return retryableStatus(resp.StatusCode), nil
}

// backoff honours Retry-After, else doubles from BaseDelay. attemptNum is 0
// for the first retry.
func (p RetryPolicy) backoff(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
	delay := p.BaseDelay << attemptNum
	if resp != nil {
		if hint, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			delay = hint
		}
	}
	if p.MaxJitter > 0 {
		delay += rand.N(p.MaxJitter)
	}
	return delay
}

func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}

// newHTTPClient returns a standard client whose transport applies the policy.
// Once attempts run out the last response is handed back unchanged so the
// caller can report its status.
func newHTTPClient(policy RetryPolicy, timeout time.Duration) *http.Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: timeout}
	rc.RetryMax = policy.MaxAttempts - 1
	rc.CheckRetry = checkRetry
	rc.Backoff = policy.backoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logutil.NewLeveled("github")
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logutil.Debugf("github retry: %s %s attempt=%d", req.Method, req.URL.Path, attempt+1)
		}
	}

	return rc.StandardClient()
}
