package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2/log"
)

var (
	// ErrNotFound means the gateway answered and does not know the reference.
	ErrNotFound = errors.New("gateway: transaction not found")
	// ErrUnknown means the call timed out; the payment state is unknown and
	// must not be treated as failed or succeeded.
	ErrUnknown = errors.New("gateway: outcome unknown")
	// ErrWindowUnsupported is returned by providers that cannot list transactions.
	ErrWindowUnsupported = errors.New("gateway: fetching by time window is not supported by this provider")
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway request failed: status=%d body=%s", e.StatusCode, e.Body)
}

// Transient reports whether the response is worth retrying (5xx, rate limit).
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Client is the transaction source the engine reconciles against.
type Client interface {
	// FetchByWindow returns the usable transactions of the window and
	// collects the unusable ones as row errors.
	FetchByWindow(ctx context.Context, since, until time.Time) (*ParseResult, error)
	FetchByReference(ctx context.Context, ref string) (*Transaction, error)
}

// FetchDaysBack fetches every transaction of the last daysBack days and
// returns the window it covered.
func FetchDaysBack(ctx context.Context, c Client, daysBack int, now time.Time) (*ParseResult, time.Time, time.Time, error) {
	if daysBack <= 0 {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("days back must be positive, got %d", daysBack)
	}
	since := now.Add(-time.Duration(daysBack) * 24 * time.Hour)
	res, err := c.FetchByWindow(ctx, since, now)
	return res, since, now, err
}

// IsTransient reports whether err is a timeout, a 5xx or a rate limit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknown) || isTimeout(err) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryPolicy bounds how often and how fast transient failures are retried.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is three retries starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Do runs op, retrying only transient failures. A call that still times out
// after the last retry is reported as ErrUnknown.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Debugf("[Gateway] %s attempt %d failed: %v", name, attempt, err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	if err == nil {
		return nil
	}
	if isTimeout(err) && !errors.Is(err, ErrUnknown) {
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnknown, name, attempt, err)
	}
	return err
}
