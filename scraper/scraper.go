// Package scraper fetches and parses tour pages from the source site.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"tourwatch/metrics"
	"tourwatch/pkg/tourwatch"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// Transient failures may succeed on retry.
	Transient Kind = iota
	// Permanent failures will not succeed in this pass.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// FetchError describes why a tour page could not be fetched.
type FetchError struct {
	Err        error
	Locator    string
	Reason     string
	StatusCode int
	Kind       Kind
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (HTTP %d, %s)", e.Locator, e.Reason, e.StatusCode, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s (%s): %v", e.Locator, e.Reason, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s (%s)", e.Locator, e.Reason, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is a retryable fetch error.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Transient
}

// IsPermanent checks if an error is a non-retryable fetch error.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Permanent
}

// Limiter gates each outbound request.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config holds fetcher settings.
type Config struct {
	UserAgent        string
	DefaultCurrency  string
	Policy           Policy
	RequestTimeout   time.Duration
	BreakerTimeout   time.Duration
	BreakerThreshold uint32
}

// Fetcher retrieves current prices for tours.
type Fetcher struct {
	client  *resty.Client
	limiter Limiter
	parser  Parser
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *slog.Logger
	policy  Policy
}

// New creates a new fetcher. A nil parser selects the default HTML parser.
func New(client *http.Client, limiter Limiter, parser Parser, cfg Config, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if parser == nil {
		parser = &HTMLParser{DefaultCurrency: cfg.DefaultCurrency}
	}
	if cfg.Policy.Jitter <= 0 {
		// The retry loop cannot draw jitter from an empty range.
		cfg.Policy.Jitter = time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tourwatch/1.0 (+price tracking)"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 2 * time.Minute
	}

	rc := resty.NewWithClient(client).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9")

	threshold := cfg.BreakerThreshold
	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "source-site",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Fetch circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.Set(float64(to))
		},
	})

	return &Fetcher{
		client:  rc,
		limiter: limiter,
		parser:  parser,
		breaker: breaker,
		policy:  cfg.Policy,
		logger:  logger,
	}
}

// Fetch retrieves the current quote for one tour page.
// Every attempt, including retries, first waits on the limiter.
func (f *Fetcher) Fetch(ctx context.Context, locator string) (*tourwatch.Quote, error) {
	var (
		quote   *tourwatch.Quote
		lastErr error
		attempt uint
	)

	err := retry.Do(
		func() error {
			attempt++
			if err := f.limiter.Acquire(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("acquire rate limit: %w", err))
			}

			q, err := f.attempt(ctx, locator)
			if err != nil {
				lastErr = err
				return err
			}
			quote = q
			return nil
		},
		retry.Attempts(f.policy.MaxRetries+1),
		retry.DelayType(f.backoff),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d := f.policy.Next(attempt, err)
			f.logger.Info("Retrying fetch after error",
				"locator", locator,
				"attempt", n+1,
				"backoff", d.RetryAfter.String(),
				"error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !f.policy.Next(attempt, err).GiveUp
		}),
	)
	if err == nil {
		return quote, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if lastErr == nil {
		return nil, err
	}
	if IsTransient(lastErr) {
		var fe *FetchError
		errors.As(lastErr, &fe)
		return nil, &FetchError{
			Kind:       Permanent,
			Locator:    locator,
			StatusCode: fe.StatusCode,
			Reason:     fmt.Sprintf("gave up after %d attempts: %s", attempt, fe.Reason),
			Err:        fe.Err,
		}
	}
	return nil, lastErr
}

// backoff is the wait before retry n (1-based): the policy's delay plus jitter.
func (f *Fetcher) backoff(n uint, err error, _ *retry.Config) time.Duration {
	return f.policy.Next(n, err).RetryAfter + time.Duration(rand.Int64N(int64(f.policy.Jitter)))
}

// attempt performs one request and classifies its outcome.
func (f *Fetcher) attempt(ctx context.Context, locator string) (*tourwatch.Quote, error) {
	f.logger.Debug("HTTP request starting", "method", "GET", "url", locator, "purpose", "fetch_tour_price")

	start := time.Now()
	resp, err := f.breaker.Execute(func() (*resty.Response, error) {
		r, err := f.client.R().SetContext(ctx).Get(locator)
		if err != nil {
			return nil, err
		}
		if r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests {
			return r, fmt.Errorf("HTTP %d", r.StatusCode())
		}
		return r, nil
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordFetchAttempt("permanent", duration)
			return nil, &FetchError{Kind: Permanent, Locator: locator, Reason: "circuit open", Err: err}
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		f.logger.Warn("HTTP request failed",
			"url", locator,
			"status_code", status,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		metrics.RecordFetchAttempt("transient", duration)
		return nil, &FetchError{Kind: Transient, Locator: locator, StatusCode: status, Reason: "request failed", Err: err}
	}

	f.logger.Debug("HTTP request completed",
		"url", locator,
		"status_code", resp.StatusCode(),
		"duration_ms", duration.Milliseconds(),
		"content_length", len(resp.Body()))

	if resp.StatusCode() != http.StatusOK {
		metrics.RecordFetchAttempt("permanent", duration)
		reason := "unexpected status"
		switch resp.StatusCode() {
		case http.StatusNotFound, http.StatusGone:
			reason = "tour page gone"
		case http.StatusForbidden:
			reason = "access forbidden"
		}
		return nil, &FetchError{Kind: Permanent, Locator: locator, StatusCode: resp.StatusCode(), Reason: reason}
	}

	q, err := f.parser.Parse(resp.Body(), locator)
	if err != nil {
		// Pages are sometimes served half-rendered; treat as retryable.
		metrics.RecordFetchAttempt("transient", duration)
		return nil, &FetchError{Kind: Transient, Locator: locator, Reason: "parse failed", Err: err}
	}

	metrics.RecordFetchAttempt("ok", duration)
	f.logger.Info("Tour page parsed",
		"url", locator,
		"price", q.Price,
		"currency", q.Currency,
		"name", q.Name)
	return q, nil
}
