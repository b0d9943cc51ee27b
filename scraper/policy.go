package scraper

import "time"

// Decision is the outcome of consulting a Policy after a failed attempt.
type Decision struct {
	RetryAfter time.Duration
	GiveUp     bool
}

// Policy is the retry schedule for fetches: exponential backoff capped at MaxDelay.
// Jitter is added on top by the retry loop and is not part of the decision.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
	MaxRetries uint
}

// DefaultPolicy mirrors the source-site integration: 3 retries, 2s doubling to 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   10 * time.Second,
		Jitter:     time.Second,
	}
}

// Next decides what to do after the given attempt (1-based) failed with err.
// Permanent errors and exhausted retries give up; everything else backs off.
func (p Policy) Next(attempt uint, err error) Decision {
	if err == nil || IsPermanent(err) {
		return Decision{GiveUp: true}
	}
	if attempt > p.MaxRetries {
		return Decision{GiveUp: true}
	}

	delay := p.BaseDelay
	for i := uint(1); i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return Decision{RetryAfter: delay}
}
