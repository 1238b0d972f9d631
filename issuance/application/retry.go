package application

import (
	"context"
	"math/rand"
	"time"
)

// Backoff controla novas tentativas: delay = Base * 2^tentativa (limitado a Max)
// + jitter em [0, Base).
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = 3
	}
	if b.Base <= 0 {
		b.Base = 50 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 2 * time.Second
	}
	return b
}

// Do executa fn até dar certo, até retryable(err) ser false ou até esgotar as
// tentativas. Devolve o último erro.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error, retryable func(error) bool) error {
	b = b.withDefaults()

	var lastErr error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == b.Attempts-1 {
			break
		}

		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base << uint(attempt)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d + time.Duration(rand.Int63n(int64(b.Base)))
}
