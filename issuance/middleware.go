package issuance

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/infra"
)

const RequesterHeader = "X-Requester-Id"

type KeyFunc func(r *http.Request) string

// RequesterKey usa o X-Requester-Id; sem ele, cai para o IP do cliente.
func RequesterKey(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(RequesterHeader)); v != "" {
			return v
		}
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

type RateLimitOptions struct {
	Store               domain.LimiterStore
	KeyFn               KeyFunc
	TrustXForwardedFor  bool
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
}

type rateInfo interface {
	RPS() float64
	Burst() int
}

func decide(store domain.LimiterStore, key string, retryAfter time.Duration) domain.Decision {
	if store == nil {
		return domain.Decision{Allowed: true}
	}
	lim := store.Get(key)
	if lim == nil || lim.Allow() {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: retryAfter}
}

// RateLimit aplica um token-bucket por requester e responde 429 quando esgota.
func RateLimit(opts RateLimitOptions) func(next http.Handler) http.Handler {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = RequesterKey(opts.TrustXForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", key)
				if ri, ok := opts.Store.(rateInfo); ok {
					w.Header().Set("X-RateLimit-RPS", formatFloat(ri.RPS()))
					w.Header().Set("X-RateLimit-Burst", formatInt(ri.Burst()))
				}
			}

			dec := decide(opts.Store, key, opts.RetryAfter)
			if !dec.Allowed {
				w.Header().Set("Retry-After", formatInt(int(dec.RetryAfter.Seconds())))
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "RATE_LIMITED", Message: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type ConcurrencyOptions struct {
	Max            int
	AcquireTimeout time.Duration
}

// Concurrency limita as requisições em voo no processo; sem vaga dentro do
// timeout responde 503.
func Concurrency(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	pool := infra.NewChanPool(opts.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if opts.AcquireTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.AcquireTimeout)
				defer cancel()
			}
			release, ok := pool.Acquire(ctx)
			if !ok {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "OVERLOADED", Message: "server busy"})
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
