package domain

import "time"

// Limiter decide se uma requisição pode seguir agora.
type Limiter interface {
	Allow() bool
}

// LimiterStore obtém um limiter por chave (ex.: requesterId).
type LimiterStore interface {
	Get(key string) Limiter
}

type Decision struct {
	Allowed bool
	// RetryAfter vai no header Retry-After quando bloquear. 0 = sem recomendação.
	RetryAfter time.Duration
}
