package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

// EventHandler recebe eventos publicados no Dispatcher.
type EventHandler func(ctx context.Context, ev any) error

// Dispatcher publica eventos em processo sem esperar os handlers.
//
// Cada handler tem seu próprio channel e goroutine: erro ou panic de um handler
// não afeta os outros nem quem publicou. Cada handler recebe os eventos na ordem
// de publicação. Buffer cheio descarta o evento (com log e métrica).
type Dispatcher struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	wg      sync.WaitGroup
	buffer  int
	timeout time.Duration
	logger  *zap.Logger
	metrics *obs.Metrics
}

type subscription struct {
	name string
	ch   chan any
	h    EventHandler
}

func NewDispatcher(buffer int, logger *zap.Logger, metrics *obs.Metrics) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		buffer:  buffer,
		timeout: 5 * time.Second,
		logger:  obs.OrNop(logger),
		metrics: metrics,
	}
}

func (d *Dispatcher) Subscribe(name string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	s := &subscription{name: name, ch: make(chan any, d.buffer), h: h}
	d.subs = append(d.subs, s)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range s.ch {
			d.invoke(s, ev)
		}
	}()
}

// Publish nunca bloqueia. Aceita receiver nil.
func (d *Dispatcher) Publish(ev any) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, s := range d.subs {
		select {
		case s.ch <- ev:
		default:
			d.metrics.EventDropped()
			d.logger.Warn("event dropped, handler buffer full",
				zap.String("handler", s.name), zap.String("event", fmt.Sprintf("%T", ev)))
		}
	}
}

func (d *Dispatcher) invoke(s *subscription, ev any) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panic", zap.String("handler", s.name), zap.Any("panic", r))
		}
	}()
	if err := s.h(ctx, ev); err != nil {
		d.logger.Warn("event handler error", zap.String("handler", s.name), zap.Error(err))
	}
}

// Close para de aceitar eventos e espera os handlers drenarem o que já estava
// no buffer.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, s := range d.subs {
		close(s.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
