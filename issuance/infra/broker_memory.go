package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"coupon-issuance/issuance/domain"

	"go.uber.org/zap"
)

var ErrAlreadySubscribed = errors.New("topic already has a subscriber")

// MemoryBroker é um broker particionado em memória. Cada tópico tem um número
// fixo de partições; a chave escolhe a partição (fnv-32a) e cada partição é
// consumida por uma única goroutine, na ordem de publicação.
//
// Um único grupo consome cada tópico. Mensagens publicadas antes do Subscribe
// (ou sem nenhum assinante) ficam retidas na partição.
type MemoryBroker struct {
	mu         sync.Mutex
	topics     map[string]*memoryTopic
	partitions int
	capacity   int
	logger     *zap.Logger
}

type memoryTopic struct {
	parts      []*memoryPartition
	subscribed bool
}

type memoryPartition struct {
	mu     sync.Mutex
	queue  []domain.Message
	offset int64
	notify chan struct{}
}

type MemoryBrokerOption func(*MemoryBroker)

func WithPartitions(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.partitions = n }
}

// WithPartitionCapacity limita as mensagens retidas por partição. 0 = sem limite.
// Partição cheia faz Publish falhar com ErrBrokerDelivery.
func WithPartitionCapacity(n int) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.capacity = n }
}

func WithBrokerLogger(l *zap.Logger) MemoryBrokerOption {
	return func(b *MemoryBroker) { b.logger = l }
}

func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		topics:     make(map[string]*memoryTopic),
		partitions: 8,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.partitions <= 0 {
		b.partitions = 1
	}
	return b
}

func (b *MemoryBroker) topic(name string) *memoryTopic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &memoryTopic{parts: make([]*memoryPartition, b.partitions)}
		for i := range t.parts {
			t.parts[i] = &memoryPartition{notify: make(chan struct{}, 1)}
		}
		b.topics[name] = t
	}
	return t
}

// PartitionFor devolve a partição de uma chave.
func (b *MemoryBroker) PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *MemoryBroker) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerDelivery, err)
	}
	t := b.topic(topic)
	idx := b.PartitionFor(key)
	p := t.parts[idx]

	p.mu.Lock()
	if b.capacity > 0 && len(p.queue) >= b.capacity {
		p.mu.Unlock()
		return fmt.Errorf("%w: partition %s/%d full", domain.ErrBrokerDelivery, topic, idx)
	}
	p.queue = append(p.queue, domain.Message{
		Topic:     topic,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Partition: idx,
		Offset:    p.offset,
	})
	p.offset++
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending devolve quantas mensagens estão retidas no tópico.
func (b *MemoryBroker) Pending(topic string) int {
	t := b.topic(topic)
	n := 0
	for _, p := range t.parts {
		p.mu.Lock()
		n += len(p.queue)
		p.mu.Unlock()
	}
	return n
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic, group string, h domain.Handler) error {
	t := b.topic(topic)

	b.mu.Lock()
	if t.subscribed {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, topic)
	}
	t.subscribed = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		t.subscribed = false
		b.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for _, p := range t.parts {
		wg.Add(1)
		go func(p *memoryPartition) {
			defer wg.Done()
			for ctx.Err() == nil {
				if msg, ok := p.next(); ok {
					b.handle(ctx, group, h, msg)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-p.notify:
				}
			}
		}(p)
	}
	wg.Wait()
	return nil
}

func (p *memoryPartition) next() (domain.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return domain.Message{}, false
	}
	msg := p.queue[0]
	p.queue[0] = domain.Message{}
	p.queue = p.queue[1:]
	return msg, true
}

func (b *MemoryBroker) handle(ctx context.Context, group string, h domain.Handler, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				zap.String("topic", msg.Topic), zap.String("group", group),
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset),
				zap.Any("panic", r))
		}
	}()
	if err := h(ctx, msg); err != nil {
		b.logger.Warn("handler error",
			zap.String("topic", msg.Topic), zap.String("group", group),
			zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}
