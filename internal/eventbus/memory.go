package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Delivery describes the current delivery attempt of an event
type Delivery struct {
	Attempt int
	// Final is set when the bus will not redeliver after a failure
	Final bool
}

type deliveryKey struct{}

// WithDelivery attaches delivery information to ctx
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery attached by the bus, if any
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// MemoryConfig tunes the in-process bus
type MemoryConfig struct {
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
	MaxDeliver    int           `json:"max_deliver" yaml:"max_deliver" mapstructure:"max_deliver"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval" mapstructure:"retry_interval"`
}

// DefaultMemoryConfig returns default in-process bus configuration
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		BufferSize:    256,
		MaxDeliver:    5,
		RetryInterval: time.Second,
	}
}

type memorySubscription struct {
	key     string
	pattern string
	handler EventHandler
	queue   chan *Event
	cancel  context.CancelFunc
}

// MemoryEventBus is an in-process EventBus for single-node deployments and
// tests. Events are not persisted.
type MemoryEventBus struct {
	config *MemoryConfig
	logger *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string]*memorySubscription
	closed        bool

	wg sync.WaitGroup
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus(config *MemoryConfig, logger *zap.Logger) *MemoryEventBus {
	if config == nil {
		config = DefaultMemoryConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryEventBus{
		config:        config,
		logger:        logger,
		subscriptions: make(map[string]*memorySubscription),
	}
}

func (m *MemoryEventBus) PublishEvent(ctx context.Context, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range m.subscriptions {
		if !matchSubject(sub.pattern, string(event.Type)) {
			continue
		}
		select {
		case sub.queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))
	return nil
}

// PublishEventAsync behaves like PublishEvent; delivery is always asynchronous
func (m *MemoryEventBus) PublishEventAsync(ctx context.Context, event *Event) error {
	return m.PublishEvent(ctx, event)
}

func (m *MemoryEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return m.subscribe(ctx, string(eventType), string(eventType), handler)
}

func (m *MemoryEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return m.subscribe(ctx, pattern, pattern, handler)
}

func (m *MemoryEventBus) subscribe(ctx context.Context, key, pattern string, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("event bus is closed")
	}
	if _, exists := m.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to: %s", key)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		handler: handler,
		queue:   make(chan *Event, m.config.BufferSize),
		cancel:  cancel,
	}
	m.subscriptions[key] = sub

	m.wg.Add(1)
	go m.process(subCtx, sub)

	m.logger.Info("Subscribed to event pattern", zap.String("pattern", pattern))
	return nil
}

func (m *MemoryEventBus) process(ctx context.Context, sub *memorySubscription) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.queue:
			m.deliver(ctx, sub, event)
		}
	}
}

func (m *MemoryEventBus) deliver(ctx context.Context, sub *memorySubscription, event *Event) {
	maxDeliver := m.config.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 1
	}

	for attempt := 1; attempt <= maxDeliver; attempt++ {
		deliveryCtx := WithDelivery(ctx, Delivery{Attempt: attempt, Final: attempt == maxDeliver})
		err := sub.handler.Handle(deliveryCtx, event)
		if err == nil {
			return
		}

		m.logger.Error("Failed to handle event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == maxDeliver {
			return
		}

		timer := time.NewTimer(m.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *MemoryEventBus) UnsubscribeFromEventType(eventType EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subscriptions[string(eventType)]
	if !exists {
		return fmt.Errorf("not subscribed to event type: %s", eventType)
	}
	sub.cancel()
	delete(m.subscriptions, string(eventType))
	return nil
}

func (m *MemoryEventBus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for key, sub := range m.subscriptions {
		sub.cancel()
		delete(m.subscriptions, key)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// matchSubject applies NATS wildcard rules: "*" matches one token and a
// trailing ">" matches one or more
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
