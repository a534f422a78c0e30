package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Headers attached to every published message so that consumers and
// operators can route or inspect without decoding the payload
const (
	HeaderEventType = "Wesflow-Event-Type"
	HeaderExecution = "Wesflow-Execution"
	HeaderTraceID   = "Wesflow-Trace-Id"
)

// NATSEventBus carries job requests and lifecycle events over a JetStream
// stream. Every event type gets a durable pull consumer shared by all
// workers, so a job is handled by exactly one of them.
type NATSEventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	config *NATSConfig

	subscriptions map[string]*nats.Subscription
	subMutex      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url" mapstructure:"url"`
	StreamName           string        `json:"stream_name" yaml:"stream_name" mapstructure:"stream_name"`
	StreamSubjects       []string      `json:"stream_subjects" yaml:"stream_subjects" mapstructure:"stream_subjects"`
	SubjectPrefix        string        `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`
	ConsumerPrefix       string        `json:"consumer_prefix" yaml:"consumer_prefix" mapstructure:"consumer_prefix"`
	MaxAge               time.Duration `json:"max_age" yaml:"max_age" mapstructure:"max_age"`
	MaxBytes             int64         `json:"max_bytes" yaml:"max_bytes" mapstructure:"max_bytes"`
	MaxMsgs              int64         `json:"max_msgs" yaml:"max_msgs" mapstructure:"max_msgs"`
	Replicas             int           `json:"replicas" yaml:"replicas" mapstructure:"replicas"`
	DuplicateWindow      time.Duration `json:"duplicate_window" yaml:"duplicate_window" mapstructure:"duplicate_window"`
	MaxDeliver           int           `json:"max_deliver" yaml:"max_deliver" mapstructure:"max_deliver"`
	AckWait              time.Duration `json:"ack_wait" yaml:"ack_wait" mapstructure:"ack_wait"`
	FetchBatch           int           `json:"fetch_batch" yaml:"fetch_batch" mapstructure:"fetch_batch"`
	FetchWait            time.Duration `json:"fetch_wait" yaml:"fetch_wait" mapstructure:"fetch_wait"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  "nats://localhost:4222",
		StreamName:           "WESFLOW_EVENTS",
		StreamSubjects:       []string{"wesflow.events.>"},
		SubjectPrefix:        "wesflow.events",
		ConsumerPrefix:       "wesflow-consumer",
		MaxAge:               7 * 24 * time.Hour,
		MaxBytes:             1 << 30,
		MaxMsgs:              1000000,
		Replicas:             1,
		DuplicateWindow:      5 * time.Minute,
		MaxDeliver:           5,
		AckWait:              2 * time.Minute,
		FetchBatch:           10,
		FetchWait:            time.Second,
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// NewNATSEventBus connects to NATS and makes sure the stream exists
func NewNATSEventBus(config *NATSConfig, logger *zap.Logger) (*NATSEventBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &NATSEventBus{
		logger:        logger.With(zap.String("component", "eventbus"), zap.String("stream", config.StreamName)),
		config:        config,
		subscriptions: make(map[string]*nats.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := bus.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if err := bus.ensureStream(); err != nil {
		cancel()
		bus.conn.Close()
		return nil, fmt.Errorf("failed to setup JetStream: %w", err)
	}

	return bus, nil
}

func (n *NATSEventBus) connect() error {
	conn, err := nats.Connect(n.config.URL,
		nats.Name("wesflow-eventbus"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.MaxReconnects(n.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Debug("NATS connection closed")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	n.conn = conn
	n.js = js
	n.logger.Info("Connected to NATS JetStream", zap.String("url", n.config.URL))
	return nil
}

// ensureStream creates the stream on first use and reconciles its limits afterwards
func (n *NATSEventBus) ensureStream() error {
	window := n.config.DuplicateWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	cfg := &nats.StreamConfig{
		Name:       n.config.StreamName,
		Subjects:   n.config.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     n.config.MaxAge,
		MaxBytes:   n.config.MaxBytes,
		MaxMsgs:    n.config.MaxMsgs,
		Replicas:   n.config.Replicas,
		Storage:    nats.FileStorage,
		Duplicates: window,
	}

	_, err := n.js.StreamInfo(n.config.StreamName)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := n.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		n.logger.Info("Created JetStream stream")
	case err != nil:
		return fmt.Errorf("failed to look up stream: %w", err)
	default:
		if _, err := n.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
		n.logger.Debug("Updated JetStream stream")
	}
	return nil
}

// message encodes an event into a NATS message. The event ID doubles as
// the JetStream message ID, so republishing a job inside the duplicate
// window is a no-op.
func (n *NATSEventBus) message(event *Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(n.eventTypeToSubject(event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(HeaderEventType, string(event.Type))
	if event.Subject != "" {
		msg.Header.Set(HeaderExecution, event.Subject)
	}
	if event.TraceID != "" {
		msg.Header.Set(HeaderTraceID, event.TraceID)
	}
	return msg, nil
}

// PublishEvent publishes an event and waits for the stream acknowledgement
func (n *NATSEventBus) PublishEvent(ctx context.Context, event *Event) error {
	msg, err := n.message(event)
	if err != nil {
		return err
	}

	ack, err := n.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		n.logPublishFailure(event, msg.Subject, err)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	n.logger.Debug("Published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("execution_id", event.Subject),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// PublishEventAsync publishes without waiting for the acknowledgement.
// Failures surface in the log only.
func (n *NATSEventBus) PublishEventAsync(ctx context.Context, event *Event) error {
	msg, err := n.message(event)
	if err != nil {
		return err
	}

	future, err := n.js.PublishMsgAsync(msg)
	if err != nil {
		n.logPublishFailure(event, msg.Subject, err)
		return fmt.Errorf("failed to publish event async: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-future.Ok():
		case err := <-future.Err():
			n.logPublishFailure(event, msg.Subject, err)
		case <-n.ctx.Done():
		}
	}()
	return nil
}

func (n *NATSEventBus) logPublishFailure(event *Event, subject string, err error) {
	n.logger.Error("Failed to publish event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("subject", subject),
		zap.Error(err))
}

// SubscribeToEventType subscribes to events of a specific type
func (n *NATSEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return n.subscribe(ctx, string(eventType), handler)
}

// SubscribeToPattern subscribes to events whose type matches a NATS
// wildcard pattern such as "job.*"
func (n *NATSEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return n.subscribe(ctx, pattern, handler)
}

func (n *NATSEventBus) subscribe(ctx context.Context, key string, handler EventHandler) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	if _, exists := n.subscriptions[key]; exists {
		return fmt.Errorf("already subscribed to %s", key)
	}

	subject := n.eventTypeToSubject(EventType(key))
	consumer := n.eventTypeToConsumer(EventType(key))
	sub, err := n.js.PullSubscribe(subject, consumer, n.consumerOptions()...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	n.subscriptions[key] = sub

	n.wg.Add(1)
	go n.consume(ctx, key, sub, handler)

	n.logger.Info("Subscribed",
		zap.String("event_type", key),
		zap.String("subject", subject),
		zap.String("consumer", consumer))
	return nil
}

// consume pulls batches until the caller or the bus is done
func (n *NATSEventBus) consume(ctx context.Context, key string, sub *nats.Subscription, handler EventHandler) {
	defer n.wg.Done()

	batch := n.config.FetchBatch
	if batch <= 0 {
		batch = 10
	}
	wait := n.config.FetchWait
	if wait <= 0 {
		wait = time.Second
	}

	for ctx.Err() == nil && n.ctx.Err() == nil {
		msgs, err := sub.Fetch(batch, nats.MaxWait(wait))
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return
		default:
			n.logger.Error("Failed to fetch messages", zap.String("event_type", key), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			n.dispatch(ctx, key, msg, handler)
		}
	}
}

// dispatch hands one message to the handler and settles it. Handler errors
// are negatively acknowledged with a delay growing with the delivery count.
func (n *NATSEventBus) dispatch(ctx context.Context, key string, msg *nats.Msg, handler EventHandler) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		// a payload that cannot be decoded will never succeed
		n.logger.Error("Dropping malformed event", zap.String("event_type", key), zap.Error(err))
		if err := msg.Term(); err != nil {
			n.logger.Warn("Failed to terminate message", zap.Error(err))
		}
		return
	}

	delivery := Delivery{Attempt: 1}
	if meta, err := msg.Metadata(); err == nil {
		delivery.Attempt = int(meta.NumDelivered)
		delivery.Final = n.config.MaxDeliver > 0 && delivery.Attempt >= n.config.MaxDeliver
	}

	if err := handler.Handle(WithDelivery(ctx, delivery), &event); err != nil {
		n.logger.Warn("Event handler failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Int("attempt", delivery.Attempt),
			zap.Bool("final", delivery.Final),
			zap.Error(err))
		if err := msg.NakWithDelay(time.Duration(delivery.Attempt) * time.Second); err != nil {
			n.logger.Warn("Failed to nak message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		n.logger.Warn("Failed to ack message", zap.Error(err))
	}
}

// UnsubscribeFromEventType removes the local subscription. The durable
// consumer stays on the server so pending jobs survive a worker restart.
func (n *NATSEventBus) UnsubscribeFromEventType(eventType EventType) error {
	n.subMutex.Lock()
	defer n.subMutex.Unlock()

	sub, exists := n.subscriptions[string(eventType)]
	if !exists {
		return fmt.Errorf("not subscribed to event type: %s", eventType)
	}
	delete(n.subscriptions, string(eventType))

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	n.logger.Info("Unsubscribed", zap.String("event_type", string(eventType)))
	return nil
}

// Close stops every consumer and closes the connection
func (n *NATSEventBus) Close() error {
	n.cancel()

	n.subMutex.Lock()
	for key, sub := range n.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.String("event_type", key), zap.Error(err))
		}
	}
	n.subscriptions = make(map[string]*nats.Subscription)
	n.subMutex.Unlock()

	n.wg.Wait()

	if n.conn != nil {
		n.conn.Close()
	}
	n.logger.Info("NATS EventBus closed")
	return nil
}

// Ping reports whether the connection is up and the stream is reachable
func (n *NATSEventBus) Ping(ctx context.Context) error {
	if n.conn == nil || !n.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := n.js.StreamInfo(n.config.StreamName, nats.Context(ctx)); err != nil {
		return fmt.Errorf("stream %s unavailable: %w", n.config.StreamName, err)
	}
	return nil
}

// StreamInfo returns the current state of the backing stream
func (n *NATSEventBus) StreamInfo() (*nats.StreamInfo, error) {
	return n.js.StreamInfo(n.config.StreamName)
}

func (n *NATSEventBus) consumerOptions() []nats.SubOpt {
	ackWait := n.config.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	opts := []nats.SubOpt{
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.AckWait(ackWait),
	}
	if n.config.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(n.config.MaxDeliver))
	}
	return opts
}

func (n *NATSEventBus) subjectPrefix() string {
	if n.config.SubjectPrefix == "" {
		return "wesflow.events"
	}
	return n.config.SubjectPrefix
}

// eventTypeToSubject maps "job.cleanup" to "wesflow.events.job.cleanup"
func (n *NATSEventBus) eventTypeToSubject(eventType EventType) string {
	return n.subjectPrefix() + "." + string(eventType)
}

// eventTypeToConsumer maps "job.cleanup" to "wesflow-consumer-job-cleanup".
// Wildcards are spelled out since consumer names cannot contain them.
func (n *NATSEventBus) eventTypeToConsumer(eventType EventType) string {
	prefix := n.config.ConsumerPrefix
	if prefix == "" {
		prefix = "wesflow-consumer"
	}
	name := strings.NewReplacer(".", "-", "*", "star", ">", "gt").Replace(string(eventType))
	return prefix + "-" + name
}
