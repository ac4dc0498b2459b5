package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
	cecodec "github.com/kirillkom/document-pipeline/internal/infrastructure/codec/cloudevents"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

type Options struct {
	Name                 string
	Stream               string
	SubjectPrefix        string
	DuplicateWindow      time.Duration
	MaxAge               time.Duration
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	PublishTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
	Codec                *cecodec.Codec
}

// Lane is one durable pull consumer with its own worker pool.
type Lane struct {
	Name       string
	Topic      domain.Topic
	Workers    int
	MaxDeliver int
	AckWait    time.Duration
	NakBase    time.Duration
	NakMax     time.Duration
}

// LaneObserver receives per-delivery outcomes. Metrics implement it.
type LaneObserver interface {
	ObserveDelivery(lane, outcome string, duration time.Duration)
	InFlight(lane string, delta float64)
}

type noopObserver struct{}

func (noopObserver) ObserveDelivery(string, string, time.Duration) {}
func (noopObserver) InFlight(string, float64) {}

type Broker struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	opts     Options
	executor *resilience.Executor
	codec    *cecodec.Codec
	observer LaneObserver
}

func Connect(url string, options Options) (*Broker, error) {
	options = options.withDefaults()
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name(options.Name),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	codec := options.Codec
	if codec == nil {
		codec = cecodec.NewCodec("/" + options.Name)
	}
	return &Broker{
		conn:     conn,
		js:       js,
		opts:     options,
		executor: options.ResilienceExecutor,
		codec:    codec,
		observer: noopObserver{},
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "document-pipeline"
	}
	if o.Stream == "" {
		o.Stream = "DOCPIPE"
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "docpipe"
	}
	if o.DuplicateWindow <= 0 {
		o.DuplicateWindow = 10 * time.Minute
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	return o
}

func (b *Broker) SetObserver(observer LaneObserver) {
	if observer != nil {
		b.observer = observer
	}
}

func (b *Broker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Healthy reports whether the connection is usable.
func (b *Broker) Healthy() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// EnsureStream creates or updates the stream that carries every topic.
func (b *Broker) EnsureStream(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       b.opts.Stream,
		Subjects:   []string{b.opts.SubjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     b.opts.MaxAge,
		Duplicates: b.opts.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.opts.Stream, err)
	}
	return nil
}

func (b *Broker) Subject(topic domain.Topic) string {
	return subjectFor(b.opts.SubjectPrefix, topic)
}

// Publish sends msg inside a CloudEvents envelope. The outbox message id is
// used as Nats-Msg-Id so relays that publish twice are deduplicated.
func (b *Broker) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	raw, err := b.codec.Encode(msg)
	if err != nil {
		return err
	}
	subject := b.Subject(msg.Topic)

	call := func(ctx context.Context) error {
		pubCtx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
		defer cancel()
		ack, err := b.js.Publish(pubCtx, subject, raw, jetstream.WithMsgID(msg.MessageID))
		if err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		if ack.Duplicate {
			slog.Debug("nats_publish_duplicate", "subject", subject, "message_id", msg.MessageID)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume runs lane.Workers workers until ctx is done. Each worker handles
// one message at a time.
func (b *Broker) Consume(ctx context.Context, lane Lane, handler ports.DeliveryHandler) error {
	lane = lane.withDefaults()
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.opts.Stream, jetstream.ConsumerConfig{
		Durable:       lane.Name,
		FilterSubject: b.Subject(lane.Topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       lane.AckWait,
		MaxDeliver:    lane.MaxDeliver,
		MaxAckPending: lane.Workers * 2,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", lane.Name, err)
	}

	slog.Info("lane_started", "lane", lane.Name, "topic", string(lane.Topic), "workers", lane.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < lane.Workers; i++ {
		worker := i
		g.Go(func() error {
			return b.runWorker(gctx, consumer, lane, worker, handler)
		})
	}
	return g.Wait()
}

func (b *Broker) runWorker(ctx context.Context, consumer jetstream.Consumer, lane Lane, worker int, handler ports.DeliveryHandler) error {
	iter, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("lane %s worker %d: open message iterator: %w", lane.Name, worker, err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Warn("lane_fetch_failed", "lane", lane.Name, "worker", worker, "error", err)
			continue
		}
		b.handle(ctx, lane, msg, handler)
	}
}

func (b *Broker) handle(ctx context.Context, lane Lane, msg jetstream.Msg, handler ports.DeliveryHandler) {
	started := time.Now()
	b.observer.InFlight(lane.Name, 1)
	defer b.observer.InFlight(lane.Name, -1)

	var attempt uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}

	env, err := b.codec.Decode(msg.Data(), msg.Headers().Get(nats.MsgIdHdr))
	if err != nil {
		slog.Error("lane_dead_letter", "lane", lane.Name, "subject", msg.Subject(), "reason", "undecodable envelope", "error", err)
		_ = msg.Term()
		b.observer.ObserveDelivery(lane.Name, "dead_letter", time.Since(started))
		return
	}

	delivery := domain.Delivery{
		MessageID:   env.ID,
		Topic:       lane.Topic,
		Data:        env.Data,
		Attempt:     attempt,
		MaxAttempts: lane.MaxDeliver,
	}
	handlerErr := handler(ctx, delivery)

	outcome := settle(handlerErr)
	switch outcome {
	case outcomeRetry:
		delay := nakDelay(lane.NakBase, lane.NakMax, attempt)
		slog.Warn("delivery_retry",
			"lane", lane.Name,
			"message_id", delivery.MessageID,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", handlerErr,
		)
		if err := msg.NakWithDelay(delay); err != nil {
			slog.Warn("nats_nak_failed", "lane", lane.Name, "error", err)
		}
	case outcomeFailed:
		slog.Error("delivery_failed",
			"lane", lane.Name,
			"message_id", delivery.MessageID,
			"attempt", attempt,
			"error", handlerErr,
		)
		if err := msg.Ack(); err != nil {
			slog.Warn("nats_ack_failed", "lane", lane.Name, "error", err)
		}
	default:
		if err := msg.Ack(); err != nil {
			slog.Warn("nats_ack_failed", "lane", lane.Name, "error", err)
		}
	}
	b.observer.ObserveDelivery(lane.Name, outcome, time.Since(started))
}

const (
	outcomeAcked  = "acked"
	outcomeRetry  = "retry"
	outcomeFailed = "failed"
)

// settle maps a handler result to a broker disposition: temporary failures
// are redelivered, everything else is acknowledged.
func settle(err error) string {
	switch {
	case err == nil:
		return outcomeAcked
	case domain.IsKind(err, domain.ErrTemporary):
		return outcomeRetry
	default:
		return outcomeFailed
	}
}

func nakDelay(base, max time.Duration, attempt uint64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := uint64(1); i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

func subjectFor(prefix string, topic domain.Topic) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(topic)
}

func (l Lane) withDefaults() Lane {
	if l.Workers <= 0 {
		l.Workers = 1
	}
	if l.MaxDeliver <= 0 {
		l.MaxDeliver = 5
	}
	if l.AckWait <= 0 {
		l.AckWait = time.Minute
	}
	if l.NakBase <= 0 {
		l.NakBase = 2 * time.Second
	}
	if l.NakMax <= 0 {
		l.NakMax = time.Minute
	}
	return l
}
