// Package ingest owns the build-event subscription. Messages are handed to
// the router strictly in delivery order, one at a time, and are Acked only
// after the handler returns; that serialization is what gives observers
// per-invocation ordering without any locking downstream.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/beswatch/beswatch/internal/errs"
	"github.com/beswatch/beswatch/internal/ids"
	"github.com/beswatch/beswatch/internal/logging"
)

const metadataKeyCorrelationID = "correlation_id"

// Handler processes one raw message. It must contain its own failures; the
// ingester Acks the message regardless of what the handler did.
type Handler func(msg *message.Message)

// Metrics counts subscription activity.
type Metrics struct {
	Handled    prometheus.Counter
	Panics     prometheus.Counter
	Reconnects prometheus.Counter
}

// NewMetrics registers the ingester counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Handled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "ingest",
			Name:      "messages_handled_total",
			Help:      "Raw messages delivered to the router.",
		}),
		Panics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "ingest",
			Name:      "handler_panics_total",
			Help:      "Handler panics recovered without stopping the stream.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "ingest",
			Name:      "reconnect_attempts_total",
			Help:      "Subscription reconnect attempts.",
		}),
	}
}

// Config wires an Ingester.
type Config struct {
	Subscriber message.Subscriber
	Topic      string
	Handler    Handler
	Logger     logging.ServiceLogger
	Metrics    *Metrics

	// Reconnect backoff per outage. Zero values fall back to 1s/30s/10.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// Ingester consumes one topic from one subscriber until closed.
type Ingester struct {
	sub     message.Subscriber
	topic   string
	handler Handler
	log     logging.ServiceLogger
	metrics *Metrics

	initialInterval time.Duration
	maxInterval     time.Duration
	maxAttempts     int

	started atomic.Bool
	closing chan struct{}
	closed  atomic.Bool
	done    chan struct{}
}

// New validates the wiring and returns an Ingester ready to Run.
func New(cfg Config) (*Ingester, error) {
	if cfg.Subscriber == nil {
		return nil, errs.ErrSubscriberRequired
	}
	if cfg.Topic == "" {
		return nil, errs.ErrTopicRequired
	}
	if cfg.Handler == nil {
		return nil, errs.ErrHandlerRequired
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	return &Ingester{
		sub:             cfg.Subscriber,
		topic:           cfg.Topic,
		handler:         cfg.Handler,
		log:             log,
		metrics:         metrics,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
		maxAttempts:     cfg.MaxAttempts,
		closing:         make(chan struct{}),
		done:            make(chan struct{}),
	}, nil
}

// Run subscribes and consumes until Close is called or the context ends.
// Subscription failures and dropped delivery channels trigger reconnection
// with bounded exponential backoff; past MaxAttempts the ingester logs the
// persistent failure and keeps retrying at the max interval, so the HTTP
// surface stays alive while the pipeline is degraded.
func (i *Ingester) Run(ctx context.Context) error {
	i.started.Store(true)
	defer close(i.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.initialInterval
	bo.MaxInterval = i.maxInterval
	attempts := 0

	for {
		if i.stopping(ctx) {
			return nil
		}

		messages, err := i.sub.Subscribe(ctx, i.topic)
		if err != nil {
			attempts++
			i.metrics.Reconnects.Inc()

			wait := bo.NextBackOff()
			if attempts > i.maxAttempts {
				wait = i.maxInterval
				i.log.Error("Subscription failing persistently, still retrying", err, logging.LogFields{
					"topic":    i.topic,
					"attempts": attempts,
				})
			} else {
				i.log.Info("Subscribe failed, backing off", logging.LogFields{
					"topic":   i.topic,
					"attempt": attempts,
					"wait":    wait.String(),
					"error":   err.Error(),
				})
			}

			if !i.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		bo.Reset()
		attempts = 0
		i.log.Info("Subscribed to build event channel", logging.LogFields{"topic": i.topic})

		i.consume(messages)

		if i.stopping(ctx) {
			return nil
		}
		i.log.Info("Build event channel closed, reconnecting", logging.LogFields{"topic": i.topic})
	}
}

// consume delivers serially: the next message is not read until the handler
// for the previous one has returned and the message is Acked.
func (i *Ingester) consume(messages <-chan *message.Message) {
	for msg := range messages {
		i.handle(msg)
		msg.Ack()
	}
}

func (i *Ingester) handle(msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			i.metrics.Panics.Inc()
			i.log.Error("Recovered handler panic", fmt.Errorf("panic: %v", r), logging.LogFields{
				"message_uuid": msg.UUID,
			})
		}
	}()

	if msg.Metadata.Get(metadataKeyCorrelationID) == "" {
		msg.Metadata.Set(metadataKeyCorrelationID, ids.CreateULID())
	}

	tracer := otel.Tracer("beswatch/ingest")
	ctx, span := tracer.Start(msg.Context(), "HandleBuildEvent",
		trace.WithAttributes(attribute.String("message.uuid", msg.UUID)))
	defer span.End()
	msg.SetContext(ctx)

	i.handler(msg)
	i.metrics.Handled.Inc()
}

func (i *Ingester) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-i.closing:
		return true
	default:
		return false
	}
}

func (i *Ingester) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-i.closing:
		return false
	case <-timer.C:
		return true
	}
}

// Close stops the subscription and blocks until the in-flight handler call
// has completed. Safe to call more than once.
func (i *Ingester) Close() error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(i.closing)

	// Closing the subscriber closes the delivery channel; consume drains
	// what it already holds and Run returns.
	err := i.sub.Close()

	if i.started.Load() {
		<-i.done
	}
	return err
}
