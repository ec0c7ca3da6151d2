// Package service wires the pipeline together and owns its lifecycle:
// schema before subscription at startup, and on termination the drain order
// unsubscribe, command connection, in-flight broadcasts, HTTP surface.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beswatch/beswatch/internal/config"
	"github.com/beswatch/beswatch/internal/errs"
	"github.com/beswatch/beswatch/internal/hub"
	"github.com/beswatch/beswatch/internal/ingest"
	"github.com/beswatch/beswatch/internal/jsoncodec"
	"github.com/beswatch/beswatch/internal/logging"
	"github.com/beswatch/beswatch/internal/router"
	"github.com/beswatch/beswatch/internal/schema"
	"github.com/beswatch/beswatch/internal/transport"
)

// Dependencies holds optional collaborators, mostly for tests. Leave fields
// nil to get the production wiring.
type Dependencies struct {
	// SchemaFetcher overrides the HTTP fetcher.
	SchemaFetcher schema.Fetcher
	// EventTransport and CommandTransport override the transports built
	// from config. Production builds each from config so the command
	// publisher gets its own connection.
	EventTransport   *transport.Transport
	CommandTransport *transport.Transport
	// Registerer collects the pipeline metrics; nil means the default
	// registry.
	Registerer prometheus.Registerer
}

// Service is the assembled event pipeline plus its HTTP surface.
type Service struct {
	conf *config.Config
	log  logging.ServiceLogger

	schemaSet *schema.Set
	hub       *hub.Hub
	router    *router.Router
	ingester  *ingest.Ingester

	eventTransport   transport.Transport
	commandTransport transport.Transport

	httpServer *http.Server
	startedAt  time.Time
}

// New loads the schema and assembles the pipeline. A schema fetch or compile
// failure is returned as-is so main can exit non-zero with the diagnostic;
// decoding against a partial schema would silently misinterpret bytes, so
// the process refuses to start instead.
func New(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if log == nil {
		return nil, errs.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating build event service", logging.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	fetcher := deps.SchemaFetcher
	if fetcher == nil {
		fetcher = schema.NewHTTPFetcher(conf.SchemaBaseURL, nil)
	}
	set, err := schema.NewRegistry(fetcher, log).Load(ctx, conf.SchemaRoots)
	if err != nil {
		return nil, err
	}

	wmLogger := logging.NewWatermillAdapter(log)
	eventTransport, err := buildTransport(deps.EventTransport, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	commandTransport, err := buildTransport(deps.CommandTransport, conf, wmLogger)
	if err != nil {
		return nil, err
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	h := hub.New(hub.Config{
		HandshakeTimeout: conf.HandshakeTimeout,
		WriteTimeout:     conf.WriteTimeout,
		SendQueueSize:    conf.SendQueueSize,
		Logger:           log,
		Metrics:          hub.NewMetrics(registerer),
	})

	rt, err := router.New(router.Config{
		SchemaSet:     set,
		EnvelopeTypes: conf.EnvelopeTypes,
		Hub:           h,
		Commands:      commandTransport.Publisher,
		CommandTopic:  conf.CommandTopic,
		Logger:        log,
		Metrics:       router.NewMetrics(registerer),
	})
	if err != nil {
		return nil, err
	}

	ing, err := ingest.New(ingest.Config{
		Subscriber:      eventTransport.Subscriber,
		Topic:           conf.BuildEventTopic,
		Handler:         rt.Handle,
		Logger:          log,
		Metrics:         ingest.NewMetrics(registerer),
		InitialInterval: conf.ReconnectInitialInterval,
		MaxInterval:     conf.ReconnectMaxInterval,
		MaxAttempts:     conf.ReconnectMaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		conf:             conf,
		log:              log,
		schemaSet:        set,
		hub:              h,
		router:           rt,
		ingester:         ing,
		eventTransport:   eventTransport,
		commandTransport: commandTransport,
	}
	s.httpServer = &http.Server{
		Addr:    conf.ListenAddress,
		Handler: s.routes(registerer),
	}
	return s, nil
}

func buildTransport(override *transport.Transport, conf *config.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if override != nil {
		return *override, nil
	}
	return transport.Build(conf, logger)
}

func (s *Service) routes(registerer prometheus.Registerer) http.Handler {
	mux := chi.NewRouter()

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = jsoncodec.Encode(w, statusPayload{
			Status:        "ok",
			PubSubSystem:  s.conf.PubSubSystem,
			Topic:         s.conf.BuildEventTopic,
			SchemaTypes:   s.schemaSet.Len(),
			Observers:     s.hub.ObserverCount(),
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		})
	})

	if s.conf.MetricsEnabled {
		mux.Handle("/metrics", metricsHandler(registerer))
	}

	mux.Handle("/ws", s.hub)

	return mux
}

type statusPayload struct {
	Status        string `json:"status"`
	PubSubSystem  string `json:"pubsubSystem"`
	Topic         string `json:"topic"`
	SchemaTypes   int    `json:"schemaTypes"`
	Observers     int    `json:"observers"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if registry, ok := registerer.(*prometheus.Registry); ok {
		return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// Hub exposes the subscription hub, mainly so tests can register stub
// observers against the assembled pipeline.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Run serves until the context is cancelled, then drains in order:
// unsubscribe, close the command connection, finish in-flight broadcasts,
// stop the HTTP surface. It returns only after the full sequence.
func (s *Service) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	go func() {
		s.log.Info("Starting HTTP server", logging.LogFields{"address": s.httpServer.Addr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", err, logging.LogFields{"address": s.httpServer.Addr})
		}
	}()

	ingesterDone := make(chan error, 1)
	go func() {
		ingesterDone <- s.ingester.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-ingesterDone:
		if err != nil {
			s.log.Error("Ingester stopped unexpectedly", err, nil)
		}
	}

	return s.shutdown()
}

func (s *Service) shutdown() error {
	s.log.Info("Shutting down", logging.LogFields{"timeout": s.conf.ShutdownTimeout.String()})

	drainCtx, cancel := context.WithTimeout(context.Background(), s.conf.ShutdownTimeout)
	defer cancel()

	var errs []error

	// 1. Stop accepting pub/sub messages; waits for the in-flight handler.
	if err := s.ingester.Close(); err != nil {
		errs = append(errs, err)
	}

	// 2. Close the command connection.
	if s.commandTransport.Publisher != nil {
		if err := s.commandTransport.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// 3. Let in-flight broadcasts finish.
	if err := s.hub.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}

	// 4. Stop the HTTP surface.
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		errs = append(errs, err)
	}

	if s.eventTransport.Publisher != nil && any(s.eventTransport.Publisher) != any(s.eventTransport.Subscriber) {
		if err := s.eventTransport.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.log.Info("Shutdown complete", nil)
	return errors.Join(errs...)
}
