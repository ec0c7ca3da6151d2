// Package hub tracks connected WebSocket observers and fans decoded build
// events out to the ones interested in each invocation. Send is best-effort
// per connection: a slow or broken observer is torn down alone and never
// blocks delivery to the others.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beswatch/beswatch/internal/errs"
	"github.com/beswatch/beswatch/internal/ids"
	"github.com/beswatch/beswatch/internal/jsoncodec"
	"github.com/beswatch/beswatch/internal/logging"
)

// controlFrame is the client-to-server wire format. The first frame after
// connecting must subscribe to at least one invocation id (or the wildcard);
// later frames may widen or shrink the interest set.
type controlFrame struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// Config tunes the hub.
type Config struct {
	// HandshakeTimeout bounds how long a fresh connection may wait before
	// declaring its interest set.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// SendQueueSize is the per-observer queue; an observer that falls this
	// far behind is disconnected.
	SendQueueSize int
	Logger        logging.ServiceLogger
	Metrics       *Metrics
}

// Metrics counts hub activity.
type Metrics struct {
	Observers    prometheus.Gauge
	Delivered    prometheus.Counter
	SendFailures prometheus.Counter
	SlowDropped  prometheus.Counter
}

// NewMetrics registers the hub counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "beswatch",
			Subsystem: "hub",
			Name:      "observers",
			Help:      "Currently connected observers.",
		}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "hub",
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued to observers.",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "hub",
			Name:      "send_failures_total",
			Help:      "Write failures that tore down one observer.",
		}),
		SlowDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beswatch",
			Subsystem: "hub",
			Name:      "slow_observers_dropped_total",
			Help:      "Observers disconnected because their send queue filled up.",
		}),
	}
}

// Hub owns the observer registry. Mutation happens under one mutex; the
// broadcast path takes the read side so a broken observer can be removed
// without stalling the stream.
type Hub struct {
	conf     Config
	log      logging.ServiceLogger
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	observers map[string]*Observer
	closed    bool

	writers sync.WaitGroup
}

// New builds a Hub. Zero config values fall back to sane defaults.
func New(conf Config) *Hub {
	if conf.HandshakeTimeout <= 0 {
		conf.HandshakeTimeout = 10 * time.Second
	}
	if conf.WriteTimeout <= 0 {
		conf.WriteTimeout = 10 * time.Second
	}
	if conf.SendQueueSize <= 0 {
		conf.SendQueueSize = 64
	}
	log := conf.Logger
	if log == nil {
		log = logging.Nop()
	}
	metrics := conf.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Hub{
		conf:    conf,
		log:     log,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// Client authentication is out of scope; dashboards connect
			// from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		observers: make(map[string]*Observer),
	}
}

// Register adds an observer for the given interest set and starts its
// writer. The returned Observer is owned by the hub.
func (h *Hub) Register(id string, interests []string, conn Conn) (*Observer, error) {
	obs := newObserver(id, interests, conn, h.conf.SendQueueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errs.ErrHubClosed
	}
	if existing, ok := h.observers[id]; ok {
		existing.halt()
	}
	h.observers[id] = obs
	h.mu.Unlock()

	h.metrics.Observers.Inc()
	h.writers.Add(1)
	go h.writePump(obs)

	h.log.Debug("Observer registered", logging.LogFields{
		"connection_id": id,
		"interests":     interests,
	})
	return obs, nil
}

// Unregister removes the observer and closes its connection. Idempotent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	obs, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
		obs.halt()
	}
	h.mu.Unlock()

	if ok {
		h.metrics.Observers.Dec()
		h.log.Debug("Observer unregistered", logging.LogFields{"connection_id": id})
	}
}

// Broadcast enqueues the frame for every matching observer and returns the
// delivery count. Observers whose queue is full are torn down; everyone
// else still receives the frame.
func (h *Hub) Broadcast(invocationID string, frame []byte) int {
	var victims []string
	delivered := 0

	h.mu.RLock()
	if !h.closed {
		for id, obs := range h.observers {
			if !obs.matches(invocationID) {
				continue
			}
			select {
			case obs.send <- frame:
				delivered++
			default:
				victims = append(victims, id)
			}
		}
	}
	h.mu.RUnlock()

	for _, id := range victims {
		h.metrics.SlowDropped.Inc()
		h.log.Info("Disconnecting slow observer", logging.LogFields{"connection_id": id})
		h.Unregister(id)
	}

	if delivered > 0 {
		h.metrics.Delivered.Add(float64(delivered))
	}
	return delivered
}

// ObserverCount reports the current registry size.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Shutdown stops accepting connections, lets queued frames drain, and waits
// for every writer to finish or the context to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, obs := range h.observers {
		delete(h.observers, id)
		obs.halt()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePump is the single writer for one connection; it drains the queue
// even after halt so an in-flight broadcast completes before teardown.
func (h *Hub) writePump(obs *Observer) {
	defer h.writers.Done()

	for frame := range obs.send {
		_ = obs.conn.SetWriteDeadline(time.Now().Add(h.conf.WriteTimeout))
		if err := obs.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.metrics.SendFailures.Inc()
			h.log.Info("Observer write failed", logging.LogFields{
				"connection_id": obs.id,
				"error":         err.Error(),
			})
			h.Unregister(obs.id)
			// Drain whatever remains so halt can complete.
			for range obs.send {
			}
			break
		}
	}

	_ = obs.conn.SetWriteDeadline(time.Now().Add(h.conf.WriteTimeout))
	_ = obs.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = obs.conn.Close()
}

// ServeHTTP upgrades the connection, waits for the interest handshake, and
// then relays control frames until the client goes away. Events flow only
// after the handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("WebSocket upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	interests, err := h.readHandshake(conn)
	if err != nil {
		h.log.Info("Rejecting observer without valid handshake", logging.LogFields{
			"error": err.Error(),
		})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscribe first"))
		_ = conn.Close()
		return
	}

	id := ids.CreateULID()
	obs, err := h.Register(id, interests, conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	h.readPump(obs)
	h.Unregister(id)
}

func (h *Hub) readHandshake(conn Conn) ([]string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.conf.HandshakeTimeout)); err != nil {
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	var frame controlFrame
	if err := jsoncodec.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if len(frame.Subscribe) == 0 {
		return nil, errs.ErrHandshakeRequired
	}
	return frame.Subscribe, nil
}

// readPump applies later control frames to the interest set until the
// connection drops.
func (h *Hub) readPump(obs *Observer) {
	for {
		_, raw, err := obs.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame controlFrame
		if err := jsoncodec.Unmarshal(raw, &frame); err != nil {
			h.log.Debug("Ignoring malformed control frame", logging.LogFields{
				"connection_id": obs.id,
			})
			continue
		}
		if len(frame.Subscribe) > 0 {
			obs.subscribe(frame.Subscribe)
		}
		if len(frame.Unsubscribe) > 0 {
			obs.unsubscribe(frame.Unsubscribe)
		}
	}
}
