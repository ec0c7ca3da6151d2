package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beswatch/beswatch/internal/errs"
)

// stubConn satisfies Conn without a network. Reads block until the test
// pushes a frame or closes the connection; writes are recorded.
type stubConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	gate     chan struct{}

	reads  chan []byte
	done   chan struct{}
	closed sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{
		reads: make(chan []byte, 8),
		done:  make(chan struct{}),
	}
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.reads:
		return websocket.TextMessage, raw, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.TextMessage {
		c.written = append(c.written, append([]byte(nil), data...))
	}
	return nil
}

func (c *stubConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error { return nil }

func (c *stubConn) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

func (c *stubConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestHub() *Hub {
	return New(Config{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		SendQueueSize:    4,
	})
}

func TestBroadcastDeliversToMatchingObservers(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	connA := newStubConn()
	connB := newStubConn()
	connC := newStubConn()
	mustRegister(t, h, "a", []string{"build-42"}, connA)
	mustRegister(t, h, "b", []string{"build-7"}, connB)
	mustRegister(t, h, "c", []string{Wildcard}, connC)

	delivered := h.Broadcast("build-42", []byte(`{"seq":1}`))
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	waitFor(t, "interested observer frame", func() bool { return len(connA.frames()) == 1 })
	waitFor(t, "wildcard observer frame", func() bool { return len(connC.frames()) == 1 })
	if len(connB.frames()) != 0 {
		t.Fatal("expected uninterested observer to receive nothing")
	}
}

func TestBroadcastWithoutInvocationReachesWildcardOnly(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	connA := newStubConn()
	connC := newStubConn()
	mustRegister(t, h, "a", []string{"build-42"}, connA)
	mustRegister(t, h, "c", []string{Wildcard}, connC)

	if delivered := h.Broadcast("", []byte(`{}`)); delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	waitFor(t, "wildcard frame", func() bool { return len(connC.frames()) == 1 })
	if len(connA.frames()) != 0 {
		t.Fatal("expected explicit-interest observer to receive nothing")
	}
}

func TestBroadcastWriteFailureTearsDownOneObserver(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	broken := newStubConn()
	broken.writeErr = errors.New("peer gone")
	healthy := newStubConn()
	mustRegister(t, h, "broken", []string{"build-42"}, broken)
	mustRegister(t, h, "healthy", []string{"build-42"}, healthy)

	h.Broadcast("build-42", []byte(`{"seq":1}`))

	waitFor(t, "broken observer removal", func() bool { return h.ObserverCount() == 1 })
	waitFor(t, "healthy observer frame", func() bool { return len(healthy.frames()) == 1 })

	// The survivor keeps receiving.
	h.Broadcast("build-42", []byte(`{"seq":2}`))
	waitFor(t, "second frame", func() bool { return len(healthy.frames()) == 2 })
}

func TestBroadcastDropsSlowObserver(t *testing.T) {
	h := New(Config{WriteTimeout: time.Second, SendQueueSize: 1})
	defer h.Shutdown(context.Background())

	slow := newStubConn()
	slow.gate = make(chan struct{})
	healthy := newStubConn()
	mustRegister(t, h, "slow", []string{"build-42"}, slow)
	mustRegister(t, h, "healthy", []string{"build-42"}, healthy)

	// First frame parks the slow writer, second fills its queue, third finds
	// it full and evicts the observer.
	for i := 0; i < 3; i++ {
		h.Broadcast("build-42", []byte(`{}`))
	}

	waitFor(t, "slow observer eviction", func() bool { return h.ObserverCount() == 1 })
	close(slow.gate)
	waitFor(t, "healthy observer frames", func() bool { return len(healthy.frames()) == 3 })
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	conn := newStubConn()
	mustRegister(t, h, "a", []string{"build-42"}, conn)
	h.Unregister("a")
	h.Unregister("a")
	if h.ObserverCount() != 0 {
		t.Fatalf("expected empty registry, got %d", h.ObserverCount())
	}
}

func TestRegisterAfterShutdownFails(t *testing.T) {
	h := newTestHub()
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.Register("a", []string{Wildcard}, newStubConn()); !errors.Is(err, errs.ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}

func TestShutdownWaitsForInFlightFrames(t *testing.T) {
	h := newTestHub()

	conn := newStubConn()
	conn.gate = make(chan struct{})
	mustRegister(t, h, "a", []string{Wildcard}, conn)

	h.Broadcast("build-42", []byte(`{"seq":1}`))

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(conn.gate)
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	<-released
	if len(conn.frames()) != 1 {
		t.Fatal("expected the queued frame to be delivered before shutdown completed")
	}
}

func TestShutdownHonoursContext(t *testing.T) {
	h := newTestHub()

	conn := newStubConn()
	conn.gate = make(chan struct{}) // writer never completes
	mustRegister(t, h, "a", []string{Wildcard}, conn)
	h.Broadcast("build-42", []byte(`{}`))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	close(conn.gate)
}

func TestObserverInterestUpdates(t *testing.T) {
	obs := newObserver("a", []string{"build-42"}, newStubConn(), 4)

	if !obs.matches("build-42") || obs.matches("build-7") {
		t.Fatal("expected initial interest to match exactly")
	}

	obs.subscribe([]string{"build-7"})
	if !obs.matches("build-7") {
		t.Fatal("expected widened interest to match")
	}

	obs.unsubscribe([]string{"build-42"})
	if obs.matches("build-42") {
		t.Fatal("expected narrowed interest to stop matching")
	}

	obs.subscribe([]string{Wildcard})
	if !obs.matches("anything") || !obs.matches("") {
		t.Fatal("expected wildcard to match everything")
	}

	obs.unsubscribe([]string{Wildcard})
	if obs.matches("anything") {
		t.Fatal("expected wildcard removal to restore exact matching")
	}
}

func mustRegister(t *testing.T, h *Hub, id string, interests []string, conn Conn) *Observer {
	t.Helper()
	obs, err := h.Register(id, interests, conn)
	if err != nil {
		t.Fatalf("registering %s: %v", id, err)
	}
	return obs
}

func dialTestHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	return conn
}

func TestServeHTTPHandshakeAndDelivery(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialTestHub(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"subscribe":["build-42"]}`)); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	waitFor(t, "observer registration", func() bool { return h.ObserverCount() == 1 })

	h.Broadcast("build-42", []byte(`{"seq":1}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(raw) != `{"seq":1}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestServeHTTPRejectsHandshakeWithoutSubscription(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialTestHub(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if h.ObserverCount() != 0 {
		t.Fatal("expected no observer to be registered")
	}
}

func TestServeHTTPControlFramesAdjustInterests(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialTestHub(t, server)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"subscribe":["build-42"]}`)); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	waitFor(t, "observer registration", func() bool { return h.ObserverCount() == 1 })

	// Widen, then confirm the new invocation is delivered.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"subscribe":["build-7"]}`)); err != nil {
		t.Fatalf("sending control frame: %v", err)
	}
	waitFor(t, "interest to widen", func() bool { return h.Broadcast("build-7", []byte(`{"seq":7}`)) == 1 })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(raw) != `{"seq":7}` {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestServeHTTPDisconnectRemovesObserver(t *testing.T) {
	h := newTestHub()
	defer h.Shutdown(context.Background())

	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialTestHub(t, server)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"subscribe":["*"]}`)); err != nil {
		t.Fatalf("sending handshake: %v", err)
	}
	waitFor(t, "observer registration", func() bool { return h.ObserverCount() == 1 })

	conn.Close()
	waitFor(t, "observer removal", func() bool { return h.ObserverCount() == 0 })
}

var _ http.Handler = (*Hub)(nil)
