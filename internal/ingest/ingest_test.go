package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/beswatch/beswatch/internal/errs"
)

// stubSubscriber fails the first failBefore Subscribe calls, then hands out
// a channel the test feeds directly.
type stubSubscriber struct {
	mu         sync.Mutex
	failBefore int
	calls      int
	ch         chan *message.Message
	closed     bool
}

func newStubSubscriber(failBefore int) *stubSubscriber {
	return &stubSubscriber{
		failBefore: failBefore,
		ch:         make(chan *message.Message, 16),
	}
}

func (s *stubSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failBefore {
		return nil, errors.New("broker unavailable")
	}
	return s.ch, nil
}

func (s *stubSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *stubSubscriber) subscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestIngester(t *testing.T, sub message.Subscriber, handler Handler) *Ingester {
	t.Helper()
	ing, err := New(Config{
		Subscriber:      sub,
		Topic:           "build_event",
		Handler:         handler,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ing
}

func TestNewValidations(t *testing.T) {
	handler := func(*message.Message) {}
	sub := newStubSubscriber(0)

	if _, err := New(Config{Topic: "t", Handler: handler}); !errors.Is(err, errs.ErrSubscriberRequired) {
		t.Fatalf("expected subscriber required, got %v", err)
	}
	if _, err := New(Config{Subscriber: sub, Handler: handler}); !errors.Is(err, errs.ErrTopicRequired) {
		t.Fatalf("expected topic required, got %v", err)
	}
	if _, err := New(Config{Subscriber: sub, Topic: "t"}); !errors.Is(err, errs.ErrHandlerRequired) {
		t.Fatalf("expected handler required, got %v", err)
	}
}

func TestRunDeliversInOrderAndAcks(t *testing.T) {
	sub := newStubSubscriber(0)

	var mu sync.Mutex
	var order []string
	ing := newTestIngester(t, sub, func(msg *message.Message) {
		mu.Lock()
		order = append(order, msg.UUID)
		mu.Unlock()
	})

	go ing.Run(context.Background())

	msgs := []*message.Message{
		message.NewMessage("m1", []byte("a")),
		message.NewMessage("m2", []byte("b")),
		message.NewMessage("m3", []byte("c")),
	}
	for _, msg := range msgs {
		sub.ch <- msg
	}

	for _, msg := range msgs {
		select {
		case <-msg.Acked():
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s was not acked", msg.UUID)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "m1" || order[1] != "m2" || order[2] != "m3" {
		t.Fatalf("expected delivery order m1,m2,m3, got %v", order)
	}

	if err := ing.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestRunStampsCorrelationID(t *testing.T) {
	sub := newStubSubscriber(0)

	got := make(chan string, 1)
	ing := newTestIngester(t, sub, func(msg *message.Message) {
		got <- msg.Metadata.Get(metadataKeyCorrelationID)
	})
	go ing.Run(context.Background())
	defer ing.Close()

	sub.ch <- message.NewMessage("m1", []byte("a"))

	select {
	case id := <-got:
		if id == "" {
			t.Fatal("expected a correlation id to be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestRunKeepsExistingCorrelationID(t *testing.T) {
	sub := newStubSubscriber(0)

	got := make(chan string, 1)
	ing := newTestIngester(t, sub, func(msg *message.Message) {
		got <- msg.Metadata.Get(metadataKeyCorrelationID)
	})
	go ing.Run(context.Background())
	defer ing.Close()

	msg := message.NewMessage("m1", []byte("a"))
	msg.Metadata.Set(metadataKeyCorrelationID, "upstream-id")
	sub.ch <- msg

	select {
	case id := <-got:
		if id != "upstream-id" {
			t.Fatalf("expected upstream correlation id to survive, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestRunReconnectsAfterSubscribeFailure(t *testing.T) {
	sub := newStubSubscriber(2)

	received := make(chan string, 1)
	ing := newTestIngester(t, sub, func(msg *message.Message) {
		received <- msg.UUID
	})
	go ing.Run(context.Background())
	defer ing.Close()

	sub.ch <- message.NewMessage("m1", []byte("a"))

	select {
	case uuid := <-received:
		if uuid != "m1" {
			t.Fatalf("unexpected message %s", uuid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery after reconnect")
	}

	if calls := sub.subscribeCalls(); calls != 3 {
		t.Fatalf("expected 3 subscribe attempts, got %d", calls)
	}
}

func TestRunRecoversHandlerPanic(t *testing.T) {
	sub := newStubSubscriber(0)

	received := make(chan string, 2)
	ing := newTestIngester(t, sub, func(msg *message.Message) {
		received <- msg.UUID
		if msg.UUID == "boom" {
			panic("handler exploded")
		}
	})
	go ing.Run(context.Background())
	defer ing.Close()

	boom := message.NewMessage("boom", []byte("a"))
	sub.ch <- boom
	sub.ch <- message.NewMessage("m2", []byte("b"))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("expected the stream to survive a handler panic")
		}
	}

	// The panicking message is still acked so the stream advances.
	select {
	case <-boom.Acked():
	case <-time.After(2 * time.Second):
		t.Fatal("expected panicking message to be acked")
	}
}

func TestCloseWaitsForInFlightHandler(t *testing.T) {
	sub := newStubSubscriber(0)

	entered := make(chan struct{})
	release := make(chan struct{})
	ing := newTestIngester(t, sub, func(*message.Message) {
		close(entered)
		<-release
	})
	go ing.Run(context.Background())

	sub.ch <- message.NewMessage("m1", []byte("a"))
	<-entered

	closeDone := make(chan struct{})
	go func() {
		_ = ing.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("expected Close to wait for the in-flight handler")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Close to return once the handler finished")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sub := newStubSubscriber(0)
	ing := newTestIngester(t, sub, func(*message.Message) {})

	go ing.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	if err := ing.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ing.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}

func TestCloseBeforeRun(t *testing.T) {
	sub := newStubSubscriber(0)
	ing := newTestIngester(t, sub, func(*message.Message) {})
	if err := ing.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sub := newStubSubscriber(0)
	ing := newTestIngester(t, sub, func(*message.Message) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	sub.Close() // drops the delivery channel so consume returns

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after cancellation")
	}
}
