package kafka_infra

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	fetched   []int64
	committed []int64
	onCommit  func(n int)
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.fetched = append(r.fetched, m.Offset)
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	n := len(r.committed)
	onCommit := r.onCommit
	r.mu.Unlock()
	if onCommit != nil {
		onCommit(n)
	}
	return nil
}

func (r *fakeReader) Config() kafka.ReaderConfig {
	return kafka.ReaderConfig{Topic: "delivery-requests", GroupID: "test"}
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) snapshot() (fetched, committed []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.fetched...), append([]int64(nil), r.committed...)
}

func messages(offsets ...int64) []kafka.Message {
	ms := make([]kafka.Message, len(offsets))
	for i, o := range offsets {
		ms[i] = kafka.Message{Topic: "delivery-requests", Offset: o}
	}
	return ms
}

func TestConsumeRetriesFailedMessageBeforeFetchingNext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{pending: messages(0, 1)}
	reader.onCommit = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	var (
		mu    sync.Mutex
		calls []int64
	)
	handler := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, m.Offset)
		if m.Offset == 0 && len(calls) <= 2 {
			_, committed := reader.snapshot()
			if len(committed) != 0 {
				t.Errorf("offset committed before message 0 succeeded: %v", committed)
			}
			return errors.New("store unavailable")
		}
		return nil
	}

	c := newConsumer(reader, handler, zaptest.NewLogger(t))
	c.backoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Consume: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []int64{0, 0, 0, 1}; !slices.Equal(calls, want) {
		t.Fatalf("handler calls = %v, want %v", calls, want)
	}
	fetched, committed := reader.snapshot()
	if want := []int64{0, 1}; !slices.Equal(fetched, want) {
		t.Fatalf("fetched = %v, want %v", fetched, want)
	}
	if want := []int64{0, 1}; !slices.Equal(committed, want) {
		t.Fatalf("committed = %v, want %v", committed, want)
	}
}

func TestConsumeStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{pending: messages(0, 1)}
	attempts := make(chan struct{}, 16)
	handler := func(context.Context, kafka.Message) error {
		select {
		case attempts <- struct{}{}:
		default:
		}
		return errors.New("store unavailable")
	}

	c := newConsumer(reader, handler, zaptest.NewLogger(t))
	c.backoff = time.Millisecond
	c.maxBackoff = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()

	<-attempts
	<-attempts
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Consume: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}

	fetched, committed := reader.snapshot()
	if len(committed) != 0 {
		t.Fatalf("committed = %v, want nothing", committed)
	}
	if want := []int64{0}; !slices.Equal(fetched, want) {
		t.Fatalf("fetched = %v, want only the failing message", fetched)
	}
}
