package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingAckSource counts acks/nacks with a mutex, since a
// ParallelDispatcher may (via ackForwarder) call it from a goroutine
// other than the test's.
type countingAckSource struct {
	mu     sync.Mutex
	acked  map[any]int
	nacked map[any]int
}

func newCountingAckSource() *countingAckSource {
	return &countingAckSource{acked: map[any]int{}, nacked: map[any]int{}}
}

func (s *countingAckSource) AckMessage(channel, key any, d *Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[key]++
	return nil
}

func (s *countingAckSource) NackMessage(channel, key any, d *Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked[key]++
	return nil
}

func (s *countingAckSource) ackCount(key any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked[key]
}

// parallelAckingHandler immediately acks every message it sees; safe
// for concurrent use across shards since each shard owns its own
// instance via the factory.
type parallelAckingHandler struct {
	mu   sync.Mutex
	seen int
}

func (h *parallelAckingHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	h.mu.Lock()
	h.seen++
	h.mu.Unlock()
	return d.AckMessage(channel, key, h)
}
func (h *parallelAckingHandler) Flush() error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestParallelDispatcherRoutesAndAcks(t *testing.T) {
	pd := NewParallelDispatcher(4, 10, false, zerolog.Nop())
	handlers := make([]*parallelAckingHandler, 4)
	if err := pd.AddHandler(func(shard int) Handler {
		h := &parallelAckingHandler{}
		handlers[shard] = h
		return h
	}); err != nil {
		t.Fatal(err)
	}
	defer pd.Shutdown()

	src := newCountingAckSource()
	for i := 0; i < 20; i++ {
		ch := "channel-fixed"
		key := i
		if err := pd.SendMessage(ch, key, "payload", src, 0); err != nil {
			t.Fatalf("SendMessage(%d): %v", i, err)
		}
	}

	// Upstream acks travel through the ack-forwarding goroutine, so
	// they may land shortly after SendMessage returns.
	waitFor(t, func() bool {
		for i := 0; i < 20; i++ {
			if src.ackCount(i) == 0 {
				return false
			}
		}
		return true
	})
	for i := 0; i < 20; i++ {
		if src.ackCount(i) != 1 {
			t.Errorf("key %d: expected exactly one ack, got %d", i, src.ackCount(i))
		}
	}

	total := 0
	for _, h := range handlers {
		h.mu.Lock()
		total += h.seen
		h.mu.Unlock()
	}
	if total != 20 {
		t.Errorf("expected 20 messages delivered across shards, got %d", total)
	}
}

func TestParallelDispatcherSameChannelSameShard(t *testing.T) {
	pd := NewParallelDispatcher(8, 10, false, zerolog.Nop())
	seenShards := map[int]struct{}{}
	var mu sync.Mutex
	if err := pd.AddHandler(func(shard int) Handler {
		return &shardRecordingHandler{shard: shard, seen: &seenShards, mu: &mu}
	}); err != nil {
		t.Fatal(err)
	}
	defer pd.Shutdown()

	src := newCountingAckSource()
	for i := 0; i < 10; i++ {
		if err := pd.SendMessage("always-this-channel", i, "payload", src, 0); err != nil {
			t.Fatalf("SendMessage(%d): %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seenShards) != 1 {
		t.Errorf("expected every message on the same channel to land on one shard, landed on %d", len(seenShards))
	}
}

type shardRecordingHandler struct {
	shard int
	seen  *map[int]struct{}
	mu    *sync.Mutex
}

func (h *shardRecordingHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	h.mu.Lock()
	(*h.seen)[h.shard] = struct{}{}
	h.mu.Unlock()
	return d.AckMessage(channel, key, h)
}
func (h *shardRecordingHandler) Flush() error { return nil }

func TestParallelDispatcherAsyncTTLNacksImmediately(t *testing.T) {
	pd := NewParallelDispatcher(2, 10, false, zerolog.Nop())
	if err := pd.AddHandler(func(shard int) Handler {
		return &parallelAckingHandler{}
	}); err != nil {
		t.Fatal(err)
	}
	defer pd.Shutdown()

	src := newCountingAckSource()
	if err := pd.SendMessage("ch", "k1", "payload", src, 1000); err != nil {
		t.Fatal(err)
	}

	if src.nacked["k1"] != 1 {
		t.Errorf("expected immediate nack for ttl>0 async send, got %d", src.nacked["k1"])
	}
	waitFor(t, func() bool { return src.ackCount("k1") == 1 })
}

func TestParallelDispatcherFlushWaitsForAllShards(t *testing.T) {
	pd := NewParallelDispatcher(3, 10, false, zerolog.Nop())
	if err := pd.AddHandler(func(shard int) Handler {
		return &parallelAckingHandler{}
	}); err != nil {
		t.Fatal(err)
	}
	defer pd.Shutdown()

	if err := pd.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestParallelDispatcherRejectsHandlerAfterStart(t *testing.T) {
	pd := NewParallelDispatcher(1, 10, false, zerolog.Nop())
	if err := pd.AddHandler(func(shard int) Handler { return &parallelAckingHandler{} }); err != nil {
		t.Fatal(err)
	}
	defer pd.Shutdown()

	src := newCountingAckSource()
	if err := pd.SendMessage("ch", "k1", "payload", src, 0); err != nil {
		t.Fatal(err)
	}

	if err := pd.AddHandler(func(shard int) Handler { return &parallelAckingHandler{} }); err == nil {
		t.Error("expected error adding a handler after sending messages")
	}
}
