package extractor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// testMsg is a minimal synthetic message used to exercise BaseQueue
// without depending on the real message/sqlsource types.
type testMsg struct {
	ts      tstamp.Timestamp
	channel string
	payload string
}

func testAccessors() Accessors[testMsg] {
	return Accessors[testMsg]{
		Timestamp: func(m testMsg) tstamp.Timestamp { return m.ts },
		Channel:   func(m testMsg) any { return m.channel },
		TTL:       func(testMsg) int64 { return 100 },
	}
}

func mustTS(t *testing.T, s string) tstamp.Timestamp {
	t.Helper()
	ts, err := tstamp.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

// fixedFetcher returns rows once, then an empty slice forever after,
// regardless of the requested range — enough to exercise one batch.
func fixedFetcher(rows []testMsg) Fetcher[testMsg] {
	served := false
	return func(ctx context.Context, rq RangeQuery) ([]testMsg, error) {
		if served {
			return nil, nil
		}
		served = true
		return rows, nil
	}
}

// countingHandler acks everything immediately.
type countingHandler struct{ acked int }

func (h *countingHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	h.acked++
	return d.AckMessage(channel, key, h)
}
func (h *countingHandler) Flush() error { return nil }

func newTestBaseQueue(rows []testMsg) *BaseQueue[testMsg] {
	q := NewBaseQueue[testMsg]("test", fixedFetcher(rows), fixedFetcher(nil), testAccessors(), 10, false, tstamp.Timestamp{}, false, tstamp.Timestamp{}, zerolog.Nop())
	q.SetTuning(time.Minute, 0, time.Second)
	return q
}

func TestBaseQueueRunBatchPushesAndDedups(t *testing.T) {
	rows := []testMsg{
		{ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00"), channel: "a", payload: "one"},
		{ts: mustTS(t, "2020-01-01 00:00:01.000 +00:00"), channel: "a", payload: "two"},
	}
	q := newTestBaseQueue(rows)
	d := dispatch.New(false, zerolog.Nop())
	h := &countingHandler{}
	d.AddHandler(h)

	maxTS, ok, err := q.RunBatch(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a non-empty batch")
	}
	if !maxTS.Equal(rows[1].ts) {
		t.Errorf("maxTS = %v, want %v", maxTS, rows[1].ts)
	}
	if h.acked != 2 {
		t.Errorf("acked = %d, want 2", h.acked)
	}

	// Pushing the same rows again (simulating a re-delivered batch)
	// must not re-push anything once acked.
	for _, row := range rows {
		if err := q.pushMessage(row, d); err != nil {
			t.Fatal(err)
		}
	}
	if h.acked != 2 {
		t.Errorf("acked after re-delivery = %d, want 2", h.acked)
	}
}

func TestBaseQueueSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := []testMsg{
		{ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00"), channel: "a", payload: "one"},
	}
	q := newTestBaseQueue(rows)
	d := dispatch.New(false, zerolog.Nop())
	h := &countingHandler{}
	d.AddHandler(h)

	if _, _, err := q.RunBatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := q.SaveState(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir + "/%test.queue"); err != nil {
		t.Fatalf("expected state file: %v", err)
	}

	q2 := newTestBaseQueue(rows)
	if err := q2.LoadState(dir); err != nil {
		t.Fatal(err)
	}
	if !q2.newestSeenTimestamp.Equal(rows[0].ts) {
		t.Errorf("loaded newestSeenTimestamp = %v, want %v", q2.newestSeenTimestamp, rows[0].ts)
	}

	// Re-running the same batch against the reloaded queue must
	// recognize every message as already acked and not re-dispatch it.
	d2 := dispatch.New(false, zerolog.Nop())
	h2 := &countingHandler{}
	d2.AddHandler(h2)
	if err := q2.pushMessage(rows[0], d2); err != nil {
		t.Fatal(err)
	}
	if h2.acked != 0 {
		t.Errorf("acked = %d, want 0 (message should have been recognized as already-acked)", h2.acked)
	}
}

func TestBaseQueueReachedPresentNoEndTime(t *testing.T) {
	q := newTestBaseQueue([]testMsg{{ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00"), channel: "a"}})
	d := dispatch.New(false, zerolog.Nop())
	d.AddHandler(&countingHandler{})
	if _, _, err := q.RunBatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if !q.ReachedPresent() {
		t.Error("expected ReachedPresent after a batch smaller than the limit")
	}
}

func TestExtractorRunDrivesLowestTimestampQueue(t *testing.T) {
	e := New("", false, zerolog.Nop())
	h := &countingHandler{}
	e.AddHandler(h)

	rowsA := []testMsg{{ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00"), channel: "a"}}
	rowsB := []testMsg{{ts: mustTS(t, "2020-01-01 00:00:05.000 +00:00"), channel: "b"}}
	qa := newTestBaseQueue(rowsA)
	qb := newTestBaseQueue(rowsB)
	if err := e.AddQueue(qa); err != nil {
		t.Fatal(err)
	}
	if err := e.AddQueue(qb); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if err := e.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if h.acked != 2 {
		t.Errorf("acked = %d, want 2 (one message per queue)", h.acked)
	}
}
