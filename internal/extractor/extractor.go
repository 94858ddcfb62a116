package extractor

import (
	"container/list"
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// queueSchedule is an insertion-ordered map from Queue to its next
// scheduled wake time, standing in for the source's
// OrderedDict-keyed-by-queue (self.queue_timestamp): Extractor.run
// needs both "find the minimum" and "move this key to the back",
// which container/list plus a side index gives us without re-deriving
// Python's OrderedDict.move_to_end.
type queueSchedule struct {
	order *list.List
	elems map[Queue]*list.Element
	times map[Queue]tstamp.Timestamp
}

func newQueueSchedule() *queueSchedule {
	return &queueSchedule{
		order: list.New(),
		elems: make(map[Queue]*list.Element),
		times: make(map[Queue]tstamp.Timestamp),
	}
}

func (s *queueSchedule) add(q Queue, t tstamp.Timestamp) {
	s.elems[q] = s.order.PushBack(q)
	s.times[q] = t
}

func (s *queueSchedule) set(q Queue, t tstamp.Timestamp) { s.times[q] = t }

func (s *queueSchedule) get(q Queue) tstamp.Timestamp { return s.times[q] }

// min returns the queue with the earliest scheduled time; ties break
// on insertion order, matching Python's min() over an OrderedDict
// (stable for equal keys).
func (s *queueSchedule) min() Queue {
	var best Queue
	var bestT tstamp.Timestamp
	first := true
	for e := s.order.Front(); e != nil; e = e.Next() {
		q := e.Value.(Queue)
		t := s.times[q]
		if first || t.Before(bestT) {
			best, bestT, first = q, t, false
		}
	}
	return best
}

// front returns the first queue in insertion order.
func (s *queueSchedule) front() Queue {
	if e := s.order.Front(); e != nil {
		return e.Value.(Queue)
	}
	return nil
}

// moveToBack relocates q to the end of the insertion order, matching
// OrderedDict.move_to_end.
func (s *queueSchedule) moveToBack(q Queue) {
	if e, ok := s.elems[q]; ok {
		s.order.MoveToBack(e)
	}
}

// Extractor is the pull-loop driver described in the package doc: it
// owns every input Queue plus the Dispatcher they feed, and Run
// performs one unit of work by picking whichever queue is furthest
// behind (following any StallingQueue chain) and running one adaptive
// batch against it.
type Extractor struct {
	log        zerolog.Logger
	destDir    string
	dispatcher *dispatch.Dispatcher

	queues           []Queue
	schedule         *queueSchedule
	currentTimestamp tstamp.Timestamp
	limiter          *rate.Limiter
}

// SetRateLimiter paces Run: each call waits for a token before issuing
// its query, so a shared source (several engine instances against one
// Postgres export schema, unlike the reference implementation's one
// process per dedicated SQL Server) cannot be hammered faster than the
// configured rate. A nil limiter (the default) imposes no pacing.
func (e *Extractor) SetRateLimiter(l *rate.Limiter) { e.limiter = l }

// New constructs an Extractor. destDir may be empty, in which case
// queue state is never persisted (matching dest_dir=None in the
// source, used by its test suite).
func New(destDir string, fatalExceptions bool, log zerolog.Logger) *Extractor {
	e := &Extractor{
		log:              log.With().Str("component", "extractor").Logger(),
		destDir:          destDir,
		dispatcher:       dispatch.New(fatalExceptions, log),
		schedule:         newQueueSchedule(),
		currentTimestamp: tstamp.VeryOld,
	}
	e.dispatcher.AddDeadLetterHandler(defaultDeadLetterHandler{log: e.log})
	return e
}

// defaultDeadLetterHandler grounds DefaultDeadLetterHandler: log and
// drop, for any message every registered handler declined.
type defaultDeadLetterHandler struct{ log zerolog.Logger }

func (h defaultDeadLetterHandler) SendMessage(channel, key, msg any, d *dispatch.Dispatcher, ttl int64) error {
	h.log.Warn().Interface("channel", channel).Msg("unhandled message reached the dead letter handler")
	return nil
}

func (h defaultDeadLetterHandler) Flush() error { return nil }

// AddQueue registers an input queue, loading any persisted state for
// it first.
func (e *Extractor) AddQueue(q Queue) error {
	e.queues = append(e.queues, q)
	e.schedule.add(q, tstamp.VeryOld)
	if e.destDir != "" {
		if err := q.LoadState(e.destDir); err != nil {
			return fmt.Errorf("extractor: add queue %s: %w", q.Name(), err)
		}
	}
	return nil
}

// AddHandler registers a message handler with the underlying dispatcher.
func (e *Extractor) AddHandler(h dispatch.Handler) {
	e.dispatcher.AddHandler(h)
}

// Dispatcher returns the underlying dispatcher, for callers that need
// to invoke Terminate/Flush on it directly (the CLI's --terminate mode).
func (e *Extractor) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// FullyProcessedTimestamp reports the latest point in time this
// extractor has confirmed every queue has either produced or, via
// updateCurrentTime, reached the present; mirroring
// Extractor.fully_processed_timestamp, used by the CLI's main loop to
// decide when to stop and recycle the extractor/archive pair.
func (e *Extractor) FullyProcessedTimestamp() tstamp.Timestamp { return e.currentTimestamp }

// Flush flushes every output handler and persists every queue's state.
func (e *Extractor) Flush() error {
	if err := e.dispatcher.Flush(); err != nil {
		return err
	}
	if e.destDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.destDir, 0o755); err != nil {
		return fmt.Errorf("extractor: flush: %w", err)
	}
	for _, q := range e.queues {
		if err := q.SaveState(e.destDir); err != nil {
			return fmt.Errorf("extractor: flush: %w", err)
		}
	}
	return nil
}

// Idle reports whether every queue has caught up to the present and
// Run would currently have no work to do, mirroring Extractor.idle.
func (e *Extractor) Idle() bool {
	q := e.schedule.min()
	if q == nil {
		return true
	}
	if e.schedule.get(q).After(e.currentTimestamp) {
		return true
	}
	for {
		sq := q.StallingQueue()
		if sq == nil {
			break
		}
		q = sq
	}
	return e.schedule.get(q).After(e.currentTimestamp)
}

// Run performs a small, bounded amount of work: one adaptive batch
// query against whichever queue is most out of date (following any
// stalling-queue chain), mirroring Extractor.run.
func (e *Extractor) Run(ctx context.Context) error {
	q := e.schedule.min()
	if q == nil {
		return nil
	}

	if e.schedule.get(q).After(e.currentTimestamp) {
		q = e.schedule.front()
		e.schedule.moveToBack(q)
	}

	orig := q
	var sq Queue
	for {
		sq = q.StallingQueue()
		if sq == nil {
			break
		}
		q = sq
	}

	if q != orig && q.ReachedPresent() {
		if err := e.updateCurrentTime(ctx); err != nil {
			return err
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	return e.runBatch(ctx, q)
}

// runBatch grounds Extractor._run_queries.
func (e *Extractor) runBatch(ctx context.Context, q Queue) error {
	maxTS, ok, err := q.RunBatch(ctx, e.dispatcher)
	if err != nil {
		return err
	}
	if ok {
		if maxTS.After(e.currentTimestamp) {
			e.currentTimestamp = maxTS
		}
		if maxTS.After(q.QueryTime()) {
			q.SetQueryTime(maxTS)
		}
	}

	if q.ReachedPresent() {
		q.SetQueryTime(e.currentTimestamp)
		e.schedule.set(q, e.currentTimestamp.Add(q.IdleDelay()))
	} else {
		e.schedule.set(q, q.QueryTime().Add(q.Bias()))
	}
	return nil
}

// updateCurrentTime grounds Extractor._update_current_time: a
// single-row reverse query against every queue, to learn how far real
// time has advanced without disturbing ack/dedup state, used to avoid
// spinning forever on a stalled queue whose expected messages never
// show up.
func (e *Extractor) updateCurrentTime(ctx context.Context) error {
	for _, q := range e.queues {
		ts, ok, err := q.RunFinalQuery(ctx)
		if err != nil {
			return err
		}
		if ok && ts.After(e.currentTimestamp) {
			e.currentTimestamp = ts
		}
	}
	return nil
}
