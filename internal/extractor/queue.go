// Package extractor implements the adaptive-batching pull loop that
// pages each message kind out of a RowSource, in roughly-chronological
// order across every queue, and feeds the results to a Dispatcher.
//
// Ported from the reference implementation's extractor.py: an Extractor
// owns a set of ExtractorQueue-like objects, each responsible for one
// message kind (or one message kind scoped to a single mapping/patient
// ID), and repeatedly runs whichever queue is furthest behind, widening
// or narrowing its query window based on how full the last batch was.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/metrics"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// Queue is the non-generic surface Extractor drives; each concrete
// queue kind (WaveSampleQueue, NumericValueQueue, ...) implements it
// via BaseQueue[T] for its own message type T.
type Queue interface {
	Name() string
	LoadState(destDir string) error
	SaveState(destDir string) error

	// QueryTime is the internal cursor: the upper bound of the most
	// recently completed batch, used to decide when a queue has caught
	// up to another queue it's stalled behind.
	QueryTime() tstamp.Timestamp
	SetQueryTime(t tstamp.Timestamp)

	// ReachedPresent reports whether the last batch run hit the
	// configured end time (or, for an unbounded queue, returned fewer
	// rows than its limit) and so has nothing more to read right now.
	ReachedPresent() bool

	// StallingQueue returns another queue this one is currently
	// waiting on (nil if none), the way a mapping-scoped queue waits
	// for PatientMapping rows to resolve an unknown mapping ID.
	StallingQueue() Queue

	Bias() time.Duration
	IdleDelay() time.Duration
	DefaultBatchDuration() time.Duration

	// RunBatch executes one adaptively-sized query, pushes every
	// resulting message to d, and reports the maximum timestamp seen
	// (ok is false if the batch was empty).
	RunBatch(ctx context.Context, d *dispatch.Dispatcher) (maxTS tstamp.Timestamp, ok bool, err error)

	// RunFinalQuery fetches the single most recent row at or after
	// the queue's current newest-seen timestamp (and before its end
	// time, if it has one), without pushing it
	// anywhere, purely to learn how far real time has actually
	// advanced — used to un-stall a queue waiting on this one.
	RunFinalQuery(ctx context.Context) (maxTS tstamp.Timestamp, ok bool, err error)
}

// Accessors extracts the fields PushMessage's bookkeeping needs from a
// decoded message of type T. Go has no common base message type the
// way the reference implementation's namedtuples all happened to
// support duck-typed attribute access, so these are supplied once per
// queue kind instead of being methods on T.
type Accessors[T any] struct {
	Timestamp func(T) tstamp.Timestamp
	Channel   func(T) any
	TTL       func(T) int64
}

// Fetcher pulls one adaptively-sized batch of T out of a RowSource.
// limit and the time range always come from the RangeQuery; reverse
// ordering is used only by RunFinalQuery.
type Fetcher[T any] func(ctx context.Context, rq RangeQuery) ([]T, error)

// RangeQuery is extractor's view of a page request; queue.go builds
// one per batch and concrete queue constructors translate it into a
// sqlsource.RangeQuery plus whatever mapping/patient scoping the queue
// was constructed with.
type RangeQuery struct {
	HasTimeGE bool
	TimeGE    tstamp.Timestamp
	HasTimeLE bool
	TimeLE    tstamp.Timestamp
	HasTimeLT bool
	TimeLT    tstamp.Timestamp
	Reverse   bool
	Limit     int
}

// BaseQueue implements the full ExtractorQueue algorithm — adaptive
// batch sizing, ack/nack bookkeeping, dedup against both an in-memory
// and a disk-persisted acked set, and JSON state persistence — generic
// over one message type T. Concrete queue kinds embed it and supply
// Fetcher/Accessors plus their own Bias/IdleDelay/DefaultBatchDuration
// and (for mapping- or patient-scoped kinds) StallingQueue behavior.
type BaseQueue[T any] struct {
	name string
	log  zerolog.Logger

	fetch      Fetcher[T]
	finalFetch Fetcher[T]
	acc        Accessors[T]

	defaultBatchDuration time.Duration
	bias                 time.Duration
	idleDelay            time.Duration

	limitPerBatch int
	hasEndTime    bool
	endTime       tstamp.Timestamp

	hasNewest           bool
	newestSeenTimestamp tstamp.Timestamp
	hasOldestUnacked    bool
	oldestUnacked       tstamp.Timestamp

	ackedSaved map[string]map[string]struct{} // ts key -> set of content hashes
	ackedNew   *tsOrderedSets                 // ts key -> set of member keys
	unackedNew *tsOrderedSets                 // ts key -> set of member keys
	keyToTS    map[string]string              // member key -> ts key, for Ack/Nack
	msgByKey   map[string]T                   // member key -> message, for subclasses that nack on message content

	lastBatchCountAtNewest int
	lastBatchLimit         int
	lastBatchCount         int
	hasLastBatchEnd        bool
	lastBatchEnd           tstamp.Timestamp
	hasLastBatchDuration   bool
	lastBatchDuration      time.Duration

	queryTime tstamp.Timestamp

	// source is the dispatch.Source every pushed message is attributed
	// to. It defaults to the BaseQueue itself but a wrapper
	// (MappingIDExtractorQueue, PatientIDExtractorQueue) that overrides
	// AckMessage/NackMessage must call SetSource(itself) so acks/nacks
	// reach the override instead of being swallowed by the embedded
	// base — Go method promotion has no virtual dispatch.
	source dispatch.Source
}

// NewBaseQueue constructs the shared machinery for one message kind.
// messagesPerBatch is the initial/default batch row cap
// (limit_per_batch in the source); startTime/hasStart and
// endTime/hasEnd bound the whole queue's operating window.
func NewBaseQueue[T any](name string, fetch, finalFetch Fetcher[T], acc Accessors[T], messagesPerBatch int, hasStart bool, startTime tstamp.Timestamp, hasEnd bool, endTime tstamp.Timestamp, log zerolog.Logger) *BaseQueue[T] {
	q := &BaseQueue[T]{
		name:          name,
		log:           log.With().Str("queue", name).Logger(),
		fetch:         fetch,
		finalFetch:    finalFetch,
		acc:           acc,
		limitPerBatch: messagesPerBatch,
		hasEndTime:    hasEnd,
		endTime:       endTime,
		ackedSaved:    make(map[string]map[string]struct{}),
		ackedNew:      newTSOrderedSets(),
		unackedNew:    newTSOrderedSets(),
		keyToTS:       make(map[string]string),
		msgByKey:      make(map[string]T),
	}
	if hasStart {
		q.hasNewest = true
		q.newestSeenTimestamp = startTime
		q.hasOldestUnacked = true
		q.oldestUnacked = startTime
	}
	q.source = q
	return q
}

// SetSource overrides the dispatch.Source pushed messages are
// attributed to. Called by a wrapper type immediately after
// construction so that acks/nacks route to its own overridden
// AckMessage/NackMessage.
func (q *BaseQueue[T]) SetSource(s dispatch.Source) { q.source = s }

func (q *BaseQueue[T]) Name() string                       { return q.name }
func (q *BaseQueue[T]) QueryTime() tstamp.Timestamp         { return q.queryTime }
func (q *BaseQueue[T]) SetQueryTime(t tstamp.Timestamp)     { q.queryTime = t }
func (q *BaseQueue[T]) Bias() time.Duration                 { return q.bias }
func (q *BaseQueue[T]) IdleDelay() time.Duration            { return q.idleDelay }
func (q *BaseQueue[T]) DefaultBatchDuration() time.Duration { return q.defaultBatchDuration }
func (q *BaseQueue[T]) StallingQueue() Queue                { return nil }

// SetTuning lets a concrete queue kind fill in the three parameters
// the source hardcodes per subclass (bias/idle_delay/
// default_batch_duration methods).
func (q *BaseQueue[T]) SetTuning(defaultBatchDuration, bias, idleDelay time.Duration) {
	q.defaultBatchDuration = defaultBatchDuration
	q.bias = bias
	q.idleDelay = idleDelay
}

// ReachedPresent mirrors ExtractorQueue.reached_present: with no end
// time configured, a batch that came back under its row limit has
// drained everything currently available; with an end time, the batch
// window must additionally have reached it.
func (q *BaseQueue[T]) ReachedPresent() bool {
	if !q.hasEndTime {
		return q.lastBatchCount < q.lastBatchLimit
	}
	return q.hasLastBatchEnd && !q.lastBatchEnd.Before(q.endTime) && q.lastBatchCount < q.lastBatchLimit
}

// nextWindow computes (limit, duration, rangeStart, rangeEnd) for the
// next batch query, exactly reproducing next_message_parser's
// four-way adaptive sizing heuristic.
func (q *BaseQueue[T]) nextWindow() (limit int, duration time.Duration, hasStart bool, start tstamp.Timestamp, hasEnd bool, end tstamp.Timestamp) {
	var n int
	var d time.Duration

	switch {
	case !q.hasNewest:
		n = q.limitPerBatch
		d = 0
	case q.lastBatchCount > q.lastBatchCountAtNewest || !q.hasLastBatchDuration:
		n = q.limitPerBatch
		d = q.defaultBatchDuration
	case q.lastBatchCount < q.lastBatchLimit:
		n = q.lastBatchLimit
		d = q.lastBatchDuration * 2
	default:
		n = q.lastBatchLimit * 2
		d = q.lastBatchDuration
	}

	if !q.hasNewest {
		hasEnd = q.hasEndTime
		end = q.endTime
		q.lastBatchLimit = n
		q.hasLastBatchEnd = hasEnd
		q.lastBatchEnd = end
		q.hasLastBatchDuration = false
		q.lastBatchCount = 0
		q.lastBatchCountAtNewest = 0
		return n, d, false, tstamp.Timestamp{}, hasEnd, end
	}

	start = q.newestSeenTimestamp
	hasStart = true
	if q.hasEndTime {
		remaining := q.endTime.Sub(start)
		if remaining < d {
			d = remaining
		}
	}
	end = start.Add(d)
	hasEnd = true

	q.lastBatchLimit = n
	q.hasLastBatchEnd = true
	q.lastBatchEnd = end
	q.lastBatchDuration = d
	q.hasLastBatchDuration = true
	q.lastBatchCount = 0
	q.lastBatchCountAtNewest = 0
	return n, d, hasStart, start, hasEnd, end
}

// RunBatch implements Extractor._run_queries' per-queue body: build
// the adaptive window, fetch, push every row, and re-arm
// reached_present/query_time bookkeeping for the next round.
func (q *BaseQueue[T]) RunBatch(ctx context.Context, d *dispatch.Dispatcher) (tstamp.Timestamp, bool, error) {
	limit, _, hasStart, start, hasEnd, end := q.nextWindow()

	rq := RangeQuery{Limit: limit}
	if hasStart {
		rq.HasTimeGE = true
		rq.TimeGE = start
	}
	if hasEnd {
		rq.HasTimeLE = true
		rq.TimeLE = end
	}

	rows, err := q.fetch(ctx, rq)
	if err != nil {
		return tstamp.Timestamp{}, false, fmt.Errorf("extractor: queue %s: %w", q.name, err)
	}
	metrics.QueryBatchesTotal.WithLabelValues(q.name).Inc()
	metrics.QueryRowsTotal.WithLabelValues(q.name).Add(float64(len(rows)))

	var maxTS tstamp.Timestamp
	hasMax := false
	for _, row := range rows {
		ts := q.acc.Timestamp(row)
		if ts.After(maxTS) || !hasMax {
			maxTS = ts
			hasMax = true
		}
		if err := q.pushMessage(row, d); err != nil {
			return tstamp.Timestamp{}, false, err
		}
	}
	return maxTS, hasMax, nil
}

// RunFinalQuery implements Extractor._update_current_time's
// per-queue body: a single reverse-ordered row at or after the
// queue's newest-seen timestamp, to learn how far time has actually
// advanced without disturbing any ack/dedup state.
func (q *BaseQueue[T]) RunFinalQuery(ctx context.Context) (tstamp.Timestamp, bool, error) {
	rq := RangeQuery{Limit: 1, Reverse: true}
	if q.hasNewest {
		rq.HasTimeGE = true
		rq.TimeGE = q.newestSeenTimestamp
	}
	if q.hasEndTime {
		rq.HasTimeLT = true
		rq.TimeLT = q.endTime
	}
	rows, err := q.finalFetch(ctx, rq)
	if err != nil {
		return tstamp.Timestamp{}, false, fmt.Errorf("extractor: queue %s final query: %w", q.name, err)
	}
	if len(rows) == 0 {
		return tstamp.Timestamp{}, false, nil
	}
	return q.acc.Timestamp(rows[0]), true, nil
}

// pushMessage implements ExtractorQueue.push_message: reject anything
// older than the newest timestamp seen, dedup against both in-flight
// and previously-persisted acks, and otherwise hand the message to the
// dispatcher keyed by a content-derived identity string.
func (q *BaseQueue[T]) pushMessage(msg T, d *dispatch.Dispatcher) error {
	ts := q.acc.Timestamp(msg)
	channel := q.acc.Channel(msg)
	ttl := q.acc.TTL(msg)
	q.lastBatchCount++

	if q.hasNewest && ts.Before(q.newestSeenTimestamp) {
		q.log.Warn().Str("timestamp", ts.String()).Msg("unexpected message older than queue cursor; ignored")
		return nil
	}
	if q.hasNewest && ts.Equal(q.newestSeenTimestamp) {
		q.lastBatchCountAtNewest++
	} else {
		q.newestSeenTimestamp = ts
		q.hasNewest = true
		q.lastBatchCountAtNewest = 1
	}

	tsKey := ts.String()
	q.unackedNew.ensure(tsKey)
	q.ackedNew.ensure(tsKey)

	hash, err := contentHash(msg)
	if err != nil {
		return fmt.Errorf("extractor: queue %s: hashing message: %w", q.name, err)
	}
	mk := memberKey(channel, hash)

	if q.unackedNew.contains(tsKey, mk) || q.ackedNew.contains(tsKey, mk) {
		return nil
	}

	if saved, ok := q.ackedSaved[tsKey]; ok {
		if _, ok := saved[hash]; ok {
			delete(saved, hash)
			if len(saved) == 0 {
				delete(q.ackedSaved, tsKey)
			}
			q.ackedNew.add(tsKey, mk)
			return nil
		}
	}

	q.unackedNew.add(tsKey, mk)
	q.keyToTS[mk] = tsKey
	q.msgByKey[mk] = msg
	q.updatePointer()
	return d.SendMessage(channel, mk, msg, q.source, ttl)
}

// MessageForKey returns the message a dispatcher key was minted for,
// so a subclass's NackMessage override can inspect fields (a mapping
// ID, say) the channel/key pair alone doesn't carry.
func (q *BaseQueue[T]) MessageForKey(key any) (T, bool) {
	mk, _ := key.(string)
	msg, ok := q.msgByKey[mk]
	return msg, ok
}

// AckMessage implements ExtractorQueue.ack_message. BaseQueue is its
// own dispatch.Source.
func (q *BaseQueue[T]) AckMessage(channel, key any, d *dispatch.Dispatcher) error {
	mk, _ := key.(string)
	tsKey, ok := q.keyToTS[mk]
	if !ok {
		q.log.Warn().Msg("ack for an unknown message")
		return nil
	}
	delete(q.keyToTS, mk)
	delete(q.msgByKey, mk)
	q.unackedNew.discard(tsKey, mk)
	q.ackedNew.add(tsKey, mk)
	q.updatePointer()
	return nil
}

// NackMessage implements ExtractorQueue.nack_message, a no-op in the
// base case; MappingIDExtractorQueue overrides it to track stalled
// mapping IDs.
func (q *BaseQueue[T]) NackMessage(channel, key any, d *dispatch.Dispatcher) error {
	return nil
}

// updatePointer implements ExtractorQueue._update_pointer: advance
// oldest_unacked_timestamp past any fully-acked leading timestamps,
// then drop acked_new/acked_saved entries that are now too old to
// matter, warning about any saved-but-never-reappeared messages.
func (q *BaseQueue[T]) updatePointer() {
	var tsKey string
	found := false
	for {
		k, ok := q.unackedNew.front()
		if !ok {
			break
		}
		if q.unackedNew.len(k) == 0 {
			q.unackedNew.deleteKey(k)
			continue
		}
		tsKey = k
		found = true
		break
	}
	if !found {
		return
	}

	ts, err := tstamp.Parse(tsKey)
	if err != nil {
		q.log.Error().Err(err).Str("ts_key", tsKey).Msg("corrupt internal timestamp key")
		return
	}
	if q.hasOldestUnacked && !ts.After(q.oldestUnacked) {
		return
	}
	q.oldestUnacked = ts
	q.hasOldestUnacked = true

	for {
		k, ok := q.ackedNew.front()
		if !ok {
			break
		}
		ats, err := tstamp.Parse(k)
		if err != nil || ats.Before(ts) {
			q.ackedNew.deleteKey(k)
			continue
		}
		break
	}

	var stale []string
	for atsKey, saved := range q.ackedSaved {
		ats, err := tstamp.Parse(atsKey)
		if err != nil || ats.Before(ts) {
			if n := len(saved); n > 0 {
				q.log.Warn().Int("count", n).Str("timestamp", atsKey).
					Msg("missed expected messages; corrupt DB or window underrun?")
			}
			stale = append(stale, atsKey)
		}
	}
	for _, k := range stale {
		delete(q.ackedSaved, k)
	}
}

type queueStateFile struct {
	Time  string              `json:"time"`
	Acked map[string][]string `json:"acked"`
}

func (q *BaseQueue[T]) stateFileName(destDir string) string {
	return filepath.Join(destDir, "%"+q.name+".queue")
}

// LoadState implements ExtractorQueue.load_state.
func (q *BaseQueue[T]) LoadState(destDir string) error {
	data, err := os.ReadFile(q.stateFileName(destDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("extractor: queue %s: load state: %w", q.name, err)
	}

	var sf queueStateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("extractor: queue %s: parse state: %w", q.name, err)
	}
	if sf.Time == "" {
		return nil
	}
	ts, err := tstamp.Parse(sf.Time)
	if err != nil {
		return fmt.Errorf("extractor: queue %s: parse saved time: %w", q.name, err)
	}
	q.newestSeenTimestamp = ts
	q.hasNewest = true
	q.oldestUnacked = ts
	q.hasOldestUnacked = true

	q.ackedSaved = make(map[string]map[string]struct{})
	for tsstr, hashes := range sf.Acked {
		set := q.ackedSaved[tsstr]
		if set == nil {
			set = make(map[string]struct{})
			q.ackedSaved[tsstr] = set
		}
		for _, h := range hashes {
			set[h] = struct{}{}
		}
	}
	return nil
}

// SaveState implements ExtractorQueue.save_state: atomic write via a
// temp file, fdatasync-equivalent Sync, then rename, matching the
// durability requirement the source imposes with os.fdatasync before
// os.rename.
func (q *BaseQueue[T]) SaveState(destDir string) error {
	var sf queueStateFile
	if q.hasOldestUnacked {
		sf.Time = q.oldestUnacked.String()
		sf.Acked = make(map[string][]string)
		for tsstr, set := range q.ackedSaved {
			for h := range set {
				sf.Acked[tsstr] = append(sf.Acked[tsstr], h)
			}
		}
		for _, tsKey := range q.ackedNew.keys() {
			for mk := range q.ackedNew.sets[tsKey] {
				_, h := splitMemberKey(mk)
				sf.Acked[tsKey] = append(sf.Acked[tsKey], h)
			}
		}
	}

	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("extractor: queue %s: marshal state: %w", q.name, err)
	}
	data = append(data, '\n')

	path := q.stateFileName(destDir)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("extractor: queue %s: create state tmp: %w", q.name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("extractor: queue %s: write state: %w", q.name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("extractor: queue %s: sync state: %w", q.name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("extractor: queue %s: close state: %w", q.name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("extractor: queue %s: rename state: %w", q.name, err)
	}
	return nil
}
