package dispatch

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"
)

// HandlerFactory builds one Handler instance per ParallelDispatcher
// shard. It is called once per shard, not once per message, so a
// factory closing over shared state (a file, a queue) must do its own
// synchronization if more than one shard's handler touches it; the
// common case — one handler instance wholly owned by its shard — needs
// none.
type HandlerFactory func(shard int) Handler

type shardReqKind int

const (
	reqSendMessage shardReqKind = iota
	reqFlush
	reqTerminate
)

type shardRequest struct {
	kind    shardReqKind
	channel any
	key     any
	msg     any
	source  Source
	ttl     int64
	reply   chan error // non-nil when the caller is waiting synchronously
}

type shard struct {
	reqs chan shardRequest
}

type ackRequest struct {
	ack      bool
	upstream Source
	channel  any
	key      any
}

// ParallelDispatcher routes each message to one of n independent
// Dispatcher shards, selected by hashing channel, and runs each shard
// on its own goroutine. Every message on a given channel is handled by
// the same shard, so related messages must share a channel; no other
// ordering guarantee holds across shards.
//
// Apart from spreading handler work across goroutines, its API mirrors
// Dispatcher's.
type ParallelDispatcher struct {
	n               int
	pendingLimit    int
	fatalExceptions bool
	log             zerolog.Logger

	handlerFactories    []HandlerFactory
	deadLetterFactories []HandlerFactory

	once    sync.Once
	shards  []*shard
	shardWG sync.WaitGroup
	ackCh   chan ackRequest
	ackWG   sync.WaitGroup
}

// NewParallelDispatcher creates a ParallelDispatcher with n shards.
// pendingLimit bounds how many in-flight requests each shard's queue
// will buffer before SendMessage blocks — the Go equivalent of the
// source's pipe-batching pending_limit, which existed there to bound
// how much gets buffered in an OS pipe before a synchronizing round
// trip; a buffered channel serves the same purpose without the pipe.
func NewParallelDispatcher(n, pendingLimit int, fatalExceptions bool, log zerolog.Logger) *ParallelDispatcher {
	if n < 1 {
		n = 1
	}
	if pendingLimit < 1 {
		pendingLimit = 1
	}
	return &ParallelDispatcher{
		n:               n,
		pendingLimit:    pendingLimit,
		fatalExceptions: fatalExceptions,
		log:             log.With().Str("component", "parallel_dispatch").Logger(),
	}
}

// AddHandler registers a handler factory, invoked once per shard when
// shards are started. All factories must be registered before the
// first SendMessage/Flush/Terminate call.
func (pd *ParallelDispatcher) AddHandler(f HandlerFactory) error {
	if pd.shards != nil {
		return errors.New("dispatch: cannot add handlers after sending messages")
	}
	pd.handlerFactories = append(pd.handlerFactories, f)
	return nil
}

// AddDeadLetterHandler registers a dead-letter handler factory, under
// the same before-first-message constraint as AddHandler.
func (pd *ParallelDispatcher) AddDeadLetterHandler(f HandlerFactory) error {
	if pd.shards != nil {
		return errors.New("dispatch: cannot add handlers after sending messages")
	}
	pd.deadLetterFactories = append(pd.deadLetterFactories, f)
	return nil
}

func (pd *ParallelDispatcher) start() {
	pd.once.Do(func() {
		pd.ackCh = make(chan ackRequest, pd.pendingLimit*pd.n)
		pd.ackWG.Add(1)
		go func() {
			defer pd.ackWG.Done()
			pd.ackLoop()
		}()

		pd.shards = make([]*shard, pd.n)
		for i := 0; i < pd.n; i++ {
			s := &shard{reqs: make(chan shardRequest, pd.pendingLimit)}
			pd.shards[i] = s
			pd.shardWG.Add(1)
			go func(i int, s *shard) {
				defer pd.shardWG.Done()
				pd.runShard(i, s)
			}(i, s)
		}
	})
}

// Shutdown stops every shard goroutine and the ack-forwarding
// goroutine, waiting for both to drain. Flush should normally be
// called first.
func (pd *ParallelDispatcher) Shutdown() {
	if pd.shards == nil {
		return
	}
	for _, s := range pd.shards {
		close(s.reqs)
	}
	pd.shardWG.Wait()
	close(pd.ackCh)
	pd.ackWG.Wait()
}

// SendMessage submits a message for routing to the shard selected by
// hashing channel. For ttl<=0 the call blocks until that shard has
// processed the message, surfacing any resulting error immediately —
// such a message is already past its expiry threshold and the caller
// needs to know its fate right away. For ttl>0 the source is nacked
// immediately (it is still pending, just not yet delivered) and the
// message is queued to the shard asynchronously; a resulting error is
// logged rather than returned, since by the time it could surface the
// caller has moved on to unrelated messages — mirroring the source's
// own "exceptions... may actually be the result of some earlier
// message" warning about asynchronous delivery.
func (pd *ParallelDispatcher) SendMessage(channel, key, msg any, source Source, ttl int64) error {
	pd.start()
	s := pd.shards[shardIndex(channel, pd.n)]

	if ttl <= 0 {
		reply := make(chan error, 1)
		s.reqs <- shardRequest{kind: reqSendMessage, channel: channel, key: key, msg: msg, source: source, ttl: ttl, reply: reply}
		return <-reply
	}

	if err := source.NackMessage(channel, key, nil); err != nil {
		return err
	}
	s.reqs <- shardRequest{kind: reqSendMessage, channel: channel, key: key, msg: msg, source: source, ttl: ttl}
	return nil
}

// Flush asks every shard to flush its handlers, waiting for all of
// them to finish before returning.
func (pd *ParallelDispatcher) Flush() error {
	pd.start()
	return pd.broadcast(reqFlush)
}

// Terminate forces expiration of every pending message on every shard.
func (pd *ParallelDispatcher) Terminate() error {
	pd.start()
	return pd.broadcast(reqTerminate)
}

func (pd *ParallelDispatcher) broadcast(kind shardReqKind) error {
	replies := make([]chan error, len(pd.shards))
	for i, s := range pd.shards {
		r := make(chan error, 1)
		replies[i] = r
		s.reqs <- shardRequest{kind: kind, reply: r}
	}
	var firstErr error
	for _, r := range replies {
		if err := <-r; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (pd *ParallelDispatcher) runShard(i int, s *shard) {
	d := New(pd.fatalExceptions, pd.log.With().Int("shard", i).Logger())
	for _, f := range pd.handlerFactories {
		d.AddHandler(f(i))
	}
	for _, f := range pd.deadLetterFactories {
		d.AddDeadLetterHandler(f(i))
	}

	for req := range s.reqs {
		var err error
		switch req.kind {
		case reqSendMessage:
			fwd := &ackForwarder{pd: pd, upstream: req.source}
			err = d.SendMessage(req.channel, req.key, req.msg, fwd, req.ttl)
		case reqFlush:
			err = d.Flush()
		case reqTerminate:
			err = d.Terminate()
		}
		if req.reply != nil {
			req.reply <- err
		} else if err != nil {
			pd.log.Error().Err(err).Int("shard", i).Msg("unhandled error processing asynchronous message")
		}
	}
}

// ackForwarder stands in for the real upstream Source inside a shard's
// Dispatcher. Rather than let handler goroutines across different
// shards call the same upstream Source concurrently — a source such as
// a shared extractor queue is not guaranteed to tolerate that — every
// ack/nack is funneled through a single ack-processing goroutine
// (ParallelDispatcher.ackLoop), serializing delivery back to the
// upstream source the way the source's single-threaded parent process
// serialized ack delivery from its children over pipes.
type ackForwarder struct {
	pd       *ParallelDispatcher
	upstream Source
}

func (f *ackForwarder) AckMessage(channel, key any, d *Dispatcher) error {
	f.pd.ackCh <- ackRequest{ack: true, upstream: f.upstream, channel: channel, key: key}
	return nil
}

func (f *ackForwarder) NackMessage(channel, key any, d *Dispatcher) error {
	f.pd.ackCh <- ackRequest{ack: false, upstream: f.upstream, channel: channel, key: key}
	return nil
}

func (pd *ParallelDispatcher) ackLoop() {
	for req := range pd.ackCh {
		var err error
		if req.ack {
			err = req.upstream.AckMessage(req.channel, req.key, nil)
		} else {
			err = req.upstream.NackMessage(req.channel, req.key, nil)
		}
		if err != nil {
			pd.log.Error().Err(err).Msg("upstream source ack/nack failed")
		}
	}
}

// shardIndex hashes channel to a shard number. Go has no builtin
// equivalent of Python's hash(obj), so channel is rendered to its
// default string form and hashed with FNV-1a; callers that need
// deterministic sharding across runs should pass a channel value whose
// %v form is stable (strings, UUIDs, small structs of comparable
// fields all qualify).
func shardIndex(channel any, n int) int {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", channel)
	return int(h.Sum64() % uint64(n))
}
