// Package dispatch implements the message dispatcher: the hub that
// routes every incoming record to every registered handler, tracks
// which handlers still want a say in a message's fate, and resolves
// each message to an ack, a nack, or — on expiry with no acceptance —
// a dead-letter drop.
//
// Channel and message identity are caller-supplied comparable keys
// (a table name, a record UUID, a small struct of both) rather than
// the message payload itself, since Go payload structs generally
// contain non-comparable fields (slices, maps) and can't serve as map
// keys the way the source's immutable namedtuples could.
package dispatch

import (
	"container/list"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/errs"
	"github.com/MIT-LCP/downcast/internal/metrics"
)

// Handler receives every message submitted to the dispatcher and
// decides, via the Dispatcher it is given, whether to Ack, Nack, or
// ignore it. Flush is called between batches to let the handler
// persist anything it has accepted.
type Handler interface {
	SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error
	Flush() error
}

// Source is notified when a message it submitted has been fully
// processed (Ack) or is still pending with at least one handler
// holding onto it (Nack).
type Source interface {
	AckMessage(channel, key any, d *Dispatcher) error
	NackMessage(channel, key any, d *Dispatcher) error
}

type messageInfo struct {
	channel         any
	key             any
	msg             any
	source          Source
	expires         int64
	handlers        map[Handler]struct{}
	crashedHandlers map[Handler]struct{}
	submitted       bool
	claimed         bool

	globalElem  *list.Element
	channelElem *list.Element
}

type channelState struct {
	order *list.List // of *messageInfo, insertion order
	byKey map[any]*messageInfo
}

// Dispatcher is the stateful router described in the package doc.
// It is not safe for concurrent use: handlers call back into the same
// Dispatcher synchronously (AckMessage/NackMessage from within their
// own SendMessage), so a Dispatcher must only ever be driven by one
// goroutine at a time, exactly like the source's single-threaded event
// loop. ParallelDispatcher (in parallel.go) shards work across several
// independent Dispatchers, each owned by its own goroutine, instead of
// sharing one Dispatcher across goroutines.
type Dispatcher struct {
	log zerolog.Logger

	handlers           []Handler
	deadLetterHandlers []Handler
	fatalExceptions    bool

	channels       map[any]*channelState
	allMessages    *list.List // of *messageInfo, global insertion order
	messageCounter int64

	activeHandlers map[Handler]struct{}
	replayHandlers map[Handler]struct{}
}

// New creates an empty Dispatcher. If fatalExceptions is true, any
// error returned by a handler or source is propagated immediately
// instead of being logged and swallowed — useful for tests that want
// a single bad handler to fail loudly.
func New(fatalExceptions bool, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:             log.With().Str("component", "dispatch").Logger(),
		fatalExceptions: fatalExceptions,
		channels:        make(map[any]*channelState),
		allMessages:     list.New(),
	}
}

// AddHandler registers a message handler.
func (d *Dispatcher) AddHandler(h Handler) { d.handlers = append(d.handlers, h) }

// AddDeadLetterHandler registers a handler invoked when a message
// expires unclaimed by any ordinary handler.
func (d *Dispatcher) AddDeadLetterHandler(h Handler) {
	d.deadLetterHandlers = append(d.deadLetterHandlers, h)
}

// SendMessage submits a new message on channel, identified by key,
// for distribution to every registered handler. ttl is the number of
// subsequent SendMessage calls (across all channels) this message may
// survive before being forcibly expired.
func (d *Dispatcher) SendMessage(channel, key, msg any, source Source, ttl int64) error {
	if d.messagePending(channel, key) != nil {
		d.logWarning("re-sending a known message", nil, key)
		return nil
	}

	d.insertMessage(channel, key, msg, source, ttl)

	d.activeHandlers = make(map[Handler]struct{})
	d.replayHandlers = make(map[Handler]struct{})

	for _, h := range d.handlers {
		if err := d.handlerSendMessage(h, channel, key, msg, ttl); err != nil {
			return err
		}
	}
	d.markSubmitted(channel, key)

	if mi := d.messagePending(channel, key); mi != nil {
		switch {
		case !mi.claimed:
			if err := d.expireMessage(channel, key); err != nil {
				return err
			}
		case len(mi.handlers) == 0:
			d.deleteMessage(channel, key)
			metrics.MessagesAckedTotal.WithLabelValues(channelLabel(channel)).Inc()
			if err := d.sourceAckMessage(source, channel, key); err != nil {
				return err
			}
		default:
			if err := d.sourceNackMessage(source, channel, key); err != nil {
				return err
			}
		}
	}

	if err := d.replayPending(channel); err != nil {
		return err
	}
	return d.checkExpiring()
}

// Terminate forces expiration of every pending message, in insertion
// order. Intended for end-of-stream batch conversion only; a
// real-time engine should rely on ordinary TTL expiry instead.
func (d *Dispatcher) Terminate() error {
	for d.allMessages.Len() > 0 {
		front := d.allMessages.Front().Value.(*messageInfo)
		d.activeHandlers = make(map[Handler]struct{})
		if err := d.expireMessage(front.channel, front.key); err != nil {
			return err
		}
		if err := d.replayPending(front.channel); err != nil {
			return err
		}
	}
	return nil
}

// Flush asks every handler to persist anything it has accepted.
func (d *Dispatcher) Flush() error {
	for _, h := range d.handlers {
		if err := d.handlerFlush(h); err != nil {
			return err
		}
	}
	return nil
}

// AckMessage is called by a Handler to indicate it has fully
// processed the given message and no longer needs it. Acking the
// last outstanding handler for a message acks it upstream too.
func (d *Dispatcher) AckMessage(channel, key any, handler Handler) error {
	if !d.isKnownHandler(handler) {
		d.logWarning("ack from an unknown handler", handler, key)
		return nil
	}
	mi := d.messagePending(channel, key)
	if mi == nil {
		d.logWarning("ack for an unknown message", handler, key)
		return nil
	}
	d.messageDelHandler(channel, key, handler)
	if mi.submitted && len(mi.handlers) == 0 {
		source := mi.source
		d.deleteMessage(channel, key)
		metrics.MessagesAckedTotal.WithLabelValues(channelLabel(channel)).Inc()
		return d.sourceAckMessage(source, channel, key)
	}
	return nil
}

// NackMessage is called by a Handler to indicate interest in a
// message without being ready to process it yet. If replay is true,
// every other pending message on the same channel is re-submitted to
// this handler once any handler next acks or nacks.
func (d *Dispatcher) NackMessage(channel, key any, handler Handler, replay bool) error {
	if !d.isKnownHandler(handler) {
		d.logWarning("nack from an unknown handler", handler, key)
		return nil
	}
	if d.messagePending(channel, key) == nil {
		d.logWarning("nack for an unknown message", handler, key)
		return nil
	}
	d.messageAddHandler(channel, key, handler, replay)
	return nil
}

func (d *Dispatcher) isKnownHandler(h Handler) bool {
	for _, hh := range d.handlers {
		if hh == h {
			return true
		}
	}
	return false
}

////////////////////////////////////////////////////////////////////

func (d *Dispatcher) insertMessage(channel, key, msg any, source Source, ttl int64) {
	cs, ok := d.channels[channel]
	if !ok {
		cs = &channelState{order: list.New(), byKey: make(map[any]*messageInfo)}
		d.channels[channel] = cs
	}
	mi := &messageInfo{
		channel:         channel,
		key:             key,
		msg:             msg,
		source:          source,
		expires:         d.messageCounter + ttl,
		handlers:        make(map[Handler]struct{}),
		crashedHandlers: make(map[Handler]struct{}),
	}
	mi.channelElem = cs.order.PushBack(mi)
	mi.globalElem = d.allMessages.PushBack(mi)
	cs.byKey[key] = mi
	d.messageCounter++

	metrics.MessagesSubmittedTotal.WithLabelValues(channelLabel(channel)).Inc()
}

// channelLabel renders a dispatcher channel key as a metric label;
// channels are typically small comparable values (a string or a
// struct of scalars), so %v gives a stable, low-cardinality label.
func channelLabel(channel any) string {
	return fmt.Sprintf("%v", channel)
}

func (d *Dispatcher) deleteMessage(channel, key any) {
	cs, ok := d.channels[channel]
	if ok {
		if mi, ok := cs.byKey[key]; ok {
			cs.order.Remove(mi.channelElem)
			d.allMessages.Remove(mi.globalElem)
			delete(cs.byKey, key)
		}
		if len(cs.byKey) == 0 {
			delete(d.channels, channel)
		}
	}
}

func (d *Dispatcher) messagePending(channel, key any) *messageInfo {
	cs, ok := d.channels[channel]
	if !ok {
		return nil
	}
	return cs.byKey[key]
}

// messageHandlers yields handlers still tracking this message, in
// handler-registration order (not map iteration order), matching the
// source's behavior.
func (d *Dispatcher) messageHandlers(channel, key any) []Handler {
	mi := d.messagePending(channel, key)
	if mi == nil {
		return nil
	}
	var out []Handler
	for _, h := range d.handlers {
		if _, ok := mi.handlers[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (d *Dispatcher) messageAddHandler(channel, key any, handler Handler, replay bool) {
	mi := d.messagePending(channel, key)
	if mi != nil {
		mi.claimed = true
		if _, ok := mi.handlers[handler]; !ok {
			d.activeHandlers[handler] = struct{}{}
		}
		mi.handlers[handler] = struct{}{}
	}
	if replay {
		d.replayHandlers[handler] = struct{}{}
	}
}

func (d *Dispatcher) messageDelHandler(channel, key any, handler Handler) {
	mi := d.messagePending(channel, key)
	if mi != nil {
		mi.claimed = true
		if _, ok := mi.handlers[handler]; ok {
			d.activeHandlers[handler] = struct{}{}
		}
		delete(mi.handlers, handler)
	}
	d.replayHandlers[handler] = struct{}{}
}

func (d *Dispatcher) markSubmitted(channel, key any) {
	if mi := d.messagePending(channel, key); mi != nil {
		mi.submitted = true
	}
}

func (d *Dispatcher) messageTTL(channel, key any) int64 {
	mi := d.messagePending(channel, key)
	if mi == nil {
		return 999999
	}
	return mi.expires - d.messageCounter
}

func (d *Dispatcher) replayPending(channel any) error {
	for len(d.activeHandlers) > 0 {
		active := make(map[Handler]struct{}, len(d.activeHandlers))
		for h := range d.activeHandlers {
			if _, ok := d.replayHandlers[h]; ok {
				active[h] = struct{}{}
			}
		}
		d.activeHandlers = make(map[Handler]struct{})
		d.replayHandlers = make(map[Handler]struct{})

		cs, ok := d.channels[channel]
		if !ok {
			return nil
		}
		// Snapshot the channel's messages before iterating: handler
		// callbacks below may ack/nack and mutate the channel.
		var snapshot []*messageInfo
		for e := cs.order.Front(); e != nil; e = e.Next() {
			snapshot = append(snapshot, e.Value.(*messageInfo))
		}
		for _, mi := range snapshot {
			for _, h := range d.messageHandlers(channel, mi.key) {
				if _, ok := active[h]; ok {
					ttl := d.messageTTL(channel, mi.key)
					if err := d.handlerSendMessage(h, channel, mi.key, mi.msg, ttl); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (d *Dispatcher) checkExpiring() error {
	for d.allMessages.Len() > 0 {
		front := d.allMessages.Front().Value.(*messageInfo)
		if d.messageTTL(front.channel, front.key) > 0 {
			return nil
		}
		d.activeHandlers = make(map[Handler]struct{})
		if err := d.expireMessage(front.channel, front.key); err != nil {
			return err
		}
		if err := d.replayPending(front.channel); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) expireMessage(channel, key any) error {
	for _, h := range d.messageHandlers(channel, key) {
		mi := d.messagePending(channel, key)
		if mi == nil {
			break
		}
		if err := d.handlerSendMessage(h, channel, key, mi.msg, 0); err != nil {
			return err
		}
	}

	if mi := d.messagePending(channel, key); mi != nil {
		for _, h := range d.deadLetterHandlers {
			if err := d.handlerSendMessage(h, channel, key, mi.msg, 0); err != nil {
				return err
			}
		}
		source := mi.source
		d.deleteMessage(channel, key)
		metrics.MessagesExpiredTotal.WithLabelValues(channelLabel(channel)).Inc()
		return d.sourceAckMessage(source, channel, key)
	}
	return nil
}

////////////////////////////////////////////////////////////////////
// Fatal-vs-recoverable error handling. A Fatal-kind error (internal/errs)
// is always propagated; any other error from a handler or source is
// logged once per (message, handler) pair and otherwise ignored, so a
// single misbehaving handler cannot interfere with unrelated messages.

func (d *Dispatcher) handlerSendMessage(h Handler, channel, key, msg any, ttl int64) error {
	err := h.SendMessage(channel, key, msg, d, ttl)
	if err == nil {
		return nil
	}
	if d.fatalExceptions || errs.IsFatal(err) {
		return err
	}
	d.logExceptionOnce(h, channel, key, "send_message", err)
	return nil
}

func (d *Dispatcher) handlerFlush(h Handler) error {
	err := h.Flush()
	if err == nil {
		return nil
	}
	// Flush has no message context to attribute the error to, so
	// unlike send_message, any flush error is treated as fatal.
	return fmt.Errorf("dispatch: handler flush failed: %w", err)
}

func (d *Dispatcher) sourceAckMessage(source Source, channel, key any) error {
	if source == nil {
		return nil
	}
	err := source.AckMessage(channel, key, d)
	if err == nil {
		return nil
	}
	if d.fatalExceptions || errs.IsFatal(err) {
		return err
	}
	d.logExceptionOnce(source, channel, key, "ack_message", err)
	return nil
}

func (d *Dispatcher) sourceNackMessage(source Source, channel, key any) error {
	if source == nil {
		return nil
	}
	err := source.NackMessage(channel, key, d)
	if err == nil {
		return nil
	}
	if d.fatalExceptions || errs.IsFatal(err) {
		return err
	}
	d.logExceptionOnce(source, channel, key, "nack_message", err)
	return nil
}

func (d *Dispatcher) logExceptionOnce(handler any, channel, key any, op string, err error) {
	mi := d.messagePending(channel, key)
	if mi == nil {
		d.log.Error().Err(err).Str("op", op).Msg("handler error for already-resolved message")
		return
	}
	h, _ := handler.(Handler)
	if _, crashed := mi.crashedHandlers[h]; crashed {
		return
	}
	mi.crashedHandlers[h] = struct{}{}
	d.log.Error().Err(err).
		Str("op", op).
		Interface("channel", channel).
		Msg("handler error")
}

func (d *Dispatcher) logWarning(text string, handler Handler, key any) {
	d.log.Warn().Interface("key", key).Msg(text)
	_ = handler
}
