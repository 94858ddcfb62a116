package dispatch

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/errs"
)

// recordingSource counts acks/nacks per key.
type recordingSource struct {
	acked  map[any]int
	nacked map[any]int
}

func newRecordingSource() *recordingSource {
	return &recordingSource{acked: map[any]int{}, nacked: map[any]int{}}
}

func (s *recordingSource) AckMessage(channel, key any, d *Dispatcher) error {
	s.acked[key]++
	return nil
}
func (s *recordingSource) NackMessage(channel, key any, d *Dispatcher) error {
	s.nacked[key]++
	return nil
}

// ignoringHandler never acks or nacks anything it sees.
type ignoringHandler struct{ seen int }

func (h *ignoringHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	h.seen++
	return nil
}
func (h *ignoringHandler) Flush() error { return nil }

// ackingHandler immediately acks every message it sees.
type ackingHandler struct{ seen int }

func (h *ackingHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	h.seen++
	return d.AckMessage(channel, key, h)
}
func (h *ackingHandler) Flush() error { return nil }

// nackingHandler nacks every message it sees and never acks.
type nackingHandler struct{ seen int }

func (h *nackingHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	h.seen++
	return d.NackMessage(channel, key, h, false)
}
func (h *nackingHandler) Flush() error { return nil }

func TestSendMessageNoHandlersGoesDeadLetter(t *testing.T) {
	d := New(false, zerolog.Nop())
	dead := &ackingHandler{}
	d.AddDeadLetterHandler(dead)
	src := newRecordingSource()

	if err := d.SendMessage("ch", "k1", "payload", src, 10); err != nil {
		t.Fatal(err)
	}
	if dead.seen != 1 {
		t.Errorf("expected dead letter handler to see the message once, got %d", dead.seen)
	}
	if src.acked["k1"] != 1 {
		t.Errorf("expected upstream ack for unclaimed message, got %d", src.acked["k1"])
	}
}

func TestSendMessageAllHandlersAck(t *testing.T) {
	d := New(false, zerolog.Nop())
	h1 := &ackingHandler{}
	h2 := &ackingHandler{}
	d.AddHandler(h1)
	d.AddHandler(h2)
	src := newRecordingSource()

	if err := d.SendMessage("ch", "k1", "payload", src, 10); err != nil {
		t.Fatal(err)
	}
	if src.acked["k1"] != 1 {
		t.Errorf("expected exactly one upstream ack, got %d", src.acked["k1"])
	}
	if src.nacked["k1"] != 0 {
		t.Errorf("expected no upstream nack, got %d", src.nacked["k1"])
	}
}

func TestSendMessageOneHandlerNacksThenAcks(t *testing.T) {
	d := New(false, zerolog.Nop())
	h := &nackingHandler{}
	d.AddHandler(h)
	src := newRecordingSource()

	if err := d.SendMessage("ch", "k1", "payload", src, 10); err != nil {
		t.Fatal(err)
	}
	if src.nacked["k1"] != 1 {
		t.Errorf("expected upstream nack while handler holds the message, got %d", src.nacked["k1"])
	}
	if src.acked["k1"] != 0 {
		t.Errorf("expected no ack yet, got %d", src.acked["k1"])
	}

	if err := d.AckMessage("ch", "k1", h); err != nil {
		t.Fatal(err)
	}
	if src.acked["k1"] != 1 {
		t.Errorf("expected upstream ack once handler releases the message, got %d", src.acked["k1"])
	}
}

func TestTTLExpiryNotifiesHoldersThenDeadLetters(t *testing.T) {
	d := New(false, zerolog.Nop())
	h := &nackingHandler{}
	dead := &ackingHandler{}
	d.AddHandler(h)
	d.AddDeadLetterHandler(dead)
	src := newRecordingSource()

	// ttl=0 means the message is already past its expiry threshold by
	// the time the counter advances past its own insertion, so the
	// end-of-call checkExpiring sweep should fire it immediately.
	if err := d.SendMessage("ch", "k1", "payload", src, 0); err != nil {
		t.Fatal(err)
	}

	if dead.seen == 0 {
		t.Error("expected dead-letter handler to receive the expired message")
	}
	if src.acked["k1"] != 1 {
		t.Errorf("expected k1 to be force-acked upstream on expiry, got %d", src.acked["k1"])
	}
}

func TestTerminateExpiresEverything(t *testing.T) {
	d := New(false, zerolog.Nop())
	h := &nackingHandler{}
	d.AddHandler(h)
	src := newRecordingSource()

	for i := 0; i < 3; i++ {
		if err := d.SendMessage("ch", i, "payload", src, 1000); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.Terminate(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if src.acked[i] != 1 {
			t.Errorf("expected message %d force-acked by Terminate, got %d", i, src.acked[i])
		}
	}
}

func TestFatalHandlerErrorPropagates(t *testing.T) {
	d := New(false, zerolog.Nop())
	d.AddHandler(fatalHandler{})
	src := newRecordingSource()

	err := d.SendMessage("ch", "k1", "payload", src, 10)
	if err == nil {
		t.Fatal("expected fatal error to propagate")
	}
	if kind, ok := errs.As(err); !ok || kind != errs.Fatal {
		t.Errorf("expected Fatal-kind error, got %v (ok=%v)", err, ok)
	}
}

type fatalHandler struct{}

func (fatalHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	return errs.New(errs.Fatal, errors.New("out of memory"))
}
func (fatalHandler) Flush() error { return nil }

func TestNonFatalHandlerErrorIsSwallowed(t *testing.T) {
	d := New(false, zerolog.Nop())
	d.AddHandler(buggyHandler{})
	src := newRecordingSource()

	if err := d.SendMessage("ch", "k1", "payload", src, 10); err != nil {
		t.Fatalf("expected non-fatal handler error to be swallowed, got %v", err)
	}
}

type buggyHandler struct{}

func (buggyHandler) SendMessage(channel, key, msg any, d *Dispatcher, ttl int64) error {
	return errors.New("logic bug, not fatal")
}
func (buggyHandler) Flush() error { return nil }
