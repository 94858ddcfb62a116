package attrcache

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
)

type fakeSource struct {
	waveCalls int
	wave      message.WaveAttr
	waveErr   error

	numErr error
}

func (f *fakeSource) FetchWaveAttr(context.Context, int64) (message.WaveAttr, error) {
	f.waveCalls++
	return f.wave, f.waveErr
}

func (f *fakeSource) FetchNumericAttr(context.Context, int64) (message.NumericAttr, error) {
	return message.NumericAttr{}, f.numErr
}

func (f *fakeSource) FetchEnumerationAttr(context.Context, int64) (message.EnumerationAttr, error) {
	return message.EnumerationAttr{}, nil
}

func TestWaveAttrCachesAfterFirstFetch(t *testing.T) {
	src := &fakeSource{wave: message.WaveAttr{PhysioID: 7}}
	c := New(src, zerolog.Nop())

	a1, ok := c.WaveAttr("srv", 1, false)
	if !ok || a1.PhysioID != 7 {
		t.Fatalf("got %+v, ok=%v", a1, ok)
	}
	a2, ok := c.WaveAttr("srv", 1, false)
	if !ok || a2.PhysioID != 7 {
		t.Fatalf("got %+v, ok=%v", a2, ok)
	}
	if src.waveCalls != 1 {
		t.Errorf("expected 1 fetch, got %d", src.waveCalls)
	}
}

func TestWaveAttrNoRowsIsCachedAsUndefined(t *testing.T) {
	src := &fakeSource{waveErr: pgx.ErrNoRows}
	c := New(src, zerolog.Nop())

	a, ok := c.WaveAttr("srv", 2, false)
	if !ok {
		t.Fatalf("expected ok=true for a permanent not-found answer")
	}
	if a != (message.WaveAttr{}) {
		t.Errorf("expected zero-value placeholder, got %+v", a)
	}
	if src.waveCalls != 1 {
		t.Fatal("second call should hit the cache, not re-fetch")
	}
	if _, ok := c.WaveAttr("srv", 2, false); !ok || src.waveCalls != 1 {
		t.Errorf("expected cached answer, waveCalls=%d", src.waveCalls)
	}
}

func TestNumericAttrTransientErrorDefersUnlessMustResolve(t *testing.T) {
	src := &fakeSource{numErr: errors.New("connection reset")}
	c := New(src, zerolog.Nop())

	if _, ok := c.NumericAttr("srv", 3, false); ok {
		t.Error("expected ok=false so the caller defers and retries")
	}
	if _, ok := c.NumericAttr("srv", 3, true); !ok {
		t.Error("expected ok=true once mustResolve forces a best-effort answer")
	}
}
