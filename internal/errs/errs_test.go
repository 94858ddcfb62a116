package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndAs(t *testing.T) {
	base := errors.New("boom")
	err := New(DataSyntax, base)

	kind, ok := As(err)
	if !ok || kind != DataSyntax {
		t.Fatalf("As = %v, %v; want DataSyntax, true", kind, ok)
	}
	if !errors.Is(err, base) {
		t.Errorf("expected errors.Is to unwrap to base error")
	}
}

func TestNewNilIsNil(t *testing.T) {
	if New(Fatal, nil) != nil {
		t.Error("expected New(kind, nil) == nil")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(New(Fatal, errors.New("oom"))) {
		t.Error("expected Fatal-kind error to be fatal")
	}
	if IsFatal(New(DataSyntax, errors.New("bad row"))) {
		t.Error("expected DataSyntax-kind error to not be fatal")
	}
	if IsFatal(errors.New("plain error")) {
		t.Error("expected unclassified error to not be fatal")
	}
}

func TestWrappedKindSurvivesFmtErrorf(t *testing.T) {
	err := fmt.Errorf("loading config: %w", New(Configuration, errors.New("missing field")))
	kind, ok := As(err)
	if !ok || kind != Configuration {
		t.Fatalf("As = %v, %v; want Configuration, true", kind, ok)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("plain"), 1},
		{New(Fatal, errors.New("x")), 70},
		{New(Configuration, errors.New("x")), 78},
		{New(DataSyntax, errors.New("x")), 65},
		{New(QueueUnderrun, errors.New("x")), 75},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
