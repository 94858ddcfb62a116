package archive

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func TestTrimTrailingZeros(t *testing.T) {
	cases := map[string]string{
		"98.000": "98",
		"98.500": "98.5",
		"98":     "98",
		"0.0":    "0",
	}
	for in, want := range cases {
		if got := trimTrailingZeros(in); got != want {
			t.Errorf("trimTrailingZeros(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitTab(t *testing.T) {
	parts := splitTab("a\tb\tc")
	if len(parts) != 3 || parts[0] != "a" || parts[1] != "b" || parts[2] != "c" {
		t.Fatalf("unexpected split: %+v", parts)
	}
}

func newTestRecord(t *testing.T) *ArchiveRecord {
	t.Helper()
	dir := t.TempDir()
	rec, err := openRecord(dir, "srv", "rec1", "20200101-0000", true, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestNumericValueFinalizerWritesCSV(t *testing.T) {
	rec := newTestRecord(t)
	rec.SetSeqnum0(1000)

	periodic, err := rec.OpenLogFile("_phi_numerics")
	if err != nil {
		t.Fatal(err)
	}
	ts, err := tstamp.Parse("2020-01-01 00:00:05.000000 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, periodic, "S5000")
	mustAppend(t, periodic, compactUTC(ts))
	mustAppend(t, periodic, "HR\t72.000\tbpm")
	if err := periodic.Flush(); err != nil {
		t.Fatal(err)
	}

	fin, err := NewNumericValueFinalizer(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := fin.FinalizeRecord(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(rec.Path() + "/numerics.csv")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected csv:\n%s", data)
	}
	if !strings.Contains(lines[0], `"HR [bpm]"`) {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "72") {
		t.Errorf("unexpected row: %s", lines[1])
	}
}

func mustAppend(t *testing.T, f *ArchiveLogFile, line string) {
	t.Helper()
	if err := f.Append(line); err != nil {
		t.Fatal(err)
	}
}
