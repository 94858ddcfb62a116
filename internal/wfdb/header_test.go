package wfdb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSegmentHeaderWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg0001.hea")

	h := &SegmentHeader{
		FFreq:           500,
		CFreq:           500,
		NFrames:         1000,
		FrameCountKnown: true,
		Signals: []*SignalInfo{
			{FName: "seg0001.dat", Fmt: 16, SPF: 1, Gain: 200, Baseline: 0, Units: "mV",
				ADCRes: 12, ADCZero: 0, InitVal: 0, Cksum: 0, BSize: 0, Desc: "II"},
			{FName: "seg0001.dat", Fmt: 16, SPF: 1, Gain: 100, Baseline: 0, Units: "mmHg",
				ADCRes: 12, ADCZero: 0, InitVal: 0, Cksum: 0, BSize: 0, Desc: "ABP"},
		},
	}
	if err := h.Write(path, false); err != nil {
		t.Fatal(err)
	}

	read, err := ReadSegmentHeader(path)
	if err != nil {
		t.Fatal(err)
	}
	if read.Name != "seg0001" {
		t.Errorf("Name = %q, want seg0001", read.Name)
	}
	if read.NFrames != 1000 {
		t.Errorf("NFrames = %d, want 1000", read.NFrames)
	}
	if len(read.Signals) != 2 {
		t.Fatalf("got %d signals, want 2", len(read.Signals))
	}
	if read.Signals[0].Desc != "II" || read.Signals[0].Units != "mV" {
		t.Errorf("unexpected signal 0: %+v", read.Signals[0])
	}
	if read.Signals[1].Desc != "ABP" || read.Signals[1].Units != "mmHg" {
		t.Errorf("unexpected signal 1: %+v", read.Signals[1])
	}
}

func TestJoinSegmentsProducesLayoutAndRecordHeader(t *testing.T) {
	dir := t.TempDir()

	seg1 := &SegmentHeader{
		FFreq: 500, CFreq: 500, BaseCount: 0, NFrames: 500, FrameCountKnown: true,
		Signals: []*SignalInfo{
			{FName: "seg1.dat", Fmt: 16, SPF: 1, Gain: 200, Baseline: 0, Units: "mV",
				ADCRes: 12, ADCZero: 2048, InitVal: 0, Desc: "II"},
		},
	}
	seg1Path := filepath.Join(dir, "seg1.hea")
	if err := seg1.Write(seg1Path, false); err != nil {
		t.Fatal(err)
	}

	seg2 := &SegmentHeader{
		FFreq: 500, CFreq: 500, BaseCount: 500, NFrames: 500, FrameCountKnown: true,
		Signals: []*SignalInfo{
			{FName: "seg2.dat", Fmt: 16, SPF: 1, Gain: 200, Baseline: 0, Units: "mV",
				ADCRes: 12, ADCZero: 2048, InitVal: 0, Desc: "II"},
		},
	}
	seg2Path := filepath.Join(dir, "seg2.hea")
	if err := seg2.Write(seg2Path, false); err != nil {
		t.Fatal(err)
	}

	recPath := filepath.Join(dir, "rec.hea")
	if err := JoinSegments(recPath, []string{seg1Path, seg2Path}, "", false); err != nil {
		t.Fatal(err)
	}

	// The multi-segment record header lists the layout and both
	// segments; ReadSegmentHeader reads only single-segment headers.
	rec, err := os.ReadFile(recPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := "rec/3 1 500 1000\nrec_layout 0\nseg1 500\nseg2 500\n"; string(rec) != want {
		t.Errorf("record header = %q, want %q", rec, want)
	}

	layoutPath := filepath.Join(dir, "rec_layout.hea")
	layout, err := ReadSegmentHeader(layoutPath)
	if err != nil {
		t.Fatalf("layout header not written: %v", err)
	}
	if len(layout.Signals) != 1 || layout.Signals[0].Desc != "II" {
		t.Errorf("unexpected layout signals: %+v", layout.Signals)
	}
}
