package archive

import (
	"os"
	"testing"
)

func TestParseAlertInfo(t *testing.T) {
	info := parseAlertInfo("(abc-123)+")
	if !info.ok || info.alertID != "abc-123" || info.event != '+' {
		t.Fatalf("unexpected parse: %+v", info)
	}

	info = parseAlertInfo("(abc-123)1~VTach")
	if !info.ok || info.severity != 1 || info.state != '~' || info.label != "VTach" {
		t.Fatalf("unexpected parse: %+v", info)
	}

	info = parseAlertInfo("garbage")
	if info.ok {
		t.Fatalf("expected no match, got %+v", info)
	}
}

func TestAlertFinalizerWritesAnnotations(t *testing.T) {
	rec := newTestRecord(t)
	rec.SetSeqnum0(1000)

	logfile, err := rec.OpenLogFile("_phi_alerts")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, logfile, "S5000")
	mustAppend(t, logfile, "20200101000005000000")
	mustAppend(t, logfile, "(alert-1)!")
	mustAppend(t, logfile, "20200101000006000000")
	mustAppend(t, logfile, "(alert-1)0=VTach")
	if err := logfile.Flush(); err != nil {
		t.Fatal(err)
	}

	fin, err := NewAlertFinalizer(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := fin.FinalizeRecord(); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(rec.Path() + "/waves.alarm")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Fatal("expected a non-empty annotation file")
	}
}
