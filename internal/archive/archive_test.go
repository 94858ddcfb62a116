package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func mustTS(t *testing.T, s string) tstamp.Timestamp {
	t.Helper()
	ts, err := tstamp.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

type testMsg struct {
	servername string
	patientID  uuid.UUID
	ts         tstamp.Timestamp
}

func testAccessors() RecordAccessors[testMsg] {
	return RecordAccessors[testMsg]{
		Servername: func(m testMsg) string { return m.servername },
		Timestamp:  func(m testMsg) tstamp.Timestamp { return m.ts },
		MappingID:  func(testMsg) (uuid.UUID, bool) { return uuid.UUID{}, false },
		PatientID:  func(m testMsg) (uuid.UUID, bool) { return m.patientID, true },
	}
}

func TestGetRecordOpensAndReuses(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, false, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pid := uuid.New()
	m1 := testMsg{servername: "srv", patientID: pid, ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00")}
	rec1 := GetRecord(a, m1, testAccessors(), noopResolver{}, true)
	if rec1 == nil {
		t.Fatal("expected a record")
	}

	m2 := testMsg{servername: "srv", patientID: pid, ts: mustTS(t, "2020-01-01 00:00:05.000 +00:00")}
	rec2 := GetRecord(a, m2, testAccessors(), noopResolver{}, true)
	if rec1 != rec2 {
		t.Error("expected the same record for a nearby timestamp")
	}

	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(rec1.Path(), "_phi_properties")); err != nil {
		t.Errorf("expected properties file: %v", err)
	}
}

func TestGetRecordSplitsOnLargeGap(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, false, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pid := uuid.New()
	m1 := testMsg{servername: "srv", patientID: pid, ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00")}
	rec1 := GetRecord(a, m1, testAccessors(), noopResolver{}, true)

	m2 := testMsg{servername: "srv", patientID: pid, ts: mustTS(t, "2020-01-01 03:00:00.000 +00:00")}
	rec2 := GetRecord(a, m2, testAccessors(), noopResolver{}, true)
	if rec1 == rec2 {
		t.Error("expected a new record after exceeding the split interval")
	}
}

func TestArchiveRescanFindsExistingRecord(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir, false, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	pid := uuid.New()
	m1 := testMsg{servername: "srv", patientID: pid, ts: mustTS(t, "2020-01-01 00:00:00.000 +00:00")}
	rec1 := GetRecord(a, m1, testAccessors(), noopResolver{}, true)
	rec1.SetSeqnum0(1000)
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}

	a2, err := New(dir, false, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	rec2 := GetRecord(a2, m1, testAccessors(), noopResolver{}, true)
	sn, ok := rec2.Seqnum0()
	if !ok || sn != 1000 {
		t.Errorf("Seqnum0 = %v, %v; want 1000, true", sn, ok)
	}
}

func TestOriginRegistryResolvesMapping(t *testing.T) {
	r := NewOriginRegistry()
	mid, pid := uuid.New(), uuid.New()
	if _, ok := r.PatientIDForMapping(mid); ok {
		t.Fatal("expected no mapping before it is set")
	}
	r.SetPatientID(mid, pid)
	got, ok := r.PatientIDForMapping(mid)
	if !ok || got != pid {
		t.Errorf("PatientIDForMapping = %v, %v; want %v, true", got, ok, pid)
	}
}
