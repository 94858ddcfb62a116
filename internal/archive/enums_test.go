package archive

import (
	"os"
	"testing"
)

func TestEnumerationValueFinalizerWritesAnnotations(t *testing.T) {
	rec := newTestRecord(t)
	rec.SetSeqnum0(1000)

	logfile, err := rec.OpenLogFile("_phi_enums")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, logfile, "S5000")
	mustAppend(t, logfile, "20200101000005000000")
	mustAppend(t, logfile, "Annot\t148631\tN")
	mustAppend(t, logfile, "Annot\t999999\tV")
	if err := logfile.Flush(); err != nil {
		t.Fatal(err)
	}

	fin, err := NewEnumerationValueFinalizer(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := fin.FinalizeRecord(); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(rec.Path() + "/waves.beat")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Fatal("expected a non-empty annotation file")
	}
}

func TestKnownAnnCodeAndLetterFallback(t *testing.T) {
	if c, ok := knownAnnCodes["148631"]; !ok || c.anntyp != 1 {
		t.Fatalf("expected NORMAL code for 148631, got %+v, %v", c, ok)
	}
	if a, ok := annLetter['V']; !ok || a != 5 {
		t.Fatalf("expected PVC for letter V, got %v, %v", a, ok)
	}
}
