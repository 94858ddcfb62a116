package message

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func TestFormatMessageBedTag(t *testing.T) {
	ts, err := tstamp.Parse("2017-03-01 12:00:00.000 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	msg := BedTag{
		Origin:    "test",
		BedLabel:  "ICU-3",
		Timestamp: ts,
		Tag:       "",
	}
	out, err := FormatMessage(&msg)
	if err != nil {
		t.Fatal(err)
	}
	want := "ICU-3\t2017-03-01 12:00:00.000 +00:00\t\x00\n"
	if string(out) != want {
		t.Errorf("FormatMessage = %q, want %q", out, want)
	}
}

func TestFormatMessageNullUUID(t *testing.T) {
	msg := PatientMapping{
		Origin:    "test",
		MappingID: uuid.Nil,
		PatientID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		IsMapped:  true,
		Hostname:  "monitor1",
	}
	out, err := FormatMessage(&msg)
	if err != nil {
		t.Fatal(err)
	}
	// MappingID is null -> empty field; PatientID is upper-cased.
	if !strings.HasPrefix(string(out), "\t550E8400-E29B-41D4-A716-446655440000\t") {
		t.Errorf("FormatMessage = %q", out)
	}
	if !strings.HasSuffix(string(out), "\t1\tmonitor1\n") {
		t.Errorf("FormatMessage = %q", out)
	}
}

func TestFormatDescriptionWaveSample(t *testing.T) {
	desc, err := FormatDescription(&WaveSample{})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(desc, "\n"), "\n")
	if lines[0] != "0.0" {
		t.Errorf("expected version line 0.0, got %q", lines[0])
	}
	if lines[1] != "8" {
		t.Errorf("expected 8 columns, got %q", lines[1])
	}
	if !strings.Contains(lines[5], "SYBBINARY") {
		t.Errorf("expected wave_samples column (4th) to use SYBBINARY, got %q", lines[5])
	}
	last := lines[len(lines)-1]
	if !strings.Contains(last, `"\n"`) {
		t.Errorf("expected last column terminator to be newline, got %q", last)
	}
	if !strings.Contains(last, " mappingid ") {
		t.Errorf("expected last column name mappingid, got %q", last)
	}
}

func TestFormatDescriptionPatientMappingIDColumn(t *testing.T) {
	desc, err := FormatDescription(&PatientMapping{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(desc, " id \"\"") {
		t.Errorf("expected mapping_id column to render as %q, got %q", "id", desc)
	}
}
