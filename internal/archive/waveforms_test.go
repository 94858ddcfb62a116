package archive

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/dispatch"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/tstamp"
)

func TestValidSampleIntervalsExcludesInvalidAndUnavailable(t *testing.T) {
	got := validSampleIntervals("2 4", "7 8", 10)
	want := [][2]int{{0, 2}, {5, 7}, {9, 10}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interval %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseSampleListStopsAtGarbage(t *testing.T) {
	got := parseSampleList("1 2 x 3")
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected parse: %v", got)
	}
}

func TestSanitizeDescAndUnits(t *testing.T) {
	if got := sanitizeDesc("CO₂ ΔP"); got != "CO2 DeltaP" {
		t.Errorf("sanitizeDesc = %q", got)
	}
	if got := sanitizeUnits("°C"); got != "degC" {
		t.Errorf("sanitizeUnits = %q", got)
	}
}

func TestGetSignalUnitsDescFallsBackByBasePhysioID(t *testing.T) {
	// An empty UnitLabel maps to the reference's explicit unit_label
	// == '' case ("NU"), which the base-physio-id fallback below it
	// cannot override -- Go's string zero value can't distinguish
	// "explicitly empty" from "absent" the way Python's None does.
	units, desc := getSignalUnitsDesc(message.WaveAttr{BasePhysioID: basePhysioECG, PhysioID: 7})
	if units != "NU" || desc != "ECG #7" {
		t.Errorf("got (%q, %q)", units, desc)
	}
}

func TestSignalBufferAddTruncateGet(t *testing.T) {
	attr := message.WaveAttr{PhysioID: 1}
	buf := newSignalBuffer()
	buf.addSignal(attr, 10, 100, []byte{1, 2, 3, 4})

	start, end, data, ok := buf.getSignals()
	if !ok || start != 100 || end != 120 {
		t.Fatalf("got start=%d end=%d ok=%v", start, end, ok)
	}
	if len(data[attr]) != 4 {
		t.Fatalf("unexpected data: %+v", data)
	}

	buf.truncateBefore(110)
	start, _, data, ok = buf.getSignals()
	if !ok || start != 110 {
		t.Fatalf("after truncate: start=%d ok=%v", start, ok)
	}
	if len(data[attr]) != 2 {
		t.Fatalf("expected 1 sample left, got %+v", data[attr])
	}
}

type fakeMappingResolver struct {
	patientID uuid.UUID
}

func (r fakeMappingResolver) PatientIDForMapping(uuid.UUID) (uuid.UUID, bool) {
	return r.patientID, true
}

type fakeWaveAttrResolver struct {
	attr message.WaveAttr
}

func (r fakeWaveAttrResolver) WaveAttr(message.Origin, int64, bool) (message.WaveAttr, bool) {
	return r.attr, true
}

type fakeSource struct{}

func (fakeSource) AckMessage(channel, key any, d *dispatch.Dispatcher) error  { return nil }
func (fakeSource) NackMessage(channel, key any, d *dispatch.Dispatcher) error { return nil }

func TestWaveSampleHandlerWritesSegment(t *testing.T) {
	dir := t.TempDir()
	arch, err := New(dir, true, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	attr := message.WaveAttr{
		BasePhysioID: basePhysioECG,
		PhysioID:     1,
		SamplePeriod: 16,
	}
	handler := NewWaveSampleHandler(arch, fakeMappingResolver{patientID: uuid.New()}, fakeWaveAttrResolver{attr: attr}, zerolog.Nop())

	d := dispatch.New(false, zerolog.Nop())
	d.AddHandler(handler)

	ts, err := tstamp.Parse("2020-01-01 00:00:00.000000 +00:00")
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]byte, 8)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint16(samples[i*2:], uint16(100+i))
	}
	msg := message.WaveSample{
		Origin:         message.Origin("srv"),
		WaveID:         1,
		Timestamp:      ts,
		SequenceNumber: tstamp.SequenceNumber(1000),
		WaveSamples:    samples,
		MappingID:      uuid.New(),
	}

	if err := d.SendMessage("wave", "k1", msg, fakeSource{}, 0); err != nil {
		t.Fatal(err)
	}
	if err := handler.Flush(); err != nil {
		t.Fatal(err)
	}

	var heaPath string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && filepath.Ext(path) == ".hea" {
			heaPath = path
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if heaPath == "" {
		t.Fatal("expected a segment header file to be written")
	}
}
