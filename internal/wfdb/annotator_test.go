package wfdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func readWords(t *testing.T, path string) []uint16 {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%2 != 0 {
		t.Fatalf("odd-length annotation file: %d bytes", len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return words
}

func TestAnnotatorWritesOrdinaryAnnotations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waves.beat")
	a, err := Create(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(10, 0, NORMAL, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Put(15, 0, PVC, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	words := readWords(t, path)
	// A leading CHAN word (channel 0 differs from the initial "no
	// channel" state), then the two annotations, then the terminator.
	if len(words) != 4 {
		t.Fatalf("got %d words, want 4", len(words))
	}
	wantChan := uint16(codeChan << 10)
	if words[0] != wantChan {
		t.Errorf("first word = %#04x, want chan word %#04x", words[0], wantChan)
	}
	wantFirst := uint16(int(NORMAL)<<10 | 10)
	if words[1] != wantFirst {
		t.Errorf("second word = %#04x, want %#04x", words[1], wantFirst)
	}
	wantSecond := uint16(int(PVC)<<10 | 5)
	if words[2] != wantSecond {
		t.Errorf("third word = %#04x, want %#04x", words[2], wantSecond)
	}
	if words[3] != 0 {
		t.Errorf("expected terminator word, got %#04x", words[3])
	}
}

func TestAnnotatorSkipForLargeDelta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waves.beat")
	a, err := Create(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(2000, 0, NORMAL, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	words := readWords(t, path)
	// SKIP word, two delta words, a CHAN word (first annotation sets
	// the channel), the annotation word, terminator.
	if len(words) != 6 {
		t.Fatalf("got %d words, want 6", len(words))
	}
	wantSkip := uint16(codeSkip << 10)
	if words[0] != wantSkip {
		t.Errorf("skip word = %#04x, want %#04x", words[0], wantSkip)
	}
	gotDelta := uint32(words[1])<<16 | uint32(words[2])
	if gotDelta != 2000 {
		t.Errorf("skip delta = %d, want 2000", gotDelta)
	}
	wantChan := uint16(codeChan << 10)
	if words[3] != wantChan {
		t.Errorf("fourth word = %#04x, want chan word %#04x", words[3], wantChan)
	}
	wantAnn := uint16(int(NORMAL)<<10 | 0)
	if words[4] != wantAnn {
		t.Errorf("fifth word = %#04x, want %#04x", words[4], wantAnn)
	}
	if words[5] != 0 {
		t.Errorf("expected terminator word, got %#04x", words[5])
	}
}

func TestAnnotatorAuxIsPaddedEven(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waves.alarm")
	a, err := Create(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put(1, 255, NOTE, 70, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%2 != 0 {
		t.Fatalf("file not word-aligned: %d bytes", len(data))
	}
}
