// Package wfdb writes the WFDB-format outputs a finalized record
// produces: per-segment signal headers joined into one multi-segment
// record, and binary annotation files carrying beat and alarm events.
//
// enums.py and alerts.py both import an Annotator/AnnotationType pair
// from a sibling wfdb module that was not part of the retrieved
// corpus (only SegmentHeader/join_segments, the signal-header half of
// that module, were available — see header.go). The annotation writer
// below is reconstructed directly from the well-documented WFDB
// annotation file format rather than ported from unavailable source,
// using the standard numeric annotation codes.
package wfdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// AnnotationType is a standard WFDB beat/rhythm annotation code. Only
// the codes downcast's enum and alert finalizers actually emit are
// defined.
type AnnotationType int

const (
	NOTQRS  AnnotationType = 0
	NORMAL  AnnotationType = 1
	PVC     AnnotationType = 5
	SVPB    AnnotationType = 9
	PACE    AnnotationType = 12
	UNKNOWN AnnotationType = 13
	ARFCT   AnnotationType = 16
	NOTE    AnnotationType = 22
	PACESP  AnnotationType = 26
	LEARN   AnnotationType = 30
)

// WFDB annotation-word special codes: SKIP carries an out-of-band
// 32-bit time jump, SUB sets the current subtype, CHAN sets the
// current channel, AUX attaches an auxiliary byte string to the next
// ordinary annotation.
const (
	codeSkip = 59
	codeSub  = 61
	codeChan = 60
	codeAux  = 63
)

// Annotator writes a binary WFDB annotation file (events such as beat
// labels or alarm state changes, each tagged with a sample time
// relative to the record).
type Annotator struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	afreq    float64
	lastTime int64
	lastChan int
	closed   bool
}

// Create opens a new annotation file at path, sampled at afreq Hz.
func Create(path string, afreq float64) (*Annotator, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wfdb: create %s: %w", path, err)
	}
	return &Annotator{path: path, f: f, w: bufio.NewWriter(f), afreq: afreq, lastChan: -1}, nil
}

func (a *Annotator) writeWord(code int, data int) error {
	word := uint16((code&0x3f)<<10 | (data & 0x3ff))
	return binary.Write(a.w, binary.LittleEndian, word)
}

// Put appends one annotation at the given sample time (relative to
// the record start), on channel chanNum, with the given type, subtype,
// and auxiliary text.
func (a *Annotator) Put(time int64, chanNum int, anntyp AnnotationType, subtyp int, aux []byte) error {
	delta := time - a.lastTime
	if delta < 0 || delta > 1023 {
		if err := a.writeWord(codeSkip, 0); err != nil {
			return err
		}
		if err := binary.Write(a.w, binary.LittleEndian, uint16(uint32(delta)>>16)); err != nil {
			return err
		}
		if err := binary.Write(a.w, binary.LittleEndian, uint16(uint32(delta)&0xffff)); err != nil {
			return err
		}
		delta = 0
	}
	if subtyp != 0 {
		if err := a.writeWord(codeSub, subtyp); err != nil {
			return err
		}
	}
	if chanNum != a.lastChan {
		if err := a.writeWord(codeChan, chanNum); err != nil {
			return err
		}
		a.lastChan = chanNum
	}
	if len(aux) > 0 {
		if err := a.writeWord(codeAux, len(aux)); err != nil {
			return err
		}
		padded := aux
		if len(padded)%2 != 0 {
			padded = append(append([]byte{}, padded...), 0)
		}
		if _, err := a.w.Write(padded); err != nil {
			return fmt.Errorf("wfdb: write aux: %w", err)
		}
	}
	if err := a.writeWord(int(anntyp), int(delta)); err != nil {
		return err
	}
	a.lastTime = time
	return nil
}

// Close writes the end-of-file terminator word and durably persists
// the file.
func (a *Annotator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := binary.Write(a.w, binary.LittleEndian, uint16(0)); err != nil {
		a.f.Close()
		return fmt.Errorf("wfdb: write terminator: %w", err)
	}
	if err := a.w.Flush(); err != nil {
		a.f.Close()
		return fmt.Errorf("wfdb: flush %s: %w", a.path, err)
	}
	if err := a.f.Sync(); err != nil {
		a.f.Close()
		return fmt.Errorf("wfdb: sync %s: %w", a.path, err)
	}
	return a.f.Close()
}
