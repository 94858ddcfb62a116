package wfdb

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SignalInfo describes one signal within a WFDB segment header.
//
// Ported from SegmentHeader's companion SignalInfo class in
// output/wfdb.py.
type SignalInfo struct {
	FName     string
	Fmt       int
	SPF       int
	Skew      int
	Start     int
	Gain      float64
	Baseline  int
	Units     string
	ADCRes    int
	ADCZero   int
	InitVal   int
	Cksum     int
	BSize     int
	Desc      string

	// minPhys/maxPhys are derived during JoinSegments to compute a
	// layout signal's combined physical range; they have no meaning
	// outside that call.
	minPhys, maxPhys float64
}

// SegmentHeader reads and writes WFDB segment header (.hea) files, a
// subset of the format sufficient for the headers downcast itself
// produces and joins.
//
// Ported from output/wfdb.py's SegmentHeader.
type SegmentHeader struct {
	Name      string
	FFreq     float64
	CFreq     float64
	BaseCount float64
	// NFrames is the total per-signal sample count. It is only
	// meaningful when FrameCountKnown is set: the nsamples field is
	// optional in the WFDB header format, and a segment still being
	// appended to has no final count to report.
	NFrames         int
	FrameCountKnown bool
	Signals         []*SignalInfo
	Info            []string
	MinVersion      [2]int
}

// ReadSegmentHeader reads a segment header file at path.
func ReadSegmentHeader(path string) (*SegmentHeader, error) {
	h := &SegmentHeader{}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wfdb: read %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sawFirst := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#wfdb") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("wfdb: unsupported header format in %s", path)
		}
		h.Name = fields[0]
		nsig, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("wfdb: bad signal count in %s: %w", path, err)
		}
		ffreq, cfreq, basecount := parseFreqField(fields[2])
		h.FFreq = ffreq
		h.CFreq = cfreq
		h.BaseCount = basecount
		if len(fields) >= 4 {
			h.NFrames, err = strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("wfdb: bad frame count in %s: %w", path, err)
			}
			h.FrameCountKnown = true
		}
		sawFirst = true
		_ = nsig
		break
	}
	if !sawFirst {
		return nil, fmt.Errorf("wfdb: empty header %s", path)
	}

	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "#") {
			h.Info = append(h.Info, strings.TrimPrefix(line, "#"))
			continue
		}
		sig, err := parseSignalLine(fields)
		if err != nil {
			return nil, fmt.Errorf("wfdb: %s: %w", path, err)
		}
		h.Signals = append(h.Signals, sig)
		h.Info = nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wfdb: read %s: %w", path, err)
	}
	return h, nil
}

func parseFreqField(s string) (ffreq, cfreq, basecount float64) {
	main := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		main = s[:i]
		rest := s[i+1:]
		cf := rest
		if j := strings.IndexByte(rest, '('); j >= 0 {
			cf = rest[:j]
			bc := strings.TrimSuffix(rest[j+1:], ")")
			basecount, _ = strconv.ParseFloat(bc, 64)
		}
		cfreq, _ = strconv.ParseFloat(cf, 64)
	}
	ffreq, _ = strconv.ParseFloat(main, 64)
	if cfreq == 0 {
		cfreq = ffreq
	}
	return
}

func parseSignalLine(fields []string) (*SignalInfo, error) {
	if len(fields) != 9 {
		return nil, fmt.Errorf("unsupported signal format")
	}
	sig := &SignalInfo{FName: fields[0]}

	fmtField := fields[1]
	fmtNum, rest := splitLeadingInt(fmtField)
	sig.Fmt = fmtNum
	sig.SPF = 1
	switch {
	case strings.HasPrefix(rest, "x"):
		sig.SPF, _ = strconv.Atoi(rest[1:])
	case strings.HasPrefix(rest, ":"):
		sig.Skew, _ = strconv.Atoi(rest[1:])
	case strings.HasPrefix(rest, "+"):
		sig.Start, _ = strconv.Atoi(rest[1:])
	}

	gainField := fields[2]
	gainMain := gainField
	var baselineStr, units string
	if i := strings.IndexByte(gainField, '/'); i >= 0 {
		gainMain = gainField[:i]
		units = gainField[i+1:]
	}
	if j := strings.IndexByte(gainMain, '('); j >= 0 {
		baselineStr = strings.TrimSuffix(gainMain[j+1:], ")")
		gainMain = gainMain[:j]
	}
	gain, err := strconv.ParseFloat(gainMain, 64)
	if err != nil {
		return nil, fmt.Errorf("bad gain: %w", err)
	}
	sig.Gain = gain
	sig.Units = units

	sig.ADCRes, _ = strconv.Atoi(fields[3])
	sig.ADCZero, _ = strconv.Atoi(fields[4])
	if baselineStr != "" {
		sig.Baseline, _ = strconv.Atoi(baselineStr)
	} else {
		sig.Baseline = sig.ADCZero
	}
	sig.InitVal, _ = strconv.Atoi(fields[5])
	sig.Cksum, _ = strconv.Atoi(fields[6])
	sig.BSize, _ = strconv.Atoi(fields[7])
	sig.Desc = fields[8]
	return sig, nil
}

func splitLeadingInt(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}

// Write writes the header to path, matching the reference
// implementation's text layout (record line, one line per signal,
// then comment lines), fsyncing the file when fsync is true.
func (h *SegmentHeader) Write(path string, fsync bool) error {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".hea") || base == ".hea" {
		return fmt.Errorf("wfdb: invalid header file name %q", path)
	}
	recname := strings.TrimSuffix(base, ".hea")

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wfdb: write %s: %w", path, err)
	}
	w := bufio.NewWriter(f)

	if h.MinVersion != [2]int{} {
		fmt.Fprintf(w, "#wfdb %d.%d\n", h.MinVersion[0], h.MinVersion[1])
	}
	fmt.Fprintf(w, "%s %d %s", recname, len(h.Signals), formatFreq(h.FFreq))
	if h.CFreq != h.FFreq || h.BaseCount != 0 {
		fmt.Fprintf(w, "/%s", formatFreq(h.CFreq))
		if h.BaseCount != 0 {
			fmt.Fprintf(w, "(%s)", formatFreq(h.BaseCount))
		}
	}
	if h.FrameCountKnown {
		fmt.Fprintf(w, " %d", h.NFrames)
	}
	fmt.Fprintln(w)

	for _, sig := range h.Signals {
		fmt.Fprintf(w, "%s %d", sig.FName, sig.Fmt)
		if sig.SPF != 1 {
			fmt.Fprintf(w, "x%d", sig.SPF)
		}
		if sig.Skew != 0 {
			fmt.Fprintf(w, ":%d", sig.Skew)
		}
		if sig.Start != 0 {
			fmt.Fprintf(w, "+%d", sig.Start)
		}
		fmt.Fprintf(w, " %s", formatFreq(sig.Gain))
		if sig.Baseline != sig.ADCZero {
			fmt.Fprintf(w, "(%d)", sig.Baseline)
		}
		if sig.Units != "" {
			fmt.Fprintf(w, "/%s", sig.Units)
		}
		fmt.Fprintf(w, " %d %d %d %d %d %s\n",
			sig.ADCRes, sig.ADCZero, sig.InitVal, sig.Cksum, sig.BSize, sig.Desc)
	}
	for _, info := range h.Info {
		fmt.Fprintf(w, "#%s\n", info)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("wfdb: write %s: %w", path, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("wfdb: sync %s: %w", path, err)
		}
	}
	return f.Close()
}

func formatFreq(f float64) string {
	return strconv.FormatFloat(f, 'g', 16, 64)
}

// segmentEntry is one line of a multi-segment record's segment list:
// a named sub-record of the given frame length, or a gap ("~").
type segmentEntry struct {
	name   string
	length int
}

// defaultSigInfoSortKey orders ECG-like signals first, then
// pressure-like signals, then everything else, matching
// _default_siginfo_sort_key.
func defaultSigInfoSortKey(sig *SignalInfo) (int, string) {
	switch sig.Units {
	case "mV":
		return 0, sig.Desc
	case "mmHg":
		return 1, sig.Desc
	default:
		return 2, sig.Desc
	}
}

// JoinSegments combines a sequence of segment header files into one
// multi-segment WFDB record (a layout segment describing every signal
// that appears anywhere, plus the ordered list of data segments and
// gaps), grounding join_segments.
func JoinSegments(recordHeader string, segmentHeaders []string, layoutSuffix string, fsync bool) error {
	if layoutSuffix == "" {
		layoutSuffix = "_layout"
	}
	recdir := filepath.Dir(recordHeader)
	recname := filepath.Base(recordHeader)
	if !strings.HasSuffix(recname, ".hea") || recname == ".hea" {
		return fmt.Errorf("wfdb: invalid header file name %q", recordHeader)
	}
	recname = strings.TrimSuffix(recname, ".hea")

	if len(segmentHeaders) == 0 {
		return fmt.Errorf("wfdb: no segments provided")
	}

	layoutName := recname + layoutSuffix
	segments := []segmentEntry{{layoutName, 0}}

	var ffreq, cfreq float64
	haveFreq := false
	basecount := 0.0
	end := 0
	prevSegment := "(start of record)"
	var minVersion [2]int
	signalOrder := []string{}
	signals := map[string]*SignalInfo{}

	for _, hPath := range segmentHeaders {
		seg, err := ReadSegmentHeader(hPath)
		if err != nil {
			return err
		}
		if !seg.FrameCountKnown {
			return fmt.Errorf("wfdb: segment %s has no frame count", seg.Name)
		}
		if !haveFreq {
			ffreq, cfreq = seg.FFreq, seg.CFreq
			haveFreq = true
		} else if ffreq != seg.FFreq || cfreq != seg.CFreq {
			return fmt.Errorf("wfdb: frequency mismatch in segment %s", seg.Name)
		}

		t := int((seg.BaseCount - basecount) * ffreq / cfreq)
		if t < end {
			return fmt.Errorf("wfdb: segment %s overlaps with %s", seg.Name, prevSegment)
		} else if t > end {
			segments = append(segments, segmentEntry{"~", t - end})
		}
		segments = append(segments, segmentEntry{seg.Name, seg.NFrames})
		prevSegment = seg.Name
		end = t + seg.NFrames

		if seg.MinVersion != [2]int{} && versionLess(minVersion, seg.MinVersion) {
			minVersion = seg.MinVersion
		}

		for i, sig := range seg.Signals {
			if sig.SPF > 1 || sig.FName != seg.Signals[0].FName {
				minVersion = maxVersion(minVersion, [2]int{10, 6})
			}
			if sig.Skew != 0 {
				minVersion = maxVersion(minVersion, [2]int{10, 7})
			}
			_ = i

			var adu1, adu2 int
			if sig.ADCRes > 0 {
				adu1 = sig.ADCZero - (1 << (sig.ADCRes - 1))
				adu2 = sig.ADCZero + (1 << (sig.ADCRes - 1)) - 1
			} else {
				adu1, adu2 = sig.ADCZero, sig.ADCZero
			}
			if adu1 == -32768 {
				adu1 = -32767
			}
			phys1 := (float64(adu1) - float64(sig.Baseline)) / sig.Gain
			phys2 := (float64(adu2) - float64(sig.Baseline)) / sig.Gain
			sig.minPhys, sig.maxPhys = math.Min(phys1, phys2), math.Max(phys1, phys2)
			sig.Gain = math.Abs(sig.Gain)

			old, ok := signals[sig.Desc]
			if !ok {
				signals[sig.Desc] = sig
				signalOrder = append(signalOrder, sig.Desc)
				continue
			}
			if old.SPF != sig.SPF {
				return fmt.Errorf("wfdb: spf mismatch in %s", sig.Desc)
			}
			if old.Skew != sig.Skew {
				return fmt.Errorf("wfdb: skew mismatch in %s", sig.Desc)
			}
			if old.Units != sig.Units {
				return fmt.Errorf("wfdb: units mismatch in %s", sig.Desc)
			}
			old.Gain = math.Max(old.Gain, sig.Gain)
			old.minPhys = math.Min(old.minPhys, sig.minPhys)
			old.maxPhys = math.Max(old.maxPhys, sig.maxPhys)
		}
	}

	layout := &SegmentHeader{FFreq: ffreq, CFreq: cfreq, BaseCount: 0, NFrames: 0, FrameCountKnown: true}
	for _, desc := range signalOrder {
		layout.Signals = append(layout.Signals, signals[desc])
	}
	sort.SliceStable(layout.Signals, func(i, j int) bool {
		ki, ni := defaultSigInfoSortKey(layout.Signals[i])
		kj, nj := defaultSigInfoSortKey(layout.Signals[j])
		if ki != kj {
			return ki < kj
		}
		return ni < nj
	})

	for _, sig := range layout.Signals {
		sig.FName, sig.Fmt, sig.BSize, sig.ADCZero, sig.Cksum, sig.InitVal = "~", 0, 0, 0, 0, 0

		vrange := (sig.maxPhys - sig.minPhys) * sig.Gain
		sig.ADCRes = int(math.Ceil(math.Log2(vrange + 1)))
		for sig.ADCRes > 31 {
			sig.Gain /= 2
			sig.ADCRes--
		}
		if sig.ADCRes <= 16 {
			sig.ADCZero = 0
		} else {
			sig.ADCZero = 1 << (sig.ADCRes - 1)
		}
		vmin := sig.ADCZero - (1 << (sig.ADCRes - 1))
		vmax := vmin + (1 << sig.ADCRes) - 1

		tvmin := sig.minPhys * sig.Gain
		tvmax := sig.maxPhys * sig.Gain
		if tvmin >= float64(vmin) && tvmax <= float64(vmax) {
			sig.Baseline = 0
		} else {
			sig.Baseline = int(math.Round((float64(vmax) - tvmax + float64(vmin) - tvmin) / 2))
		}
	}

	layoutHeader := filepath.Join(recdir, layoutName+".hea")
	if err := layout.Write(layoutHeader, fsync); err != nil {
		return err
	}

	f, err := os.Create(recordHeader)
	if err != nil {
		return fmt.Errorf("wfdb: write %s: %w", recordHeader, err)
	}
	w := bufio.NewWriter(f)
	if minVersion != [2]int{} {
		fmt.Fprintf(w, "#wfdb %d.%d\n", minVersion[0], minVersion[1])
	}
	fmt.Fprintf(w, "%s/%d %d %s", recname, len(segments), len(layout.Signals), formatFreq(ffreq))
	if cfreq != ffreq || basecount != 0 {
		fmt.Fprintf(w, "/%s", formatFreq(cfreq))
		if basecount != 0 {
			fmt.Fprintf(w, "(%s)", formatFreq(basecount))
		}
	}
	fmt.Fprintf(w, " %d\n", end)
	for _, s := range segments {
		fmt.Fprintf(w, "%s %d\n", s.name, s.length)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("wfdb: write %s: %w", recordHeader, err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("wfdb: sync %s: %w", recordHeader, err)
		}
	}
	return f.Close()
}

func versionLess(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

func maxVersion(a, b [2]int) [2]int {
	if versionLess(a, b) {
		return b
	}
	return a
}
