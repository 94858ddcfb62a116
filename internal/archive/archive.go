// Package archive manages the on-disk output records a downcast run
// produces: one directory per (server, patient-or-mapping) record,
// holding a time map, a small JSON property file, and whatever log and
// segment files the output handlers open against it.
//
// Ported from the reference implementation's output/archive.py.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/metrics"
	"github.com/MIT-LCP/downcast/internal/timemap"
	"github.com/MIT-LCP/downcast/internal/tstamp"
	"github.com/MIT-LCP/downcast/internal/worker"
)

// finalizerRunner is the subset of worker.Runner's surface Archive
// needs, so tests can finalize with no subprocess at all.
type finalizerRunner interface {
	StartFinalize(ctx context.Context, recordPath string) (*worker.Job, error)
}

// dirNamePattern matches "<servername>_<record-id>_<datestamp>",
// the directory naming convention a record's own path follows.
var dirNamePattern = regexp.MustCompile(`^([A-Za-z0-9-]+)_([0-9a-f-]+)_([-0-9]+)$`)

// splitInterval is the gap (in wall-clock time) between two
// consecutive messages for the same patient that forces a record
// split, matching the source's hardcoded one hour.
const splitInterval = time.Hour

// recordKey identifies one in-memory open record.
type recordKey struct {
	servername string
	recordID   string
}

// Archive tracks every currently-open ArchiveRecord under a base
// directory, opening new ones (or splitting stale ones) as messages
// arrive and persisting them to the standard two-level directory
// layout (a two-character prefix of the record ID, then the full
// directory name).
type Archive struct {
	log                 zerolog.Logger
	baseDir             string
	prefixLength        int
	deterministicOutput bool
	records             map[recordKey]*ArchiveRecord

	worker  finalizerRunner
	pending []*worker.Job

	horizon *horizonWatcher
}

// SetFinalizerRunner wires r as the subprocess runner used to finalize
// records going forward (nil, the default, finalizes a record by
// simply closing and flushing its files with no separate finalizer
// pass — used by tests and by the finalizer subprocess itself, which
// must not recursively spawn more subprocesses).
func (a *Archive) SetFinalizerRunner(r finalizerRunner) {
	a.worker = r
}

// New constructs an Archive rooted at baseDir, loading any records it
// finds already on disk (matching the reference constructor's startup
// scan). deterministicOutput, when true, sorts JSON property keys on
// write — useful for reproducible test fixtures.
func New(baseDir string, deterministicOutput bool, log zerolog.Logger) (*Archive, error) {
	a := &Archive{
		log:                 log.With().Str("component", "archive").Logger(),
		baseDir:             baseDir,
		prefixLength:        2,
		deterministicOutput: deterministicOutput,
		records:             make(map[recordKey]*ArchiveRecord),
		horizon:             newHorizonWatcher(baseDir, log),
	}
	if err := a.scan(); err != nil {
		return nil, err
	}
	return a, nil
}

// Close stops watching the horizon file for changes. Safe to call on
// every Archive this engine builds, even ones that never ended up
// watching anything (a missing base directory at construction time).
func (a *Archive) Close() error {
	return a.horizon.Close()
}

// scan walks baseDir and its immediate subdirectories for existing
// record directories, grounding the constructor's _subdirs-based scan.
func (a *Archive) scan() error {
	entries, err := os.ReadDir(a.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive: scan %s: %w", a.baseDir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subdir := filepath.Join(a.baseDir, e.Name())
		if m := dirNamePattern.FindStringSubmatch(e.Name()); m != nil {
			if err := a.openExisting(subdir, m[1], m[2], m[3]); err != nil {
				return err
			}
			continue
		}
		inner, err := os.ReadDir(subdir)
		if err != nil {
			continue
		}
		for _, e2 := range inner {
			if !e2.IsDir() {
				continue
			}
			if m := dirNamePattern.FindStringSubmatch(e2.Name()); m != nil {
				if err := a.openExisting(filepath.Join(subdir, e2.Name()), m[1], m[2], m[3]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (a *Archive) openExisting(path, servername, recordID, datestamp string) error {
	key := recordKey{servername, recordID}
	if existing, ok := a.records[key]; ok && existing.datestamp >= datestamp {
		return nil
	}
	rec, err := openRecord(path, servername, recordID, datestamp, false, a.log)
	if err != nil {
		return err
	}
	if rec.IsFinalizing() {
		a.resumeFinalization(rec)
		return nil
	}
	a.records[key] = rec
	return nil
}

// OpenRecordAt opens a single record directory (typically one whose
// finalization has been started) standalone, without scanning a whole archive tree. This is what a
// finalizer worker process uses: it is handed one record's path on
// the command line and has no reason to touch any other record's
// state.
func OpenRecordAt(path string, log zerolog.Logger) (*ArchiveRecord, error) {
	m := dirNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, fmt.Errorf("archive: %s is not a record directory", path)
	}
	return openRecord(path, m[1], m[2], m[3], false, log)
}

// RecordAccessors supplies the per-message-type projections GetRecord
// needs, standing in for the attribute access the reference
// implementation's get_record performs via getattr on whatever message
// object it is handed.
type RecordAccessors[T any] struct {
	Servername func(T) string
	Timestamp  func(T) tstamp.Timestamp
	// MappingID reports the message's mapping ID, if it carries one at
	// all (wave samples, numerics, enumerations, alerts do; patient
	// records do not).
	MappingID func(T) (uuid.UUID, bool)
	// PatientID reports the message's own patient ID directly, for
	// message types that are already patient-keyed rather than
	// mapping-keyed.
	PatientID func(T) (uuid.UUID, bool)
}

// MappingResolver resolves a bedside mapping ID to the patient ID it
// currently refers to, mirroring origin.get_patient_id.
type MappingResolver interface {
	PatientIDForMapping(mappingID uuid.UUID) (uuid.UUID, bool)
}

// GetRecord returns the ArchiveRecord msg belongs to, opening or
// splitting one as needed, grounding Archive.get_record. sync
// indicates whether the caller is willing to accept a record keyed by
// a not-yet-resolved mapping ID (PatientHandler passes sync=true, but
// its messages are patient-keyed and never need resolution); ordinary
// output handlers pass sync=false and simply defer the message (via
// nack) until the mapping resolves.
func GetRecord[T any](a *Archive, msg T, acc RecordAccessors[T], resolver MappingResolver, sync bool) *ArchiveRecord {
	servername := acc.Servername(msg)

	var recordID string
	if mid, ok := acc.MappingID(msg); ok {
		if pid, found := resolver.PatientIDForMapping(mid); found {
			recordID = pid.String()
		} else if sync {
			recordID = mid.String()
		} else {
			return nil
		}
	} else if pid, ok := acc.PatientID(msg); ok {
		recordID = pid.String()
	} else {
		return nil
	}

	key := recordKey{servername, recordID}
	rec := a.records[key]
	timestamp := acc.Timestamp(msg)

	if rec != nil {
		end, hasEnd := rec.EndTime()
		switch {
		case !hasEnd:
			rec.SetEndTime(timestamp)
		default:
			delta := tstamp.DeltaMS(timestamp, end)
			if time.Duration(delta)*time.Millisecond > splitInterval {
				a.finalizeRecord(rec)
				delete(a.records, key)
				rec = nil
			} else if delta > 0 {
				rec.SetEndTime(timestamp)
			}
		}
	}

	if rec == nil {
		datestamp := timestamp.Time().UTC().Format("20060102-1504")
		prefix := recordID
		if len(prefix) > a.prefixLength {
			prefix = prefix[:a.prefixLength]
		}
		name := fmt.Sprintf("%s_%s_%s", servername, recordID, datestamp)
		path := filepath.Join(a.baseDir, prefix, name)
		newRec, err := openRecord(path, servername, recordID, datestamp, true, a.log)
		if err != nil {
			a.log.Error().Err(err).Str("path", path).Msg("failed to open archive record")
			return nil
		}
		if !newRec.hasDump {
			if horizon, ok := a.horizon.Get(); ok && timestamp.Before(horizon.Add(splitInterval)) {
				newRec.SetDump(true)
			}
		}
		rec = newRec
		a.records[key] = rec
		rec.SetEndTime(timestamp)
	}

	return rec
}

// Flush flushes every open record's files and metadata to disk.
func (a *Archive) Flush() error {
	for _, rec := range a.records {
		if err := rec.Flush(a.deterministicOutput); err != nil {
			return err
		}
	}
	return nil
}

// Terminate finalizes and closes every open record.
func (a *Archive) Terminate() {
	for key, rec := range a.records {
		a.finalizeRecord(rec)
		delete(a.records, key)
	}
}

// finalizeRecord closes and flushes rec, then, if a finalizer runner
// is wired, starts a finalizer subprocess for it and tracks the job so
// a later JoinFinalizers call can wait for it. Errors starting the
// subprocess are logged rather than propagated here, matching
// Finalize's own close/flush error handling: finalization failures
// surface when the job is joined, not when it's kicked off.
func (a *Archive) finalizeRecord(rec *ArchiveRecord) {
	rec.SetFinalized(false)
	rec.Finalize()
	if a.worker == nil {
		return
	}
	job, err := a.worker.StartFinalize(context.Background(), rec.Path())
	if err != nil {
		a.log.Error().Err(err).Str("record", rec.Path()).Msg("failed to start finalizer subprocess")
		return
	}
	a.pending = append(a.pending, job)
}

// resumeFinalization re-spawns a finalizer subprocess for a record
// found on disk with finalized=0: a prior run crashed between marking
// the record finalizing and the child completing, so this run resumes
// finalization rather than adding the record back to a.records, which
// would silently re-ingest into a record a finalizer pass may already
// be partway through rewriting.
func (a *Archive) resumeFinalization(rec *ArchiveRecord) {
	a.log.Warn().Str("record", rec.Path()).Msg("resuming finalization left incomplete by a prior run")
	if a.worker == nil {
		return
	}
	job, err := a.worker.StartFinalize(context.Background(), rec.Path())
	if err != nil {
		a.log.Error().Err(err).Str("record", rec.Path()).Msg("failed to resume finalizer subprocess")
		return
	}
	a.pending = append(a.pending, job)
}

// JoinFinalizers waits for every outstanding finalizer subprocess
// started since the last call, matching Archive.flush joining all
// outstanding children and raising if any exited non-zero. It joins
// every pending job even after the first failure, so one broken
// record's finalizer doesn't leave its siblings as zombies, and
// returns the first error encountered.
func (a *Archive) JoinFinalizers() error {
	pending := a.pending
	a.pending = nil
	var firstErr error
	for _, job := range pending {
		if err := job.Wait(); err != nil {
			a.log.Error().Err(err).Str("record", job.RecordPath()).Msg("finalizer subprocess failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FinalizeBefore finalizes and closes every open record whose most
// recent message is more than splitInterval older than cutoff (or
// that has no end time at all), matching the call main.py's
// _init_archive makes before handing a fresh Archive to the extractor
// ("find patients for whom we have not seen any data for a long time,
// and finalize those records... otherwise nothing would finalize
// records at the end of a patient stay"). The retrieved
// output/archive.py does not itself define finalize_before, so this
// reuses GetRecord's own idle-split rule (records idle past
// splitInterval get finalized when the next message arrives for that
// key) and applies it proactively, on a timer, to records that may
// never see another message at all.
func (a *Archive) FinalizeBefore(cutoff tstamp.Timestamp) {
	for key, rec := range a.records {
		end, hasEnd := rec.EndTime()
		if !hasEnd || end.Before(cutoff.Add(-splitInterval)) {
			a.finalizeRecord(rec)
			delete(a.records, key)
		}
	}
}

// ArchiveRecord is one patient (or not-yet-resolved mapping) record: a
// directory holding a time map, a JSON property blob, and whatever
// named log/binary files the output handlers open against it.
type ArchiveRecord struct {
	log        zerolog.Logger
	path       string
	servername string
	recordID   string
	datestamp  string

	logFiles    map[string]*ArchiveLogFile
	binFiles    map[string]*ArchiveBinaryFile

	properties map[string]any
	TimeMap    *timemap.TimeMap

	baseSeqnum    tstamp.SequenceNumber
	hasBaseSeqnum bool
	endTime       tstamp.Timestamp
	hasEndTime    bool
	finalized     bool
	hasFinalized  bool
	dump          bool
	hasDump       bool
	modified      bool
}

func openRecord(path, servername, recordID, datestamp string, create bool, log zerolog.Logger) (*ArchiveRecord, error) {
	if create {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("archive: mkdir %s: %w", path, err)
		}
		metrics.RecordsOpenedTotal.Inc()
	}

	rec := &ArchiveRecord{
		log:        log.With().Str("record", recordID).Logger(),
		path:       path,
		servername: servername,
		recordID:   recordID,
		datestamp:  datestamp,
		logFiles:   make(map[string]*ArchiveLogFile),
		binFiles:   make(map[string]*ArchiveBinaryFile),
	}

	props, err := readStateFile(filepath.Join(path, "_phi_properties"))
	if err != nil {
		return nil, err
	}
	rec.properties = props

	rec.TimeMap = timemap.New(recordID, log)
	if err := rec.TimeMap.Read(path, "_phi_time_map"); err != nil {
		return nil, err
	}

	if v, ok := rec.getIntProperty("base_sequence_number"); ok {
		rec.baseSeqnum, rec.hasBaseSeqnum = tstamp.SequenceNumber(v), true
	}
	if v, ok := rec.getStringProperty("end_time"); ok {
		if t, err := tstamp.Parse(v); err == nil {
			rec.endTime, rec.hasEndTime = t, true
		}
	}
	if v, ok := rec.getIntProperty("finalized"); ok {
		rec.finalized, rec.hasFinalized = v != 0, true
	}
	if v, ok := rec.getIntProperty("dump"); ok {
		rec.dump, rec.hasDump = v != 0, true
	}
	return rec, nil
}

func readStateFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]any), nil
	}
	if err != nil {
		return make(map[string]any), nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return make(map[string]any), nil
	}
	return v, nil
}

// Path returns the record's directory.
func (r *ArchiveRecord) Path() string { return r.path }

// Servername returns the originating server name.
func (r *ArchiveRecord) Servername() string { return r.servername }

// RecordID returns the patient (or mapping) ID this record is keyed
// by, as a string.
func (r *ArchiveRecord) RecordID() string { return r.recordID }

// Seqnum0 returns the record's base sequence number, if one has been
// assigned yet.
func (r *ArchiveRecord) Seqnum0() (tstamp.SequenceNumber, bool) { return r.baseSeqnum, r.hasBaseSeqnum }

// SetSeqnum0 assigns the record's base sequence number (the sequence
// number of the first sample written to its waveform segments).
func (r *ArchiveRecord) SetSeqnum0(seqnum tstamp.SequenceNumber) {
	r.baseSeqnum, r.hasBaseSeqnum = seqnum, true
	r.modified = true
}

// EndTime returns the timestamp of the most recent message filed
// against this record.
func (r *ArchiveRecord) EndTime() (tstamp.Timestamp, bool) { return r.endTime, r.hasEndTime }

// SetEndTime updates the most-recent-message timestamp.
func (r *ArchiveRecord) SetEndTime(t tstamp.Timestamp) {
	r.endTime, r.hasEndTime = t, true
	r.modified = true
}

// SetTime records a trustworthy (sequence number, time) correspondence
// against this record's time map.
func (r *ArchiveRecord) SetTime(seqnum tstamp.SequenceNumber, t tstamp.Timestamp) {
	r.TimeMap.SetTime(seqnum, t)
	r.modified = true
}

// IsFinalizing reports whether this record has been marked finalized=0
// (finalization begun but not yet completed) and not yet marked
// finalized=1, per invariant 6: a crash between those two writes
// leaves this true on disk, so a restart can resume finalization
// instead of silently reopening the record for ingestion again.
func (r *ArchiveRecord) IsFinalizing() bool {
	return r.hasFinalized && !r.finalized
}

// SetFinalized records finalization progress: false right before a
// finalizer subprocess is spawned (finalized=0, flushed immediately so
// it is durable before the child starts), true once every finalizer
// pass has completed successfully (finalized=1).
func (r *ArchiveRecord) SetFinalized(v bool) {
	r.finalized, r.hasFinalized = v, true
	r.modified = true
}

// IsDump reports whether this record was created below the archive's
// horizon and so is in dump mode: its messages are written verbatim as
// BCP lines instead of being processed by output handlers.
func (r *ArchiveRecord) IsDump() bool { return r.hasDump && r.dump }

// SetDump marks this record as dump mode (or, given false, leaves it
// as an ordinary processed record). Decided once, at record creation,
// from the archive's horizon at that moment, and persisted thereafter
// so it doesn't change if the horizon later moves.
func (r *ArchiveRecord) SetDump(v bool) {
	r.dump, r.hasDump = v, true
	r.modified = true
}

// WriteDump appends msg to this record's dump log as one raw BCP data
// line, grounding the write side of numerics.py/enums.py's
// `if record.dump(msg):` check — record.dump both tests and performs
// this write in the reference implementation; here IsDump and
// WriteDump are split so a caller can ack/skip cleanly around it.
func (r *ArchiveRecord) WriteDump(msg any) error {
	line, err := message.FormatMessage(msg)
	if err != nil {
		return fmt.Errorf("archive: dump %s: %w", r.recordID, err)
	}
	f, err := r.OpenBinFile("_phi_dump")
	if err != nil {
		return err
	}
	_, err = f.Write(line)
	return err
}

// Finalize closes every open file against this record and flushes it
// one last time.
func (r *ArchiveRecord) Finalize() {
	for _, f := range r.logFiles {
		f.Close()
	}
	for _, f := range r.binFiles {
		f.Close()
	}
	r.modified = true
	if err := r.Flush(false); err != nil {
		r.log.Error().Err(err).Msg("failed to flush archive record during finalize")
	}
	metrics.RecordsFinalizedTotal.Inc()
}

// Flush persists every open file and, if anything has changed since
// the last flush, the record's property file and time map, followed by
// a directory fsync so a crash can't lose the rename.
func (r *ArchiveRecord) Flush(deterministic bool) error {
	for _, f := range r.logFiles {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	for _, f := range r.binFiles {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	if !r.modified {
		return nil
	}

	if r.hasBaseSeqnum {
		r.setProperty("base_sequence_number", int64(r.baseSeqnum))
	}
	if r.hasEndTime {
		r.setProperty("end_time", r.endTime.String())
	}
	if r.hasFinalized {
		r.setProperty("finalized", boolToFlag(r.finalized))
	}
	if r.hasDump {
		r.setProperty("dump", boolToFlag(r.dump))
	}
	if err := r.writeStateFile("_phi_properties", deterministic); err != nil {
		return err
	}
	if err := r.TimeMap.Write(r.path, "_phi_time_map"); err != nil {
		return err
	}
	r.modified = false
	return r.dirSync()
}

func (r *ArchiveRecord) dirSync() error {
	d, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("archive: dirsync %s: %w", r.path, err)
	}
	defer d.Close()
	return d.Sync()
}

func (r *ArchiveRecord) writeStateFile(name string, deterministic bool) error {
	fname := filepath.Join(r.path, name)
	tmpfname := filepath.Join(r.path, "_"+name+".tmp")

	var data []byte
	var err error
	if deterministic {
		data, err = json.Marshal(sortedMap(r.properties))
	} else {
		data, err = json.Marshal(r.properties)
	}
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	f, err := os.Create(tmpfname)
	if err != nil {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpfname)
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpfname)
		return fmt.Errorf("archive: sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpfname)
		return fmt.Errorf("archive: close %s: %w", name, err)
	}
	return os.Rename(tmpfname, fname)
}

// boolToFlag renders a property as the 0/1 integer the reference
// implementation's JSON property file uses for finalized/dump, rather
// than a JSON boolean.
func boolToFlag(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// sortedMap is a placeholder identity conversion: encoding/json already
// sorts map[string]any keys when marshaling, so "deterministic" output
// requires no extra work here beyond documenting the intent.
func sortedMap(m map[string]any) map[string]any { return m }

func (r *ArchiveRecord) getProperty(key string) (any, bool) {
	v, ok := r.properties[key]
	return v, ok
}

func (r *ArchiveRecord) setProperty(key string, value any) {
	if r.properties == nil {
		r.properties = make(map[string]any)
	}
	r.properties[key] = value
	r.modified = true
}

func (r *ArchiveRecord) getIntProperty(key string) (int64, bool) {
	v, ok := r.getProperty(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func (r *ArchiveRecord) getStringProperty(key string) (string, bool) {
	v, ok := r.getProperty(key)
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", v), true
}

// SetStringProperty sets a top-level string property (used for
// freeform metadata recorded by output handlers).
func (r *ArchiveRecord) SetStringProperty(key, value string) { r.setProperty(key, value) }

// OpenLogFile returns (opening lazily) the named append-only text log
// file for this record.
func (r *ArchiveRecord) OpenLogFile(name string) (*ArchiveLogFile, error) {
	if f, ok := r.logFiles[name]; ok {
		return f, nil
	}
	f, err := OpenArchiveLogFile(filepath.Join(r.path, name))
	if err != nil {
		return nil, err
	}
	r.logFiles[name] = f
	r.modified = true
	return f, nil
}

// OpenBinFile returns (opening lazily) the named binary file for this
// record (sequential appends plus positioned writes).
func (r *ArchiveRecord) OpenBinFile(name string) (*ArchiveBinaryFile, error) {
	if f, ok := r.binFiles[name]; ok {
		return f, nil
	}
	f, err := OpenArchiveBinaryFile(filepath.Join(r.path, name))
	if err != nil {
		return nil, err
	}
	r.binFiles[name] = f
	r.modified = true
	return f, nil
}

// CloseFile closes and forgets a previously opened log or binary file
// by name.
func (r *ArchiveRecord) CloseFile(name string) {
	if f, ok := r.logFiles[name]; ok {
		f.Close()
		delete(r.logFiles, name)
		return
	}
	if f, ok := r.binFiles[name]; ok {
		f.Close()
		delete(r.binFiles, name)
	}
}
