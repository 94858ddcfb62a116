package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// ArchiveLogFile is an append-only, line-oriented output file: each
// call to Append writes one more line, buffered in memory until Flush
// (or Close) durably persists it. Used for the small text side-channels
// a record accumulates (patient attribute history, numeric, enumeration
// and alert logs),
// where simplicity and append locality matter more than atomic
// replacement.
//
// Reconstructed from its call sites in the reference implementation
// (archive.py, patients.py): the source file defining ArchiveLogFile
// itself was not part of the retrieved corpus.
type ArchiveLogFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenArchiveLogFile opens (creating if necessary) a log file for
// appending.
func OpenArchiveLogFile(path string) (*ArchiveLogFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open log file %s: %w", path, err)
	}
	return &ArchiveLogFile{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one line (a trailing newline is added).
func (l *ArchiveLogFile) Append(line string) error {
	if _, err := l.w.WriteString(line); err != nil {
		return fmt.Errorf("archive: append %s: %w", l.path, err)
	}
	return l.w.WriteByte('\n')
}

// Flush durably persists everything written so far.
func (l *ArchiveLogFile) Flush() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("archive: flush %s: %w", l.path, err)
	}
	return l.f.Sync()
}

// Close flushes and closes the underlying file.
func (l *ArchiveLogFile) Close() error {
	if err := l.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// ArchiveBinaryFile is a binary output file, used for segment data
// (packed wave samples) that accumulates across many small writes over
// the lifetime of a record. Write appends; WriteAt writes at an
// absolute offset.
type ArchiveBinaryFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// OpenArchiveBinaryFile opens (creating if necessary) a binary file,
// positioned at its end so that Write appends. The file is not opened
// with O_APPEND, since os.File.WriteAt rejects files opened that way.
func OpenArchiveBinaryFile(path string) (*ArchiveBinaryFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open binary file %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: open binary file %s: %w", path, err)
	}
	return &ArchiveBinaryFile{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends raw bytes.
func (b *ArchiveBinaryFile) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("archive: write %s: %w", b.path, err)
	}
	return n, nil
}

// Size reports the number of bytes written to the file so far,
// including anything still buffered, to let a caller compute byte
// offsets for an index without a separate stat call.
func (b *ArchiveBinaryFile) Size() (int64, error) {
	if err := b.w.Flush(); err != nil {
		return 0, err
	}
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// WriteAt writes p at an absolute byte offset, flushing any buffered
// sequential Write calls first so the two modes never interleave
// out of order. Used by waveform segment output, where samples for
// different channels arrive out of order within a frame and must be
// written to their own slot rather than appended.
func (b *ArchiveBinaryFile) WriteAt(offset int64, p []byte) error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("archive: flush %s: %w", b.path, err)
	}
	if _, err := b.f.WriteAt(p, offset); err != nil {
		return fmt.Errorf("archive: write at %d in %s: %w", offset, b.path, err)
	}
	return nil
}

// Flush durably persists everything written so far.
func (b *ArchiveBinaryFile) Flush() error {
	if err := b.w.Flush(); err != nil {
		return fmt.Errorf("archive: flush %s: %w", b.path, err)
	}
	return b.f.Sync()
}

// Close flushes and closes the underlying file.
func (b *ArchiveBinaryFile) Close() error {
	if err := b.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}
