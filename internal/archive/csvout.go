package archive

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// csvWriter is a tiny truncate-and-rewrite comma-row writer used by
// the finalizers that regenerate a small summary file (numerics.csv)
// from scratch on every finalize pass, as opposed to the append-only
// ArchiveLogFile used for live-appended logs.
type csvWriter struct {
	path   string
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// createTruncated creates (or truncates) path for writing.
func createTruncated(path string) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}
	return &csvWriter{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (c *csvWriter) writeRow(fields []string) error {
	if _, err := c.w.WriteString(strings.Join(fields, ",")); err != nil {
		return fmt.Errorf("archive: write %s: %w", c.path, err)
	}
	return c.w.WriteByte('\n')
}

func (c *csvWriter) sync() error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("archive: flush %s: %w", c.path, err)
	}
	return c.f.Sync()
}

// Close flushes, syncs, and closes the file. Safe to call more than
// once.
func (c *csvWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.sync(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
