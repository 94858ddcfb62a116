// Package worker spawns and joins the per-record finalizer
// subprocesses that run waveform, numeric, enumeration, and alert
// finalization against one already-closed record directory.
//
// The reference implementation forks a short-lived
// output/process.py WorkerProcess per record (closing inherited file
// descriptors, setting a process title, then running the finalizer
// target) rather than running finalization inline in the parent, so
// that a crash or hang while finalizing one record can't take down the
// engine's main ingest loop. Go has no fork-and-continue equivalent,
// so Runner re-invokes the current binary as a child process with a
// hidden --finalize-record flag instead of forking.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/errs"
	"github.com/MIT-LCP/downcast/internal/metrics"
)

// Runner starts finalizer subprocesses for archive records.
type Runner struct {
	binary string
	log    zerolog.Logger
}

// NewRunner builds a Runner that finalizes records by re-invoking
// binary (normally os.Executable()'s result) with --finalize-record.
func NewRunner(binary string, log zerolog.Logger) *Runner {
	return &Runner{binary: binary, log: log}
}

// Job is one outstanding finalizer subprocess, returned by
// StartFinalize so the caller can keep ingesting while it runs and
// join it later (at Archive.Flush, mirroring Archive.flush joining
// all outstanding children in the reference implementation).
type Job struct {
	recordPath string
	started    time.Time
	cmd        *exec.Cmd
}

// StartFinalize launches a finalizer subprocess for the record at
// recordPath and returns immediately; call Wait to join it.
func (r *Runner) StartFinalize(ctx context.Context, recordPath string) (*Job, error) {
	cmd := exec.CommandContext(ctx, r.binary, "--finalize-record", recordPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, errs.New(errs.Finalization, fmt.Errorf("worker: starting finalizer for %s: %w", recordPath, err))
	}
	r.log.Debug().Str("record", recordPath).Int("pid", cmd.Process.Pid).Msg("finalizer subprocess started")
	return &Job{recordPath: recordPath, started: time.Now(), cmd: cmd}, nil
}

// Wait joins the subprocess, observing its duration and classifying a
// non-zero exit as a Finalization error, matching Archive.flush
// raising if any finalizer child exited non-zero.
func (j *Job) Wait() error {
	err := j.cmd.Wait()
	metrics.FinalizerDuration.WithLabelValues("record").Observe(time.Since(j.started).Seconds())
	if err != nil {
		return errs.New(errs.Finalization, fmt.Errorf("worker: finalizing %s: %w", j.recordPath, err))
	}
	return nil
}

// RecordPath reports which record this job is finalizing, so callers
// joining many jobs can attribute an error to its record.
func (j *Job) RecordPath() string { return j.recordPath }
