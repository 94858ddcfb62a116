package archive

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// horizonFileName is the operator-edited file marking the earliest
// data boundary an archive will process normally; records created
// below it are dump-only.
const horizonFileName = "%horizon"

// horizonWatcher tracks the archive's current horizon timestamp and,
// if fsnotify can watch the base directory, reloads it whenever the
// horizon file is edited, so a running engine picks up an operator
// change without a restart. Grounded on the teacher's
// internal/ingest.FileWatcher (an fsnotify.Watcher field, a
// background watchLoop select over Events/Errors, a Stop that closes
// the watcher), reduced to a single watched file instead of a whole
// directory tree.
type horizonWatcher struct {
	path string
	log  zerolog.Logger

	mu        sync.RWMutex
	horizon   tstamp.Timestamp
	hasHorizon bool

	watcher *fsnotify.Watcher
}

// newHorizonWatcher loads baseDir's horizon file, if any, and starts
// watching it for changes. A missing file or a directory that doesn't
// exist yet is not an error — there is simply no horizon in effect,
// matching a fresh archive that hasn't been given one.
func newHorizonWatcher(baseDir string, log zerolog.Logger) *horizonWatcher {
	hw := &horizonWatcher{
		path: filepath.Join(baseDir, horizonFileName),
		log:  log.With().Str("component", "archive.horizon").Logger(),
	}
	hw.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		hw.log.Warn().Err(err).Msg("could not start horizon file watcher, horizon edits require a restart")
		return hw
	}
	if err := w.Add(baseDir); err != nil {
		hw.log.Debug().Err(err).Str("dir", baseDir).Msg("could not watch archive directory for horizon changes yet")
		w.Close()
		return hw
	}
	hw.watcher = w
	go hw.watchLoop()
	return hw
}

func (hw *horizonWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-hw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != horizonFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			hw.reload()
		case err, ok := <-hw.watcher.Errors:
			if !ok {
				return
			}
			hw.log.Warn().Err(err).Msg("horizon file watcher error")
		}
	}
}

func (hw *horizonWatcher) reload() {
	data, err := os.ReadFile(hw.path)
	if err != nil {
		if !os.IsNotExist(err) {
			hw.log.Warn().Err(err).Msg("failed to read horizon file")
		}
		return
	}
	ts, err := tstamp.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		hw.log.Warn().Err(err).Str("contents", string(data)).Msg("failed to parse horizon file")
		return
	}
	hw.mu.Lock()
	hw.horizon, hw.hasHorizon = ts, true
	hw.mu.Unlock()
	hw.log.Info().Str("horizon", ts.String()).Msg("horizon updated")
}

// Get returns the current horizon timestamp, if one is set.
func (hw *horizonWatcher) Get() (tstamp.Timestamp, bool) {
	hw.mu.RLock()
	defer hw.mu.RUnlock()
	return hw.horizon, hw.hasHorizon
}

// Close stops watching the horizon file.
func (hw *horizonWatcher) Close() error {
	if hw.watcher == nil {
		return nil
	}
	return hw.watcher.Close()
}
