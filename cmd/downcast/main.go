// Command downcast is the engine entrypoint: it wires a source
// database, an extractor, and an archive together and drives them
// per the selected mode (--init, --batch, or --live), mirroring
// main.py's _parse_cmdline/_init_extractor/_init_archive/_main_loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/MIT-LCP/downcast/internal/archive"
	"github.com/MIT-LCP/downcast/internal/attrcache"
	"github.com/MIT-LCP/downcast/internal/config"
	"github.com/MIT-LCP/downcast/internal/errs"
	"github.com/MIT-LCP/downcast/internal/extractor"
	"github.com/MIT-LCP/downcast/internal/message"
	"github.com/MIT-LCP/downcast/internal/metrics"
	"github.com/MIT-LCP/downcast/internal/sqlsource"
	"github.com/MIT-LCP/downcast/internal/statusapi"
	"github.com/MIT-LCP/downcast/internal/worker"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.Server, "server", "", "DWC server name (overrides SERVER)")
	flag.StringVar(&overrides.PasswordFile, "password-file", "", "Path to the source database credentials file (overrides PASSWORD_FILE)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Source database connection string (overrides DATABASE_URL)")
	flag.StringVar(&overrides.OutputDir, "output-dir", "", "Archive output directory (overrides OUTPUT_DIR)")
	flag.StringVar(&overrides.StateDir, "state-dir", "", "Extractor queue-state directory (defaults to output-dir)")
	flag.BoolVar(&overrides.Init, "init", false, "Write initial queue state and exit without processing any data")
	flag.BoolVar(&overrides.Batch, "batch", false, "Process all data currently available and exit")
	flag.BoolVar(&overrides.Live, "live", false, "Run continuously, following new data as it arrives")
	flag.StringVar(&overrides.StartTime, "start", "", "Start timestamp, only valid with --init")
	flag.StringVar(&overrides.EndTime, "end", "", "End timestamp, only valid with --batch")
	flag.BoolVar(&overrides.Terminate, "terminate", false, "Finalize every open record and exit (the server has been permanently retired)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	var finalizeRecordPath string
	flag.StringVar(&finalizeRecordPath, "finalize-record", "", "internal: finalize a single record directory and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	if finalizeRecordPath != "" {
		log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "finalizer").Logger()
		if err := finalizeRecord(finalizeRecordPath, log); err != nil {
			log.Error().Err(err).Str("record", finalizeRecordPath).Msg("finalizer subprocess failed")
			os.Exit(errs.ExitCode(err))
		}
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("server", cfg.Server).
		Str("log_level", level.String()).
		Msg("downcast starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to source database")
	}
	defer pool.Close()

	src := sqlsource.NewPGSource(pool, log)
	attrs := attrcache.New(src, log)
	registry := archive.NewOriginRegistry()
	origin := message.Origin(cfg.Server)

	runErr := run(ctx, cfg, src, attrs, registry, origin, pool, startTime, log)
	if runErr != nil {
		log.Error().Err(runErr).Msg("downcast exiting with error")
		os.Exit(errs.ExitCode(runErr))
	}
	log.Info().Msg("downcast stopped")
}

// finalizeRecord runs the fixed finalizer order against one record
// directory: waves, then numerics, then enumerations, then alerts,
// since later passes depend on the time map the earlier passes
// populate. This is the body of the --finalize-record subprocess that
// worker.Runner spawns in place of the reference implementation's
// forked WorkerProcess.
func finalizeRecord(path string, log zerolog.Logger) error {
	rec, err := archive.OpenRecordAt(path, log)
	if err != nil {
		return errs.New(errs.Finalization, err)
	}

	waves, err := archive.NewWaveSampleFinalizer(rec)
	if err != nil {
		return errs.New(errs.Finalization, err)
	}
	if err := waves.FinalizeRecord(); err != nil {
		return errs.New(errs.Finalization, err)
	}

	numerics, err := archive.NewNumericValueFinalizer(rec)
	if err != nil {
		return errs.New(errs.Finalization, err)
	}
	if err := numerics.FinalizeRecord(); err != nil {
		return errs.New(errs.Finalization, err)
	}

	enums, err := archive.NewEnumerationValueFinalizer(rec)
	if err != nil {
		return errs.New(errs.Finalization, err)
	}
	if err := enums.FinalizeRecord(); err != nil {
		return errs.New(errs.Finalization, err)
	}

	alerts, err := archive.NewAlertFinalizer(rec)
	if err != nil {
		return errs.New(errs.Finalization, err)
	}
	if err := alerts.FinalizeRecord(); err != nil {
		return errs.New(errs.Finalization, err)
	}

	rec.SetFinalized(true)
	if err := rec.Flush(false); err != nil {
		return errs.New(errs.Finalization, err)
	}

	return nil
}

// healthHolder lets /healthz report the live extractor's idle state
// across recycles: run replaces the held extractor every time it
// builds a fresh one, and healthzHandler reads whatever is current at
// scrape time.
type healthHolder struct {
	mu sync.Mutex
	ex *extractor.Extractor
}

func (h *healthHolder) set(ex *extractor.Extractor) {
	h.mu.Lock()
	h.ex = ex
	h.mu.Unlock()
}

func (h *healthHolder) Healthy() (bool, string) {
	h.mu.Lock()
	ex := h.ex
	h.mu.Unlock()
	if ex == nil {
		return true, "starting up"
	}
	if ex.Idle() {
		return true, "idle: caught up with source"
	}
	return true, "running"
}

// run implements _main_loop: in --init mode it writes initial queue
// state and returns; otherwise it repeatedly builds a fresh
// extractor/archive pair, drives it until fully_processed_timestamp
// passes the next 3-hour sync point (or the run should stop), and
// recycles, so that records belonging to patients who have since left
// the bed get finalized instead of sitting open indefinitely.
func run(
	ctx context.Context,
	cfg *config.Config,
	src *sqlsource.PGSource,
	attrs *attrcache.Cache,
	registry *archive.OriginRegistry,
	origin message.Origin,
	pool *pgxpool.Pool,
	startTime time.Time,
	log zerolog.Logger,
) error {
	if cfg.Init {
		ex, err := initExtractor(cfg, src, registry, origin, log)
		if err != nil {
			return err
		}
		return ex.Flush()
	}

	health := &healthHolder{}
	statusSrv := statusapi.NewServer(cfg.StatusAddr, version, startTime, health, log)
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("status server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}()

	for {
		ex, err := initExtractor(cfg, src, registry, origin, log)
		if err != nil {
			return err
		}
		health.set(ex)

		collector := metrics.NewCollector(pool, ex)
		prometheus.MustRegister(collector)

		a, err := initArchive(cfg, ex, registry, attrs, log)
		if err != nil {
			prometheus.Unregister(collector)
			return err
		}

		stop, err := driveExtractor(ctx, cfg, ex, a, log)
		prometheus.Unregister(collector)
		if cerr := a.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to stop horizon file watcher")
		}
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// driveExtractor implements the body of _main_loop's inner while loop:
// it runs ex until fully_processed_timestamp reaches next_sync, saving
// state every FlushEveryNQueries queries, and reports whether the
// caller should stop entirely (true) or recycle the extractor/archive
// pair and loop again (false).
func driveExtractor(ctx context.Context, cfg *config.Config, ex *extractor.Extractor, a *archive.Archive, log zerolog.Logger) (stop bool, err error) {
	nextSync := ex.FullyProcessedTimestamp().Add(cfg.FinalizeSyncInterval)
	n := cfg.FlushEveryNQueries

	defer func() {
		if ferr := ex.Flush(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := a.JoinFinalizers(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	for ex.FullyProcessedTimestamp().Before(nextSync) {
		select {
		case <-ctx.Done():
			return true, nil
		default:
		}

		if ex.Idle() && !cfg.Live {
			if cfg.Terminate {
				if err := ex.Dispatcher().Terminate(); err != nil {
					return true, err
				}
				if err := ex.Flush(); err != nil {
					return true, err
				}
				a.Terminate()
				if err := a.JoinFinalizers(); err != nil {
					return true, err
				}
			}
			return true, nil
		}

		if err := ex.Run(ctx); err != nil {
			return false, err
		}

		n--
		if n <= 0 {
			if err := ex.Flush(); err != nil {
				return false, err
			}
			n = cfg.FlushEveryNQueries
		}
	}

	return false, nil
}

// initExtractor grounds _init_extractor: it builds every input queue
// this engine understands, each scoped server-wide (mappingID/patientID
// left as uuid.Nil, since sqlsource.applyRange/applyPatientRange only
// filter on an ID when one is given — matching the reference
// implementation's one-queue-per-table-per-server model, not a
// per-mapping queue). BedTagQueue is left unconstructed, matching
// _init_extractor's own commented-out BedTagQueue.
func initExtractor(cfg *config.Config, src *sqlsource.PGSource, registry *archive.OriginRegistry, origin message.Origin, log zerolog.Logger) (*extractor.Extractor, error) {
	startTS, hasStart, err := cfg.Start()
	if err != nil {
		return nil, errs.New(errs.Configuration, err)
	}
	endTS, hasEnd, err := cfg.End()
	if err != nil {
		return nil, errs.New(errs.Configuration, err)
	}
	win := extractor.Window{HasStart: hasStart, Start: startTS, HasEnd: hasEnd, End: endTS}

	ex := extractor.New(cfg.StateDir, true, log)

	mappingQueue := extractor.NewPatientMappingQueue(src, origin, uuid.Nil, win, log)
	if err := ex.AddQueue(mappingQueue); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewPatientBasicInfoQueue(src, origin, uuid.Nil, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewPatientStringAttributeQueue(src, origin, uuid.Nil, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewPatientDateAttributeQueue(src, origin, uuid.Nil, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewWaveSampleQueue(src, origin, uuid.Nil, mappingQueue, registry, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewNumericValueQueue(src, origin, uuid.Nil, mappingQueue, registry, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewEnumerationValueQueue(src, origin, uuid.Nil, mappingQueue, registry, win, log)); err != nil {
		return nil, err
	}
	if err := ex.AddQueue(extractor.NewAlertQueue(src, origin, uuid.Nil, mappingQueue, registry, win, log)); err != nil {
		return nil, err
	}

	if cfg.QueriesPerSecond > 0 {
		ex.SetRateLimiter(rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), 1))
	}

	return ex, nil
}

// initArchive grounds _init_archive: finalize anything left open from
// a prior recycle that's aged past the new extractor's starting point,
// flush, then register every output handler this engine runs.
// PatientHandler is left unregistered, matching _init_archive's own
// commented-out PatientHandler (its FIXME notes unnecessary record
// splitting).
func initArchive(cfg *config.Config, ex *extractor.Extractor, registry *archive.OriginRegistry, attrs *attrcache.Cache, log zerolog.Logger) (*archive.Archive, error) {
	a, err := archive.New(cfg.OutputDir, true, log)
	if err != nil {
		return nil, err
	}

	if binary, err := os.Executable(); err != nil {
		log.Warn().Err(err).Msg("could not resolve own executable path, finalizing records inline instead of via subprocess")
	} else {
		a.SetFinalizerRunner(worker.NewRunner(binary, log))
	}

	a.FinalizeBefore(ex.FullyProcessedTimestamp())
	if err := a.Flush(); err != nil {
		return nil, err
	}

	ex.AddHandler(archive.NewNumericValueHandler(a, registry, attrs, log))
	ex.AddHandler(archive.NewWaveSampleHandler(a, registry, attrs, log))
	ex.AddHandler(archive.NewEnumerationValueHandler(a, registry, attrs, log))
	ex.AddHandler(archive.NewAlertHandler(a, registry, log))
	ex.AddHandler(archive.NewPatientMappingHandler(registry, log))

	if err := ex.Flush(); err != nil {
		return nil, err
	}

	return a, nil
}
