package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/MIT-LCP/downcast/internal/tstamp"
)

// Config holds the engine's configuration surface: how to reach the
// source database, where to write the archive and queue state, and
// the pacing knobs that govern how aggressively the extractor pulls.
// Mirrors main.py's _parse_cmdline options plus the tunables that
// script leaves as module-level constants in extractor.py/queue
// subclasses — promoted here so an operator can adjust them without a
// rebuild, the way the teacher's Config struct does for its own
// pipeline.
type Config struct {
	// Server is the logical DWC server name (--server), used as the
	// message.Origin tag on every row pulled from it and as the
	// section key into PasswordFile.
	Server string `env:"SERVER"`

	// PasswordFile (--password-file) holds the source database's
	// connection string. The reference implementation's server.conf
	// is a ConfigParser file of per-server driver credentials for the
	// out-of-scope SQL driver layer; since this port talks to a single
	// Postgres export schema via pgx, PasswordFile is simply a file
	// whose trimmed contents are that Postgres DSN. DatabaseURL (env)
	// is used directly when PasswordFile is unset or unreadable, for
	// local development without a credentials file on disk.
	PasswordFile string `env:"PASSWORD_FILE" envDefault:"server.conf"`
	DatabaseURL  string `env:"DATABASE_URL"`

	// OutputDir (--output-dir) and StateDir (--state-dir) are the
	// archive root and the extractor's queue-state directory. StateDir
	// defaults to OutputDir, matching _parse_cmdline's
	// "if opts.state_dir is None: opts.state_dir = opts.output_dir".
	OutputDir string `env:"OUTPUT_DIR"`
	StateDir  string `env:"STATE_DIR"`

	// Exactly one of Init/Batch/Live must be set; enforced by Validate.
	Init  bool `env:"INIT"`
	Batch bool `env:"BATCH"`
	Live  bool `env:"LIVE"`

	// StartTime (--start) only applies with Init; EndTime (--end) only
	// applies with Batch. Both use the same
	// 'YYYY-MM-DD HH:MM:SS.SSS +ZZ:ZZ' format tstamp.Parse accepts.
	// Kept as raw strings here (empty = unset) and parsed on demand by
	// Start/End, so a malformed value surfaces through Validate as a
	// Configuration error rather than a panic deep in the CLI.
	StartTime string `env:"START_TIME"`
	EndTime   string `env:"END_TIME"`

	// Terminate (--terminate) asks the engine to do one final pass
	// handling data for a server that has been permanently shut down,
	// then exit instead of looping.
	Terminate bool `env:"TERMINATE"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// StatusAddr is where /healthz and /metrics are served.
	StatusAddr string `env:"STATUS_ADDR" envDefault:":8081"`

	// QueriesPerSecond paces how often the extractor's queues may
	// issue a query against the source, via golang.org/x/time/rate;
	// the reference implementation has no such limiter (a single
	// process querying its own dedicated SQL Server), but a shared
	// Postgres export schema serving several concurrent engine
	// instances benefits from one.
	QueriesPerSecond float64 `env:"QUERIES_PER_SECOND" envDefault:"50"`

	// FlushEveryNQueries mirrors _main_loop's "n = 500" cadence: the
	// extractor's queue state is flushed to disk after this many
	// queries, bounding how much work a crash could force re-doing.
	FlushEveryNQueries int `env:"FLUSH_EVERY_N_QUERIES" envDefault:"500"`

	// FinalizeSyncInterval mirrors _main_loop's
	// "next_sync = fully_processed_timestamp() + timedelta(hours=3)":
	// how often the engine recycles its extractor/archive pair so
	// records belonging to a patient who has since left the bed get
	// finalized instead of sitting open indefinitely.
	FinalizeSyncInterval time.Duration `env:"FINALIZE_SYNC_INTERVAL" envDefault:"3h"`
}

// Start parses StartTime, if set.
func (c *Config) Start() (tstamp.Timestamp, bool, error) {
	if c.StartTime == "" {
		return tstamp.Timestamp{}, false, nil
	}
	t, err := tstamp.Parse(c.StartTime)
	if err != nil {
		return tstamp.Timestamp{}, false, fmt.Errorf("parsing --start: %w", err)
	}
	return t, true, nil
}

// End parses EndTime, if set.
func (c *Config) End() (tstamp.Timestamp, bool, error) {
	if c.EndTime == "" {
		return tstamp.Timestamp{}, false, nil
	}
	t, err := tstamp.Parse(c.EndTime)
	if err != nil {
		return tstamp.Timestamp{}, false, fmt.Errorf("parsing --end: %w", err)
	}
	return t, true, nil
}

// Validate checks the invariants _parse_cmdline enforces before doing
// any I/O: exactly one mode, --start/--end only paired with the mode
// that accepts them, and that a server and output directory were
// given. Directory-existence checks (opts.init vs. the others) are
// left to the caller, since they depend on os.Stat calls main wants
// to perform itself alongside opening the state/output directories.
func (c *Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("no server specified (--server / SERVER)")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("no output directory specified (--output-dir / OUTPUT_DIR)")
	}
	modes := 0
	for _, b := range []bool{c.Init, c.Batch, c.Live} {
		if b {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("must specify exactly one of --init, --batch, or --live")
	}
	if c.StartTime != "" && !c.Init {
		return fmt.Errorf("--start can only be used with --init")
	}
	if c.EndTime != "" && !c.Batch {
		return fmt.Errorf("--end can only be used with --batch")
	}
	if _, _, err := c.Start(); err != nil {
		return err
	}
	if _, _, err := c.End(); err != nil {
		return err
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	Server       string
	PasswordFile string
	DatabaseURL  string
	OutputDir    string
	StateDir     string
	Init         bool
	Batch        bool
	Live         bool
	StartTime    string
	EndTime      string
	Terminate    bool
	LogLevel     string
}

// Load reads configuration from a .env file, environment variables,
// and CLI overrides, in that increasing order of priority, matching
// the teacher's config.Load layering. After merging overrides, it
// resolves StateDir (defaulting to OutputDir) and DatabaseURL (reading
// PasswordFile's contents when present) the way _parse_cmdline and
// _init_extractor do before any directory or connection is touched.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.Server != "" {
		cfg.Server = overrides.Server
	}
	if overrides.PasswordFile != "" {
		cfg.PasswordFile = overrides.PasswordFile
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.OutputDir != "" {
		cfg.OutputDir = overrides.OutputDir
	}
	if overrides.StateDir != "" {
		cfg.StateDir = overrides.StateDir
	}
	if overrides.Init {
		cfg.Init = true
	}
	if overrides.Batch {
		cfg.Batch = true
	}
	if overrides.Live {
		cfg.Live = true
	}
	if overrides.StartTime != "" {
		cfg.StartTime = overrides.StartTime
	}
	if overrides.EndTime != "" {
		cfg.EndTime = overrides.EndTime
	}
	if overrides.Terminate {
		cfg.Terminate = true
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if cfg.StateDir == "" {
		cfg.StateDir = cfg.OutputDir
	}

	if dsn, err := readPasswordFile(cfg.PasswordFile); err == nil {
		cfg.DatabaseURL = dsn
	}

	return cfg, nil
}

// readPasswordFile returns the trimmed, single-line DSN stored in
// path, or an error if the file doesn't exist or is empty — callers
// fall back to cfg.DatabaseURL (from DATABASE_URL) in that case.
func readPasswordFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	dsn := strings.TrimSpace(string(b))
	if dsn == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return dsn, nil
}
