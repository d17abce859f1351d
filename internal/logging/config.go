package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "PQRELAY_LOG_LEVEL"
	EnvLogTimestamp = "PQRELAY_LOG_TIMESTAMP"
	EnvLogNoColor   = "PQRELAY_LOG_NOCOLOR"
	EnvLogBypass    = "PQRELAY_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup for one process.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Bypass writes raw JSON lines instead of the console format.
	Bypass bool
	// File, when set, receives a copy of every line through a size-rotated log.
	File string
	// FileMaxKB is the rotation threshold for File.
	FileMaxKB int64
	// FileKeep is the number of rotated files retained.
	FileKeep int
}

var (
	configureOnce sync.Once
	rotated       *rotator.Rotator
)

func ConfigureRuntime(app string, debug bool, file string) {
	cfg := defaultConfig(ProfileRuntime)
	if debug {
		cfg.Level = zerolog.DebugLevel
	}
	cfg.File = strings.TrimSpace(file)
	Configure(app, cfg)
}

func ConfigureTests() {
	Configure("test", defaultConfig(ProfileTest))
}

// Configure installs the global logger once per process; later calls are ignored.
func Configure(app string, cfg Config) {
	configureOnce.Do(func() {
		applyEnvOverrides(&cfg)
		zerolog.SetGlobalLevel(cfg.Level)
		log.Logger = newLogger(app, cfg, os.Stderr)
	})
}

// Close flushes and closes the rotated log file, if any.
func Close() error {
	if rotated == nil {
		return nil
	}
	return rotated.Close()
}

func newLogger(app string, cfg Config, out io.Writer) zerolog.Logger {
	var w io.Writer = out
	if !cfg.Bypass {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
			PartsExclude: func() []string {
				if cfg.Timestamp {
					return nil
				}
				return []string{zerolog.TimestampFieldName}
			}(),
		}
	}
	if cfg.File != "" {
		r, err := rotator.New(cfg.File, cfg.FileMaxKB, false, cfg.FileKeep)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.File).Msg("logging.Configure rotator disabled")
		} else {
			rotated = r
			w = zerolog.MultiLevelWriter(w, r)
		}
	}
	ctx := zerolog.New(w).With().Str("app", app)
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func defaultConfig(profile Profile) Config {
	cfg := Config{FileMaxKB: 10 * 1024, FileKeep: 3}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
		cfg.NoColor = true
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
