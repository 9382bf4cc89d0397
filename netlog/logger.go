// Package netlog provides structured, per-instance logging for the pool and
// its domain packages: a named set of *logrus.Logger instances with
// lumberjack-backed rotation and an optional colored console mirror.
package netlog

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Level mirrors logrus.Level without forcing every caller to import logrus
// directly.
type Level = logrus.Level

const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel
)

// Config describes one named logger instance, so a caller can keep several
// independent rotating files (e.g. one for the pool, one for reporting
// deliveries).
type Config struct {
	// Name identifies this instance; also used as the base log file name.
	Name string

	// Dir is the directory log files are written under. Defaults to "logs".
	Dir string

	// MaxSizeMB is the per-file rotation threshold. Defaults to 50.
	MaxSizeMB int

	// MaxBackups is how many rotated files are retained. Defaults to 5.
	MaxBackups int

	// MaxAgeDays is how long a rotated file is retained. Defaults to 7.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool

	// Level is the minimum level written.
	Level Level

	// JSON selects the JSON formatter; otherwise a text formatter is used.
	JSON bool

	// Console additionally mirrors output to stdout, printed in cyan via
	// fatih/color (the same color for every event).
	Console bool
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "pool"
	}
	if c.Dir == "" {
		c.Dir = "logs"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 7
	}
}

// Logger is a single named logging instance. It satisfies pool.Logger so a
// *Logger can be passed straight to pool.New.
type Logger struct {
	name    string
	l       *logrus.Logger
	console bool
}

// New builds a Logger from cfg, wiring a lumberjack-rotated file sink and
// (if cfg.Console) an additional colored stdout mirror.
func New(cfg Config) *Logger {
	cfg.setDefaults()

	l := logrus.New()
	l.SetLevel(cfg.Level)
	l.SetOutput(&lumberjack.Logger{
		Filename:   cfg.Dir + "/" + cfg.Name + ".log",
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	}

	return &Logger{name: cfg.Name, l: l, console: cfg.Console}
}

// Event implements pool.Logger: one structured line per pool event (idle
// socket close, socket close on release, backup job start, generation
// bump), carrying the stable event/reason names in fields rather than free
// text.
func (lg *Logger) Event(event string, fields map[string]interface{}) {
	entry := lg.l.WithFields(fields)
	entry.Info(event)

	if lg.console {
		lg.mirrorToConsole(event, fields)
	}
}

// mirrorToConsole prints a one-liner in cyan via fatih/color.
func (lg *Logger) mirrorToConsole(event string, fields map[string]interface{}) {
	color.Set(color.FgCyan)
	defer color.Unset()
	fmt.Fprintf(os.Stdout, "[%s] %s %v\n", lg.name, event, fields)
}

// Logrus exposes the underlying *logrus.Logger for callers that need direct
// access.
func (lg *Logger) Logrus() *logrus.Logger { return lg.l }
