package logger

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Tag is the syslog identifier used for every message.
const Tag = "rundir"

type Config struct {
	// Debug enables Debug lines and mirrors every line to the console writer.
	Debug bool
	// Syslog sends lines to the authpriv facility.
	Syslog bool
}

var (
	logMu   sync.Mutex
	debug   bool
	console io.Writer = os.Stderr
	sys     *syslog.Writer
)

// Init configures the sinks. A syslog daemon that cannot be reached is not
// an error: messages still reach the console when debug is on.
func Init(cfg Config) {
	logMu.Lock()
	defer logMu.Unlock()
	debug = cfg.Debug
	if sys != nil {
		_ = sys.Close()
		sys = nil
	}
	if cfg.Syslog {
		if w, err := syslog.New(syslog.LOG_AUTHPRIV|syslog.LOG_ERR, Tag); err == nil {
			sys = w
		}
	}
}

// SetDebug toggles debug output after Init, e.g. once hook arguments are parsed.
func SetDebug(on bool) {
	logMu.Lock()
	debug = on
	logMu.Unlock()
}

// SetOutput replaces the console writer and returns the previous one.
func SetOutput(w io.Writer) io.Writer {
	logMu.Lock()
	defer logMu.Unlock()
	prev := console
	console = w
	return prev
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if sys != nil {
		_ = sys.Close()
		sys = nil
	}
}

func Debug(format string, args ...interface{}) {
	log(LevelDebug, format, args...)
}

func Info(format string, args ...interface{}) {
	log(LevelInfo, format, args...)
}

func Warn(format string, args ...interface{}) {
	log(LevelWarn, format, args...)
}

func Error(format string, args ...interface{}) {
	log(LevelError, format, args...)
}

func log(lvl Level, format string, args ...interface{}) {
	logMu.Lock()
	defer logMu.Unlock()
	if lvl == LevelDebug && !debug {
		return
	}
	msg := fmt.Sprintf(format, args...)

	var label string
	switch lvl {
	case LevelDebug:
		label = "[DBUG] "
	case LevelInfo:
		label = "[INFO] "
	case LevelWarn:
		label = "[WARN] "
	case LevelError:
		label = "[EROR] " // 4 chars align
	}

	if sys != nil {
		switch lvl {
		case LevelDebug:
			_ = sys.Debug(msg)
		case LevelInfo:
			_ = sys.Info(msg)
		case LevelWarn:
			_ = sys.Warning(msg)
		default:
			_ = sys.Err(msg)
		}
	}

	// Console output is for interactive debugging; warnings and errors
	// always go there so a CLI caller sees why a hook failed.
	if debug || lvl >= LevelWarn {
		now := time.Now().Format("2006/01/02 15:04:05")
		fmt.Fprintf(console, "%s %s%s: %s\n", now, label, Tag, msg)
	}
}
