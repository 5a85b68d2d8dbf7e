// Package elog provides a minimal leveled logger shared by the dispatcher
// and prime binaries. Time/date are omitted by default because the process
// supervisor (systemd or a container runtime) timestamps its own output;
// pass -logdate to re-enable them. Level prefixes follow the numeric
// syslog convention so journald can colorize/filter without parsing text.
package elog

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	debugWriter io.Writer = os.Stderr
	infoWriter  io.Writer = os.Stderr
	warnWriter  io.Writer = os.Stderr
	errWriter   io.Writer = os.Stderr
)

const (
	debugPrefix = "<7>[DEBUG] "
	infoPrefix  = "<6>[INFO]  "
	warnPrefix  = "<4>[WARN]  "
	errPrefix   = "<3>[ERROR] "
)

var (
	debugLog = log.New(debugWriter, debugPrefix, 0)
	infoLog  = log.New(infoWriter, infoPrefix, 0)
	warnLog  = log.New(warnWriter, warnPrefix, log.Lshortfile)
	errLog   = log.New(errWriter, errPrefix, log.Llongfile)

	debugTimeLog = log.New(debugWriter, debugPrefix, log.LstdFlags)
	infoTimeLog  = log.New(infoWriter, infoPrefix, log.LstdFlags)
	warnTimeLog  = log.New(warnWriter, warnPrefix, log.LstdFlags|log.Lshortfile)
	errTimeLog   = log.New(errWriter, errPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards output below lvl ("debug", "info", "warn", "err").
func SetLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		warnWriter = io.Discard
		fallthrough
	case "warn":
		infoWriter = io.Discard
		fallthrough
	case "info":
		debugWriter = io.Discard
	case "debug":
	default:
		fmt.Fprintf(os.Stderr, "elog: unknown level %q, defaulting to debug\n", lvl)
		SetLevel("debug")
	}
}

// SetDateTime toggles the date/time prefix on every subsequent line.
func SetDateTime(on bool) { logDateTime = on }

func Debug(v...interface{}) { emit(debugWriter, debugLog, debugTimeLog, fmt.Sprint(v...)) }
func Info(v...interface{})  { emit(infoWriter, infoLog, infoTimeLog, fmt.Sprint(v...)) }
func Warn(v...interface{})  { emit(warnWriter, warnLog, warnTimeLog, fmt.Sprint(v...)) }
func Error(v...interface{}) { emit(errWriter, errLog, errTimeLog, fmt.Sprint(v...)) }

func Debugf(format string, v...interface{}) { emit(debugWriter, debugLog, debugTimeLog, fmt.Sprintf(format, v...)) }
func Infof(format string, v...interface{})  { emit(infoWriter, infoLog, infoTimeLog, fmt.Sprintf(format, v...)) }
func Warnf(format string, v...interface{})  { emit(warnWriter, warnLog, warnTimeLog, fmt.Sprintf(format, v...)) }
func Errorf(format string, v...interface{}) { emit(errWriter, errLog, errTimeLog, fmt.Sprintf(format, v...)) }

// Fatalf logs and terminates the process; used only at startup boundaries
// (bad config, unreachable migration) never on a per-connection error path.
func Fatalf(format string, v...interface{}) {
	emit(errWriter, errLog, errTimeLog, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func emit(w io.Writer, l, tl *log.Logger, msg string) {
	if w == io.Discard {
		return
	}
	if logDateTime {
		tl.Output(3, msg)
	} else {
		l.Output(3, msg)
	}
}
