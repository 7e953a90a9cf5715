package logging

import (
	"fmt"
	"io"
	"os"
	"time"
)

// EarlyLog writes service-tagged lines to stderr until the configured logger
// exists.
type EarlyLog struct {
	service string
	out     io.Writer
	now     func() time.Time
	exit    func(int)
}

func NewEarlyLog(service string) *EarlyLog {
	return &EarlyLog{service: service, out: os.Stderr, now: time.Now, exit: os.Exit}
}

// Error reports a startup failure. The caller still returns the error.
func (l *EarlyLog) Error(msg string, args ...any) {
	l.write("ERROR", msg, args)
}

// Fatal reports a startup failure and exits with status 1.
func (l *EarlyLog) Fatal(msg string, args ...any) {
	l.write("FATAL", msg, args)
	l.exit(1)
}

func (l *EarlyLog) Warn(msg string, args ...any) {
	l.write("WARN", msg, args)
}

func (l *EarlyLog) Info(msg string, args ...any) {
	l.write("INFO", msg, args)
}

func (l *EarlyLog) write(level, msg string, args []any) {
	fmt.Fprintf(l.out, "%s %-5s %s: %s\n",
		l.now().UTC().Format(time.RFC3339), level, l.service, fmt.Sprintf(msg, args...))
}
