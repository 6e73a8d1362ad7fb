// Package logger buffers the detailed log of one run (an offline cache
// install, a warm-up) and decides at the end what reaches the real log.
//
//   - On failure the buffer is replayed line by line, then the error.
//   - On success the buffer is dropped and a single summary line is written.
//
// A dedicated goroutine owns the buffers and receives commands over a
// channel; no mutexes.
package logger

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
	actSetOutput
	actSync
)

type cmd struct {
	act     action
	runID   string
	message string
	err     error
	out     logrus.FieldLogger
	done    chan struct{}
}

var ch = make(chan cmd, 128)

// SetOutput routes every emitted line to l.  The default is the logrus
// standard logger.
func SetOutput(l logrus.FieldLogger) { ch <- cmd{act: actSetOutput, out: l} }

// Begin starts buffering lines for runID.
func Begin(runID string) { ch <- cmd{act: actBegin, runID: runID} }

// Append adds a detail line.  Without an open buffer it is logged at once.
func Append(runID, msg string) { ch <- cmd{act: actAppend, runID: runID, message: msg} }

// Logf returns a printf-style func that appends to runID's buffer.
func Logf(runID string) func(string, ...any) {
	return func(format string, args ...any) {
		Append(runID, sprintf(format, args...))
	}
}

// Success drops the buffer and writes one summary line.
func Success(runID, summary string) {
	ch <- cmd{act: actSuccess, runID: runID, message: summary}
}

// FlushError replays the buffer and then logs err.
func FlushError(runID string, err error) { ch <- cmd{act: actFlushErr, runID: runID, err: err} }

// Sync blocks until every command sent before it has been handled.
func Sync() {
	done := make(chan struct{})
	ch <- cmd{act: actSync, done: done}
	<-done
}

func init() { go runloop() }

func runloop() {
	var out logrus.FieldLogger = logrus.StandardLogger()
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actSetOutput:
			if c.out != nil {
				out = c.out
			}

		case actBegin:
			buffers[c.runID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.runID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				out.WithField("run", c.runID).Info(c.message)
			}

		case actSuccess:
			out.WithField("run", c.runID).Infof("✔ %s", c.message)
			delete(buffers, c.runID)

		case actFlushErr:
			entry := out.WithField("run", c.runID)
			if b := buffers[c.runID]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
					if ln != "" {
						entry.Info(ln)
					}
				}
				delete(buffers, c.runID)
			}
			entry.WithError(c.err).Error("run failed")

		case actSync:
			close(c.done)
		}
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
