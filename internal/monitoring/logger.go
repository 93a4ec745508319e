// Package monitoring carries the process-wide progress log of an
// adjustment run.
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level progress logger. It defaults to log.Printf and
// may be replaced by SetLogger or SetOutput.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetOutput sends Logf to w with a "[jigsaw] " prefix and timestamps. A nil
// w mutes the log.
func SetOutput(w io.Writer) {
	if w == nil {
		SetLogger(nil)
		return
	}
	SetLogger(log.New(w, "[jigsaw] ", log.LstdFlags|log.Lmicroseconds).Printf)
}
