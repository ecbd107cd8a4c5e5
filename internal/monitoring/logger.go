// Package monitoring holds the engine's diagnostic logging hooks.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or embedding code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Scoped returns a logger that prefixes every line with the given component
// name, writing through whatever Logf is current at call time.
func Scoped(component string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("["+component+"] "+format, v...)
	}
}
