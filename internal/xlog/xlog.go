// Package xlog is the engine's structured logger. It mirrors the
// klaytn convention of a per-module logger obtained once at package
// init (logger = xlog.NewModuleLogger("collector.bitcoin")) and then
// called with alternating key/value pairs, never format strings.
package xlog

import (
	"os"

	"github.com/inconshreveable/log15"
)

// Logger is the handful of levels every component actually uses.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

var root = log15.New()

func init() {
	root.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
}

// SetLevel adjusts the root handler's minimum level, e.g. "debug" for
// local development.
func SetLevel(lvl log15.Lvl) {
	root.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
}

// NewModuleLogger returns a Logger tagged with "module", the way every
// klaytn subsystem tags its own logger.
func NewModuleLogger(module string) Logger {
	return root.New("module", module)
}
