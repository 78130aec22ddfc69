package klog

import (
	"os"

	"capos/kernel"

	"go.uber.org/zap"
)

var (
	// haltFn stops the machine. Tests replace it.
	haltFn = func() { os.Exit(1) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause", Kind: kernel.KindFatal}
)

// Panic logs the supplied error (if not nil) and halts the machine. Calls to
// Panic never return unless the halt function is replaced.
func Panic(l *Logger, e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t, Kind: kernel.KindFatal}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error(), Kind: kernel.KindFatal}
	}

	if err != nil {
		l.Error("unrecoverable error", zap.String("module", err.Module), zap.String("error", err.Message))
	}
	l.Error("kernel panic: system halted")
	_ = l.Sync()

	haltFn()
}
