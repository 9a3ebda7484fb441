// Package klog is the kernel's printk: a leveled, CPU-id-prefixed logger
// wrapping github.com/cosmosnicolaou/llog (a glog-style leveled logger)
// behind a small package-level singleton and a functional-options
// Configure call.
//
// klog exposes package-level Infof/Warningf/Errorf/Fatalf functions delegating
// to a single *llog.Log, V() for verbosity-gated logging, and narrows
// llog's options surface to the handful a kernel log actually needs (log
// directory, stderr mirroring, verbosity threshold), while adding the one
// thing a kernel log has that a userspace service log does not: every line
// is attributed to the CPU that emitted it, and a severity of "this is a
// bug" (Oops) that halts instead of merely recording.
package klog

import (
	"fmt"

	"github.com/cosmosnicolaou/llog"
)

// Level is a verbosity threshold for V-gated logging.
type Level llog.Level

type kernelLog struct {
	log *llog.Log
}

var std = &kernelLog{log: llog.NewLogger("kconc", 1)}

// Option configures the std logger: a closed set of concrete types, one
// named type per knob, each applying itself through the unexported apply
// method that Configure calls, rather than a functional-options closure.
type Option interface{ apply(*kernelLog) }

// ToStderr mirrors every logged line to stderr in addition to the log
// file, regardless of severity.
type ToStderr bool

func (o ToStderr) apply(l *kernelLog) { l.log.SetAlsoLogToStderr(bool(o)) }

// LogDir sets the directory log files are written to.
type LogDir string

func (o LogDir) apply(l *kernelLog) { l.log.SetLogDir(string(o)) }

// Verbosity sets the V() threshold.
type Verbosity Level

func (o Verbosity) apply(l *kernelLog) { l.log.SetV(llog.Level(o)) }

// Configure applies opts to the package-level logger. Safe to call more
// than once; later calls layer additional settings on top of earlier
// ones — a kernel boot sequence may legitimately reconfigure logging
// partway through (e.g. once LogDir becomes known).
func Configure(opts ...Option) {
	for _, o := range opts {
		o.apply(std)
	}
}

// V reports whether level-gated logging at v is enabled, for the
// `if klog.V(2) { klog.Infof(...) }` guard idiom.
func V(v Level) bool { return std.log.V(llog.Level(v)) }

func prefix(cpu int, format string) string {
	if format == "" {
		return fmt.Sprintf("cpu%d:", cpu)
	}
	return fmt.Sprintf("cpu%d: %s", cpu, format)
}

// Infof logs an informational line attributed to cpu.
func Infof(cpu int, format string, args ...interface{}) {
	std.log.Printf(llog.InfoLog, prefix(cpu, format), args...)
}

// Warningf logs a warning line attributed to cpu, for conditions worth
// flagging but not yet a failure.
func Warningf(cpu int, format string, args ...interface{}) {
	std.log.Printf(llog.WarningLog, prefix(cpu, format), args...)
}

// Errorf logs an error line attributed to cpu — used for recoverable
// failures (ENOMEM, EINVAL, ERESTARTSYS, etc) where the caller gets an
// error value back but the event is still worth a log line.
func Errorf(cpu int, format string, args ...interface{}) {
	std.log.Printf(llog.ErrorLog, prefix(cpu, format), args...)
}

// Fatalf logs at FATAL severity, including a goroutine stack dump, and
// calls os.Exit via llog — the kernel-panic analogue for conditions that
// leave no path forward at all.
func Fatalf(cpu int, format string, args ...interface{}) {
	std.log.Printf(llog.FatalLog, prefix(cpu, format), args...)
}

// Oops logs a programming-error line at ERROR severity and then panics
// with the same message, for invariant violations this module's
// primitives detect synchronously (kspin's unbalanced Unlock,
// kpreempt's unbalanced EnablePreempt): those already panic directly at
// the point of detection, so Oops exists for call sites one level up
// that want the log line attributed to a CPU before handing the panic
// onward.
func Oops(cpu int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	std.log.Printf(llog.ErrorLog, prefix(cpu, "%s"), msg)
	panic(fmt.Sprintf("klog: oops on cpu%d: %s", cpu, msg))
}

// Flush flushes all pending log I/O.
func Flush() { std.log.Flush() }
