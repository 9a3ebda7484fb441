// Package kconfig is the kernel's boot-parameter surface: a plain struct
// of simulator parameters, registered field-by-field onto either a
// pflag.FlagSet or a stdlib flag.FlagSet, plus the small amount of
// host-environment lookup (executable search path, architecture check)
// a boot sequence needs before it can trust its own configuration.
package kconfig

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
)

// Params are the simulator's boot parameters — the in-process analogue of
// a kernel command line.
type Params struct {
	// NumCPUs is the number of simulated CPUs the scheduler runs across.
	NumCPUs int

	// BalanceIntervalMS is the minimum interval, in milliseconds, between
	// load-balancing attempts.
	BalanceIntervalMS int

	// TickHz is the simulated timer-interrupt frequency. cmd/ksim's
	// per-CPU loops tick once per millisecond whatever its value.
	TickHz int

	// DefaultRRSliceTicks is the RR time slice, in ticks. It is not passed
	// to ksched, which gives RR tasks a fixed slice of 4 ticks.
	DefaultRRSliceTicks int

	// LogDir is where klog writes its log files; empty means the default
	// temp directory.
	LogDir string

	// LogToStderr mirrors log output to stderr in addition to any log file.
	LogToStderr bool

	// Verbosity is the klog.V() threshold.
	Verbosity int

	// TraceSink, if non-empty, names an external helper program, resolved
	// to an absolute path with lookExecutable. cmd/ksim's `trace`
	// subcommand prints the resolved path; it sends no trace output to it.
	TraceSink string

	// RequireArch, if non-empty, aborts configuration unless the host
	// architecture (as reported by HostArch) matches.
	RequireArch string
}

// Default returns Params populated with every flag's default value,
// without touching any FlagSet — useful for tests and for embedding as a
// zero-configuration starting point.
func Default() *Params {
	p := &Params{}
	fs := pflag.NewFlagSet("kconfig-defaults", pflag.ContinueOnError)
	Register(fs, p)
	if err := fs.Parse(nil); err != nil {
		panic(fmt.Sprintf("kconfig: default flag registration failed: %v", err))
	}
	return p
}

// Register binds every Params field onto fs. Params has a small, fixed
// set of fields, so each is bound explicitly rather than through a
// reflection-driven struct-tag walker.
func Register(fs *pflag.FlagSet, p *Params) {
	fs.IntVar(&p.NumCPUs, "cpus", 4, "number of simulated CPUs")
	fs.IntVar(&p.BalanceIntervalMS, "balance-interval-ms", 50, "minimum milliseconds between load-balancing attempts")
	fs.IntVar(&p.TickHz, "tick-hz", 1000, "simulated timer interrupt frequency in Hz")
	fs.IntVar(&p.DefaultRRSliceTicks, "rr-slice-ticks", 4, "round-robin time slice in ticks")
	fs.StringVar(&p.LogDir, "log-dir", "", "directory for log output; empty uses the OS default")
	fs.BoolVar(&p.LogToStderr, "log-to-stderr", true, "also write log output to stderr")
	fs.IntVar(&p.Verbosity, "v", 0, "log verbosity threshold")
	fs.StringVar(&p.TraceSink, "trace-sink", "", "optional external trace-sink program, resolved against $PATH")
	fs.StringVar(&p.RequireArch, "require-arch", "", "abort unless the host architecture matches (amd64, 386, arm)")
}

// RegisterStd binds every Params field onto a stdlib flag.FlagSet
// directly, for callers (such as cmdline2.Command, whose Flags field is a
// plain flag.FlagSet) that never touch pflag.
func RegisterStd(fs *flag.FlagSet, p *Params) {
	fs.IntVar(&p.NumCPUs, "cpus", 4, "number of simulated CPUs")
	fs.IntVar(&p.BalanceIntervalMS, "balance-interval-ms", 50, "minimum milliseconds between load-balancing attempts")
	fs.IntVar(&p.TickHz, "tick-hz", 1000, "simulated timer interrupt frequency in Hz")
	fs.IntVar(&p.DefaultRRSliceTicks, "rr-slice-ticks", 4, "round-robin time slice in ticks")
	fs.StringVar(&p.LogDir, "log-dir", "", "directory for log output; empty uses the OS default")
	fs.BoolVar(&p.LogToStderr, "log-to-stderr", true, "also write log output to stderr")
	fs.IntVar(&p.Verbosity, "v", 0, "log verbosity threshold")
	fs.StringVar(&p.TraceSink, "trace-sink", "", "optional external trace-sink program, resolved against $PATH")
	fs.StringVar(&p.RequireArch, "require-arch", "", "abort unless the host architecture matches (amd64, 386, arm)")
}

// lookExecutable returns the absolute path of the executable named name,
// searching dirs in order and returning the first match. Invalid dirs are
// silently ignored.
func lookExecutable(dirs []string, name string) string {
	if strings.Contains(name, string(filepath.Separator)) {
		return ""
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if m := info.Mode(); !m.IsRegular() || m&0111 == 0 {
				continue
			}
			if entry.Name() == name {
				return filepath.Join(dir, name)
			}
		}
	}
	return ""
}

// TraceSinkPath resolves TraceSink to an absolute executable path by
// searching dirs (typically strings.Split(os.Getenv("PATH"), string(os.PathListSeparator))).
// It returns "" if TraceSink is unset or not found.
func (p *Params) TraceSinkPath(dirs []string) string {
	if p.TraceSink == "" {
		return ""
	}
	return lookExecutable(dirs, p.TraceSink)
}

// HostArch reports the host's processor architecture by shelling out to
// uname -m and normalizing the result to a Go GOARCH-style name, for
// callers that want the actual host architecture rather than the
// architecture this binary was built for.
func HostArch() (string, error) {
	out, err := exec.Command("uname", "-m").Output()
	if err != nil {
		return "", fmt.Errorf("kconfig: uname -m: %w", err)
	}
	switch m := strings.TrimSpace(string(out)); {
	case m == "x86_64":
		return "amd64", nil
	case m == "i386" || m == "i686":
		return "386", nil
	case strings.HasPrefix(m, "arm"):
		return "arm", nil
	default:
		return strings.TrimSpace(string(out)), nil
	}
}

// CheckArch validates RequireArch (if set) against the host's actual
// architecture.
func (p *Params) CheckArch() error {
	if p.RequireArch == "" {
		return nil
	}
	arch, err := HostArch()
	if err != nil {
		// uname(1) may be unavailable (e.g. a non-Unix CI runner); fall back
		// to the Go runtime's own notion of architecture rather than failing
		// configuration outright.
		arch = runtime.GOARCH
	}
	if arch != p.RequireArch {
		return fmt.Errorf("kconfig: host architecture %q does not match required %q", arch, p.RequireArch)
	}
	return nil
}

// Validate checks the numeric parameters for the obviously-invalid ranges
// a malformed command line could produce.
func (p *Params) Validate() error {
	if p.NumCPUs < 1 {
		return fmt.Errorf("kconfig: cpus must be >= 1, got %d", p.NumCPUs)
	}
	if p.TickHz < 1 {
		return fmt.Errorf("kconfig: tick-hz must be >= 1, got %d", p.TickHz)
	}
	if p.BalanceIntervalMS < 1 {
		return fmt.Errorf("kconfig: balance-interval-ms must be >= 1, got %d", p.BalanceIntervalMS)
	}
	if p.DefaultRRSliceTicks < 1 {
		return fmt.Errorf("kconfig: rr-slice-ticks must be >= 1, got %d", p.DefaultRRSliceTicks)
	}
	return p.CheckArch()
}
