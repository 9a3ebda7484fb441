// Binary ksim is a user-space harness for the kernel concurrency core: it
// drives a real ksched.Scheduler and waitq/ksync primitives from ordinary
// goroutines standing in for CPUs, arranged as a tree of cmdline2.Command
// values run through cmdline2.Main.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/opkern/kconc/cmdline2"
	"github.com/opkern/kconc/kconfig"
	"github.com/opkern/kconc/klog"
	"github.com/opkern/kconc/ksched"
	"github.com/opkern/kconc/ksync"
	"github.com/opkern/kconc/ktask"
	"github.com/opkern/kconc/ktrace"
)

func main() {
	cmdline2.Main(root)
}

var root = &cmdline2.Command{
	Name:  "ksim",
	Short: "Simulate the kernel concurrency core",
	Long: `
Command ksim drives a real scheduler, wait queues and synchronization
primitives from goroutines standing in for CPUs, for manual exploration and
for exercising load-balancing and preemption under a controllable workload.
`,
	Children: []*cmdline2.Command{cmdRun, cmdTrace, cmdBench, cmdVersion},
}

// newParamsCommand returns a Command whose Flags are pre-populated from a
// fresh kconfig.Params, and returns the bound Params via the closure so the
// Runner can read the parsed values back.
func newParamsCommand(name, short, long string, run func(env *cmdline2.Env, p *kconfig.Params, args []string) error) *cmdline2.Command {
	p := &kconfig.Params{}
	cmd := &cmdline2.Command{
		Name:  name,
		Short: short,
		Long:  long,
	}
	kconfig.RegisterStd(&cmd.Flags, p)
	cmd.Runner = cmdline2.RunnerFunc(func(env *cmdline2.Env, args []string) error {
		if err := p.Validate(); err != nil {
			return env.UsageErrorf("%v", err)
		}
		return run(env, p, args)
	})
	return cmd
}

var cmdRun = newParamsCommand("run", "Run a fixed demo workload to completion",
	`
Spawns a handful of RT and CFS kernel threads contending over a ksync.Mutex,
lets the scheduler run them to completion, and reports how each one
finished.
`, runRun)

var traceCompact bool

var cmdTrace = func() *cmdline2.Command {
	cmd := newParamsCommand("trace", "Run the demo workload and print a scheduling trace",
		`
Like "run", but records the workload as a ktrace span tree and prints the
tree after the results; individual Schedule/Wakeup/Tick decisions are not
logged. If --trace-sink names a program, its path as resolved against $PATH
is printed; no trace output is sent to it. --compact-trace switches the
span recorder from ktrace.FullTrace, which timestamps every span directly,
to ktrace.CompactTrace, which reconstructs end times from deltas and
allocates less per span.
`, runTrace)
	cmd.Flags.BoolVar(&traceCompact, "compact-trace", false, "record the trace with ktrace.CompactTrace instead of ktrace.FullTrace")
	return cmd
}()

var cmdBench = newParamsCommand("bench", "Time spawning and draining a batch of CFS kernel threads",
	`
Spawns a batch of 64 CFS kernel threads, each placed on the least-loaded CPU
as it is spawned, and reports how long it took until all of them had
finished. No CPU is loaded up first, so the time does not measure how the
periodic load balancer spreads an unbalanced queue.
`, runBench)

var cmdVersion = &cmdline2.Command{
	Name:  "version",
	Short: "Print build and host information",
	Long:  "Print the Go toolchain ksim was built with and the host's processor architecture.",
	Runner: cmdline2.RunnerFunc(func(env *cmdline2.Env, args []string) error {
		arch, err := kconfig.HostArch()
		if err != nil {
			arch = runtime.GOARCH
		}
		fmt.Fprintf(env.Stdout, "ksim build: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(env.Stdout, "host arch: %s\n", arch)
		return nil
	}),
}

func runRun(env *cmdline2.Env, p *kconfig.Params, args []string) error {
	klog.Configure(klog.ToStderr(p.LogToStderr), klog.Verbosity(klog.Level(p.Verbosity)))
	if p.LogDir != "" {
		klog.Configure(klog.LogDir(p.LogDir))
	}
	sched := ksched.NewScheduler(p.NumCPUs, time.Duration(p.BalanceIntervalMS)*time.Millisecond)
	stop := driveCPUs(sched, p.NumCPUs)
	defer close(stop)
	results := runWorkload(sched, p)
	for _, r := range results {
		fmt.Fprintf(env.Stdout, "%s: %v\n", r.name, r.err)
	}
	return nil
}

func runTrace(env *cmdline2.Env, p *kconfig.Params, args []string) error {
	klog.Configure(klog.ToStderr(true), klog.Verbosity(klog.Level(1)))
	pathDirs := strings.Split(os.Getenv("PATH"), string(os.PathListSeparator))
	if sink := p.TraceSinkPath(pathDirs); sink != "" {
		fmt.Fprintf(env.Stdout, "tracing to external sink: %s\n", sink)
	}
	sched := ksched.NewScheduler(p.NumCPUs, time.Duration(p.BalanceIntervalMS)*time.Millisecond)
	stop := driveCPUs(sched, p.NumCPUs)
	defer close(stop)

	var trace ktrace.Trace
	if traceCompact {
		trace = ktrace.NewCompactTrace("ksim-trace")
	} else {
		trace = ktrace.NewFullTrace("ksim-trace")
	}
	trace.Enter("workload")
	results := runWorkload(sched, p)
	trace.Leave()
	trace.Finish()

	for _, r := range results {
		fmt.Fprintf(env.Stdout, "%s: %v\n", r.name, r.err)
	}
	fmt.Fprintln(env.Stdout, trace.String())
	return nil
}

func runBench(env *cmdline2.Env, p *kconfig.Params, args []string) error {
	klog.Configure(klog.ToStderr(p.LogToStderr))
	sched := ksched.NewScheduler(p.NumCPUs, time.Duration(p.BalanceIntervalMS)*time.Millisecond)
	stop := driveCPUs(sched, p.NumCPUs)
	defer close(stop)

	const numTasks = 64
	start := time.Now()
	done := make(chan struct{}, numTasks)
	for i := 0; i < numTasks; i++ {
		name := fmt.Sprintf("bench-%d", i)
		_, err := sched.SpawnKernelThread(name, ktask.CFS, 0, func(ctx context.Context, self *ksched.Task) error {
			done <- struct{}{}
			return nil
		})
		if err != nil {
			return fmt.Errorf("spawning %s: %w", name, err)
		}
	}
	for i := 0; i < numTasks; i++ {
		<-done
	}
	elapsed := time.Since(start)
	fmt.Fprintf(env.Stdout, "spawned and drained %d CFS tasks across %d CPUs in %s\n", numTasks, p.NumCPUs, elapsed)
	return nil
}

// driveCPUs starts one goroutine per simulated CPU that repeatedly calls
// Schedule and Tick, standing in for the timer-interrupt-driven scheduling
// loop a real CPU runs; closing the returned channel stops them all.
func driveCPUs(sched *ksched.Scheduler, numCPUs int) chan struct{} {
	stop := make(chan struct{})
	for cpu := 0; cpu < numCPUs; cpu++ {
		cpu := cpu
		go func() {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					sched.Schedule(cpu)
					sched.Tick(cpu, uint64(time.Millisecond))
				}
			}
		}()
	}
	return stop
}

type workloadResult struct {
	name string
	err  error
}

// runWorkload spawns a small mix of RT and CFS kernel threads contending
// over a single ksync.Mutex and returns each task's exit value once all
// three have run the critical section and exited.
func runWorkload(sched *ksched.Scheduler, p *kconfig.Params) []workloadResult {
	mu := ksync.NewMutex()
	results := make(chan workloadResult, 3)

	spawn := func(name string, policy ktask.Policy, priority int) {
		_, err := sched.SpawnKernelThread(name, policy, priority, func(ctx context.Context, self *ksched.Task) error {
			cpu := sched.CPU(0)
			guard := mu.Lock(sched, cpu, self.Task)
			time.Sleep(time.Millisecond)
			guard.Unlock(sched, cpu)
			results <- workloadResult{name, nil}
			return nil
		})
		if err != nil {
			results <- workloadResult{name, err}
		}
	}

	spawn("rt-critical", ktask.FIFO, 10)
	spawn("cfs-worker-a", ktask.CFS, 0)
	spawn("cfs-worker-b", ktask.CFS, 0)

	var out []workloadResult
	for i := 0; i < 3; i++ {
		out = append(out, <-results)
	}
	return out
}
