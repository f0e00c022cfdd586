package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/subcommands"

	"github.com/vmtrace/vmtrace/pkg/startup"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// injectAllCmd implements "inject-all": attach to every currently
// running process whose comm name matches the target specifier,
// instrumenting each independently. Each attached target keeps running
// under its own Runtime and its own Run loop goroutine; the command
// returns once every matched target has exited or been interrupted.
type injectAllCmd struct {
	configFlags
}

func (*injectAllCmd) Name() string { return "inject-all" }
func (*injectAllCmd) Synopsis() string {
	return "attach to every running process matching a name"
}
func (*injectAllCmd) Usage() string { return "inject-all [-config path] <name-substring>\n" }
func (c *injectAllCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *injectAllCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Println(c.Usage())
		return exitConfigError
	}
	cfg, err := c.load()
	if err != nil {
		vtlog.Errorf("%v", err)
		return exitConfigError
	}

	pids, err := matchingProcesses(f.Arg(0))
	if err != nil {
		vtlog.Errorf("vmtrace-launch inject-all: scan /proc: %v", err)
		return exitAttachFailure
	}
	if len(pids) == 0 {
		vtlog.Warningf("vmtrace-launch inject-all: no process matched %q", f.Arg(0))
		return exitAttachFailure
	}

	done := make(chan error, len(pids))
	attached := 0
	for _, pid := range pids {
		rt, err := startup.Attach(pid, cfg)
		if err != nil {
			vtlog.Warningf("vmtrace-launch inject-all: pid %d: %v", pid, err)
			continue
		}
		attached++
		go func(rt *startup.Runtime) { done <- startup.Run(rt) }(rt)
	}
	if attached == 0 {
		return exitAttachFailure
	}
	for i := 0; i < attached; i++ {
		if err := <-done; err != nil {
			vtlog.Warningf("vmtrace-launch inject-all: %v", err)
		}
	}
	return exitSuccess
}

// uninjectAllCmd implements "uninject-all": the reverse, detaching
// every process matching the target specifier back to native
// execution.
type uninjectAllCmd struct {
	configFlags
}

func (*uninjectAllCmd) Name() string { return "uninject-all" }
func (*uninjectAllCmd) Synopsis() string {
	return "detach from every running process matching a name"
}
func (*uninjectAllCmd) Usage() string { return "uninject-all [-config path] <name-substring>\n" }
func (c *uninjectAllCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *uninjectAllCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Println(c.Usage())
		return exitConfigError
	}
	cfg, err := c.load()
	if err != nil {
		vtlog.Errorf("%v", err)
		return exitConfigError
	}

	pids, err := matchingProcesses(f.Arg(0))
	if err != nil {
		vtlog.Errorf("vmtrace-launch uninject-all: scan /proc: %v", err)
		return exitAttachFailure
	}
	if len(pids) == 0 {
		vtlog.Warningf("vmtrace-launch uninject-all: no process matched %q", f.Arg(0))
		return exitAttachFailure
	}

	failures := 0
	for _, pid := range pids {
		rt, err := startup.Attach(pid, cfg)
		if err != nil {
			vtlog.Warningf("vmtrace-launch uninject-all: pid %d: %v", pid, err)
			failures++
			continue
		}
		if err := startup.Detach(rt); err != nil {
			vtlog.Warningf("vmtrace-launch uninject-all: pid %d: %v", pid, err)
			failures++
		}
	}
	if failures == len(pids) {
		return exitAttachFailure
	}
	return exitSuccess
}

// matchingProcesses scans /proc for processes whose comm contains
// substr, the way a coarse process-name target specifier resolves to
// a concrete pid set.
func matchingProcesses(substr string) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var pids []int
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if strings.Contains(strings.TrimSpace(string(comm)), substr) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
