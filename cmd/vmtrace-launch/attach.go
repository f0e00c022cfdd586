package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	"github.com/google/subcommands"

	"github.com/vmtrace/vmtrace/pkg/startup"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// attachCmd implements the "attach" verb of spec §4.9: suspend every
// thread of an already-running process, capture and relocate each one
// through the dispatcher, and resume — then stay attached, servicing
// the dispatcher loop until the target exits or this process is
// signalled.
type attachCmd struct {
	configFlags
}

func (*attachCmd) Name() string     { return "attach" }
func (*attachCmd) Synopsis() string { return "attach to a running process and instrument it" }
func (*attachCmd) Usage() string    { return "attach [-config path] <pid>\n" }
func (c *attachCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *attachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	pid, ok := parsePID(f)
	if !ok {
		return exitConfigError
	}
	cfg, err := c.load()
	if err != nil {
		vtlog.Errorf("%v", err)
		return exitConfigError
	}
	rt, err := startup.Attach(pid, cfg)
	if err != nil {
		vtlog.Errorf("vmtrace-launch attach: %v", err)
		return exitAttachFailure
	}
	if err := startup.Run(rt); err != nil {
		vtlog.Errorf("vmtrace-launch attach: %v", err)
		return exitAttachFailure
	}
	return exitSuccess
}

// detachCmd implements the "detach" verb of spec §4.9: the reverse of
// attach within a single invocation — attach long enough to observe
// the target's current control flow, translate every thread back to an
// application PC, tear down the cache, and resume the target running
// natively with no runtime state left behind.
type detachCmd struct {
	configFlags
}

func (*detachCmd) Name() string     { return "detach" }
func (*detachCmd) Synopsis() string { return "detach from a process, returning it to native execution" }
func (*detachCmd) Usage() string    { return "detach [-config path] <pid>\n" }
func (c *detachCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *detachCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	pid, ok := parsePID(f)
	if !ok {
		return exitConfigError
	}
	cfg, err := c.load()
	if err != nil {
		vtlog.Errorf("%v", err)
		return exitConfigError
	}
	rt, err := startup.Attach(pid, cfg)
	if err != nil {
		vtlog.Errorf("vmtrace-launch detach: attach: %v", err)
		return exitAttachFailure
	}
	if err := startup.Detach(rt); err != nil {
		vtlog.Errorf("vmtrace-launch detach: %v", err)
		return exitAttachFailure
	}
	return exitSuccess
}

func parsePID(f *flag.FlagSet) (int, bool) {
	if f.NArg() != 1 {
		fmt.Println("expected exactly one <pid> argument")
		return 0, false
	}
	pid, err := strconv.Atoi(f.Arg(0))
	if err != nil {
		fmt.Printf("invalid pid %q: %v\n", f.Arg(0), err)
		return 0, false
	}
	return pid, true
}
