package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/vmtrace/vmtrace/pkg/ctxswitch"
	"github.com/vmtrace/vmtrace/pkg/startup"
	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// runCmd implements the "run" verb: launch a fresh target process
// traced from birth (spec §4.9's preload entry), redirecting its
// recorded entry point into the managed cache before it executes a
// single application instruction.
type runCmd struct {
	configFlags
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "launch and instrument a new process from its entry point" }
func (*runCmd) Usage() string {
	return "run [-config path] <binary> [args...]\n"
}
func (c *runCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		fmt.Println(c.Usage())
		return exitConfigError
	}
	cfg, err := c.load()
	if err != nil {
		vtlog.Errorf("%v", err)
		return exitConfigError
	}

	target := exec.Command(f.Arg(0), f.Args()[1:]...)
	target.Stdin, target.Stdout, target.Stderr = os.Stdin, os.Stdout, os.Stderr
	target.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := target.Start(); err != nil {
		vtlog.Errorf("vmtrace-launch run: start %s: %v", f.Arg(0), err)
		return exitAttachFailure
	}
	pid := target.Process.Pid

	// PTRACE_TRACEME plus the Go runtime's own SIGCHLD/exec handling
	// means the child is already stopped with SIGTRAP at its recorded
	// entry point by the time Wait4 returns the first time.
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		vtlog.Errorf("vmtrace-launch run: wait for initial exec stop: %v", err)
		return exitAttachFailure
	}
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_TRACEEXIT|unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_EXITKILL); err != nil {
		vtlog.Errorf("vmtrace-launch run: PTRACE_SETOPTIONS: %v", err)
		return exitAttachFailure
	}

	regs, err := ctxswitch.Save(pid)
	if err != nil {
		vtlog.Errorf("vmtrace-launch run: read entry registers: %v", err)
		return exitAttachFailure
	}

	rt, err := startup.Preload(pid, regs.PC(), cfg)
	if err != nil {
		vtlog.Errorf("vmtrace-launch run: preload: %v", err)
		return exitAttachFailure
	}

	if err := startup.Run(rt); err != nil {
		vtlog.Errorf("vmtrace-launch run: %v", err)
		return exitAttachFailure
	}
	return exitSuccess
}
