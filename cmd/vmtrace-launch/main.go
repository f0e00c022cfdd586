// Command vmtrace-launch is the launcher tool (spec §6, the CLI
// collaborator, not core): it selects one of five modes against a
// target, wires pkg/config and pkg/vtlog, and drives pkg/startup. It
// follows the teacher's own CLI convention for its sentry's control
// tool: a subcommands.Command per verb registered against the stock
// help/flags/commands commands, the same google/subcommands shape the
// teacher's runsc control binary uses for run/checkpoint/restore/kill.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/vmtrace/vmtrace/pkg/vtlog"
)

// Exit codes, per spec §6's CLI surface.
const (
	exitSuccess       subcommands.ExitStatus = 0
	exitConfigError   subcommands.ExitStatus = 1
	exitAttachFailure subcommands.ExitStatus = 2
)

var logLevel = flag.String("log_level", "info", "debug, info, warning, or error")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&attachCmd{}, "")
	subcommands.Register(&detachCmd{}, "")
	subcommands.Register(&injectAllCmd{}, "")
	subcommands.Register(&uninjectAllCmd{}, "")

	flag.Parse()
	if err := vtlog.SetLevel(*logLevel); err != nil {
		vtlog.Warningf("vmtrace-launch: %v, keeping default log level", err)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
