package main

import (
	"context"
	"fmt"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"buildavoid/manager"
)

// execCb actually executes a subcommand against an already-resolved state
// file path.
type execCb func(ctx context.Context, statePath string) error

// commandBase defines the flags common to every incstate subcommand: the
// same (output directory, state directory, builder identity) triple
// manager.Manager.NewContext hashes into a state file path.
type commandBase struct {
	subcommands.CommandRunBase

	exec execCb

	logConfig logging.Config
	outputDir string
	stateDir  string
	builderID string
}

func (c *commandBase) init(exec execCb) {
	c.exec = exec

	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)

	c.Flags.StringVar(&c.outputDir, "output-dir", "", "Output directory the state file is keyed on.")
	c.Flags.StringVar(&c.stateDir, "state-dir", "", "Directory containing the state file.")
	c.Flags.StringVar(&c.builderID, "builder-id", "", "Identity of the builder the state file is keyed on.")
}

// ModifyContext implements cli.ContextModificator.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	return c.logConfig.Set(ctx)
}

// Run implements subcommands.CommandRun.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)

	if len(args) != 0 {
		return handleErr(ctx, errBadFlag("args", fmt.Sprintf("unexpected positional arguments %q", args)))
	}
	if c.outputDir == "" {
		return handleErr(ctx, errBadFlag("-output-dir", "a value is required"))
	}
	if c.stateDir == "" {
		return handleErr(ctx, errBadFlag("-state-dir", "a value is required"))
	}

	path, err := manager.StateFilePath(c.outputDir, c.stateDir, c.builderID)
	if err != nil {
		return handleErr(ctx, errors.Annotate(err, "resolving state file path").Err())
	}

	if err := c.exec(ctx, path); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

// isCLIError is tagged into errors caused by bad CLI flags.
var isCLIError = errors.BoolTag{Key: errors.NewTagKey("bad CLI invocation")}

func errBadFlag(flag, msg string) error {
	return errors.Reason("bad %q: %s", flag, msg).Tag(isCLIError).Err()
}

func handleErr(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return 0
	case isCLIError.In(err):
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		return 2
	default:
		logging.Errorf(ctx, "%s", err)
		return 1
	}
}
