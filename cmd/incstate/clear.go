package main

import (
	"context"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"buildavoid/buildstate"
)

func cmdClear() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "clear -output-dir <dir> -state-dir <dir> [-builder-id <id>]",
		ShortDesc: "delete a state file, forcing the next build to be full",
		LongDesc:  "Equivalent to what Manager.Destroy does for a discarded build context, callable directly for a stuck or corrupt state file.",
		CommandRun: func() subcommands.CommandRun {
			c := &clearRun{}
			c.init(c.run)
			return c
		},
	}
}

type clearRun struct {
	commandBase
}

func (r *clearRun) run(ctx context.Context, path string) error {
	if err := buildstate.New(path).Destroy(); err != nil {
		return errors.Annotate(err, "clearing %q", path).Err()
	}
	logging.Infof(ctx, "cleared %s", path)
	return nil
}
