package main

import (
	"context"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"buildavoid/buildstate"
	"buildavoid/fingerprint"
)

func cmdGC() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "gc -output-dir <dir> -state-dir <dir> [-builder-id <id>]",
		ShortDesc: "drop tracked inputs that no longer exist on disk",
		LongDesc:  "Removes every input record whose source file is gone, the way a stale BuildContext would on its next commit, without requiring a full build to do it.",
		CommandRun: func() subcommands.CommandRun {
			c := &gcRun{}
			c.init(c.run)
			return c
		},
	}
}

type gcRun struct {
	commandBase
}

func (r *gcRun) run(ctx context.Context, path string) error {
	state, err := buildstate.Load(path)
	if err != nil {
		return errors.Annotate(err, "loading %q", path).Err()
	}

	var removed, orphaned int
	for in := range state.AllInputRecords() {
		_, exists, err := fingerprint.Probe(in)
		if err != nil {
			return errors.Annotate(err, "probing %q", in).Err()
		}
		if exists {
			continue
		}
		for _, o := range state.RemoveInput(in) {
			orphaned++
			logging.Infof(ctx, "orphaned output left on disk: %s", o)
		}
		removed++
	}

	if removed == 0 {
		logging.Infof(ctx, "nothing to collect")
		return nil
	}
	if err := state.Save(); err != nil {
		return errors.Annotate(err, "saving %q", path).Err()
	}
	logging.Infof(ctx, "removed %d input(s), %d output(s) now orphaned", removed, orphaned)
	return nil
}
