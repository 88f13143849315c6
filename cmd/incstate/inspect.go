package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"

	"buildavoid/buildstate"
)

func cmdInspect() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "inspect -output-dir <dir> -state-dir <dir> [-builder-id <id>]",
		ShortDesc: "dump a state file's tracked inputs as JSON",
		LongDesc:  "Loads the state file the given (output directory, state directory, builder identity) triple resolves to and prints every tracked input's record as JSON.",
		CommandRun: func() subcommands.CommandRun {
			c := &inspectRun{}
			c.init(c.run)
			return c
		},
	}
}

type inspectRun struct {
	commandBase
}

func (r *inspectRun) run(ctx context.Context, path string) error {
	state, err := buildstate.Load(path)
	if err != nil {
		return errors.Annotate(err, "loading %q", path).Err()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state.AllInputRecords())
}
