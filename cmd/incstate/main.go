// Command incstate inspects and manages the on-disk state files buildavoid
// uses to skip unchanged work between builds.
//
// It never drives a build itself (spec.md's Non-goals explicitly exclude a
// CLI/plugin host that does that) — it only reads, prunes (gc) or deletes
// already persisted buildstate.State files, the way a developer debugging a
// stale incremental build would.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging/gologger"
)

var application = &cli.Application{
	Name:  "incstate",
	Title: "Inspect and manage buildavoid incremental build state files.",

	Context: func(ctx context.Context) context.Context {
		return gologger.StdConfig.Use(ctx)
	},

	Commands: []*subcommands.Command{
		cmdInspect(),
		cmdGC(),
		cmdClear(),
		subcommands.CmdHelp,
	},
}

func main() {
	os.Exit(subcommands.Run(application, nil))
}
