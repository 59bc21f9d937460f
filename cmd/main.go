package main

import (
	"github.com/alecthomas/kong"
)

// CLI is the command line of the build farm
type CLI struct {
	Config string `short:"c" help:"Configuration file path (defaults to the search path)" type:"path"`

	Build BuildCmd `cmd:"" help:"Build every matching target for one channel snapshot"`
	Serve ServeCmd `cmd:"" help:"Run the API server, the run queue worker and the scheduler"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("marlinbuild"),
		kong.Description("Marlin firmware build farm"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
