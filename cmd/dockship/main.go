package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	dockcli "tangled.sh/tangled.sh/dockship/cli"
	"tangled.sh/tangled.sh/dockship/log"
)

func main() {
	cmd := &cli.Command{
		Name:    "dockship",
		Usage:   "build, test and push a docker image, then deploy it over ssh",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			dockcli.Command(),
			dockcli.CICommand(),
			dockcli.CDCommand(),
			dockcli.LogsCommand(),
			dockcli.PullCommand(),
			dockcli.HistoryCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("dockship")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		stop()
		os.Exit(1)
	}
}
