package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockship/remote"
)

func LogsCommand() *cli.Command {
	return &cli.Command{
		Name:   "logs",
		Usage:  "print the logs of the deployed container on the remote host",
		Action: Logs,
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  "container",
				Usage: "container name (default: REMOTE_CONTAINER_NAME)",
			},
		),
		Description: envHelp,
	}
}

func Logs(ctx context.Context, cmd *cli.Command) error {
	e, err := load(ctx, cmd)
	if err != nil {
		return err
	}

	if name := cmd.String("container"); name != "" {
		e.cfg.Remote.ContainerName = name
	}

	// registry credentials are not needed to read logs
	if err := e.cfg.ValidateRemote(); err != nil {
		return err
	}

	sess, err := e.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	d := remote.Attach(sess, remote.DeployOptions{
		ContainerName: e.cfg.Remote.ContainerName,
		Registry:      e.cfg.Registry,
	}, e.l)

	logs, err := d.FetchLogs(ctx, e.cfg.Pipeline.LogRetries, e.cfg.Pipeline.LogRetryDelay)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.Root().Writer, logs)
	return nil
}
