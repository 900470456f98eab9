package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockship/docker"
)

func PullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "pull an image from the registry into the local engine",
		ArgsUsage: "[reference]",
		Action:    Pull,
		Flags:     commonFlags(),
		Description: `
Without a reference, pulls {registry}/{namespace}/IMAGE_NAME:IMAGE_TAG,
or :latest when IMAGE_TAG is unset.
` + envHelp,
	}
}

func Pull(ctx context.Context, cmd *cli.Command) error {
	e, err := load(ctx, cmd)
	if err != nil {
		return err
	}

	dcli, err := e.engine(ctx)
	if err != nil {
		return err
	}
	defer dcli.Close()

	registry := e.registry(dcli)

	ref := cmd.Args().First()
	if ref != "" {
		ref, err = normalizeRef(ref)
		if err != nil {
			return err
		}
	} else {
		if e.cfg.Build.ImageName == "" {
			return fmt.Errorf("no reference given and IMAGE_NAME is not set")
		}
		tag := e.cfg.Build.ImageTag
		if tag == "" {
			tag = "latest"
		}
		ref, err = registry.Reference(e.cfg.Build.ImageName, tag)
		if err != nil {
			return err
		}
	}

	pulled, err := registry.Pull(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.Root().Writer, pulled)
	return nil
}

// normalizeRef gives ref an explicit tag, so "nginx" pulls "nginx:latest"
// rather than every tag.
func normalizeRef(ref string) (string, error) {
	name, tag, err := docker.ParseRef(ref)
	if err != nil {
		return "", err
	}
	return name + ":" + tag, nil
}
