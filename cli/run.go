package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockship/config"
	"tangled.sh/tangled.sh/dockship/docker"
	"tangled.sh/tangled.sh/dockship/pipeline"
	"tangled.sh/tangled.sh/dockship/plan"
	"tangled.sh/tangled.sh/dockship/remote"
)

var ErrPipelineFailed = errors.New("pipeline failed")

func pipelineFlags() []cli.Flag {
	return append(commonFlags(),
		&cli.BoolFlag{
			Name:  "skip-tests",
			Usage: "do not run the test hook",
		},
		&cli.StringFlag{
			Name:  "test-cmd",
			Usage: "command run inside the container with sh -c; exit 0 passes",
		},
		&cli.BoolFlag{
			Name:  "no-push",
			Usage: "build and test without pushing to the registry",
		},
		&cli.BoolFlag{
			Name:  "push-latest",
			Usage: "also push the image as :latest",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "reference to deploy instead of the one just pushed",
		},
	)
}

// Command is the full run: CI, then CD when CI succeeds.
func Command() *cli.Command {
	return &cli.Command{
		Name:        "run",
		Usage:       "build, test and push an image, then deploy it to the remote host",
		Action:      runAction(true, true),
		Flags:       pipelineFlags(),
		Description: envHelp,
	}
}

func CICommand() *cli.Command {
	return &cli.Command{
		Name:        "ci",
		Usage:       "build, test and push an image",
		Action:      runAction(true, false),
		Flags:       pipelineFlags(),
		Description: envHelp,
	}
}

func CDCommand() *cli.Command {
	return &cli.Command{
		Name:        "cd",
		Usage:       "deploy an already pushed image to the remote host",
		Action:      runAction(false, true),
		Flags:       pipelineFlags(),
		Description: envHelp,
	}
}

func runAction(ci, cd bool) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		e, err := load(ctx, cmd)
		if err != nil {
			return err
		}

		opts := pipeline.Options{
			RunCI:      ci && e.plan.Runs(plan.PhaseCI),
			RunCD:      cd && e.plan.Runs(plan.PhaseCD),
			SkipTests:  cmd.Bool("skip-tests") || e.plan.Test.Skip,
			Push:       !cmd.Bool("no-push") && e.plan.PushEnabled(),
			PushLatest: cmd.Bool("push-latest") || e.plan.Push.Latest,
		}
		if !opts.RunCI && !opts.RunCD {
			return fmt.Errorf("nothing to do: the plan disables every requested phase")
		}
		if opts.RunCI && opts.RunCD && !opts.Push && cmd.String("image") == "" {
			return fmt.Errorf("deploying needs a pushed image: drop --no-push or pass --image")
		}

		if err := e.cfg.Validate(config.Phases{CI: opts.RunCI, CD: opts.RunCD}); err != nil {
			return err
		}

		return e.execute(ctx, cmd, opts)
	}
}

// execute builds every component before running anything, so a missing
// Dockerfile, unreachable engine or failed remote login aborts the run with
// no stage executed.
func (e *env) execute(ctx context.Context, cmd *cli.Command, opts pipeline.Options) error {
	var api docker.API
	dcli, err := e.engine(ctx)
	switch {
	case err == nil:
		defer dcli.Close()
		api = dcli
	case opts.RunCI:
		return err
	default:
		// CD alone only uses the engine to drop local copies afterwards
		e.l.Warn("docker engine unavailable, local images will not be cleaned up", "error", err)
	}

	var (
		ci       pipeline.Executor
		cd       pipeline.Executor
		registry *docker.Registry
	)
	if api != nil {
		registry = e.registry(api)
	}

	if opts.RunCI {
		ci, err = e.ci(cmd, api, registry)
		if err != nil {
			return err
		}
	}

	if opts.RunCD {
		sess, err := e.session(ctx)
		if err != nil {
			return err
		}
		defer sess.Disconnect()

		var source *docker.Registry
		if opts.RunCI {
			source = registry
		}
		cd, err = e.cd(ctx, cmd, sess, source, registry)
		if err != nil {
			return err
		}
	}

	var rec pipeline.Recorder
	if d := e.recorder(); d != nil {
		defer d.Close()
		rec = d
	}

	report := pipeline.NewOrchestrator(ci, cd, rec, e.l).Execute(ctx, opts)
	if report.CIRun != nil {
		fmt.Fprintln(cmd.Root().Writer, report.CIRun)
	}
	if report.CDRun != nil {
		fmt.Fprintln(cmd.Root().Writer, report.CDRun)
	}
	if registry != nil {
		for _, ref := range registry.Pushed() {
			fmt.Fprintln(cmd.Root().Writer, "pushed", ref)
		}
	}
	fmt.Fprintln(cmd.Root().Writer, report)

	if !report.Succeeded() {
		return fmt.Errorf("%w: %s", ErrPipelineFailed, report)
	}
	return nil
}

func (e *env) ci(cmd *cli.Command, api docker.API, registry *docker.Registry) (*pipeline.CI, error) {
	builder, err := docker.NewBuilder(api, e.l, e.cfg.Build)
	if err != nil {
		return nil, err
	}

	runner := docker.NewRunner(api, e.l, docker.RunOptions{
		Env:            docker.ConstructEnvs(e.plan.Environment),
		SettleWindow:   e.cfg.Pipeline.SettleWindow,
		SettleInterval: e.cfg.Pipeline.SettleInterval,
	})

	var test pipeline.TestFunc
	if c := cmd.String("test-cmd"); c != "" {
		test = pipeline.CommandTest([]string{"sh", "-c", c})
	} else if argv := e.plan.Test.TestCommand(); argv != nil {
		test = pipeline.CommandTest(argv)
	}

	return pipeline.NewCI(builder, runner, registry, pipeline.CIOptions{
		Test:      test,
		TestDelay: e.cfg.Pipeline.TestDelay,
	}, e.l), nil
}

// cd builds the deploy pipeline. source supplies the pushed reference when
// CI runs first; local is used to drop local copies afterwards.
func (e *env) cd(ctx context.Context, cmd *cli.Command, exec remote.Executor, source, local *docker.Registry) (*pipeline.CD, error) {
	deployer, err := remote.NewDeployer(ctx, exec, remote.DeployOptions{
		ContainerName: e.cfg.Remote.ContainerName,
		Registry:      e.cfg.Registry,
		Env:           docker.ConstructEnvs(e.plan.Deploy.Environment),
	}, e.credentials(), e.l)
	if err != nil {
		return nil, err
	}

	image := cmd.String("image")
	if image == "" {
		image = e.plan.Deploy.Image
	}
	if image == "" && source == nil {
		return nil, fmt.Errorf("%w: pass --image or set deploy.image in the plan", pipeline.ErrNoImage)
	}

	opts := pipeline.CDOptions{
		Image:         image,
		LogDelay:      e.cfg.Pipeline.LogDelay,
		LogAttempts:   e.cfg.Pipeline.LogRetries,
		LogRetryDelay: e.cfg.Pipeline.LogRetryDelay,
	}

	// nil pointers must not become non-nil interfaces
	var (
		src pipeline.ImageSource
		loc pipeline.LocalImages
	)
	if source != nil {
		src = source
	}
	if local != nil {
		loc = local
	}
	return pipeline.NewCD(deployer, src, loc, opts, e.l), nil
}
