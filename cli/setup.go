// Package cli holds the dockship subcommands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/client"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/dockship/config"
	"tangled.sh/tangled.sh/dockship/credentials"
	"tangled.sh/tangled.sh/dockship/db"
	"tangled.sh/tangled.sh/dockship/docker"
	"tangled.sh/tangled.sh/dockship/log"
	"tangled.sh/tangled.sh/dockship/plan"
	"tangled.sh/tangled.sh/dockship/remote"
)

const envHelp = `
Environment variables:
	DOCKER_REGISTRY_URL       (default: docker.io)
	DOCKER_NAMESPACE          (default: DOCKER_USERNAME)
	DOCKER_USERNAME           (required for cd)
	DOCKER_PASSWORD           (required for cd)
	REMOTE_HOST               (required for cd)
	REMOTE_PORT               (default: 22)
	REMOTE_USER               (required for cd)
	REMOTE_CONTAINER_NAME     (required for cd)
	SSH_KEY_PATH              (required for cd)
	SSH_KNOWN_HOSTS           (default: accept any host key)
	SSH_CONNECT_TIMEOUT       (default: 10s)
	DOCKERFILE_PATH           (required for ci)
	BUILD_CONTEXT             (default: the Dockerfile's directory)
	IMAGE_NAME                (required for ci)
	IMAGE_TAG                 (default: build timestamp)
	PIPELINE_SETTLE_WINDOW    (default: 3s)
	PIPELINE_SETTLE_INTERVAL  (default: 500ms)
	PIPELINE_TEST_DELAY       (default: 3s)
	PIPELINE_LOG_DELAY        (default: 3s)
	PIPELINE_LOG_RETRIES      (default: 5)
	PIPELINE_LOG_RETRY_DELAY  (default: 1s)
	DOCKSHIP_DB_PATH          (default: dockship.db)
	DOCKSHIP_LOG_LEVEL        (default: info)
`

const (
	envFileFlagName = "env-file"
	planFlagName    = "plan"
)

// commonFlags are built per command so no flag state is shared between
// commands.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  envFileFlagName,
			Usage: "dotenv file read for anything the environment does not set",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:    planFlagName,
			Aliases: []string{"p"},
			Usage:   "YAML plan file",
			Value:   "dockship.yml",
		},
	}
}

// env is everything a command needs before it touches the engine or the
// network.
type env struct {
	cfg  *config.Config
	plan plan.Plan
	l    *slog.Logger
}

// load reads the configuration and, when present, the plan. Flags named in
// the command override both.
func load(ctx context.Context, cmd *cli.Command) (*env, error) {
	envFile := cmd.String(envFileFlagName)
	log.FromContext(ctx).Debug("loading configuration", "env_file", envFile)

	cfg, err := config.Load(ctx, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l := log.SubLogger(log.NewLevel("dockship", cfg.LogLevel), cmd.Name)

	var p plan.Plan
	if path := cmd.String(planFlagName); path != "" {
		p, err = plan.FromFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !cmd.IsSet(planFlagName):
			l.Debug("no plan file", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to load plan: %w", err)
		default:
			l.Info("loaded plan", "path", path)
			p.ApplyTo(cfg)
		}
	}

	return &env{cfg: cfg, plan: p, l: l}, nil
}

func (e *env) engine(ctx context.Context) (*client.Client, error) {
	dcli, err := docker.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	e.l.Debug("connected to docker engine", "host", dcli.DaemonHost())
	return dcli, nil
}

func (e *env) credentials() credentials.Provider {
	return credentials.FromConfig(e.cfg.Registry)
}

func (e *env) registry(api docker.API) *docker.Registry {
	return docker.NewRegistry(api, e.l, e.cfg.Registry, e.credentials())
}

// session dials the remote host right away, so an unreachable host fails
// the command before any stage runs.
func (e *env) session(ctx context.Context) (*remote.Session, error) {
	sess, err := remote.NewSession(e.cfg.Remote, e.l)
	if err != nil {
		return nil, err
	}
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// recorder opens the run history. History is optional: a store that cannot
// be opened is logged and skipped.
func (e *env) recorder() *db.DB {
	if e.cfg.DBPath == "" {
		return nil
	}
	d, err := db.Make(e.cfg.DBPath)
	if err != nil {
		e.l.Warn("run history disabled", "path", e.cfg.DBPath, "error", err)
		return nil
	}
	return d
}
