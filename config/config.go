package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

var (
	// ErrMissing is wrapped by every validation failure for an unset value.
	ErrMissing = errors.New("missing required configuration")
	// ErrNoFile is wrapped when a configured path is not a readable file.
	ErrNoFile = errors.New("configured file not found")
)

// regularFile reports a configured path that is set but not a regular file.
func regularFile(name, path string) error {
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s=%s: %w", ErrNoFile, name, path, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s=%s is not a regular file", ErrNoFile, name, path)
	}
	return nil
}

// DefaultRegistry is the public Docker Hub registry. Image references pushed
// there carry no registry segment.
const DefaultRegistry = "docker.io"

type Registry struct {
	URL       string `env:"REGISTRY_URL, default=docker.io"`
	Namespace string `env:"NAMESPACE"`
	Username  string `env:"USERNAME"`
	Password  string `env:"PASSWORD"`
}

// ResolvedNamespace falls back to the username when no namespace is set,
// which is how personal Docker Hub repositories are addressed.
func (r Registry) ResolvedNamespace() string {
	if r.Namespace != "" {
		return r.Namespace
	}
	return r.Username
}

// IsDefault reports whether URL points at Docker Hub.
func (r Registry) IsDefault() bool {
	switch r.URL {
	case "", DefaultRegistry, "index.docker.io":
		return true
	}
	return false
}

type Remote struct {
	Host           string        `env:"REMOTE_HOST"`
	Port           int           `env:"REMOTE_PORT, default=22"`
	User           string        `env:"REMOTE_USER"`
	KeyPath        string        `env:"SSH_KEY_PATH"`
	KnownHosts     string        `env:"SSH_KNOWN_HOSTS"`
	ConnectTimeout time.Duration `env:"SSH_CONNECT_TIMEOUT, default=10s"`
	ContainerName  string        `env:"REMOTE_CONTAINER_NAME"`
}

func (r Remote) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type Build struct {
	Dockerfile string `env:"DOCKERFILE_PATH"`
	Context    string `env:"BUILD_CONTEXT"`
	ImageName  string `env:"IMAGE_NAME"`
	ImageTag   string `env:"IMAGE_TAG"`
}

// Pipeline holds the timing knobs of both pipelines. None of them has a
// "correct" value; the defaults are the ones the pipelines shipped with.
type Pipeline struct {
	SettleWindow   time.Duration `env:"SETTLE_WINDOW, default=3s"`
	SettleInterval time.Duration `env:"SETTLE_INTERVAL, default=500ms"`
	TestDelay      time.Duration `env:"TEST_DELAY, default=3s"`
	LogDelay       time.Duration `env:"LOG_DELAY, default=3s"`
	LogRetries     uint          `env:"LOG_RETRIES, default=5"`
	LogRetryDelay  time.Duration `env:"LOG_RETRY_DELAY, default=1s"`
}

type Config struct {
	Registry Registry `env:",prefix=DOCKER_"`
	Remote   Remote
	Build    Build
	Pipeline Pipeline `env:",prefix=PIPELINE_"`
	DBPath   string   `env:"DOCKSHIP_DB_PATH, default=dockship.db"`
	LogLevel string   `env:"DOCKSHIP_LOG_LEVEL, default=info"`
}

// Load reads the configuration from the process environment, falling back
// to the given dotenv files for anything the environment does not set.
// Missing dotenv files are ignored.
func Load(ctx context.Context, dotenv ...string) (*Config, error) {
	fileEnv := map[string]string{}
	for _, path := range dotenv {
		vals, err := godotenv.Read(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for k, v := range vals {
			if _, ok := fileEnv[k]; !ok {
				fileEnv[k] = v
			}
		}
	}

	return LoadWith(ctx, envconfig.MultiLookuper(
		envconfig.OsLookuper(),
		envconfig.MapLookuper(fileEnv),
	))
}

func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Phases selects which halves of a run the configuration must support.
type Phases struct {
	CI bool
	CD bool
}

// Validate checks that every value required by the enabled phases is set and
// that the Dockerfile and SSH key exist. It is called once at startup, before
// any engine or network call.
func (c *Config) Validate(p Phases) error {
	var errs []error
	missing := func(name, val string) {
		if val == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, name))
		}
	}

	if p.CI {
		missing("DOCKERFILE_PATH", c.Build.Dockerfile)
		missing("IMAGE_NAME", c.Build.ImageName)
		errs = append(errs, regularFile("DOCKERFILE_PATH", c.Build.Dockerfile))
	}

	if p.CD {
		errs = append(errs, c.ValidateRemote())
		missing("DOCKER_USERNAME", c.Registry.Username)
		missing("DOCKER_PASSWORD", c.Registry.Password)
	}

	if c.Pipeline.SettleInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_SETTLE_INTERVAL: %s", c.Pipeline.SettleInterval))
	}
	if c.Pipeline.LogRetries == 0 {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_LOG_RETRIES: must be at least 1"))
	}

	return errors.Join(errs...)
}

// ValidateRemote checks only what is needed to reach the remote container.
func (c *Config) ValidateRemote() error {
	var errs []error
	for _, v := range []struct{ name, val string }{
		{"REMOTE_HOST", c.Remote.Host},
		{"REMOTE_USER", c.Remote.User},
		{"SSH_KEY_PATH", c.Remote.KeyPath},
		{"REMOTE_CONTAINER_NAME", c.Remote.ContainerName},
	} {
		if v.val == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, v.name))
		}
	}
	errs = append(errs, regularFile("SSH_KEY_PATH", c.Remote.KeyPath))
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid REMOTE_PORT: %d", c.Remote.Port))
	}
	return errors.Join(errs...)
}
