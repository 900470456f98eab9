package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"
	"tangled.sh/tangled.sh/dockship/config"
	"tangled.sh/tangled.sh/dockship/credentials"
)

// Registry pushes and pulls images on behalf of the pipelines. Login is
// deferred to the first push or pull.
type Registry struct {
	api   API
	l     *slog.Logger
	cfg   config.Registry
	creds credentials.Provider

	loggedIn bool
	loginErr error
	auth     string

	pushed []string
}

func NewRegistry(api API, l *slog.Logger, cfg config.Registry, creds credentials.Provider) *Registry {
	return &Registry{
		api:   api,
		l:     l.With("component", "registry", "registry", cfg.URL),
		cfg:   cfg,
		creds: creds,
	}
}

// login authenticates once; a failed attempt is remembered and not retried.
// Missing credentials are not an error here: a public pull needs none, and
// a push without them fails on its own.
func (r *Registry) login(ctx context.Context) error {
	if r.loggedIn {
		return r.loginErr
	}
	r.loggedIn = true

	cred, err := r.creds.Credential(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		r.l.Warn("no registry credentials configured, continuing unauthenticated")
		return nil
	}
	if err != nil {
		r.loginErr = err
		return err
	}

	auth := registry.AuthConfig{
		Username: cred.Username,
		Password: cred.Password,
	}
	if !r.cfg.IsDefault() {
		auth.ServerAddress = r.cfg.URL
	}

	if _, err := r.api.RegistryLogin(ctx, auth); err != nil {
		r.loginErr = fmt.Errorf("registry login as %s: %w", cred.Username, err)
		return r.loginErr
	}

	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		r.loginErr = fmt.Errorf("encoding registry auth: %w", err)
		return r.loginErr
	}

	r.auth = encoded
	r.l.Info("logged in to registry", "credential", cred)
	return nil
}

// Reference is the remote name for name:tag. The registry segment is left
// out for Docker Hub.
func (r *Registry) Reference(name, tag string) (string, error) {
	ns := r.cfg.ResolvedNamespace()
	if ns == "" {
		return "", ErrNoNamespace
	}

	ref := ns + "/" + name + ":" + tag
	if !r.cfg.IsDefault() {
		ref = strings.TrimSuffix(r.cfg.URL, "/") + "/" + ref
	}

	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidReference, ref, err)
	}
	return ref, nil
}

// Push tags img with its remote reference and pushes it, then does the same
// for :latest when pushLatest is set. It returns the versioned reference.
func (r *Registry) Push(ctx context.Context, img Image, pushLatest bool) (string, error) {
	if err := r.login(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPushFailed, err)
	}

	tags := []string{img.Tag}
	if pushLatest && img.Tag != "latest" {
		tags = append(tags, "latest")
	}

	var versioned string
	for _, tag := range tags {
		ref, err := r.Reference(img.Name, tag)
		if err != nil {
			return "", err
		}

		if err := r.pushOne(ctx, img.Ref(), ref); err != nil {
			return "", err
		}

		if versioned == "" {
			versioned = ref
		}
	}

	return versioned, nil
}

func (r *Registry) pushOne(ctx context.Context, local, ref string) error {
	if err := r.api.ImageTag(ctx, local, ref); err != nil {
		return fmt.Errorf("%w: tagging %s: %w", ErrPushFailed, ref, err)
	}

	r.l.Info("pushing image", "ref", ref)
	rc, err := r.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: r.auth})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPushFailed, ref, err)
	}
	defer rc.Close()

	err = drainStream(rc, func(msg jsonmessage.JSONMessage) {
		if msg.Status != "" && msg.Progress == nil {
			r.l.Debug(msg.Status, "id", msg.ID)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPushFailed, ref, err)
	}

	r.pushed = append(r.pushed, ref)
	r.l.Info("pushed image", "ref", ref)
	return nil
}

// PushedRef is the first reference pushed by this client, or "" if nothing
// has been pushed.
func (r *Registry) PushedRef() string {
	if len(r.pushed) == 0 {
		return ""
	}
	return r.pushed[0]
}

// Pushed lists every reference pushed, versioned first.
func (r *Registry) Pushed() []string {
	return append([]string(nil), r.pushed...)
}

// Pull fetches ref, or the last pushed reference when ref is empty.
func (r *Registry) Pull(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = r.PushedRef()
	}
	if ref == "" {
		return "", ErrNoReference
	}

	// public images need no login
	if err := r.login(ctx); err != nil {
		r.l.Warn("registry login failed, pulling anonymously", "error", err)
	}

	r.l.Info("pulling image", "ref", ref)
	rc, err := r.api.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: r.auth})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPullFailed, ref, err)
	}
	defer rc.Close()

	if err := drainStream(rc, nil); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPullFailed, ref, err)
	}

	r.l.Info("pulled image", "ref", ref)
	return ref, nil
}

// RemoveLocal untags ref from the local engine. A missing tag is fine.
func (r *Registry) RemoveLocal(ctx context.Context, ref string) error {
	_, err := r.api.ImageRemove(ctx, ref, image.RemoveOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing %s: %w", ref, err)
	}
	return nil
}
