package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/dustin/go-humanize"
	"github.com/moby/go-archive"
	"tangled.sh/tangled.sh/dockship/config"
)

const (
	tagLayout     = "20060102-150405"
	failedTagPart = "-failed"
)

// DefaultTag is the tag used when none is configured: a timestamp, so
// consecutive runs never collide without explicit versioning.
func DefaultTag(now time.Time) string {
	return now.Format(tagLayout)
}

type Builder struct {
	api API
	l   *slog.Logger

	dockerfile string
	context    string
	name       string
	tag        string

	built *Image
}

// NewBuilder validates the Dockerfile and image reference without touching
// the engine.
func NewBuilder(api API, l *slog.Logger, cfg config.Build) (*Builder, error) {
	fi, err := os.Stat(cfg.Dockerfile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDockerfileNotFound, cfg.Dockerfile)
	}
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, cfg.Dockerfile)
	}

	dockerfile, err := filepath.Abs(cfg.Dockerfile)
	if err != nil {
		return nil, err
	}

	buildContext := cfg.Context
	if buildContext == "" {
		buildContext = filepath.Dir(dockerfile)
	}
	buildContext, err = filepath.Abs(buildContext)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(buildContext, dockerfile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s not under %s", ErrDockerfileOutsideContext, dockerfile, buildContext)
	}

	tag := cfg.ImageTag
	if tag == "" {
		tag = DefaultTag(time.Now())
	}

	ref := cfg.ImageName + ":" + tag
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidReference, ref, err)
	}

	return &Builder{
		api:        api,
		l:          l.With("component", "builder", "image", ref),
		dockerfile: dockerfile,
		context:    buildContext,
		name:       cfg.ImageName,
		tag:        tag,
	}, nil
}

func (b *Builder) Ref() string {
	return b.name + ":" + b.tag
}

func (b *Builder) Exists(ctx context.Context) (bool, error) {
	_, err := b.api.ImageInspect(ctx, b.Ref())
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Build builds the image without cache. It refuses to overwrite an existing
// name:tag. The build output is drained before Build returns.
func (b *Builder) Build(ctx context.Context) (Image, error) {
	exists, err := b.Exists(ctx)
	if err != nil {
		return Image{}, err
	}
	if exists {
		return Image{}, fmt.Errorf("%w: %s", ErrImageExists, b.Ref())
	}

	tar, err := archive.TarWithOptions(b.context, &archive.TarOptions{})
	if err != nil {
		return Image{}, fmt.Errorf("archiving build context: %w", err)
	}
	defer tar.Close()

	rel, _ := filepath.Rel(b.context, b.dockerfile)

	b.l.Info("building image", "context", b.context, "dockerfile", rel)
	resp, err := b.api.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{b.Ref()},
		Dockerfile: filepath.ToSlash(rel),
		NoCache:    true,
		Remove:     true,
	})
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	err = drainStream(resp.Body, func(msg jsonmessage.JSONMessage) {
		if line := strings.TrimRight(msg.Stream, "\r\n"); line != "" {
			b.l.Debug(line)
		}
	})
	if err != nil {
		return Image{}, fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}

	info, err := b.api.ImageInspect(ctx, b.Ref())
	if err != nil {
		return Image{}, fmt.Errorf("%w: inspecting result: %w", ErrBuildFailed, err)
	}

	img := Image{
		ID:   info.ID,
		Name: b.name,
		Tag:  b.tag,
		Size: info.Size,
	}
	b.built = &img

	b.l.Info("image built", "id", shortID(img.ID), "size", humanize.Bytes(uint64(img.Size)))
	return img, nil
}

// RenameOnFailure moves the artifact this builder produced to
// name:tag-failed and drops name:tag, keeping the image around for
// inspection without leaving it looking like a good build.
func (b *Builder) RenameOnFailure(ctx context.Context) error {
	if b.built == nil {
		return ErrNotBuilt
	}

	failed := b.built.Name + ":" + b.built.Tag + failedTagPart
	if err := b.api.ImageTag(ctx, b.Ref(), failed); err != nil {
		return fmt.Errorf("tagging %s: %w", failed, err)
	}

	if _, err := b.api.ImageRemove(ctx, b.Ref(), image.RemoveOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("untagging %s: %w", b.Ref(), err)
	}

	b.l.Info("renamed failed image", "to", failed)
	return nil
}

// Cleanup removes the local name:tag once the registry holds the canonical
// copy.
func (b *Builder) Cleanup(ctx context.Context) error {
	if b.built == nil {
		return nil
	}

	_, err := b.api.ImageRemove(ctx, b.Ref(), image.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("removing %s: %w", b.Ref(), err)
	}

	b.l.Info("removed local image")
	return nil
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
