// Package plan reads the optional YAML file describing what a run does.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/dockship/config"
)

// an example plan:
//
//	phases: [ci, cd]
//	build:
//	  dockerfile: ./Dockerfile
//	  image: app
//	test:
//	  command: curl -fs localhost:8080/health
//	push:
//	  latest: true
//	environment:
//	  MODE: test
//	deploy:
//	  container: web
//	  environment:
//	    MODE: production

type (
	Plan struct {
		Name        string            `yaml:"-"` // path of the plan file
		Phases      StringList        `yaml:"phases"`
		Build       Build             `yaml:"build"`
		Test        Test              `yaml:"test"`
		Push        Push              `yaml:"push"`
		Environment map[string]string `yaml:"environment"`
		Deploy      Deploy            `yaml:"deploy"`
	}

	Build struct {
		Dockerfile string `yaml:"dockerfile"`
		Context    string `yaml:"context"`
		Image      string `yaml:"image"`
		Tag        string `yaml:"tag"`
	}

	Test struct {
		Skip    bool       `yaml:"skip"`
		Command StringList `yaml:"command"`
	}

	Push struct {
		// unset means push
		Enabled *bool `yaml:"enabled"`
		Latest  bool  `yaml:"latest"`
	}

	Deploy struct {
		Container   string            `yaml:"container"`
		Image       string            `yaml:"image"`
		Environment map[string]string `yaml:"environment"`
	}

	StringList []string
)

const (
	PhaseCI = "ci"
	PhaseCD = "cd"
)

var ErrUnknownPhase = errors.New("unknown phase")

func FromFile(path string) (Plan, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}

	p, err := Parse(filepath.Base(path), contents)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}

	// relative build paths are resolved against the plan's directory
	dir := filepath.Dir(path)
	if p.Build.Dockerfile != "" && !filepath.IsAbs(p.Build.Dockerfile) {
		p.Build.Dockerfile = filepath.Join(dir, p.Build.Dockerfile)
	}
	if p.Build.Context != "" && !filepath.IsAbs(p.Build.Context) {
		p.Build.Context = filepath.Join(dir, p.Build.Context)
	}

	return p, nil
}

func Parse(name string, contents []byte) (Plan, error) {
	var p Plan

	err := yaml.Unmarshal(contents, &p)
	if err != nil {
		return p, err
	}

	p.Name = name

	for _, phase := range p.Phases {
		if phase != PhaseCI && phase != PhaseCD {
			return p, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
		}
	}

	return p, nil
}

// Runs reports whether phase is enabled. No phases listed means all of them.
func (p *Plan) Runs(phase string) bool {
	if len(p.Phases) == 0 {
		return true
	}
	return slices.Contains(p.Phases, phase)
}

func (p *Plan) PushEnabled() bool {
	return p.Push.Enabled == nil || *p.Push.Enabled
}

// TestCommand is the argv to run inside the container, or nil. A single
// string is run through sh -c.
func (t Test) TestCommand() []string {
	switch len(t.Command) {
	case 0:
		return nil
	case 1:
		return []string{"sh", "-c", t.Command[0]}
	default:
		return slices.Clone(t.Command)
	}
}

// ApplyTo fills build and deploy values the configuration leaves unset.
// Values from the environment always win.
func (p *Plan) ApplyTo(cfg *config.Config) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}

	fill(&cfg.Build.Dockerfile, p.Build.Dockerfile)
	fill(&cfg.Build.Context, p.Build.Context)
	fill(&cfg.Build.ImageName, p.Build.Image)
	fill(&cfg.Build.ImageTag, p.Build.Tag)
	fill(&cfg.Remote.ContainerName, p.Deploy.Container)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
