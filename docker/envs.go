package docker

import (
	"fmt"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a KEY -> value map into a docker-friendly
// []string{"KEY=value", ...} slice, sorted by key so runs are reproducible.
func ConstructEnvs(envs map[string]string) EnvVars {
	var dockerEnvs EnvVars
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		dockerEnvs.AddEnv(k, envs[k])
	}
	return dockerEnvs
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
