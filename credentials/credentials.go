// Package credentials supplies registry credentials to both the local
// engine login and the remote docker login. Neither transport ever places
// the password on a command line.
package credentials

import (
	"context"
	"errors"
	"log/slog"

	"tangled.sh/tangled.sh/dockship/config"
)

var ErrNoCredentials = errors.New("no registry credentials configured")

type Credential struct {
	Username string
	Password string
	Registry string
}

func (c Credential) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// LogValue keeps the password out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("registry", c.Registry),
	)
}

type Provider interface {
	// Credential returns ErrNoCredentials when nothing is configured.
	Credential(ctx context.Context) (Credential, error)
}

// Static serves a fixed credential.
type Static Credential

func (s Static) Credential(_ context.Context) (Credential, error) {
	c := Credential(s)
	if c.Empty() {
		return Credential{}, ErrNoCredentials
	}
	return c, nil
}

func FromConfig(r config.Registry) Provider {
	return Static{
		Username: r.Username,
		Password: r.Password,
		Registry: r.URL,
	}
}

var _ Provider = Static{}
