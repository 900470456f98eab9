// Package remote drives a docker host over SSH: one session per pipeline
// run, one command per exec channel.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"tangled.sh/tangled.sh/dockship/config"
)

// Result is the outcome of one remote command. A non-zero ExitCode is not
// an error; Execute only fails when the command could not be run at all.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r Result) OK() bool {
	return r.ExitCode == 0
}

type Executor interface {
	Execute(ctx context.Context, cmd string) (Result, error)
	ExecuteInput(ctx context.Context, cmd string, stdin io.Reader) (Result, error)
}

type Session struct {
	cfg  config.Remote
	l    *slog.Logger
	conf *ssh.ClientConfig

	mu       sync.Mutex
	client   *ssh.Client
	connects int
}

var _ Executor = (*Session)(nil)

// NewSession loads the private key and host key policy. It does not dial.
func NewSession(cfg config.Remote, l *slog.Logger) (*Session, error) {
	l = l.With("component", "ssh", "host", cfg.Addr(), "user", cfg.User)

	pem, err := os.ReadFile(cfg.KeyPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, cfg.KeyPath)
	}
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfg.KeyPath, err)
	}

	var hostKeys ssh.HostKeyCallback
	if cfg.KnownHosts != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	} else {
		l.Warn("SSH_KNOWN_HOSTS not set, accepting any host key")
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	return &Session{
		cfg: cfg,
		l:   l,
		conf: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.ConnectTimeout,
		},
	}, nil
}

// Connect dials the host unless already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	addr := s.cfg.Addr()
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.conf)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	s.client = ssh.NewClient(c, chans, reqs)
	s.connects++
	s.l.Info("connected")
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Session) Execute(ctx context.Context, cmd string) (Result, error) {
	return s.ExecuteInput(ctx, cmd, nil)
}

// ExecuteInput runs cmd with stdin attached and waits for its exit status.
// Secrets are passed this way so they never show up in a process list.
func (s *Session) ExecuteInput(ctx context.Context, cmd string, stdin io.Reader) (Result, error) {
	if err := s.Connect(ctx); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return Result{}, ErrConnect
	}

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	s.l.Debug("exec", "cmd", cmd)

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Close()
		<-done
		return Result{}, ctx.Err()
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	default:
		return res, fmt.Errorf("running %q: %w", cmd, err)
	}

	return res, nil
}

// Disconnect closes the connection if one is open.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil
	s.l.Info("disconnected")
	return err
}
