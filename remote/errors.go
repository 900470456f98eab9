package remote

import "errors"

var (
	ErrKeyNotFound   = errors.New("ssh key not found")
	ErrConnect       = errors.New("ssh connection failed")
	ErrRemoteLogin   = errors.New("remote registry login failed")
	ErrRemoteCommand = errors.New("remote command failed")
	ErrNoImage       = errors.New("no image pulled")
	ErrNoLogs        = errors.New("no logs available")
)
