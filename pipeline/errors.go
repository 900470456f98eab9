package pipeline

import "errors"

var (
	ErrTestFailed = errors.New("test failed")
	ErrNoImage    = errors.New("no image to deploy")
)
