package model

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidMutation = errors.New("invalid mutation")
)
