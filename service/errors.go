package service

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("session not found")
	ErrNotLive           = errors.New("session is not live")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrInvalidState      = errors.New("invalid session state")
	ErrNotHost           = errors.New("only the session host can do this")
)
