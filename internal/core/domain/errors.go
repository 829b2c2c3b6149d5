package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionActive     = errors.New("session is running")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrValidation        = errors.New("validation failed")
	ErrLaunchFailure     = errors.New("transcoder launch failed")
	ErrNotWritable       = errors.New("transcoder input not writable")
	ErrWriteFailure      = errors.New("transcoder write failed")
)
