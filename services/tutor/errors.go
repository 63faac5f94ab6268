package tutor

import "errors"

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrCaseUnavailable = errors.New("case unavailable")
	// ErrEmptyResponse means neither the planning call nor any tool produced
	// a usable reply for the turn.
	ErrEmptyResponse = errors.New("empty response")
)
