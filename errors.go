package pgas

import (
	"errors"
)

var (
	ErrAlreadyInitialized = errors.New("pgas: runtime is already initialized")
	ErrNotInitialized     = errors.New("pgas: runtime is not initialized")
	ErrBackendFailure     = errors.New("pgas: backend operation failed")
	ErrOutOfMemory        = errors.New("pgas: local pool exhausted")
	ErrInvalidArgument    = errors.New("pgas: invalid argument")

	ErrInvalidCfg   = errors.New("pgas: invalid options")
	ErrTeamNotFound = errors.New("pgas: team does not exist")
	ErrTeamTable    = errors.New("pgas: team table is full")
	ErrSegment      = errors.New("pgas: segment does not exist")
	ErrNoSharedMem  = errors.New("pgas: unit memory is not mapped locally")
	ErrEpochClosed  = errors.New("pgas: access epoch already closed")
)

const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitCode is the process status matching the outcome of a runtime call.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	return ExitFailure
}
