package data

import "errors"

var (
	ErrNotFound       = errors.New("session not found")
	ErrFileNotFound   = errors.New("session file not found")
	ErrConflict       = errors.New("an active session already exists for this source")
	ErrBadStatus      = errors.New("invalid status")
	ErrBadTransition  = errors.New("invalid session state transition")
	ErrNotResumable   = errors.New("session is not resumable")
	ErrNotCancellable = errors.New("session is not cancellable")
	ErrUnknownSource  = errors.New("unknown source type")
	ErrDuplicateFile  = errors.New("file already recorded for session")
	ErrSuperseded     = errors.New("file outcome superseded")
)
