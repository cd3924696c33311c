package dberrors

import "errors"

var (
	ErrNotFound          = errors.New("forestdb: not found")
	ErrClosed            = errors.New("forestdb: closed")
	ErrInvalidArgument   = errors.New("forestdb: invalid argument")
	ErrCompactionRunning = errors.New("forestdb: compaction running")
	ErrProgressActive    = errors.New("forestdb: forest progress already active")
	ErrManifestBusy      = errors.New("forestdb: manifest log not idle")
	ErrUnknownTreeID     = errors.New("forestdb: unknown tree id")
	ErrNotOpen           = errors.New("forestdb: forest not open")
)
