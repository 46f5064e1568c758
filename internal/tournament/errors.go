package tournament

import "errors"

var (
	ErrNotFound        = errors.New("tournament not found")
	ErrInvalidConfig   = errors.New("invalid tournament configuration")
	ErrNotOpen         = errors.New("tournament is not open for joining")
	ErrTournamentFull  = errors.New("tournament is full")
	ErrAlreadyJoined   = errors.New("player already joined")
	ErrLobbyNotFull    = errors.New("tournament lobby is not full")
	ErrAlreadyStarted  = errors.New("tournament already started")
	ErrCompleted       = errors.New("tournament already completed")
	ErrNoAccount       = errors.New("player has no account")
	ErrMatchNotFound   = errors.New("match not found")
	ErrStageOutOfRange = errors.New("stage index out of range")
	ErrInvalidReport   = errors.New("invalid result report")
)
