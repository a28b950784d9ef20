package session

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrNoCase is returned when an operation needs a case id that has not been assigned yet.
	ErrNoCase = errors.New("no case started")
)

// Store holds the current case for each UI session. One session never holds more than one case.
type Store interface {
	Get(ctx context.Context, sessionID string) (*State, error)
	Save(ctx context.Context, s *State) error
	// Delete resets the session so a new case can begin.
	Delete(ctx context.Context, sessionID string) error
}
