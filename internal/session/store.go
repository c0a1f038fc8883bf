// Package session persists research sessions. Every implementation applies
// mutations atomically per session, refuses to touch terminal sessions and
// never recreates a deleted one.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/insightengine/orchestrator/internal/research"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrTerminal is returned when mutating a completed or failed session
	ErrTerminal = errors.New("session is terminal")

	// ErrInvalidTransition is returned for a forbidden status change
	ErrInvalidTransition = research.ErrInvalidTransition
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 20

// MutateFunc changes a session in place. Returning an error aborts the update.
type MutateFunc func(s *research.Session) error

// Store is the single source of truth for session state.
type Store interface {
	Create(ctx context.Context, topic, requester string) (*research.Session, error)
	Get(ctx context.Context, id string) (*research.Session, error)
	// List returns the requester's sessions, newest first. An empty requester
	// lists every session.
	List(ctx context.Context, requester string, limit int) ([]*research.Session, error)
	// ListActive returns every non-terminal session.
	ListActive(ctx context.Context) ([]*research.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, fn MutateFunc) (*research.Session, error)
	// AppendUpdate appends u to the session log and returns it with its
	// sequence number, id and timestamp filled in.
	AppendUpdate(ctx context.Context, id string, u research.Update) (research.Update, error)
	Updates(ctx context.Context, id string) ([]research.Update, error)
}

// Clock returns the current time. Stores use it for timestamps.
type Clock func() time.Time

func newID() string { return uuid.New().String() }

// apply runs fn against s and validates the result.
func apply(s *research.Session, now time.Time, fn MutateFunc) error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, s.ID, s.Status)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.UpdatedAt = now.UTC()
	return s.Validate()
}

// appendFn builds the mutation used by AppendUpdate implementations.
func appendFn(u research.Update, now time.Time, out *research.Update) MutateFunc {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}
	return func(s *research.Session) error {
		*out = s.AppendUpdate(u)
		return nil
	}
}

func encode(s *research.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*research.Session, error) {
	var s research.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.Sections == nil {
		s.Sections = []research.Section{}
	}
	if s.Updates == nil {
		s.Updates = []research.Update{}
	}
	return &s, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
