// Package store defines the Room Store: a replicated document tree keyed by
// room code, with point reads and writes and push subscriptions.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

var (
	ErrNotFound    = errors.New("room not found in store")
	ErrConflict    = errors.New("room changed since it was read")
	ErrUnavailable = errors.New("store unavailable")
	ErrInvalid     = errors.New("invalid room update")
)

// Snapshot is the value at rooms/{code}. Room is nil when the path is absent.
type Snapshot struct {
	Code    string
	Version int64
	Room    *engine.Room
}

func (s Snapshot) Exists() bool { return s.Room != nil }

// Store is the narrow contract every backend satisfies. Versions grow
// monotonically per path; version 0 means the path has never been written
// or has been deleted.
type Store interface {
	// Get returns ErrNotFound when the path is absent.
	Get(ctx context.Context, code string) (Snapshot, error)
	// Set replaces the whole room unconditionally.
	Set(ctx context.Context, code string, room engine.Room) (int64, error)
	// Update merges path keys ("phase", "players/{id}", "votes/{id}") into an
	// existing room. A nil value deletes the key.
	Update(ctx context.Context, code string, fields map[string]any) (int64, error)
	Delete(ctx context.Context, code string) error
	// CompareAndSet writes room only if the current version equals expected.
	// expected == 0 requires the path to be absent.
	CompareAndSet(ctx context.Context, code string, expected int64, room engine.Room) (int64, error)
	// Subscribe delivers the current snapshot, then one per change, until ctx
	// is cancelled. The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, code string) (<-chan Snapshot, error)
}
