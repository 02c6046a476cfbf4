// Package storetest checks a store.Store implementation against the contract
// every backend shares.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
)

const wait = 3 * time.Second

// Run exercises st. Each subtest works under its own fresh room code.
func Run(t *testing.T, st store.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		_, err := st.Get(context.Background(), freeCode(t, st))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetThenGet", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)
		room := newRoom(t, code)

		v1, err := st.Set(ctx, code, room)
		require.NoError(t, err)
		require.Positive(t, v1)

		snap, err := st.Get(ctx, code)
		require.NoError(t, err)
		require.Equal(t, v1, snap.Version)
		require.Equal(t, "Aki", snap.Room.Players["host"].Name)
		require.NotNil(t, snap.Room.Votes)

		v2, err := st.Set(ctx, code, room)
		require.NoError(t, err)
		require.Greater(t, v2, v1)
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)
		room := newRoom(t, code)

		v1, err := st.CompareAndSet(ctx, code, 0, room)
		require.NoError(t, err)
		_, err = st.CompareAndSet(ctx, code, 0, room)
		require.ErrorIs(t, err, store.ErrConflict, "0 means the path must be absent")

		joined, err := engine.JoinRoom(room, "p2", "Bea")
		require.NoError(t, err)
		v2, err := st.CompareAndSet(ctx, code, v1, joined)
		require.NoError(t, err)
		require.Greater(t, v2, v1)

		_, err = st.CompareAndSet(ctx, code, v1, room)
		require.ErrorIs(t, err, store.ErrConflict)

		snap, err := st.Get(ctx, code)
		require.NoError(t, err)
		require.Equal(t, v2, snap.Version)
		require.Len(t, snap.Room.Players, 2)
	})

	t.Run("Update", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)

		_, err := st.Update(ctx, code, map[string]any{"phase": "voting"})
		require.ErrorIs(t, err, store.ErrNotFound)

		v1, err := st.Set(ctx, code, newRoom(t, code))
		require.NoError(t, err)

		v2, err := st.Update(ctx, code, map[string]any{
			"phase":     "voting",
			"stickHand": "left",
			"votes/p2":  "right",
		})
		require.NoError(t, err)
		require.Greater(t, v2, v1)

		_, err = st.Update(ctx, code, map[string]any{"votes/p3": "left", "votes/p2": nil})
		require.NoError(t, err)

		snap, err := st.Get(ctx, code)
		require.NoError(t, err)
		require.Equal(t, engine.PhaseVoting, snap.Room.Phase)
		require.Equal(t, engine.HandLeft, snap.Room.StickHand)
		require.Equal(t, map[string]engine.Hand{"p3": engine.HandLeft}, snap.Room.Votes)

		_, err = st.Update(ctx, code, map[string]any{"round": "three"})
		require.ErrorIs(t, err, store.ErrInvalid)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)

		_, err := st.Set(ctx, code, newRoom(t, code))
		require.NoError(t, err)
		require.NoError(t, st.Delete(ctx, code))

		_, err = st.Get(ctx, code)
		require.ErrorIs(t, err, store.ErrNotFound)
		require.NoError(t, st.Delete(ctx, code), "deleting an absent path is not an error")

		_, err = st.CompareAndSet(ctx, code, 0, newRoom(t, code))
		require.NoError(t, err, "a deleted path can be created again")
	})

	t.Run("VersionsSurviveDelete", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)

		v1, err := st.CompareAndSet(ctx, code, 0, newRoom(t, code))
		require.NoError(t, err)
		v2, err := st.Set(ctx, code, newRoom(t, code))
		require.NoError(t, err)
		require.NoError(t, st.Delete(ctx, code))

		v3, err := st.CompareAndSet(ctx, code, 0, newRoom(t, code))
		require.NoError(t, err)
		require.Greater(t, v3, v2)
		require.Greater(t, v2, v1)

		snap, err := st.Get(ctx, code)
		require.NoError(t, err)
		require.Equal(t, v3, snap.Version)

		_, err = st.CompareAndSet(ctx, code, v1, newRoom(t, code))
		require.ErrorIs(t, err, store.ErrConflict, "versions of the deleted room are stale")
	})

	t.Run("Subscribe", func(t *testing.T) {
		ctx := context.Background()
		code := freeCode(t, st)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := st.Subscribe(subCtx, code)
		require.NoError(t, err)

		first := Recv(t, ch)
		require.False(t, first.Exists())

		room := newRoom(t, code)
		v1, err := st.Set(ctx, code, room)
		require.NoError(t, err)
		created := RecvUntil(t, ch, func(s store.Snapshot) bool { return s.Version == v1 && s.Exists() })
		require.Equal(t, code, created.Code)

		joined, err := engine.JoinRoom(room, "p2", "Bea")
		require.NoError(t, err)
		v2, err := st.CompareAndSet(ctx, code, v1, joined)
		require.NoError(t, err)
		next := RecvUntil(t, ch, func(s store.Snapshot) bool { return s.Version == v2 })
		require.Len(t, next.Room.Players, 2)

		require.NoError(t, st.Delete(ctx, code))
		RecvUntil(t, ch, func(s store.Snapshot) bool { return !s.Exists() })

		cancel()
		require.Eventually(t, func() bool {
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return true
					}
				default:
					return false
				}
			}
		}, wait, 10*time.Millisecond, "subscription must close after cancel")
	})

	t.Run("SubscribeExisting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		code := freeCode(t, st)

		v, err := st.Set(ctx, code, newRoom(t, code))
		require.NoError(t, err)

		ch, err := st.Subscribe(ctx, code)
		require.NoError(t, err)
		first := Recv(t, ch)
		require.True(t, first.Exists())
		require.Equal(t, v, first.Version)
	})
}

// Recv waits for the next snapshot on ch.
func Recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(wait):
		t.Fatalf("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

// RecvUntil skips snapshots until match accepts one. Backends may coalesce
// or repeat notifications, so tests wait for a state rather than a count.
func RecvUntil(t *testing.T, ch <-chan store.Snapshot, match func(store.Snapshot) bool) store.Snapshot {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case s, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return store.Snapshot{}
		}
	}
}

func newRoom(t *testing.T, code string) engine.Room {
	t.Helper()
	r, err := engine.CreateRoom(code, "host", "Aki", engine.DefaultRules(), time.Unix(0, 0))
	require.NoError(t, err)
	return r
}

// freeCode picks a code with nothing under it and clears it afterwards.
func freeCode(t *testing.T, st store.Store) string {
	t.Helper()
	for {
		code, err := engine.GenerateCode()
		require.NoError(t, err)
		if _, err := st.Get(context.Background(), code); err == nil {
			continue
		}
		t.Cleanup(func() { _ = st.Delete(context.Background(), code) })
		return code
	}
}
