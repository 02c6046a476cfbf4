package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/store/storetest"
)

func newRoom(t *testing.T, code string) engine.Room {
	t.Helper()
	r, err := engine.CreateRoom(code, "host", "Host", engine.DefaultRules(), time.Unix(0, 0))
	require.NoError(t, err)
	return r
}

func recv(t *testing.T, ch <-chan store.Snapshot) store.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func lobbies(t *testing.T, h *Hub) int {
	t.Helper()
	n, err := h.NumLobbies(context.Background())
	require.NoError(t, err)
	return n
}

func TestHub_Contract(t *testing.T) {
	h := NewHub(context.Background())
	defer h.Close()
	storetest.Run(t, h)
}

func TestHub_GetMissing(t *testing.T) {
	h := NewHub(context.Background())
	defer h.Close()

	_, err := h.Get(context.Background(), "1234")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 0, lobbies(t, h), "a read must not create a path")
}

func TestHub_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	v, err := h.Set(ctx, "1234", newRoom(t, "1234"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	snap, err := h.Get(ctx, "1234")
	require.NoError(t, err)
	require.True(t, snap.Exists())
	require.Equal(t, v, snap.Version)
	require.Equal(t, "host", snap.Room.HostID)

	require.NoError(t, h.Delete(ctx, "1234"))
	_, err = h.Get(ctx, "1234")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.Eventually(t, func() bool { return lobbies(t, h) == 0 }, time.Second, 10*time.Millisecond)

	// Deleting something absent is not an error.
	require.NoError(t, h.Delete(ctx, "1234"))
}

func TestHub_VersionsSurviveReap(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	v1, err := h.CompareAndSet(ctx, "1234", 0, newRoom(t, "1234"))
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, "1234"))
	require.Eventually(t, func() bool { return lobbies(t, h) == 0 }, time.Second, 10*time.Millisecond)

	v2, err := h.CompareAndSet(ctx, "1234", 0, newRoom(t, "1234"))
	require.NoError(t, err)
	require.Greater(t, v2, v1, "a re-created room must not reuse old versions")
}

func TestHub_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	room := newRoom(t, "1234")
	v1, err := h.CompareAndSet(ctx, "1234", 0, room)
	require.NoError(t, err)

	_, err = h.CompareAndSet(ctx, "1234", 0, room)
	require.ErrorIs(t, err, store.ErrConflict)

	joined, err := engine.JoinRoom(room, "p2", "Bea")
	require.NoError(t, err)
	v2, err := h.CompareAndSet(ctx, "1234", v1, joined)
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	_, err = h.CompareAndSet(ctx, "1234", v1, room)
	require.ErrorIs(t, err, store.ErrConflict)

	snap, err := h.Get(ctx, "1234")
	require.NoError(t, err)
	require.Len(t, snap.Room.Players, 2)
}

func TestHub_Update(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	_, err := h.Update(ctx, "1234", map[string]any{"phase": "voting"})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.Set(ctx, "1234", newRoom(t, "1234"))
	require.NoError(t, err)

	_, err = h.Update(ctx, "1234", map[string]any{"votes/p2": "left"})
	require.NoError(t, err)

	snap, err := h.Get(ctx, "1234")
	require.NoError(t, err)
	require.Equal(t, engine.HandLeft, snap.Room.Votes["p2"])
}

func TestHub_Subscribe_DeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := h.Subscribe(subCtx, "1234")
	require.NoError(t, err)

	first := recv(t, ch)
	require.False(t, first.Exists(), "path does not exist yet")

	_, err = h.Set(ctx, "1234", newRoom(t, "1234"))
	require.NoError(t, err)
	created := recv(t, ch)
	require.True(t, created.Exists())

	require.NoError(t, h.Delete(ctx, "1234"))
	gone := recv(t, ch)
	require.False(t, gone.Exists())

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return lobbies(t, h) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SubscribersAreIndependent(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)
	defer h.Close()

	a, err := h.Subscribe(ctx, "1234")
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, "1234")
	require.NoError(t, err)
	_ = recv(t, a)
	_ = recv(t, b)

	_, err = h.Set(ctx, "1234", newRoom(t, "1234"))
	require.NoError(t, err)

	require.Equal(t, int64(1), recv(t, a).Version)
	require.Equal(t, int64(1), recv(t, b).Version)
	require.Equal(t, 1, lobbies(t, h))
}

func TestHub_Close(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx)

	ch, err := h.Subscribe(ctx, "1234")
	require.NoError(t, err)
	_ = recv(t, ch)

	require.NoError(t, h.Close())

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	_, err = h.Get(ctx, "1234")
	require.ErrorIs(t, err, store.ErrUnavailable)
}
