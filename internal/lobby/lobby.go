// Package lobby holds one room path of the in-memory store: its current
// document, version counter and subscribers, owned by a single goroutine.
package lobby

import (
	"context"
	"errors"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
)

// ErrClosed is returned when a request reaches a lobby after shutdown.
var ErrClosed = errors.New("lobby closed")

type Msg interface{ isLobbyMsg() }

type Read struct {
	Reply chan Result
}

func (Read) isLobbyMsg() {}

// Write replaces the document. With Conditional set it only applies when the
// current version equals Expected (0 = absent).
type Write struct {
	Room        engine.Room
	Conditional bool
	Expected    int64
	Reply       chan Result
}

func (Write) isLobbyMsg() {}

type Patch struct {
	Fields map[string]any
	Reply  chan Result
}

func (Patch) isLobbyMsg() {}

type Remove struct {
	Reply chan Result
}

func (Remove) isLobbyMsg() {}

type Join struct {
	ClientID string
	Outbox   chan store.Snapshot // where this subscriber wants to receive snapshots
}

func (Join) isLobbyMsg() {}

type Leave struct {
	ClientID string
}

func (Leave) isLobbyMsg() {}

// Retire shuts the lobby down only if it is idle. Anything queued behind it
// is never processed and its sender sees ErrClosed.
type Retire struct {
	Reply chan Retirement
}

// Retirement answers Retire. Version is the last version the lobby handed
// out, so a successor can keep counting from it.
type Retirement struct {
	Retired bool
	Version int64
}

func (Retire) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Result struct {
	Snapshot store.Snapshot
	Err      error
}

type View struct {
	Version    int64
	NumClients int
	Room       *engine.Room
}

// Idle lobbies hold no document and no subscribers and can be dropped.
func (v View) Idle() bool { return v.Room == nil && v.NumClients == 0 }

type Lobby struct {
	code    string
	inbox   chan Msg
	room    *engine.Room
	version int64
	clients map[string]chan store.Snapshot
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewLobby(parent context.Context, code string) *Lobby {
	return Resume(parent, code, 0)
}

// Resume starts an empty lobby whose next write gets version after+1.
func Resume(parent context.Context, code string, after int64) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		version: after,
		inbox:   make(chan Msg, 64), // Small buffer
		clients: make(map[string]chan store.Snapshot),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Read:
				if l.room == nil {
					msg.Reply <- Result{Snapshot: l.snapshot(), Err: store.ErrNotFound}
					break
				}
				msg.Reply <- Result{Snapshot: l.snapshot()}

			case Write:
				if msg.Conditional && msg.Expected != l.currentVersion() {
					msg.Reply <- Result{Snapshot: l.snapshot(), Err: store.ErrConflict}
					break
				}
				room := msg.Room.Clone()
				l.commit(&room)
				msg.Reply <- Result{Snapshot: l.snapshot()}

			case Patch:
				if l.room == nil {
					msg.Reply <- Result{Snapshot: l.snapshot(), Err: store.ErrNotFound}
					break
				}
				merged, err := store.Merge(*l.room, msg.Fields)
				if err != nil {
					msg.Reply <- Result{Snapshot: l.snapshot(), Err: err}
					break
				}
				l.commit(&merged)
				msg.Reply <- Result{Snapshot: l.snapshot()}

			case Remove:
				if l.room != nil {
					l.commit(nil)
				}
				msg.Reply <- Result{Snapshot: l.snapshot()}

			case Join:
				// Register subscriber + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				msg.Outbox <- l.snapshot()

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
				}

			case GetState:
				// reflect internal state without data races
				msg.Reply <- l.view()

			case Retire:
				if !l.view().Idle() {
					msg.Reply <- Retirement{Version: l.version}
					break
				}
				msg.Reply <- Retirement{Retired: true, Version: l.version}
				l.shutdown()
				return

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

// commit installs room (nil = delete), bumps the version and fans out.
func (l *Lobby) commit(room *engine.Room) {
	l.room = room
	l.version++
	l.broadcast(l.snapshot())
}

// currentVersion is what compare-and-set compares against: 0 while absent.
func (l *Lobby) currentVersion() int64 {
	if l.room == nil {
		return 0
	}
	return l.version
}

func (l *Lobby) snapshot() store.Snapshot {
	snap := store.Snapshot{Code: l.code, Version: l.currentVersion()}
	if l.room != nil {
		r := l.room.Clone()
		snap.Room = &r
	}
	return snap
}

func (l *Lobby) view() View {
	v := View{Version: l.currentVersion(), NumClients: len(l.clients)}
	if l.room != nil {
		r := l.room.Clone()
		v.Room = &r
	}
	return v
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch) // Tell subscriber no more snapshots
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(snap store.Snapshot) {
	for id, ch := range l.clients {
		select {
		case ch <- snap:
			//ok
		default:
			// Subscriber is slow/full - drop them.
			close(ch)
			delete(l.clients, id)
		}
	}
}

// Expose the inbox so tests or the hub can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby stops serving requests.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send delivers msg unless the lobby has shut down or ctx ends first.
func (l *Lobby) Send(ctx context.Context, msg Msg) error {
	select {
	case l.inbox <- msg:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await waits for a reply on ch, giving up if the lobby shuts down.
func Await[T any](ctx context.Context, l *Lobby, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-l.ctx.Done():
		// A reply sent just before shutdown still counts.
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
