// Package hub is the in-memory Room Store: a registry of lobby actors keyed
// by room code.
package hub

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/lobby"
	"github.com/DoyleJ11/kaataq/internal/store"
)

const DefaultSubscriberBuffer = 32

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// ReapLobby drops Lobby from the registry if it is still registered under
// Code and has gone idle.
type ReapLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type CountLobbies struct {
	Reply chan int
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	buffer  int
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	// versions remembers where reaped lobbies stopped counting.
	versions map[string]int64
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()     {}
func (EnsureLobby) isHubMsg()  {}
func (ReapLobby) isHubMsg()    {}
func (CountLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

var _ store.Store = (*Hub)(nil)

type Option func(*Hub)

// WithSubscriberBuffer sets how many snapshots a subscriber may fall behind
// before it is dropped.
func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHub(parent context.Context, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		lobbies:  make(map[string]*lobby.Lobby),
		versions: make(map[string]int64),
		buffer:   DefaultSubscriberBuffer,
		log:      zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Close stops the hub and every lobby it owns.
func (h *Hub) Close() error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
	<-h.ctx.Done()
	return nil
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					msg.Reply <- lb
					break
				}

				lb := lobby.Resume(h.ctx, msg.Code, h.versions[msg.Code])
				delete(h.versions, msg.Code)
				h.lobbies[msg.Code] = lb
				msg.Reply <- lb

			case ReapLobby:
				if h.lobbies[msg.Code] != msg.Lobby {
					break
				}
				reply := make(chan lobby.Retirement, 1)
				if err := msg.Lobby.Send(h.ctx, lobby.Retire{Reply: reply}); err != nil {
					delete(h.lobbies, msg.Code)
					break
				}
				res, err := lobby.Await(h.ctx, msg.Lobby, reply)
				if err != nil || res.Retired {
					delete(h.lobbies, msg.Code)
					if res.Version > 0 {
						h.versions[msg.Code] = res.Version
					}
					h.log.Debug("lobby reaped", zap.String("code", msg.Code), zap.Int64("version", res.Version))
				}

			case CountLobbies:
				msg.Reply <- len(h.lobbies)

			case ShutdownHub:
				for _, lb := range h.lobbies {
					lb.Inbox() <- lobby.Shutdown{}
				}
				clear(h.lobbies)
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) lookup(ctx context.Context, code string, create bool) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	var msg HubMsg = GetLobby{Code: code, Reply: reply}
	if create {
		msg = EnsureLobby{Code: code, Reply: reply}
	}

	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
		return nil, store.ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.ctx.Done():
		return nil, store.ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withLobby runs fn against the lobby for code, starting over when the lobby
// was reaped between lookup and request.
func (h *Hub) withLobby(ctx context.Context, code string, create bool, fn func(*lobby.Lobby) error) error {
	for {
		lb, err := h.lookup(ctx, code, create)
		if err != nil {
			return err
		}
		if lb == nil {
			return store.ErrNotFound
		}
		err = fn(lb)
		if errors.Is(err, lobby.ErrClosed) {
			continue
		}
		return err
	}
}

func (h *Hub) reap(code string, lb *lobby.Lobby) {
	select {
	case h.inbox <- ReapLobby{Code: code, Lobby: lb}:
	case <-h.ctx.Done():
	}
}

func request(ctx context.Context, lb *lobby.Lobby, build func(chan lobby.Result) lobby.Msg) (store.Snapshot, error) {
	reply := make(chan lobby.Result, 1)
	if err := lb.Send(ctx, build(reply)); err != nil {
		return store.Snapshot{}, err
	}
	res, err := lobby.Await(ctx, lb, reply)
	if err != nil {
		return store.Snapshot{}, err
	}
	return res.Snapshot, res.Err
}

func (h *Hub) Get(ctx context.Context, code string) (store.Snapshot, error) {
	var snap store.Snapshot
	err := h.withLobby(ctx, code, false, func(lb *lobby.Lobby) error {
		var err error
		snap, err = request(ctx, lb, func(r chan lobby.Result) lobby.Msg { return lobby.Read{Reply: r} })
		return err
	})
	return snap, err
}

func (h *Hub) Set(ctx context.Context, code string, room engine.Room) (int64, error) {
	var snap store.Snapshot
	err := h.withLobby(ctx, code, true, func(lb *lobby.Lobby) error {
		var err error
		snap, err = request(ctx, lb, func(r chan lobby.Result) lobby.Msg {
			return lobby.Write{Room: room, Reply: r}
		})
		return err
	})
	return snap.Version, err
}

func (h *Hub) CompareAndSet(ctx context.Context, code string, expected int64, room engine.Room) (int64, error) {
	var snap store.Snapshot
	err := h.withLobby(ctx, code, true, func(lb *lobby.Lobby) error {
		var err error
		snap, err = request(ctx, lb, func(r chan lobby.Result) lobby.Msg {
			return lobby.Write{Room: room, Conditional: true, Expected: expected, Reply: r}
		})
		return err
	})
	return snap.Version, err
}

func (h *Hub) Update(ctx context.Context, code string, fields map[string]any) (int64, error) {
	var snap store.Snapshot
	err := h.withLobby(ctx, code, false, func(lb *lobby.Lobby) error {
		var err error
		snap, err = request(ctx, lb, func(r chan lobby.Result) lobby.Msg {
			return lobby.Patch{Fields: fields, Reply: r}
		})
		return err
	})
	return snap.Version, err
}

func (h *Hub) Delete(ctx context.Context, code string) error {
	err := h.withLobby(ctx, code, false, func(lb *lobby.Lobby) error {
		_, err := request(ctx, lb, func(r chan lobby.Result) lobby.Msg { return lobby.Remove{Reply: r} })
		if err == nil {
			h.reap(code, lb)
		}
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Hub) Subscribe(ctx context.Context, code string) (<-chan store.Snapshot, error) {
	id := uuid.NewString()
	out := make(chan store.Snapshot, h.buffer)

	var joined *lobby.Lobby
	err := h.withLobby(ctx, code, true, func(lb *lobby.Lobby) error {
		if err := lb.Send(ctx, lobby.Join{ClientID: id, Outbox: out}); err != nil {
			return err
		}
		// The lobby answers in order, so a state reply means Join landed.
		reply := make(chan lobby.View, 1)
		if err := lb.Send(ctx, lobby.GetState{Reply: reply}); err != nil {
			return err
		}
		if _, err := lobby.Await(ctx, lb, reply); err != nil {
			if !errors.Is(err, lobby.ErrClosed) {
				_ = lb.Send(context.Background(), lobby.Leave{ClientID: id})
			}
			return err
		}
		joined = lb
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.log.Debug("subscribed", zap.String("code", code), zap.String("subscriber", id))
	go func() {
		<-ctx.Done()
		if err := joined.Send(context.Background(), lobby.Leave{ClientID: id}); err == nil {
			h.reap(code, joined)
		}
	}()
	return out, nil
}

// NumLobbies reports how many room paths are live, for tests and metrics.
func (h *Hub) NumLobbies(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case h.inbox <- CountLobbies{Reply: reply}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
