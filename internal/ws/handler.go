// Package ws streams room snapshots to websocket subscribers.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
	"github.com/DoyleJ11/kaataq/internal/types"
)

const writeTimeout = 3 * time.Second

type Options struct {
	// OriginPatterns is passed to websocket.Accept. Empty means same-origin
	// only; non-browser clients send no Origin and are always accepted.
	OriginPatterns []string
	Logger         *zap.Logger
}

// Handler subscribes to rooms/{code} and forwards every snapshot as a
// ServerMessage. The stream is one-way; anything the client sends is ignored.
func Handler(st store.Store, opts Options) http.HandlerFunc {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if !engine.ValidCode(code) {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.String("code", code), zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusInternalError, "unexpected exit")

		// CloseRead cancels ctx when the client goes away.
		ctx := conn.CloseRead(r.Context())
		snaps, err := st.Subscribe(ctx, code)
		if err != nil {
			log.Warn("subscribe failed", zap.String("code", code), zap.Error(err))
			_ = write(ctx, conn, types.ServerMessage{Type: types.MsgError, Code: code, Error: err.Error()})
			conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
			return
		}
		log.Debug("stream opened", zap.String("code", code))

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return

			case snap, ok := <-snaps:
				if !ok {
					// The store dropped us for falling behind; the client resubscribes.
					conn.Close(websocket.StatusTryAgainLater, "subscription ended")
					return
				}
				if err := write(ctx, conn, types.SnapshotMessage(snap)); err != nil {
					log.Debug("stream write failed", zap.String("code", code), zap.Error(err))
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
