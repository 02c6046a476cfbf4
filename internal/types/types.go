// Package types holds the JSON shapes exchanged between the store server and
// its clients.
package types

import (
	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
)

const (
	MsgStateSnapshot = "StateSnapshot"
	MsgRoomVanished  = "RoomVanished"
	MsgError         = "Error"
)

// ServerMessage is one frame on a room's websocket stream.
type ServerMessage struct {
	Type    string       `json:"type"` // "StateSnapshot" | "RoomVanished" | "Error"
	Code    string       `json:"code,omitempty"`
	Version int64        `json:"version,omitempty"`
	Room    *engine.Room `json:"room,omitempty"`
	Error   string       `json:"error,omitempty"`
}

func SnapshotMessage(snap store.Snapshot) ServerMessage {
	if !snap.Exists() {
		return ServerMessage{Type: MsgRoomVanished, Code: snap.Code}
	}
	return ServerMessage{Type: MsgStateSnapshot, Code: snap.Code, Version: snap.Version, Room: snap.Room}
}

// Snapshot converts a stream frame back. ok is false for Error frames.
func (m ServerMessage) Snapshot() (snap store.Snapshot, ok bool) {
	switch m.Type {
	case MsgStateSnapshot:
		if m.Room == nil {
			return store.Snapshot{}, false
		}
		// Clone so the maps json left nil come back empty.
		room := m.Room.Clone()
		return store.Snapshot{Code: m.Code, Version: m.Version, Room: &room}, true
	case MsgRoomVanished:
		return store.Snapshot{Code: m.Code}, true
	}
	return store.Snapshot{}, false
}

// RoomDoc is the body of GET /rooms/{code}.
type RoomDoc struct {
	Version int64       `json:"version"`
	Room    engine.Room `json:"room"`
}

type VersionResponse struct {
	Version int64 `json:"version"`
}

type CodeResponse struct {
	Code string `json:"code"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
