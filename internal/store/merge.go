package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

// Merge applies path-keyed fields to room the way a realtime tree update
// does. Keys are slash-separated; a nil value removes the key.
func Merge(room engine.Room, fields map[string]any) (engine.Room, error) {
	doc, err := toDoc(room)
	if err != nil {
		return room, err
	}

	for path, value := range fields {
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			return room, fmt.Errorf("%w: empty path", ErrInvalid)
		}
		parent := doc
		for _, p := range parts[:len(parts)-1] {
			child, ok := parent[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				parent[p] = child
			}
			parent = child
		}
		leaf := parts[len(parts)-1]
		if value == nil {
			delete(parent, leaf)
			continue
		}
		// Round-trip so typed values (engine.Player, engine.Hand) land as
		// plain JSON like everything else in doc.
		plain, err := toPlain(value)
		if err != nil {
			return room, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
		parent[leaf] = plain
	}

	merged, err := fromDoc(doc)
	if err != nil {
		return room, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return merged, nil
}

// Diff returns the path-keyed fields that turn before into after. Nested
// maps one level deep (players, votes) are diffed per entry so concurrent
// writers touching different entries do not clobber each other.
func Diff(before, after engine.Room) (map[string]any, error) {
	a, err := toDoc(before)
	if err != nil {
		return nil, err
	}
	b, err := toDoc(after)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	for key := range union(a, b) {
		av, bv := a[key], b[key]
		if reflect.DeepEqual(av, bv) {
			continue
		}
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if isEntryMap(key) && (aIsMap || av == nil) && (bIsMap || bv == nil) {
			for sub := range union(am, bm) {
				if !reflect.DeepEqual(am[sub], bm[sub]) {
					out[key+"/"+sub] = bm[sub]
				}
			}
			continue
		}
		out[key] = bv
	}
	return out, nil
}

func isEntryMap(key string) bool {
	return key == "players" || key == "votes"
}

func union(a, b map[string]any) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func toDoc(room engine.Room) (map[string]any, error) {
	raw, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func toPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(raw, &out)
	return out, err
}

func fromDoc(doc map[string]any) (engine.Room, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return engine.Room{}, err
	}
	return Decode(raw)
}

// Encode and Decode are the document codec shared by persistent and remote
// backends.
func Encode(room engine.Room) ([]byte, error) { return json.Marshal(room) }

func Decode(raw []byte) (engine.Room, error) {
	var room engine.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return engine.Room{}, err
	}
	if room.Players == nil {
		room.Players = map[string]engine.Player{}
	}
	if room.Votes == nil {
		room.Votes = map[string]engine.Hand{}
	}
	return room, nil
}
