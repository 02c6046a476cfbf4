package engine

import (
	"cmp"
	"slices"
)

// TurnOrder lists player ids by join sequence. Holder rotation, host
// promotion and winner tie-breaks all read from it, never from map order.
func TurnOrder(r Room) []string {
	ids := make([]string, 0, len(r.Players))
	for id := range r.Players {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(r.Players[a].Seq, r.Players[b].Seq); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// CurrentHolder is the player at HolderIndex in turn order.
func CurrentHolder(r Room) (Player, bool) {
	order := TurnOrder(r)
	if r.HolderIndex < 0 || r.HolderIndex >= len(order) {
		return Player{}, false
	}
	return r.Players[order[r.HolderIndex]], true
}

// Leader is the first player in turn order holding the maximum score.
func Leader(r Room) (Player, bool) {
	var best Player
	found := false
	for _, id := range TurnOrder(r) {
		p := r.Players[id]
		if !found || p.Score > best.Score {
			best = p
			found = true
		}
	}
	return best, found
}

func indexOf(order []string, id string) int {
	return slices.Index(order, id)
}
