package session

import (
	"fmt"
	"sort"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

type Screen string

const (
	ScreenWelcome Screen = "welcome"
	ScreenLobby   Screen = "lobby"
	ScreenGame    Screen = "game"
	ScreenEnd     Screen = "end"
)

var phaseTexts = map[engine.Phase]string{
	engine.PhaseChoosing: "is choosing which hand holds the wee...",
	engine.PhaseVoting:   "Vote for which hand has the wee!",
	engine.PhaseResults:  "Round complete!",
}

// HandName is the display name of a hand.
func HandName(h engine.Hand) string {
	switch h {
	case engine.HandLeft:
		return "Camiq (Left)"
	case engine.HandRight:
		return "Taliq (Right)"
	}
	return ""
}

type PlayerLine struct {
	ID     string
	Name   string
	Color  string
	Score  int
	IsHost bool
	IsBot  bool
	IsMe   bool
	Voted  bool
}

type Tally struct {
	Left  int
	Right int
}

// View is everything the presentation layer needs to draw one frame.
type View struct {
	Screen   Screen
	Code     string
	PlayerID string
	IsHost   bool

	Round       int
	TotalRounds int
	Phase       engine.Phase
	HolderName  string
	IsHolder    bool
	Instruction string

	CanStart   bool
	CanChoose  bool
	CanVote    bool
	CanAdvance bool
	CanReset   bool
	CanAddBot  bool

	Selected  engine.Hand
	MyVote    engine.Hand
	Countdown int

	Revealed string
	Tally    Tally

	Players []PlayerLine
	Scores  []PlayerLine
	Winner  string
	Notice  string
}

// Local is the per-session state that is never written to the store.
type Local struct {
	Countdown int
	Selected  engine.Hand
	Notice    string
}

// Project derives the view from a room snapshot alone, so duplicate or late
// snapshots cannot leave stale state behind. A nil room is the welcome screen.
func Project(room *engine.Room, me string, local Local) View {
	v := View{Screen: ScreenWelcome, PlayerID: me, Notice: local.Notice}
	if room == nil {
		return v
	}
	r := *room
	_, member := r.Players[me]

	v.Code = r.Code
	v.IsHost = member && r.HostID == me
	v.Round = r.Round
	v.TotalRounds = len(r.Players)
	v.Phase = r.Phase
	v.Players = lines(r, engine.TurnOrder(r), me)
	v.Scores = scoreboard(r, me)

	switch {
	case r.Ended:
		v.Screen = ScreenEnd
		v.CanReset = v.IsHost
		if r.Winner != nil {
			v.Winner = fmt.Sprintf("%s wins with %d points!", r.Winner.Name, r.Winner.Score)
		}
		return v
	case !r.Started:
		v.Screen = ScreenLobby
		v.CanStart = v.IsHost && len(r.Players) >= r.Rules.MinPlayers
		v.CanAddBot = v.IsHost && len(r.Players) < r.Rules.MaxPlayers
		return v
	}

	v.Screen = ScreenGame
	v.CanReset = v.IsHost
	v.Instruction = phaseTexts[r.Phase]
	holder, ok := engine.CurrentHolder(r)
	if ok {
		v.HolderName = holder.Name
		v.IsHolder = holder.ID == me
	}

	switch r.Phase {
	case engine.PhaseChoosing:
		v.CanChoose = v.IsHolder && local.Selected == engine.HandUnset
		v.Selected = local.Selected
	case engine.PhaseVoting:
		v.CanVote = member && !v.IsHolder
		v.MyVote = r.Votes[me]
		if v.CanVote {
			v.Countdown = local.Countdown
		}
	case engine.PhaseResults:
		v.CanAdvance = member
		v.MyVote = r.Votes[me]
		v.Revealed = HandName(r.StickHand)
		for _, h := range r.Votes {
			switch h {
			case engine.HandLeft:
				v.Tally.Left++
			case engine.HandRight:
				v.Tally.Right++
			}
		}
	}
	return v
}

func lines(r engine.Room, order []string, me string) []PlayerLine {
	out := make([]PlayerLine, 0, len(order))
	for _, id := range order {
		p := r.Players[id]
		_, voted := r.Votes[id]
		out = append(out, PlayerLine{
			ID:     p.ID,
			Name:   p.Name,
			Color:  p.Color,
			Score:  p.Score,
			IsHost: p.ID == r.HostID,
			IsBot:  p.IsBot,
			IsMe:   p.ID == me,
			Voted:  voted,
		})
	}
	return out
}

// scoreboard orders by score, highest first, then by join order.
func scoreboard(r engine.Room, me string) []PlayerLine {
	out := lines(r, engine.TurnOrder(r), me)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
