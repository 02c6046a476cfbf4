package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

func projectRoom(t *testing.T) engine.Room {
	t.Helper()
	r, err := engine.CreateRoom("1234", "a", "Aki", engine.DefaultRules(), time.Unix(0, 0))
	require.NoError(t, err)
	r, err = engine.JoinRoom(r, "b", "Bea")
	require.NoError(t, err)
	r, err = engine.JoinRoom(r, "c", "Cal")
	require.NoError(t, err)
	return r
}

func TestProject_NoRoom(t *testing.T) {
	v := Project(nil, "a", Local{Notice: "room no longer exists"})
	require.Equal(t, ScreenWelcome, v.Screen)
	require.Equal(t, "room no longer exists", v.Notice)
	require.Empty(t, v.Code)
}

func TestProject_Lobby(t *testing.T) {
	r := projectRoom(t)

	host := Project(&r, "a", Local{})
	require.Equal(t, ScreenLobby, host.Screen)
	require.True(t, host.CanStart)
	require.True(t, host.CanAddBot)
	require.Equal(t, 3, host.TotalRounds)
	require.Equal(t, []string{"Aki", "Bea", "Cal"}, names(host.Players))
	require.True(t, host.Players[0].IsMe)
	require.True(t, host.Players[0].IsHost)

	guest := Project(&r, "b", Local{})
	require.False(t, guest.CanStart)
	require.False(t, guest.CanAddBot)
}

func TestProject_Phases(t *testing.T) {
	r := projectRoom(t)
	r, err := engine.StartGame(r, "a")
	require.NoError(t, err)

	v := Project(&r, "a", Local{})
	require.Equal(t, ScreenGame, v.Screen)
	require.True(t, v.IsHolder)
	require.True(t, v.CanChoose)
	require.True(t, v.CanReset)
	require.False(t, Project(&r, "a", Local{Selected: engine.HandLeft}).CanChoose)
	require.False(t, Project(&r, "b", Local{}).CanChoose)

	r, err = engine.ChooseHand(r, "a", engine.HandRight)
	require.NoError(t, err)
	v = Project(&r, "b", Local{Countdown: 12})
	require.Equal(t, "Vote for which hand has the wee!", v.Instruction)
	require.True(t, v.CanVote)
	require.Equal(t, 12, v.Countdown)
	require.Empty(t, v.Revealed, "the stick stays hidden while voting")

	holder := Project(&r, "a", Local{Countdown: 12})
	require.False(t, holder.CanVote)
	require.Zero(t, holder.Countdown)

	r, err = engine.CastVote(r, "b", engine.HandLeft)
	require.NoError(t, err)
	r, err = engine.CastVote(r, "c", engine.HandLeft)
	require.NoError(t, err)
	r, err = engine.ScoreRound(r)
	require.NoError(t, err)

	v = Project(&r, "c", Local{})
	require.Equal(t, "Round complete!", v.Instruction)
	require.Equal(t, "Taliq (Right)", v.Revealed)
	require.Equal(t, Tally{Left: 2}, v.Tally)
	require.Equal(t, engine.HandLeft, v.MyVote)
	require.True(t, v.CanAdvance)
	require.Equal(t, "Aki", v.Scores[0].Name, "holder scored and leads")
}

func TestProject_ScoresSortedByScoreThenJoinOrder(t *testing.T) {
	r := projectRoom(t)
	c := r.Players["c"]
	c.Score = 2
	r.Players["c"] = c
	b := r.Players["b"]
	b.Score = 1
	r.Players["b"] = b

	v := Project(&r, "a", Local{})
	require.Equal(t, []string{"Cal", "Bea", "Aki"}, names(v.Scores))

	b.Score = 2
	r.Players["b"] = b
	v = Project(&r, "a", Local{})
	require.Equal(t, []string{"Bea", "Cal", "Aki"}, names(v.Scores))
}

func TestProject_End(t *testing.T) {
	r := projectRoom(t)
	r.Started = true
	r.Ended = true
	w := r.Players["b"]
	w.Score = 3
	r.Winner = &w

	v := Project(&r, "a", Local{})
	require.Equal(t, ScreenEnd, v.Screen)
	require.Equal(t, "Bea wins with 3 points!", v.Winner)
	require.True(t, v.CanReset)
	require.False(t, Project(&r, "b", Local{}).CanReset)
}

func names(lines []PlayerLine) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Name)
	}
	return out
}
