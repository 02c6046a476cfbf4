package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRoom builds a waiting room with the host "a" plus the given joiners.
func newRoom(t *testing.T, joiners ...string) Room {
	t.Helper()
	r, err := CreateRoom("1234", "a", "Alice", DefaultRules(), time.Unix(0, 0))
	require.NoError(t, err)
	for _, id := range joiners {
		r, err = JoinRoom(r, id, "player-"+id)
		require.NoError(t, err)
	}
	return r
}

func startedRoom(t *testing.T, joiners ...string) Room {
	t.Helper()
	r, err := StartGame(newRoom(t, joiners...), "a")
	require.NoError(t, err)
	return r
}

func mustApply(t *testing.T, r Room, cmd Command) Room {
	t.Helper()
	_, next, err := Apply(r, cmd)
	require.NoError(t, err, "apply %s", cmd.Type)
	return next
}

func TestCreateRoom(t *testing.T) {
	r := newRoom(t)

	assert.Equal(t, "1234", r.Code)
	assert.Equal(t, "a", r.HostID)
	assert.Equal(t, PhaseWaiting, r.Phase)
	assert.False(t, r.Started)
	require.Len(t, r.Players, 1)
	assert.True(t, r.Players["a"].IsHost)
	assert.Equal(t, 0, r.Players["a"].Score)
	assert.Equal(t, Palette[0], r.Players["a"].Color)
}

func TestCreateRoom_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		host    string
		wantErr error
	}{
		{name: "short code", code: "123", host: "Alice", wantErr: ErrInvalidCode},
		{name: "code below range", code: "0999", host: "Alice", wantErr: ErrInvalidCode},
		{name: "blank name", code: "1234", host: "   ", wantErr: ErrInvalidName},
		{name: "name too long", code: "1234", host: "abcdefghijklmnopqrstu", wantErr: ErrInvalidName},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreateRoom(tc.code, "a", tc.host, DefaultRules(), time.Now())
			assert.ErrorIs(t, err, tc.wantErr)
			assert.True(t, IsRejection(err))
		})
	}
}

func TestJoinRoom_AssignsPaletteBySize(t *testing.T) {
	r := newRoom(t, "b", "c")

	assert.Equal(t, Palette[1], r.Players["b"].Color)
	assert.Equal(t, Palette[2], r.Players["c"].Color)
	assert.Equal(t, []string{"a", "b", "c"}, TurnOrder(r))
}

func TestJoinRoom_Rejections(t *testing.T) {
	full := newRoom(t, "b", "c", "d", "e", "f", "g", "h")
	require.Len(t, full.Players, 8)

	cases := []struct {
		name    string
		setup   Room
		id      string
		wantErr error
	}{
		{name: "room at eight players", setup: full, id: "z", wantErr: ErrRoomFull},
		{name: "game started", setup: startedRoom(t, "b", "c"), id: "z", wantErr: ErrGameInProgress},
		{name: "duplicate id", setup: newRoom(t, "b"), id: "b", wantErr: ErrDuplicatePlayer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := JoinRoom(tc.setup, tc.id, "Zed")
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.setup, next)
		})
	}
}

func TestStartGame(t *testing.T) {
	t.Run("not host", func(t *testing.T) {
		_, err := StartGame(newRoom(t, "b", "c"), "b")
		assert.ErrorIs(t, err, ErrNotHost)
	})
	t.Run("too few players", func(t *testing.T) {
		_, err := StartGame(newRoom(t, "b"), "a")
		assert.ErrorIs(t, err, ErrTooFewPlayers)
	})
	t.Run("starts at round one", func(t *testing.T) {
		r := startedRoom(t, "b", "c")
		assert.True(t, r.Started)
		assert.Equal(t, 1, r.Round)
		assert.Equal(t, 0, r.HolderIndex)
		assert.Equal(t, PhaseChoosing, r.Phase)
	})
}

func TestChooseHand(t *testing.T) {
	r := startedRoom(t, "b", "c")

	_, err := ChooseHand(r, "b", HandLeft)
	assert.ErrorIs(t, err, ErrNotCurrentHolder)

	_, err = ChooseHand(r, "a", Hand("up"))
	assert.ErrorIs(t, err, ErrInvalidHand)

	next, err := ChooseHand(r, "a", HandLeft)
	require.NoError(t, err)
	assert.Equal(t, PhaseVoting, next.Phase)
	assert.Equal(t, HandLeft, next.StickHand)
	assert.Empty(t, next.Votes)

	_, err = ChooseHand(next, "a", HandRight)
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestCastVote_Rejections(t *testing.T) {
	choosing := startedRoom(t, "b", "c")
	voting, err := ChooseHand(choosing, "a", HandLeft)
	require.NoError(t, err)

	noRevote := voting.Clone()
	noRevote.Rules.AllowRevote = false
	noRevote.Votes["b"] = HandLeft

	cases := []struct {
		name    string
		setup   Room
		voter   string
		hand    Hand
		wantErr error
	}{
		{name: "not voting phase", setup: choosing, voter: "b", hand: HandLeft, wantErr: ErrNotVotingPhase},
		{name: "holder votes", setup: voting, voter: "a", hand: HandLeft, wantErr: ErrIsHolder},
		{name: "stranger votes", setup: voting, voter: "zz", hand: HandLeft, wantErr: ErrUnknownPlayer},
		{name: "revote forbidden", setup: noRevote, voter: "b", hand: HandRight, wantErr: ErrAlreadyVoted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CastVote(tc.setup, tc.voter, tc.hand)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCastVote_Idempotent(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "a", Hand: HandLeft})

	once, err := CastVote(r, "b", HandRight)
	require.NoError(t, err)
	twice, err := CastVote(once, "b", HandRight)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, map[string]Hand{"b": HandRight}, twice.Votes)

	changed, err := CastVote(twice, "b", HandLeft)
	require.NoError(t, err)
	assert.Equal(t, map[string]Hand{"b": HandLeft}, changed.Votes)
}

func TestCastVote_DoesNotAliasInput(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "a", Hand: HandLeft})

	_, err := CastVote(r, "b", HandRight)
	require.NoError(t, err)
	assert.Empty(t, r.Votes)
}

func TestScoreRound_Scenarios(t *testing.T) {
	cases := []struct {
		name       string
		stick      Hand
		votes      map[string]Hand
		wantScores map[string]int
		wantRight  int
	}{
		{
			name:       "half correct does not award holder",
			stick:      HandLeft,
			votes:      map[string]Hand{"b": HandLeft, "c": HandRight},
			wantScores: map[string]int{"a": 0, "b": 1, "c": 0},
			wantRight:  1,
		},
		{
			name:       "nobody correct awards holder",
			stick:      HandRight,
			votes:      map[string]Hand{"b": HandLeft, "c": HandLeft},
			wantScores: map[string]int{"a": 1, "b": 0, "c": 0},
			wantRight:  0,
		},
		{
			name:       "everyone correct",
			stick:      HandRight,
			votes:      map[string]Hand{"b": HandRight, "c": HandRight},
			wantScores: map[string]int{"a": 0, "b": 1, "c": 1},
			wantRight:  2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := startedRoom(t, "b", "c")
			r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "a", Hand: tc.stick})
			for voter, hand := range tc.votes {
				r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: voter, Hand: hand})
			}
			require.True(t, AllVotesIn(r))

			scored, err := ScoreRound(r)
			require.NoError(t, err)

			assert.Equal(t, PhaseResults, scored.Phase)
			for id, want := range tc.wantScores {
				assert.Equal(t, want, scored.Players[id].Score, "score of %s", id)
			}
			require.Len(t, scored.History, 1)
			assert.Equal(t, tc.wantRight, scored.History[0].Correct)
			assert.Equal(t, "a", scored.History[0].HolderID)
		})
	}
}

func TestScoreRound_ExactlyOnce(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "a", Hand: HandLeft})
	r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "b", Hand: HandLeft})

	_, err := ScoreRound(r)
	require.ErrorIs(t, err, ErrVotesPending)

	r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "c", Hand: HandLeft})
	scored, err := ScoreRound(r)
	require.NoError(t, err)

	again, err := ScoreRound(scored)
	assert.ErrorIs(t, err, ErrNotVotingPhase)
	assert.Equal(t, scored, again)
}

func TestScoreRound_BoundedDelta(t *testing.T) {
	hands := []Hand{HandLeft, HandRight}
	for _, stick := range hands {
		for _, vb := range hands {
			for _, vc := range hands {
				for _, vd := range hands {
					name := fmt.Sprintf("%s/%s%s%s", stick, vb, vc, vd)
					t.Run(name, func(t *testing.T) {
						r := startedRoom(t, "b", "c", "d")
						r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "a", Hand: stick})
						r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "b", Hand: vb})
						r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "c", Hand: vc})
						r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "d", Hand: vd})

						scored, err := ScoreRound(r)
						require.NoError(t, err)
						for id, p := range scored.Players {
							delta := p.Score - r.Players[id].Score
							assert.True(t, delta == 0 || delta == 1, "%s moved by %d", id, delta)
						}
					})
				}
			}
		}
	}
}

func TestAdvanceRound_RotatesHolder(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = playRound(t, r, HandLeft, HandLeft)

	_, err := AdvanceRound(r, "zz")
	require.ErrorIs(t, err, ErrUnknownPlayer)

	next, err := AdvanceRound(r, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Round)
	assert.Equal(t, 1, next.HolderIndex)
	assert.Equal(t, PhaseChoosing, next.Phase)
	assert.Equal(t, HandUnset, next.StickHand)
	assert.Empty(t, next.Votes)

	holder, ok := CurrentHolder(next)
	require.True(t, ok)
	assert.Equal(t, "b", holder.ID)
}

func TestAdvanceRound_WrongPhase(t *testing.T) {
	_, err := AdvanceRound(startedRoom(t, "b", "c"), "a")
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestFullGame_EndsAfterEveryoneHolds(t *testing.T) {
	r := startedRoom(t, "b", "c", "d")
	n := len(r.Players)

	for i := 0; i < n; i++ {
		require.False(t, r.Ended)
		assert.Less(t, r.HolderIndex, len(r.Players))
		r = playRound(t, r, HandLeft, HandRight)
		var err error
		r, err = AdvanceRound(r, "a")
		require.NoError(t, err)
	}

	assert.True(t, r.Ended)
	assert.Equal(t, n, r.Round)
	require.NotNil(t, r.Winner)

	_, err := AdvanceRound(r, "a")
	assert.ErrorIs(t, err, ErrGameEnded)
	_, err = ChooseHand(r, "a", HandLeft)
	assert.ErrorIs(t, err, ErrGameEnded)
}

func TestWinner_TieGoesToEarliestJoiner(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = r.Clone()
	for id, p := range r.Players {
		p.Score = 2
		r.Players[id] = p
	}
	r.Round = 3
	r.Phase = PhaseResults

	done, err := AdvanceRound(r, "a")
	require.NoError(t, err)
	require.True(t, done.Ended)
	assert.Equal(t, "a", done.Winner.ID)

	p := r.Players["c"]
	p.Score = 3
	r.Players["c"] = p
	done, err = AdvanceRound(r, "a")
	require.NoError(t, err)
	assert.Equal(t, "c", done.Winner.ID)
}

func TestResetThenStart_ReproducesInitialState(t *testing.T) {
	r := startedRoom(t, "b", "c")
	r = playRound(t, r, HandRight, HandRight)
	r = mustApply(t, r, Command{Type: CmdAdvanceRound, PlayerID: "b"})

	_, err := ResetGame(r, "b")
	require.ErrorIs(t, err, ErrNotHost)

	reset, err := ResetGame(r, "a")
	require.NoError(t, err)
	assert.Equal(t, PhaseWaiting, reset.Phase)
	assert.False(t, reset.Started)
	assert.False(t, reset.Ended)
	assert.Nil(t, reset.Winner)

	restarted, err := StartGame(reset, "a")
	require.NoError(t, err)
	assert.Equal(t, PhaseChoosing, restarted.Phase)
	assert.Equal(t, 1, restarted.Round)
	assert.Equal(t, 0, restarted.HolderIndex)
	for _, p := range restarted.Players {
		assert.Zero(t, p.Score, p.ID)
	}
}

func TestLeaveRoom(t *testing.T) {
	t.Run("unknown player", func(t *testing.T) {
		_, _, err := LeaveRoom(newRoom(t, "b"), "zz")
		assert.ErrorIs(t, err, ErrUnknownPlayer)
	})

	t.Run("host leaving closes by default", func(t *testing.T) {
		events, _, err := Apply(newRoom(t, "b", "c"), Command{Type: CmdLeave, PlayerID: "a"})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(events, EvtRoomClosed))
	})

	t.Run("host leaving promotes earliest joiner", func(t *testing.T) {
		r := newRoom(t, "b", "c")
		r.Rules.CloseOnHostLeave = false

		events, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: "a"})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(events, EvtHostPromoted))
		assert.Equal(t, "b", next.HostID)
		assert.True(t, next.Players["b"].IsHost)
	})

	t.Run("last player closes", func(t *testing.T) {
		r := newRoom(t)
		r.Rules.CloseOnHostLeave = false
		_, closed, err := LeaveRoom(r, "a")
		require.NoError(t, err)
		assert.True(t, closed)
	})

	t.Run("holder leaving mid-vote skips their turn", func(t *testing.T) {
		r := startedRoom(t, "b", "c", "d")
		r = playRound(t, r, HandLeft, HandLeft)
		r = mustApply(t, r, Command{Type: CmdAdvanceRound, PlayerID: "a"})
		r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: "b", Hand: HandLeft})
		r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: "c", Hand: HandLeft})

		events, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: "b"})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(events, EvtHolderSkipped))
		assert.Equal(t, PhaseChoosing, next.Phase)
		assert.Empty(t, next.Votes)
		holder, ok := CurrentHolder(next)
		require.True(t, ok)
		assert.Equal(t, "c", holder.ID)
	})

	t.Run("voter before holder keeps holder", func(t *testing.T) {
		r := startedRoom(t, "b", "c", "d")
		r = r.Clone()
		r.HolderIndex = 2
		_, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: "b"})
		require.NoError(t, err)
		holder, _ := CurrentHolder(next)
		assert.Equal(t, "c", holder.ID)
	})

	t.Run("leaving in results lands next advance on successor", func(t *testing.T) {
		r := startedRoom(t, "b", "c", "d")
		r = playRound(t, r, HandLeft, HandLeft, HandLeft)
		r.Rules.CloseOnHostLeave = false

		_, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: "a"})
		require.NoError(t, err)
		next = mustApply(t, next, Command{Type: CmdAdvanceRound, PlayerID: "b"})
		holder, _ := CurrentHolder(next)
		assert.Equal(t, "b", holder.ID)
	})

	t.Run("dropping below two players ends the game", func(t *testing.T) {
		r := startedRoom(t, "b", "c")
		r.Rules.CloseOnHostLeave = false
		r = mustApply(t, r, Command{Type: CmdLeave, PlayerID: "b"})

		events, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: "c"})
		require.NoError(t, err)
		assert.True(t, ContainsEvent(events, EvtGameEnded))
		assert.True(t, next.Ended)
		assert.Equal(t, "a", next.Winner.ID)
	})
}

func TestHolderIndexInvariant_AcrossLeaves(t *testing.T) {
	for leaver := range []int{0, 1, 2, 3} {
		t.Run(fmt.Sprint(leaver), func(t *testing.T) {
			r := startedRoom(t, "b", "c", "d")
			r.Rules.CloseOnHostLeave = false
			r = r.Clone()
			r.HolderIndex = 3
			id := TurnOrder(r)[leaver]
			_, next, err := Apply(r, Command{Type: CmdLeave, PlayerID: id})
			require.NoError(t, err)
			assert.Less(t, next.HolderIndex, len(next.Players))
		})
	}
}

func TestAddBot(t *testing.T) {
	r := newRoom(t)

	_, err := AddBot(r, "b", "bot1", "Bot", DifficultyEasy)
	require.ErrorIs(t, err, ErrNotHost)

	_, err = AddBot(r, "a", "bot1", "Bot", Difficulty("insane"))
	require.ErrorIs(t, err, ErrUnsupportedCommand)

	events, next, err := Apply(r, Command{Type: CmdAddBot, PlayerID: "a", TargetID: "bot1", Name: "Bot", Difficulty: DifficultyHard})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(events, EvtBotAdded))
	assert.True(t, next.Players["bot1"].IsBot)
	assert.Equal(t, DifficultyHard, next.Players["bot1"].Difficulty)

	_, err = StartGame(next, "a")
	assert.ErrorIs(t, err, ErrTooFewPlayers)

	_, removed, err := Apply(next, Command{Type: CmdRemoveBot, PlayerID: "a", TargetID: "bot1"})
	require.NoError(t, err)
	assert.NotContains(t, removed.Players, "bot1")

	_, _, err = Apply(next, Command{Type: CmdRemoveBot, PlayerID: "a", TargetID: "a"})
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestApply_UnsupportedCommand(t *testing.T) {
	_, _, err := Apply(newRoom(t), Command{Type: "Teleport"})
	if err == nil || !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("want ErrUnsupportedCommand, got %v", err)
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.True(t, ValidCode(code), code)
	}
}

// playRound has the current holder hide the stick and every other player vote
// the given hands in turn order, then scores the round.
func playRound(t *testing.T, r Room, stick Hand, votes ...Hand) Room {
	t.Helper()
	holder, ok := CurrentHolder(r)
	require.True(t, ok)
	r = mustApply(t, r, Command{Type: CmdChooseHand, PlayerID: holder.ID, Hand: stick})

	i := 0
	for _, id := range TurnOrder(r) {
		if id == holder.ID {
			continue
		}
		hand := votes[i%len(votes)]
		i++
		r = mustApply(t, r, Command{Type: CmdCastVote, PlayerID: id, Hand: hand})
	}
	return mustApply(t, r, Command{Type: CmdScoreRound, PlayerID: holder.ID})
}
