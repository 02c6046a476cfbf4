package engine

import "time"

// CreateRoom seeds a room with its host at score 0. The caller owns code
// allocation and the collision check against the store.
func CreateRoom(code, hostID, hostName string, rules Rules, now time.Time) (Room, error) {
	if !ValidCode(code) {
		return Room{}, ErrInvalidCode
	}
	name, ok := NormalizeName(hostName)
	if !ok {
		return Room{}, ErrInvalidName
	}
	if hostID == "" {
		return Room{}, ErrUnknownPlayer
	}

	r := NewEmptyRoom(code, rules)
	r.HostID = hostID
	r.CreatedAt = now.UTC()
	r.Players[hostID] = Player{
		ID:     hostID,
		Name:   name,
		Color:  colorFor(0),
		IsHost: true,
		Seq:    r.NextSeq,
	}
	r.NextSeq++
	return r, nil
}

func JoinRoom(r Room, playerID, name string) (Room, error) {
	if r.Started {
		return r, ErrGameInProgress
	}
	if len(r.Players) >= r.Rules.MaxPlayers {
		return r, ErrRoomFull
	}
	if playerID == "" {
		return r, ErrUnknownPlayer
	}
	if _, exists := r.Players[playerID]; exists {
		return r, ErrDuplicatePlayer
	}
	clean, ok := NormalizeName(name)
	if !ok {
		return r, ErrInvalidName
	}

	next := r.clone()
	next.Players[playerID] = Player{
		ID:    playerID,
		Name:  clean,
		Color: colorFor(len(r.Players)),
		Seq:   next.NextSeq,
	}
	next.NextSeq++
	return next, nil
}

func StartGame(r Room, requesterID string) (Room, error) {
	if requesterID != r.HostID {
		return r, ErrNotHost
	}
	if r.Started {
		return r, ErrGameInProgress
	}
	if len(r.Players) < r.Rules.MinPlayers {
		return r, ErrTooFewPlayers
	}

	next := r.clone()
	next.Started = true
	next.Ended = false
	next.Winner = nil
	next.Round = 1
	next.HolderIndex = 0
	next.Phase = PhaseChoosing
	next.StickHand = HandUnset
	next.Votes = map[string]Hand{}
	return next, nil
}

func ChooseHand(r Room, holderID string, hand Hand) (Room, error) {
	if r.Ended {
		return r, ErrGameEnded
	}
	if r.Phase != PhaseChoosing {
		return r, ErrWrongPhase
	}
	holder, ok := CurrentHolder(r)
	if !ok || holder.ID != holderID {
		return r, ErrNotCurrentHolder
	}
	if !hand.Valid() {
		return r, ErrInvalidHand
	}

	next := r.clone()
	next.StickHand = hand
	next.Votes = map[string]Hand{}
	next.Phase = PhaseVoting
	return next, nil
}

// CastVote records voterID's guess. Re-voting overwrites the previous guess
// unless the room's rules forbid it.
func CastVote(r Room, voterID string, hand Hand) (Room, error) {
	if r.Phase != PhaseVoting || r.Ended {
		return r, ErrNotVotingPhase
	}
	if _, ok := r.Players[voterID]; !ok {
		return r, ErrUnknownPlayer
	}
	if holder, ok := CurrentHolder(r); ok && holder.ID == voterID {
		return r, ErrIsHolder
	}
	if !hand.Valid() {
		return r, ErrInvalidHand
	}
	if prev, voted := r.Votes[voterID]; voted {
		if prev == hand {
			return r, nil
		}
		if !r.Rules.AllowRevote {
			return r, ErrAlreadyVoted
		}
	}

	next := r.clone()
	next.Votes[voterID] = hand
	return next, nil
}

// AllVotesIn is the trigger for scoring: every non-holder has voted.
func AllVotesIn(r Room) bool {
	return len(r.Votes) == len(r.Players)-1
}

// ScoreRound awards one point per correct voter, and one to the holder when
// strictly fewer than half the voters guessed right.
func ScoreRound(r Room) (Room, error) {
	if r.Phase != PhaseVoting || r.Ended {
		return r, ErrNotVotingPhase
	}
	if !AllVotesIn(r) {
		return r, ErrVotesPending
	}
	holder, ok := CurrentHolder(r)
	if !ok {
		return r, ErrNotCurrentHolder
	}

	next := r.clone()
	correct := 0
	for voterID, v := range r.Votes {
		if v != r.StickHand {
			continue
		}
		correct++
		p := next.Players[voterID]
		p.Score++
		next.Players[voterID] = p
	}

	if float64(correct) < float64(len(r.Votes))/2 {
		h := next.Players[holder.ID]
		h.Score++
		next.Players[holder.ID] = h
	}

	next.History = append(next.History, RoundRecord{
		Round:     r.Round,
		HolderID:  holder.ID,
		StickHand: r.StickHand,
		Correct:   correct,
		Voters:    len(r.Votes),
	})
	next.Phase = PhaseResults
	return next, nil
}

// AdvanceRound moves to the next holder, or ends the game once every player
// has held the stick.
func AdvanceRound(r Room, requesterID string) (Room, error) {
	if r.Ended {
		return r, ErrGameEnded
	}
	if r.Phase != PhaseResults {
		return r, ErrWrongPhase
	}
	if _, ok := r.Players[requesterID]; !ok {
		return r, ErrUnknownPlayer
	}

	next := r.clone()
	if r.Round+1 > len(r.Players) {
		endGame(&next)
		return next, nil
	}

	next.Round++
	next.HolderIndex = (r.HolderIndex + 1) % len(r.Players)
	next.StickHand = HandUnset
	next.Votes = map[string]Hand{}
	next.Phase = PhaseChoosing
	return next, nil
}

func ResetGame(r Room, requesterID string) (Room, error) {
	if requesterID != r.HostID {
		return r, ErrNotHost
	}

	next := r.clone()
	for id, p := range next.Players {
		p.Score = 0
		next.Players[id] = p
	}
	next.Started = false
	next.Ended = false
	next.Round = 1
	next.HolderIndex = 0
	next.Phase = PhaseWaiting
	next.StickHand = HandUnset
	next.Votes = map[string]Hand{}
	next.Winner = nil
	next.History = nil
	return next, nil
}

// LeaveRoom removes playerID. closed reports that the room should be deleted
// from the store: the last player left, or the host left and the rules close
// the room on host departure.
func LeaveRoom(r Room, playerID string) (next Room, closed bool, err error) {
	leaving, ok := r.Players[playerID]
	if !ok {
		return r, false, ErrUnknownPlayer
	}

	order := TurnOrder(r)
	departed := indexOf(order, playerID)

	next = r.clone()
	delete(next.Players, playerID)
	delete(next.Votes, playerID)

	if len(next.Players) == 0 {
		return next, true, nil
	}
	if leaving.IsHost {
		if r.Rules.CloseOnHostLeave {
			return next, true, nil
		}
		promoteHost(&next)
	}

	if !r.Started || r.Ended {
		next.HolderIndex = 0
		return next, false, nil
	}

	n := len(next.Players)
	switch {
	case departed < r.HolderIndex:
		next.HolderIndex = r.HolderIndex - 1
	case departed == r.HolderIndex:
		if r.Phase == PhaseResults {
			// The next advance should land on whoever slid into this seat.
			next.HolderIndex = (r.HolderIndex - 1 + n) % n
		} else {
			next.HolderIndex = r.HolderIndex % n
			next.StickHand = HandUnset
			next.Votes = map[string]Hand{}
			next.Phase = PhaseChoosing
		}
	}
	next.HolderIndex %= n

	if n < 2 {
		endGame(&next)
	}
	return next, false, nil
}

// AddBot seats a computer player. Only the host can add bots, and only before
// the game starts.
func AddBot(r Room, requesterID, botID, name string, difficulty Difficulty) (Room, error) {
	if requesterID != r.HostID {
		return r, ErrNotHost
	}
	switch difficulty {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
	default:
		return r, ErrUnsupportedCommand
	}

	next, err := JoinRoom(r, botID, name)
	if err != nil {
		return r, err
	}
	p := next.Players[botID]
	p.IsBot = true
	p.Difficulty = difficulty
	next.Players[botID] = p
	return next, nil
}

func endGame(r *Room) {
	w, ok := Leader(*r)
	if ok {
		r.Winner = &w
	}
	r.Ended = true
	r.Phase = PhaseResults
	r.StickHand = HandUnset
	r.Votes = map[string]Hand{}
}

func promoteHost(r *Room) {
	order := TurnOrder(*r)
	if len(order) == 0 {
		return
	}
	heir := r.Players[order[0]]
	heir.IsHost = true
	r.Players[heir.ID] = heir
	r.HostID = heir.ID
}
