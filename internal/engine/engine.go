package engine

import (
	"errors"
	"time"
)

// Every rejection leaves the room unchanged.
var (
	ErrRoomFull           = errors.New("room is full")
	ErrGameInProgress     = errors.New("game already in progress")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotHost            = errors.New("only the host can do that")
	ErrTooFewPlayers      = errors.New("not enough players to start")
	ErrNotCurrentHolder   = errors.New("not the current holder")
	ErrWrongPhase         = errors.New("wrong phase")
	ErrNotVotingPhase     = errors.New("voting is not open")
	ErrIsHolder           = errors.New("the holder cannot vote")
	ErrAlreadyVoted       = errors.New("already voted")
	ErrVotesPending       = errors.New("votes still pending")
	ErrGameEnded          = errors.New("game has ended")
	ErrUnknownPlayer      = errors.New("unknown player")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidHand        = errors.New("invalid hand")
	ErrInvalidCode        = errors.New("invalid room code")
	ErrDuplicatePlayer    = errors.New("player already in room")
	ErrUnsupportedCommand = errors.New("unsupported command")
)

var rejections = []error{
	ErrRoomFull, ErrGameInProgress, ErrRoomNotFound, ErrNotHost, ErrTooFewPlayers,
	ErrNotCurrentHolder, ErrWrongPhase, ErrNotVotingPhase, ErrIsHolder, ErrAlreadyVoted,
	ErrVotesPending, ErrGameEnded, ErrUnknownPlayer, ErrInvalidName, ErrInvalidHand,
	ErrInvalidCode, ErrDuplicatePlayer, ErrUnsupportedCommand,
}

// IsRejection reports whether err is a domain-rule violation rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

type Hand string

const (
	HandUnset Hand = ""
	HandLeft  Hand = "left"
	HandRight Hand = "right"
)

func (h Hand) Valid() bool { return h == HandLeft || h == HandRight }

type Phase string

const (
	PhaseWaiting  Phase = "waiting"
	PhaseChoosing Phase = "choosing"
	PhaseVoting   Phase = "voting"
	PhaseResults  Phase = "results"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type Player struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Score      int        `json:"score"`
	Color      string     `json:"color"`
	IsHost     bool       `json:"isHost"`
	Seq        int        `json:"seq"`
	IsBot      bool       `json:"isBot,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
}

type Rules struct {
	MinPlayers       int  `json:"minPlayers"`
	MaxPlayers       int  `json:"maxPlayers"`
	AllowRevote      bool `json:"allowRevote"`
	CloseOnHostLeave bool `json:"closeOnHostLeave"`
}

// RoundRecord is what a scored round leaves behind; bots read it for patterns.
type RoundRecord struct {
	Round     int    `json:"round"`
	HolderID  string `json:"holderId"`
	StickHand Hand   `json:"stickHand"`
	Correct   int    `json:"correct"`
	Voters    int    `json:"voters"`
}

type Room struct {
	Code        string            `json:"code"`
	HostID      string            `json:"hostId"`
	Started     bool              `json:"started"`
	Ended       bool              `json:"ended"`
	Round       int               `json:"round"`
	HolderIndex int               `json:"holderIndex"`
	Phase       Phase             `json:"phase"`
	StickHand   Hand              `json:"stickHand,omitempty"`
	Votes       map[string]Hand   `json:"votes,omitempty"`
	Players     map[string]Player `json:"players,omitempty"`
	Winner      *Player           `json:"winner,omitempty"`
	NextSeq     int               `json:"nextSeq"`
	Rules       Rules             `json:"rules"`
	History     []RoundRecord     `json:"history,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type CommandType string

const (
	CmdJoin         CommandType = "Join"
	CmdStartGame    CommandType = "StartGame"
	CmdChooseHand   CommandType = "ChooseHand"
	CmdCastVote     CommandType = "CastVote"
	CmdScoreRound   CommandType = "ScoreRound"
	CmdAdvanceRound CommandType = "AdvanceRound"
	CmdResetGame    CommandType = "ResetGame"
	CmdLeave        CommandType = "Leave"
	CmdAddBot       CommandType = "AddBot"
	CmdRemoveBot    CommandType = "RemoveBot"
)

/*
	CmdJoin         -> EvtPlayerJoined
	CmdStartGame    -> EvtGameStarted
	CmdChooseHand   -> EvtHandChosen
	CmdCastVote     -> EvtVoteCast
	CmdScoreRound   -> EvtRoundScored
	CmdAdvanceRound -> EvtRoundAdvanced or EvtGameEnded
	CmdResetGame    -> EvtGameReset
	CmdLeave        -> EvtPlayerLeft (+ EvtHostPromoted | EvtHolderSkipped | EvtGameEnded | EvtRoomClosed)
	CmdAddBot       -> EvtBotAdded
	CmdRemoveBot    -> EvtPlayerLeft
*/

type Command struct {
	Type       CommandType
	PlayerID   string // who is acting
	Name       string
	Hand       Hand
	TargetID   string // bot id for AddBot/RemoveBot
	Difficulty Difficulty
}

type EventType string

const (
	EvtPlayerJoined  EventType = "PlayerJoined"
	EvtGameStarted   EventType = "GameStarted"
	EvtHandChosen    EventType = "HandChosen"
	EvtVoteCast      EventType = "VoteCast"
	EvtRoundScored   EventType = "RoundScored"
	EvtRoundAdvanced EventType = "RoundAdvanced"
	EvtGameEnded     EventType = "GameEnded"
	EvtGameReset     EventType = "GameReset"
	EvtPlayerLeft    EventType = "PlayerLeft"
	EvtHostPromoted  EventType = "HostPromoted"
	EvtHolderSkipped EventType = "HolderSkipped"
	EvtRoomClosed    EventType = "RoomClosed"
	EvtBotAdded      EventType = "BotAdded"
)

type Event struct {
	Type     EventType
	PlayerID string
	Round    int
}

// Apply runs one intent against r. On error the returned room is r itself.
func Apply(r Room, cmd Command) ([]Event, Room, error) {
	switch cmd.Type {
	case CmdJoin:
		next, err := JoinRoom(r, cmd.PlayerID, cmd.Name)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtPlayerJoined, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdStartGame:
		next, err := StartGame(r, cmd.PlayerID)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtGameStarted, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdChooseHand:
		next, err := ChooseHand(r, cmd.PlayerID, cmd.Hand)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtHandChosen, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdCastVote:
		next, err := CastVote(r, cmd.PlayerID, cmd.Hand)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtVoteCast, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdScoreRound:
		if _, ok := r.Players[cmd.PlayerID]; !ok {
			return nil, r, ErrUnknownPlayer
		}
		next, err := ScoreRound(r)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtRoundScored, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdAdvanceRound:
		next, err := AdvanceRound(r, cmd.PlayerID)
		if err != nil {
			return nil, r, err
		}
		if next.Ended {
			return []Event{{Type: EvtGameEnded, PlayerID: next.Winner.ID, Round: next.Round}}, next, nil
		}
		return []Event{{Type: EvtRoundAdvanced, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdResetGame:
		next, err := ResetGame(r, cmd.PlayerID)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtGameReset, PlayerID: cmd.PlayerID, Round: next.Round}}, next, nil

	case CmdLeave:
		return leave(r, cmd.PlayerID)

	case CmdAddBot:
		next, err := AddBot(r, cmd.PlayerID, cmd.TargetID, cmd.Name, cmd.Difficulty)
		if err != nil {
			return nil, r, err
		}
		return []Event{{Type: EvtBotAdded, PlayerID: cmd.TargetID, Round: next.Round}}, next, nil

	case CmdRemoveBot:
		if r.HostID != cmd.PlayerID {
			return nil, r, ErrNotHost
		}
		p, ok := r.Players[cmd.TargetID]
		if !ok || !p.IsBot {
			return nil, r, ErrUnknownPlayer
		}
		return leave(r, cmd.TargetID)

	default:
		return nil, r, ErrUnsupportedCommand
	}
}

func leave(r Room, playerID string) ([]Event, Room, error) {
	before := r
	next, closed, err := LeaveRoom(r, playerID)
	if err != nil {
		return nil, r, err
	}

	events := []Event{{Type: EvtPlayerLeft, PlayerID: playerID, Round: next.Round}}
	if closed {
		return append(events, Event{Type: EvtRoomClosed, PlayerID: playerID}), next, nil
	}
	if next.HostID != before.HostID {
		events = append(events, Event{Type: EvtHostPromoted, PlayerID: next.HostID})
	}
	if before.Started && !before.Ended {
		if holder, ok := CurrentHolder(before); ok && holder.ID == playerID &&
			(before.Phase == PhaseChoosing || before.Phase == PhaseVoting) && !next.Ended {
			events = append(events, Event{Type: EvtHolderSkipped, PlayerID: playerID, Round: next.Round})
		}
		if next.Ended {
			events = append(events, Event{Type: EvtGameEnded, PlayerID: next.Winner.ID, Round: next.Round})
		}
	}
	return events, next, nil
}
