// Package bot decides hands and guesses for computer players.
package bot

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

const namePrefix = "🤖 "

var names = []string{
	"Alice", "Bob", "Charlie", "Diana", "Eve", "Frank",
	"Grace", "Henry", "Iris", "Jack", "Kate", "Liam",
}

type Personality struct {
	BluffChance      float64
	SmartGuessChance float64
	Consistency      float64
	MinReaction      time.Duration
	MaxReaction      time.Duration
}

var personalities = map[engine.Difficulty]Personality{
	engine.DifficultyEasy: {
		BluffChance: 0.3, SmartGuessChance: 0.2, Consistency: 0.4,
		MinReaction: time.Second, MaxReaction: 3 * time.Second,
	},
	engine.DifficultyMedium: {
		BluffChance: 0.5, SmartGuessChance: 0.6, Consistency: 0.7,
		MinReaction: 800 * time.Millisecond, MaxReaction: 2500 * time.Millisecond,
	},
	engine.DifficultyHard: {
		BluffChance: 0.7, SmartGuessChance: 0.8, Consistency: 0.9,
		MinReaction: 500 * time.Millisecond, MaxReaction: 2 * time.Second,
	},
}

func PersonalityFor(d engine.Difficulty) Personality {
	if p, ok := personalities[d]; ok {
		return p
	}
	return personalities[engine.DifficultyEasy]
}

// Brain is not safe for concurrent use; the session loop owns it.
type Brain struct {
	rng *rand.Rand
}

func NewBrain(rng *rand.Rand) *Brain {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Brain{rng: rng}
}

// Name picks a bot display name not already used in the room.
func (b *Brain) Name(r engine.Room) string {
	taken := map[string]bool{}
	for _, p := range r.Players {
		taken[strings.TrimPrefix(p.Name, namePrefix)] = true
	}
	free := make([]string, 0, len(names))
	for _, n := range names {
		if !taken[n] {
			free = append(free, n)
		}
	}
	if len(free) == 0 {
		return namePrefix + "Bot" + string(rune('0'+b.rng.IntN(10)))
	}
	return namePrefix + free[b.rng.IntN(len(free))]
}

// ThinkTime is how long the bot pretends to deliberate, scaled by pace.
func (b *Brain) ThinkTime(p engine.Player, pace float64) time.Duration {
	if pace <= 0 {
		return 0
	}
	pers := PersonalityFor(p.Difficulty)
	span := pers.MaxReaction - pers.MinReaction
	d := pers.MinReaction + time.Duration(b.rng.Float64()*float64(span))
	return time.Duration(float64(d) * pace)
}

// ChooseHand picks where a holding bot hides the stick.
func (b *Brain) ChooseHand(p engine.Player, history []engine.RoundRecord) engine.Hand {
	pers := PersonalityFor(p.Difficulty)
	if b.rng.Float64() >= pers.Consistency {
		return b.coin()
	}
	switch p.Difficulty {
	case engine.DifficultyHard:
		return b.avoidRecentMajority(history)
	case engine.DifficultyMedium:
		return b.avoidLast(history)
	default:
		return b.coin()
	}
}

// Guess picks a voting bot's hand for the current holder.
func (b *Brain) Guess(p engine.Player, holderID string, history []engine.RoundRecord, votes map[string]engine.Hand) engine.Hand {
	pers := PersonalityFor(p.Difficulty)
	if b.rng.Float64() >= pers.SmartGuessChance {
		return b.coin()
	}
	switch p.Difficulty {
	case engine.DifficultyHard:
		return b.readHolder(holderID, history, votes)
	case engine.DifficultyMedium:
		return b.predictSwitch(holderID, history)
	default:
		return b.coin()
	}
}

func (b *Brain) avoidRecentMajority(history []engine.RoundRecord) engine.Hand {
	if len(history) == 0 {
		return b.coin()
	}
	recent := history[max(0, len(history)-3):]
	left := 0
	for _, h := range recent {
		if h.StickHand == engine.HandLeft {
			left++
		}
	}
	right := len(recent) - left
	switch {
	case left > right:
		return b.lean(engine.HandRight, 0.7)
	case right > left:
		return b.lean(engine.HandLeft, 0.7)
	default:
		return b.coin()
	}
}

func (b *Brain) avoidLast(history []engine.RoundRecord) engine.Hand {
	if len(history) == 0 {
		return b.coin()
	}
	last := history[len(history)-1].StickHand
	if last.Valid() && b.rng.Float64() < 0.6 {
		return opposite(last)
	}
	return b.coin()
}

func (b *Brain) readHolder(holderID string, history []engine.RoundRecord, votes map[string]engine.Hand) engine.Hand {
	left, right := 0, 0
	for _, h := range history {
		if h.HolderID != holderID {
			continue
		}
		if h.StickHand == engine.HandLeft {
			left++
		} else {
			right++
		}
	}
	if left+right > 0 {
		switch {
		case float64(left) > float64(right)*1.5:
			return b.lean(engine.HandLeft, 0.7)
		case float64(right) > float64(left)*1.5:
			return b.lean(engine.HandRight, 0.7)
		}
	}

	crowdLeft, crowdRight := 0, 0
	for _, v := range votes {
		switch v {
		case engine.HandLeft:
			crowdLeft++
		case engine.HandRight:
			crowdRight++
		}
	}
	if crowdLeft > crowdRight && b.rng.Float64() < 0.4 {
		return engine.HandLeft
	}
	if crowdRight > crowdLeft && b.rng.Float64() < 0.4 {
		return engine.HandRight
	}
	return b.coin()
}

func (b *Brain) predictSwitch(holderID string, history []engine.RoundRecord) engine.Hand {
	var mine []engine.RoundRecord
	for _, h := range history {
		if h.HolderID == holderID {
			mine = append(mine, h)
		}
	}
	if len(mine) > 1 && b.rng.Float64() < 0.5 {
		return opposite(mine[len(mine)-1].StickHand)
	}
	return b.coin()
}

func (b *Brain) coin() engine.Hand {
	return b.lean(engine.HandLeft, 0.5)
}

func (b *Brain) lean(h engine.Hand, p float64) engine.Hand {
	if b.rng.Float64() < p {
		return h
	}
	return opposite(h)
}

func opposite(h engine.Hand) engine.Hand {
	if h == engine.HandLeft {
		return engine.HandRight
	}
	return engine.HandLeft
}
