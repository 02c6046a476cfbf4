package engine

import (
	"crypto/rand"
	"maps"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	MinPlayers    = 3
	MaxPlayers    = 8
	MaxNameLength = 20
	codeMin       = 1000
	codeMax       = 9999
)

var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEAA7", "#DDA0DD", "#98D8C8", "#F7DC6F",
}

func DefaultRules() Rules {
	return Rules{
		MinPlayers:       MinPlayers,
		MaxPlayers:       MaxPlayers,
		AllowRevote:      true,
		CloseOnHostLeave: true,
	}
}

func NewEmptyRoom(code string, rules Rules) Room {
	if rules.MinPlayers <= 0 {
		rules.MinPlayers = MinPlayers
	}
	if rules.MaxPlayers <= 0 || rules.MaxPlayers > MaxPlayers {
		rules.MaxPlayers = MaxPlayers
	}
	return Room{
		Code:    code,
		Round:   1,
		Phase:   PhaseWaiting,
		Votes:   map[string]Hand{},
		Players: map[string]Player{},
		Rules:   rules,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// GenerateCode draws a room code uniformly from [1000, 9999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

func ValidCode(code string) bool {
	if len(code) != 4 {
		return false
	}
	n, err := strconv.Atoi(code)
	return err == nil && n >= codeMin && n <= codeMax
}

// NormalizeName trims and NFC-normalizes a display name, then checks it is
// 1 to 20 characters.
func NormalizeName(name string) (string, bool) {
	clean := strings.TrimSpace(norm.NFC.String(name))
	n := utf8.RuneCountInString(clean)
	return clean, n >= 1 && n <= MaxNameLength
}

func colorFor(slot int) string {
	return Palette[slot%len(Palette)]
}

// clone copies every map and slice so transitions never alias their input.
func (r Room) clone() Room {
	next := r
	next.Players = maps.Clone(r.Players)
	if next.Players == nil {
		next.Players = map[string]Player{}
	}
	next.Votes = maps.Clone(r.Votes)
	if next.Votes == nil {
		next.Votes = map[string]Hand{}
	}
	next.History = slices.Clone(r.History)
	if r.Winner != nil {
		w := *r.Winner
		next.Winner = &w
	}
	return next
}

// Clone returns a deep copy of r.
func (r Room) Clone() Room { return r.clone() }
