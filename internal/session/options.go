package session

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/engine"
)

// Consistency selects how a session commits transitions to the store.
type Consistency string

const (
	// Strict commits with compare-and-set and re-evaluates on conflict.
	Strict Consistency = "strict"
	// Legacy merges the changed keys unconditionally. Concurrent observers
	// can race, including on scoring.
	Legacy Consistency = "legacy"
)

func (c Consistency) Valid() bool { return c == Strict || c == Legacy }

type Options struct {
	Consistency  Consistency
	VotingTime   time.Duration
	RevealDelay  time.Duration
	TickInterval time.Duration
	CodeAttempts int
	// MaxAttempts bounds compare-and-set retries for one intent.
	MaxAttempts int
	OpTimeout   time.Duration

	// ReconnectDelay is the first wait after a failed resubscribe. It doubles
	// per attempt up to ReconnectMaxDelay.
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	BotPace float64
	Rules   engine.Rules

	Logger *zap.Logger
	Rand   *rand.Rand
	NewID  func() string
	Codes  func() (string, error)
	Now    func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Consistency:  Strict,
		VotingTime:   30 * time.Second,
		RevealDelay:  time.Second,
		TickInterval: time.Second,
		CodeAttempts: 3,
		MaxAttempts:  8,
		OpTimeout:    5 * time.Second,

		ReconnectDelay:    250 * time.Millisecond,
		ReconnectMaxDelay: 5 * time.Second,
		BotPace:      1,
		Rules:        engine.DefaultRules(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if !o.Consistency.Valid() {
		o.Consistency = d.Consistency
	}
	if o.VotingTime <= 0 {
		o.VotingTime = d.VotingTime
	}
	if o.RevealDelay < 0 {
		o.RevealDelay = 0
	}
	if o.TickInterval <= 0 {
		o.TickInterval = d.TickInterval
	}
	if o.CodeAttempts <= 0 {
		o.CodeAttempts = d.CodeAttempts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = d.OpTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.ReconnectMaxDelay < o.ReconnectDelay {
		o.ReconnectMaxDelay = max(d.ReconnectMaxDelay, o.ReconnectDelay)
	}
	if o.BotPace < 0 {
		o.BotPace = 0
	}
	if o.Rules.MaxPlayers == 0 {
		o.Rules = d.Rules
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Codes == nil {
		o.Codes = engine.GenerateCode
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
