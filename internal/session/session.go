// Package session is one device's view of a room: it turns local intents into
// store writes and store snapshots into Views, all on a single goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/kaataq/internal/bot"
	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/store"
)

var (
	ErrNoRoom           = errors.New("not in a room")
	ErrRoomVanished     = errors.New("room no longer exists")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCodeCollision    = errors.New("could not find a free room code")
	ErrContention       = errors.New("room is busy, try again")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrClosed           = errors.New("session closed")
)

const (
	noticeReconnecting = "Reconnecting to the room..."
	noticeEvicted      = "You are no longer in this room"
)

type msg interface{ isSessionMsg() }

type createMsg struct {
	ctx   context.Context
	name  string
	reply chan createResult
}

type createResult struct {
	code string
	err  error
}

type joinMsg struct {
	ctx   context.Context
	code  string
	name  string
	reply chan error
}

type commandMsg struct {
	ctx   context.Context
	cmd   engine.Command
	reply chan error
}

type chooseMsg struct {
	ctx   context.Context
	hand  engine.Hand
	reply chan error
}

// revealMsg commits a hand chosen RevealDelay earlier.
type revealMsg struct {
	ctx   context.Context
	code  string
	round int
	hand  engine.Hand
	reply chan error
}

type leaveMsg struct {
	ctx   context.Context
	reply chan error
}

type botMsg struct {
	botID  string
	prefix string
}

// reconnectMsg retries a dropped subscription. gen ties it to the stay in the
// room that lost the stream.
type reconnectMsg struct {
	code    string
	gen     int
	attempt int
}

func (createMsg) isSessionMsg()    {}
func (joinMsg) isSessionMsg()      {}
func (commandMsg) isSessionMsg()   {}
func (chooseMsg) isSessionMsg()    {}
func (revealMsg) isSessionMsg()    {}
func (leaveMsg) isSessionMsg()     {}
func (botMsg) isSessionMsg()       {}
func (reconnectMsg) isSessionMsg() {}

type Session struct {
	store store.Store
	opts  Options
	log   *zap.Logger
	brain *bot.Brain
	id    string

	inbox   chan msg
	views   chan View
	current atomic.Pointer[View]
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Everything below is owned by the loop goroutine.
	code      string
	snap      store.Snapshot
	sub       <-chan store.Snapshot
	subCancel context.CancelFunc
	local     Local
	stay      int // bumped on exit; stale reconnect timers compare against it

	ticker       *time.Ticker
	countdownKey string
	deadline     time.Time

	botPrefix string
	botTimers map[string]*time.Timer
}

func New(parent context.Context, st store.Store, opts Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		store:     st,
		opts:      opts,
		brain:     bot.NewBrain(opts.Rand),
		id:        opts.NewID(),
		inbox:     make(chan msg, 16),
		views:     make(chan View, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		botTimers: map[string]*time.Timer{},
	}
	s.log = opts.Logger.With(zap.String("player", s.id))
	v := Project(nil, s.id, s.local)
	s.current.Store(&v)
	go s.loop()
	return s
}

func (s *Session) PlayerID() string { return s.id }

// Views delivers the latest View. Frames a slow reader misses are skipped.
func (s *Session) Views() <-chan View { return s.views }

func (s *Session) Current() View { return *s.current.Load() }

// Close stops the loop. It does not leave the room.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) CreateRoom(ctx context.Context, hostName string) (string, error) {
	reply := make(chan createResult, 1)
	if err := s.send(ctx, createMsg{ctx: ctx, name: hostName, reply: reply}); err != nil {
		return "", err
	}
	res, err := await(ctx, s, reply)
	if err != nil {
		return "", err
	}
	return res.code, res.err
}

func (s *Session) JoinRoom(ctx context.Context, code, name string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, joinMsg{ctx: ctx, code: code, name: name, reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, s, reply)
}

func (s *Session) StartGame(ctx context.Context) error {
	return s.do(ctx, engine.Command{Type: engine.CmdStartGame})
}

// ChooseHand returns once the choice is committed, RevealDelay after the call.
func (s *Session) ChooseHand(ctx context.Context, hand engine.Hand) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, chooseMsg{ctx: ctx, hand: hand, reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, s, reply)
}

func (s *Session) CastVote(ctx context.Context, hand engine.Hand) error {
	return s.do(ctx, engine.Command{Type: engine.CmdCastVote, Hand: hand})
}

func (s *Session) AdvanceRound(ctx context.Context) error {
	return s.do(ctx, engine.Command{Type: engine.CmdAdvanceRound})
}

func (s *Session) ResetGame(ctx context.Context) error {
	return s.do(ctx, engine.Command{Type: engine.CmdResetGame})
}

func (s *Session) AddBot(ctx context.Context, difficulty engine.Difficulty) error {
	return s.do(ctx, engine.Command{Type: engine.CmdAddBot, Difficulty: difficulty})
}

func (s *Session) RemoveBot(ctx context.Context, botID string) error {
	return s.do(ctx, engine.Command{Type: engine.CmdRemoveBot, TargetID: botID})
}

func (s *Session) LeaveRoom(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, leaveMsg{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, s, reply)
}

func (s *Session) do(ctx context.Context, cmd engine.Command) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, commandMsg{ctx: ctx, cmd: cmd, reply: reply}); err != nil {
		return err
	}
	return awaitErr(ctx, s, reply)
}

func (s *Session) send(ctx context.Context, m msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is send for timers, which have no caller context.
func (s *Session) post(m msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func await[T any](ctx context.Context, s *Session, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-s.done:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, s *Session, ch <-chan error) error {
	err, waitErr := await(ctx, s, ch)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		var tick <-chan time.Time
		if s.ticker != nil {
			tick = s.ticker.C
		}

		select {
		case <-s.ctx.Done():
			s.teardown()
			return

		case m := <-s.inbox:
			s.handle(m)

		case snap, ok := <-s.sub:
			if !ok {
				s.streamLost()
				break
			}
			s.observe(snap)

		case <-tick:
			s.tick()
		}
	}
}

func (s *Session) handle(m msg) {
	switch m := m.(type) {
	case createMsg:
		code, err := s.create(m.ctx, m.name)
		m.reply <- createResult{code: code, err: s.report(err)}

	case joinMsg:
		m.reply <- s.report(s.join(m.ctx, m.code, m.name))

	case commandMsg:
		m.reply <- s.report(s.command(m.ctx, m.cmd))

	case chooseMsg:
		s.choose(m)

	case revealMsg:
		m.reply <- s.report(s.reveal(m))

	case leaveMsg:
		m.reply <- s.report(s.leave(m.ctx))

	case botMsg:
		s.runBot(m)

	case reconnectMsg:
		s.reconnect(m)
	}
}

func (s *Session) create(ctx context.Context, name string) (string, error) {
	if s.code != "" {
		return "", ErrAlreadyInRoom
	}
	if _, ok := engine.NormalizeName(name); !ok {
		return "", engine.ErrInvalidName
	}

	for attempt := 0; attempt < s.opts.CodeAttempts; attempt++ {
		code, err := s.opts.Codes()
		if err != nil {
			return "", err
		}
		room, err := engine.CreateRoom(code, s.id, name, s.opts.Rules, s.opts.Now())
		if err != nil {
			return "", err
		}

		err = s.claim(ctx, code, room)
		if errors.Is(err, ErrCodeCollision) {
			s.log.Debug("room code taken", zap.String("code", code), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return "", err
		}

		if err := s.enter(code); err != nil {
			cleanup, cancel := context.WithTimeout(context.Background(), s.opts.OpTimeout)
			_ = s.store.Delete(cleanup, code)
			cancel()
			return "", err
		}
		s.log.Info("room created", zap.String("code", code))
		return code, nil
	}
	return "", ErrCodeCollision
}

// claim writes a new room only if nothing lives at code yet.
func (s *Session) claim(ctx context.Context, code string, room engine.Room) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	if s.opts.Consistency == Legacy {
		_, err := s.store.Get(ctx, code)
		switch {
		case err == nil:
			return ErrCodeCollision
		case !errors.Is(err, store.ErrNotFound):
			return storeErr(err)
		}
		_, err = s.store.Set(ctx, code, room)
		return storeErr(err)
	}

	_, err := s.store.CompareAndSet(ctx, code, 0, room)
	if errors.Is(err, store.ErrConflict) {
		return ErrCodeCollision
	}
	return storeErr(err)
}

func (s *Session) join(ctx context.Context, code, name string) error {
	if s.code != "" {
		return ErrAlreadyInRoom
	}
	if !engine.ValidCode(code) {
		return engine.ErrInvalidCode
	}

	cmd := engine.Command{Type: engine.CmdJoin, PlayerID: s.id, Name: name}
	if _, err := s.commit(ctx, code, store.Snapshot{}, cmd); err != nil {
		if errors.Is(err, ErrRoomVanished) {
			return engine.ErrRoomNotFound
		}
		return err
	}
	if err := s.enter(code); err != nil {
		return err
	}
	s.log.Info("joined room", zap.String("code", code))
	return nil
}

func (s *Session) command(ctx context.Context, cmd engine.Command) error {
	if s.code == "" {
		return ErrNoRoom
	}
	cmd.PlayerID = s.id
	if cmd.Type == engine.CmdAddBot {
		var room engine.Room
		if s.snap.Exists() {
			room = *s.snap.Room
		}
		cmd.TargetID = "bot-" + s.opts.NewID()
		cmd.Name = s.brain.Name(room)
	}
	_, err := s.commit(ctx, s.code, s.snap, cmd)
	return err
}

func (s *Session) choose(m chooseMsg) {
	if s.code == "" || !s.snap.Exists() {
		m.reply <- s.report(ErrNoRoom)
		return
	}
	if s.local.Selected != engine.HandUnset {
		m.reply <- s.report(engine.ErrWrongPhase)
		return
	}
	room := *s.snap.Room
	if _, err := engine.ChooseHand(room, s.id, m.hand); err != nil {
		m.reply <- s.report(err)
		return
	}

	s.local.Selected = m.hand
	s.publish()

	reveal := revealMsg{ctx: m.ctx, code: s.code, round: room.Round, hand: m.hand, reply: m.reply}
	if s.opts.RevealDelay == 0 {
		m.reply <- s.report(s.reveal(reveal))
		return
	}
	time.AfterFunc(s.opts.RevealDelay, func() { s.post(reveal) })
}

func (s *Session) reveal(m revealMsg) error {
	if s.code != m.code {
		return ErrNoRoom
	}
	defer func() {
		s.local.Selected = engine.HandUnset
		s.publish()
	}()
	cmd := engine.Command{Type: engine.CmdChooseHand, PlayerID: s.id, Hand: m.hand}
	_, err := s.commit(m.ctx, s.code, s.snap, cmd)
	return err
}

func (s *Session) leave(ctx context.Context) error {
	if s.code == "" {
		return ErrNoRoom
	}
	code := s.code
	events, err := s.commit(ctx, code, store.Snapshot{}, engine.Command{Type: engine.CmdLeave, PlayerID: s.id})
	if err != nil && !errors.Is(err, ErrRoomVanished) {
		return err
	}
	s.exit("")
	s.log.Info("left room", zap.String("code", code), zap.Bool("closed", engine.ContainsEvent(events, engine.EvtRoomClosed)))
	return nil
}

// commit applies cmd to the room at code and writes the result back. cached
// seeds the first attempt; an empty snapshot forces a fresh read.
func (s *Session) commit(ctx context.Context, code string, cached store.Snapshot, cmd engine.Command) ([]engine.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	if s.opts.Consistency == Legacy {
		return s.commitMerge(ctx, code, cached, cmd)
	}

	snap := cached
	fromCache := snap.Exists()
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		if attempt > 0 || !snap.Exists() {
			fresh, err := s.store.Get(ctx, code)
			if err != nil {
				return nil, storeErr(err)
			}
			snap = fresh
		}

		events, next, err := engine.Apply(*snap.Room, cmd)
		if err != nil {
			// The cached snapshot may be behind; only the store can reject.
			if fromCache {
				fromCache = false
				continue
			}
			return nil, err
		}
		fromCache = false
		if engine.ContainsEvent(events, engine.EvtRoomClosed) {
			return events, storeErr(s.store.Delete(ctx, code))
		}
		if reflect.DeepEqual(*snap.Room, next) {
			return events, nil
		}

		_, err = s.store.CompareAndSet(ctx, code, snap.Version, next)
		if errors.Is(err, store.ErrConflict) {
			s.log.Debug("write conflict", zap.String("code", code), zap.String("cmd", string(cmd.Type)), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}
		return events, nil
	}
	return nil, ErrContention
}

// commitMerge writes only the keys the transition changed, without checking
// what others wrote in between.
func (s *Session) commitMerge(ctx context.Context, code string, cached store.Snapshot, cmd engine.Command) ([]engine.Event, error) {
	snap := cached
	if !snap.Exists() {
		fresh, err := s.store.Get(ctx, code)
		if err != nil {
			return nil, storeErr(err)
		}
		snap = fresh
	}

	events, next, err := engine.Apply(*snap.Room, cmd)
	if err != nil {
		return nil, err
	}
	if engine.ContainsEvent(events, engine.EvtRoomClosed) {
		return events, storeErr(s.store.Delete(ctx, code))
	}

	fields, err := store.Diff(*snap.Room, next)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return events, nil
	}
	if _, err := s.store.Update(ctx, code, fields); err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrRoomVanished
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (s *Session) enter(code string) error {
	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.store.Subscribe(ctx, code)
	if err != nil {
		cancel()
		return storeErr(err)
	}
	s.code = code
	s.sub = ch
	s.subCancel = cancel
	return nil
}

// streamLost handles the subscription closing under us. The player is still
// seated in the room, so the session keeps its place and reconnects.
func (s *Session) streamLost() {
	s.sub = nil
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	if s.ctx.Err() != nil || s.code == "" {
		return
	}
	s.log.Warn("subscription dropped, resubscribing", zap.String("code", s.code))
	s.reconnect(reconnectMsg{code: s.code, gen: s.stay})
}

// reconnect gives up on the room only when the store says it is gone or no
// longer seats us. Any other failure is retried with backoff.
func (s *Session) reconnect(m reconnectMsg) {
	if m.code != s.code || m.gen != s.stay || s.sub != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.OpTimeout)
	snap, err := s.store.Get(ctx, m.code)
	cancel()
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.log.Info("room vanished while reconnecting", zap.String("code", m.code))
		s.exit(ErrRoomVanished.Error())
		return
	case err == nil:
		if _, ok := snap.Room.Players[s.id]; !ok {
			s.exit(noticeEvicted)
			return
		}
		err = s.enter(m.code)
	}

	if err != nil {
		delay := s.backoff(m.attempt)
		s.log.Warn("resubscribe failed",
			zap.String("code", m.code),
			zap.Int("attempt", m.attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		if s.local.Notice != noticeReconnecting {
			s.local.Notice = noticeReconnecting
			s.publish()
		}
		next := reconnectMsg{code: m.code, gen: m.gen, attempt: m.attempt + 1}
		time.AfterFunc(delay, func() { s.post(next) })
		return
	}

	s.log.Info("resubscribed", zap.String("code", m.code), zap.Int("attempts", m.attempt+1))
	if s.local.Notice == noticeReconnecting {
		s.local.Notice = ""
		s.publish()
	}
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.opts.ReconnectDelay
	for i := 0; i < attempt && d < s.opts.ReconnectMaxDelay; i++ {
		d *= 2
	}
	return min(d, s.opts.ReconnectMaxDelay)
}

// exit returns the session to the welcome screen.
func (s *Session) exit(notice string) {
	if s.subCancel != nil {
		s.subCancel()
		s.subCancel = nil
	}
	s.sub = nil
	s.code = ""
	s.stay++
	s.snap = store.Snapshot{}
	s.stopTicker()
	s.countdownKey = ""
	s.resetBots("")
	s.local = Local{Notice: notice}
	s.publish()
}

func (s *Session) teardown() {
	if s.subCancel != nil {
		s.subCancel()
	}
	s.stopTicker()
	s.resetBots("")
}

func (s *Session) observe(snap store.Snapshot) {
	if !snap.Exists() {
		s.log.Info("room vanished", zap.String("code", s.code))
		s.exit(ErrRoomVanished.Error())
		return
	}
	if s.snap.Exists() && snap.Version < s.snap.Version {
		return
	}
	if _, ok := snap.Room.Players[s.id]; !ok {
		s.exit(noticeEvicted)
		return
	}

	s.snap = snap
	s.syncCountdown()
	s.publish()
	s.autoScore()
	s.driveBots()
}

func (s *Session) syncCountdown() {
	r := *s.snap.Room
	holder, _ := engine.CurrentHolder(r)

	if r.Phase != engine.PhaseChoosing || holder.ID != s.id {
		s.local.Selected = engine.HandUnset
	}
	if r.Phase != engine.PhaseVoting || r.Ended || holder.ID == s.id {
		s.stopTicker()
		s.local.Countdown = 0
		s.countdownKey = ""
		return
	}

	key := fmt.Sprintf("%d/%s", r.Round, holder.ID)
	if key == s.countdownKey {
		return
	}
	s.countdownKey = key
	s.deadline = s.opts.Now().Add(s.opts.VotingTime)
	s.local.Countdown = int(math.Round(s.opts.VotingTime.Seconds()))
	s.stopTicker()
	s.ticker = time.NewTicker(s.opts.TickInterval)
}

// tick recomputes the seconds left from the deadline, so the tick interval
// only decides how often the view refreshes.
func (s *Session) tick() {
	left := int(math.Ceil(s.deadline.Sub(s.opts.Now()).Seconds()))
	if left <= 0 {
		left = 0
		s.stopTicker()
	}
	if left != s.local.Countdown {
		s.local.Countdown = left
		s.publish()
	}
}

func (s *Session) stopTicker() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// autoScore scores the round as soon as this session sees every vote in.
// Other sessions race for the same write; only one can succeed under Strict.
func (s *Session) autoScore() {
	r := *s.snap.Room
	if r.Phase != engine.PhaseVoting || r.Ended || !engine.AllVotesIn(r) {
		return
	}
	cmd := engine.Command{Type: engine.CmdScoreRound, PlayerID: s.id}
	_, err := s.commit(s.ctx, s.code, s.snap, cmd)
	switch {
	case err == nil:
		s.log.Debug("round scored", zap.String("code", s.code), zap.Int("round", r.Round))
	case engine.IsRejection(err):
		s.log.Debug("round already scored", zap.String("code", s.code), zap.Int("round", r.Round))
	default:
		s.log.Warn("scoring failed", zap.String("code", s.code), zap.Error(err))
		s.report(err)
	}
}

// driveBots schedules moves for the room's bots. Only the host runs them.
func (s *Session) driveBots() {
	r := *s.snap.Room
	if r.HostID != s.id || !r.Started || r.Ended {
		s.resetBots("")
		return
	}
	holder, ok := engine.CurrentHolder(r)
	if !ok {
		return
	}

	prefix := fmt.Sprintf("%d/%s/%s", r.Round, holder.ID, r.Phase)
	if prefix != s.botPrefix {
		s.resetBots(prefix)
	}

	switch r.Phase {
	case engine.PhaseChoosing:
		if holder.IsBot {
			s.scheduleBot(holder, prefix)
		}
	case engine.PhaseVoting:
		for _, id := range engine.TurnOrder(r) {
			p := r.Players[id]
			if _, voted := r.Votes[id]; p.IsBot && id != holder.ID && !voted {
				s.scheduleBot(p, prefix)
			}
		}
	}
}

func (s *Session) scheduleBot(p engine.Player, prefix string) {
	if _, pending := s.botTimers[p.ID]; pending {
		return
	}
	delay := s.brain.ThinkTime(p, s.opts.BotPace)
	m := botMsg{botID: p.ID, prefix: prefix}
	s.botTimers[p.ID] = time.AfterFunc(delay, func() { s.post(m) })
}

func (s *Session) resetBots(prefix string) {
	for id, t := range s.botTimers {
		t.Stop()
		delete(s.botTimers, id)
	}
	s.botPrefix = prefix
}

func (s *Session) runBot(m botMsg) {
	if m.prefix != s.botPrefix || !s.snap.Exists() {
		return
	}
	r := *s.snap.Room
	p, ok := r.Players[m.botID]
	if !ok {
		return
	}
	holder, _ := engine.CurrentHolder(r)

	cmd := engine.Command{PlayerID: p.ID}
	switch r.Phase {
	case engine.PhaseChoosing:
		cmd.Type = engine.CmdChooseHand
		cmd.Hand = s.brain.ChooseHand(p, r.History)
	case engine.PhaseVoting:
		cmd.Type = engine.CmdCastVote
		cmd.Hand = s.brain.Guess(p, holder.ID, r.History, r.Votes)
	default:
		return
	}

	if _, err := s.commit(s.ctx, s.code, s.snap, cmd); err != nil {
		s.log.Debug("bot move rejected", zap.String("bot", p.ID), zap.String("cmd", string(cmd.Type)), zap.Error(err))
	}
}

// report records err as the view's notice and passes it through.
func (s *Session) report(err error) error {
	notice := ""
	if err != nil {
		notice = err.Error()
	}
	if notice != s.local.Notice {
		s.local.Notice = notice
		s.publish()
	}
	return err
}

func (s *Session) publish() {
	v := Project(s.snap.Room, s.id, s.local)
	s.current.Store(&v)
	select {
	case <-s.views:
	default:
	}
	select {
	case s.views <- v:
	default:
	}
}
