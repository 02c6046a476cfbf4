package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/DoyleJ11/kaataq/internal/engine"
	"github.com/DoyleJ11/kaataq/internal/session"
)

const helpText = `commands:
  start                   start the game (host)
  choose left|right       hide the stick (holder)
  vote left|right         guess the hand
  next                    next round
  reset                   back to the lobby (host)
  bot easy|medium|hard    add a computer player (host)
  kick NAME               remove a computer player (host)
  leave                   leave the room and quit
  help                    show this list`

var errUsage = errors.New("unknown command, try help")

type action struct {
	verb       string
	hand       engine.Hand
	difficulty engine.Difficulty
	target     string
}

func parseHand(s string) (engine.Hand, bool) {
	switch strings.ToLower(s) {
	case "left", "l", "camiq":
		return engine.HandLeft, true
	case "right", "r", "taliq":
		return engine.HandRight, true
	}
	return engine.HandUnset, false
}

func parseLine(line string) (action, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return action{}, nil
	}
	a := action{verb: strings.ToLower(fields[0])}
	args := fields[1:]

	switch a.verb {
	case "start", "next", "reset", "leave", "quit", "help":
		if len(args) != 0 {
			return action{}, fmt.Errorf("%s takes no arguments", a.verb)
		}
	case "choose", "vote":
		if len(args) != 1 {
			return action{}, fmt.Errorf("usage: %s left|right", a.verb)
		}
		h, ok := parseHand(args[0])
		if !ok {
			return action{}, fmt.Errorf("usage: %s left|right", a.verb)
		}
		a.hand = h
	case "bot":
		d := engine.DifficultyMedium
		if len(args) > 0 {
			d = engine.Difficulty(strings.ToLower(args[0]))
		}
		switch d {
		case engine.DifficultyEasy, engine.DifficultyMedium, engine.DifficultyHard:
		default:
			return action{}, errors.New("usage: bot easy|medium|hard")
		}
		a.difficulty = d
	case "kick":
		if len(args) == 0 {
			return action{}, errors.New("usage: kick NAME")
		}
		a.target = strings.Join(args, " ")
	default:
		return action{}, errUsage
	}
	return a, nil
}

type prompt struct {
	s        *session.Session
	out      io.Writer
	in       io.Reader
	storeURL string
	timeout  time.Duration

	last      string
	shared    string
	countdown int
}

func (p *prompt) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(p.out, "type help for commands")
	p.show(p.s.Current())
	entered := p.s.Current().Code != ""

	views := p.s.Views()
	for {
		select {
		case <-ctx.Done():
			p.leave()
			return nil

		case v := <-views:
			p.show(v)
			if v.Code != "" {
				entered = true
			}
			if entered && v.Screen == session.ScreenWelcome {
				return nil
			}

		case line, ok := <-lines:
			if !ok {
				p.leave()
				return nil
			}
			a, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(p.out, "!", err)
				continue
			}
			if a.verb == "" {
				continue
			}
			done, err := p.exec(ctx, a)
			if err != nil {
				fmt.Fprintln(p.out, "!", err)
			}
			if done {
				return nil
			}
		}
	}
}

func (p *prompt) exec(parent context.Context, a action) (bool, error) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	switch a.verb {
	case "help":
		fmt.Fprintln(p.out, helpText)
	case "start":
		return false, p.s.StartGame(ctx)
	case "choose":
		return false, p.s.ChooseHand(ctx, a.hand)
	case "vote":
		return false, p.s.CastVote(ctx, a.hand)
	case "next":
		return false, p.s.AdvanceRound(ctx)
	case "reset":
		return false, p.s.ResetGame(ctx)
	case "bot":
		return false, p.s.AddBot(ctx, a.difficulty)
	case "kick":
		id, ok := findBot(p.s.Current(), a.target)
		if !ok {
			return false, fmt.Errorf("no computer player named %q", a.target)
		}
		return false, p.s.RemoveBot(ctx, id)
	case "leave", "quit":
		p.leave()
		return true, nil
	}
	return false, nil
}

func (p *prompt) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.s.LeaveRoom(ctx); err != nil && !errors.Is(err, session.ErrNoRoom) {
		fmt.Fprintln(p.out, "!", err)
	}
}

// show prints v unless it would draw the same frame again.
func (p *prompt) show(v session.View) {
	if v.Screen == session.ScreenLobby && v.IsHost && p.shared != v.Code {
		p.shared = v.Code
		fmt.Fprint(p.out, shareText(p.storeURL, v.Code))
	}
	frame := render(v)
	if frame != p.last {
		p.last = frame
		fmt.Fprint(p.out, frame)
	}
	if v.Countdown != p.countdown {
		p.countdown = v.Countdown
		fmt.Fprint(p.out, countdownLine(v.Countdown))
	}
}

func findBot(v session.View, name string) (string, bool) {
	for _, pl := range v.Players {
		if pl.IsBot && strings.EqualFold(pl.Name, name) {
			return pl.ID, true
		}
	}
	return "", false
}
