package main

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/DoyleJ11/kaataq/internal/session"
)

var title = cases.Title(language.English)

// render draws the parts of a view that change with the room. The countdown
// is printed separately so it does not redraw the table every tick.
func render(v session.View) string {
	var b strings.Builder
	switch v.Screen {
	case session.ScreenWelcome:
		if v.Notice != "" {
			fmt.Fprintf(&b, "\n%s\n", v.Notice)
		}
		return b.String()

	case session.ScreenLobby:
		fmt.Fprintf(&b, "\n== Room %s: waiting for players ==\n", v.Code)
		writePlayers(&b, v.Players, false)
		switch {
		case v.CanStart:
			b.WriteString("type start when everyone is in\n")
		case v.IsHost:
			b.WriteString("need at least two players to start\n")
		default:
			b.WriteString("waiting for the host to start\n")
		}

	case session.ScreenGame:
		fmt.Fprintf(&b, "\n== Room %s: round %d of %d (%s) ==\n", v.Code, v.Round, v.TotalRounds, title.String(string(v.Phase)))
		writeInstruction(&b, v)
		writePlayers(&b, v.Players, true)

	case session.ScreenEnd:
		fmt.Fprintf(&b, "\n== Room %s: game over ==\n", v.Code)
		if v.Winner != "" {
			b.WriteString(v.Winner + "\n")
		}
		writePlayers(&b, v.Scores, true)
		if v.CanReset {
			b.WriteString("type reset to play again\n")
		}
	}
	return b.String()
}

func writeInstruction(b *strings.Builder, v session.View) {
	switch {
	case v.CanChoose:
		b.WriteString("You hold the wee. choose left or right\n")
	case v.IsHolder && v.Selected != "":
		fmt.Fprintf(b, "You hid it in %s\n", session.HandName(v.Selected))
	case v.IsHolder:
		b.WriteString("The others are guessing...\n")
	case v.Revealed != "":
		fmt.Fprintf(b, "%s It was %s.\n", v.Instruction, v.Revealed)
		fmt.Fprintf(b, "Left %d, right %d\n", v.Tally.Left, v.Tally.Right)
	case v.HolderName != "" && v.Instruction != "" && !v.CanVote:
		fmt.Fprintf(b, "%s %s\n", v.HolderName, v.Instruction)
	default:
		b.WriteString(v.Instruction + "\n")
	}
	if v.MyVote != "" {
		fmt.Fprintf(b, "Your guess: %s\n", session.HandName(v.MyVote))
	}
	if v.CanAdvance {
		b.WriteString("type next to continue\n")
	}
}

func writePlayers(b *strings.Builder, players []session.PlayerLine, scores bool) {
	for _, pl := range players {
		var tags []string
		if pl.IsHost {
			tags = append(tags, "host")
		}
		if pl.IsBot {
			tags = append(tags, "bot")
		}
		if pl.IsMe {
			tags = append(tags, "you")
		}
		if pl.Voted {
			tags = append(tags, "voted")
		}
		line := "  " + pl.Name
		if scores {
			line = fmt.Sprintf("  %-20s %3d", pl.Name, pl.Score)
		}
		if len(tags) > 0 {
			line += "  (" + strings.Join(tags, ", ") + ")"
		}
		b.WriteString(line + "\n")
	}
}

func countdownLine(n int) string {
	if n <= 0 || (n > 5 && n%10 != 0) {
		return ""
	}
	return fmt.Sprintf("  %ds left to vote\n", n)
}

// shareText tells the host how others can join, with a QR code pointing at
// the store's join page.
func shareText(storeURL, code string) string {
	url := strings.TrimSuffix(storeURL, "/") + "/join/" + code
	var b strings.Builder
	fmt.Fprintf(&b, "\nShare code %s: kaataq join %s --name YOURNAME\n", code, code)
	if qr, err := qrcode.New(url, qrcode.Low); err == nil {
		b.WriteString(qr.ToSmallString(false))
	}
	fmt.Fprintf(&b, "%s\n", url)
	return b.String()
}
