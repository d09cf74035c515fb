// Package termdisplay renders the machine's framebuffer to a terminal using
// tcell, one shade character ('█', '▓', '▒' or ' ') per pair of scanlines,
// and reads the
// keyboard back into emu.Buttons. It has no menu, audio, or save-state UI —
// those are left to a host command (see cmd/gbcli).
package termdisplay

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/mattgale/gbcore/internal/emu"
)

const (
	fbWidth  = 160
	fbHeight = 144

	// keyHeld is how long a keypress is considered "still down" after the
	// last repeat event, since tcell/terminals don't deliver key-up events.
	keyHeld = 100 * time.Millisecond
)

// Display is a terminal frontend: Draw blits a framebuffer, PollInput reports
// the currently-held Game Boy inputs, and Quit reports whether the user
// asked to exit (Esc or Ctrl-C).
type Display struct {
	screen tcell.Screen

	lastSeen map[tcell.Key]time.Time
	lastRune map[rune]time.Time

	quit bool
}

// New initializes a tcell screen in raw/fullscreen mode.
func New() (*Display, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("termdisplay: create screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("termdisplay: init screen: %w", err)
	}
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))
	screen.Clear()

	return &Display{
		screen:   screen,
		lastSeen: make(map[tcell.Key]time.Time),
		lastRune: make(map[rune]time.Time),
	}, nil
}

// Close restores the terminal.
func (d *Display) Close() {
	if d.screen != nil {
		d.screen.Fini()
	}
}

// Quit reports whether the user has requested to exit.
func (d *Display) Quit() bool { return d.quit }

// PollInput drains pending terminal events and returns the currently-held
// Game Boy buttons, derived from which keys were seen within the last
// keyHeld window (terminals auto-repeat a held key; we treat that repeat
// cadence as "still down").
func (d *Display) PollInput() emu.Buttons {
	now := time.Now()
	for d.screen.HasPendingEvent() {
		switch ev := d.screen.PollEvent().(type) {
		case *tcell.EventKey:
			d.handleKey(ev, now)
		case *tcell.EventResize:
			d.screen.Sync()
		}
	}

	held := func(k tcell.Key) bool { return now.Sub(d.lastSeen[k]) < keyHeld }
	heldR := func(r rune) bool { return now.Sub(d.lastRune[r]) < keyHeld }

	return emu.Buttons{
		Up:     held(tcell.KeyUp),
		Down:   held(tcell.KeyDown),
		Left:   held(tcell.KeyLeft),
		Right:  held(tcell.KeyRight),
		Start:  held(tcell.KeyEnter),
		A:      heldR('z') || heldR('a'),
		B:      heldR('x') || heldR('s'),
		Select: heldR('q') || heldR(' '),
	}
}

func (d *Display) handleKey(ev *tcell.EventKey, now time.Time) {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		d.quit = true
	case tcell.KeyRune:
		d.lastRune[ev.Rune()] = now
	default:
		d.lastSeen[ev.Key()] = now
	}
}

// shadeChars are ordered darkest to lightest, matched against a pixel's
// luminance bucket so both DMG 4-shade and CGB RGB555 framebuffers render.
var shadeChars = []rune{'█', '▓', '▒', ' '}

func shadeOf(r, g, b byte) int {
	lum := (int(r)*299 + int(g)*587 + int(b)*114) / 1000
	switch {
	case lum < 64:
		return 0
	case lum < 128:
		return 1
	case lum < 192:
		return 2
	default:
		return 3
	}
}

// Draw renders an RGBA8888 160x144 framebuffer (as returned by
// emu.Machine.Framebuffer) into the terminal and flips it to screen.
func (d *Display) Draw(fb []byte, status string) {
	if len(fb) < fbWidth*fbHeight*4 {
		return
	}

	termWidth, termHeight := d.screen.Size()
	if termWidth < fbWidth+2 || termHeight < fbHeight/2+2 {
		d.screen.Clear()
		msg := fmt.Sprintf("terminal too small, need at least %dx%d", fbWidth+2, fbHeight/2+2)
		style := tcell.StyleDefault.Foreground(tcell.ColorRed)
		for i, ch := range msg {
			d.screen.SetContent(i, termHeight/2, ch, nil, style)
		}
		d.screen.Show()
		return
	}

	d.screen.Clear()
	style := tcell.StyleDefault.Foreground(tcell.ColorWhite)
	for y := 0; y < fbHeight; y++ {
		off := y * fbWidth * 4
		row := fb[off : off+fbWidth*4]
		for x := 0; x < fbWidth; x++ {
			p := row[x*4 : x*4+4]
			shade := shadeOf(p[0], p[1], p[2])
			d.screen.SetContent(x, y/2, shadeChars[shade], nil, style)
		}
	}

	if status != "" {
		statusStyle := tcell.StyleDefault.Foreground(tcell.ColorYellow)
		y := fbHeight/2 + 1
		for i, ch := range status {
			if i >= termWidth {
				break
			}
			d.screen.SetContent(i, y, ch, nil, statusStyle)
		}
	}

	d.screen.Show()
}
