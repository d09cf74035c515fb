// Package ebitendisplay is a thin ebiten.Game adapter around emu.Machine: it
// blits the machine's framebuffer to a window every tick and maps keyboard
// state to emu.Buttons. It carries none of the menu, audio-stats, ROM
// browser, or save-slot UI a full emulator frontend might have — that is
// host-command territory (see cmd/gbcli), not display-driver territory.
package ebitendisplay

import (
	"fmt"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/mattgale/gbcore/internal/emu"
)

// KeyBindings maps the eight Game Boy inputs to ebiten keys. DefaultBindings()
// returns the default layout (arrow keys, Z/X, Enter, Backspace) used when the
// caller doesn't override.
type KeyBindings struct {
	Up, Down, Left, Right ebiten.Key
	A, B, Start, Select   ebiten.Key
}

// DefaultBindings mirrors common Game Boy emulator keymaps: arrows for the
// D-pad, Z/X for A/B, Enter for Start, backspace for Select.
func DefaultBindings() KeyBindings {
	return KeyBindings{
		Up: ebiten.KeyArrowUp, Down: ebiten.KeyArrowDown,
		Left: ebiten.KeyArrowLeft, Right: ebiten.KeyArrowRight,
		A: ebiten.KeyZ, B: ebiten.KeyX,
		Start: ebiten.KeyEnter, Select: ebiten.KeyBackspace,
	}
}

// Game implements ebiten.Game, stepping m one frame per Update and blitting
// its framebuffer in Draw.
type Game struct {
	m        *emu.Machine
	keys     KeyBindings
	scale    int
	tex      *ebiten.Image
	showInfo bool
}

// New builds a Game around m. scale sets the window size as a multiple of
// the native 160x144 resolution.
func New(m *emu.Machine, scale int, title string) *Game {
	if scale < 1 {
		scale = 1
	}
	ebiten.SetWindowTitle(title)
	ebiten.SetWindowSize(160*scale, 144*scale)
	return &Game{m: m, keys: DefaultBindings(), scale: scale}
}

// SetKeyBindings overrides the default keymap.
func (g *Game) SetKeyBindings(k KeyBindings) { g.keys = k }

// ToggleInfo flips the on-screen status line.
func (g *Game) ToggleInfo() { g.showInfo = !g.showInfo }

func (g *Game) pollButtons() emu.Buttons {
	k := g.keys
	return emu.Buttons{
		Up:     ebiten.IsKeyPressed(k.Up),
		Down:   ebiten.IsKeyPressed(k.Down),
		Left:   ebiten.IsKeyPressed(k.Left),
		Right:  ebiten.IsKeyPressed(k.Right),
		A:      ebiten.IsKeyPressed(k.A),
		B:      ebiten.IsKeyPressed(k.B),
		Start:  ebiten.IsKeyPressed(k.Start),
		Select: ebiten.IsKeyPressed(k.Select),
	}
}

// Update advances the machine by one frame and applies input.
func (g *Game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyF1) {
		g.ToggleInfo()
	}
	g.m.SetButtons(g.pollButtons())
	g.m.StepFrame()
	return nil
}

// Draw blits the current framebuffer, scaled to fill screen.
func (g *Game) Draw(screen *ebiten.Image) {
	if g.tex == nil {
		g.tex = ebiten.NewImage(160, 144)
	}
	g.tex.WritePixels(g.m.Framebuffer())

	op := &ebiten.DrawImageOptions{}
	if g.scale > 1 {
		op.GeoM.Scale(float64(g.scale), float64(g.scale))
	}
	screen.DrawImage(g.tex, op)

	if g.showInfo {
		ebitenutil.DebugPrintAt(screen, g.m.Status(), 4, 4)
		if err := g.m.LastError(); err != nil {
			ebitenutil.DebugPrintAt(screen, fmt.Sprintf("error: %v", err), 4, 18)
		}
	}
}

// Layout reports the fixed native Game Boy resolution; ebiten scales the
// backing image to the window via DrawImageOptions in Draw instead.
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) { return 160, 144 }

// Run blocks, driving the game loop until the window closes.
func Run(g *Game) error { return ebiten.RunGame(g) }
