// Package emu assembles CPU, Bus, PPU and cartridge into a runnable Game
// Boy / Game Boy Color machine, and drives it one frame at a time.
package emu

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattgale/gbcore/internal/bus"
	"github.com/mattgale/gbcore/internal/cart"
	"github.com/mattgale/gbcore/internal/cpu"
)

const cyclesPerFrame = 70224 // 154 lines * 456 dots, DMG single-speed

type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// Machine wires together the CPU, bus (and through it PPU, timer, DMA,
// interrupts) and cartridge, presenting a single per-frame stepping API.
type Machine struct {
	cfg Config

	bus *bus.Bus
	cpu *cpu.CPU

	romPath string
	boot    []byte // boot ROM overlay applied by LoadROMFromFile
	header  *cart.Header
	cgb     bool

	compatPaletteID int
}

func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// LoadCartridge wires a fresh Bus/CPU around the given ROM bytes, optionally
// overlaying a boot ROM. It leaves romPath as it was (LoadROMFromFile sets
// it after).
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	h, err := cart.ParseHeader(rom)
	if err != nil {
		return err
	}
	m.header = h
	m.cgb = h.CGBFlag == 0x80 || h.CGBFlag == 0xC0

	m.bus = bus.NewWithCartridge(cart.NewCartridge(rom))
	m.bus.SetCGBMode(m.cgb)
	if !m.cgb {
		if id, ok := autoCompatPaletteFromHeader(h); ok {
			m.compatPaletteID = id
			m.bus.PPU().SetDMGPalette(cgbCompatSets[id%len(cgbCompatSets)])
		}
	}
	if len(boot) > 0 {
		m.bus.SetBootROM(boot)
		m.cpu = cpu.New(m.bus)
	} else {
		m.cpu = cpu.New(m.bus)
		m.cpu.ResetNoBoot()
	}
	return nil
}

// LoadROMFromFile reads rom from disk and wires the machine around it,
// recording the path for save/battery-file derivation.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, m.boot); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path LoadROMFromFile was last called with, or "".
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header's title, or "" if none is loaded.
func (m *Machine) ROMTitle() string {
	if m.header == nil {
		return ""
	}
	return m.header.Title
}

// SetSerialWriter routes the cartridge's serial port output (used by test
// ROMs such as Blargg's suite to report pass/fail) to w.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// SetBootROM loads data as the boot ROM overlay for the next cartridge load
// through LoadROMFromFile; if a cartridge is already loaded, it is also
// mapped onto the current bus.
func (m *Machine) SetBootROM(data []byte) {
	m.boot = data
	if m.bus != nil {
		m.bus.SetBootROM(data)
	}
}

// CompatPaletteName reports the DMG compatibility palette auto-selected for
// the loaded cartridge's title (the CGB boot ROM's behavior for non-color
// carts); "" if the cartridge is itself CGB-aware or none is loaded.
func (m *Machine) CompatPaletteName() string {
	if m.bus == nil || m.cgb {
		return ""
	}
	return cgbCompatSetNames[m.compatPaletteID%len(cgbCompatSetNames)]
}

// CycleCompatPalette switches to the next DMG compatibility palette, for
// frontends that want a manual override hotkey.
func (m *Machine) CycleCompatPalette() {
	if m.bus == nil || m.cgb {
		return
	}
	m.compatPaletteID = (m.compatPaletteID + 1) % len(cgbCompatSets)
	m.bus.PPU().SetDMGPalette(cgbCompatSets[m.compatPaletteID])
}

// SetButtons updates the joypad state read by subsequent Step*Frame calls.
func (m *Machine) SetButtons(b Buttons) {
	if m.bus != nil {
		m.bus.SetJoypadState(b.mask())
	}
}

// stepCycles runs the CPU/bus until at least n CPU T-cycles have elapsed, or
// until the CPU has stopped on an error.
func (m *Machine) stepCycles(n int) {
	total := 0
	for total < n {
		if m.cpu.Err() != nil {
			return
		}
		total += m.cpu.Step()
	}
}

// StepFrame advances the machine by one video frame's worth of cycles and
// leaves the rendered framebuffer available via Framebuffer.
func (m *Machine) StepFrame() {
	if m.bus == nil || m.cpu == nil {
		return
	}
	n := cyclesPerFrame
	if m.bus.DoubleSpeed() {
		// The PPU only sees every other CPU T-cycle in double-speed mode.
		n *= 2
	}
	m.stepCycles(n)
}

// StepFrameNoRender is StepFrame without any distinction drawn for
// rendering cost; the PPU always composes scanlines as they're reached, so
// this exists for callers (e.g. conformance-test harnesses) that only care
// about CPU/serial progress, not display output.
func (m *Machine) StepFrameNoRender() {
	m.StepFrame()
}

// Framebuffer returns the current RGBA8888 160x144 framebuffer.
func (m *Machine) Framebuffer() []byte {
	if m.bus == nil {
		return make([]byte, 160*144*4)
	}
	return m.bus.PPU().Framebuffer()
}

// LoadBattery loads persisted cartridge RAM (and, for MBC3, RTC state) from
// data. Reports whether the cartridge supports battery-backed RAM.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns the cartridge's persistent RAM contents, if any.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	return data, data != nil
}

// SaveState serializes the bus and the devices it owns (PPU, timer, DMA,
// interrupts, cartridge) for a save-state slot. CPU registers and flags are
// not part of the snapshot.
func (m *Machine) SaveState() []byte {
	if m.bus == nil {
		return nil
	}
	return m.bus.SaveState()
}

// LoadState restores a snapshot produced by SaveState. The machine must
// already have a cartridge loaded (of the same kind) via LoadCartridge.
func (m *Machine) LoadState(data []byte) {
	if m.bus != nil {
		m.bus.LoadState(data)
	}
}

// DefaultSaveSuffix derives a ".sav" path next to romPath by extension.
func DefaultSaveSuffix(romPath string) string {
	lower := strings.ToLower(romPath)
	for _, ext := range []string{".gb", ".gbc"} {
		if strings.HasSuffix(lower, ext) {
			return romPath[:len(romPath)-len(ext)] + ".sav"
		}
	}
	return romPath + ".sav"
}

// LastError reports the error (if any) that halted CPU execution, such as an
// undefined opcode fetch.
func (m *Machine) LastError() error {
	if m.cpu == nil {
		return nil
	}
	return m.cpu.Err()
}

// Status returns a short human-readable progress line, useful for CLI logs.
func (m *Machine) Status() string {
	if m.cpu == nil {
		return "no cartridge loaded"
	}
	if err := m.cpu.Err(); err != nil {
		return fmt.Sprintf("halted: %v", err)
	}
	return fmt.Sprintf("PC=%04X title=%q", m.cpu.PC, m.ROMTitle())
}
