package bus

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/mattgale/gbcore/internal/apu"
	"github.com/mattgale/gbcore/internal/cart"
	"github.com/mattgale/gbcore/internal/dma"
	"github.com/mattgale/gbcore/internal/interrupt"
	"github.com/mattgale/gbcore/internal/ppu"
	"github.com/mattgale/gbcore/internal/timer"
)

// Bus wires CPU-visible address space to cartridge, WRAM, HRAM, and IO. It
// also owns the cycle-driven peripherals (timer, PPU, OAM-DMA) and is the
// single place their ticking is synchronized to the CPU's M-cycle clock.
type Bus struct {
	cart cart.Cartridge

	// Work RAM (WRAM) 8 KiB at 0xC000-0xDFFF; Echo 0xE000-0xFDFF mirrors C000-DDFF.
	// On CGB, banks 1-7 are selectable via SVBK (0xFF70); bank 0 is always
	// mapped at 0xC000-0xCFFF.
	wram    [8][0x1000]byte
	wramBank byte // SVBK lower 3 bits; 0 selects bank 1 but reads back as 0

	// High RAM (HRAM) 0xFF80-0xFFFE (127 bytes)
	hram [0x7F]byte

	ppu   *ppu.PPU
	irq   *interrupt.Controller
	timer *timer.Timer
	oam   *dma.Controller

	// apu is an audio register shim: it exposes NR10-NR52 and wave RAM
	// read/write and is ticked alongside the other peripherals (so games
	// that poll sound-state bits like length/DAC flags behave), but its
	// mixed output is never pulled since audio playback is out of scope.
	apu *apu.APU

	cgb        bool
	key1       byte // FF4D: prepare-speed-switch register
	speedX2    bool
	speedPhase bool // alternates each published T-cycle while speedX2 is set

	// JOYP
	joypSelect byte
	joypad     byte
	joypLower4 byte

	// Serial
	sb byte
	sc byte
	sw io.Writer

	// Boot ROM support
	bootROM     []byte
	bootEnabled bool

	debugTimer bool

	// dmaReading is set while the OAM-DMA unit fetches its source byte, so
	// that fetch is not itself caught by the DMA bus gate.
	dmaReading bool
}

// New constructs a Bus with a ROM-only cartridge for convenience.
func New(rom []byte) *Bus {
	return NewWithCartridge(cart.NewCartridge(rom))
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c}
	b.irq = interrupt.New()
	b.timer = timer.New(b.irq)
	b.oam = dma.New()
	b.apu = apu.New(44100)
	b.ppu = ppu.New(func(bit int) { b.irq.RequestInterrupt(interrupt.Kind(bit)) })
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	return b
}

// PPU returns the internal PPU for read-only rendering helpers.
func (b *Bus) PPU() *ppu.PPU { return b.ppu }

// Cart returns the underlying cartridge for optional battery operations.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// Interrupts returns the shared interrupt controller, for the CPU to poll
// and service.
func (b *Bus) Interrupts() *interrupt.Controller { return b.irq }

// SetCGBMode toggles CGB-only register behavior (VRAM/WRAM banking, double
// speed, CGB palettes). DMG mode is the default.
func (b *Bus) SetCGBMode(cgb bool) {
	b.cgb = cgb
	b.ppu.SetCGBMode(cgb)
}

// DoubleSpeed reports whether KEY1's armed speed switch has taken effect.
func (b *Bus) DoubleSpeed() bool { return b.speedX2 }

func (b *Bus) wramBankIndex() int {
	bank := int(b.wramBank & 0x07)
	if bank == 0 {
		bank = 1
	}
	return bank
}

// oamDMABlocks reports whether an OAM-DMA transfer in flight blocks normal
// CPU access to addr. Real hardware only leaves HRAM (and the adjacent IE
// register) reachable while the DMA unit is driving the bus; everywhere
// else reads as open bus and writes are dropped.
func (b *Bus) oamDMABlocks(addr uint16) bool {
	return b.oam.Active() && addr < 0xFF80
}

func (b *Bus) Read(addr uint16) byte {
	if b.oamDMABlocks(addr) && !b.dmaReading {
		return 0xFF
	}
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)

	case addr >= 0xC000 && addr <= 0xCFFF:
		return b.wram[0][addr-0xC000]
	case addr >= 0xD000 && addr <= 0xDFFF:
		return b.wram[b.wramBankIndex()][addr-0xD000]

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror < 0xD000 {
			return b.wram[0][mirror-0xC000]
		}
		return b.wram[b.wramBankIndex()][mirror-0xD000]

	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return b.ppu.CPURead(addr)
	case addr == 0xFF00:
		res := byte(0xC0 | (b.joypSelect & 0x30) | 0x0F)
		if (b.joypSelect & 0x10) == 0 {
			if b.joypad&JoypRight != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypLeft != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypUp != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypDown != 0 {
				res &^= 0x08
			}
		}
		if (b.joypSelect & 0x20) == 0 {
			if b.joypad&JoypA != 0 {
				res &^= 0x01
			}
			if b.joypad&JoypB != 0 {
				res &^= 0x02
			}
			if b.joypad&JoypSelectBtn != 0 {
				res &^= 0x04
			}
			if b.joypad&JoypStart != 0 {
				res &^= 0x08
			}
		}
		return res
	case addr == 0xFF04:
		return b.timer.ReadDIV()
	case addr == 0xFF05:
		return b.timer.ReadTIMA()
	case addr == 0xFF06:
		return b.timer.ReadTMA()
	case addr == 0xFF07:
		return b.timer.ReadTAC()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return 0x7E | (b.sc & 0x81)
	case addr >= 0xFF10 && addr <= 0xFF26, addr >= 0xFF30 && addr <= 0xFF3F:
		return b.apu.CPURead(addr)
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B,
		addr == 0xFF4F, addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B, addr == 0xFF6C:
		return b.ppu.CPURead(addr)
	case addr == 0xFF46:
		return b.oam.SourcePage()
	case addr == 0xFF4D:
		speedBit := byte(0)
		if b.speedX2 {
			speedBit = 0x80
		}
		return 0x7E | speedBit | (b.key1 & 0x01)
	case addr == 0xFF70:
		return 0xF8 | (b.wramBank & 0x07)
	case addr == 0xFF50:
		return 0xFF
	case addr == 0xFF0F:
		return b.irq.ReadIF()
	case addr == 0xFFFF:
		return b.irq.ReadIE()
	}
	return 0xFF
}

func (b *Bus) Write(addr uint16, value byte) {
	if b.oamDMABlocks(addr) {
		return
	}
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
		return
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
		return
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
		return

	case addr >= 0xC000 && addr <= 0xCFFF:
		b.wram[0][addr-0xC000] = value
		return
	case addr >= 0xD000 && addr <= 0xDFFF:
		b.wram[b.wramBankIndex()][addr-0xD000] = value
		return

	case addr >= 0xE000 && addr <= 0xFDFF:
		mirror := addr - 0x2000
		if mirror < 0xD000 {
			b.wram[0][mirror-0xC000] = value
		} else {
			b.wram[b.wramBankIndex()][mirror-0xD000] = value
		}
		return

	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
		return
	case addr >= 0xFE00 && addr <= 0xFE9F:
		b.ppu.CPUWrite(addr, value)
		return
	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
		return
	case addr == 0xFF04:
		b.timer.WriteDIV()
		if b.debugTimer {
			fmt.Printf("[TMR] DIV write -> reset tima=%02X tma=%02X tac=%02X\n", b.timer.ReadTIMA(), b.timer.ReadTMA(), b.timer.ReadTAC())
		}
		return
	case addr == 0xFF05:
		b.timer.WriteTIMA(value)
		if b.debugTimer {
			fmt.Printf("[TMR] TIMA write %02X\n", value)
		}
		return
	case addr == 0xFF06:
		b.timer.WriteTMA(value)
		if b.debugTimer {
			fmt.Printf("[TMR] TMA write %02X\n", value)
		}
		return
	case addr == 0xFF07:
		b.timer.WriteTAC(value)
		if b.debugTimer {
			fmt.Printf("[TMR] TAC write %02X\n", value)
		}
		return
	case addr == 0xFF01:
		b.sb = value
		return
	case addr == 0xFF02:
		b.sc = value & 0x81
		if (b.sc & 0x80) != 0 {
			if b.sw != nil {
				_, _ = b.sw.Write([]byte{b.sb})
			}
			b.irq.RequestInterrupt(interrupt.Serial)
			b.sc &^= 0x80
		}
		return
	case addr >= 0xFF10 && addr <= 0xFF26, addr >= 0xFF30 && addr <= 0xFF3F:
		b.apu.CPUWrite(addr, value)
		return
	case addr == 0xFF40, addr == 0xFF41, addr == 0xFF42, addr == 0xFF43,
		addr == 0xFF44, addr == 0xFF45,
		addr == 0xFF47, addr == 0xFF48, addr == 0xFF49,
		addr == 0xFF4A, addr == 0xFF4B,
		addr == 0xFF4F, addr == 0xFF68, addr == 0xFF69, addr == 0xFF6A, addr == 0xFF6B, addr == 0xFF6C:
		b.ppu.CPUWrite(addr, value)
		return
	case addr == 0xFF46:
		// Writing 0xFF46 always (re)arms the transfer window, even mid-flight.
		b.oam.Start(value)
		return
	case addr == 0xFF4D:
		b.key1 = value & 0x01
		return
	case addr == 0xFF70:
		b.wramBank = value & 0x07
		return
	case addr == 0xFF50:
		if value != 0x00 {
			b.bootEnabled = false
		}
		return
	case addr == 0xFF0F:
		b.irq.WriteIF(value)
		return
	case addr == 0xFFFF:
		b.irq.WriteIE(value)
		return
	}
}

// Joypad button bitmasks for SetJoypadState. Bits set mean "pressed".
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

// SetJoypadState sets which buttons are currently pressed.
func (b *Bus) SetJoypadState(mask byte) {
	b.joypad = mask
	b.updateJoypadIRQ()
}

// SetSerialWriter sets a sink that receives bytes written via the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.sw = w }

// SetBootROM loads a boot ROM to be mapped at 0x0000-0x00FF until disabled
// via a 0xFF50 write.
func (b *Bus) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, 0x100)
		copy(b.bootROM, data[:0x100])
		b.bootEnabled = true
	}
}

// TryArmSpeedSwitch latches KEY1's speed-switch bit if the CPU executed STOP
// with it set, toggling double-speed mode: the CPU then runs twice as fast
// relative to the timer and PPU, while OAM-DMA and the APU keep their rate
// (see Tick).
func (b *Bus) TryArmSpeedSwitch() bool {
	if !b.cgb || b.key1&0x01 == 0 {
		return false
	}
	b.key1 = 0
	b.speedX2 = !b.speedX2
	return true
}

// Tick advances the timer, PPU, OAM-DMA engine, and APU by cycles published
// T-cycles, one T-cycle at a time so every falling edge, reload, and DMA
// byte boundary lands exactly where hardware places it. In CGB double-speed
// mode the CPU clock runs twice as fast, but the PPU and timer are driven by
// a fixed real-time oscillator, so they only advance every other published
// T-cycle; OAM-DMA (and the APU) run at the same rate regardless of speed.
func (b *Bus) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if !b.speedX2 || b.speedPhase {
			b.timer.Tick(1)
			if b.ppu != nil {
				b.ppu.Tick(1)
			}
		}
		if b.speedX2 {
			b.speedPhase = !b.speedPhase
		}
		b.dmaReading = true
		b.oam.Tick(1, b, b.ppu)
		b.dmaReading = false
		b.apu.Tick(1)
		if rt, ok := b.cart.(cart.RTCTicker); ok {
			rt.TickRTC(1)
		}
	}
}

// APU returns the audio register shim. No bus caller pulls mixed samples
// from it; a caller that wants sound output can via PullStereo.
func (b *Bus) APU() *apu.APU { return b.apu }

// updateJoypadIRQ recomputes JOYP lower 4 bits (active-low) and raises the
// joypad interrupt on any 1->0 transition.
func (b *Bus) updateJoypadIRQ() {
	newLower := byte(0x0F)
	if (b.joypSelect & 0x10) == 0 {
		if b.joypad&JoypRight != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypLeft != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypUp != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypDown != 0 {
			newLower &^= 0x08
		}
	}
	if (b.joypSelect & 0x20) == 0 {
		if b.joypad&JoypA != 0 {
			newLower &^= 0x01
		}
		if b.joypad&JoypB != 0 {
			newLower &^= 0x02
		}
		if b.joypad&JoypSelectBtn != 0 {
			newLower &^= 0x04
		}
		if b.joypad&JoypStart != 0 {
			newLower &^= 0x08
		}
	}
	falling := b.joypLower4 &^ newLower
	if falling != 0 {
		b.irq.RequestInterrupt(interrupt.Joypad)
	}
	b.joypLower4 = newLower
}

// --- Save/Load state ---
type busState struct {
	WRAM      [8][0x1000]byte
	WRAMBank  byte
	HRAM      [0x7F]byte
	JoypSel   byte
	Joypad    byte
	JoypL4    byte
	SB, SC    byte
	BootEn    bool
	CGB       bool
	Key1      byte
	SpeedX2   bool
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: b.wram, WRAMBank: b.wramBank, HRAM: b.hram,
		JoypSel: b.joypSelect, Joypad: b.joypad, JoypL4: b.joypLower4,
		SB: b.sb, SC: b.sc, BootEn: b.bootEnabled,
		CGB: b.cgb, Key1: b.key1, SpeedX2: b.speedX2,
	}
	_ = enc.Encode(s)

	_ = enc.Encode(b.irq.SaveState())
	_ = enc.Encode(b.timer.SaveState())
	_ = enc.Encode(b.oam.SaveState())

	if b.ppu != nil {
		_ = enc.Encode(b.ppu.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	if bb, ok := b.cart.(interface{ SaveState() []byte }); ok {
		_ = enc.Encode(bb.SaveState())
	} else {
		_ = enc.Encode([]byte(nil))
	}
	_ = enc.Encode(b.apu.SaveState())
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var s busState
	if err := dec.Decode(&s); err != nil {
		return
	}
	b.wram, b.wramBank, b.hram = s.WRAM, s.WRAMBank, s.HRAM
	b.joypSelect, b.joypad, b.joypLower4 = s.JoypSel, s.Joypad, s.JoypL4
	b.sb, b.sc, b.bootEnabled = s.SB, s.SC, s.BootEn
	b.cgb, b.key1, b.speedX2 = s.CGB, s.Key1, s.SpeedX2

	var blob []byte
	if err := dec.Decode(&blob); err == nil {
		b.irq.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		b.timer.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		b.oam.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil && b.ppu != nil {
		b.ppu.LoadState(blob)
	}
	if err := dec.Decode(&blob); err == nil {
		if bb, ok := b.cart.(interface{ LoadState([]byte) }); ok {
			bb.LoadState(blob)
		}
	}
	if err := dec.Decode(&blob); err == nil {
		b.apu.LoadState(blob)
	}
}
