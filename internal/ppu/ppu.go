package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT).
type InterruptRequester func(bit int)

const (
	dotsOAMScan  = 80
	dotsDrawing  = 172
	dotsPerLine  = 456
	visibleLines = 144
	totalLines   = 154
)

// LineRegs is a snapshot of the registers that shaped a given scanline's
// rendering, captured at the moment mode 3 begins for that line. It exists
// for introspection in tests; the PPU itself never reads it back.
type LineRegs struct {
	WinLine  int
	SCX, SCY byte
	WX, WY   byte
	LCDC     byte
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, CGB palette RAM, and the
// mode-duration state machine, and renders each scanline into an RGBA
// framebuffer once mode 3 for that line begins.
type PPU struct {
	cgb bool

	vram [2][0x2000]byte // bank 0 and bank 1 (CGB only); 0x8000-0x9FFF
	oam  [0xA0]byte      // 0xFE00-0xFE9F
	vbk  byte            // FF4F: VRAM bank select (CGB)

	// CGB palette RAM: 8 palettes * 4 colors * 2 bytes (RGB555 LE)
	bgPalRAM  [64]byte
	objPalRAM [64]byte
	bcps      byte // FF68
	ocps      byte // FF6A
	opri      byte // FF6C object priority mode

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot int // dots within current line [0..455]

	windowLineCounter int
	usedWindowThisLine bool
	lineRegs           [visibleLines]LineRegs

	fb []byte // RGBA8888, 160*144*4

	// dmgPalette recolors the four DMG shade indices; it defaults to plain
	// grayscale but can be overridden (e.g. with a CGB boot ROM's
	// title-derived compatibility palette) via SetDMGPalette.
	dmgPalette [4][4]byte

	req InterruptRequester
}

func New(req InterruptRequester) *PPU {
	p := &PPU{req: req, fb: make([]byte, 160*144*4)}
	p.dmgPalette = defaultDMGPalette
	return p
}

// SetCGBMode toggles CGB-specific VRAM banking, palette RAM, and rendering.
func (p *PPU) SetCGBMode(cgb bool) { p.cgb = cgb }

// SetDMGPalette overrides the RGBA color assigned to each of the 4 DMG shade
// indices (0=lightest..3=darkest), used for DMG-mode rendering regardless of
// whether the underlying hardware is DMG or CGB-running-in-compat-mode.
func (p *PPU) SetDMGPalette(colors [4][4]byte) { p.dmgPalette = colors }

// Framebuffer returns the most recently rendered frame as RGBA8888, row-major
// starting at (0,0), 160x144 pixels.
func (p *PPU) Framebuffer() []byte { return p.fb }

// WriteOAMRaw is the OAM-DMA write path, bypassing the mode-2/3 access lock
// that blocks ordinary CPU writes.
func (p *PPU) WriteOAMRaw(index int, value byte) {
	if index >= 0 && index < len(p.oam) {
		p.oam[index] = value
	}
}

// Read implements ppu.VRAMReader against the currently CGB-selected bank,
// for use by the DMG scanline/sprite renderers.
func (p *PPU) Read(addr uint16) byte { return p.ReadBank(int(p.vbk&0x01), addr) }

// ReadBank implements ppu.BankedVRAMReader.
func (p *PPU) ReadBank(bank int, addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[bank&0x01][addr-0x8000]
}

// CPURead returns bytes for VRAM, OAM, and PPU IO registers. Returns 0xFF for others.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[p.vbk&0x01][addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	case addr == 0xFF4F:
		return 0xFE | (p.vbk & 0x01)
	case addr == 0xFF68:
		return p.bcps
	case addr == 0xFF69:
		return p.bgPalRAM[p.bcps&0x3F]
	case addr == 0xFF6A:
		return p.ocps
	case addr == 0xFF6B:
		return p.objPalRAM[p.ocps&0x3F]
	case addr == 0xFF6C:
		return 0xFE | (p.opri & 0x01)
	default:
		return 0xFF
	}
}

// CPUWrite handles writes to VRAM, OAM, and PPU IO regs. Others are ignored here.
func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[p.vbk&0x01][addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.windowLineCounter = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	case addr == 0xFF4F:
		if p.cgb {
			p.vbk = value & 0x01
		}
	case addr == 0xFF68:
		p.bcps = value
	case addr == 0xFF69:
		p.bgPalRAM[p.bcps&0x3F] = value
		if p.bcps&0x80 != 0 {
			p.bcps = 0x80 | ((p.bcps + 1) & 0x3F)
		}
	case addr == 0xFF6A:
		p.ocps = value
	case addr == 0xFF6B:
		p.objPalRAM[p.ocps&0x3F] = value
		if p.ocps&0x80 != 0 {
			p.ocps = 0x80 | ((p.ocps + 1) & 0x3F)
		}
	case addr == 0xFF6C:
		p.opri = value & 0x01
	}
}

// LineRegs returns the register snapshot captured when mode 3 began for
// scanline ly, for test introspection.
func (p *PPU) LineRegs(ly int) LineRegs {
	if ly < 0 || ly >= visibleLines {
		return LineRegs{}
	}
	return p.lineRegs[ly]
}

// Tick advances PPU state by the given number of dots (T-cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 {
			continue
		}
		p.dot++

		var mode byte
		if p.ly >= visibleLines {
			mode = 1
		} else {
			switch {
			case p.dot < dotsOAMScan:
				mode = 2
			case p.dot < dotsOAMScan+dotsDrawing:
				mode = 3
			default:
				mode = 0
			}
		}
		p.setMode(mode)

		if p.dot >= dotsPerLine {
			p.dot = 0
			if p.usedWindowThisLine {
				p.windowLineCounter++
			}
			p.usedWindowThisLine = false
			p.ly++
			if p.ly == visibleLines {
				if p.req != nil {
					p.req(0)
				}
				if (p.stat & (1 << 4)) != 0 {
					if p.req != nil {
						p.req(1)
					}
				}
			} else if p.ly > totalLines-1 {
				p.ly = 0
				p.windowLineCounter = 0
			}
			p.updateLYC()
			if p.ly >= visibleLines {
				p.setMode(1)
			} else {
				p.setMode(2)
			}
		}
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0:
		if (p.stat & (1 << 3)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 2:
		if (p.stat & (1 << 5)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	case 3:
		if p.ly < visibleLines {
			p.renderScanline(p.ly)
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
		if (p.stat & (1 << 6)) != 0 {
			if p.req != nil {
				p.req(1)
			}
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// renderScanline composes BG, window, and sprites for ly directly into the
// RGBA framebuffer. Real hardware produces pixels one at a time across mode
// 3's 172+ dots; rendering the whole line at once when mode 3 begins is a
// documented simplification that preserves per-scanline timing (STAT/LYC,
// OAM-DMA windows) without modeling the pixel FIFO's dot-level interleaving.
func (p *PPU) renderScanline(ly byte) {
	tileData8000 := p.lcdc&0x10 != 0
	bgMapBase := uint16(0x9800)
	if p.lcdc&0x08 != 0 {
		bgMapBase = 0x9C00
	}
	winMapBase := uint16(0x9800)
	if p.lcdc&0x40 != 0 {
		winMapBase = 0x9C00
	}

	windowEnabled := p.lcdc&0x20 != 0
	windowVisible := windowEnabled && ly >= p.wy && p.wx <= 166
	wxStart := int(p.wx) - 7

	var regs LineRegs
	regs.SCX, regs.SCY, regs.WX, regs.WY, regs.LCDC = p.scx, p.scy, p.wx, p.wy, p.lcdc
	regs.WinLine = p.windowLineCounter
	p.lineRegs[ly] = regs

	var bgci, winci [160]byte
	var bgpal, winpal [160]byte
	var bgpri, winpri [160]bool

	bgMasterOn := p.cgb || p.lcdc&0x01 != 0

	if p.cgb {
		bgci, bgpal, bgpri = RenderBGScanlineCGB(p, bgMapBase, bgMapBase, tileData8000, p.scx, p.scy, ly)
	} else if bgMasterOn {
		bgci = RenderBGScanlineUsingFetcher(p, bgMapBase, tileData8000, p.scx, p.scy, ly)
	}

	if windowVisible {
		p.usedWindowThisLine = true
		if p.cgb {
			winci, winpal, winpri = RenderWindowScanlineCGB(p, winMapBase, winMapBase, tileData8000, wxStart, byte(p.windowLineCounter))
		} else if bgMasterOn {
			winci = RenderWindowScanlineUsingFetcher(p, winMapBase, tileData8000, wxStart, byte(p.windowLineCounter))
		}
	}

	var finalci [160]byte
	var finalpal [160]byte
	var finalpri [160]bool
	start := 0
	if windowVisible && wxStart > 0 {
		start = wxStart
	}
	for x := 0; x < 160; x++ {
		if windowVisible && x >= start {
			finalci[x], finalpal[x], finalpri[x] = winci[x], winpal[x], winpri[x]
		} else {
			finalci[x], finalpal[x], finalpri[x] = bgci[x], bgpal[x], bgpri[x]
		}
	}

	sprites := p.spritesOnLine(ly)
	tall := p.lcdc&0x04 != 0

	if p.cgb {
		sci, spal := p.composeSpriteLineCGB(sprites, ly, finalci, finalpri, tall)
		for x := 0; x < 160; x++ {
			if sci[x] != 0 {
				p.setPixelCGBObj(ly, x, sci[x], spal[x])
			} else {
				p.setPixelCGBBg(ly, x, finalci[x], finalpal[x])
			}
		}
		return
	}

	objEnabled := p.lcdc&0x02 != 0
	var spriteRow [160]byte
	if objEnabled {
		spriteRow = ComposeSpriteLine(p, sprites, ly, finalci, tall)
	}
	for x := 0; x < 160; x++ {
		if spriteRow[x] != 0 {
			obpReg := p.obp0
			if p.spriteUsesOBP1(sprites, ly, x, tall) {
				obpReg = p.obp1
			}
			shade := (obpReg >> (spriteRow[x] * 2)) & 0x03
			p.setPixelDMG(ly, x, shade)
		} else {
			shade := (p.bgp >> (finalci[x] * 2)) & 0x03
			p.setPixelDMG(ly, x, shade)
		}
	}
}

// spriteUsesOBP1 re-derives, for the winning sprite pixel at x, whether it
// came from a sprite using OBP1. This mirrors ComposeSpriteLine's priority
// order rather than threading per-pixel metadata through that function.
func (p *PPU) spriteUsesOBP1(sprites []Sprite, ly byte, x int, tall bool) bool {
	height := 8
	if tall {
		height = 16
	}
	best := -1
	var bestUsesOBP1 bool
	for _, s := range sprites {
		row := int(ly) - int(s.Y)
		if row < 0 || row >= height {
			continue
		}
		if x < int(s.X) || x >= int(s.X)+8 {
			continue
		}
		rank := int(s.X)<<8 | s.OAMIndex
		if best == -1 || rank < best {
			best = rank
			bestUsesOBP1 = s.Attr&0x10 != 0
		}
	}
	return bestUsesOBP1
}

func (p *PPU) spritesOnLine(ly byte) []Sprite {
	tall := p.lcdc&0x04 != 0
	height := byte(8)
	if tall {
		height = 16
	}
	var out []Sprite
	for i := 0; i < 40 && len(out) < 10; i++ {
		rawY := p.oam[i*4+0]
		rawX := p.oam[i*4+1]
		tile := p.oam[i*4+2]
		attr := p.oam[i*4+3]
		y := int(rawY) - 16
		if int(ly) < y || int(ly) >= y+int(height) {
			continue
		}
		sy := byte(0)
		if y >= 0 {
			sy = byte(y)
		}
		out = append(out, Sprite{X: rawX - 8, Y: sy, Tile: tile, Attr: attr, OAMIndex: i})
	}
	return out
}

func (p *PPU) composeSpriteLineCGB(sprites []Sprite, ly byte, bgci [160]byte, bgpri [160]bool, tall bool) (ci [160]byte, pal [160]byte) {
	masterPriority := p.lcdc&0x01 != 0
	for _, s := range sprites {
		height := 8
		if tall {
			height = 16
		}
		row := int(ly) - int(s.Y)
		if row < 0 || row >= height {
			continue
		}
		yflip := s.Attr&0x40 != 0
		xflip := s.Attr&0x20 != 0
		behindBG := s.Attr&0x80 != 0
		bank := 0
		if s.Attr&0x08 != 0 {
			bank = 1
		}
		pnum := s.Attr & 0x07

		tile := s.Tile
		if tall {
			tile &^= 0x01
			if yflip {
				row = height - 1 - row
			}
			if row >= 8 {
				tile |= 0x01
				row -= 8
			}
		} else if yflip {
			row = 7 - row
		}
		base := uint16(tile)*16 + uint16(row)*2
		lo := p.ReadBank(bank, 0x8000+base)
		hi := p.ReadBank(bank, 0x8000+base+1)

		for col := 0; col < 8; col++ {
			x := int(s.X) + col
			if x < 0 || x >= 160 {
				continue
			}
			if ci[x] != 0 {
				continue
			}
			bit := 7 - byte(col)
			if xflip {
				bit = byte(col)
			}
			c := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if c == 0 {
				continue
			}
			if masterPriority && bgpri[x] && bgci[x] != 0 {
				continue
			}
			if behindBG && bgci[x] != 0 {
				continue
			}
			ci[x] = c
			pal[x] = pnum
		}
	}
	return
}

func (p *PPU) setPixelDMG(ly byte, x int, shade byte) {
	c := p.dmgPalette[shade&0x03]
	off := (int(ly)*160 + x) * 4
	p.fb[off+0], p.fb[off+1], p.fb[off+2], p.fb[off+3] = c[0], c[1], c[2], c[3]
}

// defaultDMGPalette is plain 4-shade grayscale, lightest to darkest.
var defaultDMGPalette = [4][4]byte{
	{0xFF, 0xFF, 0xFF, 0xFF},
	{0xAA, 0xAA, 0xAA, 0xFF},
	{0x55, 0x55, 0x55, 0xFF},
	{0x00, 0x00, 0x00, 0xFF},
}

func (p *PPU) setPixelCGBBg(ly byte, x int, ci, pal byte) {
	lo := p.bgPalRAM[pal*8+ci*2]
	hi := p.bgPalRAM[pal*8+ci*2+1]
	r, g, b, a := rgb555ToRGBA(lo, hi)
	off := (int(ly)*160 + x) * 4
	p.fb[off+0], p.fb[off+1], p.fb[off+2], p.fb[off+3] = r, g, b, a
}

func (p *PPU) setPixelCGBObj(ly byte, x int, ci, pal byte) {
	lo := p.objPalRAM[pal*8+ci*2]
	hi := p.objPalRAM[pal*8+ci*2+1]
	r, g, b, a := rgb555ToRGBA(lo, hi)
	off := (int(ly)*160 + x) * 4
	p.fb[off+0], p.fb[off+1], p.fb[off+2], p.fb[off+3] = r, g, b, a
}


func rgb555ToRGBA(lo, hi byte) (byte, byte, byte, byte) {
	v := uint16(lo) | uint16(hi)<<8
	r5 := byte(v & 0x1F)
	g5 := byte((v >> 5) & 0x1F)
	b5 := byte((v >> 10) & 0x1F)
	expand := func(c5 byte) byte { return (c5 << 3) | (c5 >> 2) }
	return expand(r5), expand(g5), expand(b5), 0xFF
}

// Expose palettes and scroll for renderer convenience (optional helpers)
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }

type state struct {
	VRAM0, VRAM1                   []byte
	OAM                            []byte
	VBK                            byte
	BGPalRAM, ObjPalRAM            []byte
	BCPS, OCPS, OPRI               byte
	LCDC, STAT, SCY, SCX, LY, LYC  byte
	BGP, OBP0, OBP1, WY, WX        byte
	Dot                            int
	WindowLineCounter              int
}

// SaveState serializes PPU state to bytes via gob, matching the Bus's
// save-state convention (opaque blobs nested inside its own gob stream).
func (p *PPU) SaveState() []byte {
	s := state{
		VRAM0: append([]byte(nil), p.vram[0][:]...), VRAM1: append([]byte(nil), p.vram[1][:]...),
		OAM: append([]byte(nil), p.oam[:]...), VBK: p.vbk,
		BGPalRAM: append([]byte(nil), p.bgPalRAM[:]...), ObjPalRAM: append([]byte(nil), p.objPalRAM[:]...),
		BCPS: p.bcps, OCPS: p.ocps, OPRI: p.opri,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, WindowLineCounter: p.windowLineCounter,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var st state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return
	}
	copy(p.vram[0][:], st.VRAM0)
	copy(p.vram[1][:], st.VRAM1)
	copy(p.oam[:], st.OAM)
	p.vbk = st.VBK
	copy(p.bgPalRAM[:], st.BGPalRAM)
	copy(p.objPalRAM[:], st.ObjPalRAM)
	p.bcps, p.ocps, p.opri = st.BCPS, st.OCPS, st.OPRI
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = st.LCDC, st.STAT, st.SCY, st.SCX, st.LY, st.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = st.BGP, st.OBP0, st.OBP1, st.WY, st.WX
	p.dot, p.windowLineCounter = st.Dot, st.WindowLineCounter
}
