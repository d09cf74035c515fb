package ppu

import "sort"

// RenderBGScanlineUsingFetcher renders 160 BG pixels for the given LY using the fetcher.
// Inputs:
// - mem: VRAM reader
// - mapBase: 0x9800 or 0x9C00
// - tileData8000: true -> 0x8000 addressing; false -> 0x8800 signed addressing
// - scx, scy: scroll registers
// - ly: current scanline (0..143)
// Output: 160 color indices (0..3)
func RenderBGScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, scx, scy, ly byte) [160]byte {
	var out [160]byte

	// Compute BG coordinates.
	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31 // 0..31 rows

	startX := uint16(scx)
	tileX := (startX >> 3) & 31
	fineX := int(startX & 7)

	// Map index address for the first tile column.
	tileIndexAddr := mapBase + mapY*32 + tileX

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
	f.Fetch()
	// Discard scx fractional pixels.
	for i := 0; i < fineX; i++ {
		_, _ = q.Pop()
	}

	// Produce 160 pixels, fetching new tiles as the FIFO empties.
	for x := 0; x < 160; x++ {
		if q.Len() == 0 {
			// Advance to next tile in map row (wrap at 32 tiles).
			tileX = (tileX + 1) & 31
			tileIndexAddr = mapBase + mapY*32 + tileX
			f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
			f.Fetch()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}

// RenderWindowScanlineUsingFetcher renders the window layer for a scanline using the fetcher.
// It fills pixels starting at wxStart (WX-7) using winLine as the vertical line within the window.
// Pixels before wxStart are left as 0 (BG color index 0) so callers can blend.
func RenderWindowScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, wxStart int, winLine byte) [160]byte {
	var out [160]byte
	if wxStart >= 160 {
		return out
	}
	if wxStart < 0 {
		wxStart = 0
	}
	// Compute window tile row and fineY
	mapY := (uint16(winLine) >> 3) & 31
	fineY := winLine & 7
	tileX := uint16(0)
	tileIndexAddr := mapBase + mapY*32 + tileX
	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
	f.Fetch()
	for x := wxStart; x < 160; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) & 31
			tileIndexAddr = mapBase + mapY*32 + tileX
			f.Configure(mapBase, tileData8000, tileIndexAddr, fineY)
			f.Fetch()
		}
		px, _ := q.Pop()
		out[x] = px
	}
	return out
}

// BankedVRAMReader adds bank-aware access for CGB VRAM (bank 0 tile/map data,
// bank 1 tile data + BG attribute map mirrored at the same addresses).
type BankedVRAMReader interface {
	VRAMReader
	ReadBank(bank int, addr uint16) byte
}

// RenderBGScanlineCGB renders a CGB background scanline, returning color
// indices alongside the per-pixel palette number and BG-to-OBJ priority bit
// decoded from the attribute byte stored in VRAM bank 1.
func RenderBGScanlineCGB(mem BankedVRAMReader, mapBase, attrBase uint16, tileData8000 bool, scx, scy, ly byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	bgY := uint16(ly) + uint16(scy)
	fineYBase := byte(bgY & 7)
	mapY := (bgY >> 3) & 31

	startX := uint16(scx)
	tileX := (startX >> 3) & 31
	fineX0 := int(startX & 7)

	x := 0
	first := true
	for x < 160 {
		mapOff := mapY*32 + tileX
		tileIdx := mem.ReadBank(0, mapBase+mapOff)
		attr := mem.ReadBank(1, attrBase+mapOff)

		bank := 0
		if attr&0x08 != 0 {
			bank = 1
		}
		xflip := attr&0x20 != 0
		yflip := attr&0x40 != 0
		p := attr & 0x07
		prio := attr&0x80 != 0

		fineY := fineYBase
		if yflip {
			fineY = 7 - fineY
		}
		var base uint16
		if tileData8000 {
			base = 0x8000 + uint16(tileIdx)*16 + uint16(fineY)*2
		} else {
			base = 0x9000 + uint16(int8(tileIdx))*16 + uint16(fineY)*2
		}
		lo := mem.ReadBank(bank, base)
		hi := mem.ReadBank(bank, base+1)

		start := 0
		if first {
			start = fineX0
		}
		for col := start; col < 8 && x < 160; col++ {
			bit := 7 - byte(col)
			if xflip {
				bit = byte(col)
			}
			ci[x] = ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			pal[x] = p
			pri[x] = prio
			x++
		}
		tileX = (tileX + 1) & 31
		first = false
	}
	return
}

// RenderWindowScanlineCGB is the window-layer counterpart of
// RenderBGScanlineCGB; winLine is the window's own internal line counter,
// not LY.
func RenderWindowScanlineCGB(mem BankedVRAMReader, mapBase, attrBase uint16, tileData8000 bool, wxStart int, winLine byte) (ci [160]byte, pal [160]byte, pri [160]bool) {
	if wxStart >= 160 {
		return
	}
	if wxStart < 0 {
		wxStart = 0
	}
	mapY := (uint16(winLine) >> 3) & 31
	fineYBase := winLine & 7
	tileX := uint16(0)
	x := wxStart
	for x < 160 {
		mapOff := mapY*32 + tileX
		tileIdx := mem.ReadBank(0, mapBase+mapOff)
		attr := mem.ReadBank(1, attrBase+mapOff)

		bank := 0
		if attr&0x08 != 0 {
			bank = 1
		}
		xflip := attr&0x20 != 0
		yflip := attr&0x40 != 0
		p := attr & 0x07
		prio := attr&0x80 != 0

		fineY := fineYBase
		if yflip {
			fineY = 7 - fineY
		}
		var base uint16
		if tileData8000 {
			base = 0x8000 + uint16(tileIdx)*16 + uint16(fineY)*2
		} else {
			base = 0x9000 + uint16(int8(tileIdx))*16 + uint16(fineY)*2
		}
		lo := mem.ReadBank(bank, base)
		hi := mem.ReadBank(bank, base+1)

		for col := 0; col < 8 && x < 160; col++ {
			bit := 7 - byte(col)
			if xflip {
				bit = byte(col)
			}
			ci[x] = ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			pal[x] = p
			pri[x] = prio
			x++
		}
		tileX = (tileX + 1) & 31
	}
	return
}

// Sprite is a pre-decoded OAM entry with X/Y already translated to screen
// coordinates (OAM's raw +8/+16 offsets removed by the caller).
type Sprite struct {
	X, Y     byte
	Tile     byte
	Attr     byte
	OAMIndex int
}

// ComposeSpriteLine draws sprites onto a 160-pixel row of color indices,
// respecting X-then-OAM-index priority and BG-over-sprite priority (attr
// bit 7). bgci is the already-rendered BG+window row, used only to test
// transparency for behind-BG sprites; it is not modified.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly byte, bgci [160]byte, tallSprites bool) [160]byte {
	var out [160]byte
	height := 8
	if tallSprites {
		height = 16
	}

	ordered := append([]Sprite(nil), sprites...)
	// Paint lowest-priority sprites first so higher-priority ones (smaller X,
	// tie-broken by smaller OAM index) land on top via plain overwrite.
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].X != ordered[j].X {
			return ordered[i].X > ordered[j].X
		}
		return ordered[i].OAMIndex > ordered[j].OAMIndex
	})

	for _, s := range ordered {
		row := int(ly) - int(s.Y)
		if row < 0 || row >= height {
			continue
		}
		yflip := s.Attr&0x40 != 0
		xflip := s.Attr&0x20 != 0
		behindBG := s.Attr&0x80 != 0

		tile := s.Tile
		if tallSprites {
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
		lo := mem.Read(0x8000 + base)
		hi := mem.Read(0x8000 + base + 1)

		for col := 0; col < 8; col++ {
			x := int(s.X) + col
			if x < 0 || x >= 160 {
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
			if behindBG && bgci[x] != 0 {
				continue
			}
			out[x] = c
		}
	}
	return out
}
