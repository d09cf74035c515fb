package cart

import (
	"bytes"
	"encoding/gob"
)

// cyclesPerRTCSecond is the T-cycle budget per emulated RTC second: the DMG
// system clock runs at 2^22 Hz (4.194304 MHz), so the RTC free-runs one
// second for every 2^22 T-cycles it's ticked, independent of host time.
const cyclesPerRTCSecond = 1 << 22

// MBC3 implements ROM/RAM banking plus the MBC3 real-time-clock register
// bank used by Pokemon Gold/Silver/Crystal and a handful of other carts.
//
// Banking:
//   - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
//   - 2000-3FFF: ROM bank, 7 bits (0 maps to 1)
//   - 4000-5FFF: RAM bank 0-3, or RTC register select 0x08-0x0C
//   - 6000-7FFF: RTC latch — a 0x00 then 0x01 write freezes the live
//     registers into the snapshot visible through 0xA000-0xBFFF
//   - A000-BFFF: external RAM, or the latched RTC register selected above
type MBC3 struct {
	rom []byte
	ram []byte

	ramRTCEnabled bool
	romBank       byte
	ramBank       byte // 0..3; meaningful only when rtcSelect is not an RTC register
	rtcSelect     byte // last value written to 4000-5FFF
	latchLast     byte // last value written to 6000-7FFF, for edge detection

	// Live RTC registers, advanced by TickRTC at 1 RTC-second per
	// cyclesPerRTCSecond emulated T-cycles — free-running, no host-time sync.
	rtcSec, rtcMin, rtcHour byte
	rtcDay                  uint16 // 9-bit day counter
	rtcHalt, rtcCarry       bool
	rtcCycleAccum           int64

	// Frozen snapshot produced by the latch sequence; reads see this, not
	// the live registers, until the next latch.
	latSec, latMin, latHour byte
	latDay                  uint16
	latHalt, latCarry       bool
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func (m *MBC3) usingRTC() bool { return m.rtcSelect >= 0x08 && m.rtcSelect <= 0x0C }

// TickRTC advances the RTC by cycles emulated T-cycles. It is driven from
// the bus's Tick loop, once per published T-cycle, so clock behavior is
// deterministic and reproducible regardless of host execution speed.
func (m *MBC3) TickRTC(cycles int) {
	if m.rtcHalt {
		return
	}
	m.rtcCycleAccum += int64(cycles)
	for m.rtcCycleAccum >= cyclesPerRTCSecond {
		m.rtcCycleAccum -= cyclesPerRTCSecond
		m.advanceOneSecond()
	}
}

// advanceOneSecond rolls the live registers forward by exactly one RTC second.
func (m *MBC3) advanceOneSecond() {
	sec := int64(m.rtcSec) + 1
	carryMin := sec / 60
	m.rtcSec = byte(sec % 60)
	if carryMin == 0 {
		return
	}
	min := int64(m.rtcMin) + carryMin
	carryHour := min / 60
	m.rtcMin = byte(min % 60)
	if carryHour == 0 {
		return
	}
	hour := int64(m.rtcHour) + carryHour
	carryDay := hour / 24
	m.rtcHour = byte(hour % 24)
	if carryDay == 0 {
		return
	}
	day := int64(m.rtcDay) + carryDay
	if day > 0x1FF {
		m.rtcCarry = true
		day %= 0x200
	}
	m.rtcDay = uint16(day)
}

func (m *MBC3) latch() {
	m.latSec, m.latMin, m.latHour = m.rtcSec, m.rtcMin, m.rtcHour
	m.latDay, m.latHalt, m.latCarry = m.rtcDay, m.rtcHalt, m.rtcCarry
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramRTCEnabled {
			return 0xFF
		}
		if m.usingRTC() {
			switch m.rtcSelect {
			case 0x08:
				return m.latSec
			case 0x09:
				return m.latMin
			case 0x0A:
				return m.latHour
			case 0x0B:
				return byte(m.latDay & 0xFF)
			case 0x0C:
				var v byte
				if m.latDay&0x100 != 0 {
					v |= 0x01
				}
				if m.latHalt {
					v |= 0x40
				}
				if m.latCarry {
					v |= 0x80
				}
				return v
			}
			return 0xFF
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		off := int(m.ramBank&0x03)*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramRTCEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.rtcSelect = value
		if value <= 0x03 {
			m.ramBank = value
		}
	case addr < 0x8000:
		if m.latchLast == 0x00 && value == 0x01 {
			m.latch()
		}
		m.latchLast = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramRTCEnabled {
			return
		}
		if m.usingRTC() {
			switch m.rtcSelect {
			case 0x08:
				m.rtcSec = value % 60
			case 0x09:
				m.rtcMin = value % 60
			case 0x0A:
				m.rtcHour = value % 24
			case 0x0B:
				m.rtcDay = (m.rtcDay & 0x100) | uint16(value)
			case 0x0C:
				if value&0x01 != 0 {
					m.rtcDay |= 0x100
				} else {
					m.rtcDay &^= 0x100
				}
				m.rtcHalt = value&0x40 != 0
				m.rtcCarry = value&0x80 != 0
			}
			return
		}
		if len(m.ram) == 0 {
			return
		}
		off := int(m.ramBank&0x03)*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

type mbc3State struct {
	RamRTCEnabled bool
	RomBank       byte
	RamBank       byte
	RTCSelect     byte
	LatchLast     byte

	RTCSec, RTCMin, RTCHour byte
	RTCDay                  uint16
	RTCHalt, RTCCarry       bool
	RTCCycleAccum           int64

	LatSec, LatMin, LatHour byte
	LatDay                  uint16
	LatHalt, LatCarry       bool
}

func (m *MBC3) snapshot() mbc3State {
	return mbc3State{
		RamRTCEnabled: m.ramRTCEnabled, RomBank: m.romBank, RamBank: m.ramBank,
		RTCSelect: m.rtcSelect, LatchLast: m.latchLast,
		RTCSec: m.rtcSec, RTCMin: m.rtcMin, RTCHour: m.rtcHour, RTCDay: m.rtcDay,
		RTCHalt: m.rtcHalt, RTCCarry: m.rtcCarry, RTCCycleAccum: m.rtcCycleAccum,
		LatSec: m.latSec, LatMin: m.latMin, LatHour: m.latHour, LatDay: m.latDay,
		LatHalt: m.latHalt, LatCarry: m.latCarry,
	}
}

func (m *MBC3) restore(s mbc3State) {
	m.ramRTCEnabled, m.romBank, m.ramBank = s.RamRTCEnabled, s.RomBank, s.RamBank
	m.rtcSelect, m.latchLast = s.RTCSelect, s.LatchLast
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RTCSec, s.RTCMin, s.RTCHour, s.RTCDay
	m.rtcHalt, m.rtcCarry, m.rtcCycleAccum = s.RTCHalt, s.RTCCarry, s.RTCCycleAccum
	m.latSec, m.latMin, m.latHour, m.latDay = s.LatSec, s.LatMin, s.LatHour, s.LatDay
	m.latHalt, m.latCarry = s.LatHalt, s.LatCarry
}

// SaveState serializes banking registers and RTC state for save states (not
// external RAM contents, which SaveRAM covers separately).
func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.snapshot()); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err == nil {
		m.restore(s)
	}
}

type mbc3RAMState struct {
	Ram   []byte
	RTC   mbc3State
}

// SaveRAM persists external RAM plus the RTC register state, including the
// in-progress cycle accumulator, so a reload resumes the clock exactly
// where it left off.
func (m *MBC3) SaveRAM() []byte {
	s := mbc3RAMState{Ram: append([]byte(nil), m.ram...), RTC: m.snapshot()}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil
	}
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3RAMState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(m.ram) > 0 && len(s.Ram) > 0 {
		copy(m.ram, s.Ram)
	}
	m.restore(s.RTC)
}
