package timer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattgale/gbcore/internal/interrupt"
)

func TestDIVWriteAlwaysReadsZero(t *testing.T) {
	tm := New(interrupt.New())
	tm.Tick(1234)
	tm.WriteDIV()
	require.Equal(t, byte(0), tm.ReadDIV())
}

func TestTIMAOverflowSchedulesReloadAndInterrupt(t *testing.T) {
	irq := interrupt.New()
	irq.WriteIE(1 << uint(interrupt.Timer))
	tm := New(irq)
	tm.WriteTAC(0x05) // enabled, bit 3 (262144 Hz)
	tm.WriteTMA(0x10)
	tm.WriteTIMA(0xFF)

	// Advance to the first falling edge of bit 3 (one every 16 T-cycles).
	tm.Tick(16)
	require.Equal(t, byte(0x00), tm.ReadTIMA(), "TIMA should be 0 immediately after overflow")

	tm.Tick(4) // reload delay elapses
	require.Equal(t, byte(0x10), tm.ReadTIMA())
	_, pending := irq.Pending()
	require.True(t, pending)
}

func TestTIMAWriteDuringReloadCancelsIt(t *testing.T) {
	tm := New(interrupt.New())
	tm.WriteTAC(0x05)
	tm.WriteTMA(0x99)
	tm.WriteTIMA(0xFF)
	tm.Tick(16) // triggers overflow, schedules reload
	tm.WriteTIMA(0x42)
	tm.Tick(8)
	require.Equal(t, byte(0x42), tm.ReadTIMA(), "write during reload window must win")
}

func TestTACUpperBitsReadAsOne(t *testing.T) {
	tm := New(interrupt.New())
	tm.WriteTAC(0x02)
	require.Equal(t, byte(0xFA), tm.ReadTAC())
}
