package interrupt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingPriorityOrder(t *testing.T) {
	c := New()
	c.WriteIE(0xFF)
	c.RequestInterrupt(Serial)
	c.RequestInterrupt(VBlank)
	c.RequestInterrupt(Timer)

	k, ok := c.Pending()
	require.True(t, ok)
	require.Equal(t, VBlank, k)

	c.AcknowledgeInterrupt(VBlank)
	k, ok = c.Pending()
	require.True(t, ok)
	require.Equal(t, Timer, k)
}

func TestPendingRequiresEnable(t *testing.T) {
	c := New()
	c.RequestInterrupt(Joypad)
	_, ok := c.Pending()
	require.False(t, ok, "IE not set so nothing should be pending")

	c.WriteIE(1 << uint(Joypad))
	k, ok := c.Pending()
	require.True(t, ok)
	require.Equal(t, Joypad, k)
}

func TestIFUpperBitsReadAsOne(t *testing.T) {
	c := New()
	c.WriteIF(0x00)
	require.Equal(t, byte(0xE0), c.ReadIF())
}

func TestVectors(t *testing.T) {
	require.Equal(t, uint16(0x40), VBlank.Vector())
	require.Equal(t, uint16(0x48), LCDStat.Vector())
	require.Equal(t, uint16(0x50), Timer.Vector())
	require.Equal(t, uint16(0x58), Serial.Vector())
	require.Equal(t, uint16(0x60), Joypad.Vector())
}
