package dma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBus struct{ mem [0x10000]byte }

func (b *fakeBus) Read(addr uint16) byte { return b.mem[addr] }

type fakeOAM struct{ data [160]byte }

func (o *fakeOAM) WriteOAMRaw(index int, value byte) { o.data[index] = value }

func TestFullTransferCopiesAllBytes(t *testing.T) {
	var bus fakeBus
	for i := 0; i < 160; i++ {
		bus.mem[0xC100+i] = byte(i + 1)
	}
	oam := &fakeOAM{}
	d := New()
	d.Start(0xC1)
	require.True(t, d.Active())

	d.Tick(totalTCycles, &bus, oam)
	require.False(t, d.Active())
	for i := 0; i < 160; i++ {
		require.Equal(t, byte(i+1), oam.data[i])
	}
}

func TestStartupDelayBeforeFirstByte(t *testing.T) {
	var bus fakeBus
	bus.mem[0xC100] = 0x55
	oam := &fakeOAM{}
	d := New()
	d.Start(0xC1)

	d.Tick(startupTCycles, &bus, oam)
	require.Equal(t, byte(0), oam.data[0], "no byte should be copied during startup")

	d.Tick(tCyclesPerByte, &bus, oam)
	require.Equal(t, byte(0x55), oam.data[0])
}
