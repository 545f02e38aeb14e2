package audiorx

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w9fyi/smartsdr-core/vita"
)

func lanPacket(t *testing.T, streamID uint32, stereo [][2]float32) []byte {
	t.Helper()
	return lanPacketWithTimestamp(t, streamID, stereo, 0)
}

func lanPacketWithTimestamp(t *testing.T, streamID uint32, stereo [][2]float32, unixSeconds uint32) []byte {
	t.Helper()
	payload := make([]byte, len(stereo)*8)
	for i, pair := range stereo {
		binary.BigEndian.PutUint32(payload[i*8:i*8+4], math.Float32bits(pair[0]))
		binary.BigEndian.PutUint32(payload[i*8+4:i*8+8], math.Float32bits(pair[1]))
	}
	p := vita.Packet{
		Header:      vita.Header{PacketType: vita.PacketTypeIFData},
		HasStreamID: true,
		StreamID:    streamID,
		Payload:     payload,
	}
	if unixSeconds != 0 {
		p.Header.TSI = 1
		p.HasIntTimestamp = true
		p.IntTimestamp = unixSeconds
	}
	return vita.Build(p)
}

func TestHandleDatagram_LANDownmixAndUpsample(t *testing.T) {
	var gotSamples [][]float32
	r, err := New(ModeLAN, 0xC0000002, func(mono []float32) {
		gotSamples = append(gotSamples, mono)
	}, nil)
	require.NoError(t, err)

	stereo := [][2]float32{{1.0, 1.0}, {0.0, 0.0}}
	r.handleDatagram(lanPacket(t, 0xC0000002, stereo))

	require.Len(t, gotSamples, 1)
	// 2 input stereo pairs <= 160 threshold, so output is upsampled 2x.
	assert.Len(t, gotSamples[0], 4)
}

func TestHandleDatagram_WrongStreamIDIsDropped(t *testing.T) {
	var called bool
	r, err := New(ModeLAN, 0xC0000002, func(mono []float32) { called = true }, nil)
	require.NoError(t, err)

	r.handleDatagram(lanPacket(t, 0xDEADBEEF, [][2]float32{{1, 1}}))
	assert.False(t, called)
}

func TestUpsample2x_CarriesStateAcrossBuffers(t *testing.T) {
	r, err := New(ModeLAN, 1, nil, nil)
	require.NoError(t, err)

	first := r.upsample2x([]float32{1.0, 2.0})
	assert.Equal(t, []float32{1.0, 1.0, 1.5, 2.0}, first)

	second := r.upsample2x([]float32{4.0})
	// carry from previous buffer's last sample (2.0) feeds the midpoint.
	assert.Equal(t, []float32{3.0, 4.0}, second)
}

func TestUpsample2x_EmptyBufferIsNoOp(t *testing.T) {
	r, err := New(ModeLAN, 1, nil, nil)
	require.NoError(t, err)
	out := r.upsample2x(nil)
	assert.Empty(t, out)
}

func TestStats_SurfacedEveryHundredPackets(t *testing.T) {
	var stats []Stats
	r, err := New(ModeLAN, 1, func([]float32) {}, func(s Stats) {
		stats = append(stats, s)
	})
	require.NoError(t, err)

	pkt := lanPacket(t, 1, [][2]float32{{0, 0}})
	for i := 0; i < StatsInterval; i++ {
		r.handleDatagram(pkt)
	}
	require.Len(t, stats, 1)
	assert.EqualValues(t, StatsInterval, stats[0].PacketCount)
}

func TestStats_LastTimestampReflectsMostRecentPacket(t *testing.T) {
	var stats []Stats
	r, err := New(ModeLAN, 1, func([]float32) {}, func(s Stats) {
		stats = append(stats, s)
	})
	require.NoError(t, err)

	for i := 0; i < StatsInterval-1; i++ {
		r.handleDatagram(lanPacket(t, 1, [][2]float32{{0, 0}}))
	}
	r.handleDatagram(lanPacketWithTimestamp(t, 1, [][2]float32{{0, 0}}, 1700000000))

	require.Len(t, stats, 1)
	assert.EqualValues(t, 1700000000, stats[0].LastTimestamp)
}

func TestStop_ResetsCarryState(t *testing.T) {
	r, err := New(ModeLAN, 1, nil, nil)
	require.NoError(t, err)

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	r.upsample2x([]float32{5.0})

	r.mu.Lock()
	assert.True(t, r.haveCarry)
	r.mu.Unlock()

	r.Stop()

	out := r.upsample2x([]float32{1.0})
	assert.Equal(t, []float32{1.0, 1.0}, out, "first sample after reset becomes its own initial prev")
}
