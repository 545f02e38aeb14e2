package vita

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse_TooShort(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestBuildParseRoundTrip_AudioTX(t *testing.T) {
	mono := make([]float32, 480)
	for i := range mono {
		mono[i] = float32(i) / 480.0
	}

	p := Packet{
		Header: Header{
			PacketType:  PacketTypeIFData,
			TSI:         1,
			TSF:         3,
			PacketCount: 5,
		},
		HasStreamID:      true,
		StreamID:         0xC0000002,
		HasIntTimestamp:  true,
		IntTimestamp:     1700000000,
		HasFracTimestamp: true,
		FracTimestamp:    123456,
		Payload:          BuildTXAudioPayload(mono),
	}

	raw := Build(p)
	parsed, err := Parse(raw)
	require.NoError(t, err)

	assert.EqualValues(t, PacketTypeIFData, parsed.Header.PacketType)
	assert.Equal(t, uint32(0xC0000002), parsed.StreamID)
	assert.Equal(t, uint64(123456), parsed.FracTimestamp)
	assert.Len(t, parsed.Payload, 480*8)

	left, right := StereoSamplesFromPayload(parsed.Payload)
	assert.Len(t, left, 480)
	assert.InDelta(t, mono[10], left[10], 1e-6)
	assert.Equal(t, left, right, "L is duplicated to R")
}

func TestParse_TrailerConsumesExtraWord(t *testing.T) {
	p := Packet{
		Header:      Header{PacketType: PacketTypeIFData},
		HasStreamID: true,
		StreamID:    0xC0000001,
		Payload:     make([]byte, 16),
		HasTrailer:  true,
		Trailer:     0xDEADBEEF,
	}
	raw := Build(p)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, parsed.Payload, 16)
	assert.True(t, parsed.HasTrailer)
	assert.Equal(t, uint32(0xDEADBEEF), parsed.Trailer)
}

func TestParse_DiscoveryPacket(t *testing.T) {
	payload := []byte("serial=ABC123 ip=192.168.1.20 model=6600 callsign=W9XYZ")
	p := Packet{
		Header: Header{
			PacketType:     PacketTypeExtensionContext,
			ClassIDPresent: true,
		},
		HasStreamID: true,
		StreamID:    DiscoverySentinelStreamID,
		HasClassID:  true,
		OUI:         DiscoveryOUI,
		Payload:     payload,
	}
	raw := Build(p)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(DiscoverySentinelStreamID), parsed.StreamID)
	assert.Equal(t, uint32(DiscoveryOUI), parsed.OUI)

	props := DiscoveryPayload(parsed.Payload)
	assert.Equal(t, "ABC123", props["serial"])
	assert.Equal(t, "192.168.1.20", props["ip"])
	assert.Equal(t, "6600", props["model"])
	assert.Equal(t, "W9XYZ", props["callsign"])
}

func TestBuildParseRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		payloadLen := rapid.IntRange(0, 64).Draw(rt, "payloadLen") * 4
		payload := make([]byte, payloadLen)
		for i := range payload {
			payload[i] = byte(rapid.IntRange(0, 255).Draw(rt, "b"))
		}

		p := Packet{
			Header: Header{
				PacketType:  uint8(rapid.IntRange(0, 15).Draw(rt, "type")),
				TSI:         uint8(rapid.SampledFrom([]int{0, 1}).Draw(rt, "tsi")),
				TSF:         uint8(rapid.SampledFrom([]int{0, 3}).Draw(rt, "tsf")),
				PacketCount: uint8(rapid.IntRange(0, 15).Draw(rt, "count")),
			},
			Payload: payload,
		}
		if hasStreamIDField(p.Header.PacketType) {
			p.HasStreamID = true
			p.StreamID = uint32(rapid.Uint32().Draw(rt, "streamID"))
		}
		if p.Header.TSI != 0 {
			p.HasIntTimestamp = true
			p.IntTimestamp = uint32(rapid.Uint32().Draw(rt, "intTS"))
		}
		if p.Header.TSF != 0 {
			p.HasFracTimestamp = true
			p.FracTimestamp = rapid.Uint64().Draw(rt, "fracTS")
		}

		raw := Build(p)
		parsed, err := Parse(raw)
		require.NoError(rt, err)
		assert.Equal(rt, p.Header.PacketType, parsed.Header.PacketType)
		assert.Equal(rt, p.StreamID, parsed.StreamID)
		assert.Equal(rt, p.Payload, parsed.Payload)
	})
}
