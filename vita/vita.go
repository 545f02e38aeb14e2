// Package vita implements the VITA-49 packet codec used on the radio's
// discovery and DAX audio UDP surfaces: big-endian 32-bit-word headers
// with optional stream ID, class ID, and timestamp fields, per spec §4.2.
package vita

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// Packet types accepted on the wire. Audio RX accepts IFData and
// ExtensionData; discovery accepts ExtensionData, ContextWithStreamID,
// and ExtensionContext.
const (
	PacketTypeIFData              = 1
	PacketTypeExtensionData       = 3
	PacketTypeContextWithStreamID = 4
	PacketTypeExtensionContext    = 5
)

// DiscoverySentinelStreamID and DiscoveryOUI identify beacon/discovery
// traffic, per §4.3 and §6.
const (
	DiscoverySentinelStreamID = 0x00000800
	DiscoveryOUI              = 0x001C2D
)

// ErrTooShort is returned when a datagram is shorter than 8 bytes (the
// header word plus one more word).
var ErrTooShort = errors.New("vita: packet shorter than 8 bytes")

// ErrMalformed covers any other structural problem: truncated optional
// fields, or a payload/trailer size that does not fit the declared packet
// size. Per §7 this is a ProtocolError: callers drop the packet silently.
var ErrMalformed = errors.New("vita: malformed packet")

// Header is the decoded form of VITA-49 header word 0.
type Header struct {
	PacketType      uint8
	ClassIDPresent  bool
	TrailerPresent  bool
	TSI             uint8
	TSF             uint8
	PacketCount     uint8
	PacketSizeWords uint16
}

// Packet is a fully decoded VITA-49 frame.
type Packet struct {
	Header Header

	HasStreamID bool
	StreamID    uint32

	HasClassID bool
	OUI        uint32
	ClassInfo  uint16

	HasIntTimestamp bool
	IntTimestamp    uint32

	HasFracTimestamp bool
	FracTimestamp    uint64

	Payload []byte

	HasTrailer bool
	Trailer    uint32
}

// hasStreamIDField reports whether packets of this type carry a stream ID
// as their second header word, per §4.2.
func hasStreamIDField(packetType uint8) bool {
	switch packetType {
	case PacketTypeIFData, PacketTypeExtensionData, PacketTypeContextWithStreamID, PacketTypeExtensionContext:
		return true
	default:
		return false
	}
}

// Parse decodes a VITA-49 packet from raw datagram bytes.
func Parse(data []byte) (*Packet, error) {
	if len(data) < 8 {
		return nil, ErrTooShort
	}

	word0 := binary.BigEndian.Uint32(data[0:4])
	h := Header{
		PacketType:      uint8(word0 >> 28 & 0xF),
		ClassIDPresent:  word0>>27&0x1 != 0,
		TrailerPresent:  word0>>26&0x1 != 0,
		TSI:             uint8(word0 >> 22 & 0xF),
		TSF:             uint8(word0 >> 20 & 0x3),
		PacketCount:     uint8(word0 >> 16 & 0xF),
		PacketSizeWords: uint16(word0 & 0xFFFF),
	}

	p := &Packet{Header: h}
	offset := 4

	if hasStreamIDField(h.PacketType) {
		if len(data) < offset+4 {
			return nil, ErrMalformed
		}
		p.HasStreamID = true
		p.StreamID = binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
	}

	if h.ClassIDPresent {
		if len(data) < offset+8 {
			return nil, ErrMalformed
		}
		p.HasClassID = true
		p.OUI = binary.BigEndian.Uint32(data[offset:offset+4]) & 0x00FFFFFF
		p.ClassInfo = uint16(binary.BigEndian.Uint32(data[offset+4:offset+8]) & 0xFFFF)
		offset += 8
	}

	if h.TSI != 0 {
		if len(data) < offset+4 {
			return nil, ErrMalformed
		}
		p.HasIntTimestamp = true
		p.IntTimestamp = binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
	}

	if h.TSF != 0 {
		if len(data) < offset+8 {
			return nil, ErrMalformed
		}
		p.HasFracTimestamp = true
		p.FracTimestamp = binary.BigEndian.Uint64(data[offset : offset+8])
		offset += 8
	}

	totalBytes := int(h.PacketSizeWords) * 4
	if totalBytes < offset || totalBytes > len(data) {
		return nil, ErrMalformed
	}

	trailerBytes := 0
	if h.TrailerPresent {
		trailerBytes = 4
	}
	payloadEnd := totalBytes - trailerBytes
	if payloadEnd < offset {
		return nil, ErrMalformed
	}

	p.Payload = data[offset:payloadEnd]

	if h.TrailerPresent {
		p.HasTrailer = true
		p.Trailer = binary.BigEndian.Uint32(data[payloadEnd:totalBytes])
	}

	return p, nil
}

// Build serializes a Packet back into wire bytes, computing
// PacketSizeWords from the structure's actual contents.
func Build(p Packet) []byte {
	size := 4
	if p.HasStreamID {
		size += 4
	}
	if p.HasClassID {
		size += 8
	}
	if p.HasIntTimestamp {
		size += 4
	}
	if p.HasFracTimestamp {
		size += 8
	}
	size += len(p.Payload)
	// A packet is a whole number of 32-bit words: an unaligned payload is
	// zero-padded up to the next word boundary.
	size = (size + 3) &^ 3
	if p.HasTrailer {
		size += 4
	}

	buf := make([]byte, size)

	word0 := uint32(p.Header.PacketType&0xF)<<28 |
		boolBit(p.HasClassID)<<27 |
		boolBit(p.HasTrailer)<<26 |
		uint32(p.Header.TSI&0xF)<<22 |
		uint32(p.Header.TSF&0x3)<<20 |
		uint32(p.Header.PacketCount&0xF)<<16 |
		uint32(size/4)&0xFFFF

	binary.BigEndian.PutUint32(buf[0:4], word0)
	offset := 4

	if p.HasStreamID {
		binary.BigEndian.PutUint32(buf[offset:offset+4], p.StreamID)
		offset += 4
	}
	if p.HasClassID {
		binary.BigEndian.PutUint32(buf[offset:offset+4], p.OUI&0x00FFFFFF)
		binary.BigEndian.PutUint32(buf[offset+4:offset+8], uint32(p.ClassInfo))
		offset += 8
	}
	if p.HasIntTimestamp {
		binary.BigEndian.PutUint32(buf[offset:offset+4], p.IntTimestamp)
		offset += 4
	}
	if p.HasFracTimestamp {
		binary.BigEndian.PutUint64(buf[offset:offset+8], p.FracTimestamp)
		offset += 8
	}

	copy(buf[offset:], p.Payload)

	if p.HasTrailer {
		binary.BigEndian.PutUint32(buf[size-4:size], p.Trailer)
	}

	return buf
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// StereoSamplesFromPayload decodes a LAN audio RX payload (big-endian
// float32 stereo interleaved) into separate left/right slices.
func StereoSamplesFromPayload(payload []byte) (left, right []float32) {
	n := len(payload) / 8
	left = make([]float32, n)
	right = make([]float32, n)
	for i := 0; i < n; i++ {
		lBits := binary.BigEndian.Uint32(payload[i*8 : i*8+4])
		rBits := binary.BigEndian.Uint32(payload[i*8+4 : i*8+8])
		left[i] = math.Float32frombits(lBits)
		right[i] = math.Float32frombits(rBits)
	}
	return left, right
}

// BuildTXAudioPayload encodes 480 mono samples as 480 stereo (L=R) pairs,
// each written big-endian per §4.2.
func BuildTXAudioPayload(mono []float32) []byte {
	buf := make([]byte, len(mono)*8)
	for i, s := range mono {
		bits := math.Float32bits(s)
		binary.BigEndian.PutUint32(buf[i*8:i*8+4], bits)
		binary.BigEndian.PutUint32(buf[i*8+4:i*8+8], bits)
	}
	return buf
}

// DiscoveryPayload parses the UTF-8 space-separated "key=value" tail of a
// discovery packet. Keys are lowercased per §4.2/§4.3. Trailing zero bytes
// (word-boundary padding) are ignored.
func DiscoveryPayload(payload []byte) map[string]string {
	fields := strings.Fields(strings.TrimRight(string(payload), "\x00"))
	props := make(map[string]string, len(fields))
	for _, f := range fields {
		key, value, found := strings.Cut(f, "=")
		if !found {
			continue
		}
		props[strings.ToLower(key)] = value
	}
	return props
}
