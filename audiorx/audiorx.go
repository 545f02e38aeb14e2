// Package audiorx implements the DAX audio receive pipeline: a dedicated
// blocking-recv UDP worker, VITA-49 unwrapping, the LAN downmix/upsample
// path, and the WAN Opus decode path, per spec §4.6.
//
// The receive loop shape is grounded on the teacher's AudioReceiver
// (madpsy-ka9q_ubersdr/audio.go): a blocking ReadFromUDP worker guarded by
// a running flag, stream/SSRC-keyed routing, and a defensive payload copy
// before handoff so the reused read buffer is never aliased downstream.
package audiorx

import (
	"fmt"
	"net"
	"sync"

	"gopkg.in/hraban/opus.v2"

	"github.com/w9fyi/smartsdr-core/vita"
)

// Mode selects which payload decode path a pipeline runs.
type Mode int

const (
	ModeLAN Mode = iota
	ModeWAN
)

// maxLANPassthroughSamples is the stereo-pair-count threshold under which
// the LAN path upsamples 2x rather than passing samples through as-is,
// per §4.6.
const maxLANPassthroughSamples = 160

// StatsInterval is how often aggregated packet counters are surfaced,
// per §4.6's "packet-count batching".
const StatsInterval = 100

// Stats is delivered at most once every StatsInterval packets.
type Stats struct {
	PacketCount   uint64
	LastTimestamp int64
}

// Receiver is a UDP-bound DAX audio RX pipeline for one stream.
type Receiver struct {
	mode     Mode
	streamID uint32
	decoder  *opus.Decoder

	onSamples func(mono []float32)
	onStats   func(Stats)

	mu      sync.Mutex
	running bool
	conn    *net.UDPConn

	packetCount uint64
	carry       float32
	haveCarry   bool
	stopped     chan struct{}
}

// New creates a Receiver for the given mode and expected stream ID (the
// value returned by the radio's "stream create type=dax_rx" response).
// For ModeWAN, an Opus decoder at 48 kHz mono is created internally.
func New(mode Mode, streamID uint32, onSamples func(mono []float32), onStats func(Stats)) (*Receiver, error) {
	r := &Receiver{
		mode:      mode,
		streamID:  streamID,
		onSamples: onSamples,
		onStats:   onStats,
	}
	if mode == ModeWAN {
		dec, err := opus.NewDecoder(48000, 1)
		if err != nil {
			return nil, fmt.Errorf("audiorx: new opus decoder: %w", err)
		}
		r.decoder = dec
	}
	return r, nil
}

// Start binds a UDP socket to localAddr (":4991" on LAN; an ephemeral
// local port whose advertised value the WAN broker has relayed) and
// begins the blocking receive loop on its own goroutine.
func (r *Receiver) Start(localAddr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", localAddr)
	if err != nil {
		return fmt.Errorf("audiorx: resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("audiorx: listen %s: %w", localAddr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.running = true
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	go r.receiveLoop()
	return nil
}

// Stop closes the socket, unblocking the receive loop, and resets carry
// state so a subsequent Start begins cleanly, per §4.6.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	conn := r.conn
	stopped := r.stopped
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if stopped != nil {
		<-stopped
	}

	r.mu.Lock()
	r.carry = 0
	r.haveCarry = false
	r.packetCount = 0
	r.mu.Unlock()
}

func (r *Receiver) receiveLoop() {
	defer close(r.stopped)
	buf := make([]byte, 65536)

	for {
		r.mu.Lock()
		running := r.running
		conn := r.conn
		r.mu.Unlock()
		if !running {
			return
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			stillRunning := r.running
			r.mu.Unlock()
			if !stillRunning {
				return
			}
			continue
		}

		r.handleDatagram(buf[:n])
	}
}

func (r *Receiver) handleDatagram(data []byte) {
	pkt, err := vita.Parse(data)
	if err != nil {
		return
	}
	if pkt.Header.PacketType != vita.PacketTypeIFData && pkt.Header.PacketType != vita.PacketTypeExtensionData {
		return
	}
	if !pkt.HasStreamID || pkt.StreamID != r.streamID {
		return
	}

	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)

	switch r.mode {
	case ModeLAN:
		r.handleLANPayload(payload)
	case ModeWAN:
		r.handleWANPayload(payload)
	}

	r.bumpStats(pkt)
}

func (r *Receiver) handleLANPayload(payload []byte) {
	left, right := vita.StereoSamplesFromPayload(payload)
	mono := make([]float32, len(left))
	for i := range mono {
		mono[i] = (left[i] + right[i]) / 2
	}

	if len(mono) <= maxLANPassthroughSamples {
		mono = r.upsample2x(mono)
	}

	if r.onSamples != nil {
		r.onSamples(mono)
	}
}

func (r *Receiver) handleWANPayload(payload []byte) {
	pcm := make([]float32, 480)
	n, err := r.decoder.DecodeFloat32(payload, pcm)
	if err != nil {
		return
	}
	if r.onSamples != nil {
		r.onSamples(pcm[:n])
	}
}

// upsample2x implements the linear 2x upsampler from §4.6: a single-
// sample carry persists across buffers so the interpolated midpoint at a
// buffer boundary is correct.
func (r *Receiver) upsample2x(in []float32) []float32 {
	if len(in) == 0 {
		return in
	}

	r.mu.Lock()
	prev := r.carry
	haveCarry := r.haveCarry
	r.mu.Unlock()

	if !haveCarry {
		prev = in[0]
	}

	out := make([]float32, 0, len(in)*2)
	for _, s := range in {
		out = append(out, (prev+s)/2, s)
		prev = s
	}

	r.mu.Lock()
	r.carry = prev
	r.haveCarry = true
	r.mu.Unlock()

	return out
}

func (r *Receiver) bumpStats(pkt *vita.Packet) {
	var ts int64
	if pkt.HasIntTimestamp {
		ts = int64(pkt.IntTimestamp)
	}

	r.mu.Lock()
	r.packetCount++
	count := r.packetCount
	r.mu.Unlock()

	if count%StatsInterval == 0 && r.onStats != nil {
		r.onStats(Stats{PacketCount: count, LastTimestamp: ts})
	}
}
