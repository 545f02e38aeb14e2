// Package mictx implements the microphone transmit pipeline: a realtime
// audio-callback accumulator that hands completed 480-sample frames to a
// serial send worker, which packetizes them as VITA-49 and issues the
// UDP sendto, per spec §4.7.
//
// The realtime-thread/worker split is grounded on the teacher's
// AudioPacket channel handoff (madpsy-ka9q_ubersdr/audio.go,
// session.AudioChan): the producer never blocks on I/O, and a buffered
// channel absorbs bursts without backpressure onto the realtime caller.
package mictx

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/w9fyi/smartsdr-core/vita"
)

// FrameSize is the number of mono samples per outbound VITA-49 packet,
// per §4.7.
const FrameSize = 480

// SendQueueDepth bounds the channel between the realtime callback and the
// send worker; a full queue drops the oldest pending frame rather than
// blocking the caller.
const SendQueueDepth = 64

type frame struct {
	samples     []float32
	sampleCount uint32
	seq         uint8
}

// Pipeline accumulates host-format audio and dispatches framed VITA-49
// packets to a UDP socket.
type Pipeline struct {
	streamID uint32

	mu          sync.Mutex
	accumulator []float32
	sampleCount uint32
	seq         uint8

	conn    *net.UDPConn
	sendCh  chan frame
	stopped chan struct{}
	running bool
}

// New creates a Pipeline for the given TX stream ID (returned by the
// radio's "stream create type=dax_tx" response).
func New(streamID uint32) *Pipeline {
	return &Pipeline{streamID: streamID}
}

// Start dials a send-only UDP socket to remoteAddr (the radio's IP on
// port 4991 for LAN, or the broker-reported public UDP port on WAN) and
// starts the send worker. Repeated Start/Stop pairs are safe.
func (p *Pipeline) Start(remoteAddr string) error {
	addr, err := net.ResolveUDPAddr("udp4", remoteAddr)
	if err != nil {
		return fmt.Errorf("mictx: resolve %s: %w", remoteAddr, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("mictx: dial %s: %w", remoteAddr, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.sendCh = make(chan frame, SendQueueDepth)
	p.stopped = make(chan struct{})
	p.running = true
	p.accumulator = p.accumulator[:0]
	p.sampleCount = 0
	p.seq = 0
	sendCh := p.sendCh
	stopped := p.stopped
	p.mu.Unlock()

	go p.sendWorker(sendCh, stopped)
	return nil
}

// Stop tears down the audio tap: closes the socket, stops the send
// worker, and clears the accumulator.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	conn := p.conn
	sendCh := p.sendCh
	p.conn = nil
	p.sendCh = nil
	p.accumulator = nil
	p.mu.Unlock()

	if sendCh != nil {
		close(sendCh)
	}
	if conn != nil {
		conn.Close()
	}
}

// PushSamples is called from the realtime audio callback thread with a
// buffer already converted to 24 kHz mono float32. It never performs I/O:
// it only appends to the accumulator and, for every complete 480-sample
// frame, enqueues a build-and-send task onto the (non-blocking) channel.
func (p *Pipeline) PushSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	p.accumulator = append(p.accumulator, samples...)
	for len(p.accumulator) >= FrameSize {
		chunk := make([]float32, FrameSize)
		copy(chunk, p.accumulator[:FrameSize])
		p.accumulator = p.accumulator[FrameSize:]

		f := frame{samples: chunk, sampleCount: p.sampleCount, seq: p.seq}
		p.sampleCount += FrameSize
		p.seq++

		select {
		case p.sendCh <- f:
		default:
			// Queue full: drop the oldest pending frame to make room
			// rather than block the realtime caller, per §4.7.
			select {
			case <-p.sendCh:
			default:
			}
			select {
			case p.sendCh <- f:
			default:
			}
		}
	}
}

func (p *Pipeline) sendWorker(sendCh chan frame, stopped chan struct{}) {
	defer close(stopped)
	for f := range sendCh {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			continue
		}

		pkt := vita.Packet{
			Header: vita.Header{
				PacketType:  vita.PacketTypeIFData,
				PacketCount: f.seq & 0xF,
				TSI:         1,
				TSF:         3,
			},
			HasStreamID:      true,
			StreamID:         p.streamID,
			HasIntTimestamp:  true,
			IntTimestamp:     uint32(time.Now().Unix()),
			HasFracTimestamp: true,
			FracTimestamp:    uint64(f.sampleCount),
			Payload:          vita.BuildTXAudioPayload(f.samples),
		}
		raw := vita.Build(pkt)
		_, _ = conn.Write(raw)
	}
}
