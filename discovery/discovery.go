// Package discovery implements the LAN discovery listener: a UDP receiver
// on the well-known discovery port that inhales periodic broadcast
// beacons and maintains a staleness-evicted inventory of radios, per §4.3.
//
// The receive loop and eviction timers follow the same shape as the
// teacher's FrontendStatusTracker (madpsy-ka9q_ubersdr/radiod_status.go):
// a blocking UDP recv worker, a mutex-guarded map, and SO_REUSEADDR /
// SO_REUSEPORT so co-located clients can share the discovery port. The
// socket options are set through golang.org/x/sys/unix rather than the
// teacher's hand-rolled SO_REUSEPORT constant, since unix exports it
// directly.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/w9fyi/smartsdr-core/vita"
)

// Source tags a DiscoveredRadio's origin; only LAN entries are subject to
// staleness eviction (§3).
type Source int

const (
	SourceLAN Source = iota
	SourceBroker
	SourceManual
)

// WANEndpoint holds the broker-advertised remote access fields.
type WANEndpoint struct {
	PublicIP      string
	PublicTLSPort int
	PublicUDPPort int
	WANConnected  bool
}

// DiscoveredRadio is identified by serial number; see §3.
type DiscoveredRadio struct {
	Serial    string
	Model     string
	Callsign  string
	LANAddr   string
	LANPort   int
	Version   string
	Source    Source
	WAN       *WANEndpoint
	UpdatedAt time.Time
}

// StalenessTimeout is the interval after which an un-refreshed LAN entry
// is evicted, per §4.3/§8.
const StalenessTimeout = 5 * time.Second

// Listener receives discovery beacons and maintains the radio inventory.
type Listener struct {
	port int

	mu      sync.RWMutex
	radios  map[string]*DiscoveredRadio
	timers  map[string]*time.Timer
	onEvent func(Event)

	conn    *net.UDPConn
	stop    chan struct{}
	stopped chan struct{}
}

// EventKind distinguishes inventory changes surfaced to the caller.
type EventKind int

const (
	EventUpserted EventKind = iota
	EventEvicted
)

// Event is published whenever the inventory changes.
type Event struct {
	Kind  EventKind
	Radio DiscoveredRadio
}

// New creates a Listener bound to the given discovery port (4992 on the
// wire, per §6). onEvent may be nil.
func New(port int, onEvent func(Event)) *Listener {
	return &Listener{
		port:    port,
		radios:  make(map[string]*DiscoveredRadio),
		timers:  make(map[string]*time.Timer),
		onEvent: onEvent,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start binds the UDP socket with address/port reuse and broadcast
// receive enabled, then begins the blocking receive loop on its own
// goroutine.
func (l *Listener) Start() error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_BROADCAST: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	l.conn = pc.(*net.UDPConn)
	go l.receiveLoop()
	return nil
}

// Stop closes the socket, unblocking the receive loop, and cancels all
// eviction timers.
func (l *Listener) Stop() {
	close(l.stop)
	if l.conn != nil {
		l.conn.Close()
	}
	<-l.stopped

	l.mu.Lock()
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = make(map[string]*time.Timer)
	l.mu.Unlock()
}

func (l *Listener) receiveLoop() {
	defer close(l.stopped)
	buf := make([]byte, 2048)

	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				continue
			}
		}
		l.handleDatagram(buf[:n])
	}
}

// handleDatagram implements the five-step acceptance pipeline from §4.3.
func (l *Listener) handleDatagram(data []byte) {
	pkt, err := vita.Parse(data)
	if err != nil {
		return
	}
	switch pkt.Header.PacketType {
	case vita.PacketTypeExtensionData, vita.PacketTypeContextWithStreamID, vita.PacketTypeExtensionContext:
	default:
		return
	}
	if !pkt.HasStreamID || pkt.StreamID != vita.DiscoverySentinelStreamID {
		return
	}
	if pkt.HasClassID && pkt.OUI != vita.DiscoveryOUI {
		return
	}

	props := vita.DiscoveryPayload(pkt.Payload)
	serial := props["serial"]
	ip := props["ip"]
	if serial == "" || ip == "" {
		return
	}

	radio := l.upsert(serial, ip, props)
	l.resetEviction(serial)

	if l.onEvent != nil {
		l.onEvent(Event{Kind: EventUpserted, Radio: radio})
	}
}

func (l *Listener) upsert(serial, ip string, props map[string]string) DiscoveredRadio {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.radios[serial]
	if !ok {
		existing = &DiscoveredRadio{Serial: serial, Source: SourceLAN}
		l.radios[serial] = existing
	}

	existing.LANAddr = ip
	if port, ok := parsePort(props["port"]); ok {
		existing.LANPort = port
	}
	existing.Model = firstNonEmpty(props["model"], props["radio_type"], "FlexRadio")
	existing.Callsign = firstNonEmpty(props["callsign"], props["nickname"])
	if v, ok := props["version"]; ok {
		existing.Version = v
	}
	existing.UpdatedAt = time.Now()

	cp := *existing
	return cp
}

func (l *Listener) resetEviction(serial string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[serial]; ok {
		t.Stop()
	}
	l.timers[serial] = time.AfterFunc(StalenessTimeout, func() {
		l.evict(serial)
	})
}

// evict removes a serial from the inventory if it is still LAN-sourced;
// broker and manual entries are never evicted by the timer, per §4.3/§3.
func (l *Listener) evict(serial string) {
	l.mu.Lock()
	existing, ok := l.radios[serial]
	if !ok || existing.Source != SourceLAN {
		l.mu.Unlock()
		return
	}
	delete(l.radios, serial)
	delete(l.timers, serial)
	l.mu.Unlock()

	if l.onEvent != nil {
		l.onEvent(Event{Kind: EventEvicted, Radio: *existing})
	}
}

// UpsertExternal inserts or updates a non-LAN entry (broker or manual),
// bypassing the beacon pipeline. The owner calls it with radios reported
// through the broker client's OnRadio callback (§4.5) and with entries a
// user types in manually; the broker package does not call it itself.
func (l *Listener) UpsertExternal(r DiscoveredRadio) {
	l.mu.Lock()
	l.radios[r.Serial] = &r
	l.mu.Unlock()

	if l.onEvent != nil {
		l.onEvent(Event{Kind: EventUpserted, Radio: r})
	}
}

// RemoveManual explicitly removes a manual or broker entry; these are
// never evicted automatically.
func (l *Listener) RemoveManual(serial string) {
	l.mu.Lock()
	existing, ok := l.radios[serial]
	if ok {
		delete(l.radios, serial)
	}
	l.mu.Unlock()

	if ok && l.onEvent != nil {
		l.onEvent(Event{Kind: EventEvicted, Radio: *existing})
	}
}

// Inventory returns a snapshot of all currently known radios.
func (l *Listener) Inventory() []DiscoveredRadio {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DiscoveredRadio, 0, len(l.radios))
	for _, r := range l.radios {
		out = append(out, *r)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parsePort(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, false
	}
	return port, true
}
