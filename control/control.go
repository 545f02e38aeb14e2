// Package control implements the TCP/TLS control connection state
// machine: handshake, sequenced request/response correlation, unsolicited
// status dispatch, and keepalive, per spec §4.4.
//
// The read loop and mutex-guarded shared state follow the teacher's
// Session/SessionManager idiom (madpsy-ka9q_ubersdr/session.go): a single
// owner goroutine drives the socket, while a mutex protects the pending-
// response table for callers on other goroutines.
package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/w9fyi/smartsdr-core/protocol"
)

// Kind distinguishes a LAN (plain TCP) session from a WAN (TLS) session.
type Kind int

const (
	KindLAN Kind = iota
	KindWAN
)

// Status is the control connection's lifecycle state, per §4.4's state
// diagram.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// ConnectTimeout is the 15s window from Connecting to the first H line.
const ConnectTimeout = 15 * time.Second

// KeepaliveInterval is how often a ping is sent once connected.
const KeepaliveInterval = 25 * time.Second

// WanValidateDelay is the pause between sending "wan validate" and the
// first subscription command, per §4.4.
const WanValidateDelay = 200 * time.Millisecond

// Completion is invoked at most once with a response's result/message, or
// never if the session is disconnected first (§3 invariant).
type Completion func(result, message string)

// Callbacks lets the owner (radio state, C8) observe session lifecycle
// events without the session depending on C8's package.
type Callbacks struct {
	OnStateChange func(Status)
	OnStatusLine  func(protocol.Line)
	OnError       func(error)
}

// Session is one TCP/TLS control connection.
type Session struct {
	kind       Kind
	callbacks  Callbacks
	dialer     net.Dialer
	clientName string
	udpPort    int

	mu       sync.Mutex
	status   Status
	conn     net.Conn
	writer   *bufio.Writer
	nextSeq  uint64
	pending  map[uint64]Completion
	handle   string
	firmware string

	epoch int64 // incremented on every teardown; stale callbacks drop

	keepaliveStop chan struct{}
	readDone      chan struct{}
}

// New creates an unconnected Session of the given kind.
func New(kind Kind, clientName string, udpPort int, cb Callbacks) *Session {
	return &Session{
		kind:       kind,
		callbacks:  cb,
		clientName: clientName,
		udpPort:    udpPort,
		pending:    make(map[uint64]Completion),
	}
}

// Connect dials addr (plain TCP for LAN, TLS for WAN when tlsConfig is
// non-nil) and runs the handshake. For WAN sessions, wanHandle is
// presented via "wan validate" once the handle line ("H...") arrives.
func (s *Session) Connect(ctx context.Context, addr string, tlsConfig *tls.Config, wanHandle string) error {
	s.mu.Lock()
	if s.status != Disconnected {
		s.mu.Unlock()
		return errors.New("control: session already connecting or connected")
	}
	s.status = Connecting
	s.nextSeq = 1
	epoch := atomic.AddInt64(&s.epoch, 1)
	s.mu.Unlock()
	s.notifyState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if tlsConfig != nil {
		d := tls.Dialer{NetDialer: &s.dialer, Config: tlsConfig}
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	} else {
		conn, err = s.dialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		s.teardown(epoch, true)
		return fmt.Errorf("control: dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.writer = bufio.NewWriter(conn)
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	handshakeDone := make(chan error, 1)
	go s.readLoop(conn, epoch, handshakeDone, wanHandle)

	select {
	case err := <-handshakeDone:
		return err
	case <-dialCtx.Done():
		s.teardown(epoch, true)
		return fmt.Errorf("control: handshake timeout waiting for H line")
	}
}

// readLoop owns the socket for its lifetime: it assembles newline-
// terminated frames, parses them, and dispatches V/H/R/S/M lines. It
// captures its own epoch and ignores further work once superseded, per
// the connection-identity discipline in spec §4.4/§9.
func (s *Session) readLoop(conn net.Conn, epoch int64, handshakeDone chan<- error, wanHandle string) {
	defer close(s.readDone)
	reader := bufio.NewReader(conn)
	sawVersion, sawHandle := false, false
	handshakeReported := false

	reportHandshake := func(err error) {
		if !handshakeReported {
			handshakeReported = true
			handshakeDone <- err
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if s.currentEpoch() == epoch {
				reportHandshake(fmt.Errorf("control: read: %w", err))
				wasConnected := s.Status() == Connected
				s.teardown(epoch, !wasConnected)
				if wasConnected {
					transportErr := fmt.Errorf("control: transport error: %w", err)
					if s.callbacks.OnError != nil {
						s.callbacks.OnError(transportErr)
					}
				}
			}
			return
		}
		if s.currentEpoch() != epoch {
			return
		}

		parsed := protocol.ParseLine(line)
		switch parsed.Kind {
		case protocol.LineVersion:
			sawVersion = true
			s.mu.Lock()
			s.firmware = parsed.Version
			s.mu.Unlock()

		case protocol.LineHandle:
			sawHandle = true
			s.mu.Lock()
			s.handle = parsed.Handle
			s.status = Connected
			s.mu.Unlock()
			if s.kind == KindWAN {
				s.sendWanCoda(wanHandle)
			}
			s.notifyState(Connected)
			s.startKeepalive(epoch)
			reportHandshake(nil)

		case protocol.LineResponse:
			s.dispatchResponse(parsed)

		case protocol.LineStatus:
			if s.callbacks.OnStatusLine != nil {
				s.callbacks.OnStatusLine(parsed)
			}

		case protocol.LineMeter:
			// Opaque to the core per §4.1; no action taken.

		default:
			// Unrecognized prefix: ignored per §4.1.
		}

		_ = sawVersion
		_ = sawHandle
	}
}

// sendWanCoda sends "wan validate" and then waits WanValidateDelay, so the
// Connected notification that triggers the subscriptions comes after it.
func (s *Session) sendWanCoda(wanHandle string) {
	_, _ = s.Send(protocol.WanValidate(wanHandle), nil)
	time.Sleep(WanValidateDelay)
}

func (s *Session) dispatchResponse(line protocol.Line) {
	s.mu.Lock()
	completion, ok := s.pending[line.Seq]
	if ok {
		delete(s.pending, line.Seq)
	}
	s.mu.Unlock()

	if !ok {
		return // no completion registered: the response is discarded; nothing is logged
	}
	completion(line.Result, line.Message)
}

// Send allocates the next sequence number, registers completion (if any)
// before transmission, and writes the framed command. Commands containing
// "wan validate" are redacted when logged by callers (the session itself
// does no logging of command bodies).
func (s *Session) Send(body string, completion Completion) (uint64, error) {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return 0, errors.New("control: not connected")
	}
	seq := s.nextSeq
	s.nextSeq++
	if completion != nil {
		s.pending[seq] = completion
	}
	writer := s.writer
	s.mu.Unlock()

	frame := protocol.FrameCommand(seq, body)
	if _, err := writer.WriteString(frame); err != nil {
		return seq, fmt.Errorf("control: write: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return seq, fmt.Errorf("control: flush: %w", err)
	}
	return seq, nil
}

func (s *Session) startKeepalive(epoch int64) {
	s.mu.Lock()
	s.keepaliveStop = make(chan struct{})
	stop := s.keepaliveStop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.currentEpoch() != epoch {
					return
				}
				_, _ = s.Send(protocol.Ping(), nil)
			}
		}
	}()
}

// Disconnect is the public teardown: it tears down the connection and
// then emits a Disconnected status change, per §4.4.
func (s *Session) Disconnect() {
	epoch := s.currentEpoch()
	s.teardown(epoch, false)
}

// teardown closes the connection and drops all pending completions
// without invoking them. internal is true only for a failure that
// occurs before the session ever reached Connected (dial failure,
// handshake timeout, or a read error during the handshake): Connect's
// caller already observes that failure as a returned error, so no
// second Disconnected callback fires. Any teardown after Connected —
// including a spontaneous read error, per §7's TransportError contract
// — must pass internal=false so the owner is told the session dropped.
func (s *Session) teardown(epoch int64, internal bool) {
	s.mu.Lock()
	if s.status == Disconnected && s.conn == nil {
		s.mu.Unlock()
		return // idempotent: already torn down
	}
	atomic.AddInt64(&s.epoch, 1)
	conn := s.conn
	keepaliveStop := s.keepaliveStop
	s.conn = nil
	s.writer = nil
	s.pending = make(map[uint64]Completion)
	s.status = Disconnected
	s.mu.Unlock()

	if keepaliveStop != nil {
		close(keepaliveStop)
	}
	if conn != nil {
		conn.Close()
	}

	if !internal {
		s.notifyState(Disconnected)
	}
}

func (s *Session) notifyState(st Status) {
	if s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(st)
	}
}

func (s *Session) currentEpoch() int64 {
	return atomic.LoadInt64(&s.epoch)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Handle returns the client handle assigned by the radio ("" if none).
func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Firmware returns the firmware version string reported on the V line.
func (s *Session) Firmware() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware
}

// PendingCount reports the current depth of the pending-response table,
// used by the metrics component (C11).
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SendSubscriptions issues the fixed post-handshake subscription sequence
// from §4.4, followed by the slice-list bootstrap whose completion
// handler is supplied by the caller (radio state, C8).
func (s *Session) SendSubscriptions(udpPort int, isWAN bool, onSliceList Completion) {
	_, _ = s.Send(protocol.ClientProgram(s.clientName), nil)
	_, _ = s.Send(protocol.ClientUDPPort(udpPort), nil)
	if isWAN {
		_, _ = s.Send(protocol.ClientIP(), nil)
	}
	_, _ = s.Send(protocol.SubRadio(), nil)
	_, _ = s.Send(protocol.SubSliceAll(), nil)
	_, _ = s.Send(protocol.SubMeterList(), nil)
	_, _ = s.Send(protocol.SubAudioStream(), nil)
	_, _ = s.Send("eq rxsc info", nil)
	_, _ = s.Send("eq txsc info", nil)
	_, _ = s.Send(protocol.SliceList(), onSliceList)
}
