// Package radio implements the single observable radio-state model
// (C8): it fuses control-connection status, unsolicited status lines,
// and audio pipeline events into one coherent view, and is the only
// component that issues commands in response to user intent, per
// spec §4.8.
//
// The central-mutation-point discipline is grounded on the teacher's
// SessionManager (madpsy-ka9q_ubersdr/session.go): one mutex-guarded
// struct that every other component's callback feeds into, so there is
// exactly one place where state transitions happen.
package radio

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/w9fyi/smartsdr-core/audiorx"
	"github.com/w9fyi/smartsdr-core/control"
	"github.com/w9fyi/smartsdr-core/fwversion"
	"github.com/w9fyi/smartsdr-core/mictx"
	"github.com/w9fyi/smartsdr-core/protocol"
)

// AGCMode is the receiver automatic-gain-control mode.
type AGCMode string

const (
	AGCOff  AGCMode = "off"
	AGCSlow AGCMode = "slow"
	AGCMed  AGCMode = "med"
	AGCFast AGCMode = "fast"
)

// SliceState mirrors one logical receiver on the radio, per §3.
type SliceState struct {
	Index         int
	FrequencyHz   int64
	Mode          string
	FilterLowHz   int
	FilterHighHz  int
	NR            bool
	NB            bool
	ANF           bool
	AGCMode       AGCMode
	AGCThreshold  int
	RFGainDB      int
	AudioLevel    int
	RXAntenna     string
	AntennaList   []string
	TX            bool
	RawProperties map[string]string
}

// EqualizerState mirrors one of the radio's two EQ instances, per §3.
type EqualizerState struct {
	Enabled bool
	Bands   map[int]int
}

// StreamBindings holds the two active DAX stream IDs for a session.
type StreamBindings struct {
	RXStreamID uint32
	TXStreamID uint32
	HasRX      bool
	HasTX      bool
}

// EventKind enumerates the typed events C8 publishes, replacing the
// source's observed-property pattern with explicit message passing per
// §9's design note.
type EventKind int

const (
	EventConnectionChanged EventKind = iota
	EventSliceUpdated
	EventEQUpdated
	EventAudioStarted
	EventAudioStopped
	EventError
)

// Event is one state-model change, delivered to subscribers in the order
// it was produced.
type Event struct {
	Kind  EventKind
	State control.Status
	Slice SliceState
	EQ    struct {
		Kind EqualizerKind
		EqualizerState
	}
	Err error
}

// EqualizerKind selects rxsc or txsc.
type EqualizerKind string

const (
	EQReceive  EqualizerKind = "rxsc"
	EQTransmit EqualizerKind = "txsc"
)

// defaultSliceFreqHz and defaultSliceMode/Ant are used when "slice list"
// returns no existing slice, per §4.4's subscription bootstrap.
const (
	defaultSliceFreqHz = 14_225_000
	defaultSliceMode   = "USB"
	defaultSliceAnt    = "ANT1"
)

// State is the central observable model. All mutation happens on the
// caller's goroutine inside the On* callbacks below, which the owner
// wires as control.Callbacks.OnStatusLine / OnStateChange; this is the
// "single state executor" from §5, realized as serialized callback
// delivery rather than a dedicated goroutine.
type State struct {
	session             *control.Session
	udpPort             int
	isWAN               bool
	suppressLegacyDaxTx bool

	mu           sync.Mutex
	connStatus   control.Status
	firmware     fwversion.FirmwareVersion
	activeSlice  int
	slices       map[int]*SliceState
	eq           map[EqualizerKind]*EqualizerState
	streams      StreamBindings
	txOptimistic bool

	audio   *audiorx.Receiver
	mic     *mictx.Pipeline
	micAuto bool

	subscribers []func(Event)
}

// New creates a radio state model bound to session (C4), which must
// already be configured with this State's OnStateChange/OnStatusLine as
// its control.Callbacks. udpPort is advertised via "client udpport" once
// connected; isWAN additionally sends "client ip", per §4.4.
// suppressLegacyDaxTx mirrors Config.Radio.SuppressLegacyDaxTx: when set,
// StartDAX skips the legacy "slice set <idx> dax=1" fallback on firmware
// new enough to support "stream create type=dax_tx" outright (§4.14).
func New(session *control.Session, udpPort int, isWAN, suppressLegacyDaxTx bool) *State {
	return &State{
		session:             session,
		udpPort:             udpPort,
		isWAN:               isWAN,
		suppressLegacyDaxTx: suppressLegacyDaxTx,
		slices:              make(map[int]*SliceState),
		eq: map[EqualizerKind]*EqualizerState{
			EQReceive:  {Bands: defaultBands()},
			EQTransmit: {Bands: defaultBands()},
		},
	}
}

func defaultBands() map[int]int {
	bands := make(map[int]int, len(protocol.EQBandKeys()))
	for _, hz := range protocol.EQBandKeys() {
		bands[hz] = 0
	}
	return bands
}

// Subscribe registers a callback for every published event.
func (s *State) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *State) publish(e Event) {
	s.mu.Lock()
	subs := append([]func(Event){}, s.subscribers...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// OnStateChange is wired as the session's Callbacks.OnStateChange.
func (s *State) OnStateChange(st control.Status) {
	s.mu.Lock()
	s.connStatus = st
	if st != control.Connected {
		s.streams = StreamBindings{}
	}
	if st == control.Connected {
		if fv, err := fwversion.Parse(s.session.Firmware()); err == nil {
			s.firmware = fv
		}
	}
	s.mu.Unlock()
	s.publish(Event{Kind: EventConnectionChanged, State: st})

	if st == control.Connected {
		s.session.SendSubscriptions(s.udpPort, s.isWAN, s.onSliceListResponse)
	}
}

// OnStatusLine is wired as the session's Callbacks.OnStatusLine.
func (s *State) OnStatusLine(line protocol.Line) {
	switch line.Status.ObjectType {
	case "slice":
		s.applySliceStatus(line.Status)
	case "eq":
		s.applyEQStatus(line.Status)
	case "audio_stream", "dax_audio", "audio":
		s.applyAudioStreamStatus(line.Status)
	}
}

// applySliceStatus implements §4.8's merge policy: updates are applied
// only to the currently active slice; other slice indices are ignored by
// the core (higher layers may extend this).
func (s *State) applySliceStatus(body protocol.StatusBody) {
	idx := 0
	if body.HasIndex {
		idx = body.Index
	}

	s.mu.Lock()
	if idx != s.activeSlice {
		if _, ok := s.slices[idx]; !ok && len(s.slices) == 0 {
			// First slice ever observed becomes active by default.
			s.activeSlice = idx
		} else {
			s.mu.Unlock()
			return
		}
	}

	slice, ok := s.slices[idx]
	if !ok {
		slice = &SliceState{Index: idx, RawProperties: make(map[string]string)}
		s.slices[idx] = slice
	}
	applySliceProperties(slice, body.Properties)
	cp := *slice
	s.mu.Unlock()

	s.publish(Event{Kind: EventSliceUpdated, Slice: cp})
}

func applySliceProperties(slice *SliceState, props map[string]string) {
	for k, v := range props {
		switch k {
		case "rf_frequency", "freq":
			if hz, ok := parseMHzToHz(v); ok {
				slice.FrequencyHz = hz
			}
		case "mode":
			slice.Mode = strings.ToUpper(v)
		case "filter_lo":
			if n, err := strconv.Atoi(v); err == nil {
				slice.FilterLowHz = n
			}
		case "filter_hi":
			if n, err := strconv.Atoi(v); err == nil {
				slice.FilterHighHz = n
			}
		case "nr":
			slice.NR = v == "1"
		case "nb":
			slice.NB = v == "1"
		case "anf":
			slice.ANF = v == "1"
		case "agc_mode":
			slice.AGCMode = AGCMode(v)
		case "agc_threshold":
			if n, err := strconv.Atoi(v); err == nil {
				slice.AGCThreshold = n
			}
		case "rfgain":
			if n, err := strconv.Atoi(v); err == nil {
				slice.RFGainDB = n
			}
		case "audio_level":
			if n, err := strconv.Atoi(v); err == nil {
				slice.AudioLevel = n
			}
		case "rxant":
			slice.RXAntenna = v
		case "tx":
			slice.TX = v == "1"
		default:
			slice.RawProperties[k] = v
		}
	}
}

func parseMHzToHz(s string) (int64, bool) {
	whole, frac, found := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	if !found {
		return w * 1_000_000, true
	}
	for len(frac) < 6 {
		frac += "0"
	}
	frac = frac[:6]
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return w*1_000_000 + f, true
}

func (s *State) applyEQStatus(body protocol.StatusBody) {
	kindStr := body.Properties["kind"]
	kind := EqualizerKind(kindStr)
	if kind != EQReceive && kind != EQTransmit {
		return
	}

	s.mu.Lock()
	eq, ok := s.eq[kind]
	if !ok {
		eq = &EqualizerState{Bands: defaultBands()}
		s.eq[kind] = eq
	}
	if mode, ok := body.Properties["mode"]; ok {
		eq.Enabled = mode == "1"
	}
	for hz, v := range protocol.ExtractEQBands(body.Properties) {
		eq.Bands[hz] = v
	}
	cp := EqualizerState{Enabled: eq.Enabled, Bands: copyBands(eq.Bands)}
	s.mu.Unlock()

	e := Event{Kind: EventEQUpdated}
	e.EQ.Kind = kind
	e.EQ.EqualizerState = cp
	s.publish(e)
}

func copyBands(in map[int]int) map[int]int {
	out := make(map[int]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *State) applyAudioStreamStatus(body protocol.StatusBody) {
	if inUse, ok := body.Properties["in_use"]; ok && inUse == "0" {
		// A late in_use=0 is tolerated; the receiver's stream-ID filter
		// already drops any data that might still arrive, per §9.
		return
	}
}

// onSliceListResponse implements the "slice list" completion rule from
// §4.4: select the first existing slice, or create a default one.
func (s *State) onSliceListResponse(result, message string) {
	if !protocol.IsSuccess(result) {
		return
	}
	if fields := strings.Fields(message); len(fields) > 0 {
		if idx, err := strconv.Atoi(fields[0]); err == nil {
			s.mu.Lock()
			s.activeSlice = idx
			s.mu.Unlock()
		}
		return
	}
	_, _ = s.session.Send(protocol.SliceCreate(defaultSliceFreqHz, defaultSliceAnt, defaultSliceMode), nil)
}

// SetSliceProperty issues "slice set <idx> <k>=<v>" for the active slice.
func (s *State) SetSliceProperty(key, value string) {
	s.mu.Lock()
	idx := s.activeSlice
	s.mu.Unlock()
	_, _ = s.session.Send(protocol.SliceSet(idx, key, value), nil)
}

// SetEQBand issues "eq <kind> <hz>Hz=<db>".
func (s *State) SetEQBand(kind EqualizerKind, hz, db int) {
	_, _ = s.session.Send(protocol.EQBand(protocol.EQKind(kind), hz, db), nil)
}

// TuneSlice retunes the active slice to freqHz.
func (s *State) TuneSlice(freqHz int64) {
	s.mu.Lock()
	idx := s.activeSlice
	s.mu.Unlock()
	_, _ = s.session.Send(protocol.SliceTune(idx, freqHz), nil)
}

// RemoveSlice removes the active slice and clears it from local state.
func (s *State) RemoveSlice() {
	s.mu.Lock()
	idx := s.activeSlice
	delete(s.slices, idx)
	s.mu.Unlock()
	_, _ = s.session.Send(protocol.SliceRemove(idx), nil)
}

// FlattenEQ zeros every band of the named equalizer instance.
func (s *State) FlattenEQ(kind EqualizerKind) {
	s.mu.Lock()
	eq, ok := s.eq[kind]
	if ok {
		for hz := range eq.Bands {
			eq.Bands[hz] = 0
		}
	}
	s.mu.Unlock()
	_, _ = s.session.Send(protocol.EQFlat(protocol.EQKind(kind)), nil)
}

// StartDAX implements §4.8's "DAX start" choreography: it requests both
// stream types and parses their hex stream IDs out of the success
// responses' messages. The RX receiver is created and its UDP port bound
// only once the dax_rx response has delivered the stream ID; no port is
// bound before the requests are sent.
func (s *State) StartDAX(localAudioAddr string, newReceiver func(streamID uint32) (*audiorx.Receiver, error)) error {
	s.mu.Lock()
	idx := s.activeSlice
	s.mu.Unlock()

	_, err := s.session.Send("stream create type=dax_rx dax_channel=1", func(result, message string) {
		streamID, ok := parseHexStreamID(message)
		if !ok || !protocol.IsSuccess(result) {
			return
		}
		s.mu.Lock()
		s.streams.RXStreamID = streamID
		s.streams.HasRX = true
		s.mu.Unlock()

		rx, err := newReceiver(streamID)
		if err != nil {
			s.publish(Event{Kind: EventError, Err: fmt.Errorf("radio: audio rx: %w", err)})
			return
		}
		if err := rx.Start(localAudioAddr); err != nil {
			s.publish(Event{Kind: EventError, Err: fmt.Errorf("radio: audio rx start: %w", err)})
			return
		}
		s.mu.Lock()
		s.audio = rx
		s.mu.Unlock()
		s.publish(Event{Kind: EventAudioStarted})
	})
	if err != nil {
		return err
	}

	_, err = s.session.Send("stream create type=dax_tx", func(result, message string) {
		streamID, ok := parseHexStreamID(message)
		if !ok || !protocol.IsSuccess(result) {
			return
		}
		s.mu.Lock()
		s.streams.TXStreamID = streamID
		s.streams.HasTX = true
		s.mic = mictx.New(streamID)
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	skipLegacy := s.suppressLegacyDaxTx && s.firmware.SupportsStreamCreateDaxTx()
	s.mu.Unlock()
	if !skipLegacy {
		s.SetSliceProperty("dax", "1")
	}
	_ = idx
	return nil
}

// StopDAX implements §4.8's "DAX stop" choreography.
func (s *State) StopDAX() {
	s.mu.Lock()
	streams := s.streams
	audio := s.audio
	mic := s.mic
	s.audio = nil
	s.mic = nil
	s.streams = StreamBindings{}
	connected := s.connStatus == control.Connected
	s.mu.Unlock()

	if connected {
		if streams.HasRX {
			_, _ = s.session.Send(fmt.Sprintf("stream remove 0x%08X", streams.RXStreamID), nil)
		}
		if streams.HasTX {
			_, _ = s.session.Send(fmt.Sprintf("stream remove 0x%08X", streams.TXStreamID), nil)
		}
		s.SetSliceProperty("dax", "0")
	}

	if audio != nil {
		audio.Stop()
	}
	if mic != nil {
		mic.Stop()
	}
	s.publish(Event{Kind: EventAudioStopped})
}

// SetPTT toggles the transmitter and optimistically updates the TX flag;
// a subsequent slice-status tx=... reconciles, per §4.8. Whenever StartDAX
// has created a TX stream, PTT-down starts the mic pipeline and PTT-up
// stops it; there is no separate switch that turns this off.
func (s *State) SetPTT(on bool, micRemoteAddr string) {
	_, _ = s.session.Send(protocol.Xmit(on), nil)

	s.mu.Lock()
	idx := s.activeSlice
	if slice, ok := s.slices[idx]; ok {
		slice.TX = on
	}
	mic := s.mic
	s.mu.Unlock()

	if mic == nil {
		return
	}
	if on {
		_ = mic.Start(micRemoteAddr)
	} else {
		mic.Stop()
	}
}

// parseHexStreamID trims whitespace and a trailing "|" and accepts both
// "0x"-prefixed and bare hex, per §4.8.
func parseHexStreamID(message string) (uint32, bool) {
	s := strings.TrimSpace(message)
	s = strings.TrimSuffix(s, "|")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// Slice returns a snapshot of the currently active slice, if any.
func (s *State) Slice() (SliceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slice, ok := s.slices[s.activeSlice]
	if !ok {
		return SliceState{}, false
	}
	return *slice, true
}

// Equalizer returns a snapshot of the named EQ instance.
func (s *State) Equalizer(kind EqualizerKind) EqualizerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	eq := s.eq[kind]
	return EqualizerState{Enabled: eq.Enabled, Bands: copyBands(eq.Bands)}
}

// ConnectionStatus returns the current control connection status.
func (s *State) ConnectionStatus() control.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}
