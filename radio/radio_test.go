package radio

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w9fyi/smartsdr-core/audiorx"
	"github.com/w9fyi/smartsdr-core/control"
	"github.com/w9fyi/smartsdr-core/protocol"
)

func TestApplySliceStatus_FirstSliceBecomesActive(t *testing.T) {
	s := New(nil, 4991, false, false)
	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	s.OnStatusLine(protocol.ParseLine("S12AB|slice 0 rf_frequency=14.225000 mode=USB nr=1 filter_lo=200 filter_hi=2700"))

	slice, ok := s.Slice()
	require.True(t, ok)
	assert.Equal(t, int64(14_225_000), slice.FrequencyHz)
	assert.Equal(t, "USB", slice.Mode)
	assert.True(t, slice.NR)
	assert.Equal(t, 200, slice.FilterLowHz)
	assert.Equal(t, 2700, slice.FilterHighHz)
	require.Len(t, events, 1)
	assert.Equal(t, EventSliceUpdated, events[0].Kind)
}

func TestApplySliceStatus_IgnoresNonActiveSlice(t *testing.T) {
	s := New(nil, 4991, false, false)
	s.OnStatusLine(protocol.ParseLine("S12AB|slice 0 mode=USB"))
	s.OnStatusLine(protocol.ParseLine("S12AB|slice 1 mode=CW"))

	slice, ok := s.Slice()
	require.True(t, ok)
	assert.Equal(t, 0, slice.Index)
	assert.Equal(t, "USB", slice.Mode, "slice 1 status must not overwrite the active slice")
}

func TestApplyEQStatus_PopulatesAllEightBands(t *testing.T) {
	s := New(nil, 4991, false, false)
	s.OnStatusLine(protocol.ParseLine("S12AB|eq rxsc mode=1 63hz=3 125hz=0 250hz=0 500hz=0 1000hz=0 2000hz=0 4000hz=0 8000hz=0"))

	eq := s.Equalizer(EQReceive)
	assert.True(t, eq.Enabled)
	assert.Len(t, eq.Bands, 8)
	assert.Equal(t, 3, eq.Bands[63])
	assert.Equal(t, 0, eq.Bands[125])
}

func TestApplyAudioStreamStatus_LateInUseZeroIsTolerated(t *testing.T) {
	s := New(nil, 4991, false, false)
	assert.NotPanics(t, func() {
		s.OnStatusLine(protocol.ParseLine("S12AB|audio_stream 0xC0000001 in_use=0"))
	})
}

func TestParseHexStreamID(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"0xC0000001|", 0xC0000001, true},
		{" 0xC0000001 ", 0xC0000001, true},
		{"C0000001", 0xC0000001, true},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseHexStreamID(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}

func TestParseMHzToHz(t *testing.T) {
	hz, ok := parseMHzToHz("14.225000")
	require.True(t, ok)
	assert.Equal(t, int64(14_225_000), hz)

	hz, ok = parseMHzToHz("7.0")
	require.True(t, ok)
	assert.Equal(t, int64(7_000_000), hz)
}

// --- tests requiring a live control.Session ---

func fakeRadio(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()
	return ln, accepted
}

func connectedSession(t *testing.T) (*control.Session, net.Conn, net.Listener) {
	t.Helper()
	ln, accepted := fakeRadio(t)
	s := control.New(control.KindLAN, "testclient", 4991, control.Callbacks{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Connect(context.Background(), ln.Addr().String(), nil, "")
	}()

	conn := <-accepted
	conn.Write([]byte("V2.8.8.0\n"))
	conn.Write([]byte("H12345678\n"))
	require.NoError(t, <-errCh)
	return s, conn, ln
}

func TestStartDAX_ParsesStreamIDsAndStartsAudio(t *testing.T) {
	session, conn, ln := connectedSession(t)
	defer ln.Close()
	defer conn.Close()

	state := New(session, 4991, false, false)
	var started bool
	state.Subscribe(func(e Event) {
		if e.Kind == EventAudioStarted {
			started = true
		}
	})

	reader := bufio.NewReader(conn)

	require.NoError(t, state.StartDAX("127.0.0.1:0", func(streamID uint32) (*audiorx.Receiver, error) {
		return audiorx.New(audiorx.ModeLAN, streamID, func([]float32) {}, nil)
	}))

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "stream create type=dax_rx")
	parsed := protocol.ParseLine(line)
	conn.Write([]byte("R" + strconv.FormatUint(parsed.Seq, 10) + "|00000000|0xC0000001|\n"))

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "stream create type=dax_tx")
	parsed = protocol.ParseLine(line)
	conn.Write([]byte("R" + strconv.FormatUint(parsed.Seq, 10) + "|00000000|0xC0000002|\n"))

	// drain the trailing "slice set 0 dax=1"
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	require.Eventually(t, func() bool { return started }, time.Second, 10*time.Millisecond)
	state.StopDAX()
}

func TestStartDAX_SuppressesLegacyOnSupportedFirmwareWhenConfigured(t *testing.T) {
	ln, accepted := fakeRadio(t)
	defer ln.Close()
	session := control.New(control.KindLAN, "testclient", 4991, control.Callbacks{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Connect(context.Background(), ln.Addr().String(), nil, "")
	}()

	conn := <-accepted
	defer conn.Close()
	conn.Write([]byte("V3.1.0.0\n"))
	conn.Write([]byte("H12345678\n"))
	require.NoError(t, <-errCh)

	state := New(session, 4991, false, true)
	state.OnStateChange(control.Connected)

	reader := bufio.NewReader(conn)

	require.NoError(t, state.StartDAX("127.0.0.1:0", func(streamID uint32) (*audiorx.Receiver, error) {
		return audiorx.New(audiorx.ModeLAN, streamID, func([]float32) {}, nil)
	}))

	// drain the fixed subscription sequence plus slice list emitted by
	// OnStateChange before the stream-create commands.
	for i := 0; i < 20; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, "stream create type=dax_rx") {
			parsed := protocol.ParseLine(line)
			conn.Write([]byte("R" + strconv.FormatUint(parsed.Seq, 10) + "|00000000|0xC0000001|\n"))
			break
		}
	}

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "stream create type=dax_tx")
	parsed := protocol.ParseLine(line)
	conn.Write([]byte("R" + strconv.FormatUint(parsed.Seq, 10) + "|00000000|0xC0000002|\n"))

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	line, err = reader.ReadString('\n')
	if err == nil {
		assert.NotContains(t, line, "slice set", "legacy dax=1 must be suppressed on supported firmware")
	}

	state.StopDAX()
}

func TestTuneSlice_SendsSliceTuneForActiveSlice(t *testing.T) {
	session, conn, ln := connectedSession(t)
	defer ln.Close()
	defer conn.Close()

	state := New(session, 4991, false, false)
	state.OnStatusLine(protocol.ParseLine("S12AB|slice 0 mode=USB"))

	reader := bufio.NewReader(conn)
	state.TuneSlice(7_123_456)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "slice t 0 7.123456")
}

func TestRemoveSlice_SendsSliceRemoveAndClearsLocalState(t *testing.T) {
	session, conn, ln := connectedSession(t)
	defer ln.Close()
	defer conn.Close()

	state := New(session, 4991, false, false)
	state.OnStatusLine(protocol.ParseLine("S12AB|slice 0 mode=USB"))

	reader := bufio.NewReader(conn)
	state.RemoveSlice()

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "slice r 0")

	_, ok := state.Slice()
	assert.False(t, ok, "active slice should be cleared from local state")
}

func TestFlattenEQ_SendsEQFlatAndZeroesLocalBands(t *testing.T) {
	session, conn, ln := connectedSession(t)
	defer ln.Close()
	defer conn.Close()

	state := New(session, 4991, false, false)
	state.SetEQBand(EQReceive, 125, 6)
	state.OnStatusLine(protocol.ParseLine("S12AB|eq kind=rxsc 125Hz=6"))

	reader := bufio.NewReader(conn)
	reader.ReadString('\n') // drain SetEQBand's "eq rxsc 125Hz=6"

	state.FlattenEQ(EQReceive)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "eq rxsc")
	assert.Contains(t, line, "125Hz=0")

	eq := state.Equalizer(EQReceive)
	assert.Equal(t, 0, eq.Bands[125])
}
