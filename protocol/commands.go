package protocol

import "fmt"

// FrameCommand wraps a command body in the "C<seq>|<body>\n" request frame.
func FrameCommand(seq uint64, body string) string {
	return fmt.Sprintf("C%d|%s\n", seq, body)
}

// Subscriptions sent once after handshake, in order, per §4.4.
func SubRadio() string       { return "sub radio" }
func SubSliceAll() string    { return "sub slice all" }
func SubMeterList() string   { return "sub meter list" }
func SubAudioStream() string { return "sub audio stream" }

// ClientProgram binds the client's program name to the session.
func ClientProgram(name string) string {
	return fmt.Sprintf("client program %s", name)
}

// ClientUDPRegister associates the session's UDP handle with the radio.
func ClientUDPRegister(handle string) string {
	return fmt.Sprintf("client udp_register handle=%s", handle)
}

// ClientUDPPort advertises the local UDP listening port.
func ClientUDPPort(port int) string {
	return fmt.Sprintf("client udpport %d", port)
}

// ClientIP requests the radio record the client's apparent IP (WAN only).
func ClientIP() string { return "client ip" }

// Ping is the keepalive command, sent every 25s per §4.4.
func Ping() string { return "ping" }

// WanValidate presents the broker-issued wanHandle nonce.
func WanValidate(handle string) string {
	return fmt.Sprintf("wan validate handle=%s", handle)
}

// SliceCreate creates a new slice at freqHz (rounded to the nearest Hz),
// rendered as MHz with 6 decimal places per §4.1.
func SliceCreate(freqHz int64, ant, mode string) string {
	return fmt.Sprintf("slice create freq=%s ant=%s mode=%s", formatMHz(freqHz), ant, mode)
}

// SliceTune retunes an existing slice.
func SliceTune(idx int, freqHz int64) string {
	return fmt.Sprintf("slice t %d %s", idx, formatMHz(freqHz))
}

// SliceSet sets a single key=value property on a slice. Recognized keys
// are listed in §4.1: mode, nr, nb, anf, agc_mode, agc_threshold, rfgain,
// audio_level, rxant, dax, dax_tx, filter_lo, filter_hi.
func SliceSet(idx int, key, value string) string {
	return fmt.Sprintf("slice set %d %s=%s", idx, key, value)
}

// SliceRemove issues "slice r <idx>".
func SliceRemove(idx int) string {
	return fmt.Sprintf("slice r %d", idx)
}

// SliceList requests the current slice inventory.
func SliceList() string { return "slice list" }

// Xmit toggles the transmitter.
func Xmit(on bool) string {
	if on {
		return "xmit 1"
	}
	return "xmit 0"
}

// EQKind selects which equalizer instance a command addresses.
type EQKind string

const (
	EQReceive  EQKind = "rxsc"
	EQTransmit EQKind = "txsc"
)

// EQMode enables or disables an equalizer.
func EQMode(kind EQKind, enabled bool) string {
	v := 0
	if enabled {
		v = 1
	}
	return fmt.Sprintf("eq %s mode=%d", kind, v)
}

// EQBand sets a single equalizer band. The outbound wire form capitalizes
// "Hz", unlike the lowercase "hz" used in inbound status keys.
func EQBand(kind EQKind, hz, db int) string {
	return fmt.Sprintf("eq %s %dHz=%d", kind, hz, db)
}

// EQFlat zeros all eight canonical bands in a single command line.
func EQFlat(kind EQKind) string {
	s := fmt.Sprintf("eq %s", kind)
	for _, hz := range eqBandKeys {
		s += fmt.Sprintf(" %dHz=0", hz)
	}
	return s
}

// StreamCreateDaxRX requests an RX DAX stream for the given channel.
func StreamCreateDaxRX(channel int) string {
	return fmt.Sprintf("stream create type=dax_rx dax_channel=%d", channel)
}

// StreamCreateDaxTX requests a TX DAX stream.
func StreamCreateDaxTX() string { return "stream create type=dax_tx" }

// StreamRemove tears down a stream by its assigned ID.
func StreamRemove(streamID uint32) string {
	return fmt.Sprintf("stream remove 0x%08X", streamID)
}

// formatMHz renders a frequency in Hz as a MHz string with 6 decimal
// places, e.g. 14225000 -> "14.225000".
func formatMHz(freqHz int64) string {
	whole := freqHz / 1_000_000
	frac := freqHz % 1_000_000
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}
