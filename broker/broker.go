// Package broker implements the TLS line protocol spoken to the vendor's
// WAN broker: registration, the unsolicited WAN radio list, and the
// connect-request/handle-delivery exchange used to bootstrap a WAN
// control session, per spec §4.5.
//
// The connection shape mirrors control.Session's read-loop-owns-the-
// socket discipline; the broker speaks a distinct, smaller vocabulary so
// it is kept as its own package rather than a mode of control.Session.
package broker

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/w9fyi/smartsdr-core/discovery"
)

// DefaultAddr is the vendor broker's well-known TLS endpoint, per §6.
const DefaultAddr = "smartlink.flexradio.com:443"

// Callbacks lets the owner observe broker events without this package
// depending on the radio-state package.
type Callbacks struct {
	// OnRadio fires once per "radio list" line, already translated into
	// a DiscoveredRadio tagged SourceBroker.
	OnRadio func(discovery.DiscoveredRadio)
	// OnHandle fires when a connect-ready line carrying both a serial and
	// a handle arrives, normally in reply to RequestConnect.
	OnHandle func(serial, handle string)
	OnError  func(error)
}

// Client is one TLS connection to the broker.
type Client struct {
	callbacks  Callbacks
	appName    string
	platform   string
	clientName string

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	closing bool

	done chan struct{}
}

// New creates an unconnected broker Client.
func New(appName, platform string, cb Callbacks) *Client {
	return &Client{
		callbacks: cb,
		appName:   appName,
		platform:  platform,
		done:      make(chan struct{}),
	}
}

// acceptAllCerts mirrors the vendor broker's historical behavior: it
// presents a certificate that does not chain to a public root, so the
// client accepts any server certificate, per §4.5.
var acceptAllCerts = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

// Connect dials the broker over TLS and immediately registers with the
// bearer token obtained from the caller's auth collaborator. The bearer
// is never logged by this package.
func (c *Client) Connect(ctx context.Context, addr, bearerToken string) error {
	var d tls.Dialer
	d.Config = acceptAllCerts

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.mu.Unlock()

	if err := c.send(fmt.Sprintf("application register name=%s platform=%s token=%s",
		c.appName, c.platform, bearerToken)); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop(conn)
	return nil
}

// RequestConnect sends "application connect" for the given radio serial.
// The resulting handle, once delivered, is reported via OnHandle.
func (c *Client) RequestConnect(serial string) error {
	return c.send(fmt.Sprintf("application connect serial=%s hole_punch_port=0", serial))
}

// Close tears down the TLS connection. The read loop's subsequent error
// is expected and does not invoke OnError.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closing = true
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) send(body string) error {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return fmt.Errorf("broker: not connected")
	}
	if _, err := writer.WriteString(body + "\n"); err != nil {
		return fmt.Errorf("broker: write: %w", err)
	}
	return writer.Flush()
}

func (c *Client) readLoop(conn net.Conn) {
	defer close(c.done)
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if !closing && c.callbacks.OnError != nil {
				c.callbacks.OnError(fmt.Errorf("broker: transport error: %w", err))
			}
			return
		}
		c.handleLine(strings.TrimRight(line, "\r\n"))
	}
}

func (c *Client) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}

	switch fields[0] + " " + fields[1] {
	case "radio list":
		radio, ok := parseRadioList(fields[2:])
		if ok && c.callbacks.OnRadio != nil {
			c.callbacks.OnRadio(radio)
		}
	case "radio connect_ready":
		serial, handle := parseConnectReady(fields[2:])
		if serial != "" && handle != "" && c.callbacks.OnHandle != nil {
			c.callbacks.OnHandle(serial, handle)
		}
	}
}

func parseRadioList(tokens []string) (discovery.DiscoveredRadio, bool) {
	props := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		key, value, found := strings.Cut(tok, "=")
		if !found {
			continue
		}
		props[strings.ToLower(key)] = value
	}

	serial := props["serial"]
	if serial == "" {
		return discovery.DiscoveredRadio{}, false
	}

	radio := discovery.DiscoveredRadio{
		Serial:   serial,
		Model:    props["model"],
		Callsign: props["callsign"],
		Source:   discovery.SourceBroker,
		WAN: &discovery.WANEndpoint{
			PublicIP:      props["publicip"],
			PublicTLSPort: atoiOr(props["publictlsport"], 443),
			PublicUDPPort: atoiOr(props["publicudpport"], 4991),
			WANConnected:  props["connected"] == "1" || props["connected"] == "true",
		},
	}
	return radio, true
}

func parseConnectReady(tokens []string) (serial, handle string) {
	for _, tok := range tokens {
		key, value, found := strings.Cut(tok, "=")
		if !found {
			continue
		}
		switch strings.ToLower(key) {
		case "serial":
			serial = value
		case "handle":
			handle = value
		}
	}
	return serial, handle
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
