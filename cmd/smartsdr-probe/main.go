// smartsdr-probe is a reference CLI that discovers a FlexRadio on the
// LAN, opens a control session, optionally starts a DAX receive audio
// stream, and prints slice/connection state changes to stdout until
// interrupted.
//
// Grounded on the teacher's clients/go/radio_client.go: a flag-driven
// main() building one long-lived client, with a run loop and a deferred
// cleanup on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/w9fyi/smartsdr-core/audiorx"
	"github.com/w9fyi/smartsdr-core/config"
	"github.com/w9fyi/smartsdr-core/control"
	"github.com/w9fyi/smartsdr-core/debugevents"
	"github.com/w9fyi/smartsdr-core/discovery"
	"github.com/w9fyi/smartsdr-core/errlog"
	"github.com/w9fyi/smartsdr-core/fwversion"
	"github.com/w9fyi/smartsdr-core/metrics"
	"github.com/w9fyi/smartsdr-core/protocol"
	"github.com/w9fyi/smartsdr-core/radio"
	"github.com/w9fyi/smartsdr-core/telemetry"
)

func main() {
	configFlag := flag.String("config", "", "Path to smartsdr.yaml (optional; built-in defaults apply otherwise)")
	serialFlag := flag.String("serial", "", "Serial number to connect to (default: first discovered radio)")
	timeoutFlag := flag.Duration("discovery-timeout", 5*time.Second, "How long to wait for a LAN discovery beacon before giving up")
	audioFlag := flag.Bool("audio", false, "Start a DAX RX audio stream once connected")
	metricsFlag := flag.Bool("metrics", false, "Expose a Prometheus /metrics endpoint")
	debugFlag := flag.Bool("debug-events", false, "Expose a loopback WebSocket mirror of state events")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "smartsdr-probe connects to a FlexRadio and prints state changes.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	runID := uuid.New().String()
	log.Printf("smartsdr-probe: starting run %s", runID)

	cfg := loadConfigOrDefaults(*configFlag)
	elog := errlog.New()

	var pub *telemetry.Publisher
	if cfg.MQTT.Enabled {
		var err error
		pub, err = telemetry.New(cfg.MQTT.BrokerURL, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix)
		if err != nil {
			elog.Append("telemetry", errlog.SeverityWarning, "mqtt connect failed", err)
			pub = nil
		} else {
			defer pub.Close()
		}
	}

	target, listener := discoverRadio(cfg, *serialFlag, *timeoutFlag, pub)
	defer listener.Stop()
	log.Printf("smartsdr-probe: found radio %s (%s) at %s:%d", target.Serial, target.Model, target.LANAddr, target.LANPort)

	// state forward-references itself through the closures handed to the
	// control session's callbacks: the session must exist before state
	// does, but state is what those callbacks need to reach.
	var state *radio.State

	session := control.New(control.KindLAN, cfg.Radio.ClientProgramName, cfg.Radio.DAXPort, control.Callbacks{
		OnStateChange: func(st control.Status) {
			if state != nil {
				state.OnStateChange(st)
			}
		},
		OnStatusLine: func(line protocol.Line) {
			if state != nil {
				state.OnStatusLine(line)
			}
		},
		OnError: func(err error) {
			elog.Append("control", errlog.SeverityError, "control error", err)
		},
	})

	state = radio.New(session, cfg.Radio.DAXPort, false, cfg.Radio.SuppressLegacyDaxTx)

	m := metrics.New()
	state.Subscribe(func(e radio.Event) {
		switch e.Kind {
		case radio.EventConnectionChanged:
			m.SetConnected("lan", e.State == control.Connected)
			fmt.Printf("connection: %s\n", e.State)
		case radio.EventSliceUpdated:
			fmt.Printf("slice %d: %d Hz %s\n", e.Slice.Index, e.Slice.FrequencyHz, e.Slice.Mode)
		}
	})

	if *metricsFlag || cfg.Metrics.Enabled {
		go serveHTTP(cfg.Metrics.ListenAddr, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	if *debugFlag || cfg.DebugEvents.Enabled {
		dbg := debugevents.New()
		dbg.Attach(state)
		go serveHTTP(cfg.DebugEvents.ListenAddr, "/events", http.HandlerFunc(dbg.HandleWebSocket))
	}
	if pub != nil {
		pub.Attach(state)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Radio.ConnectTimeoutSeconds)*time.Second)
	addr := net.JoinHostPort(target.LANAddr, fmt.Sprintf("%d", target.LANPort))
	err := session.Connect(ctx, addr, nil, "")
	cancel()
	if err != nil {
		log.Fatalf("smartsdr-probe: connect: %v", err)
	}
	log.Printf("smartsdr-probe: connected to %s, firmware %s", target.Serial, firmwareSummary(session))

	if *audioFlag {
		startAudio(state, m, elog, fmt.Sprintf(":%d", cfg.Radio.DAXPort))
	}

	waitForInterrupt()

	log.Printf("smartsdr-probe: shutting down run %s", runID)
	state.StopDAX()
	session.Disconnect()
}

func loadConfigOrDefaults(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("smartsdr-probe: load config: %v", err)
	}
	return cfg
}

func discoverRadio(cfg *config.Config, serial string, timeout time.Duration, pub *telemetry.Publisher) (discovery.DiscoveredRadio, *discovery.Listener) {
	found := make(chan discovery.DiscoveredRadio, 1)
	var listener *discovery.Listener
	listener = discovery.New(cfg.Radio.LANDiscoveryPort, func(e discovery.Event) {
		if pub != nil {
			pub.PublishDiscoveryInventory(len(listener.Inventory()))
		}
		if e.Kind != discovery.EventUpserted {
			return
		}
		if serial != "" && e.Radio.Serial != serial {
			return
		}
		select {
		case found <- e.Radio:
		default:
		}
	})
	if err := listener.Start(); err != nil {
		log.Fatalf("smartsdr-probe: discovery listener: %v", err)
	}

	select {
	case r := <-found:
		return r, listener
	case <-time.After(timeout):
		log.Fatalf("smartsdr-probe: no radio discovered within %s", timeout)
		return discovery.DiscoveredRadio{}, listener
	}
}

func startAudio(state *radio.State, m *metrics.Metrics, elog *errlog.Log, localAddr string) {
	err := state.StartDAX(localAddr, func(streamID uint32) (*audiorx.Receiver, error) {
		return audiorx.New(audiorx.ModeLAN, streamID, func(mono []float32) {
			m.ObserveAudioPacket("rx")
		}, nil)
	})
	if err != nil {
		elog.Append("audio", errlog.SeverityError, "start dax failed", err)
	}
}

func firmwareSummary(session *control.Session) string {
	fv, err := fwversion.Parse(session.Firmware())
	if err != nil {
		return session.Firmware()
	}
	if fv.SupportsStreamCreateDaxTx() {
		return fv.String() + " (stream create dax_tx)"
	}
	return fv.String() + " (legacy dax_tx)"
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func serveHTTP(addr, path string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	log.Printf("smartsdr-probe: serving %s on %s", path, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("smartsdr-probe: server on %s: %v", addr, err)
	}
}
