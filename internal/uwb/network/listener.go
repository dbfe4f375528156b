package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/position.report/internal/uwb"
)

// Report is the wire format of one tag datagram: UTF-8 JSON, one report per
// datagram, fire-and-forget.
type Report struct {
	Tag     string        `json:"tag"`
	Anchors []ReportRange `json:"anchors"`
}

// ReportRange is one (anchor, distance) pair inside a report.
type ReportRange struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// maxIDLen bounds tag and anchor identifiers on the wire.
const maxIDLen = 32

var (
	errMalformed  = errors.New("malformed report")
	errOutOfRange = errors.New("distance out of plausible range")
)

// ListenerConfig configures the UDP ingress listener.
type ListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         IngressStats
	Store         *uwb.TrackerStore
	MinDistanceCm float64
	MaxDistanceCm float64
}

// UDPListener receives tag range reports and upserts the tracker store.
type UDPListener struct {
	address       string
	rcvBuf        int
	logInterval   time.Duration
	stats         IngressStats
	store         *uwb.TrackerStore
	minDistanceCm float64
	maxDistanceCm float64
	conn          *net.UDPConn
	clock         func() time.Time
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(cfg ListenerConfig) *UDPListener {
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:       cfg.Address,
		rcvBuf:        cfg.RcvBuf,
		logInterval:   logInterval,
		stats:         stats,
		store:         cfg.Store,
		minDistanceCm: cfg.MinDistanceCm,
		maxDistanceCm: cfg.MaxDistanceCm,
		clock:         time.Now,
	}
}

// Start listens for datagrams until the context is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("[UDP] warning: failed to set receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	log.Printf("[UDP] listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	buffer := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			log.Print("[UDP] listener stopping")
			return ctx.Err()
		default:
			// Short read deadline so context cancellation is noticed.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[UDP] read error: %v", err)
				continue
			}
			// Drop reasons are counted, not surfaced: the protocol is one-way.
			l.handleDatagram(buffer[:n])
		}
	}
}

// LocalAddr returns the bound address once Start has begun listening.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handleDatagram validates one report and upserts the store. A structurally
// invalid report is dropped whole; an individual pair referencing an anchor
// id that is well-formed but unregistered drops only that pair, since the
// rest of the report is still usable.
func (l *UDPListener) handleDatagram(payload []byte) {
	l.stats.AddDatagram(len(payload))

	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		l.stats.AddMalformed()
		return
	}

	ms, err := l.validate(report)
	if err != nil {
		switch {
		case errors.Is(err, errOutOfRange):
			l.stats.AddOutOfRange()
		default:
			l.stats.AddMalformed()
		}
		return
	}
	if len(ms) == 0 {
		return
	}

	l.store.UpsertMeasurements(report.Tag, ms, l.clock())
	l.stats.AddAccepted(len(ms))
}

func (l *UDPListener) validate(report Report) ([]uwb.Measurement, error) {
	if !validID(report.Tag) {
		return nil, fmt.Errorf("%w: bad tag id %q", errMalformed, report.Tag)
	}
	if len(report.Anchors) == 0 {
		return nil, fmt.Errorf("%w: no anchor ranges", errMalformed)
	}

	registry := l.store.Registry()
	now := l.clock()
	ms := make([]uwb.Measurement, 0, len(report.Anchors))
	for _, r := range report.Anchors {
		if !validID(r.ID) {
			return nil, fmt.Errorf("%w: bad anchor id %q", errMalformed, r.ID)
		}
		if r.Distance < l.minDistanceCm || r.Distance > l.maxDistanceCm {
			return nil, fmt.Errorf("%w: %.1fcm", errOutOfRange, r.Distance)
		}
		if _, ok := registry.Position(r.ID); !ok {
			l.stats.AddUnknownAnchor()
			continue
		}
		ms = append(ms, uwb.Measurement{
			TagID:      report.Tag,
			AnchorID:   r.ID,
			DistanceCm: r.Distance,
			ReceivedAt: now,
		})
	}
	return ms, nil
}

// validID accepts short printable-ASCII identifiers without whitespace.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
