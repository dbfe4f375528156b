// Package network receives tag range reports over UDP and feeds the tracker
// store. Ingestion is one-way and best-effort: malformed traffic is counted
// and dropped, never answered and never fatal to the listener.
package network

import (
	"log"
	"sync/atomic"
)

// IngressStats collects datagram-level statistics for the listener.
type IngressStats interface {
	AddDatagram(bytes int)
	AddMalformed()
	AddUnknownAnchor()
	AddOutOfRange()
	AddAccepted(pairs int)
	LogStats()
}

// PacketStats is the default IngressStats backed by atomic counters.
type PacketStats struct {
	datagrams      atomic.Uint64
	bytes          atomic.Uint64
	malformed      atomic.Uint64
	unknownAnchors atomic.Uint64
	outOfRange     atomic.Uint64
	acceptedPairs  atomic.Uint64
}

func NewPacketStats() *PacketStats {
	return &PacketStats{}
}

func (s *PacketStats) AddDatagram(bytes int) {
	s.datagrams.Add(1)
	s.bytes.Add(uint64(bytes))
}

func (s *PacketStats) AddMalformed()          { s.malformed.Add(1) }
func (s *PacketStats) AddUnknownAnchor()      { s.unknownAnchors.Add(1) }
func (s *PacketStats) AddOutOfRange()         { s.outOfRange.Add(1) }
func (s *PacketStats) AddAccepted(pairs int)  { s.acceptedPairs.Add(uint64(pairs)) }

// Counts returns the current counter values, for the debug endpoint.
func (s *PacketStats) Counts() map[string]uint64 {
	return map[string]uint64{
		"datagrams":       s.datagrams.Load(),
		"bytes":           s.bytes.Load(),
		"malformed":       s.malformed.Load(),
		"unknown_anchors": s.unknownAnchors.Load(),
		"out_of_range":    s.outOfRange.Load(),
		"accepted_pairs":  s.acceptedPairs.Load(),
	}
}

func (s *PacketStats) LogStats() {
	log.Printf("[UDP] stats: datagrams=%d bytes=%d accepted_pairs=%d malformed=%d unknown_anchors=%d out_of_range=%d",
		s.datagrams.Load(), s.bytes.Load(), s.acceptedPairs.Load(),
		s.malformed.Load(), s.unknownAnchors.Load(), s.outOfRange.Load())
}

// noopStats is a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddDatagram(int)  {}
func (noopStats) AddMalformed()    {}
func (noopStats) AddUnknownAnchor() {}
func (noopStats) AddOutOfRange()   {}
func (noopStats) AddAccepted(int)  {}
func (noopStats) LogStats()        {}
