package tracker

import (
	"time"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/reassembly"
	"github.com/flowwatch/flowwatch/tcpstate"
)

// ProtocolStateKind tags which variant of ProtocolState is populated.
type ProtocolStateKind int

// The protocol-state variants a Connection can carry.
const (
	StateTCP ProtocolStateKind = iota
	StateUDP
	StateICMP
	StateARP
)

// ProtocolState is the tagged variant describing a Connection's protocol-
// level state: a TCP state machine value, or a fixed marker for UDP, or
// the type/code pair for ICMP, or the opcode for ARP.
type ProtocolState struct {
	Kind     ProtocolStateKind
	TCP      tcpstate.State
	ICMPType uint8
	ICMPCode uint8
	ARPOp    uint16
}

// DPIInfo is the memoized application-layer classification attached to a
// Connection once evidence is sufficient. Once set it is never replaced by
// a less specific classification; LastUpdateTime only advances.
type DPIInfo struct {
	Application     dpi.ApplicationProtocol
	FirstPacketTime time.Time
	LastUpdateTime  time.Time
}

// Connection is the per-flow record the tracker maintains. Value copies of
// Connection are what Snapshot hands to the consumer; nothing in Connection
// holds a reference back into tracker-owned state.
type Connection struct {
	Protocol   dpi.Protocol
	LocalAddr  dpi.Addr
	RemoteAddr dpi.Addr

	ProtocolState ProtocolState

	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64

	CreatedAt      time.Time
	LastActivity   time.Time
	CurrentRateBps float64

	PID         int // 0 if unknown
	ProcessName string
	ServiceName string

	DPIInfo *DPIInfo

	InsertionIndex int

	// flowKey is retained internally to let the consumer ask "is this
	// still the same flow" without re-deriving the key; it is not part of
	// the external data model the spec names, so it is unexported.
	flowKey string

	// rateSampleBytes/rateSampleTime remember the last point updateRate
	// measured from, so CurrentRateBps can be derived from the byte delta
	// across ticks without the tracker keeping a separate history buffer.
	rateSampleBytes uint64
	rateSampleTime  time.Time
}

// updateRate derives CurrentRateBps from the change in total bytes
// transferred since the last sample, then records the new sample point.
// The first sample for a flow leaves CurrentRateBps at zero, since there is
// no prior point to measure a rate against.
func (c *Connection) updateRate(now time.Time) {
	total := c.BytesSent + c.BytesReceived
	if !c.rateSampleTime.IsZero() {
		if elapsed := now.Sub(c.rateSampleTime).Seconds(); elapsed > 0 && total >= c.rateSampleBytes {
			c.CurrentRateBps = float64(total-c.rateSampleBytes) / elapsed
		}
	}
	c.rateSampleBytes = total
	c.rateSampleTime = now
}

// reassemblerState is the tracker-internal bookkeeping for a flow's QUIC
// crypto fragment reassembler; it is not part of the Connection value
// copied out to consumers (per the "no back-references escape the
// snapshot" rule), so it is tracked in a side table keyed by flow key.
type reassemblerState struct {
	buffer *reassembly.Buffer
}
