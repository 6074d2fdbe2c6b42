// Package tracker implements the Connection Tracker: the authoritative
// fusion point between a live packet stream and periodic OS socket-table
// snapshots. It owns the flow map, drives the TCP state machine, manages
// per-flow QUIC crypto reassemblers, and hands the consumer a stably
// ordered, value-copied snapshot on each tick.
package tracker

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/flowwatch/flowwatch/capture"
	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/flow"
	"github.com/flowwatch/flowwatch/metrics"
	"github.com/flowwatch/flowwatch/reassembly"
	"github.com/flowwatch/flowwatch/socktable"
	"github.com/flowwatch/flowwatch/tcpstate"
)

// MinPollInterval is the minimum time the tracker waits between capture
// polls, per spec's concurrency model.
const MinPollInterval = 100 * time.Millisecond

// MaxPacketsPerPoll bounds how many packets a single poll will drain from
// the capture source.
const MaxPacketsPerPoll = 100

// IdleThreshold is how long a flow may go without activity before it
// becomes eligible for removal once absent from a snapshot.
const IdleThreshold = 300 * time.Second

// quicPort is the well-known port the tracker treats as QUIC-worthy of
// crypto-frame reassembly, per spec §4.5 item 5.
const quicPort = 443

// saturatingAddU64 adds b to a, clamping at math.MaxUint64 instead of
// wrapping, matching the data model's saturating-u64 counters.
func saturatingAddU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}

// Stats is the observability tuple returned alongside a Snapshot.
type Stats struct {
	TrackedFlows           int
	Reassemblers           int
	DroppedPacketsLastTick int
}

// Snapshot is the value-copied, stably ordered view of the tracker's state
// handed to a consumer. SelectedIndex, when the consumer passed a
// previously selected flow key into Tick, gives that flow's new index
// so the consumer can preserve its selection across churn; it is -1 if the
// flow is no longer present.
type Snapshot struct {
	Connections   []Connection
	SelectedIndex int
	Stats         Stats
}

// Tracker is the single authoritative owner of the flow map, reassemblers,
// capture handle, and socket-table adapter. All mutation happens inside
// the mutex; Tick clones what the consumer needs into a Snapshot and
// releases before returning.
type Tracker struct {
	mu sync.Mutex

	cap  capture.Source
	sock socktable.Adapter

	flows        map[string]*Connection
	reassemblers map[string]*reassemblerState

	nextIndex int
	lastPoll  time.Time
	dropped   int
}

// New creates a Tracker over the given capture source and OS socket-table
// adapter. Open must be called before polling begins.
func New(source capture.Source, sock socktable.Adapter) *Tracker {
	return &Tracker{
		cap:          source,
		sock:         sock,
		flows:        make(map[string]*Connection, 256),
		reassemblers: make(map[string]*reassemblerState, 16),
	}
}

// Open opens the underlying capture source. A failure here is the one
// capture-related error the tracker treats as fatal — callers should
// surface it to the consumer and exit.
func (t *Tracker) Open() error {
	return t.cap.Open()
}

// Close releases the capture handle.
func (t *Tracker) Close() error {
	return t.cap.Close()
}

// PollPackets drains up to MaxPacketsPerPoll frames from the capture
// source, decodes and ingests each one. It is a no-op if called again
// before MinPollInterval has elapsed since the previous poll. Capture read
// errors are logged and swallowed; they end the current poll early but
// never propagate.
func (t *Tracker) PollPackets(now time.Time) {
	t.mu.Lock()
	sincePoll := now.Sub(t.lastPoll)
	if t.lastPoll.IsZero() {
		sincePoll = MinPollInterval
	}
	if sincePoll < MinPollInterval {
		t.mu.Unlock()
		return
	}
	t.lastPoll = now
	t.mu.Unlock()

	count := 0
	for count < MaxPacketsPerPoll {
		frame, ok, err := t.cap.ReadPacket()
		if err != nil {
			log.Printf("tracker: capture read error: %v", err)
			metrics.ErrorCount.WithLabelValues("capture_read").Inc()
			break
		}
		if !ok {
			break
		}
		pkt, decoded := capture.Decode(frame, now)
		if !decoded {
			t.mu.Lock()
			t.dropped++
			t.mu.Unlock()
			metrics.DroppedPacketsCount.Inc()
			count++
			continue
		}
		t.mu.Lock()
		t.ingestPacket(pkt, now)
		t.mu.Unlock()
		count++
	}
	metrics.PacketCountHistogram.Observe(float64(count))
}

// ingestPacket applies one decoded packet to the flow map. Callers must
// hold t.mu.
func (t *Tracker) ingestPacket(pkt dpi.ParsedPacket, now time.Time) {
	conn, exists := t.flows[pkt.FlowKey]
	if !exists {
		conn = &Connection{
			Protocol:       pkt.Protocol,
			LocalAddr:      pkt.LocalAddr,
			RemoteAddr:     pkt.RemoteAddr,
			CreatedAt:      now,
			LastActivity:   now,
			InsertionIndex: t.nextIndex,
			flowKey:        pkt.FlowKey,
		}
		t.nextIndex++
		conn.ProtocolState = initialProtocolState(pkt)
		t.flows[pkt.FlowKey] = conn
	}

	if pkt.IsOutgoing {
		conn.BytesSent = saturatingAddU64(conn.BytesSent, uint64(pkt.PacketLen))
		conn.PacketsSent = saturatingAddU64(conn.PacketsSent, 1)
	} else {
		conn.BytesReceived = saturatingAddU64(conn.BytesReceived, uint64(pkt.PacketLen))
		conn.PacketsReceived = saturatingAddU64(conn.PacketsReceived, 1)
	}
	conn.LastActivity = now

	if pkt.Protocol == dpi.TCP && pkt.TCPFlags != nil {
		conn.ProtocolState.TCP = tcpstate.Next(conn.ProtocolState.TCP, *pkt.TCPFlags, pkt.IsOutgoing)
	}

	if pkt.DPIResult != nil && conn.DPIInfo == nil {
		conn.DPIInfo = &DPIInfo{
			Application:     pkt.DPIResult.Application,
			FirstPacketTime: now,
			LastUpdateTime:  now,
		}
	}

	if pkt.Protocol == dpi.UDP && (pkt.LocalAddr.Port == quicPort || pkt.RemoteAddr.Port == quicPort) {
		t.feedReassembler(pkt, now)
	}
}

// initialProtocolState resolves open question #2: for TCP the computed
// state wins (driven from Unknown through C2), for every other protocol
// the packet-supplied state wins.
func initialProtocolState(pkt dpi.ParsedPacket) ProtocolState {
	switch pkt.Protocol {
	case dpi.TCP:
		var flags dpi.TCPFlags
		if pkt.TCPFlags != nil {
			flags = *pkt.TCPFlags
		}
		return ProtocolState{Kind: StateTCP, TCP: tcpstate.Next(tcpstate.Unknown, flags, pkt.IsOutgoing)}
	case dpi.ICMP:
		return ProtocolState{Kind: StateICMP, ICMPType: pkt.ICMPType, ICMPCode: pkt.ICMPCode}
	case dpi.ARP:
		return ProtocolState{Kind: StateARP, ARPOp: pkt.ARPOp}
	default:
		return ProtocolState{Kind: StateUDP}
	}
}

// feedReassembler forwards a UDP/443 packet's CRYPTO frames (if this
// packet carried a recognizable QUIC DPIResult) into the flow's
// reassembler, extracting SNI once the prefix is sufficient. Callers must
// hold t.mu.
func (t *Tracker) feedReassembler(pkt dpi.ParsedPacket, now time.Time) {
	if pkt.DPIResult == nil || pkt.DPIResult.Application.Kind != dpi.AppQUIC {
		return
	}
	quicInfo := pkt.DPIResult.Application.QUIC
	if quicInfo == nil || len(quicInfo.CryptoFrames) == 0 {
		return
	}

	rs, ok := t.reassemblers[pkt.FlowKey]
	if !ok {
		rs = &reassemblerState{buffer: reassembly.New(now)}
		t.reassemblers[pkt.FlowKey] = rs
	}

	conn := t.flows[pkt.FlowKey]
	if conn.DPIInfo != nil && conn.DPIInfo.Application.Kind == dpi.AppQUIC &&
		conn.DPIInfo.Application.QUIC != nil && conn.DPIInfo.Application.QUIC.TLSInfo != nil {
		// Already fully classified; memoization means the reassembler is
		// no longer consulted.
		return
	}

	for _, frag := range quicInfo.CryptoFrames {
		if err := rs.buffer.AddFragment(now, frag.Offset, frag.Data); err != nil {
			log.Printf("tracker: reassembler buffer limit for flow %s: %v", pkt.FlowKey, err)
			metrics.ErrorCount.WithLabelValues("buffer_limit").Inc()
		}
	}

	if data, ok := rs.buffer.ContiguousData(); ok {
		if sni, found := dpi.ExtractClientHelloSNI(data); found {
			info := &dpi.TLSInfo{SNI: sni}
			rs.buffer.SetCachedTLSInfo(info)
			installQUICTLSInfo(conn, quicInfo, info, now)
		}
	}
}

func installQUICTLSInfo(conn *Connection, quicInfo *dpi.QUICInfo, info *dpi.TLSInfo, now time.Time) {
	merged := *quicInfo
	merged.TLSInfo = info
	app := dpi.ApplicationProtocol{Kind: dpi.AppQUIC, QUIC: &merged}
	if conn.DPIInfo == nil {
		conn.DPIInfo = &DPIInfo{Application: app, FirstPacketTime: now, LastUpdateTime: now}
		return
	}
	conn.DPIInfo.Application = app
	conn.DPIInfo.LastUpdateTime = now
}

// Tick consults the OS socket-table adapter, fuses its snapshot into the
// flow map, applies retention, and returns a stably ordered, value-copied
// Snapshot. selectedKey, if non-empty, is looked up in the new ordering so
// the consumer can preserve its selection; pass "" if there is none.
func (t *Tracker) Tick(ctx context.Context, selectedKey string) Snapshot {
	start := time.Now()
	entries, err := t.sock.Enumerate(ctx)
	if err != nil {
		log.Printf("tracker: socket-table enumerate failed: %v", err)
		metrics.ErrorCount.WithLabelValues("snapshot_source").Inc()
		entries = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		key := flowKeyForEntry(e)
		seen[key] = true
		conn, exists := t.flows[key]
		if !exists {
			conn = &Connection{
				Protocol:       e.Protocol,
				LocalAddr:      e.Local,
				RemoteAddr:     e.Remote,
				CreatedAt:      now,
				LastActivity:   now,
				InsertionIndex: t.nextIndex,
				flowKey:        key,
			}
			t.nextIndex++
			if e.Protocol == dpi.TCP {
				conn.ProtocolState = ProtocolState{Kind: StateTCP, TCP: e.State}
			} else {
				conn.ProtocolState = ProtocolState{Kind: StateUDP}
			}
			t.flows[key] = conn
		}
		if e.Protocol == dpi.TCP && e.State != tcpstate.Unknown {
			// The snapshot never downgrades Established to Unknown, nor
			// any other state: it simply supplies the OS's authoritative
			// read, which is at least as informed as ours.
			conn.ProtocolState.Kind = StateTCP
			conn.ProtocolState.TCP = e.State
		}
		if conn.PID == 0 && e.PID != 0 {
			conn.PID = e.PID
		}
		if conn.ProcessName == "" && e.ProcessName != "" {
			conn.ProcessName = e.ProcessName
		}
	}

	t.applyRetention(seen, now)

	snapshot := t.buildSnapshot(selectedKey, now)
	metrics.TrackedFlowsGauge.Set(float64(len(t.flows)))
	metrics.ReassemblerGauge.Set(float64(len(t.reassemblers)))
	metrics.SnapshotCount.Inc()
	metrics.PollingHistogram.Observe(time.Since(start).Seconds())
	return snapshot
}

// flowKeyForEntry derives a snapshot entry's flow key using the same
// canonical formatting flow.Resolve assigns to packets, so flows seen on
// both the wire and the socket table fuse under one key. SnapshotEntry
// already reports Local/Remote in the OS's own locality decision, so no
// direction re-derivation is needed here.
func flowKeyForEntry(e socktable.SnapshotEntry) string {
	return flow.Key(e.Protocol, e.Local, e.Remote)
}

// applyRetention removes flows absent from the snapshot that are either
// TCP-closed or idle past IdleThreshold, and drops reassemblers whose
// parent flow is gone or that have gone stale without completing. Callers
// must hold t.mu.
func (t *Tracker) applyRetention(seenInSnapshot map[string]bool, now time.Time) {
	for key, conn := range t.flows {
		if seenInSnapshot[key] {
			continue
		}
		idle := now.Sub(conn.LastActivity) >= IdleThreshold
		closed := conn.ProtocolState.Kind == StateTCP && conn.ProtocolState.TCP == tcpstate.Closed
		if closed || idle {
			delete(t.flows, key)
			delete(t.reassemblers, key)
		}
	}
	for key, rs := range t.reassemblers {
		if _, ok := t.flows[key]; !ok {
			delete(t.reassemblers, key)
			continue
		}
		_, hasInfo := rs.buffer.CachedTLSInfo()
		if !hasInfo && rs.buffer.IsStale(now) {
			delete(t.reassemblers, key)
		}
	}
}

// buildSnapshot copies the flow map into an insertion-index-ordered slice.
// Callers must hold t.mu.
func (t *Tracker) buildSnapshot(selectedKey string, now time.Time) Snapshot {
	conns := make([]Connection, 0, len(t.flows))
	for _, c := range t.flows {
		c.updateRate(now)
		conns = append(conns, *c)
	}
	sortByInsertionIndex(conns)

	selectedIndex := -1
	if selectedKey != "" {
		for i, c := range conns {
			if c.flowKey == selectedKey {
				selectedIndex = i
				break
			}
		}
	}

	stats := Stats{
		TrackedFlows:           len(t.flows),
		Reassemblers:           len(t.reassemblers),
		DroppedPacketsLastTick: t.dropped,
	}
	t.dropped = 0

	return Snapshot{
		Connections:   conns,
		SelectedIndex: selectedIndex,
		Stats:         stats,
	}
}

func sortByInsertionIndex(conns []Connection) {
	// Insertion sort: flow counts are small (tens to low thousands), so
	// this stays cheap without pulling in sort.Slice's reflection
	// overhead. The input comes from map iteration, so it arrives in
	// arbitrary order.
	for i := 1; i < len(conns); i++ {
		for j := i; j > 0 && conns[j].InsertionIndex < conns[j-1].InsertionIndex; j-- {
			conns[j], conns[j-1] = conns[j-1], conns[j]
		}
	}
}

// FlowKey exposes a Connection's internal flow key for callers (notably
// the event bridge) that need to correlate successive snapshots without
// re-deriving identity from addresses.
func (c Connection) FlowKey() string { return c.flowKey }
