package tracker

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/socktable"
	"github.com/flowwatch/flowwatch/tcpstate"
)

func addr(ip string, port uint16) dpi.Addr {
	return dpi.Addr{IP: netip.MustParseAddr(ip), Port: port}
}

func tcpFlags(syn, ack, fin, rst bool) *dpi.TCPFlags {
	return &dpi.TCPFlags{SYN: syn, ACK: ack, FIN: fin, RST: rst}
}

type fakeAdapter struct {
	entries []socktable.SnapshotEntry
	err     error
}

func (f *fakeAdapter) Enumerate(ctx context.Context) ([]socktable.SnapshotEntry, error) {
	return f.entries, f.err
}

func (f *fakeAdapter) LookupProcess(ctx context.Context, fl socktable.Flow) (*socktable.Process, error) {
	return nil, nil
}

func newTestTracker() *Tracker {
	return New(nil, &fakeAdapter{})
}

func TestIngestPacketEstablishesAndCounts(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	syn := dpi.ParsedPacket{
		FlowKey: "tcp:10.0.0.1:1234-tcp:93.184.216.34:443", Protocol: dpi.TCP,
		LocalAddr: addr("10.0.0.1", 1234), RemoteAddr: addr("93.184.216.34", 443),
		TCPFlags: tcpFlags(true, false, false, false), IsOutgoing: true, PacketLen: 60,
	}
	tr.mu.Lock()
	tr.ingestPacket(syn, now)
	tr.mu.Unlock()

	synAck := syn
	synAck.TCPFlags = tcpFlags(true, true, false, false)
	synAck.IsOutgoing = false
	synAck.PacketLen = 60
	tr.mu.Lock()
	tr.ingestPacket(synAck, now.Add(time.Millisecond))
	tr.mu.Unlock()

	ack := syn
	ack.TCPFlags = tcpFlags(false, true, false, false)
	ack.PacketLen = 52
	tr.mu.Lock()
	tr.ingestPacket(ack, now.Add(2*time.Millisecond))
	conn := tr.flows[syn.FlowKey]
	tr.mu.Unlock()

	if conn == nil {
		t.Fatal("expected flow to be tracked")
	}
	if conn.ProtocolState.TCP != tcpstate.Established {
		t.Errorf("expected Established, got %v", conn.ProtocolState.TCP)
	}
	if conn.PacketsSent != 2 || conn.PacketsReceived != 1 {
		t.Errorf("unexpected packet counts: sent=%d received=%d", conn.PacketsSent, conn.PacketsReceived)
	}
	if conn.BytesSent != 112 || conn.BytesReceived != 60 {
		t.Errorf("unexpected byte counts: sent=%d received=%d", conn.BytesSent, conn.BytesReceived)
	}
}

func TestIngestPacketRSTShortCircuitsToClosed(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	key := "tcp:10.0.0.1:1234-tcp:93.184.216.34:443"

	est := dpi.ParsedPacket{
		FlowKey: key, Protocol: dpi.TCP,
		LocalAddr: addr("10.0.0.1", 1234), RemoteAddr: addr("93.184.216.34", 443),
		TCPFlags: tcpFlags(false, true, false, false), IsOutgoing: true, PacketLen: 40,
	}
	tr.mu.Lock()
	tr.ingestPacket(est, now)
	tr.flows[key].ProtocolState.TCP = tcpstate.Established
	tr.mu.Unlock()

	rst := est
	rst.TCPFlags = tcpFlags(false, false, false, true)
	tr.mu.Lock()
	tr.ingestPacket(rst, now.Add(time.Millisecond))
	state := tr.flows[key].ProtocolState.TCP
	tr.mu.Unlock()

	if state != tcpstate.Closed {
		t.Errorf("expected Closed after RST, got %v", state)
	}
}

func TestTickFusesSnapshotPID(t *testing.T) {
	entry := socktable.SnapshotEntry{
		Protocol: dpi.TCP, Local: addr("10.0.0.1", 1234), Remote: addr("93.184.216.34", 443),
		State: tcpstate.Established, PID: 4242, ProcessName: "curl",
	}
	tr := New(nil, &fakeAdapter{entries: []socktable.SnapshotEntry{entry}})

	snap := tr.Tick(context.Background(), "")
	if len(snap.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(snap.Connections))
	}
	c := snap.Connections[0]
	if c.PID != 4242 || c.ProcessName != "curl" {
		t.Errorf("expected PID/process from snapshot fusion, got pid=%d name=%q", c.PID, c.ProcessName)
	}
	if c.ProtocolState.TCP != tcpstate.Established {
		t.Errorf("expected Established from snapshot, got %v", c.ProtocolState.TCP)
	}
}

func TestTickNeverDowngradesEstablishedCounters(t *testing.T) {
	key := "tcp:10.0.0.1:1234-tcp:93.184.216.34:443"
	tr := newTestTracker()
	now := time.Now()

	pkt := dpi.ParsedPacket{
		FlowKey: key, Protocol: dpi.TCP,
		LocalAddr: addr("10.0.0.1", 1234), RemoteAddr: addr("93.184.216.34", 443),
		TCPFlags: tcpFlags(false, true, false, false), IsOutgoing: true, PacketLen: 1000,
	}
	tr.mu.Lock()
	tr.ingestPacket(pkt, now)
	tr.flows[key].ProtocolState.TCP = tcpstate.Established
	tr.mu.Unlock()

	tr.sock = &fakeAdapter{entries: []socktable.SnapshotEntry{{
		Protocol: dpi.TCP, Local: addr("10.0.0.1", 1234), Remote: addr("93.184.216.34", 443),
		State: tcpstate.Established,
	}}}

	snap := tr.Tick(context.Background(), "")
	if len(snap.Connections) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(snap.Connections))
	}
	if snap.Connections[0].BytesSent != 1000 {
		t.Errorf("expected counters to survive snapshot fusion untouched, got %d", snap.Connections[0].BytesSent)
	}
}

func TestRetentionRemovesIdleUDPAbsentFromSnapshot(t *testing.T) {
	key := "udp:10.0.0.1:5000-udp:8.8.8.8:53"
	tr := newTestTracker()
	now := time.Now()

	pkt := dpi.ParsedPacket{
		FlowKey: key, Protocol: dpi.UDP,
		LocalAddr: addr("10.0.0.1", 5000), RemoteAddr: addr("8.8.8.8", 53),
		IsOutgoing: true, PacketLen: 40,
	}
	tr.mu.Lock()
	tr.ingestPacket(pkt, now)
	tr.flows[key].LastActivity = now.Add(-(IdleThreshold + time.Second))
	tr.mu.Unlock()

	snap := tr.Tick(context.Background(), "")
	if len(snap.Connections) != 0 {
		t.Errorf("expected idle UDP flow absent from snapshot to be swept, got %d connections", len(snap.Connections))
	}
}

func TestRetentionKeepsFlowPresentInSnapshot(t *testing.T) {
	key := "udp:10.0.0.1:5000-udp:8.8.8.8:53"
	tr := newTestTracker()
	now := time.Now()

	pkt := dpi.ParsedPacket{
		FlowKey: key, Protocol: dpi.UDP,
		LocalAddr: addr("10.0.0.1", 5000), RemoteAddr: addr("8.8.8.8", 53),
		IsOutgoing: true, PacketLen: 40,
	}
	tr.mu.Lock()
	tr.ingestPacket(pkt, now)
	tr.flows[key].LastActivity = now.Add(-(IdleThreshold + time.Second))
	tr.mu.Unlock()

	tr.sock = &fakeAdapter{entries: []socktable.SnapshotEntry{{
		Protocol: dpi.UDP, Local: addr("10.0.0.1", 5000), Remote: addr("8.8.8.8", 53),
	}}}

	snap := tr.Tick(context.Background(), "")
	if len(snap.Connections) != 1 {
		t.Errorf("expected flow present in snapshot to survive idle sweep, got %d connections", len(snap.Connections))
	}
}

func TestSnapshotOrderingIsStableAcrossChurn(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	keys := []string{
		"tcp:10.0.0.1:1-tcp:1.1.1.1:80",
		"tcp:10.0.0.1:2-tcp:1.1.1.1:80",
		"tcp:10.0.0.1:3-tcp:1.1.1.1:80",
	}
	for i, k := range keys {
		pkt := dpi.ParsedPacket{
			FlowKey: k, Protocol: dpi.TCP,
			LocalAddr: addr("10.0.0.1", uint16(i+1)), RemoteAddr: addr("1.1.1.1", 80),
			TCPFlags: tcpFlags(true, false, false, false), IsOutgoing: true, PacketLen: 60,
		}
		tr.mu.Lock()
		tr.ingestPacket(pkt, now)
		tr.mu.Unlock()
	}

	tr.mu.Lock()
	snap1 := tr.buildSnapshot("", now)
	tr.mu.Unlock()

	// A new flow arrives; the original three must keep their relative order.
	newPkt := dpi.ParsedPacket{
		FlowKey: "tcp:10.0.0.1:4-tcp:1.1.1.1:80", Protocol: dpi.TCP,
		LocalAddr: addr("10.0.0.1", 4), RemoteAddr: addr("1.1.1.1", 80),
		TCPFlags: tcpFlags(true, false, false, false), IsOutgoing: true, PacketLen: 60,
	}
	tr.mu.Lock()
	tr.ingestPacket(newPkt, now.Add(time.Second))
	snap2 := tr.buildSnapshot("", now.Add(time.Second))
	tr.mu.Unlock()

	for i := range snap1.Connections {
		if snap1.Connections[i].LocalAddr.Port != snap2.Connections[i].LocalAddr.Port {
			t.Errorf("ordering changed across churn at index %d: %v vs %v",
				i, snap1.Connections[i].LocalAddr, snap2.Connections[i].LocalAddr)
		}
	}
	if len(snap2.Connections) != 4 {
		t.Errorf("expected 4 connections after churn, got %d", len(snap2.Connections))
	}
}

func TestSelectedIndexRewiresAcrossChurn(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	first := dpi.ParsedPacket{
		FlowKey: "tcp:10.0.0.1:1-tcp:1.1.1.1:80", Protocol: dpi.TCP,
		LocalAddr: addr("10.0.0.1", 1), RemoteAddr: addr("1.1.1.1", 80),
		TCPFlags: tcpFlags(true, false, false, false), IsOutgoing: true, PacketLen: 60,
	}
	second := first
	second.FlowKey = "tcp:10.0.0.1:2-tcp:1.1.1.1:80"
	second.LocalAddr = addr("10.0.0.1", 2)

	tr.mu.Lock()
	tr.ingestPacket(first, now)
	tr.ingestPacket(second, now)
	tr.mu.Unlock()

	snap := tr.Tick(context.Background(), second.FlowKey)
	if snap.SelectedIndex != 1 {
		t.Errorf("expected selected flow at index 1, got %d", snap.SelectedIndex)
	}
}

func TestPollPacketsRespectsMinInterval(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	tr.lastPoll = now
	src := &recordingSource{}
	tr.cap = src

	tr.PollPackets(now.Add(10 * time.Millisecond))
	if src.readCalls != 0 {
		t.Errorf("expected no reads before MinPollInterval elapses, got %d", src.readCalls)
	}

	tr.PollPackets(now.Add(MinPollInterval + time.Millisecond))
	if src.readCalls == 0 {
		t.Errorf("expected reads once MinPollInterval elapses")
	}
}

type recordingSource struct {
	readCalls int
}

func (r *recordingSource) Open() error { return nil }
func (r *recordingSource) ReadPacket() ([]byte, bool, error) {
	r.readCalls++
	return nil, false, nil
}
func (r *recordingSource) Close() error { return nil }
