// Package eventbridge notifies external subscribers of flow open/close
// events over a JSONL Unix-domain socket. It lives outside the connection
// tracker core: the tracker has no socket of its own and never imports
// this package. A caller feeds it successive tracker.Snapshot values (the
// same value-copied sequence any consumer of the tracker receives) and the
// bridge diffs them against what it last saw to decide what to emit.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/flowwatch/flowwatch/metrics"
	"github.com/flowwatch/flowwatch/tracker"
)

// EventKind distinguishes a flow's appearance from its disappearance.
type EventKind int

// The event kinds the bridge can emit.
const (
	Open EventKind = iota
	Close
)

func (k EventKind) String() string {
	if k == Close {
		return "close"
	}
	return "open"
}

// FlowEvent is one JSONL record sent to subscribers.
type FlowEvent struct {
	Event       EventKind
	Timestamp   time.Time
	FlowKey     string
	Protocol    string `json:",omitempty"`
	Local       string `json:",omitempty"`
	Remote      string `json:",omitempty"`
	PID         int    `json:",omitempty"`
	ProcessName string `json:",omitempty"`
}

// Bridge is the interface Listen/Serve/Diff implementations satisfy. Code
// that may or may not want a live bridge can hold this interface and use
// NullBridge() rather than guard every call site with a nil check.
type Bridge interface {
	Listen() error
	Serve(ctx context.Context) error
	Diff(snap tracker.Snapshot, now time.Time)
}

type bridge struct {
	eventC       chan *FlowEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup

	known map[string]tracker.Connection
}

// New creates a Bridge that will serve subscribers on the given Unix
// socket path.
func New(filename string) Bridge {
	return &bridge{
		filename: filename,
		eventC:   make(chan *FlowEvent, 100),
		clients:  make(map[net.Conn]struct{}),
		known:    make(map[string]tracker.Connection),
	}
}

func (b *bridge) addClient(c net.Conn) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.clients[c] = struct{}{}
}

func (b *bridge) removeClient(c net.Conn) {
	b.servingWG.Add(1)
	defer b.servingWG.Done()
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
}

func (b *bridge) sendToAllListeners(data string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for c := range b.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("eventbridge: write to client failed, removing:", err)
			go b.removeClient(c)
			go c.Close()
		}
	}
}

func (b *bridge) notifyClients(ctx context.Context) {
	b.servingWG.Add(1)
	defer b.servingWG.Done()
	for ctx.Err() == nil {
		event := <-b.eventC
		if event == nil {
			continue
		}
		data, err := json.Marshal(*event)
		if err != nil {
			log.Printf("eventbridge: could not marshal event %v: %v", event, err)
			continue
		}
		b.sendToAllListeners(string(data))
	}
}

// Listen opens the Unix-domain socket. Connections will not succeed until
// Serve is also running.
func (b *bridge) Listen() error {
	b.servingWG.Add(1)
	os.Remove(b.filename)
	var err error
	b.unixListener, err = net.Listen("unix", b.filename)
	return err
}

// Serve accepts subscriber connections until ctx is canceled. Expected to
// run in its own goroutine, after Listen.
func (b *bridge) Serve(ctx context.Context) error {
	defer b.servingWG.Done()
	derivedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.notifyClients(derivedCtx)

	b.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		b.unixListener.Close()
		close(b.eventC)
		b.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = b.unixListener.Accept()
		if err != nil {
			log.Printf("eventbridge: accept on %q failed: %v", b.filename, err)
			break
		}
		b.addClient(conn)
	}
	return err
}

// Diff compares snap against the flows last seen and emits an Open event
// for every newly appeared flow key and a Close event for every flow key
// that disappeared. Call this once per tick with the tracker's latest
// Snapshot.
func (b *bridge) Diff(snap tracker.Snapshot, now time.Time) {
	seen := make(map[string]tracker.Connection, len(snap.Connections))
	for _, c := range snap.Connections {
		key := c.FlowKey()
		seen[key] = c
		if _, existed := b.known[key]; !existed {
			b.emit(Open, key, c, now)
		}
	}
	for key, c := range b.known {
		if _, stillThere := seen[key]; !stillThere {
			b.emit(Close, key, c, now)
		}
	}
	b.known = seen
}

func (b *bridge) emit(kind EventKind, key string, c tracker.Connection, now time.Time) {
	ev := &FlowEvent{
		Event:       kind,
		Timestamp:   now,
		FlowKey:     key,
		Protocol:    c.Protocol.String(),
		Local:       c.LocalAddr.String(),
		Remote:      c.RemoteAddr.String(),
		PID:         c.PID,
		ProcessName: c.ProcessName,
	}
	select {
	case b.eventC <- ev:
	default:
		log.Printf("eventbridge: event channel full, dropping %s event for %s", kind, key)
	}
	metrics.FlowEventsCounter.WithLabelValues(kind.String()).Inc()
}

type nullBridge struct{}

func (nullBridge) Listen() error                              { return nil }
func (nullBridge) Serve(context.Context) error                { return nil }
func (nullBridge) Diff(snap tracker.Snapshot, now time.Time)  {}

// NullBridge returns a Bridge that does nothing, so callers that may or
// may not want live event notification can hold a Bridge unconditionally.
func NullBridge() Bridge {
	return nullBridge{}
}
