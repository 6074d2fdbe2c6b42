package eventbridge

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/socktable"
	"github.com/flowwatch/flowwatch/tcpstate"
	"github.com/flowwatch/flowwatch/tracker"
)

type fakeAdapter struct {
	entries []socktable.SnapshotEntry
}

func (f *fakeAdapter) Enumerate(ctx context.Context) ([]socktable.SnapshotEntry, error) {
	return f.entries, nil
}

func (f *fakeAdapter) LookupProcess(ctx context.Context, fl socktable.Flow) (*socktable.Process, error) {
	return nil, nil
}

func addr(ip string, port uint16) dpi.Addr {
	return dpi.Addr{IP: netip.MustParseAddr(ip), Port: port}
}

func TestDiffEmitsOpenForNewFlow(t *testing.T) {
	adapter := &fakeAdapter{entries: []socktable.SnapshotEntry{{
		Protocol: dpi.TCP, Local: addr("10.0.0.1", 1234), Remote: addr("1.1.1.1", 80),
		State: tcpstate.Established,
	}}}
	tr := tracker.New(nil, adapter)
	now := time.Now()
	snap := tr.Tick(context.Background(), "")

	b := &bridge{eventC: make(chan *FlowEvent, 10), known: make(map[string]tracker.Connection)}
	b.Diff(snap, now)

	select {
	case ev := <-b.eventC:
		if ev.Event != Open {
			t.Errorf("expected Open event, got %v", ev.Event)
		}
	default:
		t.Fatal("expected an event to be emitted")
	}
}

func TestDiffEmitsCloseWhenFlowDisappears(t *testing.T) {
	adapter := &fakeAdapter{entries: []socktable.SnapshotEntry{{
		Protocol: dpi.TCP, Local: addr("10.0.0.1", 1234), Remote: addr("1.1.1.1", 80),
		State: tcpstate.Established,
	}}}
	tr := tracker.New(nil, adapter)
	now := time.Now()
	first := tr.Tick(context.Background(), "")

	b := &bridge{eventC: make(chan *FlowEvent, 10), known: make(map[string]tracker.Connection)}
	b.Diff(first, now)
	<-b.eventC // drain the Open event

	adapter.entries = nil
	tr2 := tracker.New(nil, adapter)
	second := tr2.Tick(context.Background(), "")
	b.Diff(second, now)

	select {
	case ev := <-b.eventC:
		if ev.Event != Close {
			t.Errorf("expected Close event, got %v", ev.Event)
		}
	default:
		t.Fatal("expected a close event to be emitted")
	}
}

func TestNullBridgeDoesNothing(t *testing.T) {
	nb := NullBridge()
	if err := nb.Listen(); err != nil {
		t.Errorf("NullBridge.Listen should never fail: %v", err)
	}
	nb.Diff(tracker.Snapshot{}, time.Now())
}
