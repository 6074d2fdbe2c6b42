// Command flowwatch runs the connection tracking engine against a live
// network interface, printing connections on a fixed cadence and
// optionally archiving and broadcasting what it sees.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/flowwatch/flowwatch/capture"
	"github.com/flowwatch/flowwatch/eventbridge"
	"github.com/flowwatch/flowwatch/recorder"
	"github.com/flowwatch/flowwatch/socktable"
	"github.com/flowwatch/flowwatch/tracker"
)

var (
	device      = flag.String("device", "", "Network interface to capture from (required)")
	promPort    = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	recordDir   = flag.String("record-dir", "", "If set, archive connection snapshots as zstd-compressed JSONL under this directory.")
	eventSocket = flag.String("event-socket", "", "If set, broadcast flow open/close events as JSONL on this Unix-domain socket.")
	interval    = flag.Duration("interval", time.Second, "How often to tick the tracker against the OS socket table.")

	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func newSockAdapter() socktable.Adapter {
	switch runtime.GOOS {
	case "darwin":
		return socktable.NewDarwinAdapter()
	case "windows":
		return socktable.NewWindowsAdapter()
	default:
		return socktable.NewLinuxAdapter()
	}
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	defer cancel()

	if *device == "" {
		log.Fatal("flowwatch: -device is required")
	}

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	src := capture.NewPcapSource(*device)
	tr := tracker.New(src, newSockAdapter())
	rtx.Must(tr.Open(), "flowwatch: could not open capture on device %q", *device)
	defer tr.Close()

	var rec *recorder.Recorder
	if *recordDir != "" {
		rtx.Must(os.MkdirAll(*recordDir, 0o755), "flowwatch: could not create -record-dir %q", *recordDir)
		rec = recorder.New(*recordDir)
		defer rec.Close()
	}

	bridge := eventbridge.NullBridge()
	if *eventSocket != "" {
		bridge = eventbridge.New(*eventSocket)
		rtx.Must(bridge.Listen(), "flowwatch: could not listen on -event-socket %q", *eventSocket)
		go func() {
			if err := bridge.Serve(ctx); err != nil {
				log.Printf("flowwatch: event bridge serve exited: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tr.PollPackets(now)
			snap := tr.Tick(ctx, "")
			if rec != nil {
				rec.Record(snap, now)
			}
			bridge.Diff(snap, now)
			printSnapshot(snap)
		}
	}
}

func printSnapshot(snap tracker.Snapshot) {
	conns := make([]string, 0, len(snap.Connections))
	for _, c := range snap.Connections {
		conns = append(conns, fmt.Sprintf("%-5s %-22s -> %-22s %-12s pid=%d proc=%s sent=%d recv=%d",
			c.Protocol, c.LocalAddr, c.RemoteAddr, stateLabel(c), c.PID, c.ProcessName, c.BytesSent, c.BytesReceived))
	}
	sort.Strings(conns)
	fmt.Printf("-- %d connections, %d reassemblers, %d dropped --\n",
		snap.Stats.TrackedFlows, snap.Stats.Reassemblers, snap.Stats.DroppedPacketsLastTick)
	for _, line := range conns {
		fmt.Println(line)
	}
}

func stateLabel(c tracker.Connection) string {
	if c.ProtocolState.Kind == tracker.StateTCP {
		return c.ProtocolState.TCP.String()
	}
	return c.Protocol.String()
}
