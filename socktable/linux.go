package socktable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/metrics"
	"github.com/flowwatch/flowwatch/tcpstate"
	"github.com/m-lab/go/logx"
	"github.com/prometheus/procfs"
)

// commandTimeout bounds how long ss/netstat are allowed to run before the
// adapter gives up on that source and falls through to the next one.
const commandTimeout = 2 * time.Second

// malformedLineLog rate-limits warnings about unparseable ss/netstat output
// lines, so a tool that changes its column layout mid-run floods the log at
// most once a second instead of once per connection.
var malformedLineLog = logx.NewLogEvery(nil, time.Second)

// LinuxAdapter implements Adapter by shelling out to ss and netstat, with a
// /proc-based fallback when neither tool is available. Any one source
// failing is logged and does not prevent the others from running.
type LinuxAdapter struct {
	// runCommand is overridden in tests to avoid depending on the host
	// actually having ss/netstat installed.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	procfs     func() (procfs.FS, error)
}

// NewLinuxAdapter returns a LinuxAdapter that uses the real ss/netstat
// binaries and /proc.
func NewLinuxAdapter() *LinuxAdapter {
	return &LinuxAdapter{
		runCommand: runCommand,
		procfs:     func() (procfs.FS, error) { return procfs.NewFS("/proc") },
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Enumerate tries ss -tupn first, falls back to netstat -tupn, and finally
// to a /proc/net walk if both command-line tools are unavailable.
func (a *LinuxAdapter) Enumerate(ctx context.Context) ([]SnapshotEntry, error) {
	if out, err := a.runCommand(ctx, "ss", "-tupn"); err == nil {
		return parseLines(out), nil
	} else {
		log.Printf("socktable: ss -tupn failed, falling back to netstat: %v", err)
		metrics.ErrorCount.WithLabelValues("snapshot_source").Inc()
	}

	if out, err := a.runCommand(ctx, "netstat", "-tupn"); err == nil {
		return parseLines(out), nil
	} else {
		log.Printf("socktable: netstat -tupn failed, falling back to /proc: %v", err)
		metrics.ErrorCount.WithLabelValues("snapshot_source").Inc()
	}

	entries, err := a.procEnumerate()
	if err != nil {
		log.Printf("socktable: /proc enumeration failed: %v", err)
		metrics.ErrorCount.WithLabelValues("snapshot_source").Inc()
		return []SnapshotEntry{}, nil
	}
	return entries, nil
}

func parseLines(out []byte) []SnapshotEntry {
	entries := make([]SnapshotEntry, 0, 64)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Netid") || strings.HasPrefix(trimmed, "Proto") || strings.HasPrefix(trimmed, "Active") {
			continue
		}
		e, ok := ParseLine(line)
		if !ok {
			malformedLineLog.Println("socktable: could not parse line:", line)
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// procEnumerate builds snapshot entries directly from /proc/net/{tcp,tcp6,
// udp,udp6}, the last-resort source when neither ss nor netstat is present.
func (a *LinuxAdapter) procEnumerate() ([]SnapshotEntry, error) {
	fs, err := a.procfs()
	if err != nil {
		return nil, err
	}

	entries := make([]SnapshotEntry, 0, 64)

	if rows, err := fs.NetTCP(); err == nil {
		for _, r := range rows {
			entries = append(entries, procRowToEntry(dpi.TCP, r.LocalAddr.String(), uint16(r.LocalPort), r.RemAddr.String(), uint16(r.RemPort), r.St))
		}
	}
	if rows, err := fs.NetTCP6(); err == nil {
		for _, r := range rows {
			entries = append(entries, procRowToEntry(dpi.TCP, r.LocalAddr.String(), uint16(r.LocalPort), r.RemAddr.String(), uint16(r.RemPort), r.St))
		}
	}
	if rows, err := fs.NetUDP(); err == nil {
		for _, r := range rows {
			entries = append(entries, procRowToEntry(dpi.UDP, r.LocalAddr.String(), uint16(r.LocalPort), r.RemAddr.String(), uint16(r.RemPort), r.St))
		}
	}
	if rows, err := fs.NetUDP6(); err == nil {
		for _, r := range rows {
			entries = append(entries, procRowToEntry(dpi.UDP, r.LocalAddr.String(), uint16(r.LocalPort), r.RemAddr.String(), uint16(r.RemPort), r.St))
		}
	}
	return entries, nil
}

func procRowToEntry(proto dpi.Protocol, localIP string, localPort uint16, remIP string, remPort uint16, state uint64) SnapshotEntry {
	localAddr, _ := ParseAddr(fmt.Sprintf("%s:%d", localIP, localPort))
	remoteAddr, _ := ParseAddr(fmt.Sprintf("%s:%d", remIP, remPort))
	return SnapshotEntry{
		Protocol: proto,
		Local:    localAddr,
		Remote:   remoteAddr,
		State:    procStateToTCPState(state, proto),
	}
}

// Linux /proc/net/tcp state codes, from include/net/tcp_states.h.
const (
	procTCPEstablished = 0x01
	procTCPSynSent     = 0x02
	procTCPSynRecv     = 0x03
	procTCPFinWait1    = 0x04
	procTCPFinWait2    = 0x05
	procTCPTimeWait    = 0x06
	procTCPClose       = 0x07
	procTCPCloseWait   = 0x08
	procTCPLastAck     = 0x09
	procTCPListen      = 0x0A
	procTCPClosing     = 0x0B
)

func procStateToTCPState(code uint64, proto dpi.Protocol) tcpstate.State {
	if proto == dpi.UDP {
		return tcpstate.Established
	}
	switch code {
	case procTCPEstablished:
		return tcpstate.Established
	case procTCPSynSent:
		return tcpstate.SynSent
	case procTCPSynRecv:
		return tcpstate.SynReceived
	case procTCPFinWait1:
		return tcpstate.FinWait1
	case procTCPFinWait2:
		return tcpstate.FinWait2
	case procTCPTimeWait:
		return tcpstate.TimeWait
	case procTCPClose:
		return tcpstate.Closed
	case procTCPCloseWait:
		return tcpstate.CloseWait
	case procTCPLastAck:
		return tcpstate.LastAck
	case procTCPListen:
		return tcpstate.Listen
	case procTCPClosing:
		return tcpstate.Closing
	default:
		return tcpstate.Unknown
	}
}

// lookupProcessByInode scans /proc/<pid>/fd for a symlink matching
// socket:[inode] and returns the owning process's name from
// /proc/<pid>/comm. This is the last-resort path described in the socket-
// table parsing contract.
func (a *LinuxAdapter) lookupProcessByInode(inode uint64) (*Process, error) {
	fs, err := a.procfs()
	if err != nil {
		return nil, err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("socket:[%d]", inode)
	for _, p := range procs {
		fds, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, fd := range fds {
			if fd == target {
				comm, err := p.Comm()
				if err != nil {
					comm = ""
				}
				return &Process{PID: p.PID, Name: comm}, nil
			}
		}
	}
	return nil, nil
}

// LookupProcess is satisfied by the inode-to-pid procfs walk; ss and
// netstat already embed process info directly in Enumerate's output, so
// this path is only exercised when a caller wants a targeted re-check.
func (a *LinuxAdapter) LookupProcess(ctx context.Context, f Flow) (*Process, error) {
	if f.Protocol != dpi.TCP {
		return nil, nil
	}
	fs, err := a.procfs()
	if err != nil {
		return nil, err
	}
	var rows []procfs.NetTCPLine
	if f.Local.IP.Is6() {
		rows, err = fs.NetTCP6()
	} else {
		rows, err = fs.NetTCP()
	}
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if uint16(r.LocalPort) == f.Local.Port && uint16(r.RemPort) == f.Remote.Port {
			return a.lookupProcessByInode(r.Inode)
		}
	}
	return nil, nil
}
