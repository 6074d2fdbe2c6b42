// Package socktable defines the OS socket-table adapter contract: a
// uniform way to enumerate the host's sockets and recover the owning
// process, regardless of which platform-specific tool backs it.
package socktable

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowwatch/flowwatch/dpi"
	"github.com/flowwatch/flowwatch/tcpstate"
)

// Process identifies the owner of a socket.
type Process struct {
	PID  int
	Name string
}

// SnapshotEntry is one row of a socket-table snapshot.
type SnapshotEntry struct {
	Protocol    dpi.Protocol
	Local       dpi.Addr
	Remote      dpi.Addr
	State       tcpstate.State
	PID         int // 0 if unknown
	ProcessName string
}

// Flow identifies a flow for a LookupProcess call.
type Flow struct {
	Protocol dpi.Protocol
	Local    dpi.Addr
	Remote   dpi.Addr
}

// Adapter enumerates the OS socket table and resolves the owning process of
// a flow. Implementations must never treat a single failed data source as
// fatal: enumerate returns whatever it could gather, logging the rest.
type Adapter interface {
	// Enumerate returns every socket the adapter's sources can see. Total
	// failure of all sources returns an empty, non-nil slice.
	Enumerate(ctx context.Context) ([]SnapshotEntry, error)
	// LookupProcess resolves the owning process of a single flow, or nil if
	// none can be determined.
	LookupProcess(ctx context.Context, f Flow) (*Process, error)
}

var stateTokens = map[string]tcpstate.State{
	"ESTAB":       tcpstate.Established,
	"LISTEN":      tcpstate.Listen,
	"TIME-WAIT":   tcpstate.TimeWait,
	"CLOSE-WAIT":  tcpstate.CloseWait,
	"SYN-SENT":    tcpstate.SynSent,
	"SYN-RECV":    tcpstate.SynReceived,
	"FIN-WAIT-1":  tcpstate.FinWait1,
	"FIN-WAIT-2":  tcpstate.FinWait2,
	"LAST-ACK":    tcpstate.LastAck,
	"CLOSING":     tcpstate.Closing,
	"CLOSE":       tcpstate.Closed,
}

// parseState maps a state token from ss/netstat output to a tcpstate.State,
// per the parsing contract: UNCONN on a UDP line means the socket is usable
// (mapped to Established), anything else unrecognized is Unknown.
func parseState(token string, proto dpi.Protocol) tcpstate.State {
	if token == "UNCONN" && proto == dpi.UDP {
		return tcpstate.Established
	}
	if s, ok := stateTokens[token]; ok {
		return s
	}
	return tcpstate.Unknown
}

// ParseAddr parses a host:port or [host]:port token, including the `*:*`
// wildcard form. The returned Addr's IP is the zero value for a wildcard
// host or port.
func ParseAddr(token string) (dpi.Addr, error) {
	if token == "*:*" || token == "*" {
		return dpi.Addr{}, nil
	}
	if strings.HasPrefix(token, "[") {
		idx := strings.LastIndex(token, "]:")
		if idx < 0 {
			return dpi.Addr{}, fmt.Errorf("socktable: malformed ipv6 address %q", token)
		}
		host := token[1:idx]
		portStr := token[idx+2:]
		return parseHostPort(host, portStr)
	}
	idx := strings.LastIndex(token, ":")
	if idx < 0 {
		return dpi.Addr{}, fmt.Errorf("socktable: malformed address %q", token)
	}
	host := token[:idx]
	portStr := token[idx+1:]
	return parseHostPort(host, portStr)
}

func parseHostPort(host, portStr string) (dpi.Addr, error) {
	var addr dpi.Addr
	if host != "" && host != "*" {
		ip, err := netip.ParseAddr(host)
		if err != nil {
			return dpi.Addr{}, fmt.Errorf("socktable: bad host %q: %w", host, err)
		}
		addr.IP = ip
	}
	if portStr != "" && portStr != "*" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return dpi.Addr{}, fmt.Errorf("socktable: bad port %q: %w", portStr, err)
		}
		addr.Port = uint16(p)
	}
	return addr, nil
}

// processInfoPattern matches ss's users:(("name",pid=N,fd=F)) process column.
var processInfoPattern = regexp.MustCompile(`users:\(\("([^"]+)",pid=(\d+)`)

// netstatProcessPattern matches netstat's N/NAME process column.
var netstatProcessPattern = regexp.MustCompile(`^(\d+)/(.+)$`)

func parseProcessInfo(token string) (pid int, name string, ok bool) {
	if m := processInfoPattern.FindStringSubmatch(token); m != nil {
		pid, _ = strconv.Atoi(m[2])
		return pid, m[1], true
	}
	if m := netstatProcessPattern.FindStringSubmatch(token); m != nil {
		pid, _ = strconv.Atoi(m[1])
		return pid, m[2], true
	}
	return 0, "", false
}

// ParseLine parses one line of `ss -tupn` or `netstat -tupn` output into a
// SnapshotEntry, per the whitespace-tokenized parsing contract. Header lines
// and lines that do not resolve to a known protocol return ok=false.
func ParseLine(line string) (entry SnapshotEntry, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return SnapshotEntry{}, false
	}

	protoTok := strings.ToLower(fields[0])
	var proto dpi.Protocol
	switch {
	case strings.HasPrefix(protoTok, "tcp"):
		proto = dpi.TCP
	case strings.HasPrefix(protoTok, "udp"):
		proto = dpi.UDP
	default:
		return SnapshotEntry{}, false
	}

	// ss emits: Netid State Recv-Q Send-Q Local Peer [Process...]
	// netstat emits: Proto Recv-Q Send-Q Local Foreign State [Process...]
	var stateTok, localTok, remoteTok string
	var rest []string
	if _, err := strconv.Atoi(fields[1]); err == nil {
		// netstat shape: fields[1], fields[2] are queue depths.
		if len(fields) < 6 {
			return SnapshotEntry{}, false
		}
		localTok, remoteTok, stateTok = fields[3], fields[4], fields[5]
		rest = fields[6:]
	} else {
		// ss shape: fields[1] is the state token.
		if len(fields) < 6 {
			return SnapshotEntry{}, false
		}
		stateTok, localTok, remoteTok = fields[1], fields[4], fields[5]
		rest = fields[6:]
	}

	local, err := ParseAddr(localTok)
	if err != nil {
		return SnapshotEntry{}, false
	}
	remote, err := ParseAddr(remoteTok)
	if err != nil {
		return SnapshotEntry{}, false
	}

	e := SnapshotEntry{
		Protocol: proto,
		Local:    local,
		Remote:   remote,
		State:    parseState(stateTok, proto),
	}
	for _, tok := range rest {
		if pid, name, ok := parseProcessInfo(tok); ok {
			e.PID = pid
			e.ProcessName = name
			break
		}
	}
	return e, true
}

// FormatLine renders a SnapshotEntry in the `ss -tupn` shape ParseLine
// accepts, used by adapter tests to check round-trip parsing.
func FormatLine(e SnapshotEntry) string {
	proto := "tcp"
	if e.Protocol == dpi.UDP {
		proto = "udp"
	}
	stateName := "UNKNOWN"
	for tok, st := range stateTokens {
		if st == e.State {
			stateName = tok
			break
		}
	}
	if e.Protocol == dpi.UDP && e.State == tcpstate.Established {
		stateName = "UNCONN"
	}
	line := fmt.Sprintf("%-6s%-12s0      0      %s %s", proto, stateName, formatAddr(e.Local), formatAddr(e.Remote))
	if e.ProcessName != "" {
		line += fmt.Sprintf(` users:(("%s",pid=%d,fd=3))`, e.ProcessName, e.PID)
	}
	return line
}

func formatAddr(a dpi.Addr) string {
	if !a.IP.IsValid() && a.Port == 0 {
		return "*:*"
	}
	host := "*"
	if a.IP.IsValid() {
		host = a.IP.String()
	}
	port := "*"
	if a.Port != 0 {
		port = strconv.Itoa(int(a.Port))
	}
	if a.IP.Is6() {
		return fmt.Sprintf("[%s]:%s", host, port)
	}
	return fmt.Sprintf("%s:%s", host, port)
}
