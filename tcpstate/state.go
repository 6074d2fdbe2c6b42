// Package tcpstate provides the TCP connection-state enumeration and the
// pure transition function that drives it, mirroring the shape (if not the
// vocabulary) of the kernel's own TCP state machine.
package tcpstate

import (
	"fmt"

	"github.com/flowwatch/flowwatch/dpi"
)

// State is the enumeration of TCP connection states the tracker can assign
// to a flow.
type State int32

// All RFC-793-derived states the engine can produce.
const (
	Unknown State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	LastAck
	TimeWait
	Closing
	Closed
)

var stateName = map[State]string{
	Unknown:     "UNKNOWN",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECV",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT1",
	FinWait2:    "FIN_WAIT2",
	CloseWait:   "CLOSE_WAIT",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
	Closing:     "CLOSING",
	Closed:      "CLOSED",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", int32(s))
}

// Next is the total, side-effect-free TCP state transition function: given
// the current state, the flags observed on one packet, and whether that
// packet was outbound, it returns the next state. Callers own updating the
// Connection that this state belongs to; Next never mutates anything.
func Next(current State, flags dpi.TCPFlags, isOutgoing bool) State {
	if flags.RST {
		return Closed
	}

	switch current {
	case Unknown, Listen:
		if flags.SYN && !flags.ACK {
			if isOutgoing {
				return SynSent
			}
			return SynReceived
		}
		if flags.ACK && !flags.SYN && !flags.FIN {
			return Established
		}
	case SynSent:
		if flags.SYN && flags.ACK && !isOutgoing {
			return Established
		}
	case SynReceived:
		if flags.ACK && isOutgoing {
			return Established
		}
	case Established:
		if flags.FIN {
			if isOutgoing {
				return FinWait1
			}
			return CloseWait
		}
	case FinWait1:
		if flags.FIN && !isOutgoing {
			return Closing
		}
		if flags.ACK && !isOutgoing {
			return FinWait2
		}
	case FinWait2:
		if flags.FIN && !isOutgoing {
			return TimeWait
		}
	case CloseWait:
		if flags.FIN && isOutgoing {
			return LastAck
		}
	case LastAck:
		if flags.ACK && !isOutgoing {
			return Closed
		}
	case Closing:
		if flags.ACK && !isOutgoing {
			return TimeWait
		}
	}
	return current
}
