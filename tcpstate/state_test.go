package tcpstate

import (
	"testing"

	"github.com/flowwatch/flowwatch/dpi"
)

func TestNextFullHandshakeAndTeardown(t *testing.T) {
	s := Unknown
	s = Next(s, dpi.TCPFlags{SYN: true}, true)
	if s != SynSent {
		t.Fatalf("after outbound SYN: got %v, want SynSent", s)
	}
	s = Next(s, dpi.TCPFlags{SYN: true, ACK: true}, false)
	if s != Established {
		t.Fatalf("after inbound SYN+ACK: got %v, want Established", s)
	}
	s = Next(s, dpi.TCPFlags{ACK: true}, true)
	if s != Established {
		t.Fatalf("after outbound ACK: got %v, want Established", s)
	}
	s = Next(s, dpi.TCPFlags{FIN: true}, true)
	if s != FinWait1 {
		t.Fatalf("after outbound FIN: got %v, want FinWait1", s)
	}
	s = Next(s, dpi.TCPFlags{ACK: true}, false)
	if s != FinWait2 {
		t.Fatalf("after inbound ACK: got %v, want FinWait2", s)
	}
	s = Next(s, dpi.TCPFlags{FIN: true}, false)
	if s != TimeWait {
		t.Fatalf("after inbound FIN: got %v, want TimeWait", s)
	}
	s = Next(s, dpi.TCPFlags{ACK: true}, true)
	if s != TimeWait {
		t.Fatalf("outbound ACK in TimeWait should not change state: got %v", s)
	}
}

func TestNextPassiveOpenAndClose(t *testing.T) {
	s := Listen
	s = Next(s, dpi.TCPFlags{SYN: true}, false)
	if s != SynReceived {
		t.Fatalf("after inbound SYN: got %v, want SynReceived", s)
	}
	s = Next(s, dpi.TCPFlags{ACK: true}, true)
	if s != Established {
		t.Fatalf("after outbound ACK: got %v, want Established", s)
	}
	s = Next(s, dpi.TCPFlags{FIN: true}, false)
	if s != CloseWait {
		t.Fatalf("after inbound FIN: got %v, want CloseWait", s)
	}
	s = Next(s, dpi.TCPFlags{FIN: true}, true)
	if s != LastAck {
		t.Fatalf("after outbound FIN: got %v, want LastAck", s)
	}
	s = Next(s, dpi.TCPFlags{ACK: true}, false)
	if s != Closed {
		t.Fatalf("after inbound ACK: got %v, want Closed", s)
	}
}

func TestNextRSTAlwaysCloses(t *testing.T) {
	for _, s := range []State{Unknown, Listen, SynSent, SynReceived, Established, FinWait1, FinWait2, CloseWait, LastAck, TimeWait, Closing} {
		if got := Next(s, dpi.TCPFlags{RST: true}, true); got != Closed {
			t.Errorf("RST from %v: got %v, want Closed", s, got)
		}
	}
}

func TestNextIsDeterministic(t *testing.T) {
	a := Next(Unknown, dpi.TCPFlags{ACK: true}, true)
	b := Next(Unknown, dpi.TCPFlags{ACK: true}, true)
	if a != b || a != Established {
		t.Fatalf("Next should be deterministic: %v vs %v", a, b)
	}
}

func TestNextUnknownFlagsUnchanged(t *testing.T) {
	if got := Next(Established, dpi.TCPFlags{PSH: true}, true); got != Established {
		t.Fatalf("PSH-only packet should not change state: got %v", got)
	}
}
