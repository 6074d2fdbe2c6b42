package capture

import (
	"time"

	"github.com/google/gopacket/pcap"
)

// snaplen and readTimeout mirror the capture posture spec.md §5 and §6
// require: a short read timeout so the cooperative stop signal is observed
// promptly, and a snaplen generous enough to capture a full Initial QUIC
// packet's CRYPTO frame.
const (
	snaplen     = 65535
	readTimeout = 100 * time.Millisecond
	bpfFilter   = "tcp or udp"
)

// PcapSource captures live frames from a network interface via libpcap, in
// immediate (non-buffering) mode so that ReadPacket's short timeout is
// meaningful.
type PcapSource struct {
	Device string

	handle *pcap.Handle
}

// NewPcapSource returns a Source that will capture from the named network
// interface once Open is called.
func NewPcapSource(device string) *PcapSource {
	return &PcapSource{Device: device}
}

// Open applies the BPF filter and puts the handle into immediate mode with
// a short read timeout, per the capture posture in spec §5/§6.
func (s *PcapSource) Open() error {
	inactive, err := pcap.NewInactiveHandle(s.Device)
	if err != nil {
		return ErrCaptureOpen
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(snaplen); err != nil {
		return ErrCaptureOpen
	}
	if err := inactive.SetPromisc(true); err != nil {
		return ErrCaptureOpen
	}
	if err := inactive.SetTimeout(readTimeout); err != nil {
		return ErrCaptureOpen
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return ErrCaptureOpen
	}

	handle, err := inactive.Activate()
	if err != nil {
		return ErrCaptureOpen
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return ErrCaptureOpen
	}
	s.handle = handle
	return nil
}

// ReadPacket returns the next frame, or ok=false on a read timeout (not an
// error: the tracker simply tries again on its next poll).
func (s *PcapSource) ReadPacket() (frame []byte, ok bool, err error) {
	data, _, err := s.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Close releases the libpcap handle.
func (s *PcapSource) Close() error {
	if s.handle != nil {
		s.handle.Close()
	}
	return nil
}
