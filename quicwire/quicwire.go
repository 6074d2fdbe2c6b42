// Package quicwire parses just enough of the QUIC long-header packet format
// to locate CRYPTO frames in Initial packets, feeding their offset/data
// into a reassembly.Buffer. It is not a general QUIC implementation.
package quicwire

import "encoding/binary"

// PacketType enumerates the QUIC long-header packet types the CTE cares
// about distinguishing for display purposes.
type PacketType int

const (
	Unknown PacketType = iota
	Initial
	ZeroRTT
	Handshake
	Retry
)

func (t PacketType) String() string {
	switch t {
	case Initial:
		return "initial"
	case ZeroRTT:
		return "0-rtt"
	case Handshake:
		return "handshake"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

var versionNames = map[uint32]string{
	0x00000001: "1",
	0xff00001d: "draft-29",
	0x6b3343cf: "quic-bit-grease",
}

// VersionString renders a QUIC version number as the CTE displays it.
func VersionString(v uint32) string {
	if s, ok := versionNames[v]; ok {
		return s
	}
	return "unknown"
}

// LongHeader is the subset of a QUIC long-header packet the CTE needs.
type LongHeader struct {
	Type         PacketType
	Version      uint32
	DestConnID   []byte
	SrcConnID    []byte
}

// CryptoFrame is one CRYPTO frame extracted from a long-header packet's
// payload.
type CryptoFrame struct {
	Offset uint64
	Data   []byte
}

const (
	headerFormLongBit = 0x80
	frameTypeCrypto   = 0x06
	frameTypePadding  = 0x00
	frameTypePing     = 0x01
)

// ParseLongHeader parses the fixed portion of a QUIC long header. It
// returns ok=false for anything that is not recognizably a long-header
// QUIC packet (including short-header 1-RTT packets, which this package
// does not attempt to decrypt).
func ParseLongHeader(b []byte) (hdr LongHeader, rest []byte, ok bool) {
	if len(b) < 7 || b[0]&headerFormLongBit == 0 {
		return LongHeader{}, nil, false
	}
	typ := longHeaderTypeFromByte(b[0])
	version := binary.BigEndian.Uint32(b[1:5])
	b = b[5:]

	dcidLen := int(b[0])
	b = b[1:]
	if len(b) < dcidLen {
		return LongHeader{}, nil, false
	}
	dcid := b[:dcidLen]
	b = b[dcidLen:]

	if len(b) < 1 {
		return LongHeader{}, nil, false
	}
	scidLen := int(b[0])
	b = b[1:]
	if len(b) < scidLen {
		return LongHeader{}, nil, false
	}
	scid := b[:scidLen]
	b = b[scidLen:]

	if typ == Initial {
		tokenLen, n, ok := readVarint(b)
		if !ok || uint64(len(b)-n) < tokenLen {
			return LongHeader{}, nil, false
		}
		b = b[n+int(tokenLen):]
	}

	hdr = LongHeader{Type: typ, Version: version, DestConnID: dcid, SrcConnID: scid}
	return hdr, b, true
}

func longHeaderTypeFromByte(b0 byte) PacketType {
	switch (b0 >> 4) & 0x3 {
	case 0x0:
		return Initial
	case 0x1:
		return ZeroRTT
	case 0x2:
		return Handshake
	case 0x3:
		return Retry
	default:
		return Unknown
	}
}

// readVarint decodes a QUIC variable-length integer per RFC 9000 §16.
func readVarint(b []byte) (value uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0, false
	}
	value = uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(b[i])
	}
	return value, length, true
}

// ExtractCryptoFrames walks a long-header packet's (unprotected-assumed)
// payload for CRYPTO frames. Real QUIC Initial payloads are header-
// protected and AEAD-sealed; this function operates on payload bytes the
// caller has already removed that protection from (or, in the common case
// of this CTE's best-effort posture, are simply absent because the
// upstream decoder could not unseal them, in which case it returns no
// frames rather than guessing).
func ExtractCryptoFrames(payload []byte) []CryptoFrame {
	var frames []CryptoFrame
	b := payload
	for len(b) > 0 {
		frameType := b[0]
		b = b[1:]
		switch frameType {
		case frameTypePadding, frameTypePing:
			continue
		case frameTypeCrypto:
			offset, n, ok := readVarint(b)
			if !ok {
				return frames
			}
			b = b[n:]
			length, n, ok := readVarint(b)
			if !ok {
				return frames
			}
			b = b[n:]
			if uint64(len(b)) < length {
				return frames
			}
			frames = append(frames, CryptoFrame{Offset: offset, Data: b[:length]})
			b = b[length:]
		default:
			// Any other frame type ends this best-effort walk: without a
			// frame-type table for every QUIC frame, frame boundaries
			// past an unknown type cannot be trusted.
			return frames
		}
	}
	return frames
}
