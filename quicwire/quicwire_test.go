package quicwire

import (
	"bytes"
	"testing"
)

func buildInitialHeader(version uint32, dcid, scid, token []byte) []byte {
	var b []byte
	b = append(b, 0xC0) // long header, Initial (type bits 00), fixed bit set
	b = append(b, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, byte(len(token))) // 1-byte varint token length
	b = append(b, token...)
	return b
}

func TestParseLongHeaderInitial(t *testing.T) {
	dcid := []byte{1, 2, 3, 4}
	scid := []byte{5, 6}
	raw := buildInitialHeader(0x00000001, dcid, scid, nil)
	payload := []byte{0xAA, 0xBB}
	raw = append(raw, payload...)

	hdr, rest, ok := ParseLongHeader(raw)
	if !ok {
		t.Fatal("expected header to parse")
	}
	if hdr.Type != Initial {
		t.Fatalf("type = %v, want Initial", hdr.Type)
	}
	if !bytes.Equal(hdr.DestConnID, dcid) || !bytes.Equal(hdr.SrcConnID, scid) {
		t.Fatalf("conn ids mismatch: %+v", hdr)
	}
	if !bytes.Equal(rest, payload) {
		t.Fatalf("rest = %v, want %v", rest, payload)
	}
}

func TestParseLongHeaderRejectsShortHeader(t *testing.T) {
	if _, _, ok := ParseLongHeader([]byte{0x40, 1, 2, 3}); ok {
		t.Fatal("short-header packet should be rejected")
	}
}

func TestExtractCryptoFramesSingle(t *testing.T) {
	payload := []byte{
		frameTypeCrypto, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o',
	}
	frames := ExtractCryptoFrames(payload)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Offset != 0 || string(frames[0].Data) != "hello" {
		t.Fatalf("got %+v", frames[0])
	}
}

func TestExtractCryptoFramesMultipleWithPadding(t *testing.T) {
	payload := []byte{
		frameTypePadding, frameTypePadding,
		frameTypeCrypto, 0x40, 0x64, 0x03, 'a', 'b', 'c', // offset=100 (2-byte varint), len=3
	}
	frames := ExtractCryptoFrames(payload)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Offset != 100 || string(frames[0].Data) != "abc" {
		t.Fatalf("got %+v", frames[0])
	}
}

func TestVersionString(t *testing.T) {
	if VersionString(0x00000001) != "1" {
		t.Fatal("expected version 1 to be named")
	}
	if VersionString(0xdeadbeef) != "unknown" {
		t.Fatal("expected unrecognized version to report unknown")
	}
}
