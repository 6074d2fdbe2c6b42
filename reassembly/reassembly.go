// Package reassembly reconstructs a contiguous prefix of a QUIC flow's
// fragmented TLS ClientHello from out-of-order CRYPTO frames, so that a
// decoder can extract SNI and other handshake metadata once enough of the
// prefix has arrived.
package reassembly

import (
	"errors"
	"sort"
	"time"

	"github.com/flowwatch/flowwatch/dpi"
)

// MaxBufferSize is the hard cap on bytes a single reassembler will hold.
const MaxBufferSize = 64 * 1024

// StaleAfter is how long a reassembler may sit without a new fragment before
// it is considered abandoned.
const StaleAfter = 30 * time.Second

// ErrBufferLimit is returned by AddFragment when admitting a fragment would
// exceed MaxBufferSize.
var ErrBufferLimit = errors.New("reassembly: buffer limit exceeded")

// Buffer is a per-flow, offset-indexed fragment buffer for QUIC CRYPTO
// frames. A Buffer is not safe for concurrent use; the tracker's single
// mutual-exclusion region protects it along with everything else.
type Buffer struct {
	fragments         map[uint64][]byte
	order             []uint64 // sorted fragment offsets, kept in sync with fragments
	contiguousOffset  uint64
	currentBufferSize int
	lastUpdate        time.Time

	cachedTLSInfo      *dpi.TLSInfo
	hasCompleteTLSInfo bool
}

// New creates an empty reassembler.
func New(now time.Time) *Buffer {
	return &Buffer{
		fragments:  make(map[uint64][]byte),
		lastUpdate: now,
	}
}

// ContiguousOffset returns the largest L such that bytes [0, L) are fully
// covered by admitted fragments.
func (b *Buffer) ContiguousOffset() uint64 { return b.contiguousOffset }

// CurrentBufferSize returns the number of fragment bytes currently held.
func (b *Buffer) CurrentBufferSize() int { return b.currentBufferSize }

// AddFragment admits a CRYPTO frame fragment at the given stream offset.
// Exact duplicates (same offset and length) are silently accepted as a
// no-op. Any fragment overlapping an existing one is rejected first-write-
// wins: it is treated as accepted but the buffer is left unchanged. A
// fragment that would push the buffer over MaxBufferSize returns
// ErrBufferLimit and is not stored.
func (b *Buffer) AddFragment(now time.Time, offset uint64, data []byte) error {
	b.lastUpdate = now

	if existing, ok := b.fragments[offset]; ok {
		// Exact duplicate or any same-offset overlap: first write wins.
		_ = existing
		return nil
	}
	if b.overlapsExisting(offset, uint64(len(data))) {
		return nil
	}
	if b.currentBufferSize+len(data) > MaxBufferSize {
		return ErrBufferLimit
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.fragments[offset] = stored
	b.currentBufferSize += len(data)

	i := sort.Search(len(b.order), func(i int) bool { return b.order[i] >= offset })
	b.order = append(b.order, 0)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = offset

	b.advanceContiguousOffset()
	return nil
}

func (b *Buffer) overlapsExisting(offset, length uint64) bool {
	end := offset + length
	for off, data := range b.fragments {
		oEnd := off + uint64(len(data))
		if offset < oEnd && off < end {
			return true
		}
	}
	return false
}

func (b *Buffer) advanceContiguousOffset() {
	for {
		advanced := false
		for _, off := range b.order {
			data := b.fragments[off]
			end := off + uint64(len(data))
			if off <= b.contiguousOffset && end > b.contiguousOffset {
				b.contiguousOffset = end
				advanced = true
			}
		}
		if !advanced {
			return
		}
	}
}

// ContiguousData returns the bytes covering [0, ContiguousOffset), assembled
// in offset order, or false if ContiguousOffset is zero.
func (b *Buffer) ContiguousData() ([]byte, bool) {
	if b.contiguousOffset == 0 {
		return nil, false
	}
	out := make([]byte, 0, b.contiguousOffset)
	var next uint64
	for _, off := range b.order {
		if off > next {
			break
		}
		data := b.fragments[off]
		end := off + uint64(len(data))
		if end <= next {
			continue
		}
		out = append(out, data[next-off:]...)
		next = end
		if next >= b.contiguousOffset {
			break
		}
	}
	return out, true
}

// IsStale reports whether this reassembler has gone StaleAfter without a new
// fragment.
func (b *Buffer) IsStale(now time.Time) bool {
	return now.Sub(b.lastUpdate) > StaleAfter
}

// SetCachedTLSInfo memoizes the extraction result so later ticks need not
// re-walk the reassembled bytes.
func (b *Buffer) SetCachedTLSInfo(info *dpi.TLSInfo) {
	b.cachedTLSInfo = info
	b.hasCompleteTLSInfo = true
}

// CachedTLSInfo returns the memoized extraction result, if any.
func (b *Buffer) CachedTLSInfo() (*dpi.TLSInfo, bool) {
	return b.cachedTLSInfo, b.hasCompleteTLSInfo
}

// ClearFragments frees the fragment buffer while retaining any memoized TLS
// info, so a completed extraction survives a sweep that reclaims memory.
func (b *Buffer) ClearFragments() {
	b.fragments = make(map[uint64][]byte)
	b.order = nil
	b.currentBufferSize = 0
}
