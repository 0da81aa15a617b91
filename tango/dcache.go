package tango

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// LgChunkSz is log2 of the chunk unit.
	LgChunkSz = 6
	ChunkSz   = 1 << LgChunkSz

	// UmemAlign is the alignment the kernel requires of a registered
	// buffer region.
	UmemAlign = 4096

	// FrameSzMin is the smallest frame a FrameBuffer accepts.
	FrameSzMin = 2048
)

// FrameBuffer is a region split into fixed size frames. Everything that
// crosses a ring refers to a frame by chunk, the offset from the start of
// the region in ChunkSz units. The kernel refers to the same frames by
// their byte offset from the UMEM start, which is the first UmemAlign
// aligned byte of the region.
type FrameBuffer struct {
	mem      []byte
	umemLo   uint64
	frameSz  uint64
	frameCnt uint64
	mapped   bool
}

// NewFrameBuffer maps an anonymous region big enough for frameCnt frames.
func NewFrameBuffer(frameSz, frameCnt uint64, hugePage bool) (*FrameBuffer, error) {
	if err := checkFrameSz(frameSz); err != nil {
		return nil, err
	}
	if frameCnt == 0 {
		return nil, errors.New("frame buffer needs at least one frame")
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if hugePage {
		flags |= unix.MAP_HUGETLB
	}
	mem, err := unix.Mmap(-1, 0, int(frameSz*frameCnt), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Wrap(err, "mmap frame buffer failed")
	}
	return &FrameBuffer{mem: mem, frameSz: frameSz, frameCnt: frameCnt, mapped: true}, nil
}

// WrapFrameBuffer uses mem as the backing region. Bytes before the first
// UmemAlign boundary are skipped.
func WrapFrameBuffer(mem []byte, frameSz uint64) (*FrameBuffer, error) {
	if err := checkFrameSz(frameSz); err != nil {
		return nil, err
	}
	if len(mem) == 0 {
		return nil, errors.New("empty frame buffer region")
	}
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	lo := (UmemAlign - base%UmemAlign) % UmemAlign
	if lo >= uint64(len(mem)) {
		return nil, errors.New("frame buffer region too small for alignment")
	}
	cnt := (uint64(len(mem)) - lo) / frameSz
	if cnt == 0 {
		return nil, errors.Errorf("frame buffer region of %d bytes holds no %d byte frame", len(mem), frameSz)
	}
	return &FrameBuffer{mem: mem, umemLo: lo, frameSz: frameSz, frameCnt: cnt}, nil
}

func checkFrameSz(frameSz uint64) error {
	if frameSz < FrameSzMin || frameSz&(frameSz-1) != 0 {
		return errors.Errorf("bad frame size %d (want power of two >= %d)", frameSz, FrameSzMin)
	}
	return nil
}

func (b *FrameBuffer) FrameSize() uint64  { return b.frameSz }
func (b *FrameBuffer) FrameCount() uint64 { return b.frameCnt }

// Umem returns the region registered with the kernel.
func (b *FrameBuffer) Umem() []byte {
	return b.mem[b.umemLo : b.umemLo+b.frameCnt*b.frameSz]
}

// FrameChunk returns the chunk of the i-th frame.
func (b *FrameBuffer) FrameChunk(i uint64) uint64 {
	return (b.umemLo + i*b.frameSz) >> LgChunkSz
}

// FrameIndex returns the index of the frame containing chunk.
func (b *FrameBuffer) FrameIndex(chunk uint64) uint64 {
	return ((chunk << LgChunkSz) - b.umemLo) / b.frameSz
}

// ChunkToUmem converts a chunk to a kernel buffer offset.
func (b *FrameBuffer) ChunkToUmem(chunk uint64) uint64 {
	return (chunk << LgChunkSz) - b.umemLo
}

// UmemToChunk converts a kernel buffer offset to a chunk.
func (b *FrameBuffer) UmemToChunk(off uint64) uint64 {
	return (off + b.umemLo) >> LgChunkSz
}

// FrameAlign rounds a kernel buffer offset down to the start of its frame.
func (b *FrameBuffer) FrameAlign(off uint64) uint64 {
	return off &^ (b.frameSz - 1)
}

// Slice returns sz bytes starting at chunk, or nil when that range falls
// outside the region.
func (b *FrameBuffer) Slice(chunk, sz uint64) []byte {
	lo := chunk << LgChunkSz
	if lo < b.umemLo || sz > uint64(len(b.mem)) || lo > uint64(len(b.mem))-sz {
		return nil
	}
	return b.mem[lo : lo+sz : lo+sz]
}

// ChunkCount returns the number of chunks covered by the UMEM.
func (b *FrameBuffer) ChunkCount() uint64 {
	return (b.frameCnt * b.frameSz) >> LgChunkSz
}

// Close unmaps regions created by NewFrameBuffer.
func (b *FrameBuffer) Close() error {
	if !b.mapped || b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return errors.Wrap(err, "munmap frame buffer failed")
}

// Compact hands out variable sized chunk ranges from [chunk0, wmark] in
// order, wrapping back to chunk0. A producer that publishes each range into
// a ring of depth d never reuses memory still referenced by the last d
// fragments as long as the region holds d+1 maximum sized entries.
type Compact struct {
	Chunk0 uint64
	Wmark  uint64
}

// NewCompact covers chunks [chunk0, chunk1) for entries up to mtu bytes.
func NewCompact(chunk0, chunk1, mtu uint64) (Compact, error) {
	footprint := (mtu + ChunkSz - 1) >> LgChunkSz
	if chunk1 <= chunk0 || chunk1-chunk0 < footprint {
		return Compact{}, errors.Errorf("chunk range [%d,%d) too small for mtu %d", chunk0, chunk1, mtu)
	}
	return Compact{Chunk0: chunk0, Wmark: chunk1 - footprint}, nil
}

// Next returns the chunk following an entry of sz bytes at chunk.
func (c Compact) Next(chunk, sz uint64) uint64 {
	chunk += (sz + ChunkSz - 1) >> LgChunkSz
	if chunk > c.Wmark {
		return c.Chunk0
	}
	return chunk
}

// Contains reports whether chunk is a position Next can return.
func (c Compact) Contains(chunk uint64) bool {
	return chunk >= c.Chunk0 && chunk <= c.Wmark
}
