// Package bufpool implements the fixed-capacity serial buffers shared by the
// UART engines, the driver and the relay consumer.
//
// Buffers live in an arena owned by the Pool and are addressed by Handle.
// A Handle carries a generation number that changes on every Release, so a
// component that keeps using a handle after giving it up gets ErrStaleHandle
// (or a nil *Buffer) instead of silently touching someone else's data.
package bufpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/uart-ble-relay/internal/metrics"
)

// Capacity is the number of payload bytes a Buffer can hold.
const Capacity = 40

var (
	// ErrExhausted is returned by Acquire when every buffer is owned.
	ErrExhausted = errors.New("buffer pool exhausted")
	// ErrStaleHandle means the handle was already released (double release or use after release).
	ErrStaleHandle = errors.New("stale buffer handle")
	// ErrInvalidHandle means the handle never came from this pool.
	ErrInvalidHandle = errors.New("invalid buffer handle")
)

// Handle identifies one acquisition of a pooled buffer. The zero Handle is never valid.
type Handle uint32

func makeHandle(idx int, gen uint16) Handle { return Handle(uint32(gen)<<16 | uint32(idx+1)) }

func (h Handle) index() int         { return int(h&0xFFFF) - 1 }
func (h Handle) generation() uint16 { return uint16(h >> 16) }

// Valid reports whether h is structurally valid (it may still be stale).
func (h Handle) Valid() bool { return h&0xFFFF != 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "buf(nil)"
	}
	return fmt.Sprintf("buf(%d/%d)", h.index(), h.generation())
}

// Buffer is a capacity-bounded byte container with a length.
type Buffer struct {
	data [Capacity]byte
	n    int
}

// Bytes returns the filled portion.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Storage returns the whole backing array; drivers receive into it.
func (b *Buffer) Storage() []byte { return b.data[:] }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// Grow extends the length by n bytes already written into Storage, clamped to Capacity.
func (b *Buffer) Grow(n int) {
	b.n += n
	if b.n > Capacity {
		b.n = Capacity
	}
	if b.n < 0 {
		b.n = 0
	}
}

// Fill replaces the contents with p and returns how many bytes fit.
func (b *Buffer) Fill(p []byte) int {
	b.n = copy(b.data[:], p)
	return b.n
}

// AppendByte appends c if there is room.
func (b *Buffer) AppendByte(c byte) bool {
	if b.n >= Capacity {
		return false
	}
	b.data[b.n] = c
	b.n++
	return true
}

// Last returns the final valid byte.
func (b *Buffer) Last() (byte, bool) {
	if b.n == 0 {
		return 0, false
	}
	return b.data[b.n-1], true
}

type slot struct {
	buf   Buffer
	gen   uint16
	inUse bool
}

// Pool is an arena of Buffers. All methods are safe for concurrent use; the
// lock covers a single acquire/release, never a buffer's bytes.
type Pool struct {
	mu    sync.Mutex
	slots []slot
	free  []int
}

// New returns a pool of size buffers (at least 1).
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	if size > 0xFFFF-1 {
		size = 0xFFFF - 1
	}
	p := &Pool{slots: make([]slot, size), free: make([]int, 0, size)}
	for i := size - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Acquire hands out an empty buffer or ErrExhausted.
func (p *Pool) Acquire() (Handle, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		metrics.IncPoolExhausted()
		return 0, ErrExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	s := &p.slots[idx]
	s.inUse = true
	s.buf.n = 0
	h := makeHandle(idx, s.gen)
	inUse := len(p.slots) - len(p.free)
	p.mu.Unlock()
	metrics.SetPoolInUse(inUse)
	return h, nil
}

// Release returns the buffer to the pool. Releasing twice, or releasing a
// handle from another pool, is reported and otherwise ignored.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	s, err := p.lookup(h)
	if err != nil {
		p.mu.Unlock()
		metrics.IncError(metrics.ErrBufferRelease)
		return fmt.Errorf("release %s: %w", h, err)
	}
	s.inUse = false
	s.gen++
	s.buf.n = 0
	p.free = append(p.free, h.index())
	inUse := len(p.slots) - len(p.free)
	p.mu.Unlock()
	metrics.SetPoolInUse(inUse)
	return nil
}

// Buf resolves a live handle to its buffer, or nil if h is stale or invalid.
func (p *Pool) Buf(h Handle) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookup(h)
	if err != nil {
		return nil
	}
	return &s.buf
}

// Owned reports whether h is currently acquired.
func (p *Pool) Owned(h Handle) bool { return p.Buf(h) != nil }

func (p *Pool) lookup(h Handle) (*slot, error) {
	if !h.Valid() || h.index() >= len(p.slots) {
		return nil, ErrInvalidHandle
	}
	s := &p.slots[h.index()]
	if !s.inUse || s.gen != h.generation() {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// InUse returns how many buffers are currently acquired.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Size returns the total number of buffers.
func (p *Pool) Size() int { return len(p.slots) }
