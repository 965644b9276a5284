package mpmc

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// MPMCRing implements a bounded lock-free Multi-Producer Multi-Consumer ring buffer.
// The ring can live in ordinary heap memory (NewMPMCRing) or inside a shared memory
// region mapped by several processes (MPMCInit + MPMCAttach).
//
// Every operation is non-blocking: producers get false when the ring is full and
// consumers get false when it is empty. This makes the ring usable from notification
// callbacks that must never sleep.
//
// T must not contain Go pointers: elements may be stored outside the Go heap.
type MPMCRing[T any] struct {
	_mask uint64         // Mask for modulo operation (size - 1, must be power of 2)
	_size uint64         // Size of the ring buffer (must be power of 2)
	_head unsafe.Pointer // Ring header
	_data unsafe.Pointer // First element
	_mem  []uint64       // Backing storage for heap rings, keeps it reachable
}

// NewMPMCRing allocates a ring of at least size elements on the Go heap.
func NewMPMCRing[T any](size uint64) *MPMCRing[T] {
	size = _RoundUpPowerOf2(size)
	mem := make([]uint64, (SizeMPMCRing[T](size)+7)/8)
	base := unsafe.Pointer(&mem[0])
	MPMCInit[T](base, size)
	r := MPMCAttach[T](base, 0)
	r._mem = mem
	return r
}

// MPMCInit initializes a ring at base. It is safe to call from every process that
// maps the region: exactly one caller wins and gets true, the others get false.
//
// The memory layout is:
//
//	[Header (256 bytes)][Data Elements]
func MPMCInit[T any](base unsafe.Pointer, size uint64) bool {
	size = _RoundUpPowerOf2(size)
	_r := (*_mring)(base)

	magic := atomic.LoadUint64(&_r._magic)
	if magic == _mpmc_magic {
		return false
	}

	if !atomic.CompareAndSwapUint64(&_r._magic, magic, _mpmc_magic) {
		return false
	}

	atomic.StoreUint64(&_r._size, size)

	data := unsafe.Add(base, _headerSize)
	for i := uint64(0); i < size; i++ {
		_e := (*_melem[T])(unsafe.Add(data, unsafe.Sizeof(_melem[T]{})*uintptr(i)))
		_e._data = *new(T)
		atomic.StoreUint64(&_e._seq, i)
	}

	atomic.StoreUint64(&_r.r, 0)
	atomic.StoreUint64(&_r.w, 0)

	// Publish last so attachers never see a half built ring.
	atomic.StoreUint64(&_r._flag, uint64(_mpmc_init))
	return true
}

// MPMCAttach waits until the ring at base is initialized and returns a handle to it.
// A zero timeout waits forever; nil is returned when the timeout expires.
func MPMCAttach[T any](base unsafe.Pointer, timeout time.Duration) *MPMCRing[T] {
	start := time.Now()
	_r := (*_mring)(base)

	for {
		magic := atomic.LoadUint64(&_r._magic)
		flag := atomic.LoadUint64(&_r._flag)

		if magic == _mpmc_magic && flag&uint64(_mpmc_init) != 0 {
			size := atomic.LoadUint64(&_r._size)
			return &MPMCRing[T]{
				_size: size,
				_mask: size - 1,
				_head: base,
				_data: unsafe.Add(base, _headerSize),
			}
		}

		if timeout > 0 && time.Since(start) >= timeout {
			return nil
		}

		runtime.Gosched()
	}
}

func (m *MPMCRing[T]) elem(pos uint64) *_melem[T] {
	return (*_melem[T])(unsafe.Add(m._data, unsafe.Sizeof(_melem[T]{})*uintptr(pos&m._mask)))
}

// TryEnqueueFunc claims a free slot and lets fn fill it in place.
// It returns false without calling fn when the ring is full.
func (m *MPMCRing[T]) TryEnqueueFunc(fn func(*T)) bool {
	_h := (*_mring)(m._head)
	p := atomic.LoadUint64(&_h.w)

	for {
		c := m.elem(p)
		seq := atomic.LoadUint64(&c._seq)
		diff := int64(seq - p)

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.w, p, p+1) {
				fn(&c._data)
				// Publishing the sequence releases the data to consumers.
				atomic.StoreUint64(&c._seq, p+1)
				return true
			}
			p = atomic.LoadUint64(&_h.w)
		case diff < 0:
			// Slot still holds an element from the previous lap.
			return false
		default:
			// Another producer took this slot.
			p = atomic.LoadUint64(&_h.w)
		}
	}
}

// TryEnqueue copies elem into the ring. It returns false when the ring is full.
func (m *MPMCRing[T]) TryEnqueue(elem T) bool {
	return m.TryEnqueueFunc(func(v *T) { *v = elem })
}

// TryDequeueFunc hands the oldest element to fn and releases its slot afterwards.
// It returns false without calling fn when the ring is empty.
func (m *MPMCRing[T]) TryDequeueFunc(fn func(*T)) bool {
	_h := (*_mring)(m._head)
	p := atomic.LoadUint64(&_h.r)

	for {
		c := m.elem(p)
		seq := atomic.LoadUint64(&c._seq)
		diff := int64(seq - (p + 1))

		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&_h.r, p, p+1) {
				fn(&c._data)
				atomic.StoreUint64(&c._seq, p+m._mask+1)
				return true
			}
			p = atomic.LoadUint64(&_h.r)
		case diff < 0:
			return false
		default:
			p = atomic.LoadUint64(&_h.r)
		}
	}
}

// TryDequeue removes and returns the oldest element.
func (m *MPMCRing[T]) TryDequeue() (elem T, ok bool) {
	ok = m.TryDequeueFunc(func(v *T) { elem = *v })
	return
}

// Len returns the number of queued elements. Under concurrent use the value is a
// snapshot and may be stale by the time it is returned.
func (m *MPMCRing[T]) Len() int {
	_h := (*_mring)(m._head)
	r := atomic.LoadUint64(&_h.r)
	w := atomic.LoadUint64(&_h.w)
	if w <= r {
		return 0
	}
	n := w - r
	if n > m._size {
		n = m._size
	}
	return int(n)
}

// Cap returns the number of slots in the ring.
func (m *MPMCRing[T]) Cap() int {
	return int(m._size)
}

// Magic number to identify initialized MPMC rings
const _mpmc_magic uint64 = 0xc9d8c1d43f096701

// _headerSize is the space reserved for _mring in front of the elements
const _headerSize = 256

// _mpmcflag represents initialization flags for the ring buffer
type _mpmcflag uint64

const (
	_mpmc_reserved = _mpmcflag(1) << iota // Reserved flag for future use
	_mpmc_init                            // Ring is initialized flag
)

// Cache line size in uint64 words, used to keep r and w apart
const _CACHE_LINE = 16

// _mring is the ring header stored at the beginning of the ring memory
type _mring struct {
	_magic uint64 // Magic number for initialization detection
	_size  uint64 // Size of the ring buffer (power of 2)
	_flag  uint64 // Initialization flags
	/* ======== Cache line boundary ======== */
	r   uint64                  // Read position (consumer index)
	_p0 [_CACHE_LINE - 4]uint64 // Padding to prevent false sharing
	w   uint64                  // Write position (producer index)
	_p1 [_CACHE_LINE - 1]uint64 // Padding to prevent false sharing
}

// _melem is a single slot: the element plus its sequence number
type _melem[T any] struct {
	_data T
	_seq  uint64
}

// _RoundUpPowerOf2 rounds up a number to the next power of 2
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func _RoundUpPowerOf2(v uint64) uint64 {
	if v < 2 {
		return 2
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// SizeMPMCRing returns the number of bytes a ring of at least len elements occupies.
func SizeMPMCRing[T any](len uint64) uintptr {
	return _headerSize + unsafe.Sizeof(_melem[T]{})*uintptr(_RoundUpPowerOf2(len))
}
