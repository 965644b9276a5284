//go:build unix

package qport

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/l2lv/internal/mpmc"
	"gosuda.org/l2lv/shm"
)

// pagesize separates the doorbell page from the ring
var pagesize = uintptr(os.Getpagesize())

// Shm is a Provider whose ports live in named shared memory segments, so the two
// ends of a port can be different processes.
//
// Segment layout:
//
//	<<<< PAGE_START
//	DOORBELL (uint32)     // incremented after every write
//	<<<< PAGE_BREAK
//	MPMC_RING             // fixed-size frame slots
//	<<<< PAGE_END
type Shm struct {
	Dir   string // Directory holding the segment files, /dev/shm if empty
	Depth int    // Frames per port, DefaultDepth if zero
}

// Open implements Provider. The first opener of a name initializes the ring;
// later openers attach to it, whatever their direction.
func (p Shm) Open(name string, dir Direction) (Handle, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	depth := p.Depth
	if depth <= 0 {
		depth = DefaultDepth
	}

	size := pagesize + mpmc.SizeMPMCRing[slot](uint64(depth))
	size = ((size + pagesize - 1) / pagesize) * pagesize

	region, err := shm.MapFile(filepath.Join(p.dir(), "l2lv_qport_"+name), name, int(size))
	if err != nil {
		return nil, err
	}

	base := unsafe.Pointer(&region.Bytes()[0])
	ringBase := unsafe.Add(base, pagesize)

	mpmc.MPMCInit[slot](ringBase, uint64(depth))
	ring := mpmc.MPMCAttach[slot](ringBase, time.Second)
	if ring == nil {
		region.Close()
		return nil, ErrInit
	}

	q := &queue{
		ring: ring,
		bell: &futexBell{word: (*uint32)(base)},
	}
	return newEndpoint(name, dir, q, region.Close), nil
}

func (p Shm) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// futexBell is a doorbell word inside the shared segment.
type futexBell struct {
	word *uint32
}

// waitSlice bounds each kernel wait so cancellation is noticed promptly.
const waitSlice = 10 * time.Millisecond

func (b *futexBell) ring() {
	atomic.AddUint32(b.word, 1)
	futexWake(b.word)
}

func (b *futexBell) seq() uint32 {
	return atomic.LoadUint32(b.word)
}

func (b *futexBell) wait(ctx context.Context, seen uint32) error {
	for {
		if atomic.LoadUint32(b.word) != seen {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		futexWait(b.word, seen, waitSlice)
	}
}
