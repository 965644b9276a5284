// Package shm maps the named shared memory regions that back bulk channel payloads.
//
// A region is identified by name. Both partitions map the same name and see the
// same bytes; the control channel only carries small frames telling the peer what
// to look at. The lifetime of a mapping is tied to the channel that requested it.
package shm

import (
	"errors"
	"sync"
)

var (
	ErrEmptyName   = errors.New("shm: empty region name")
	ErrInvalidSize = errors.New("shm: invalid region size")
	ErrClosed      = errors.New("shm: region already unmapped")
	ErrUnsupported = errors.New("shm: file mappings not supported on this platform")
)

// DefaultSize is the region size used when a mapper is not given one.
const DefaultSize = 4096

// Mapper is the shared-memory mapping capability consumed by channels.
type Mapper interface {
	// Map returns the region registered under name, creating it if needed.
	Map(name string) (*Region, error)
}

// Region represents one mapped shared memory region.
type Region struct {
	name    string // Name/identifier of the shared memory region
	size    int    // Size of the shared memory region in bytes
	fd      uintptr
	mem     []byte
	release func() error
	once    sync.Once
	err     error
}

// Name returns the name the region was mapped under.
func (r *Region) Name() string {
	return r.name
}

// Size returns the size of the region in bytes.
func (r *Region) Size() int {
	return r.size
}

// FD returns the file descriptor behind a file mapping, or 0 for heap regions.
func (r *Region) FD() uintptr {
	return r.fd
}

// Bytes returns the mapped memory. The slice is invalid after Close.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Close unmaps the region. Calling Close more than once is harmless.
func (r *Region) Close() error {
	r.once.Do(func() {
		if r.release != nil {
			r.err = r.release()
		}
		r.mem = nil
	})
	return r.err
}

// HeapMapper hands out process-local regions. Mapping the same name twice returns
// views of the same bytes, which is what the loopback link needs: the local client
// and the local server share one region without a file behind it.
type HeapMapper struct {
	size int

	mu      sync.Mutex
	regions map[string]*heapRegion
}

type heapRegion struct {
	buf  []byte
	refs int
}

// NewHeapMapper returns a mapper creating regions of size bytes.
func NewHeapMapper(size int) *HeapMapper {
	if size <= 0 {
		size = DefaultSize
	}
	return &HeapMapper{size: size, regions: make(map[string]*heapRegion)}
}

// Map implements Mapper.
func (m *HeapMapper) Map(name string) (*Region, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hr, ok := m.regions[name]
	if !ok {
		hr = &heapRegion{buf: make([]byte, m.size)}
		m.regions[name] = hr
	}
	hr.refs++

	return &Region{
		name: name,
		size: len(hr.buf),
		mem:  hr.buf,
		release: func() error {
			m.unref(name)
			return nil
		},
	}, nil
}

func (m *HeapMapper) unref(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hr, ok := m.regions[name]
	if !ok {
		return
	}
	hr.refs--
	if hr.refs <= 0 {
		delete(m.regions, name)
	}
}
