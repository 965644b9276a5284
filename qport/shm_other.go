//go:build !unix

package qport

// Shm needs file mappings and is unavailable on this platform.
type Shm struct {
	Dir   string
	Depth int
}

// Open implements Provider.
func (p Shm) Open(name string, dir Direction) (Handle, error) {
	return nil, ErrUnsupported
}
