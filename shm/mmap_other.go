//go:build !unix

package shm

// FileMapper is unavailable on this platform; use HeapMapper.
type FileMapper struct {
	Dir  string
	Size int
}

// Map implements Mapper.
func (m FileMapper) Map(name string) (*Region, error) {
	return nil, ErrUnsupported
}

// MapFile is unavailable on this platform.
func MapFile(path, name string, minSize int) (*Region, error) {
	return nil, ErrUnsupported
}
