//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileMapper maps regions backed by files in Dir, normally /dev/shm.
// A missing file is created with Size bytes; an existing file keeps its size.
type FileMapper struct {
	Dir  string
	Size int
}

// Map implements Mapper.
func (m FileMapper) Map(name string) (*Region, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	size := m.Size
	if size <= 0 {
		size = DefaultSize
	}
	return MapFile(filepath.Join(m.dir(), "l2lv_"+name), name, size)
}

func (m FileMapper) dir() string {
	if m.Dir != "" {
		return m.Dir
	}
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// MapFile maps the file at path read-write and shared. The file is created and
// grown to minSize if it is smaller.
func MapFile(path, name string, minSize int) (*Region, error) {
	if minSize <= 0 {
		return nil, ErrInvalidSize
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}

	size := int(info.Size())
	if size < minSize {
		if err := file.Truncate(int64(minSize)); err != nil {
			file.Close()
			return nil, fmt.Errorf("shm: resize %s: %w", path, err)
		}
		size = minSize
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{
		name: name,
		size: size,
		fd:   file.Fd(),
		mem:  mem,
		release: func() error {
			err := unix.Munmap(mem)
			if cerr := file.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}
