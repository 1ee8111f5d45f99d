package runtime

import (
	"fmt"
	"os"
	"syscall"
)

// MappedFile is a read-only memory mapping of a weight file. The loaded
// session that injected weights from it owns the mapping and must Close it
// on eviction; the mapping is never released implicitly.
type MappedFile struct {
	Path string
	data []byte
}

// MapFile maps an entire file read-only.
func MapFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // Ignore close error in reader function
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return &MappedFile{Path: path}, nil
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s failed: %w", path, err)
	}
	return &MappedFile{Path: path, data: data}, nil
}

// Bytes returns the mapped region. Valid until Close.
func (m *MappedFile) Bytes() []byte {
	return m.data
}

// Close unmaps the file. Safe to call twice.
func (m *MappedFile) Close() error {
	if m.data == nil {
		return nil
	}
	err := syscall.Munmap(m.data)
	m.data = nil
	return err
}
