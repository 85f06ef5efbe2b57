//go:build linux

// mmap_linux.go - 归档文件映射 (Linux)

package codecache

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile 把归档文件只读映射进内存
func mapFile(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOFailure, path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIOFailure, path, err)
	}
	if st.Size() == 0 {
		return nil, &FormatError{"empty archive file"}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIOFailure, path, err)
	}
	return &mappedFile{data: data, mapped: true}, nil
}

// Close 解除映射
func (m *mappedFile) Close() error {
	if !m.mapped || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("%w: munmap: %v", ErrIOFailure, err)
	}
	return nil
}
