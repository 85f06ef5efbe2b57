//go:build !linux

// mmap_other.go - 归档文件读取回退路径（非 Linux 平台整读）

package codecache

import (
	"fmt"
	"os"
)

// mapFile 整读归档文件
func mapFile(path string) (*mappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIOFailure, path, err)
	}
	if len(data) == 0 {
		return nil, &FormatError{"empty archive file"}
	}
	return &mappedFile{data: data, mapped: false}, nil
}

// Close 释放缓冲
func (m *mappedFile) Close() error {
	m.data = nil
	return nil
}
