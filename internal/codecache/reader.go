// reader.go - 归档读取与解析
//
// 启动时把归档文件映射进内存并解析：校验头部（魔数、版本、总大
// 小），解析字符串表、条目表、排序检索索引和预载索引。版本或大
// 小不一致废弃整个归档；单个条目的问题在这里同样按整库损坏处理，
// 因为条目表本身属于文件格式。
//
// 读写会话的写入侧字符串池直接以解析出的池为种子，存量条目负载
// 里内嵌的字符串下标因此在定稿后继续有效。

package codecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// mappedFile 已映射的归档文件
type mappedFile struct {
	data   []byte
	mapped bool // 经由 mmap（false 表示整读回退路径）
}

// ArchiveInfo 归档文件概要，检视工具用
type ArchiveInfo struct {
	Version      uint32
	TotalSize    uint32
	StringCount  uint32
	EntryCount   uint32
	PreloadCount uint32
	Flags        uint32
}

// archiveHeader 解析出的头部
type archiveHeader struct {
	version           uint32
	totalSize         uint32
	stringCount       uint32
	stringTableOffset uint32
	entryCount        uint32
	entryTableOffset  uint32
	preloadCount      uint32
	preloadOffset     uint32
	flags             uint32
}

// parseHeader 校验并解析头部
func parseHeader(data []byte) (*archiveHeader, error) {
	if len(data) < HeaderSize {
		return nil, &FormatError{"file too small for header"}
	}
	if binary.LittleEndian.Uint32(data[0:]) != MagicNumber {
		return nil, &FormatError{"bad magic, not a nova code archive"}
	}
	h := &archiveHeader{
		version:           binary.LittleEndian.Uint32(data[4:]),
		totalSize:         binary.LittleEndian.Uint32(data[8:]),
		stringCount:       binary.LittleEndian.Uint32(data[12:]),
		stringTableOffset: binary.LittleEndian.Uint32(data[16:]),
		entryCount:        binary.LittleEndian.Uint32(data[20:]),
		entryTableOffset:  binary.LittleEndian.Uint32(data[24:]),
		preloadCount:      binary.LittleEndian.Uint32(data[28:]),
		preloadOffset:     binary.LittleEndian.Uint32(data[32:]),
		flags:             binary.LittleEndian.Uint32(data[36:]),
	}
	if h.version != FormatVersion {
		return nil, &FormatError{fmt.Sprintf(
			"incompatible version: file is %#x, expected %#x", h.version, FormatVersion)}
	}
	if h.totalSize != uint32(len(data)) {
		return nil, &FormatError{fmt.Sprintf(
			"size mismatch: header says %d, file is %d", h.totalSize, len(data))}
	}
	return h, nil
}

// loadArchive 打开并解析归档文件
func (a *Archive) loadArchive() error {
	if _, err := os.Stat(a.opts.Path); errors.Is(err, os.ErrNotExist) {
		// 首次运行还没有归档，不是错误
		a.log.Debug("no archive file", zap.String("path", a.opts.Path))
		return nil
	} else if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrIOFailure, a.opts.Path, err)
	}

	m, err := mapFile(a.opts.Path)
	if err != nil {
		return err
	}
	data := m.data

	h, err := parseHeader(data)
	if err != nil {
		m.Close()
		return err
	}
	if h.flags&FlagSharedRegionRefs != 0 && a.opts.SharedRegion == nil {
		// 引用逐条在加载时报查找失败，这里只提醒
		a.log.Warn("archive uses shared-region references but session has no shared region")
	}

	base := payloadBase()
	searchIndexOffset := h.entryTableOffset - h.entryCount*SearchIndexRecordSize
	if h.stringTableOffset < base ||
		h.stringTableOffset > h.totalSize ||
		h.preloadCount > h.entryCount ||
		uint64(h.preloadOffset)+uint64(h.preloadCount)*4 > uint64(h.totalSize) ||
		searchIndexOffset > h.entryTableOffset ||
		uint64(h.entryTableOffset)+uint64(h.entryCount)*EntryRecordSize > uint64(h.totalSize) {
		m.Close()
		return &FormatError{"region offsets inconsistent"}
	}

	strings, err := ParseStringTable(data[h.stringTableOffset:], h.stringCount)
	if err != nil {
		m.Close()
		return err
	}

	payload := data[base:]

	// 条目表
	entries := make([]*Entry, h.entryCount)
	successors := make([]uint32, h.entryCount)
	for i := uint32(0); i < h.entryCount; i++ {
		rec := data[h.entryTableOffset+i*EntryRecordSize:]
		e, succ := decodeEntryRecord(rec[:EntryRecordSize])
		if err := readEntryName(e, payload); err != nil {
			m.Close()
			return err
		}
		entries[i] = e
		successors[i] = succ
	}
	for i, succ := range successors {
		if succ != NoIndex {
			if succ >= h.entryCount {
				m.Close()
				return &FormatError{"successor index out of range"}
			}
			entries[i].LinkSuccessor(entries[succ])
		}
	}

	// 排序检索索引
	index := make([]indexRecord, h.entryCount)
	for i := uint32(0); i < h.entryCount; i++ {
		rec := data[searchIndexOffset+i*SearchIndexRecordSize:]
		idx := binary.LittleEndian.Uint32(rec[4:])
		if idx >= h.entryCount {
			m.Close()
			return &FormatError{"search index out of range"}
		}
		index[i] = indexRecord{hash: binary.LittleEndian.Uint32(rec), index: idx}
		if i > 0 && index[i].hash < index[i-1].hash {
			m.Close()
			return &FormatError{"search index not sorted"}
		}
	}

	// 预载索引
	preloadIdx := make([]uint32, h.preloadCount)
	for i := uint32(0); i < h.preloadCount; i++ {
		idx := binary.LittleEndian.Uint32(data[h.preloadOffset+i*4:])
		if idx >= h.entryCount {
			m.Close()
			return &FormatError{"preload index out of range"}
		}
		preloadIdx[i] = idx
	}

	a.info = ArchiveInfo{
		Version:      h.version,
		TotalSize:    h.totalSize,
		StringCount:  h.stringCount,
		EntryCount:   h.entryCount,
		PreloadCount: h.preloadCount,
		Flags:        h.flags,
	}
	a.mapped = m
	a.payload = payload
	a.loaded = entries
	a.dir = newDirectory(entries, index)
	a.preload = preloadIdx
	a.strings = strings
	a.codec.strings = strings
	return nil
}

// readEntryName 从负载区读出条目名并复核身份哈希
func readEntryName(e *Entry, payload []byte) error {
	if e.nameSize == 0 ||
		uint64(e.offset)+uint64(e.size) > uint64(len(payload)) ||
		uint64(e.nameOffset)+uint64(e.nameSize) > uint64(e.size) {
		return &FormatError{"entry name region out of range"}
	}
	raw := payload[e.offset+e.nameOffset : e.offset+e.nameOffset+e.nameSize]
	if raw[len(raw)-1] != 0 {
		return &FormatError{"entry name missing NUL terminator"}
	}
	name := string(raw[:len(raw)-1])
	if IdentityHash(name) != e.identityHash {
		return fmt.Errorf("%w: entry name %q does not hash to %#x",
			ErrConsistency, name, e.identityHash)
	}
	e.name = name
	return nil
}
