// stringtable.go - 去重字符串池
//
// 按内容去重、按哈希寻址的驻留字符串池。写入侧通过 Intern 分配稳定
// 下标；读取侧从归档解析后按下标取回。读写会话（read|write 模式）
// 的写入池直接以加载到的池为种子，保证旧条目内嵌的下标继续有效。

package codecache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// StringTable 字符串表
//
// 写入方驻留、读取方按下标取回可以并发，内部用读写锁保护。
type StringTable struct {
	mu      sync.RWMutex
	strings []string
	hashes  []uint32
	index   map[string]uint32 // 内容 -> 下标
	byteLen uint32            // 所有字符串字节数（含 NUL）
}

// NewStringTable 创建空字符串表
func NewStringTable() *StringTable {
	return &StringTable{
		strings: make([]string, 0, 64),
		hashes:  make([]uint32, 0, 64),
		index:   make(map[string]uint32, 64),
	}
}

// Intern 驻留字符串，返回其稳定下标
//
// 相同内容总是返回同一个下标，不同产物引用同一文本时
// 只产生一条字符串表记录。
func (t *StringTable) Intern(s string) uint32 {
	t.mu.RLock()
	idx, ok := t.index[s]
	t.mu.RUnlock()
	if ok {
		return idx
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// 释放读锁到取得写锁之间可能有人先驻留了同一内容，复查
	if idx, ok := t.index[s]; ok {
		return idx
	}
	idx = uint32(len(t.strings))
	t.strings = append(t.strings, s)
	t.hashes = append(t.hashes, StringHash([]byte(s)))
	t.index[s] = idx
	t.byteLen += uint32(len(s)) + 1
	return idx
}

// Lookup 按下标取回字符串
func (t *StringTable) Lookup(idx uint32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.strings) {
		return "", fmt.Errorf("%w: string index %d out of range (have %d)",
			ErrFormatMismatch, idx, len(t.strings))
	}
	return t.strings[idx], nil
}

// Hash 按下标取回内容哈希
func (t *StringTable) Hash(idx uint32) uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.hashes) {
		return 0
	}
	return t.hashes[idx]
}

// Count 返回字符串数量
func (t *StringTable) Count() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.strings))
}

// EncodedSize 返回序列化后的字节数
func (t *StringTable) EncodedSize() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	// 长度数组 + 哈希数组 + 字符串字节（含 NUL）
	return uint32(len(t.strings))*8 + t.byteLen
}

// WriteTo 序列化字符串表
func (t *StringTable) WriteTo(buf *bytes.Buffer) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.strings {
		binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	}
	for _, h := range t.hashes {
		binary.Write(buf, binary.LittleEndian, h)
	}
	for _, s := range t.strings {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
}

// ParseStringTable 从归档字节解析字符串表
//
// 会逐条复核内容哈希，哈希不符说明字符串区已损坏。
func ParseStringTable(data []byte, count uint32) (*StringTable, error) {
	need := uint64(count) * 8
	if uint64(len(data)) < need {
		return nil, &FormatError{"string table truncated"}
	}

	t := &StringTable{
		strings: make([]string, 0, count),
		hashes:  make([]uint32, 0, count),
		index:   make(map[string]uint32, count),
	}

	lengths := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		lengths[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	hashOff := count * 4
	pos := uint64(count) * 8
	for i := uint32(0); i < count; i++ {
		h := binary.LittleEndian.Uint32(data[hashOff+i*4:])
		end := pos + uint64(lengths[i])
		if end+1 > uint64(len(data)) {
			return nil, &FormatError{"string table corrupted"}
		}
		s := string(data[pos:end])
		if data[end] != 0 {
			return nil, &FormatError{"string missing NUL terminator"}
		}
		if StringHash([]byte(s)) != h {
			return nil, fmt.Errorf("%w: string %d content hash mismatch", ErrConsistency, i)
		}
		t.strings = append(t.strings, s)
		t.hashes = append(t.hashes, h)
		t.index[s] = i
		t.byteLen += uint32(len(s)) + 1
		pos = end + 1
	}
	return t, nil
}
