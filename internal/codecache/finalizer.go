// finalizer.go - 归档定稿
//
// 每个会话至多运行一次，在关闭或显式调用时进行。把本次新暂存的
// 条目和会话启动时加载的存量条目按先提交顺序合并（有利于换页
// 局部性），随压实与重新对齐重算偏移，产出稠密条目表、按哈希
// 排序的检索索引、预载索引和去重字符串池，最后原子替换目标文件：
// 先删除旧文件再创建新文件，仍持有旧文件描述符的外部进程不受
// 影响。
//
// 合并后如果没有任何 entrant 条目则不写文件，已有文件原样保留；
// 为了和"归档被禁用"区分，这种情况用独立的状态值上报。

package codecache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// FinalizeStatus 定稿结果状态
type FinalizeStatus int

const (
	FinalizeFailed        FinalizeStatus = iota // 失败，未产出文件
	FinalizeNothingToSave                       // 无 entrant 条目，未写文件
	FinalizeWritten                             // 新归档已写出
)

// String 返回状态名称
func (s FinalizeStatus) String() string {
	switch s {
	case FinalizeFailed:
		return "failed"
	case FinalizeNothingToSave:
		return "nothing-to-save"
	case FinalizeWritten:
		return "written"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// payloadBase 负载区在文件中的起始偏移
func payloadBase() uint32 {
	return AlignUp(HeaderSize, CodeAlignment)
}

// Finalize 定稿归档
func (a *Archive) Finalize() (FinalizeStatus, error) {
	if !a.opts.WriteEnabled {
		return FinalizeFailed, fmt.Errorf("codecache: session not opened for writing")
	}
	if !a.finalized.CAS(false, true) {
		return FinalizeFailed, fmt.Errorf("codecache: session already finalized")
	}

	// 独占段：挡住新读取并等在途读取排空，之后映射缓冲随时可回收
	a.drainReaders()

	start := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disabled.Load() {
		// 容量或 IO 失败过的会话必须如实报告失败且不产出文件
		return FinalizeFailed, fmt.Errorf("%w: session was disabled", ErrCapacityExceeded)
	}

	// 先提交顺序合并：存量条目保持加载顺序，新条目保持暂存顺序
	merged := make([]*Entry, 0, len(a.loaded)+len(a.staged))
	for _, e := range a.loaded {
		if e.Entrant() {
			merged = append(merged, e)
		}
	}
	for _, e := range a.staged {
		if e.Entrant() {
			merged = append(merged, e)
		}
	}

	if len(merged) == 0 {
		a.log.Info("nothing to save, archive untouched",
			zap.String("path", a.opts.Path))
		return FinalizeNothingToSave, nil
	}

	data, err := a.buildArchive(merged)
	if err != nil {
		return FinalizeFailed, err
	}

	// 先删后建：外部进程仍持有的旧文件描述符不受影响
	if err := os.Remove(a.opts.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return FinalizeFailed, fmt.Errorf("%w: remove %s: %v", ErrIOFailure, a.opts.Path, err)
	}
	if err := os.WriteFile(a.opts.Path, data, 0644); err != nil {
		return FinalizeFailed, fmt.Errorf("%w: write %s: %v", ErrIOFailure, a.opts.Path, err)
	}

	a.log.Info("archive finalized",
		zap.String("path", a.opts.Path),
		zap.Int("entries", len(merged)),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", a.clock.Now().Sub(start)))
	return FinalizeWritten, nil
}

// buildArchive 把合并后的条目编码为完整归档字节
func (a *Archive) buildArchive(merged []*Entry) ([]byte, error) {
	base := payloadBase()

	// 负载压实与重新对齐，记录每个条目的新偏移
	var payload bytes.Buffer
	newOffset := make(map[*Entry]uint32, len(merged))
	writtenIndex := make(map[*Entry]uint32, len(merged))
	for i, e := range merged {
		block, err := a.payloadBlock(e)
		if err != nil {
			return nil, err
		}
		aligned := AlignUp(uint32(payload.Len()), CodeAlignment)
		for uint32(payload.Len()) < aligned {
			payload.WriteByte(0)
		}
		newOffset[e] = aligned
		writtenIndex[e] = uint32(i)
		payload.Write(block)
	}

	stringTableOffset := base + uint32(payload.Len())
	stringCount := a.strings.Count()

	preloadOffset := stringTableOffset + a.strings.EncodedSize()
	var preloadIdx []uint32
	for i, e := range merged {
		if e.preloadEligible {
			preloadIdx = append(preloadIdx, uint32(i))
		}
	}

	searchIndexOffset := preloadOffset + uint32(len(preloadIdx))*4
	entryTableOffset := searchIndexOffset + uint32(len(merged))*SearchIndexRecordSize
	totalSize := entryTableOffset + uint32(len(merged))*EntryRecordSize

	var buf bytes.Buffer
	buf.Grow(int(totalSize))

	// 头部
	binary.Write(&buf, binary.LittleEndian, MagicNumber)
	binary.Write(&buf, binary.LittleEndian, FormatVersion)
	binary.Write(&buf, binary.LittleEndian, totalSize)
	binary.Write(&buf, binary.LittleEndian, stringCount)
	binary.Write(&buf, binary.LittleEndian, stringTableOffset)
	binary.Write(&buf, binary.LittleEndian, uint32(len(merged)))
	binary.Write(&buf, binary.LittleEndian, entryTableOffset)
	binary.Write(&buf, binary.LittleEndian, uint32(len(preloadIdx)))
	binary.Write(&buf, binary.LittleEndian, preloadOffset)
	flags := uint32(0)
	if a.opts.SharedRegion != nil {
		flags |= FlagSharedRegionRefs
	}
	binary.Write(&buf, binary.LittleEndian, flags)
	for uint32(buf.Len()) < base {
		buf.WriteByte(0)
	}

	// 负载区
	buf.Write(payload.Bytes())

	// 字符串表
	a.strings.WriteTo(&buf)

	// 预载索引（暂存顺序）
	for _, idx := range preloadIdx {
		binary.Write(&buf, binary.LittleEndian, idx)
	}

	// 排序检索索引
	dir := newDirectory(merged, nil)
	for _, rec := range dir.index {
		binary.Write(&buf, binary.LittleEndian, rec.hash)
		binary.Write(&buf, binary.LittleEndian, rec.index)
	}

	// 稠密条目表（偏移换成压实后的新值）
	for _, e := range merged {
		succIdx := NoIndex
		if s := e.Successor(); s != nil {
			if idx, ok := writtenIndex[s]; ok {
				succIdx = idx
			}
		}
		e.encodeRecord(&buf, newOffset[e], succIdx)
	}

	if uint32(buf.Len()) != totalSize {
		return nil, fmt.Errorf("%w: layout size drift: built %d, computed %d",
			ErrConsistency, buf.Len(), totalSize)
	}
	return buf.Bytes(), nil
}
