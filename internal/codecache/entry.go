// entry.go - 归档条目
//
// 条目是一个产物在归档中的元数据记录。非 entrant 的条目除后继链接
// 外不可变；存储空间在单个归档文件的生命周期内永不回收，条目只会
// 在整体重新生成文件时消亡。

package codecache

import (
	"bytes"
	"encoding/binary"

	"go.uber.org/atomic"
)

// Origin 条目来源
type Origin uint8

const (
	OriginStaged Origin = iota // 本次会话新暂存
	OriginLoaded               // 从归档文件加载
)

// Entry 归档条目
//
// entrant 标志只会从 true 单调翻转为 false，读取方不加锁直接读，
// 最多看到落后一代的状态，这对"未命中即重编译"的降级语义是安全的。
type Entry struct {
	identityHash uint32
	kind         Kind
	tier         Tier
	generation   uint32
	name         string

	// 负载区内的位置（相对暂存区或映射文件的负载基址）
	offset uint32
	size   uint32

	// 负载块内的子区域偏移（相对 offset）
	nameOffset  uint32
	nameSize    uint32
	codeOffset  uint32
	codeSize    uint32
	relocOffset uint32
	relocSize   uint32

	origin          Origin
	preloadEligible bool

	entrant        atomic.Bool
	preloaded      atomic.Bool
	barrierPending atomic.Bool

	// successor 在启动屏障语义仍悬挂期间被更新产物取代时设置，
	// 失效时整条链一起退役
	successor *Entry

	// liveHandle 宿主安装后的活句柄缓存，仅在产出该条目的
	// 归档实例打开期间有效，不持久化
	liveHandle Handle
}

// IdentityHash 返回身份哈希
func (e *Entry) IdentityHash() uint32 { return e.identityHash }

// Kind 返回产物类别
func (e *Entry) Kind() Kind { return e.kind }

// Tier 返回优化层级
func (e *Entry) Tier() Tier { return e.tier }

// Generation 返回重编译代数
func (e *Entry) Generation() uint32 { return e.generation }

// Name 返回产物规范名
func (e *Entry) Name() string { return e.name }

// Origin 返回条目来源
func (e *Entry) Origin() Origin { return e.origin }

// Size 返回负载块大小
func (e *Entry) Size() uint32 { return e.size }

// Entrant 条目是否仍可被查找选中
func (e *Entry) Entrant() bool { return e.entrant.Load() }

// PreloadEligible 条目是否可参与预载
func (e *Entry) PreloadEligible() bool { return e.preloadEligible }

// Preloaded 条目是否已被预载安装
func (e *Entry) Preloaded() bool { return e.preloaded.Load() }

// MarkPreloaded 标记条目已被预载安装
func (e *Entry) MarkPreloaded() { e.preloaded.Store(true) }

// BarrierPending 条目是否还有未完成的启动屏障要求
func (e *Entry) BarrierPending() bool { return e.barrierPending.Load() }

// MarkBarrierPending 标记启动屏障要求悬挂
func (e *Entry) MarkBarrierPending() { e.barrierPending.Store(true) }

// ClearBarrierPending 清除启动屏障要求
func (e *Entry) ClearBarrierPending() { e.barrierPending.Store(false) }

// Successor 返回后继条目（可能为 nil）
func (e *Entry) Successor() *Entry { return e.successor }

// LinkSuccessor 挂接后继条目
func (e *Entry) LinkSuccessor(next *Entry) { e.successor = next }

// LiveHandle 返回缓存的活句柄（可能为 nil）
func (e *Entry) LiveHandle() Handle { return e.liveHandle }

// CacheLiveHandle 缓存宿主安装后的活句柄
func (e *Entry) CacheLiveHandle(h Handle) { e.liveHandle = h }

// Invalidate 使条目失效
//
// 已失效时是幂等空操作；否则置为非 entrant，并沿后继链继续失效
// （一条必须一起退役的产物链）。用迭代而不是递归，病态长链不会
// 打爆栈。永不释放存储。
func (e *Entry) Invalidate() {
	for cur := e; cur != nil; cur = cur.successor {
		if !cur.entrant.CAS(true, false) {
			// 已经失效，链的剩余部分此前必然一并处理过
			return
		}
		cur.liveHandle = nil
	}
}

// ============================================================================
// 条目记录编解码
// ============================================================================

// flagBits 汇总持久化标志位
func (e *Entry) flagBits() uint8 {
	var f uint8
	if e.entrant.Load() {
		f |= EntryFlagEntrant
	}
	if e.preloadEligible {
		f |= EntryFlagPreloadEligible
	}
	if e.preloaded.Load() {
		f |= EntryFlagPreloaded
	}
	return f
}

// encodeRecord 编码为固定大小的条目记录
//
// offset 是定稿压实后的新负载偏移；successorIndex 是后继条目在
// 新条目表中的下标，无后继为 NoIndex。
func (e *Entry) encodeRecord(buf *bytes.Buffer, offset, successorIndex uint32) {
	binary.Write(buf, binary.LittleEndian, e.identityHash)
	buf.WriteByte(uint8(e.kind))
	buf.WriteByte(uint8(e.tier))
	buf.WriteByte(e.flagBits())
	buf.WriteByte(0) // 保留
	binary.Write(buf, binary.LittleEndian, e.generation)
	binary.Write(buf, binary.LittleEndian, offset)
	binary.Write(buf, binary.LittleEndian, e.size)
	binary.Write(buf, binary.LittleEndian, e.nameOffset)
	binary.Write(buf, binary.LittleEndian, e.nameSize)
	binary.Write(buf, binary.LittleEndian, e.codeOffset)
	binary.Write(buf, binary.LittleEndian, e.codeSize)
	binary.Write(buf, binary.LittleEndian, e.relocOffset)
	binary.Write(buf, binary.LittleEndian, e.relocSize)
	binary.Write(buf, binary.LittleEndian, successorIndex)
}

// decodeEntryRecord 从条目表字节解码一条记录
//
// 返回条目和后继下标（NoIndex 表示无后继，挂接由调用方在全部
// 条目解码完成后统一进行）。
func decodeEntryRecord(rec []byte) (*Entry, uint32) {
	e := &Entry{
		identityHash: binary.LittleEndian.Uint32(rec[0:]),
		kind:         Kind(rec[4]),
		tier:         Tier(rec[5]),
		generation:   binary.LittleEndian.Uint32(rec[8:]),
		offset:       binary.LittleEndian.Uint32(rec[12:]),
		size:         binary.LittleEndian.Uint32(rec[16:]),
		nameOffset:   binary.LittleEndian.Uint32(rec[20:]),
		nameSize:     binary.LittleEndian.Uint32(rec[24:]),
		codeOffset:   binary.LittleEndian.Uint32(rec[28:]),
		codeSize:     binary.LittleEndian.Uint32(rec[32:]),
		relocOffset:  binary.LittleEndian.Uint32(rec[36:]),
		relocSize:    binary.LittleEndian.Uint32(rec[40:]),
		origin:       OriginLoaded,
	}
	flags := rec[6]
	e.entrant.Store(flags&EntryFlagEntrant != 0)
	e.preloadEligible = flags&EntryFlagPreloadEligible != 0
	e.preloaded.Store(flags&EntryFlagPreloaded != 0)
	succ := binary.LittleEndian.Uint32(rec[44:])
	return e, succ
}
