// format.go - AOT 代码缓存归档文件格式定义
//
// 归档文件布局（偏移量相对文件起始，小端序）:
//   头部     : 魔数 + 9 个 u32 字段（版本、总大小、各区域的数量/偏移、标志位）
//   负载区   : 每个条目的代码字节、名称字节、重定位数据（按 CodeAlignment 对齐）
//   字符串表 : count × u32 长度，count × u32 内容哈希，然后是连续的 NUL 结尾字节
//   预载索引 : preload_count × u32 条目下标（按暂存顺序）
//   排序索引 : entry_count × (u32 identity_hash, u32 条目下标)，按哈希升序
//   条目表   : entry_count × 固定大小条目记录

package codecache

import (
	"errors"
	"fmt"
)

const (
	// ArchiveFileExtension 归档文件后缀
	ArchiveFileExtension = ".novaot"

	// MagicNumber 文件魔数 "NAOT" in ASCII
	MagicNumber uint32 = 0x4E414F54

	// FormatVersion 归档格式版本，任何不匹配都会废弃整个归档
	FormatVersion uint32 = 0x00010000

	// HeaderSize 文件头大小（魔数 + 9 个 u32 字段）
	HeaderSize = 40

	// CodeAlignment 代码区域对齐字节数
	// 加载后的机器码必须落在架构安全的边界上
	CodeAlignment = 32

	// EntryRecordSize 条目表中单条记录的大小
	EntryRecordSize = 48

	// SearchIndexRecordSize 排序索引中单条记录的大小（哈希 + 下标）
	SearchIndexRecordSize = 8
)

// 归档标志位
const (
	// FlagSharedRegionRefs 归档包含共享区相对引用
	FlagSharedRegionRefs uint32 = 1 << 0
)

// 条目标志位
const (
	EntryFlagEntrant         uint8 = 1 << 0 // 条目仍可被查找选中
	EntryFlagPreloadEligible uint8 = 1 << 1 // 条目可参与预载
	EntryFlagPreloaded       uint8 = 1 << 2 // 条目已被预载安装
)

// NoIndex 条目记录中表示"无后继"的哨兵下标
const NoIndex uint32 = 0xFFFFFFFF

// Kind 缓存产物类别
type Kind uint8

const (
	KindCode Kind = iota // 完整编译的方法代码
	KindStub             // 运行时桩代码
	KindBlob             // 无重定位的原始数据块
)

// String 返回类别名称
func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindStub:
		return "stub"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Tier 产物的优化层级
type Tier uint8

const (
	// TierBaseline 最低优化层级（模板解释/基线编译）
	// 基线代码不会因假设失效而重编译，查找时不区分重编译代数
	TierBaseline Tier = 1

	// TierProfiled 带性能采样的中间层级
	TierProfiled Tier = 2

	// TierOptimized 完全优化层级
	TierOptimized Tier = 4
)

// ============================================================================
// 错误分类
// ============================================================================

// 错误哨兵，按失败的波及范围分类：
// ErrFormatMismatch / 归档文件的 ErrIOFailure / ErrCapacityExceeded 会
// 禁用整个归档，其余错误只波及当前正在处理的单个产物。
var (
	// ErrIOFailure 打开/读取/写入/stat 失败，归档降级为全部未命中
	ErrIOFailure = errors.New("codecache: io failure")

	// ErrFormatMismatch 头部版本或大小不一致，废弃整个归档
	ErrFormatMismatch = errors.New("codecache: format mismatch")

	// ErrCapacityExceeded 暂存区耗尽，会话被永久禁用
	ErrCapacityExceeded = errors.New("codecache: staging capacity exceeded")

	// ErrLookupFailure 符号/引用解析失败，仅当前产物视为未命中
	ErrLookupFailure = errors.New("codecache: lookup failure")

	// ErrUnsupportedReference 引用类别没有对应编码，回滚当前产物
	ErrUnsupportedReference = errors.New("codecache: unsupported reference")

	// ErrConsistency 存储的身份与期望不符，归档视为损坏
	ErrConsistency = errors.New("codecache: consistency violation")
)

// FormatError 格式错误，携带具体说明
type FormatError struct {
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("archive format error: %s", e.Message)
}

// Unwrap 归入 ErrFormatMismatch 分类
func (e *FormatError) Unwrap() error {
	return ErrFormatMismatch
}

// ============================================================================
// 稳定哈希
// ============================================================================

// StringHash 计算字节串的稳定 32 位哈希
//
// 写入方和读取方必须使用完全相同的算法，哈希值会写入文件
// （身份哈希、字符串表内容哈希），因此它是文件格式的一部分，
// 不允许随 Go 版本或平台变化。
func StringHash(data []byte) uint32 {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return h
}

// IdentityHash 计算产物规范名的身份哈希（主查找键）
func IdentityHash(name string) uint32 {
	return StringHash([]byte(name))
}

// AlignUp 向上对齐到 align 边界（align 必须是 2 的幂）
func AlignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}
