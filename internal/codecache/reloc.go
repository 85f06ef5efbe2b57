// reloc.go - 重定位引擎
//
// 存储：逐节记录原始大小、原始装载地址和对齐后的字节偏移；逐条
// fixup 分类，调用式/计算式/内嵌立即数的外部地址经地址表映射为
// 小整数 id（无法映射的地址只允许诊断文本退化为"相对参照点差量"
// 编码，功能性重定位直接判当前产物失败）。
//
// 加载：把各节复制进新分配的存储（超出当前容量是硬失败），重走
// 重定位记录，用本进程新建的地址表把 id 翻译回地址；未注册的 id
// 产生可恢复的查找失败而不是崩溃。

package codecache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RelocKind 重定位类别
type RelocKind uint8

const (
	RelocCall       RelocKind = iota // 调用式
	RelocComputed                    // 计算/外部地址
	RelocSectionRel                  // 节内相对
	RelocImmediate                   // 内嵌立即数
	relocKindCount
)

// String 返回类别名称
func (k RelocKind) String() string {
	switch k {
	case RelocCall:
		return "call"
	case RelocComputed:
		return "computed"
	case RelocSectionRel:
		return "section-rel"
	case RelocImmediate:
		return "immediate"
	}
	return fmt.Sprintf("reloc(%d)", uint8(k))
}

// 重定位记录标志位
const (
	relocFlagDelta uint8 = 1 << 0 // target 字段是差量而非地址表 id
)

// relocRecordSize 重定位记录的固定大小
const relocRecordSize = 16

// sectionHeaderSize 节描述的固定大小（原始大小 + 装载地址 + 对齐偏移）
const sectionHeaderSize = 16

// relocEngine 重定位引擎，会话级对象
type relocEngine struct {
	codec *symbolCodec
	table *AddressTable
}

// ============================================================================
// 存储侧
// ============================================================================

// encode 把产物的代码节和重定位数据编码为两个区域
//
// 返回对齐拼接的代码区和重定位区。遇到无编码的引用类别返回
// ErrUnsupportedReference，调用方回滚当前产物。
func (r *relocEngine) encode(art *CodeArtifact) (code, relocs []byte, err error) {
	// 代码区：各节按 CodeAlignment 对齐拼接
	alignedOffsets := make([]uint32, len(art.Sections))
	var codeBuf bytes.Buffer
	for i, sec := range art.Sections {
		aligned := AlignUp(uint32(codeBuf.Len()), CodeAlignment)
		for uint32(codeBuf.Len()) < aligned {
			codeBuf.WriteByte(0)
		}
		alignedOffsets[i] = aligned
		codeBuf.Write(sec.Bytes)
	}

	var buf bytes.Buffer

	// 符号引用辅助数据
	binary.Write(&buf, binary.LittleEndian, uint32(len(art.Refs)))
	for i := range art.Refs {
		if err := r.codec.encodeRef(&buf, &art.Refs[i]); err != nil {
			return nil, nil, err
		}
	}

	// 节描述
	binary.Write(&buf, binary.LittleEndian, uint32(len(art.Sections)))
	for i, sec := range art.Sections {
		binary.Write(&buf, binary.LittleEndian, uint32(len(sec.Bytes)))
		binary.Write(&buf, binary.LittleEndian, sec.LoadAddress)
		binary.Write(&buf, binary.LittleEndian, alignedOffsets[i])
	}

	// 重定位记录
	binary.Write(&buf, binary.LittleEndian, uint32(len(art.Fixups)))
	for i := range art.Fixups {
		if err := r.encodeFixup(&buf, art, &art.Fixups[i]); err != nil {
			return nil, nil, err
		}
	}

	return codeBuf.Bytes(), buf.Bytes(), nil
}

// encodeFixup 编码一条重定位记录
func (r *relocEngine) encodeFixup(buf *bytes.Buffer, art *CodeArtifact, f *Fixup) error {
	if f.Kind >= relocKindCount {
		return fmt.Errorf("%w: relocation kind %d", ErrUnsupportedReference, uint8(f.Kind))
	}
	if f.Section < 0 || f.Section >= len(art.Sections) {
		return fmt.Errorf("%w: fixup section %d out of range", ErrConsistency, f.Section)
	}
	// 记录里的节下标是单字节
	if f.Section > 0xFF {
		return fmt.Errorf("%w: fixup section %d exceeds record range", ErrConsistency, f.Section)
	}

	var flags uint8
	var target uint32

	switch {
	case f.RefIndex >= 0:
		// 符号化目标：地址在加载时由解析后的句柄提供
		if f.RefIndex >= len(art.Refs) {
			return fmt.Errorf("%w: fixup ref index %d out of range", ErrConsistency, f.RefIndex)
		}
		target = NoIndex

	case f.Kind == RelocSectionRel:
		// 节内相对：记录相对本节装载地址的差量
		flags |= relocFlagDelta
		target = uint32(f.Target - art.Sections[f.Section].LoadAddress)

	default:
		id, ok := r.table.IDFor(f.Target)
		if !ok {
			if f.Kind == RelocImmediate {
				// 仅诊断文本允许退化为差量编码
				flags |= relocFlagDelta
				target = uint32(f.Target - art.Sections[f.Section].LoadAddress)
				break
			}
			// 功能性重定位不允许差量退化
			return fmt.Errorf("%w: no table id for %s target %#x",
				ErrLookupFailure, f.Kind, f.Target)
		}
		target = id
	}

	buf.WriteByte(uint8(f.Kind))
	buf.WriteByte(uint8(f.Section))
	buf.WriteByte(flags)
	buf.WriteByte(0) // 保留
	binary.Write(buf, binary.LittleEndian, f.Offset)
	binary.Write(buf, binary.LittleEndian, target)
	refIdx := NoIndex
	if f.RefIndex >= 0 {
		refIdx = uint32(f.RefIndex)
	}
	binary.Write(buf, binary.LittleEndian, refIdx)
	return nil
}

// ============================================================================
// 加载侧
// ============================================================================

// decode 从代码区 + 重定位区重建产物
//
// maxSectionSize 是当前代码缓存愿意接纳的单节上限，超出是硬失败。
// preload 传给符号解析，见 symbolCodec.resolveRef。
func (r *relocEngine) decode(code, relocs []byte, preload bool, maxSectionSize uint32) (*CodeArtifact, error) {
	art := &CodeArtifact{}
	pos := 0

	readU32 := func() (uint32, error) {
		if pos+4 > len(relocs) {
			return 0, &FormatError{"relocation region truncated"}
		}
		v := binary.LittleEndian.Uint32(relocs[pos:])
		pos += 4
		return v, nil
	}

	// 数量字段来自文件，先用剩余字节数封顶再分配
	// （每条引用至少 1 字节，节描述和重定位记录是固定大小）
	remaining := func() uint32 { return uint32(len(relocs) - pos) }

	// 符号引用辅助数据
	refCount, err := readU32()
	if err != nil {
		return nil, err
	}
	if refCount > remaining() {
		return nil, &FormatError{"reference count exceeds relocation region"}
	}
	art.Refs = make([]ExternalReference, refCount)
	for i := uint32(0); i < refCount; i++ {
		ref, n, err := r.codec.decodeRef(relocs[pos:])
		if err != nil {
			return nil, err
		}
		if err := r.codec.resolveRef(&ref, preload); err != nil {
			return nil, err
		}
		art.Refs[i] = ref
		pos += n
	}

	// 节描述 + 节内容复制
	secCount, err := readU32()
	if err != nil {
		return nil, err
	}
	if secCount > remaining()/sectionHeaderSize {
		return nil, &FormatError{"section count exceeds relocation region"}
	}
	art.Sections = make([]CodeSection, secCount)
	for i := uint32(0); i < secCount; i++ {
		if pos+sectionHeaderSize > len(relocs) {
			return nil, &FormatError{"section header truncated"}
		}
		origSize := binary.LittleEndian.Uint32(relocs[pos:])
		loadAddr := binary.LittleEndian.Uint64(relocs[pos+4:])
		alignedOff := binary.LittleEndian.Uint32(relocs[pos+12:])
		pos += sectionHeaderSize

		if maxSectionSize != 0 && origSize > maxSectionSize {
			return nil, fmt.Errorf("%w: section %d is %d bytes, capacity %d",
				ErrCapacityExceeded, i, origSize, maxSectionSize)
		}
		if uint64(alignedOff)+uint64(origSize) > uint64(len(code)) {
			return nil, &FormatError{"section exceeds code region"}
		}
		// 复制进新分配的存储，映射缓冲随时可能被会话关闭回收
		secBytes := make([]byte, origSize)
		copy(secBytes, code[alignedOff:alignedOff+origSize])
		art.Sections[i] = CodeSection{
			Bytes:        secBytes,
			LoadAddress:  loadAddr,
			OriginalSize: origSize,
		}
	}

	// 重定位记录翻译
	fixupCount, err := readU32()
	if err != nil {
		return nil, err
	}
	if fixupCount > remaining()/relocRecordSize {
		return nil, &FormatError{"fixup count exceeds relocation region"}
	}
	art.Fixups = make([]Fixup, fixupCount)
	for i := uint32(0); i < fixupCount; i++ {
		if pos+relocRecordSize > len(relocs) {
			return nil, &FormatError{"relocation record truncated"}
		}
		kind := RelocKind(relocs[pos])
		section := int(relocs[pos+1])
		flags := relocs[pos+2]
		offset := binary.LittleEndian.Uint32(relocs[pos+4:])
		target := binary.LittleEndian.Uint32(relocs[pos+8:])
		refIdx := binary.LittleEndian.Uint32(relocs[pos+12:])
		pos += relocRecordSize

		if kind >= relocKindCount {
			return nil, fmt.Errorf("%w: relocation kind %d", ErrUnsupportedReference, uint8(kind))
		}
		if section >= len(art.Sections) {
			return nil, &FormatError{"relocation section out of range"}
		}

		f := Fixup{Kind: kind, Section: section, Offset: offset, RefIndex: -1}
		switch {
		case refIdx != NoIndex:
			if refIdx >= refCount {
				return nil, &FormatError{"relocation ref index out of range"}
			}
			f.RefIndex = int(refIdx)
			if h := art.Refs[refIdx].Handle(); h != nil {
				f.Target = h.Address()
			}
		case flags&relocFlagDelta != 0:
			f.Delta = true
			f.Target = uint64(target)
		default:
			addr, err := r.table.AddressOf(target)
			if err != nil {
				return nil, err
			}
			f.Target = addr
		}
		art.Fixups[i] = f
	}

	return art, nil
}

// Relocate 把翻译好的外部地址写回代码字节
//
// 修正槽统一为节内 offset 处的 8 字节小端地址。节内相对和差量
// 编码的修正以所在节当前的 LoadAddress 为基准，宿主须在调用前
// 把各节的 LoadAddress 改写为实际安装基址。
func Relocate(art *CodeArtifact) error {
	for i := range art.Fixups {
		f := &art.Fixups[i]
		sec := &art.Sections[f.Section]
		if uint64(f.Offset)+8 > uint64(len(sec.Bytes)) {
			return fmt.Errorf("%w: fixup at %d exceeds section %d",
				ErrConsistency, f.Offset, f.Section)
		}
		target := f.Target
		if f.Delta || f.Kind == RelocSectionRel {
			target = sec.LoadAddress + f.Target
		}
		binary.LittleEndian.PutUint64(sec.Bytes[f.Offset:], target)
	}
	return nil
}
