// symbol.go - 外部引用（符号）序列化
//
// 外部引用以带标签的联合体编码：空值、哨兵、原生类型、驻留字符串
// （有共享区快路径）、已知加载器、共享区相对实体、按名实体。
// 按名实体在加载时通过外部 Resolver 重新解析，先用产物的定义上下文，
// 失败再退回默认上下文；解析失败或实体尚未初始化（显式预载除外）
// 只中止当前产物的加载，对外表现为一次缓存未命中，绝不是致命错误。

package codecache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RefTag 外部引用标签
type RefTag uint8

const (
	RefNull         RefTag = iota // 空引用
	RefSentinel                   // 哨兵值
	RefPrimitive                  // 原生类型
	RefString                     // 驻留字符串
	RefLoader                     // 已知加载器
	RefSharedEntity               // 共享区相对程序实体
	RefNamedEntity                // 按名程序实体
)

// String 返回标签名称
func (t RefTag) String() string {
	switch t {
	case RefNull:
		return "null"
	case RefSentinel:
		return "sentinel"
	case RefPrimitive:
		return "primitive"
	case RefString:
		return "string"
	case RefLoader:
		return "loader"
	case RefSharedEntity:
		return "shared-entity"
	case RefNamedEntity:
		return "named-entity"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// 字符串引用的编码模式
const (
	stringModePool   uint8 = 0 // 字符串池下标
	stringModeShared uint8 = 1 // 共享区相对偏移（快路径）
)

// Handle 外部实体的活句柄，由宿主对象模型提供
type Handle interface {
	// Address 实体在当前进程中的地址
	Address() uint64

	// Initialized 实体是否已完成初始化
	Initialized() bool
}

// Resolver 外部解析器：名称 + 定义上下文 -> 活句柄
type Resolver interface {
	// ResolveEntity 在给定定义上下文中解析命名实体
	ResolveEntity(name, definingContext string) (Handle, error)

	// DefaultContext 默认定义上下文的名称
	DefaultContext() string
}

// SharedRegion 共享区访问接口，为 nil 时只走慢路径
type SharedRegion interface {
	// OffsetOf 查询字符串在共享区中的偏移（快路径）
	OffsetOf(s string) (uint64, bool)

	// StringAt 按偏移取回共享区字符串
	StringAt(offset uint64) (string, error)

	// EntityAt 按偏移取回共享区实体
	EntityAt(offset uint64) (Handle, error)
}

// ExternalReference 一条外部引用
type ExternalReference struct {
	Tag RefTag

	// Primitive 原生类型编号（RefPrimitive）
	Primitive uint8

	// LoaderID 已知加载器编号（RefLoader）
	LoaderID uint8

	// StringValue 字符串内容（RefString）
	StringValue string

	// SharedOffset 共享区相对偏移（RefSharedEntity，或走快路径的 RefString）
	SharedOffset uint64

	// SharedString RefString 是否经由共享区快路径编码
	SharedString bool

	// Name / Context 按名实体的名称与定义上下文（RefNamedEntity）
	Name    string
	Context string

	// handle 解析后的活句柄
	handle Handle
}

// Handle 返回解析后的活句柄（未解析时为 nil）
func (r *ExternalReference) Handle() Handle { return r.handle }

// symbolCodec 符号编解码器，会话级对象
type symbolCodec struct {
	strings  *StringTable
	shared   SharedRegion
	resolver Resolver
}

// encodeRef 编码一条外部引用
func (c *symbolCodec) encodeRef(buf *bytes.Buffer, ref *ExternalReference) error {
	buf.WriteByte(uint8(ref.Tag))
	switch ref.Tag {
	case RefNull, RefSentinel:
		// 标签本身即全部信息

	case RefPrimitive:
		buf.WriteByte(ref.Primitive)

	case RefString:
		// 共享区中已有的字符串用偏移编码，省一次驻留和解析
		if c.shared != nil {
			if off, ok := c.shared.OffsetOf(ref.StringValue); ok {
				buf.WriteByte(stringModeShared)
				binary.Write(buf, binary.LittleEndian, off)
				return nil
			}
		}
		buf.WriteByte(stringModePool)
		binary.Write(buf, binary.LittleEndian, c.strings.Intern(ref.StringValue))

	case RefLoader:
		buf.WriteByte(ref.LoaderID)

	case RefSharedEntity:
		binary.Write(buf, binary.LittleEndian, ref.SharedOffset)

	case RefNamedEntity:
		binary.Write(buf, binary.LittleEndian, c.strings.Intern(ref.Name))
		binary.Write(buf, binary.LittleEndian, c.strings.Intern(ref.Context))

	default:
		return fmt.Errorf("%w: tag %d", ErrUnsupportedReference, uint8(ref.Tag))
	}
	return nil
}

// decodeRef 解码一条外部引用，返回引用和消耗的字节数
func (c *symbolCodec) decodeRef(data []byte) (ExternalReference, int, error) {
	if len(data) < 1 {
		return ExternalReference{}, 0, &FormatError{"truncated reference"}
	}
	ref := ExternalReference{Tag: RefTag(data[0])}
	pos := 1

	need := func(n int) error {
		if len(data) < pos+n {
			return &FormatError{"truncated reference payload"}
		}
		return nil
	}

	switch ref.Tag {
	case RefNull, RefSentinel:

	case RefPrimitive:
		if err := need(1); err != nil {
			return ref, 0, err
		}
		ref.Primitive = data[pos]
		pos++

	case RefString:
		if err := need(1); err != nil {
			return ref, 0, err
		}
		mode := data[pos]
		pos++
		switch mode {
		case stringModeShared:
			if err := need(8); err != nil {
				return ref, 0, err
			}
			ref.SharedOffset = binary.LittleEndian.Uint64(data[pos:])
			ref.SharedString = true
			pos += 8
		case stringModePool:
			if err := need(4); err != nil {
				return ref, 0, err
			}
			idx := binary.LittleEndian.Uint32(data[pos:])
			pos += 4
			s, err := c.strings.Lookup(idx)
			if err != nil {
				return ref, 0, err
			}
			ref.StringValue = s
		default:
			return ref, 0, &FormatError{fmt.Sprintf("bad string mode %d", mode)}
		}

	case RefLoader:
		if err := need(1); err != nil {
			return ref, 0, err
		}
		ref.LoaderID = data[pos]
		pos++

	case RefSharedEntity:
		if err := need(8); err != nil {
			return ref, 0, err
		}
		ref.SharedOffset = binary.LittleEndian.Uint64(data[pos:])
		pos += 8

	case RefNamedEntity:
		if err := need(8); err != nil {
			return ref, 0, err
		}
		nameIdx := binary.LittleEndian.Uint32(data[pos:])
		ctxIdx := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		name, err := c.strings.Lookup(nameIdx)
		if err != nil {
			return ref, 0, err
		}
		ctx, err := c.strings.Lookup(ctxIdx)
		if err != nil {
			return ref, 0, err
		}
		ref.Name = name
		ref.Context = ctx

	default:
		return ref, 0, fmt.Errorf("%w: tag %d", ErrUnsupportedReference, uint8(ref.Tag))
	}
	return ref, pos, nil
}

// resolveRef 在加载时解析一条外部引用
//
// preload 为 true 时容忍尚未初始化的实体（预载本身就发生在实体
// 初始化之前）。任何失败都以 ErrLookupFailure 上报，调用方把它
// 当作一次未命中处理。
func (c *symbolCodec) resolveRef(ref *ExternalReference, preload bool) error {
	switch ref.Tag {
	case RefNull, RefSentinel, RefPrimitive, RefLoader:
		// 无需解析

	case RefString:
		if ref.SharedString {
			if c.shared == nil {
				return fmt.Errorf("%w: shared string without shared region", ErrLookupFailure)
			}
			s, err := c.shared.StringAt(ref.SharedOffset)
			if err != nil {
				return fmt.Errorf("%w: shared string at %#x: %v", ErrLookupFailure, ref.SharedOffset, err)
			}
			ref.StringValue = s
		}

	case RefSharedEntity:
		if c.shared == nil {
			return fmt.Errorf("%w: shared entity without shared region", ErrLookupFailure)
		}
		h, err := c.shared.EntityAt(ref.SharedOffset)
		if err != nil {
			return fmt.Errorf("%w: shared entity at %#x: %v", ErrLookupFailure, ref.SharedOffset, err)
		}
		ref.handle = h

	case RefNamedEntity:
		if c.resolver == nil {
			return fmt.Errorf("%w: no resolver for %q", ErrLookupFailure, ref.Name)
		}
		h, err := c.resolver.ResolveEntity(ref.Name, ref.Context)
		if err != nil {
			// 定义上下文解析失败，退回默认上下文
			h, err = c.resolver.ResolveEntity(ref.Name, c.resolver.DefaultContext())
			if err != nil {
				return fmt.Errorf("%w: resolve %q: %v", ErrLookupFailure, ref.Name, err)
			}
		}
		if !h.Initialized() && !preload {
			return fmt.Errorf("%w: %q not initialized", ErrLookupFailure, ref.Name)
		}
		ref.handle = h

	default:
		return fmt.Errorf("%w: tag %d", ErrUnsupportedReference, uint8(ref.Tag))
	}
	return nil
}
