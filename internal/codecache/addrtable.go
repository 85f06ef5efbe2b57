// addrtable.go - 地址表
//
// 进程内惰性构建的"已知外部例程 <-> 小整数 id"双射。机器码里内嵌的
// 外部地址在跨进程运行之间没有意义，重定位因此通过 id 中转：存储时
// 把地址映射为 id，下次运行用新建的地址表把 id 翻译回当前地址。
//
// 构建分三个幂等、可独立触发的阶段（常驻运行时例程、二级编译器
// 数据块、一级编译器数据块），各阶段追加在固定的 id 区段，无论
// 触发顺序如何 id 都保持稳定；已知例程在阶段内按固定顺序注册，
// 所以 id 跨运行也稳定。id 只相对产生它的地址表实例有效。
//
// 地址表不持久化，每个归档实例各持有一份（不做进程级单例）。

package codecache

import (
	"fmt"
)

// AddressPhase 地址表构建阶段
type AddressPhase int

const (
	PhaseRuntime AddressPhase = iota // 常驻运行时例程
	PhaseTier2                       // 二级编译器数据块
	PhaseTier1                       // 一级编译器数据块
	phaseCount
)

// String 返回阶段名称
func (p AddressPhase) String() string {
	switch p {
	case PhaseRuntime:
		return "runtime"
	case PhaseTier2:
		return "tier2"
	case PhaseTier1:
		return "tier1"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// 各阶段的固定 id 区段
const (
	phaseRuntimeBase uint32 = 0
	phaseRuntimeCap  uint32 = 512
	phaseTier2Base   uint32 = 512
	phaseTier2Cap    uint32 = 256
	phaseTier1Base   uint32 = 768
	phaseTier1Cap    uint32 = 256

	// StringRegistryBase 诊断字符串注册区的起始 id，
	// 叠在例程 id 空间之上的固定偏移
	StringRegistryBase uint32 = 1024

	addressTableCap = int(StringRegistryBase)
)

// phaseRegion 返回阶段的 id 区段
func phaseRegion(p AddressPhase) (base, cap uint32) {
	switch p {
	case PhaseRuntime:
		return phaseRuntimeBase, phaseRuntimeCap
	case PhaseTier2:
		return phaseTier2Base, phaseTier2Cap
	case PhaseTier1:
		return phaseTier1Base, phaseTier1Cap
	}
	return 0, 0
}

// AddressTable 地址表
type AddressTable struct {
	addrOf  []uint64 // id -> 地址，固定区段布局
	present []bool   // id 是否已注册
	idOf    map[uint64]uint32
	built   [phaseCount]bool

	// 会话内诊断字符串注册区，只用于代码里内嵌的诊断文本
	strings   []string
	stringIdx map[string]uint32
}

// NewAddressTable 创建空地址表
func NewAddressTable() *AddressTable {
	return &AddressTable{
		addrOf:    make([]uint64, addressTableCap),
		present:   make([]bool, addressTableCap),
		idOf:      make(map[uint64]uint32, 256),
		stringIdx: make(map[string]uint32),
	}
}

// BuildPhase 构建一个阶段
//
// routines 必须是该阶段全部已知例程的地址，按固定顺序给出。
// 重复构建同一阶段是幂等空操作。
func (t *AddressTable) BuildPhase(phase AddressPhase, routines []uint64) error {
	if phase < 0 || phase >= phaseCount {
		return fmt.Errorf("codecache: invalid address table phase %d", int(phase))
	}
	if t.built[phase] {
		return nil
	}
	base, capacity := phaseRegion(phase)
	if uint32(len(routines)) > capacity {
		return fmt.Errorf("codecache: phase %s has %d routines, region holds %d",
			phase, len(routines), capacity)
	}
	for i, addr := range routines {
		id := base + uint32(i)
		t.addrOf[id] = addr
		t.present[id] = true
		if addr != 0 {
			t.idOf[addr] = id
		}
	}
	t.built[phase] = true
	return nil
}

// Built 阶段是否已构建
func (t *AddressTable) Built(phase AddressPhase) bool {
	if phase < 0 || phase >= phaseCount {
		return false
	}
	return t.built[phase]
}

// IDFor 查询地址对应的 id
func (t *AddressTable) IDFor(addr uint64) (uint32, bool) {
	id, ok := t.idOf[addr]
	return id, ok
}

// AddressOf 把 id 翻译回当前进程中的地址
//
// 未注册的 id 产生可恢复的查找失败，不允许崩溃：对应阶段可能
// 还没触发，或归档来自功能更多的旧版本。
func (t *AddressTable) AddressOf(id uint32) (uint64, error) {
	if int(id) >= addressTableCap || !t.present[id] {
		return 0, fmt.Errorf("%w: address table id %d not registered", ErrLookupFailure, id)
	}
	return t.addrOf[id], nil
}

// RegisterString 注册诊断字符串，返回叠加在例程 id 空间之上的 id
//
// 仅用于诊断文本，功能性重定位绝不使用这些 id。
func (t *AddressTable) RegisterString(s string) uint32 {
	if id, ok := t.stringIdx[s]; ok {
		return id
	}
	id := StringRegistryBase + uint32(len(t.strings))
	t.strings = append(t.strings, s)
	t.stringIdx[s] = id
	return id
}

// StringFor 按 id 取回诊断字符串
func (t *AddressTable) StringFor(id uint32) (string, bool) {
	if id < StringRegistryBase {
		return "", false
	}
	idx := id - StringRegistryBase
	if int(idx) >= len(t.strings) {
		return "", false
	}
	return t.strings[idx], true
}
