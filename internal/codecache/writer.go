// writer.go - 产物存储流水线
//
// 编译器流水线提交一个产物：依次写入名称区、代码区、重定位区，
// 然后登记条目。序列化中途的可恢复失败（不支持的引用、无法映射
// 的地址）把游标回滚到产物起点，只丢弃该产物；容量耗尽则永久
// 禁用会话，此前的产物保持完好。

package codecache

import (
	"fmt"

	"go.uber.org/zap"
)

// Store 暂存一个编译产物，返回新建条目
func (a *Archive) Store(art *CodeArtifact) (*Entry, error) {
	if !a.opts.WriteEnabled {
		return nil, fmt.Errorf("codecache: session not opened for writing")
	}
	if a.finalized.Load() {
		return nil, fmt.Errorf("codecache: session already finalized")
	}
	if a.disabled.Load() {
		return nil, fmt.Errorf("%w", ErrCapacityExceeded)
	}
	if art.Name == "" {
		return nil, fmt.Errorf("%w: artifact has no name", ErrConsistency)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.cursor

	// 名称区
	nameBytes := append([]byte(art.Name), 0)
	if a.WriteBytes(nameBytes) == 0 {
		return nil, a.storeOverflow(art)
	}
	if !a.Align() {
		return nil, a.storeOverflow(art)
	}

	// 代码区 + 重定位区先在产物私有缓冲中编码，
	// 失败时暂存区还停留在名称区之后，回滚没有代价
	code, relocs, err := a.reloc.encode(art)
	if err != nil {
		a.Reposition(start)
		a.storeFailed.Inc()
		a.log.Debug("store rolled back",
			zap.String("name", art.Name), zap.Error(err))
		return nil, err
	}

	codeStart := a.cursor
	if len(code) > 0 && a.WriteBytes(code) == 0 {
		return nil, a.storeOverflow(art)
	}
	if !a.Align() {
		return nil, a.storeOverflow(art)
	}

	relocStart := a.cursor
	if a.WriteBytes(relocs) == 0 {
		return nil, a.storeOverflow(art)
	}
	if !a.Align() {
		return nil, a.storeOverflow(art)
	}

	e := &Entry{
		identityHash:    IdentityHash(art.Name),
		kind:            art.Kind,
		tier:            art.Tier,
		generation:      art.Generation,
		name:            art.Name,
		offset:          start,
		size:            a.cursor - start,
		nameOffset:      0,
		nameSize:        uint32(len(nameBytes)),
		codeOffset:      codeStart - start,
		codeSize:        uint32(len(code)),
		relocOffset:     relocStart - start,
		relocSize:       uint32(len(relocs)),
		origin:          OriginStaged,
		preloadEligible: art.PreloadEligible,
	}
	e.entrant.Store(true)

	// 启动屏障仍悬挂的旧产物被新产物取代时挂接后继，
	// 失效时整条链一起退役
	a.linkSuperseded(e)

	a.staged = append(a.staged, e)
	a.stored.Inc()
	a.storedBytes.Add(uint64(e.size))
	a.log.Debug("artifact staged",
		zap.String("name", art.Name),
		zap.Stringer("kind", art.Kind),
		zap.Uint8("tier", uint8(art.Tier)),
		zap.Uint32("generation", art.Generation),
		zap.Uint32("bytes", e.size))
	return e, nil
}

// storeOverflow 容量耗尽的集中处理（WriteBytes/Align 已禁用会话）
func (a *Archive) storeOverflow(art *CodeArtifact) error {
	a.storeFailed.Inc()
	a.log.Warn("staging capacity exceeded, session disabled",
		zap.String("name", art.Name))
	return fmt.Errorf("%w: storing %q", ErrCapacityExceeded, art.Name)
}

// linkSuperseded 把同身份、屏障悬挂的旧条目挂上新后继
func (a *Archive) linkSuperseded(e *Entry) {
	find := func(list []*Entry) *Entry {
		for i := len(list) - 1; i >= 0; i-- {
			prev := list[i]
			if prev.identityHash == e.identityHash &&
				prev.kind == e.kind && prev.tier == e.tier &&
				prev.BarrierPending() && prev.Successor() == nil && prev != e {
				return prev
			}
		}
		return nil
	}
	if prev := find(a.staged); prev != nil {
		prev.LinkSuccessor(e)
		return
	}
	if prev := find(a.loaded); prev != nil {
		prev.LinkSuccessor(e)
	}
}
