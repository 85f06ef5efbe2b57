// session.go - 归档会话
//
// 一个 Archive 就是一次归档会话，可以只读、只写或读写。写入侧维护
// 一个有界暂存区（负载字节的前向游标）和一个独立增长的条目记录
// 列表，二者只在 finalize 时合并成一个文件。每个进程恰好有一个
// 写会话，由宿主安装产物用的同一把粗锁串行化；读取方可以并发，
// 除一个在途读计数外不触碰共享可变状态。
//
// 容量/格式/文件 IO 失败会禁用整个归档，此后缓存静默降级为
// "总是重编译"，绝不中止宿主进程。

package codecache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultStagingSize 默认暂存区容量
	DefaultStagingSize = 16 * 1024 * 1024

	// wordSize 写入快路径的字宽
	wordSize = 8

	// readerDrainPoll finalize 等待在途读取排空的轮询间隔/上限
	readerDrainPoll  = time.Millisecond
	readerDrainLimit = 200
)

// Clock 单调时钟，阶段计时用，测试中可注入
type Clock interface {
	Now() time.Time
}

// systemClock 系统时钟
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options 会话打开配置
type Options struct {
	// Path 归档文件路径
	Path string

	// ReadEnabled / WriteEnabled 读写开关
	ReadEnabled  bool
	WriteEnabled bool

	// StagingSize 暂存区容量，0 取 DefaultStagingSize
	StagingSize uint32

	// MaxLoadSectionSize 加载时接纳的单节上限，0 表示不限
	MaxLoadSectionSize uint32

	// PreloadEnabled 是否执行预载
	PreloadEnabled bool

	// PreloadExclude 预载排除的产物名
	PreloadExclude []string

	// Resolver 按名实体解析器（宿主对象模型）
	Resolver Resolver

	// SharedRegion 共享区访问（可为 nil）
	SharedRegion SharedRegion

	// Logger 结构化日志，nil 时静默
	Logger *zap.Logger

	// Clock 单调时钟，nil 取系统时钟
	Clock Clock
}

// Stats 会话统计
type Stats struct {
	Stored      uint64 // 暂存成功的产物数
	StoredBytes uint64 // 暂存的负载字节数
	StoreFailed uint64 // 暂存失败（回滚）的产物数
	Hits        uint64 // 查找命中
	Misses      uint64 // 查找未命中
	Loads       uint64 // 加载成功的产物数
	LoadFailed  uint64 // 加载失败（按未命中处理）的产物数
	Invalidated uint64 // 经会话失效的条目数（含后继链头）
}

// Archive 归档会话
type Archive struct {
	log   *zap.Logger
	opts  Options
	clock Clock

	// 会话级查找表，不做进程级单例，测试可并开多个实例
	strings *StringTable
	addrs   *AddressTable
	codec   *symbolCodec
	reloc   *relocEngine

	// 写入侧（mu 为宿主安装粗锁在本包内的对应物）
	mu      sync.Mutex
	staging []byte
	cursor  uint32
	staged  []*Entry

	// 读取侧
	mapped  *mappedFile
	payload []byte // 映射文件中的负载区视图
	loaded  []*Entry
	dir     *Directory
	preload []uint32 // 预载索引（加载到的条目下标，暂存顺序）
	info    ArchiveInfo

	disabled  atomic.Bool // 容量/格式/IO 失败后整库禁用
	finalized atomic.Bool
	closed    atomic.Bool
	readers   atomic.Int32

	stored      atomic.Uint64
	storedBytes atomic.Uint64
	storeFailed atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	loads       atomic.Uint64
	loadFailed  atomic.Uint64
	invalidated atomic.Uint64
}

// Open 打开归档会话
//
// 读取失败不是致命错误：返回的会话仍然可用，只是读取侧被禁用、
// 所有查找都未命中（降级为总是重编译），错误同时返回供宿主记录。
func Open(opts Options) (*Archive, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.StagingSize == 0 {
		opts.StagingSize = DefaultStagingSize
	}

	a := &Archive{
		log:     opts.Logger.Named("codecache"),
		opts:    opts,
		clock:   opts.Clock,
		strings: NewStringTable(),
		addrs:   NewAddressTable(),
	}
	a.codec = &symbolCodec{strings: a.strings, shared: opts.SharedRegion, resolver: opts.Resolver}
	a.reloc = &relocEngine{codec: a.codec, table: a.addrs}
	a.dir = newDirectory(nil, nil)

	if opts.WriteEnabled {
		a.staging = make([]byte, opts.StagingSize)
	}

	if opts.ReadEnabled {
		start := a.clock.Now()
		if err := a.loadArchive(); err != nil {
			// 整库废弃：版本不符、文件损坏或 IO 失败
			a.disableReadSide()
			a.log.Warn("archive discarded",
				zap.String("path", opts.Path), zap.Error(err))
			return a, err
		}
		a.log.Info("archive loaded",
			zap.String("path", opts.Path),
			zap.Int("entries", len(a.loaded)),
			zap.Duration("elapsed", a.clock.Now().Sub(start)))
	}

	return a, nil
}

// AddressTable 返回会话的地址表（宿主负责触发各构建阶段）
func (a *Archive) AddressTable() *AddressTable { return a.addrs }

// Info 返回已加载归档的头部概要（未加载时为零值）
func (a *Archive) Info() ArchiveInfo { return a.info }

// Disabled 归档是否已被禁用
func (a *Archive) Disabled() bool { return a.disabled.Load() }

// Disable 手动禁用归档，宿主的故障兜底开关
//
// 和内部的容量/格式/IO 升级走同一条路径：此后查找全部未命中，
// 定稿如实报告失败，进程照常运行。
func (a *Archive) Disable(reason string) { a.disable(reason) }

// Invalidate 使条目及其后继链失效
//
// Entry.Invalidate 的会话级包装，额外维护失效计数。
func (a *Archive) Invalidate(e *Entry) {
	if e == nil || !e.Entrant() {
		return
	}
	e.Invalidate()
	a.invalidated.Inc()
}

// disableReadSide 废弃已加载的内容，后续查找全部未命中
func (a *Archive) disableReadSide() {
	a.loaded = nil
	a.dir = newDirectory(nil, nil)
	a.preload = nil
	a.disabled.Store(true)
}

// disable 永久禁用整个归档
func (a *Archive) disable(reason string) {
	if a.disabled.CAS(false, true) {
		a.log.Warn("archive disabled", zap.String("reason", reason))
	}
}

// ============================================================================
// 暂存区原语
// ============================================================================

// WriteBytes 向暂存区写入字节
//
// 返回写入的字节数；容量不足返回 0 并永久禁用会话（此前暂存的
// 产物保持完好，finalize 仍会如实报告失败）。源和目的都按字对齐
// 时走逐字快路径，否则逐字节复制。
func (a *Archive) WriteBytes(buf []byte) uint32 {
	if a.disabled.Load() {
		return 0
	}
	n := uint32(len(buf))
	if uint64(a.cursor)+uint64(n) > uint64(len(a.staging)) {
		a.disable(fmt.Sprintf("staging overflow: need %d at %d, capacity %d",
			n, a.cursor, len(a.staging)))
		return 0
	}
	dst := a.staging[a.cursor:]
	if a.cursor%wordSize == 0 && n >= wordSize {
		// 逐字快路径，尾部零头逐字节
		words := n &^ (wordSize - 1)
		for i := uint32(0); i < words; i += wordSize {
			binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(buf[i:]))
		}
		for i := words; i < n; i++ {
			dst[i] = buf[i]
		}
	} else {
		for i := uint32(0); i < n; i++ {
			dst[i] = buf[i]
		}
	}
	a.cursor += n
	return n
}

// Align 把游标填充到 CodeAlignment 边界
//
// 装载后的代码必须落在架构安全的边界上。
func (a *Archive) Align() bool {
	aligned := AlignUp(a.cursor, CodeAlignment)
	if uint64(aligned) > uint64(len(a.staging)) {
		a.disable("staging overflow on align")
		return false
	}
	for i := a.cursor; i < aligned; i++ {
		a.staging[i] = 0
	}
	a.cursor = aligned
	return true
}

// Reposition 把游标回滚到产物起点
//
// 序列化中途遇到可恢复失败（如不支持的引用）时使用，只丢弃
// 当前产物，不影响会话。
func (a *Archive) Reposition(pos uint32) {
	if pos <= a.cursor {
		a.cursor = pos
	}
}

// Cursor 返回当前游标位置
func (a *Archive) Cursor() uint32 { return a.cursor }

// ============================================================================
// 在途读计数
// ============================================================================

// beginRead 进入读路径，会话已 finalize/关闭时拒绝
func (a *Archive) beginRead() bool {
	if a.finalized.Load() || a.closed.Load() {
		return false
	}
	a.readers.Inc()
	// finalize 和本次自增之间存在窗口，复查一次
	if a.finalized.Load() || a.closed.Load() {
		a.readers.Dec()
		return false
	}
	return true
}

func (a *Archive) endRead() {
	a.readers.Dec()
}

// drainReaders 有界轮询等待在途读取排空
func (a *Archive) drainReaders() {
	for i := 0; i < readerDrainLimit; i++ {
		if a.readers.Load() == 0 {
			return
		}
		time.Sleep(readerDrainPoll)
	}
	a.log.Warn("readers did not drain", zap.Int32("inflight", a.readers.Load()))
}

// ============================================================================
// 查找与加载
// ============================================================================

// Find 按 (类别, 身份哈希, 层级, 代数) 查找条目
//
// 未命中返回 nil。禁用的归档对所有查找一律未命中。
func (a *Archive) Find(kind Kind, identityHash uint32, tier Tier, generation uint32) *Entry {
	if a.disabled.Load() || !a.beginRead() {
		a.misses.Inc()
		return nil
	}
	defer a.endRead()

	if e := a.dir.Find(kind, identityHash, tier, generation); e != nil {
		a.hits.Inc()
		return e
	}

	// 本次会话新暂存的条目不在排序索引里，顺扫
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.staged {
		if entryMatches(e, kind, identityHash, tier, generation) {
			a.hits.Inc()
			return e
		}
	}
	a.misses.Inc()
	return nil
}

// FindByName 按规范名查找，Find 的便捷包装
func (a *Archive) FindByName(kind Kind, name string, tier Tier, generation uint32) *Entry {
	return a.Find(kind, IdentityHash(name), tier, generation)
}

// Load 从条目重建产物并完成重定位翻译
//
// 任何失败只波及该条目，按未命中上报；宿主照常重编译。
func (a *Archive) Load(e *Entry) (*CodeArtifact, error) {
	return a.load(e, false)
}

func (a *Archive) load(e *Entry, preload bool) (*CodeArtifact, error) {
	if a.disabled.Load() || !a.beginRead() {
		return nil, fmt.Errorf("%w: archive disabled", ErrLookupFailure)
	}
	defer a.endRead()

	block, err := a.payloadBlock(e)
	if err != nil {
		a.loadFailed.Inc()
		return nil, err
	}

	// 一致性自检：存储的名称必须重新哈希回身份哈希
	name := block[e.nameOffset : e.nameOffset+e.nameSize-1] // 去掉 NUL
	if IdentityHash(string(name)) != e.identityHash {
		a.loadFailed.Inc()
		return nil, fmt.Errorf("%w: stored name %q does not hash to %#x",
			ErrConsistency, name, e.identityHash)
	}

	code := block[e.codeOffset : e.codeOffset+e.codeSize]
	relocs := block[e.relocOffset : e.relocOffset+e.relocSize]

	art, err := a.reloc.decode(code, relocs, preload, a.opts.MaxLoadSectionSize)
	if err != nil {
		a.loadFailed.Inc()
		return nil, err
	}
	art.Name = string(name)
	art.Kind = e.kind
	art.Tier = e.tier
	art.Generation = e.generation
	art.PreloadEligible = e.preloadEligible
	a.loads.Inc()
	return art, nil
}

// payloadBlock 取条目的负载字节视图
//
// 暂存来源直接按条目自带的 offset/size 切片：条目发布时其负载字节
// 已经写完且永不移动，这里不读共享的活动游标，读取方才能和写入方
// 并发。
func (a *Archive) payloadBlock(e *Entry) ([]byte, error) {
	var src []byte
	switch e.origin {
	case OriginStaged:
		src = a.staging
	case OriginLoaded:
		src = a.payload
	}
	end := uint64(e.offset) + uint64(e.size)
	if end > uint64(len(src)) {
		return nil, &FormatError{"entry payload out of range"}
	}
	if e.nameSize == 0 ||
		uint64(e.nameOffset)+uint64(e.nameSize) > uint64(e.size) ||
		uint64(e.codeOffset)+uint64(e.codeSize) > uint64(e.size) ||
		uint64(e.relocOffset)+uint64(e.relocSize) > uint64(e.size) {
		return nil, &FormatError{"entry sub-regions out of range"}
	}
	return src[e.offset:end], nil
}

// Preload 遍历预载索引，把可预载条目交给宿主提前安装
//
// 只访问 entrant 且可预载的条目，按暂存顺序；配置排除名单中的
// 产物跳过。单个条目的失败跳过该条目，不影响其余。
func (a *Archive) Preload(install func(*Entry, *CodeArtifact) error) {
	if !a.opts.PreloadEnabled || a.disabled.Load() {
		return
	}
	excluded := make(map[string]bool, len(a.opts.PreloadExclude))
	for _, name := range a.opts.PreloadExclude {
		excluded[name] = true
	}

	for _, idx := range a.preload {
		if int(idx) >= len(a.loaded) {
			continue
		}
		e := a.loaded[idx]
		if !e.Entrant() || !e.preloadEligible || excluded[e.name] {
			continue
		}
		art, err := a.load(e, true)
		if err != nil {
			a.log.Debug("preload skipped", zap.String("name", e.name), zap.Error(err))
			continue
		}
		if err := install(e, art); err != nil {
			a.log.Debug("preload install failed", zap.String("name", e.name), zap.Error(err))
			continue
		}
		e.MarkPreloaded()
	}
}

// Stats 返回统计快照
func (a *Archive) Stats() Stats {
	return Stats{
		Stored:      a.stored.Load(),
		StoredBytes: a.storedBytes.Load(),
		StoreFailed: a.storeFailed.Load(),
		Hits:        a.hits.Load(),
		Misses:      a.misses.Load(),
		Loads:       a.loads.Load(),
		LoadFailed:  a.loadFailed.Load(),
		Invalidated: a.invalidated.Load(),
	}
}

// Entries 返回全部条目（先加载的，后暂存的），检视工具用
func (a *Archive) Entries() []*Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Entry, 0, len(a.loaded)+len(a.staged))
	out = append(out, a.loaded...)
	out = append(out, a.staged...)
	return out
}

// Close 关闭会话
//
// 写会话先 finalize（至多一次），然后释放映射缓冲。
func (a *Archive) Close() error {
	if !a.closed.CAS(false, true) {
		return nil
	}
	var errs error
	if a.opts.WriteEnabled && !a.finalized.Load() {
		if _, err := a.Finalize(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	a.drainReaders()
	if a.mapped != nil {
		errs = multierr.Append(errs, a.mapped.Close())
		a.mapped = nil
		a.payload = nil
	}
	s := a.Stats()
	a.log.Info("archive session closed",
		zap.Uint64("stored", s.Stored),
		zap.Uint64("hits", s.Hits),
		zap.Uint64("misses", s.Misses),
		zap.Uint64("loads", s.Loads))
	return errs
}
