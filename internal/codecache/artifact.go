// artifact.go - 编译产物模型
//
// 编译器流水线交给缓存的是一个完整的 CodeArtifact：若干代码节、
// 外部地址修正（fixup）以及符号引用辅助数据。缓存不关心字节的
// 语义，只负责按格式存取并在加载时完成重定位。

package codecache

// CodeSection 一个代码节
type CodeSection struct {
	// Bytes 节内容。存储时为编译器产出的机器码；
	// 加载时由缓存复制到新分配的存储中。
	Bytes []byte

	// LoadAddress 节的装载地址。存储时是原始装载地址（用于计算
	// 地址差量）；加载后由宿主在安装前改写为新的基址，
	// 节内相对重定位以它为基准。
	LoadAddress uint64

	// OriginalSize 原始大小，加载时用于校验节是否仍装得下
	OriginalSize uint32
}

// Fixup 一处外部地址修正
type Fixup struct {
	// Kind 重定位类别
	Kind RelocKind

	// Section 所在节的下标
	Section int

	// Offset 节内偏移
	Offset uint32

	// Target 外部地址。存储时为当前进程中的外部地址；
	// 加载后被翻译为新进程中的地址。
	Target uint64

	// RefIndex 指向产物 Refs 的辅助解析数据下标，-1 表示无
	RefIndex int

	// Delta 为 true 时 Target 是相对所在节装载地址的差量，
	// 而不是绝对地址。只用于诊断性文本，见重定位引擎。
	Delta bool
}

// CodeArtifact 一个待缓存/已加载的编译产物
type CodeArtifact struct {
	// Name 产物规范名，身份哈希的来源
	Name string

	// Kind 产物类别
	Kind Kind

	// Tier 产出该产物的优化层级
	Tier Tier

	// Generation 重编译代数（该身份因假设失效被重编译的次数）
	Generation uint32

	// PreloadEligible 是否可参与预载
	PreloadEligible bool

	// Sections 代码节
	Sections []CodeSection

	// Fixups 外部地址修正
	Fixups []Fixup

	// Refs 符号引用辅助数据，由 Fixup.RefIndex 索引
	Refs []ExternalReference
}
