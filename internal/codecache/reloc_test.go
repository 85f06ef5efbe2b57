package codecache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func newTestEngine(routines []uint64) *relocEngine {
	table := NewAddressTable()
	table.BuildPhase(PhaseRuntime, routines)
	return &relocEngine{
		codec: &symbolCodec{strings: NewStringTable()},
		table: table,
	}
}

func TestRelocRoundTripAcrossAddressSpaces(t *testing.T) {
	// 存储进程：运行时例程落在 0x10xx
	store := newTestEngine([]uint64{0x1000, 0x1100, 0x1200})

	code := make([]byte, 48)
	for i := range code {
		code[i] = byte(i)
	}
	art := &CodeArtifact{
		Name: "demo.Main#run",
		Kind: KindCode,
		Tier: TierProfiled,
		Sections: []CodeSection{
			{Bytes: code, LoadAddress: 0x50000},
		},
		Fixups: []Fixup{
			// 调用式：目标是已知例程，经地址表中转
			{Kind: RelocCall, Section: 0, Offset: 0, Target: 0x1100, RefIndex: -1},
			// 节内相对：目标指回本节内偏移 0x20 处
			{Kind: RelocSectionRel, Section: 0, Offset: 8, Target: 0x50020, RefIndex: -1},
			// 内嵌立即数：地址表没有的诊断文本地址，退化为差量
			{Kind: RelocImmediate, Section: 0, Offset: 16, Target: 0x50010, RefIndex: -1},
		},
	}

	codeRegion, relocRegion, err := store.encode(art)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// 加载进程：同一批例程换了地址
	load := newTestEngine([]uint64{0x9000, 0x9900, 0xA200})
	decoded, err := load.decode(codeRegion, relocRegion, false, 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if len(decoded.Sections) != 1 || decoded.Sections[0].OriginalSize != 48 {
		t.Fatalf("section shape lost: %+v", decoded.Sections)
	}
	// 节字节必须是新分配的副本
	if &decoded.Sections[0].Bytes[0] == &codeRegion[0] {
		t.Error("section bytes alias the archive buffer")
	}

	// 宿主把节安装到新基址后打补丁
	decoded.Sections[0].LoadAddress = 0x70000
	if err := Relocate(decoded); err != nil {
		t.Fatalf("relocate failed: %v", err)
	}

	sec := decoded.Sections[0].Bytes
	if got := binary.LittleEndian.Uint64(sec[0:]); got != 0x9900 {
		t.Errorf("call slot = %#x, expected routine's new address 0x9900", got)
	}
	if got := binary.LittleEndian.Uint64(sec[8:]); got != 0x70020 {
		t.Errorf("section-rel slot = %#x, expected 0x70020", got)
	}
	if got := binary.LittleEndian.Uint64(sec[16:]); got != 0x70010 {
		t.Errorf("immediate delta slot = %#x, expected 0x70010", got)
	}
	// 未被修正的字节保持原样
	if sec[24] != 24 {
		t.Error("untouched bytes modified")
	}
}

func TestRelocSymbolicFixupUsesResolvedHandle(t *testing.T) {
	store := newTestEngine(nil)
	art := &CodeArtifact{
		Name: "demo.Main#call",
		Kind: KindCode,
		Tier: TierProfiled,
		Sections: []CodeSection{
			{Bytes: make([]byte, 16), LoadAddress: 0x50000},
		},
		Refs: []ExternalReference{
			{Tag: RefNamedEntity, Name: "demo.Callee", Context: "app"},
		},
		Fixups: []Fixup{
			{Kind: RelocCall, Section: 0, Offset: 0, RefIndex: 0},
		},
	}

	codeRegion, relocRegion, err := store.encode(art)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// 加载侧的字符串池来自归档文件，这里照读取路径序列化再解析
	var pool bytes.Buffer
	store.codec.strings.WriteTo(&pool)
	parsed, err := ParseStringTable(pool.Bytes(), store.codec.strings.Count())
	if err != nil {
		t.Fatalf("string table round trip: %v", err)
	}

	load := newTestEngine(nil)
	load.codec.strings = parsed
	load.codec.resolver = &testResolver{
		entities:       map[string]testHandle{"app/demo.Callee": {addr: 0x8888, init: true}},
		defaultContext: "boot",
	}
	decoded, err := load.decode(codeRegion, relocRegion, false, 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := Relocate(decoded); err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	if got := binary.LittleEndian.Uint64(decoded.Sections[0].Bytes); got != 0x8888 {
		t.Errorf("symbolic call slot = %#x, expected 0x8888", got)
	}
}

func TestRelocFunctionalTargetOutsideTable(t *testing.T) {
	store := newTestEngine([]uint64{0x1000})
	art := &CodeArtifact{
		Name: "demo.Bad#call",
		Kind: KindCode,
		Sections: []CodeSection{
			{Bytes: make([]byte, 16), LoadAddress: 0x50000},
		},
		Fixups: []Fixup{
			// 调用式重定位不允许差量退化
			{Kind: RelocCall, Section: 0, Offset: 0, Target: 0x7777, RefIndex: -1},
		},
	}
	if _, _, err := store.encode(art); !errors.Is(err, ErrLookupFailure) {
		t.Errorf("expected ErrLookupFailure, got %v", err)
	}
}

func TestRelocUnsupportedKind(t *testing.T) {
	store := newTestEngine(nil)
	art := &CodeArtifact{
		Name: "demo.Odd#fixup",
		Kind: KindCode,
		Sections: []CodeSection{
			{Bytes: make([]byte, 16)},
		},
		Fixups: []Fixup{
			{Kind: RelocKind(9), Section: 0, Offset: 0, RefIndex: -1},
		},
	}
	if _, _, err := store.encode(art); !errors.Is(err, ErrUnsupportedReference) {
		t.Errorf("expected ErrUnsupportedReference, got %v", err)
	}
}

func TestRelocSectionIndexBeyondRecordRange(t *testing.T) {
	store := newTestEngine(nil)
	// 节下标在记录里是单字节，第 257 节无法如实编码
	sections := make([]CodeSection, 257)
	for i := range sections {
		sections[i] = CodeSection{Bytes: []byte{0}}
	}
	art := &CodeArtifact{
		Name:     "demo.Wide#blob",
		Kind:     KindCode,
		Sections: sections,
		Fixups: []Fixup{
			{Kind: RelocSectionRel, Section: 256, Offset: 0, Target: 0, RefIndex: -1},
		},
	}
	if _, _, err := store.encode(art); !errors.Is(err, ErrConsistency) {
		t.Errorf("expected ErrConsistency, got %v", err)
	}
}

func TestRelocDecodeImplausibleCounts(t *testing.T) {
	load := newTestEngine(nil)
	u32 := func(vals ...uint32) []byte {
		out := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], v)
		}
		return out
	}

	// 数量字段远超区域剩余字节时必须在分配前拒绝
	tests := []struct {
		name   string
		relocs []byte
	}{
		{"reference count", u32(0xFFFFFFF0)},
		{"section count", u32(0, 0x10000000)},
		{"fixup count", u32(0, 0, 0x10000000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load.decode(nil, tt.relocs, false, 0); !errors.Is(err, ErrFormatMismatch) {
				t.Errorf("expected ErrFormatMismatch, got %v", err)
			}
		})
	}
}

func TestRelocDecodeSectionTooLarge(t *testing.T) {
	store := newTestEngine(nil)
	art := &CodeArtifact{
		Name: "demo.Big#blob",
		Kind: KindBlob,
		Sections: []CodeSection{
			{Bytes: make([]byte, 4096), LoadAddress: 0x50000},
		},
	}
	codeRegion, relocRegion, err := store.encode(art)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	load := newTestEngine(nil)
	if _, err := load.decode(codeRegion, relocRegion, false, 1024); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	// 容量足够时照常解码
	if _, err := load.decode(codeRegion, relocRegion, false, 8192); err != nil {
		t.Errorf("decode within capacity failed: %v", err)
	}
}

func TestRelocMultiSectionAlignment(t *testing.T) {
	store := newTestEngine(nil)
	art := &CodeArtifact{
		Name: "demo.Two#sections",
		Kind: KindCode,
		Sections: []CodeSection{
			{Bytes: []byte{1, 2, 3}, LoadAddress: 0x100},
			{Bytes: []byte{4, 5, 6, 7}, LoadAddress: 0x200},
		},
	}
	codeRegion, relocRegion, err := store.encode(art)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// 第二节从下一个对齐边界开始
	if len(codeRegion) != int(CodeAlignment)+4 {
		t.Errorf("code region is %d bytes, expected %d", len(codeRegion), CodeAlignment+4)
	}

	load := newTestEngine(nil)
	decoded, err := load.decode(codeRegion, relocRegion, false, 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(decoded.Sections[0].Bytes) != "\x01\x02\x03" {
		t.Error("first section bytes mismatch")
	}
	if string(decoded.Sections[1].Bytes) != "\x04\x05\x06\x07" {
		t.Error("second section bytes mismatch")
	}
	if decoded.Sections[1].LoadAddress != 0x200 {
		t.Error("original load address lost")
	}
}
