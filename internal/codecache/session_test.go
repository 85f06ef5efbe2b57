package codecache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock 测试用可推进时钟
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func testArchivePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache"+ArchiveFileExtension)
}

func openWriteSession(t *testing.T, path string) *Archive {
	t.Helper()
	a, err := Open(Options{Path: path, WriteEnabled: true})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return a
}

func simpleArtifact(name string, tier Tier, gen uint32) *CodeArtifact {
	code := make([]byte, 16)
	for i := range code {
		code[i] = byte(i + 1)
	}
	return &CodeArtifact{
		Name:       name,
		Kind:       KindCode,
		Tier:       tier,
		Generation: gen,
		Sections: []CodeSection{
			{Bytes: code, LoadAddress: 0x50000},
		},
	}
}

func TestStagingWriteBytes(t *testing.T) {
	a := openWriteSession(t, testArchivePath(t))
	defer a.Close()

	// 对齐起点走逐字快路径（9 字节留一个零头）
	if n := a.WriteBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}); n != 9 {
		t.Fatalf("wrote %d bytes", n)
	}
	// 非对齐游标走逐字节路径
	if n := a.WriteBytes([]byte{10, 11}); n != 2 {
		t.Fatalf("wrote %d bytes", n)
	}
	for i := 0; i < 11; i++ {
		if a.staging[i] != byte(i+1) {
			t.Fatalf("staging[%d] = %d", i, a.staging[i])
		}
	}
	if a.Cursor() != 11 {
		t.Errorf("cursor = %d", a.Cursor())
	}
}

func TestStagingAlignAndReposition(t *testing.T) {
	a := openWriteSession(t, testArchivePath(t))
	defer a.Close()

	a.WriteBytes([]byte{0xFF, 0xFF, 0xFF})
	if !a.Align() {
		t.Fatal("align failed")
	}
	if a.Cursor() != CodeAlignment {
		t.Errorf("cursor = %d, expected %d", a.Cursor(), CodeAlignment)
	}
	// 填充必须清零
	for i := uint32(3); i < CodeAlignment; i++ {
		if a.staging[i] != 0 {
			t.Errorf("padding byte %d = %d", i, a.staging[i])
		}
	}

	a.Reposition(3)
	if a.Cursor() != 3 {
		t.Errorf("cursor after reposition = %d", a.Cursor())
	}
	// 只允许回滚，不允许前跳
	a.Reposition(1000)
	if a.Cursor() != 3 {
		t.Errorf("forward reposition must be ignored, cursor = %d", a.Cursor())
	}
}

func TestStagingOverflowDisablesSession(t *testing.T) {
	path := testArchivePath(t)
	a, err := Open(Options{Path: path, WriteEnabled: true, StagingSize: 256})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// 第一个产物能放下
	if _, err := a.Store(simpleArtifact("demo.Small#fn", TierProfiled, 0)); err != nil {
		t.Fatalf("first store failed: %v", err)
	}

	// 第二个产物超出容量
	big := simpleArtifact("demo.Big#fn", TierProfiled, 0)
	big.Sections[0].Bytes = make([]byte, 512)
	if _, err := a.Store(big); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if !a.Disabled() {
		t.Error("session must be permanently disabled after overflow")
	}

	// 禁用后继续 Store 也是容量错误
	if _, err := a.Store(simpleArtifact("demo.Later#fn", TierProfiled, 0)); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("store after disable: %v", err)
	}

	// 定稿必须如实失败且不产出文件
	status, err := a.Finalize()
	if status != FinalizeFailed || err == nil {
		t.Errorf("finalize = %v, %v; expected failure", status, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("disabled session must not write an archive file")
	}
	a.Close()
}

func TestStoreRollbackOnUnsupportedReference(t *testing.T) {
	a := openWriteSession(t, testArchivePath(t))
	defer a.Close()

	art := simpleArtifact("demo.Odd#fn", TierProfiled, 0)
	art.Refs = []ExternalReference{{Tag: RefTag(77)}}
	art.Fixups = []Fixup{{Kind: RelocCall, Section: 0, Offset: 0, RefIndex: 0}}

	before := a.Cursor()
	if _, err := a.Store(art); !errors.Is(err, ErrUnsupportedReference) {
		t.Fatalf("expected ErrUnsupportedReference, got %v", err)
	}
	if a.Cursor() != before {
		t.Error("cursor not rolled back to artifact start")
	}
	if a.Disabled() {
		t.Error("recoverable store failure must not disable the session")
	}

	s := a.Stats()
	if s.StoreFailed != 1 || s.Stored != 0 {
		t.Errorf("stats = %+v", s)
	}

	// 会话照常接受下一个产物
	if _, err := a.Store(simpleArtifact("demo.Ok#fn", TierProfiled, 0)); err != nil {
		t.Fatalf("store after rollback failed: %v", err)
	}
}

func TestStoreValidation(t *testing.T) {
	path := testArchivePath(t)

	// 只读会话拒绝写入
	ro, err := Open(Options{Path: path, ReadEnabled: true})
	if err != nil {
		t.Fatalf("open read session: %v", err)
	}
	if _, err := ro.Store(simpleArtifact("demo.X#fn", TierProfiled, 0)); err == nil {
		t.Error("read-only session accepted a store")
	}
	ro.Close()

	// 无名产物拒收
	w := openWriteSession(t, path)
	defer w.Close()
	if _, err := w.Store(&CodeArtifact{Kind: KindCode}); !errors.Is(err, ErrConsistency) {
		t.Errorf("expected ErrConsistency for unnamed artifact, got %v", err)
	}
}

func TestFindCountsHitsAndMisses(t *testing.T) {
	a := openWriteSession(t, testArchivePath(t))
	defer a.Close()

	e, err := a.Store(simpleArtifact("demo.Main#run", TierProfiled, 0))
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	if got := a.FindByName(KindCode, "demo.Main#run", TierProfiled, 0); got != e {
		t.Error("staged entry not found")
	}
	if a.FindByName(KindCode, "demo.Other#run", TierProfiled, 0) != nil {
		t.Error("unexpected hit")
	}

	s := a.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d", s.Hits, s.Misses)
	}

	// 失效后同一把查找必须未命中
	a.Invalidate(e)
	if a.FindByName(KindCode, "demo.Main#run", TierProfiled, 0) != nil {
		t.Error("invalidated entry still found")
	}
	// 重复失效不重复计数
	a.Invalidate(e)
	if got := a.Stats().Invalidated; got != 1 {
		t.Errorf("invalidated count = %d", got)
	}
}

func TestManualDisable(t *testing.T) {
	a := openWriteSession(t, testArchivePath(t))
	if _, err := a.Store(simpleArtifact("demo.Main#run", TierProfiled, 0)); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	a.Disable("host requested shutdown of the cache")
	if !a.Disabled() {
		t.Fatal("session not disabled")
	}
	if a.FindByName(KindCode, "demo.Main#run", TierProfiled, 0) != nil {
		t.Error("disabled session must miss")
	}
	if status, err := a.Finalize(); status != FinalizeFailed || err == nil {
		t.Errorf("finalize = %v, %v; expected failure", status, err)
	}
	a.Close()
}

func TestOpenMissingFileIsFirstRun(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	a, err := Open(Options{
		Path:         testArchivePath(t),
		ReadEnabled:  true,
		WriteEnabled: true,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("missing archive must open cleanly (first run), got %v", err)
	}
	defer a.Close()
	if a.Disabled() {
		t.Error("first run must not disable the session")
	}
	if a.FindByName(KindCode, "anything", TierProfiled, 0) != nil {
		t.Error("empty session must miss")
	}
}
