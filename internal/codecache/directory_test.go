package codecache

import (
	"testing"
)

func TestDirectoryFindByTierAndGeneration(t *testing.T) {
	e1 := newTestEntry("demo.Main#run", KindCode, TierProfiled, 0)
	e2 := newTestEntry("demo.Main#run", KindCode, TierProfiled, 1)
	e3 := newTestEntry("demo.Main#run", KindCode, TierOptimized, 0)
	dir := newDirectory([]*Entry{e1, e2, e3}, nil)

	hash := IdentityHash("demo.Main#run")
	tests := []struct {
		name string
		tier Tier
		gen  uint32
		want *Entry
	}{
		{"profiled gen 0", TierProfiled, 0, e1},
		{"profiled gen 1", TierProfiled, 1, e2},
		{"optimized gen 0", TierOptimized, 0, e3},
		{"profiled gen 2 miss", TierProfiled, 2, nil},
		{"baseline miss", TierBaseline, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dir.Find(KindCode, hash, tt.tier, tt.gen); got != tt.want {
				t.Errorf("Find = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestDirectoryBaselineIgnoresGeneration(t *testing.T) {
	// 最低层级永不因假设失效重编译，代数不参与区分
	e := newTestEntry("demo.Cold#init", KindCode, TierBaseline, 0)
	dir := newDirectory([]*Entry{e}, nil)

	hash := IdentityHash("demo.Cold#init")
	for _, gen := range []uint32{0, 1, 42} {
		if dir.Find(KindCode, hash, TierBaseline, gen) != e {
			t.Errorf("baseline lookup with generation %d missed", gen)
		}
	}
}

func TestDirectoryNonCodeKindIdentityDefinitive(t *testing.T) {
	e := newTestEntry("stub.arraycopy", KindStub, TierProfiled, 3)
	dir := newDirectory([]*Entry{e}, nil)

	// 非 Code 类别不看层级与代数
	hash := IdentityHash("stub.arraycopy")
	if dir.Find(KindStub, hash, TierOptimized, 99) != e {
		t.Error("stub lookup must ignore tier and generation")
	}
	if dir.Find(KindCode, hash, TierProfiled, 3) != nil {
		t.Error("kind mismatch must miss")
	}
}

func TestDirectoryHashCollisions(t *testing.T) {
	// 人为制造同哈希区段：三个条目用同一个身份哈希
	mk := func(name string, tier Tier) *Entry {
		e := newTestEntry(name, KindCode, tier, 0)
		e.identityHash = 0xDEADBEEF
		return e
	}
	e1 := mk("a", TierBaseline)
	e2 := mk("b", TierProfiled)
	e3 := mk("c", TierOptimized)
	other := newTestEntry("unrelated", KindCode, TierBaseline, 0)
	dir := newDirectory([]*Entry{other, e1, e2, e3}, nil)

	if dir.Find(KindCode, 0xDEADBEEF, TierProfiled, 0) != e2 {
		t.Error("collision scan failed to find the matching candidate")
	}
	if dir.Find(KindCode, 0xDEADBEEF, TierOptimized, 7) != nil {
		t.Error("no candidate satisfies the predicate, must miss")
	}
}

func TestDirectorySkipsNonEntrantAndBarrier(t *testing.T) {
	stale := newTestEntry("demo.Main#run", KindCode, TierProfiled, 0)
	stale.Invalidate()
	gated := newTestEntry("demo.Main#run", KindCode, TierProfiled, 0)
	gated.MarkBarrierPending()
	live := newTestEntry("demo.Main#run", KindCode, TierProfiled, 0)
	dir := newDirectory([]*Entry{stale, gated, live}, nil)

	hash := IdentityHash("demo.Main#run")
	if got := dir.Find(KindCode, hash, TierProfiled, 0); got != live {
		t.Errorf("lookup returned %v, expected the live entry", got)
	}

	live.Invalidate()
	if dir.Find(KindCode, hash, TierProfiled, 0) != nil {
		t.Error("all candidates filtered, must miss")
	}
}

func TestDirectoryEmpty(t *testing.T) {
	dir := newDirectory(nil, nil)
	if dir.Find(KindCode, 123, TierProfiled, 0) != nil {
		t.Error("empty directory must always miss")
	}
	if dir.Len() != 0 {
		t.Errorf("Len = %d", dir.Len())
	}
}
