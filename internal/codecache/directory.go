// directory.go - 条目目录
//
// 对归档条目身份的有序索引：(身份哈希, 条目下标) 按哈希升序排列，
// 查找走二分 + 碰撞区段顺扫。代价 O(log n + k)，k 是同哈希碰撞
// 区段长度，哈希分布良好时期望 O(1)。

package codecache

import (
	"sort"
)

// indexRecord 排序索引的一条记录
type indexRecord struct {
	hash  uint32
	index uint32
}

// Directory 条目目录
type Directory struct {
	entries []*Entry
	index   []indexRecord // 按 hash 升序
}

// newDirectory 从条目表和排序索引构建目录
//
// index 为 nil 时就地排序生成（finalize 与测试场景）。
func newDirectory(entries []*Entry, index []indexRecord) *Directory {
	if index == nil {
		index = make([]indexRecord, len(entries))
		for i := range entries {
			index[i] = indexRecord{hash: entries[i].identityHash, index: uint32(i)}
		}
		// 比较排序；相同哈希保持条目表顺序
		sort.SliceStable(index, func(i, j int) bool {
			return index[i].hash < index[j].hash
		})
	}
	return &Directory{entries: entries, index: index}
}

// entryMatches 查找谓词
//
// 哈希命中后先验类别。非 Code 类身份即定论（仍要求 entrant，
// 失效语义对所有类别一致）。Code 类额外要求：entrant、无悬挂的
// 启动屏障、层级相符，且（最低层级，或代数相符）——最低层级
// 永不因假设失效重编译，代数在那里不构成区分。
func entryMatches(e *Entry, kind Kind, hash uint32, tier Tier, generation uint32) bool {
	if e.identityHash != hash || e.kind != kind {
		return false
	}
	if !e.Entrant() {
		return false
	}
	if kind != KindCode {
		return true
	}
	if e.BarrierPending() {
		return false
	}
	if e.tier != tier {
		return false
	}
	if tier != TierBaseline && e.generation != generation {
		return false
	}
	return true
}

// Find 在排序索引上查找
//
// 二分定位到同哈希区段后向两侧顺扫，对每个候选应用同一谓词；
// 碰撞区段内无匹配即未命中。
func (d *Directory) Find(kind Kind, hash uint32, tier Tier, generation uint32) *Entry {
	n := len(d.index)
	if n == 0 {
		return nil
	}
	// 二分到区段内任意一个命中位置
	pos := sort.Search(n, func(i int) bool { return d.index[i].hash >= hash })
	if pos == n || d.index[pos].hash != hash {
		return nil
	}
	// 向右扫过整个同哈希区段（sort.Search 给出的是最左位置，
	// 碰撞条目全部落在它右侧的连续区段里）
	for i := pos; i < n && d.index[i].hash == hash; i++ {
		e := d.entries[d.index[i].index]
		if entryMatches(e, kind, hash, tier, generation) {
			return e
		}
	}
	return nil
}

// Len 返回索引条目数
func (d *Directory) Len() int { return len(d.index) }
