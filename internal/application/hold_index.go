package application

import (
	"container/heap"
	"sync"
	"time"
)

// indexEntry は期限インデックスの1要素
type indexEntry struct {
	holdID    string
	expiresAt time.Time
	pos       int
}

// entryHeap は expires_at 昇順のmin-heap
type entryHeap []*indexEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].pos = i; h[j].pos = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*indexEntry); e.pos = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// HoldIndex はアクティブなホールドの期限インデックス
// スイーパーの走査を高速化するためのインメモリキャッシュであり、
// 正本はストア側にある（起動時に再構築できる）
type HoldIndex struct {
	mu      sync.Mutex
	entries entryHeap
	byID    map[string]*indexEntry
}

// NewHoldIndex は空の期限インデックスを作成する
func NewHoldIndex() *HoldIndex {
	return &HoldIndex{byID: make(map[string]*indexEntry)}
}

// Add はホールドをインデックスに登録する
// 既に登録済みの場合は期限を更新する
func (idx *HoldIndex) Add(holdID string, expiresAt time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e, ok := idx.byID[holdID]; ok {
		e.expiresAt = expiresAt
		heap.Fix(&idx.entries, e.pos)
		return
	}
	e := &indexEntry{holdID: holdID, expiresAt: expiresAt}
	heap.Push(&idx.entries, e)
	idx.byID[holdID] = e
}

// Remove はホールドをインデックスから除去する
func (idx *HoldIndex) Remove(holdID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.byID[holdID]
	if !ok {
		return
	}
	heap.Remove(&idx.entries, e.pos)
	delete(idx.byID, holdID)
}

// PopExpired は期限が now 以前のホールドIDを取り出して返す
func (idx *HoldIndex) PopExpired(now time.Time) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var expired []string
	for idx.entries.Len() > 0 {
		head := idx.entries[0]
		if head.expiresAt.After(now) {
			break
		}
		heap.Pop(&idx.entries)
		delete(idx.byID, head.holdID)
		expired = append(expired, head.holdID)
	}
	return expired
}

// Len は登録中のホールド数を返す
func (idx *HoldIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.entries.Len()
}

// Reset はインデックスを空にする（再構築用）
func (idx *HoldIndex) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = nil
	idx.byID = make(map[string]*indexEntry)
}
