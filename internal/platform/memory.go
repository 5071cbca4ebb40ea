package platform

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryArea は共有ストレージ領域のインメモリ実装。
// 同一プロセス内で複数の疑似コンテキストを動かす構成（テスト・単一プロセス運用）で使う。
type MemoryArea struct {
	mu       sync.RWMutex
	entries  map[string]string
	contexts map[*MemoryContext]struct{}
}

// NewMemoryArea は空のMemoryAreaを生成する。
func NewMemoryArea() *MemoryArea {
	return &MemoryArea{
		entries:  make(map[string]string),
		contexts: make(map[*MemoryContext]struct{}),
	}
}

// Attach は領域に新しいコンテキストを接続し、そのコンテキスト視点のStorageAreaを返す。
func (a *MemoryArea) Attach() *MemoryContext {
	mc := &MemoryContext{
		area:     a,
		watchers: make(map[int]Watcher),
	}
	a.mu.Lock()
	a.contexts[mc] = struct{}{}
	a.mu.Unlock()
	return mc
}

// Detach はコンテキストを領域から切り離す。以後そのコンテキストへの通知は行われない。
func (a *MemoryArea) Detach(mc *MemoryContext) {
	a.mu.Lock()
	delete(a.contexts, mc)
	a.mu.Unlock()
}

// notifyOthers は変更元以外の全コンテキストのウォッチャーへ変更を配送する。
// ロック解放後に同期的に呼び出す。配送順序は保証しない。
func (a *MemoryArea) notifyOthers(origin *MemoryContext, m Mutation) {
	a.mu.RLock()
	targets := make([]*MemoryContext, 0, len(a.contexts))
	for mc := range a.contexts {
		if mc != origin {
			targets = append(targets, mc)
		}
	}
	a.mu.RUnlock()

	for _, mc := range targets {
		mc.deliver(m)
	}
}

// MemoryContext は1つの疑似ブラウジングコンテキストから見た共有領域のビュー。
// 自分の書き込みは自分には通知されない。
type MemoryContext struct {
	area *MemoryArea

	mu       sync.Mutex
	watchers map[int]Watcher
	nextID   int
}

var _ StorageArea = (*MemoryContext)(nil)

// Get は指定キーの値を返す。
func (c *MemoryContext) Get(_ context.Context, key string) (string, bool, error) {
	c.area.mu.RLock()
	defer c.area.mu.RUnlock()
	v, ok := c.area.entries[key]
	return v, ok, nil
}

// Set は指定キーに値を書き込み、他コンテキストへ通知する。
func (c *MemoryContext) Set(_ context.Context, key, value string) error {
	c.area.mu.Lock()
	c.area.entries[key] = value
	c.area.mu.Unlock()

	c.area.notifyOthers(c, Mutation{Key: key, Value: value})
	return nil
}

// Remove は指定キーを削除し、他コンテキストへ通知する。
func (c *MemoryContext) Remove(_ context.Context, key string) error {
	c.area.mu.Lock()
	_, existed := c.area.entries[key]
	delete(c.area.entries, key)
	c.area.mu.Unlock()

	if existed {
		c.area.notifyOthers(c, Mutation{Key: key, Removed: true})
	}
	return nil
}

// Keys は指定プレフィックスに一致するキーをソート順で返す。
func (c *MemoryContext) Keys(_ context.Context, prefix string) ([]string, error) {
	c.area.mu.RLock()
	defer c.area.mu.RUnlock()

	var keys []string
	for k := range c.area.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch は他コンテキストの変更監視を開始する。
func (c *MemoryContext) Watch(w Watcher) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = w
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// deliver は登録済みウォッチャーへ変更を配送する。
func (c *MemoryContext) deliver(m Mutation) {
	c.mu.Lock()
	ws := make([]Watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()

	for _, w := range ws {
		w(m)
	}
}
