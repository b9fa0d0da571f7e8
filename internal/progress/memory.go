package progress

import (
	"context"
	"sync"
)

type entry struct {
	mu         sync.Mutex
	upload     *float64
	conversion *int
}

// MemoryRegistry はプロセス内メモリに進捗を保持する Registry です。
// マップ自体は RWMutex で、各キーのエントリは個別の Mutex で保護します。
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemoryRegistry は空の MemoryRegistry を作成します。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*entry)}
}

func (r *MemoryRegistry) lookup(key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

func (r *MemoryRegistry) getOrCreate(key string) *entry {
	if e, ok := r.lookup(key); ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

func (r *MemoryRegistry) StartUpload(ctx context.Context, key string) error {
	e := r.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	zero := 0.0
	e.upload = &zero
	return nil
}

func (r *MemoryRegistry) SetUpload(ctx context.Context, key string, pct float64) error {
	pct = clampPercent(pct)
	e := r.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upload != nil && *e.upload >= pct {
		return nil
	}
	e.upload = &pct
	return nil
}

func (r *MemoryRegistry) Upload(ctx context.Context, key string) (float64, error) {
	e, ok := r.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upload == nil {
		return 0, ErrNotFound
	}
	return *e.upload, nil
}

func (r *MemoryRegistry) StartConversion(ctx context.Context, key string) error {
	e := r.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	v := ConversionQueued
	e.conversion = &v
	return nil
}

func (r *MemoryRegistry) SetConversion(ctx context.Context, key string, pct int) error {
	e := r.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nextConversion(e.conversion, pct); err != nil {
		return err
	}
	e.conversion = &pct
	return nil
}

func (r *MemoryRegistry) Conversion(ctx context.Context, key string) (int, error) {
	e, ok := r.lookup(key)
	if !ok {
		return 0, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conversion == nil {
		return 0, ErrNotFound
	}
	return *e.conversion, nil
}
