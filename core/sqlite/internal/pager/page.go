package pager

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// Pgno is a 1-based page number. Page 0 does not exist.
type Pgno uint32

// pageState tracks a cached page through a write transaction.
type pageState uint8

const (
	// stateClean pages match the file.
	stateClean pageState = iota
	// stateDirty pages differ from the file and are written at commit.
	stateDirty
)

// DbPage is a cached page. Data always holds decoded plaintext; the codec
// runs only when a page crosses the file boundary.
type DbPage struct {
	Pgno Pgno
	Data []byte

	state pageState
	// journaled is set once the original image of this transaction is in
	// the journal.
	journaled bool
	refs      atomic.Int64

	mu sync.RWMutex
}

// NewDbPage returns a zeroed clean page holding one reference.
func NewDbPage(pgno Pgno, pageSize int) *DbPage {
	p := &DbPage{Pgno: pgno, Data: make([]byte, pageSize)}
	p.refs.Store(1)
	return p
}

func (p *DbPage) IsDirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == stateDirty
}

func (p *DbPage) IsClean() bool { return !p.IsDirty() }

// IsWriteable reports whether the page is journaled and may be changed.
func (p *DbPage) IsWriteable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.journaled
}

func (p *DbPage) MakeDirty() {
	p.mu.Lock()
	p.state = stateDirty
	p.mu.Unlock()
}

// MakeClean marks the page as matching the file and ends its journaled
// state.
func (p *DbPage) MakeClean() {
	p.mu.Lock()
	p.state, p.journaled = stateClean, false
	p.mu.Unlock()
}

func (p *DbPage) MakeWriteable() {
	p.mu.Lock()
	p.journaled = true
	p.mu.Unlock()
}

func (p *DbPage) Ref() { p.refs.Add(1) }

// Unref drops a reference. The count never goes below zero.
func (p *DbPage) Unref() {
	for {
		n := p.refs.Load()
		if n <= 0 || p.refs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (p *DbPage) GetRefCount() int64 { return p.refs.Load() }

// Write copies data into the page at offset and marks it dirty. Pass the
// page to Pager.Write first so its original image is journaled.
func (p *DbPage) Write(offset int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset+len(data) > len(p.Data) {
		return ErrInvalidOffset
	}
	copy(p.Data[offset:], data)
	p.state = stateDirty
	return nil
}

// Read returns a copy of length bytes at offset.
func (p *DbPage) Read(offset, length int) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if offset < 0 || length < 0 || offset+length > len(p.Data) {
		return nil, ErrInvalidOffset
	}
	return slices.Clone(p.Data[offset : offset+length]), nil
}

func (p *DbPage) Size() int { return len(p.Data) }

// wipe zeroes the plaintext before the page is dropped.
func (p *DbPage) wipe() {
	p.mu.Lock()
	memguard.WipeBytes(p.Data)
	p.mu.Unlock()
}

// PageCache holds decoded pages. maxPages is a soft limit: clean pages
// nobody references are evicted to stay under it, dirty pages never are.
type PageCache struct {
	pages    map[Pgno]*DbPage
	dirty    map[Pgno]*DbPage
	maxPages int
	pageSize int

	mu sync.RWMutex
}

func NewPageCache(pageSize, maxPages int) *PageCache {
	return &PageCache{
		pages:    make(map[Pgno]*DbPage),
		dirty:    make(map[Pgno]*DbPage),
		maxPages: maxPages,
		pageSize: pageSize,
	}
}

// Get returns the cached page or nil.
func (c *PageCache) Get(pgno Pgno) *DbPage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pages[pgno]
}

// Put caches page, evicting one clean page first when full.
func (c *PageCache) Put(page *DbPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pages) >= c.maxPages {
		c.evictCleanPages(1)
	}
	c.pages[page.Pgno] = page
	if page.IsDirty() {
		c.dirty[page.Pgno] = page
	}
}

// MarkDirty marks a cached page dirty so commit writes it.
func (c *PageCache) MarkDirty(page *DbPage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page.MakeDirty()
	c.dirty[page.Pgno] = page
}

// Remove drops a page and wipes it.
func (c *PageCache) Remove(pgno Pgno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page, ok := c.pages[pgno]; ok {
		delete(c.pages, pgno)
		delete(c.dirty, pgno)
		page.wipe()
	}
}

// Clear drops and wipes every page.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, page := range c.pages {
		page.wipe()
	}
	clear(c.pages)
	clear(c.dirty)
}

// GetDirtyPages returns the dirty pages in ascending page order.
func (c *PageCache) GetDirtyPages() []*DbPage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*DbPage, 0, len(c.dirty))
	for _, pgno := range slices.Sorted(maps.Keys(c.dirty)) {
		out = append(out, c.dirty[pgno])
	}
	return out
}

// MakeClean marks every page clean after a commit.
func (c *PageCache) MakeClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, page := range c.pages {
		page.MakeClean()
	}
	clear(c.dirty)
}

func (c *PageCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

// evictCleanPages evicts up to n clean unreferenced pages. Caller holds
// c.mu.
func (c *PageCache) evictCleanPages(n int) int {
	evicted := 0
	for pgno, page := range c.pages {
		if evicted >= n {
			break
		}
		if _, dirty := c.dirty[pgno]; !dirty && page.IsClean() && page.GetRefCount() == 0 {
			delete(c.pages, pgno)
			page.wipe()
			evicted++
		}
	}
	return evicted
}
