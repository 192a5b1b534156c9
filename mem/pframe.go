// Package mem implements the page-frame cache (L0 of spec.md's
// layering) that every memory object's resident pages flow through.
// It corresponds to the teacher's mem package, but instead of pinning
// physical page-table pages (this port has no MMU to program) it
// caches page-sized []byte buffers keyed by (owner, page number).
package mem

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"kcore/defs"
	"kcore/klog"
	"kcore/kmetrics"
)

// PGSIZE is the fixed page size shared by every memory object, block
// device and vmarea in the core. kconfig.Config.PageSize must agree
// with this constant; it is a const (not a var) because pagesize-
// dependent shifts are baked into vmarea math the way the teacher
// bakes PGSHIFT into vm/as.go.
const PGSIZE = 4096

var log = klog.For("mem")

// Page_t is one page-sized buffer.
type Page_t [PGSIZE]byte

// NewPage returns a freshly zeroed page.
func NewPage() *Page_t {
	return &Page_t{}
}

// Owner_i is implemented by every mmobj variant. pframe never knows
// about anon/shadow/file/blockdev concretely — it only drives the
// fill/dirty/clean contract spec.md §4.3 assigns to mmobj.
type Owner_i interface {
	// FillPage populates pf.Data for pf.Pagenum. forwrite hints that
	// the caller intends to write (used by shadow objects to decide
	// whether to copy-on-write). May block on device I/O.
	FillPage(pf *Frame_t, forwrite bool) defs.Err_t
	// DirtyPage acknowledges an intent to dirty pf (e.g. allocating
	// sparse backing storage). May block.
	DirtyPage(pf *Frame_t) defs.Err_t
	// CleanPage writes back a dirty frame. May block on device I/O.
	CleanPage(pf *Frame_t) defs.Err_t
}

// Frame_t is a cached page bound to (owner, pagenum), with dirty and
// pin metadata as spec.md §3 "Page frame" describes.
type Frame_t struct {
	mu sync.Mutex

	owner   Owner_i
	pagenum int
	Data    *Page_t

	dirty   bool
	pin     int
	cache   *Cache_t
}

// Pagenum returns the frame's page number within its owning object.
func (pf *Frame_t) Pagenum() int { return pf.pagenum }

// Dirty reports whether the frame currently holds unwritten changes.
func (pf *Frame_t) Dirty() bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.dirty
}

// Pinned reports whether the frame's pin count is nonzero.
func (pf *Frame_t) Pinned() bool {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.pin > 0
}

// Cache_t is the resident-page table for exactly one mmobj instance.
// Two Get/Lookup calls for the same pagenum always return the same
// *Frame_t (spec.md invariant 3), and at most one fill is in flight
// per pagenum at a time — enforced with singleflight the way a real
// page-in path collapses racing faulters onto one I/O.
type Cache_t struct {
	mu      sync.Mutex
	owner   Owner_i
	pages   map[int]*Frame_t
	filling singleflight.Group
	metrics *kmetrics.Registry
}

// NewCache returns an empty page cache for owner.
func NewCache(owner Owner_i) *Cache_t {
	return &Cache_t{owner: owner, pages: make(map[int]*Frame_t)}
}

// SetMetrics attaches a kmetrics.Registry that Get/Lookup report
// hit/miss counts to. Optional; nil disables metrics.
func (c *Cache_t) SetMetrics(m *kmetrics.Registry) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// Resident returns the number of pages currently cached.
func (c *Cache_t) Resident() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// ForEach calls f for every resident frame. f must not call back into
// the cache.
func (c *Cache_t) ForEach(f func(*Frame_t)) {
	c.mu.Lock()
	frames := make([]*Frame_t, 0, len(c.pages))
	for _, pf := range c.pages {
		frames = append(frames, pf)
	}
	c.mu.Unlock()
	for _, pf := range frames {
		f(pf)
	}
}

// GetResident implements pframe_get_resident: a non-allocating query.
func (c *Cache_t) GetResident(pagenum int) *Frame_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pages[pagenum]
}

// Get implements pframe_get: resolve the resident frame for pagenum,
// or allocate and fill one.
func (c *Cache_t) Get(pagenum int) (*Frame_t, defs.Err_t) {
	return c.lookup(pagenum, false)
}

// Lookup implements pframe_lookup: like Get, but forwrite hints the
// owner that the caller intends to write (shadow objects use this to
// decide whether to copy-on-write during FillPage).
func (c *Cache_t) Lookup(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	return c.lookup(pagenum, forwrite)
}

func (c *Cache_t) lookup(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	c.mu.Lock()
	if pf, ok := c.pages[pagenum]; ok {
		m := c.metrics
		c.mu.Unlock()
		if m != nil {
			m.CacheHits.Inc()
		}
		return pf, 0
	}
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.CacheMisses.Inc()
	}

	key := fmt.Sprintf("%d", pagenum)
	v, err, _ := c.filling.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if pf, ok := c.pages[pagenum]; ok {
			c.mu.Unlock()
			return pf, nil
		}
		c.mu.Unlock()

		pf := &Frame_t{owner: c.owner, pagenum: pagenum, Data: NewPage(), cache: c}
		if e := c.owner.FillPage(pf, forwrite); e != 0 {
			return nil, fillErr(e)
		}
		c.mu.Lock()
		// another racer may have inserted first; keep the single
		// canonical frame (invariant 3).
		if existing, ok := c.pages[pagenum]; ok {
			c.mu.Unlock()
			return existing, nil
		}
		c.pages[pagenum] = pf
		c.mu.Unlock()
		return pf, nil
	})
	if err != nil {
		return nil, err.(errnoErr).e
	}
	return v.(*Frame_t), 0
}

// errnoErr adapts a defs.Err_t to the error interface so singleflight
// can carry it through its (interface{}, error) signature.
type errnoErr struct{ e defs.Err_t }

func (e errnoErr) Error() string { return e.e.String() }

func fillErr(e defs.Err_t) error { return errnoErr{e} }

// Dirty implements pframe_dirty: mark pf dirty, calling DirtyPage if
// the frame was previously clean.
func (c *Cache_t) Dirty(pf *Frame_t) defs.Err_t {
	pf.mu.Lock()
	wasDirty := pf.dirty
	pf.mu.Unlock()
	if wasDirty {
		return 0
	}
	if err := c.owner.DirtyPage(pf); err != 0 {
		return err
	}
	pf.mu.Lock()
	pf.dirty = true
	pf.mu.Unlock()
	return 0
}

// Clean implements pframe_clean: write back a dirty frame.
func (c *Cache_t) Clean(pf *Frame_t) defs.Err_t {
	pf.mu.Lock()
	dirty := pf.dirty
	pf.mu.Unlock()
	if !dirty {
		return 0
	}
	if err := c.owner.CleanPage(pf); err != 0 {
		return err
	}
	pf.mu.Lock()
	pf.dirty = false
	pf.mu.Unlock()
	return 0
}

// Pin increments the frame's pin count, preventing reclamation.
func (c *Cache_t) Pin(pf *Frame_t) {
	pf.mu.Lock()
	pf.pin++
	pf.mu.Unlock()
}

// Unpin decrements the frame's pin count.
func (c *Cache_t) Unpin(pf *Frame_t) {
	pf.mu.Lock()
	if pf.pin == 0 {
		kpanicUnpin()
	}
	pf.pin--
	pf.mu.Unlock()
}

func kpanicUnpin() {
	panic("mem: Unpin of frame with pin count 0")
}

// Free implements pframe_free: remove pf from the resident set and
// release its storage. Precondition: pin == 0 and the frame is clean
// (callers dirty-clean first).
func (c *Cache_t) Free(pf *Frame_t) {
	pf.mu.Lock()
	if pf.pin != 0 {
		pf.mu.Unlock()
		panic("mem: Free of pinned frame")
	}
	if pf.dirty {
		pf.mu.Unlock()
		panic("mem: Free of dirty frame")
	}
	pf.mu.Unlock()

	c.mu.Lock()
	delete(c.pages, pf.pagenum)
	c.mu.Unlock()
	log.Debugf("freed page %d", pf.pagenum)
}

// FreeAll drops every resident frame without writeback, regardless of
// pin counts or dirty state.
func (c *Cache_t) FreeAll() {
	c.mu.Lock()
	c.pages = make(map[int]*Frame_t)
	c.mu.Unlock()
}
