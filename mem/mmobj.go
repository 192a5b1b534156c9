package mem

import (
	"sync"

	"kcore/defs"
)

// Obj_i is the common mmobj ops contract of spec.md §4.3: ref/put to
// manage lifetime, lookuppage to resolve a page (variant-specific),
// and the pframe owner hooks (FillPage/DirtyPage/CleanPage) that
// satisfy Owner_i so an Obj_i can back a Cache_t directly.
type Obj_i interface {
	Owner_i
	Ref()
	Put()
	Refcount() int
	Resident() int
	// Lookuppage resolves page pagenum, honoring forwrite semantics
	// (shadow objects trigger copy-on-write here).
	Lookuppage(pagenum int, forwrite bool) (*Frame_t, defs.Err_t)
	// Cache exposes the underlying page cache so vmm/vfs can drive
	// Pin/Unpin/Dirty/Clean/Free directly, as spec.md's pframe_*
	// operations are always invoked with an explicit object.
	Cache() *Cache_t
}

// BlockSource is implemented by a block device (or anything page-
// cached the same way): one page == one block-sized region at
// pagenum*PGSIZE. S5FS's superblock/inode/indirect-block pages and
// the raw disk itself both go through this contract (spec.md §4.3,
// "Block-device object").
type BlockSource interface {
	ReadBlock(pagenum int, dst *Page_t) defs.Err_t
	WriteBlock(pagenum int, src *Page_t) defs.Err_t
}

// FileSource is implemented by vfs.Vnode_t; file-backed mmobjs
// delegate fill/dirty/clean to whatever filesystem owns the vnode
// (spec.md §4.3, "File (vnode) object").
type FileSource interface {
	FillFilePage(pagenum int, dst *Page_t) defs.Err_t
	DirtyFilePage(pagenum int) defs.Err_t
	CleanFilePage(pagenum int, src *Page_t) defs.Err_t
}

// baseObj centralizes the refcount/cache bookkeeping shared by every
// variant so each concrete type only has to implement the fill/
// dirty/clean/lookup hooks spec.md varies per variant.
type baseObj struct {
	mu       sync.Mutex
	refcount int
	cache    *Cache_t
}

func (b *baseObj) init(owner Owner_i) {
	b.refcount = 1
	b.cache = NewCache(owner)
}

func (b *baseObj) Ref() {
	b.mu.Lock()
	b.refcount++
	b.mu.Unlock()
}

func (b *baseObj) Refcount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refcount
}

func (b *baseObj) Resident() int {
	return b.cache.Resident()
}

func (b *baseObj) Cache() *Cache_t {
	return b.cache
}

// decref decrements the refcount and reports the new value. Callers
// combine this with their variant-specific reclamation check
// (spec.md standardizes on refcount == resident_count, never ≤).
func (b *baseObj) decref() int {
	b.mu.Lock()
	b.refcount--
	r := b.refcount
	b.mu.Unlock()
	return r
}

// ---------------------------------------------------------------
// Anonymous object: zero-fill, self-destructs when fully resident.
// ---------------------------------------------------------------

// Anon_t supplies zero-filled pages and frees itself once every
// resident page accounts for the whole refcount (spec.md §3).
type Anon_t struct {
	baseObj
}

// NewAnon returns a fresh anonymous memory object with refcount 1.
func NewAnon() *Anon_t {
	a := &Anon_t{}
	a.init(a)
	return a
}

func (a *Anon_t) FillPage(pf *Frame_t, forwrite bool) defs.Err_t {
	// pf.Data is already zeroed by NewPage; anon pages live until
	// the object itself is freed, so pin them for their lifetime.
	a.cache.Pin(pf)
	return 0
}

func (a *Anon_t) DirtyPage(pf *Frame_t) defs.Err_t { return 0 }
func (a *Anon_t) CleanPage(pf *Frame_t) defs.Err_t { return 0 }

func (a *Anon_t) Lookuppage(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	return a.cache.Get(pagenum)
}

// Put decrements the refcount. When refcount equals the resident
// count every page is unpinned, cleaned and freed. Nothing further
// happens at refcount zero: the object is released by becoming
// unreachable.
func (a *Anon_t) Put() {
	r := a.decref()
	if r == a.Resident() {
		a.reclaimPages()
	}
}

func (a *Anon_t) reclaimPages() {
	var frames []*Frame_t
	a.cache.ForEach(func(pf *Frame_t) { frames = append(frames, pf) })
	for _, pf := range frames {
		for pf.Pinned() {
			a.cache.Unpin(pf)
		}
		a.cache.Clean(pf)
		a.cache.Free(pf)
	}
}

// ---------------------------------------------------------------
// Block-device object: the page cache for a raw block device.
// ---------------------------------------------------------------

// BlockDevObj_t is the mmobj variant fronting a raw block device; it
// is also what S5FS uses to cache superblock/inode/indirect-block
// pages (spec.md §4.3).
type BlockDevObj_t struct {
	baseObj
	src BlockSource
}

// NewBlockDevObj wraps src in a page-cached mmobj.
func NewBlockDevObj(src BlockSource) *BlockDevObj_t {
	o := &BlockDevObj_t{src: src}
	o.init(o)
	return o
}

func (o *BlockDevObj_t) FillPage(pf *Frame_t, forwrite bool) defs.Err_t {
	return o.src.ReadBlock(pf.Pagenum(), pf.Data)
}

func (o *BlockDevObj_t) DirtyPage(pf *Frame_t) defs.Err_t { return 0 }

func (o *BlockDevObj_t) CleanPage(pf *Frame_t) defs.Err_t {
	return o.src.WriteBlock(pf.Pagenum(), pf.Data)
}

func (o *BlockDevObj_t) Lookuppage(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	return o.cache.Get(pagenum)
}

// Put decrements refcount; block-device objects never auto-free (the
// raw disk and S5FS metadata live for the lifetime of the mount).
func (o *BlockDevObj_t) Put() {
	o.decref()
}

// ---------------------------------------------------------------
// File (vnode) object: delegates to the owning filesystem.
// ---------------------------------------------------------------

// FileObj_t delegates fill/dirty/clean to a FileSource (a vnode),
// which for S5FS translates page numbers to block numbers via
// s5_seek_to_block (spec.md §4.3, §4.7).
type FileObj_t struct {
	baseObj
	src FileSource
}

// NewFileObj wraps src (a vnode) in a page-cached mmobj.
func NewFileObj(src FileSource) *FileObj_t {
	o := &FileObj_t{src: src}
	o.init(o)
	return o
}

func (o *FileObj_t) FillPage(pf *Frame_t, forwrite bool) defs.Err_t {
	return o.src.FillFilePage(pf.Pagenum(), pf.Data)
}

func (o *FileObj_t) DirtyPage(pf *Frame_t) defs.Err_t {
	return o.src.DirtyFilePage(pf.Pagenum())
}

func (o *FileObj_t) CleanPage(pf *Frame_t) defs.Err_t {
	return o.src.CleanFilePage(pf.Pagenum(), pf.Data)
}

func (o *FileObj_t) Lookuppage(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	return o.cache.Get(pagenum)
}

// Put decrements refcount; file-backed objects never auto-free (the
// vnode owns their lifetime, flushed explicitly on vnode release).
func (o *FileObj_t) Put() {
	o.decref()
}

// ---------------------------------------------------------------
// Shadow object: copy-on-write layer over a shadowed parent + bottom.
// ---------------------------------------------------------------

// Shadow_t implements copy-on-write: reads fall through the shadow
// chain to the nearest ancestor holding the page (or to bottom);
// writes fault-fill a private copy into the shadow itself (spec.md
// §4.3 "Shadow object").
type Shadow_t struct {
	baseObj
	shadowed Obj_i // immediate parent, possibly another shadow
	bottom   Obj_i // non-shadow ancestor at the root of the chain
}

// NewShadow creates a shadow object over shadowed, whose root
// ancestor is bottom. Both references are owned by the new shadow
// (callers must Ref() shadowed/bottom beforehand per spec.md §4.4's
// vmmap_map rule: "the shadow takes a reference on each").
func NewShadow(shadowed, bottom Obj_i) *Shadow_t {
	s := &Shadow_t{shadowed: shadowed, bottom: bottom}
	s.init(s)
	return s
}

// Shadowed returns the immediate parent of the chain.
func (s *Shadow_t) Shadowed() Obj_i { return s.shadowed }

// Bottom returns the non-shadow ancestor at the root of the chain.
func (s *Shadow_t) Bottom() Obj_i { return s.bottom }

// FillPage copies from the nearest ancestor holding the page (or
// allocates via bottom), pinning the new page for the shadow's
// lifetime — this only runs for forwrite lookups, since read-only
// lookups resolve via Lookuppage without ever calling FillPage on
// the shadow itself.
func (s *Shadow_t) FillPage(pf *Frame_t, forwrite bool) defs.Err_t {
	src := s.resolveAncestor(pf.Pagenum())
	if src == nil {
		var err defs.Err_t
		src, err = s.bottom.Cache().Lookup(pf.Pagenum(), false)
		if err != 0 {
			return err
		}
	}
	copy(pf.Data[:], src.Data[:])
	s.cache.Pin(pf)
	return 0
}

func (s *Shadow_t) DirtyPage(pf *Frame_t) defs.Err_t { return 0 }
func (s *Shadow_t) CleanPage(pf *Frame_t) defs.Err_t { return 0 }

// resolveAncestor walks the shadow chain from s.shadowed down to, and
// including, the non-shadow object it ends at, looking for an
// already-resident page, per spec.md's "iterat[e]
// down the shadow chain using pframe_get_resident at each level".
func (s *Shadow_t) resolveAncestor(pagenum int) *Frame_t {
	cur := s.shadowed
	for {
		sh, ok := cur.(*Shadow_t)
		if pf := cur.Cache().GetResident(pagenum); pf != nil {
			return pf
		}
		if !ok {
			return nil
		}
		cur = sh.shadowed
	}
}

// Lookuppage implements the two-mode contract: read-only lookups
// search the chain without ever triggering a shadow FillPage; write
// lookups always go through the shadow's own cache, forcing a COW
// fill when the page is not already private to this shadow.
func (s *Shadow_t) Lookuppage(pagenum int, forwrite bool) (*Frame_t, defs.Err_t) {
	if !forwrite {
		if pf := s.cache.GetResident(pagenum); pf != nil {
			return pf, 0
		}
		if pf := s.resolveAncestor(pagenum); pf != nil {
			return pf, 0
		}
		return s.bottom.Cache().Lookup(pagenum, false)
	}
	return s.cache.Lookup(pagenum, true)
}

// Put decrements refcount; once refcount equals resident count the
// shadow reclaims its own pages and releases shadowed/bottom.
func (s *Shadow_t) Put() {
	r := s.decref()
	if r == s.Resident() {
		var frames []*Frame_t
		s.cache.ForEach(func(pf *Frame_t) { frames = append(frames, pf) })
		for _, pf := range frames {
			for pf.Pinned() {
				s.cache.Unpin(pf)
			}
			s.cache.Clean(pf)
			s.cache.Free(pf)
		}
		s.shadowed.Put()
		s.bottom.Put()
	}
}

// BottomOf returns the non-shadow root of o's chain (o itself, if o
// is not a shadow), implementing mmobj_bottom_obj from spec.md §4.4.
// A shadow's bottom field is always already the non-shadow root, so
// no further walking is required.
func BottomOf(o Obj_i) Obj_i {
	if sh, ok := o.(*Shadow_t); ok {
		return sh.bottom
	}
	return o
}
