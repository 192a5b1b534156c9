// Package vfs implements the filesystem-independent layer of spec.md
// §4.7: vnode/file/fd abstractions and path resolution over whatever
// concrete filesystem (s5fs) backs a given vnode, with device-special
// vnodes' I/O routed to devfs. Grounded on
// the teacher's fd package (biscuit/src/fd/fd.go's Fd_t/Cwd_t) for the
// fd-table shape, generalized from the teacher's package-global
// current-process lookups to an explicit FdTable_t/Vnode_t graph.
package vfs

import (
	"sync"

	"kcore/defs"
	"kcore/klog"
	"kcore/mem"
)

var log = klog.For("vfs")

// Ops_i is implemented by whatever concrete filesystem backs a vnode
// (s5fs.FileOps_t wraps an s5fs.Inode_t; devfs implements none). It
// supplies both the mem.FileSource contract pframe needs and the
// directory/link operations path resolution and the fd op set need.
type Ops_i interface {
	mem.FileSource

	// Key identifies the underlying filesystem object uniquely within
	// its mount (e.g. an s5fs inode number), so Mount_t can cache one
	// Vnode_t per object instead of one per open.
	Key() string

	Itype() defs.Itype_t
	Size() int
	SetSize(n int)

	// Lookup resolves one path component inside a directory vnode,
	// returning the child's Ops_i without yet wrapping it in a Vnode_t
	// (the vnode cache/refcounting lives in this package, not the
	// filesystem's).
	Lookup(name string) (Ops_i, defs.Err_t)
	Link(name string, target Ops_i) defs.Err_t
	Unlink(name string) (linkcount int, err defs.Err_t)
	Create(name string) (Ops_i, defs.Err_t)
	Mkdir(name string) (Ops_i, defs.Err_t)
	Mknod(name string, itype defs.Itype_t, dev uint16) (Ops_i, defs.Err_t)
	IsEmptyDir() bool
	Getdent(idx int) (name string, ftype defs.Itype_t, more bool, err defs.Err_t)
	Linkcount() int

	// Devid returns the packed major/minor device id for I_CHR/I_BLK
	// vnodes (meaningless for other types), so vfs can route their I/O
	// through devfs.Registry_t instead of the page cache.
	Devid() uint16

	// Reclaim is called when the VFS refcount reaches zero; the
	// implementation frees the object only if its link count is also
	// zero (spec.md's delete_vnode contract).
	Reclaim() defs.Err_t
}

// Vnode_t is one open filesystem object: refcount, type, length, and
// an embedded file-backed memory object for page-cached I/O (spec.md
// §3 "vnode"). One-to-one with an on-disk inode while referenced.
type Vnode_t struct {
	mu sync.Mutex

	Ops      Ops_i
	refcount int
	obj      *mem.FileObj_t
	mount    *Mount_t // owning mount's cache, for Put's forget hook
}

// NewVnode wraps ops in a fresh vnode with refcount 1.
func NewVnode(ops Ops_i) *Vnode_t {
	v := &Vnode_t{Ops: ops, refcount: 1}
	v.obj = mem.NewFileObj(v)
	return v
}

// Ref bumps the vnode's reference count (VFS's "held" reference,
// spec.md: "linkcount of an in-use vnode is incremented by one while
// VFS holds it" -- tracked here as Vnode_t.refcount, independent of
// the filesystem's own on-disk linkcount).
func (v *Vnode_t) Ref() {
	v.mu.Lock()
	v.refcount++
	v.mu.Unlock()
}

// Put drops one reference; once it reaches zero and the underlying
// filesystem object's link count is also zero, the vnode (and its
// on-disk inode) are reclaimed.
func (v *Vnode_t) Put() defs.Err_t {
	v.mu.Lock()
	v.refcount--
	r := v.refcount
	v.mu.Unlock()
	if r > 0 {
		return 0
	}
	if err := v.Ops.Reclaim(); err != 0 {
		return err
	}
	if v.mount != nil {
		v.mount.forget(v.Ops)
	}
	return 0
}

// Itype returns the vnode's type (regular, directory, char, block).
func (v *Vnode_t) Itype() defs.Itype_t { return v.Ops.Itype() }

// Size returns the vnode's current length in bytes.
func (v *Vnode_t) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Ops.Size()
}

// Mmap implements vmm.FileMapper: wrap this vnode's FileObj_t (shared
// across every open fd referencing it) so mmap'd file pages and
// read/write go through the same page cache.
func (v *Vnode_t) Mmap(shared bool) (mem.Obj_i, defs.Err_t) {
	v.obj.Ref()
	return v.obj, 0
}

// ---------------------------------------------------------------
// mem.FileSource, delegated straight to Ops (spec.md §4.3 "File
// (vnode) object... delegates fillpage/dirtypage/cleanpage to the
// owning filesystem").
// ---------------------------------------------------------------

func (v *Vnode_t) FillFilePage(pagenum int, dst *mem.Page_t) defs.Err_t {
	return v.Ops.FillFilePage(pagenum, dst)
}

func (v *Vnode_t) DirtyFilePage(pagenum int) defs.Err_t {
	return v.Ops.DirtyFilePage(pagenum)
}

func (v *Vnode_t) CleanFilePage(pagenum int, src *mem.Page_t) defs.Err_t {
	return v.Ops.CleanFilePage(pagenum, src)
}

// Read copies up to len(dst) bytes starting at off into dst through
// the vnode's page cache, returning the number of bytes actually read
// (less than len(dst) at EOF).
func (v *Vnode_t) Read(dst []byte, off int) (int, defs.Err_t) {
	size := v.Size()
	if off >= size {
		return 0, 0
	}
	n := len(dst)
	if off+n > size {
		n = size - off
	}
	remaining := dst[:n]
	cur := off
	for len(remaining) > 0 {
		pagenum := cur / mem.PGSIZE
		pageoff := cur % mem.PGSIZE
		pf, err := v.obj.Lookuppage(pagenum, false)
		if err != 0 {
			return 0, err
		}
		k := mem.PGSIZE - pageoff
		if k > len(remaining) {
			k = len(remaining)
		}
		copy(remaining[:k], pf.Data[pageoff:pageoff+k])
		remaining = remaining[k:]
		cur += k
	}
	return n, 0
}

// Write copies src into the vnode's page cache starting at off,
// extending the file (and leaving sparse intermediate blocks
// unallocated) when off+len(src) exceeds the current size.
func (v *Vnode_t) Write(src []byte, off int) (int, defs.Err_t) {
	remaining := src
	cur := off
	for len(remaining) > 0 {
		pagenum := cur / mem.PGSIZE
		pageoff := cur % mem.PGSIZE
		pf, err := v.obj.Lookuppage(pagenum, true)
		if err != 0 {
			return 0, err
		}
		k := mem.PGSIZE - pageoff
		if k > len(remaining) {
			k = len(remaining)
		}
		copy(pf.Data[pageoff:pageoff+k], remaining[:k])
		if err := v.obj.Cache().Dirty(pf); err != 0 {
			return 0, err
		}
		remaining = remaining[k:]
		cur += k
	}
	if end := off + len(src); end > v.Size() {
		v.mu.Lock()
		v.Ops.SetSize(end)
		v.mu.Unlock()
	}
	return len(src), 0
}
