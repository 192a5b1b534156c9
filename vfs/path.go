package vfs

import (
	"sync"

	"kcore/defs"
	"kcore/ustr"
)

// Mount_t is one mounted filesystem's vnode cache: every distinct
// Ops_i object backing a live Vnode_t is cached exactly once, so two
// opens of the same file share one page cache and one refcount,
// matching spec.md's "One-to-one with inode while referenced".
type Mount_t struct {
	mu    sync.Mutex
	root  *Vnode_t
	cache map[string]*Vnode_t
}

// NewMount wraps rootOps as the mount's root directory vnode.
func NewMount(rootOps Ops_i) *Mount_t {
	m := &Mount_t{cache: make(map[string]*Vnode_t)}
	m.root = NewVnode(rootOps)
	m.root.mount = m
	m.cache[rootOps.Key()] = m.root
	return m
}

// Root returns the mount's root vnode with a fresh reference.
func (m *Mount_t) Root() *Vnode_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.Ref()
	return m.root
}

// get returns the cached vnode for ops, creating and caching one if
// this is the object's first reference.
func (m *Mount_t) get(ops Ops_i) *Vnode_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.cache[ops.Key()]; ok {
		v.Ref()
		return v
	}
	v := NewVnode(ops)
	v.mount = m
	m.cache[ops.Key()] = v
	return v
}

// forget drops ops's vnode from the cache (called by Vnode_t.Put once
// the refcount has reached zero and Reclaim succeeded).
func (m *Mount_t) forget(ops Ops_i) {
	m.mu.Lock()
	delete(m.cache, ops.Key())
	m.mu.Unlock()
}

// Lookup implements the teacher's `lookup`: resolve a single path
// component inside directory vnode dir, returning a referenced child
// vnode.
func (m *Mount_t) Lookup(dir *Vnode_t, name string) (*Vnode_t, defs.Err_t) {
	if dir.Itype() != defs.I_DIR {
		return nil, defs.ENOTDIR.Neg()
	}
	childOps, err := dir.Ops.Lookup(name)
	if err != 0 {
		return nil, err
	}
	return m.get(childOps), 0
}

// DirNamev implements dir_namev: walk every component of path except
// the last, returning the referenced directory vnode that should
// contain it, plus the final component's name.
func (m *Mount_t) DirNamev(start *Vnode_t, path ustr.Ustr) (*Vnode_t, string, defs.Err_t) {
	comps := ustr.Split(path)
	if len(comps) == 0 {
		start.Ref()
		return start, "", 0
	}

	cur := start
	cur.Ref()
	for _, c := range comps[:len(comps)-1] {
		next, err := m.Lookup(cur, c.String())
		cur.Put()
		if err != 0 {
			return nil, "", err
		}
		if next.Itype() != defs.I_DIR {
			next.Put()
			return nil, "", defs.ENOTDIR.Neg()
		}
		cur = next
	}
	return cur, comps[len(comps)-1].String(), 0
}

// OpenNamev implements open_namev: resolve path fully to its vnode,
// optionally creating it as a regular file when O_CREAT is set and it
// does not already exist.
func (m *Mount_t) OpenNamev(start *Vnode_t, path ustr.Ustr, creat bool) (*Vnode_t, defs.Err_t) {
	dir, name, err := m.DirNamev(start, path)
	if err != 0 {
		return nil, err
	}
	if name == "" {
		return dir, 0
	}
	defer dir.Put()

	child, err := m.Lookup(dir, name)
	if err == 0 {
		return child, 0
	}
	if err != defs.ENOENT.Neg() || !creat {
		return nil, err
	}

	newOps, err := dir.Ops.Create(name)
	if err != 0 {
		return nil, err
	}
	return m.get(newOps), 0
}
