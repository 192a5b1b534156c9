// Package vmm implements the per-process address-space map (L1) and
// the page-fault handler plus do_mmap/do_munmap/do_fork (L2) of
// spec.md §4.4–§4.5, grounded on the teacher's vm package (vm/as.go's
// Vm_t, Vmregion_t/Vminfo_t) but reworked around kcore/mem's
// software mmobj/pframe cache instead of real x86 page tables.
package vmm

import (
	"sort"
	"sync"

	"kcore/defs"
	"kcore/klog"
	"kcore/mem"
)

var log = klog.For("vmm")

// Direction selects which end of the address space vmmap_find_range
// searches from.
type Direction int

const (
	LOHI Direction = iota
	HILO
)

// Mapping flags, a small subset of mmap(2)'s MAP_* bits.
type MapFlags int

const (
	MAP_SHARED MapFlags = 1 << iota
	MAP_PRIVATE
	MAP_ANON
	MAP_FIXED
)

// Address space bounds, in virtual page numbers. Page 0 is
// deliberately unmapped so that a null-pointer dereference always
// faults (mirrors the teacher's USERMIN guard page).
const (
	VPNMin = 1
	VPNMax = 1 << 36
)

// VmArea_t is one entry of a VmMap_t: a contiguous `[Start,End)`
// virtual-page range bound to a single memory object at Offset pages
// into it, per spec.md §3.
type VmArea_t struct {
	Start, End int // virtual page numbers, End exclusive
	Offset     int // pages into Obj
	Prot       int // defs.PROT_* bits
	Flags      MapFlags
	Obj        mem.Obj_i
}

// Npages returns the area's length in pages.
func (a *VmArea_t) Npages() int { return a.End - a.Start }

// Contains reports whether vpn falls within [Start,End).
func (a *VmArea_t) Contains(vpn int) bool { return vpn >= a.Start && vpn < a.End }

// ObjPage converts a virtual page number inside this area to a page
// number within the area's memory object.
func (a *VmArea_t) ObjPage(vpn int) int { return vpn - a.Start + a.Offset }

func (a *VmArea_t) clone() *VmArea_t {
	c := *a
	return &c
}

// VmMap_t is the ordered, disjoint sequence of vmareas making up one
// process's address space (spec.md §3 "Address-space map").
type VmMap_t struct {
	mu    sync.Mutex
	areas []*VmArea_t
}

// NewVmMap returns an empty address space.
func NewVmMap() *VmMap_t {
	return &VmMap_t{}
}

// Destroy drops each area's mmobj reference, implementing
// vmmap_destroy.
func (m *VmMap_t) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.areas {
		a.Obj.Put()
	}
	m.areas = nil
}

// assertSorted is a debug-only invariant check (spec.md invariant 1):
// areas are disjoint and sorted by Start.
func (m *VmMap_t) assertSorted() {
	for i := 1; i < len(m.areas); i++ {
		if m.areas[i-1].End > m.areas[i].Start {
			panic("vmm: vmmap areas overlap or unsorted")
		}
	}
}

// Insert adds area in sorted position. It panics if area overlaps an
// existing entry (vmmap_insert's documented precondition).
func (m *VmMap_t) Insert(area *VmArea_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(area)
}

func (m *VmMap_t) insertLocked(area *VmArea_t) {
	i := sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].Start >= area.Start
	})
	if i > 0 && m.areas[i-1].End > area.Start {
		panic("vmm: Insert overlaps preceding area")
	}
	if i < len(m.areas) && area.End > m.areas[i].Start {
		panic("vmm: Insert overlaps following area")
	}
	m.areas = append(m.areas, nil)
	copy(m.areas[i+1:], m.areas[i:])
	m.areas[i] = area
	m.assertSorted()
}

// Lookup returns the area containing vpn, or (nil, false).
func (m *VmMap_t) Lookup(vpn int) (*VmArea_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(vpn)
}

func (m *VmMap_t) lookupLocked(vpn int) (*VmArea_t, bool) {
	i := sort.Search(len(m.areas), func(i int) bool {
		return m.areas[i].End > vpn
	})
	if i < len(m.areas) && m.areas[i].Contains(vpn) {
		return m.areas[i], true
	}
	return nil, false
}

// IsRangeEmpty reports whether [lopage,lopage+npages) overlaps no
// existing area.
func (m *VmMap_t) IsRangeEmpty(lopage, npages int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := lopage + npages
	for _, a := range m.areas {
		if a.Start < end && lopage < a.End {
			return false
		}
	}
	return true
}

// FindRange implements vmmap_find_range: a first-fit gap finder.
// dir selects whether the lowest or highest fitting gap is returned.
func (m *VmMap_t) FindRange(npages int, dir Direction) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRangeLocked(npages, dir)
}

func (m *VmMap_t) findRangeLocked(npages int, dir Direction) (int, bool) {
	type gap struct{ lo, hi int }
	var gaps []gap
	prev := VPNMin
	for _, a := range m.areas {
		if a.Start > prev {
			gaps = append(gaps, gap{prev, a.Start})
		}
		if a.End > prev {
			prev = a.End
		}
	}
	if prev < VPNMax {
		gaps = append(gaps, gap{prev, VPNMax})
	}

	pick := func(g gap) (int, bool) {
		if g.hi-g.lo < npages {
			return 0, false
		}
		return g.lo, true
	}

	if dir == LOHI {
		for _, g := range gaps {
			if v, ok := pick(g); ok {
				return v, true
			}
		}
		return 0, false
	}
	for i := len(gaps) - 1; i >= 0; i-- {
		g := gaps[i]
		if g.hi-g.lo < npages {
			continue
		}
		return g.hi - npages, true
	}
	return 0, false
}

// Clone produces a deep copy of the area list; every area's mmobj is
// shared with the original (ref-incremented), not copied, per
// spec.md's vmmap_clone contract.
func (m *VmMap_t) Clone() *VmMap_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := &VmMap_t{areas: make([]*VmArea_t, len(m.areas))}
	for i, a := range m.areas {
		a.Obj.Ref()
		n.areas[i] = a.clone()
	}
	return n
}

// Areas returns a snapshot slice of the current areas, for callers
// (do_fork, debugging) that need to iterate without holding the lock.
func (m *VmMap_t) Areas() []*VmArea_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*VmArea_t, len(m.areas))
	copy(out, m.areas)
	return out
}

// Remove implements vmmap_remove: every area overlapping
// [lopage,lopage+npages) is split, truncated, advanced or dropped
// per the four cases spec.md §4.4 lists.
func (m *VmMap_t) Remove(lopage, npages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(lopage, npages)
}

func (m *VmMap_t) removeLocked(lopage, npages int) {
	end := lopage + npages
	var kept []*VmArea_t
	for _, a := range m.areas {
		if a.End <= lopage || a.Start >= end {
			kept = append(kept, a)
			continue
		}
		switch {
		case a.Start >= lopage && a.End <= end:
			// full-cover: drop entirely.
			a.Obj.Put()
		case a.Start < lopage && a.End > end:
			// wholly contained: split into left and right pieces.
			left := a.clone()
			left.End = lopage
			right := a.clone()
			right.Start = end
			right.Offset = a.Offset + (end - a.Start)
			a.Obj.Ref() // right piece gets its own reference
			kept = append(kept, left, right)
		case a.Start < lopage:
			// right-overlap: truncate end.
			a.End = lopage
			kept = append(kept, a)
		default:
			// left-overlap: advance start and offset.
			a.Offset += end - a.Start
			a.Start = end
			kept = append(kept, a)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	m.areas = kept
	m.assertSorted()
}

// FileMapper is implemented by whatever provides a file-backed mmobj
// for a vmmap_map call (spec.md: "file.vn_ops.mmap(file, area,
// &mmobj)"). vfs.Vnode_t implements it.
type FileMapper interface {
	Mmap(shared bool) (mem.Obj_i, defs.Err_t)
}

// Map implements vmmap_map. If lopage is 0, a gap of npages is found
// via dir; otherwise the requested range is used, displacing any
// overlap only after every allocation has succeeded (spec.md's
// "staging" failure discipline, §4.4/§7).
func (m *VmMap_t) Map(file FileMapper, lopage, npages int, prot int, flags MapFlags,
	off int, dir Direction) (*VmArea_t, defs.Err_t) {

	m.mu.Lock()
	defer m.mu.Unlock()

	start := lopage
	if start == 0 {
		v, ok := m.findRangeLocked(npages, dir)
		if !ok {
			return nil, defs.ENOMEM.Neg()
		}
		start = v
	} else {
		if flags&MAP_FIXED != 0 {
			if start < VPNMin || start+npages > VPNMax {
				return nil, defs.EINVAL.Neg()
			}
		}
	}

	var obj mem.Obj_i
	if file == nil || flags&MAP_ANON != 0 {
		obj = mem.NewAnon()
	} else {
		var err defs.Err_t
		obj, err = file.Mmap(flags&MAP_SHARED != 0)
		if err != 0 {
			return nil, err
		}
	}

	if flags&MAP_PRIVATE != 0 {
		// obj was just created with a single implicit reference; that
		// reference transfers straight into the shadow's `shadowed`
		// slot. The shadow's separate `bottom` slot (here the same
		// object, since obj is freshly created and non-shadow) needs
		// one additional reference of its own.
		bottom := mem.BottomOf(obj)
		bottom.Ref()
		shadow := mem.NewShadow(obj, bottom)
		obj = shadow
	}

	area := &VmArea_t{Start: start, End: start + npages, Offset: off, Prot: prot, Flags: flags, Obj: obj}

	// Only now, once no further failure is possible, displace overlap.
	m.removeLocked(start, npages)
	m.insertLocked(area)
	return area, 0
}
