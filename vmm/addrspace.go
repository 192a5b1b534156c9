package vmm

import (
	"sync"

	"kcore/defs"
	"kcore/kmetrics"
	"kcore/mem"
)

// FaultCause carries the trap bits the architecture delivers to the
// single page-fault entry point spec.md §1 describes.
type FaultCause struct {
	Write bool
	Exec  bool
}

// ptEntry is one software page-table entry: which frame backs a
// virtual page and with what protection. Real hardware would walk a
// multi-level page table; this stands in for the "architecture
// offers pt_map/pt_unmap_range/tlb_flush*" external contract of
// spec.md §1 note (b).
type ptEntry struct {
	frame *mem.Frame_t
	prot  int
}

// softPageTable_t is the per-address-space software page table.
// TLB flush is a no-op (there is no real TLB to invalidate), kept as
// an explicit method so call sites read exactly like the hardware
// contract they stand in for.
type softPageTable_t struct {
	mu      sync.Mutex
	entries map[int]ptEntry
}

func newSoftPageTable() *softPageTable_t {
	return &softPageTable_t{entries: make(map[int]ptEntry)}
}

func (pt *softPageTable_t) Map(vpn int, frame *mem.Frame_t, prot int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[vpn] = ptEntry{frame: frame, prot: prot}
}

func (pt *softPageTable_t) Lookup(vpn int) (ptEntry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[vpn]
	return e, ok
}

func (pt *softPageTable_t) Unmap(vpn int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.entries, vpn)
}

// UnmapRange implements pt_unmap_range: clear every mapping for
// [lovpn,lovpn+npages).
func (pt *softPageTable_t) UnmapRange(lovpn, npages int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for vpn := lovpn; vpn < lovpn+npages; vpn++ {
		delete(pt.entries, vpn)
	}
}

func (pt *softPageTable_t) FlushAll() {} // tlb_flush_all: no real TLB to flush
func (pt *softPageTable_t) Flush(vpn int) {}
func (pt *softPageTable_t) FlushRange(lovpn, npages int) {}

// Vm_t represents one process's address space: its vmmap plus the
// software page table standing in for the hardware pmap the teacher's
// Vm_t wraps (vm/as.go).
type Vm_t struct {
	mu sync.Mutex

	Map     *VmMap_t
	pt      *softPageTable_t
	metrics *kmetrics.Registry
}

// NewVm returns a fresh, empty address space.
func NewVm() *Vm_t {
	return &Vm_t{Map: NewVmMap(), pt: newSoftPageTable()}
}

// SetMetrics attaches a kmetrics.Registry that Fault reports
// page-fault and copy-on-write counts to. Optional; nil disables
// metrics.
func (vm *Vm_t) SetMetrics(m *kmetrics.Registry) {
	vm.mu.Lock()
	vm.metrics = m
	vm.mu.Unlock()
}

// Destroy releases every area's mmobj reference and clears the page
// table (proc.Table_t's reap calls this once a DEAD process is reaped).
func (vm *Vm_t) Destroy() {
	vm.Map.Destroy()
	vm.pt = newSoftPageTable()
}

// Mmap implements do_mmap: install a new mapping per the vmmap_map
// contract.
func (vm *Vm_t) Mmap(file FileMapper, lopage, npages, prot int, flags MapFlags, off int, dir Direction) (*VmArea_t, defs.Err_t) {
	if npages <= 0 {
		return nil, defs.EINVAL.Neg()
	}
	area, err := vm.Map.Map(file, lopage, npages, prot, flags, off, dir)
	if err != 0 {
		return nil, err
	}
	vm.pt.UnmapRange(area.Start, area.Npages())
	return area, 0
}

// Munmap implements do_munmap: remove the mapping and demap the
// hardware page table over that range, flushing the TLB.
func (vm *Vm_t) Munmap(lopage, npages int) defs.Err_t {
	if npages <= 0 {
		return defs.EINVAL.Neg()
	}
	vm.Map.Remove(lopage, npages)
	vm.pt.UnmapRange(lopage, npages)
	vm.pt.FlushRange(lopage, npages)
	return 0
}

// Fault is the single page-fault entry point (spec.md §4.5 steps 1-6).
func (vm *Vm_t) Fault(vpn int, cause FaultCause) defs.Err_t {
	if vm.metrics != nil {
		vm.metrics.PageFaults.Inc()
	}
	area, ok := vm.Map.Lookup(vpn)
	if !ok {
		return defs.EFAULT.Neg()
	}
	if cause.Write && area.Prot&defs.PROT_W == 0 {
		return defs.EFAULT.Neg()
	}
	if cause.Exec && area.Prot&defs.PROT_X == 0 {
		return defs.EFAULT.Neg()
	}

	objPage := area.ObjPage(vpn)
	forwrite := cause.Write
	if forwrite && vm.metrics != nil {
		if _, isShadow := area.Obj.(*mem.Shadow_t); isShadow {
			vm.metrics.PageFaultsCOW.Inc()
		}
	}
	pf, err := area.Obj.Lookuppage(objPage, forwrite)
	if err != 0 {
		return err
	}
	if forwrite {
		if err := area.Obj.Cache().Dirty(pf); err != 0 {
			return err
		}
	}
	vm.pt.Map(vpn, pf, area.Prot)
	return 0
}

// Read copies n bytes starting at virtual address (in bytes) addr
// into dst, demand-paging as needed (vmmap_read).
func (vm *Vm_t) Read(dst []byte, addr int) defs.Err_t {
	return vm.copy(dst, addr, false)
}

// Write copies len(src) bytes from src into the address space at
// addr, demand-paging and dirtying as needed (vmmap_write).
func (vm *Vm_t) Write(src []byte, addr int) defs.Err_t {
	return vm.copy(src, addr, true)
}

func (vm *Vm_t) copy(buf []byte, addr int, write bool) defs.Err_t {
	remaining := buf
	cur := addr
	for len(remaining) > 0 {
		vpn := cur / mem.PGSIZE
		voff := cur % mem.PGSIZE
		area, ok := vm.Map.Lookup(vpn)
		if !ok {
			return defs.EFAULT.Neg()
		}
		if write && area.Prot&defs.PROT_W == 0 {
			return defs.EFAULT.Neg()
		}
		pf, err := area.Obj.Lookuppage(area.ObjPage(vpn), write)
		if err != 0 {
			return err
		}
		n := mem.PGSIZE - voff
		if n > len(remaining) {
			n = len(remaining)
		}
		if write {
			copy(pf.Data[voff:voff+n], remaining[:n])
			if err := area.Obj.Cache().Dirty(pf); err != 0 {
				return err
			}
		} else {
			copy(remaining[:n], pf.Data[voff:voff+n])
		}
		remaining = remaining[n:]
		cur += n
	}
	return 0
}

// Fork implements do_fork's address-space half: clone the vmmap
// (every area sharing the parent's mmobj with a fresh reference),
// then for each PRIVATE area install two fresh shadows — one for the
// parent, one for the child — both wrapping the previously-shared
// object. SHARED areas are left untouched. The parent's page table is
// unmapped over every PRIVATE area to force refaulting, and the TLB
// is flushed.
func (vm *Vm_t) Fork() *Vm_t {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	child := NewVm()
	child.Map = vm.Map.Clone()

	parentAreas := vm.Map.Areas()
	childAreas := child.Map.Areas()
	for i, pa := range parentAreas {
		if pa.Flags&MAP_PRIVATE == 0 {
			continue // SHARED areas are left untouched
		}
		shared := pa.Obj
		childShared := childAreas[i].Obj // Clone() already gave this its own reference on `shared`
		bottom := mem.BottomOf(shared)

		// Each new shadow needs one fresh reference on bottom; the
		// reference each area already holds on `shared` (one from
		// the parent's original area, one from Map.Clone()'s ref-
		// increment for the child) transfers directly into the new
		// shadow's `shadowed` field without any further Ref().
		bottom.Ref()
		parentShadow := mem.NewShadow(shared, bottom)

		bottom.Ref()
		childShadow := mem.NewShadow(childShared, bottom)

		pa.Obj = parentShadow
		childAreas[i].Obj = childShadow

		vm.pt.UnmapRange(pa.Start, pa.Npages())
	}
	vm.pt.FlushAll()
	return child
}
