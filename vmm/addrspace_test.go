package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/defs"
	"kcore/mem"
)

func TestFaultPopulatesPageTableForAnonMapping(t *testing.T) {
	vm := NewVm()
	area, err := vm.Mmap(nil, 0, 2, defs.PROT_R|defs.PROT_W, MAP_PRIVATE|MAP_ANON, 0, LOHI)
	require.Equal(t, defs.Err_t(0), err)

	err = vm.Fault(area.Start, FaultCause{Write: true})
	assert.Equal(t, defs.Err_t(0), err)

	_, ok := vm.pt.Lookup(area.Start)
	assert.True(t, ok, "a successful fault must install a page-table entry")
}

func TestFaultOnMissingAreaReturnsEFAULT(t *testing.T) {
	vm := NewVm()
	err := vm.Fault(100, FaultCause{})
	assert.Equal(t, defs.EFAULT.Neg(), err)
}

func TestWriteFaultOnReadOnlyAreaReturnsEFAULT(t *testing.T) {
	vm := NewVm()
	area, err := vm.Mmap(nil, 0, 1, defs.PROT_R, MAP_PRIVATE|MAP_ANON, 0, LOHI)
	require.Equal(t, defs.Err_t(0), err)

	err = vm.Fault(area.Start, FaultCause{Write: true})
	assert.Equal(t, defs.EFAULT.Neg(), err)
}

func TestReadWriteRoundTripThroughVmmap(t *testing.T) {
	vm := NewVm()
	area, err := vm.Mmap(nil, 0, 1, defs.PROT_R|defs.PROT_W, MAP_PRIVATE|MAP_ANON, 0, LOHI)
	require.Equal(t, defs.Err_t(0), err)

	addr := area.Start * mem.PGSIZE
	want := []byte("hello vmm")
	require.Equal(t, defs.Err_t(0), vm.Write(want, addr))

	got := make([]byte, len(want))
	require.Equal(t, defs.Err_t(0), vm.Read(got, addr))
	assert.Equal(t, want, got)
}

func TestForkGivesChildIndependentCopyOnWrite(t *testing.T) {
	vm := NewVm()
	area, err := vm.Mmap(nil, 0, 1, defs.PROT_R|defs.PROT_W, MAP_PRIVATE|MAP_ANON, 0, LOHI)
	require.Equal(t, defs.Err_t(0), err)

	addr := area.Start * mem.PGSIZE
	require.Equal(t, defs.Err_t(0), vm.Write([]byte("parent"), addr))

	child := vm.Fork()

	// Before either side writes again, the child reads the parent's data
	// through the pre-fork shadow that both new shadows wrap.
	got := make([]byte, len("parent"))
	require.Equal(t, defs.Err_t(0), child.Read(got, addr))
	assert.Equal(t, "parent", string(got))

	// A child write must not perturb the parent's page.
	require.Equal(t, defs.Err_t(0), child.Write([]byte("child!"), addr))
	parentGot := make([]byte, len("parent"))
	require.Equal(t, defs.Err_t(0), vm.Read(parentGot, addr))
	assert.Equal(t, "parent", string(parentGot))

	childGot := make([]byte, len("child!"))
	require.Equal(t, defs.Err_t(0), child.Read(childGot, addr))
	assert.Equal(t, "child!", string(childGot))
}

func TestMunmapRemovesAreaAndFailsFurtherFaults(t *testing.T) {
	vm := NewVm()
	area, err := vm.Mmap(nil, 0, 1, defs.PROT_R|defs.PROT_W, MAP_PRIVATE|MAP_ANON, 0, LOHI)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), vm.Munmap(area.Start, 1))

	err = vm.Fault(area.Start, FaultCause{})
	assert.Equal(t, defs.EFAULT.Neg(), err)
}
