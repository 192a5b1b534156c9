package s5fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/blockdev"
	"kcore/defs"
	"kcore/kconfig"
	"kcore/mem"
)

func mkfsTest(t *testing.T) *Filesystem_t {
	t.Helper()
	disk := blockdev.New(64)
	fs, err := Mkfs(disk, kconfig.Default())
	require.Equal(t, defs.Err_t(0), err)
	return fs
}

func TestMkfsProducesEmptyRootDirectory(t *testing.T) {
	fs := mkfsTest(t)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.I_DIR, root.Itype())

	_, _, more, err := fs.Getdent(root.ino, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.True(t, more, "root dir must contain its \".\" entry")
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := mkfsTest(t)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)

	file, err := root.Create("hello")
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.I_DATA, file.Itype())

	fo := file.(*FileOps_t)
	want := []byte("hello, s5fs\n")

	// Go through the page cache directly, mirroring how vmm.Vm_t.Write
	// dirties a file-backed page via mem.FileObj_t.
	obj := mem.NewFileObj(fo)
	frame, lerr := obj.Lookuppage(0, true)
	require.Equal(t, defs.Err_t(0), lerr)
	copy(frame.Data[:], want)
	require.Equal(t, defs.Err_t(0), obj.Cache().Dirty(frame))
	require.Equal(t, defs.Err_t(0), obj.Cache().Clean(frame))

	// A fresh FileObj_t over the same inode must read back what was
	// written through the block cache.
	obj2 := mem.NewFileObj(fo)
	frame2, rerr := obj2.Lookuppage(0, false)
	require.Equal(t, defs.Err_t(0), rerr)
	assert.Equal(t, want, frame2.Data[:len(want)])
}

func TestLookupFindsCreatedEntry(t *testing.T) {
	fs := mkfsTest(t)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)

	_, err = root.Mkdir("sub")
	require.Equal(t, defs.Err_t(0), err)

	found, err := root.Lookup("sub")
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.I_DIR, found.Itype())

	_, err = root.Lookup("missing")
	assert.Equal(t, defs.ENOENT.Neg(), err)
}

func TestUnlinkDropsLinkcountAndReclaimFreesInode(t *testing.T) {
	fs := mkfsTest(t)
	root, err := fs.RootOps()
	require.Equal(t, defs.Err_t(0), err)

	file, err := root.Create("gone")
	require.Equal(t, defs.Err_t(0), err)
	fo := file.(*FileOps_t)
	num := fo.ino.Num()

	lc, err := root.Unlink("gone")
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 0, lc, "unlinking the only name drops linkcount to zero")

	require.Equal(t, defs.Err_t(0), fo.Reclaim())

	reloaded, err := fs.GetInode(num)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.I_FREE, reloaded.Type())
}

func TestBlockAllocFreeRoundTripIsZeroed(t *testing.T) {
	fs := mkfsTest(t)
	b, err := fs.AllocBlock()
	require.Equal(t, defs.Err_t(0), err)

	pf, err := fs.dev.Cache().Lookup(b, true)
	require.Equal(t, defs.Err_t(0), err)
	pf.Data[0] = 0x42
	require.Equal(t, defs.Err_t(0), fs.writeThroughMeta(pf))

	require.Equal(t, defs.Err_t(0), fs.FreeBlock(b))

	b2, err := fs.AllocBlock()
	require.Equal(t, defs.Err_t(0), err)
	pf2, err := fs.dev.Cache().Lookup(b2, false)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, byte(0), pf2.Data[0], "a freshly allocated block must be zeroed")
}

func TestInodeAllocFreeRoundTrip(t *testing.T) {
	fs := mkfsTest(t)
	ino, err := fs.AllocInode(defs.I_DATA)
	require.Equal(t, defs.Err_t(0), err)
	num := ino.Num()

	require.Equal(t, defs.Err_t(0), fs.FreeInode(num))

	reloaded, err := fs.GetInode(num)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, defs.I_FREE, reloaded.Type())
}
