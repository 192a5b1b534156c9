package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/defs"
)

func TestCacheGetReturnsSameFrameForSamePagenum(t *testing.T) {
	a := NewAnon()
	pf1, err := a.Lookuppage(3, false)
	require.Equal(t, 0, int(err))
	pf2, err := a.Lookuppage(3, false)
	require.Equal(t, 0, int(err))
	assert.Same(t, pf1, pf2, "two lookups of the same pagenum must return the identical frame")
}

func TestAnonPageIsZeroFilled(t *testing.T) {
	a := NewAnon()
	pf, err := a.Lookuppage(0, false)
	require.Equal(t, 0, int(err))
	for _, b := range pf.Data {
		require.Equal(t, byte(0), b)
	}
}

// fakeBlockSource lets DirtyPage/CleanPage round-trip through a plain
// in-memory slice, standing in for a real blockdev.MemDisk_t.
type fakeBlockSource struct {
	blocks map[int]*Page_t
}

func newFakeBlockSource() *fakeBlockSource {
	return &fakeBlockSource{blocks: make(map[int]*Page_t)}
}

func (f *fakeBlockSource) ReadBlock(pagenum int, dst *Page_t) defs.Err_t {
	if p, ok := f.blocks[pagenum]; ok {
		*dst = *p
	}
	return 0
}

func (f *fakeBlockSource) WriteBlock(pagenum int, src *Page_t) defs.Err_t {
	cp := *src
	f.blocks[pagenum] = &cp
	return 0
}

func TestDirtyThenCleanWritesBackToBlockSource(t *testing.T) {
	src := newFakeBlockSource()
	obj := NewBlockDevObj(src)

	pf, err := obj.Lookuppage(5, true)
	require.Equal(t, 0, int(err))
	pf.Data[0] = 0xAB

	require.Equal(t, 0, int(obj.Cache().Dirty(pf)))
	assert.True(t, pf.Dirty())

	require.Equal(t, 0, int(obj.Cache().Clean(pf)))
	assert.False(t, pf.Dirty())
	assert.Equal(t, byte(0xAB), src.blocks[5][0])
}

func TestFreeOfPinnedFramePanics(t *testing.T) {
	a := NewAnon()
	pf, err := a.Lookuppage(0, false)
	require.Equal(t, 0, int(err))
	// Anon's FillPage already pins the page for its lifetime.
	assert.True(t, pf.Pinned())
	assert.Panics(t, func() { a.Cache().Free(pf) })
}

func TestUnpinBelowZeroPanics(t *testing.T) {
	a := NewAnon()
	pf, err := a.Lookuppage(0, false)
	require.Equal(t, 0, int(err))
	a.Cache().Unpin(pf) // drops the one pin FillPage added
	assert.Panics(t, func() { a.Cache().Unpin(pf) })
}
