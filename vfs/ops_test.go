package vfs

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcore/defs"
	"kcore/mem"
	"kcore/ustr"
)

// fakeNode is a minimal in-memory Ops_i, standing in for an s5fs inode
// so this package's path-resolution/fd-table logic can be exercised
// without importing s5fs (which itself imports vfs).
type fakeNode struct {
	mu        sync.Mutex
	key       string
	itype     defs.Itype_t
	data      []byte
	linkcount int
	devid     uint16

	names    []string
	children map[string]*fakeNode
}

var nextFakeKey = 1

func newFakeNode(itype defs.Itype_t) *fakeNode {
	nextFakeKey++
	n := &fakeNode{key: "fake" + string(rune('0'+nextFakeKey)), itype: itype, linkcount: 1}
	if itype == defs.I_DIR {
		n.children = make(map[string]*fakeNode)
	}
	return n
}

func (n *fakeNode) Key() string           { return n.key }
func (n *fakeNode) Itype() defs.Itype_t   { return n.itype }
func (n *fakeNode) Size() int             { n.mu.Lock(); defer n.mu.Unlock(); return len(n.data) }
func (n *fakeNode) SetSize(sz int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sz <= len(n.data) {
		n.data = n.data[:sz]
		return
	}
	grown := make([]byte, sz)
	copy(grown, n.data)
	n.data = grown
}
func (n *fakeNode) Linkcount() int { n.mu.Lock(); defer n.mu.Unlock(); return n.linkcount }
func (n *fakeNode) Devid() uint16  { return n.devid }
func (n *fakeNode) Reclaim() defs.Err_t { return 0 }

func (n *fakeNode) Lookup(name string) (Ops_i, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.children[name]
	if !ok {
		return nil, defs.ENOENT.Neg()
	}
	return c, 0
}

func (n *fakeNode) add(name string, c *fakeNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children[name] = c
	n.names = append(n.names, name)
}

func (n *fakeNode) Link(name string, target Ops_i) defs.Err_t {
	t := target.(*fakeNode)
	n.add(name, t)
	t.mu.Lock()
	t.linkcount++
	t.mu.Unlock()
	return 0
}

func (n *fakeNode) Unlink(name string) (int, defs.Err_t) {
	n.mu.Lock()
	c, ok := n.children[name]
	if !ok {
		n.mu.Unlock()
		return 0, defs.ENOENT.Neg()
	}
	delete(n.children, name)
	for i, nm := range n.names {
		if nm == name {
			n.names = append(n.names[:i], n.names[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	c.mu.Lock()
	c.linkcount--
	lc := c.linkcount
	c.mu.Unlock()
	return lc, 0
}

func (n *fakeNode) Create(name string) (Ops_i, defs.Err_t) {
	c := newFakeNode(defs.I_DATA)
	n.add(name, c)
	return c, 0
}

func (n *fakeNode) Mkdir(name string) (Ops_i, defs.Err_t) {
	c := newFakeNode(defs.I_DIR)
	n.add(name, c)
	return c, 0
}

func (n *fakeNode) Mknod(name string, itype defs.Itype_t, dev uint16) (Ops_i, defs.Err_t) {
	c := newFakeNode(itype)
	c.devid = dev
	n.add(name, c)
	return c, 0
}

func (n *fakeNode) IsEmptyDir() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names) == 0
}

func (n *fakeNode) Getdent(idx int) (string, defs.Itype_t, bool, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := append([]string(nil), n.names...)
	sort.Strings(names)
	if idx >= len(names) {
		return "", 0, false, 0
	}
	child := n.children[names[idx]]
	return names[idx], child.itype, true, 0
}

func (n *fakeNode) FillFilePage(pagenum int, dst *mem.Page_t) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	off := pagenum * mem.PGSIZE
	for i := range dst {
		dst[i] = 0
	}
	if off >= len(n.data) {
		return 0
	}
	copy(dst[:], n.data[off:])
	return 0
}

func (n *fakeNode) DirtyFilePage(pagenum int) defs.Err_t { return 0 }

func (n *fakeNode) CleanFilePage(pagenum int, src *mem.Page_t) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	off := pagenum * mem.PGSIZE
	need := off + mem.PGSIZE
	if need > len(n.data) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:need], src[:])
	return 0
}

func newTestContext(t *testing.T) *Context_t {
	t.Helper()
	root := newFakeNode(defs.I_DIR)
	mount := NewMount(root)
	return NewContext(mount, 16, nil)
}

func TestCreateWriteReadThroughContext(t *testing.T) {
	ctx := newTestContext(t)
	fd, err := ctx.DoOpen(ustr.Ustr("/hello"), defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	n, err := ctx.DoWrite(fd, []byte("hi there"))
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, len("hi there"), n)

	_, err = ctx.DoLseek(fd, 0, defs.SEEK_SET)
	require.Equal(t, defs.Err_t(0), err)

	buf := make([]byte, 64)
	rn, err := ctx.DoRead(fd, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "hi there", string(buf[:rn]))
}

func TestMkdirThenRmdirRoundTrip(t *testing.T) {
	ctx := newTestContext(t)
	require.Equal(t, defs.Err_t(0), ctx.DoMkdir(ustr.Ustr("/sub")))
	require.Equal(t, defs.Err_t(0), ctx.DoRmdir(ustr.Ustr("/sub")))

	fd, err := ctx.DoOpen(ustr.Ustr("/sub/x"), defs.O_CREAT|defs.O_RDWR)
	assert.Equal(t, -1, fd)
	assert.Equal(t, defs.ENOENT.Neg(), err)
}

func TestRmdirRefusesNonEmptyDirectory(t *testing.T) {
	ctx := newTestContext(t)
	require.Equal(t, defs.Err_t(0), ctx.DoMkdir(ustr.Ustr("/sub")))
	fd, err := ctx.DoOpen(ustr.Ustr("/sub/x"), defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)
	ctx.DoClose(fd)

	err = ctx.DoRmdir(ustr.Ustr("/sub"))
	assert.Equal(t, defs.ENOTEMPTY.Neg(), err)
}

func TestDupSharesOffsetDup2ClosesTarget(t *testing.T) {
	ctx := newTestContext(t)
	fd, err := ctx.DoOpen(ustr.Ustr("/f"), defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)
	ctx.DoWrite(fd, []byte("abcdef"))
	ctx.DoLseek(fd, 0, defs.SEEK_SET)

	dupfd, err := ctx.DoDup(fd)
	require.Equal(t, defs.Err_t(0), err)

	buf := make([]byte, 3)
	n, err := ctx.DoRead(fd, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "abc", string(buf[:n]))

	// dupfd shares the same OpenFile_t, so its offset already advanced.
	n2, err := ctx.DoRead(dupfd, buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, "def", string(buf[:n2]))
}

func TestUnlinkDropsLinkcountVisibleViaStat(t *testing.T) {
	ctx := newTestContext(t)
	fd, err := ctx.DoOpen(ustr.Ustr("/dup"), defs.O_CREAT|defs.O_RDWR)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.Err_t(0), ctx.DoLink(ustr.Ustr("/dup"), ustr.Ustr("/dup2")))

	st, err := ctx.DoStat(fd)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 1, st.Nlink, "two names minus the VFS-held baseline reference")

	require.Equal(t, defs.Err_t(0), ctx.DoUnlink(ustr.Ustr("/dup2")))
	st2, err := ctx.DoStat(fd)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 0, st2.Nlink)
}

func TestOpenDirectoryRejectsWriteAccess(t *testing.T) {
	ctx := newTestContext(t)
	require.Equal(t, defs.Err_t(0), ctx.DoMkdir(ustr.Ustr("/sub")))

	fd, err := ctx.DoOpen(ustr.Ustr("/sub"), defs.O_WRONLY)
	assert.Equal(t, -1, fd)
	assert.Equal(t, defs.EISDIR.Neg(), err)

	fd, err = ctx.DoOpen(ustr.Ustr("/sub"), defs.O_RDWR)
	assert.Equal(t, -1, fd)
	assert.Equal(t, defs.EISDIR.Neg(), err)

	fd, err = ctx.DoOpen(ustr.Ustr("/sub"), defs.O_RDONLY)
	assert.Equal(t, defs.Err_t(0), err)
	assert.GreaterOrEqual(t, fd, 0)
}

func TestReadWriteOnDirectoryFdReturnsEISDIR(t *testing.T) {
	ctx := newTestContext(t)
	require.Equal(t, defs.Err_t(0), ctx.DoMkdir(ustr.Ustr("/sub")))

	fd, err := ctx.DoOpen(ustr.Ustr("/sub"), defs.O_RDONLY)
	require.Equal(t, defs.Err_t(0), err)

	buf := make([]byte, 16)
	_, err = ctx.DoRead(fd, buf)
	assert.Equal(t, defs.EISDIR.Neg(), err)

	// DoOpen already refuses FD_WRITE on a directory, so a directory fd
	// can never carry write permission; DoWrite's own EISDIR check is a
	// defense in depth that this EBADF never lets it reach.
	_, err = ctx.DoWrite(fd, []byte("x"))
	assert.Equal(t, defs.EBADF.Neg(), err)
}
