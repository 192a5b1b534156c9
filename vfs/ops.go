package vfs

import (
	"sync"

	"kcore/defs"
	"kcore/devfs"
	"kcore/ustr"
)

// Cwd_t tracks a process's current working directory, grounded on the
// teacher's fd.Cwd_t (biscuit/src/fd/fd.go).
type Cwd_t struct {
	mu    sync.Mutex
	Vnode *Vnode_t
}

func (c *Cwd_t) get() *Vnode_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Vnode.Ref()
	return c.Vnode
}

func (c *Cwd_t) set(v *Vnode_t) {
	c.mu.Lock()
	old := c.Vnode
	c.Vnode = v
	c.mu.Unlock()
	old.Put()
}

// Context_t bundles the per-process VFS state a syscall dispatch needs:
// the mount (there is exactly one in this port -- spec.md carries no
// multi-mount namespace), a private fd table and a cwd.
type Context_t struct {
	Mount   *Mount_t
	Fds     *FdTable_t
	Cwd     *Cwd_t
	Devices *devfs.Registry_t
}

// NewContext builds a fresh VFS context rooted at mount, with cwd set
// to the mount's root and an empty fd table sized nofile entries.
func NewContext(mount *Mount_t, nofile int, devices *devfs.Registry_t) *Context_t {
	root := mount.Root()
	return &Context_t{
		Mount:   mount,
		Fds:     NewFdTable(nofile),
		Cwd:     &Cwd_t{Vnode: root},
		Devices: devices,
	}
}

// Fork returns a child context sharing this mount and cwd vnode (a
// fresh reference) but with its own fd table, every descriptor dup'd
// onto the child the way the teacher's do_fork clones the fd array
// (biscuit/src/fd/fd.go's Copyfd semantics: shared OpenFile_t, shared
// offset).
func (ctx *Context_t) Fork() *Context_t {
	child := &Context_t{
		Mount:   ctx.Mount,
		Fds:     NewFdTable(len(ctx.Fds.Fds)),
		Cwd:     &Cwd_t{Vnode: ctx.Cwd.get()},
		Devices: ctx.Devices,
	}
	ctx.Fds.mu.Lock()
	defer ctx.Fds.mu.Unlock()
	for i, f := range ctx.Fds.Fds {
		if f == nil {
			continue
		}
		child.Fds.Fds[i] = &Fd_t{Open: f.Open.dup(), Perms: f.Perms}
	}
	return child
}

// Close releases every open fd and the cwd reference, for process
// exit.
func (ctx *Context_t) Close() {
	ctx.Fds.CloseAll()
	ctx.Cwd.set(nil)
}

func (ctx *Context_t) resolveStart(path ustr.Ustr) *Vnode_t {
	if path.IsAbsolute() {
		return ctx.Mount.Root()
	}
	return ctx.Cwd.get()
}

// Stat_t is the subset of struct stat spec.md's do_stat populates.
// Nlink is the on-disk linkcount minus one, per the Open Questions
// decision that the VFS-held baseline reference is not user-visible.
type Stat_t struct {
	Ino   int
	Type  defs.Itype_t
	Size  int
	Nlink int
}

// DoOpen implements open(2): resolve path (optionally creating a
// regular file on O_CREAT), install a fresh open-file description in
// the caller's fd table, and return the new descriptor number.
func (ctx *Context_t) DoOpen(path ustr.Ustr, flags int) (int, defs.Err_t) {
	start := ctx.resolveStart(path)
	creat := flags&defs.O_CREAT != 0
	v, err := ctx.Mount.OpenNamev(start, path, creat)
	start.Put()
	if err != 0 {
		return -1, err
	}
	if v.Itype() == defs.I_DIR && flags&(defs.O_WRONLY|defs.O_RDWR) != 0 {
		v.Put()
		return -1, defs.EISDIR.Neg()
	}
	of := newOpenFile(v, flags)
	fd := &Fd_t{Open: of, Perms: fdPerms(flags)}
	fdno, err := ctx.Fds.Alloc(fd)
	if err != 0 {
		of.close()
		return -1, err
	}
	return fdno, 0
}

// DoClose implements close(2).
func (ctx *Context_t) DoClose(fdno int) defs.Err_t {
	return ctx.Fds.Close(fdno)
}

// deviceFor returns the devfs device a character or block special
// vnode's I/O is routed to instead of the page cache.
func (ctx *Context_t) deviceFor(v *Vnode_t) (devfs.Dev_i, defs.Err_t) {
	if ctx.Devices == nil {
		return nil, defs.ENOENT.Neg()
	}
	return ctx.Devices.Lookup(v.Ops.Devid())
}

// DoRead implements read(2).
func (ctx *Context_t) DoRead(fdno int, dst []byte) (int, defs.Err_t) {
	fd, err := ctx.Fds.Get(fdno)
	if err != 0 {
		return 0, err
	}
	if fd.Perms&FD_READ == 0 {
		return 0, defs.EBADF.Neg()
	}
	v := fd.Open.Vnode
	if v.Itype() == defs.I_DIR {
		return 0, defs.EISDIR.Neg()
	}
	if v.Itype() == defs.I_CHR || v.Itype() == defs.I_BLK {
		dev, derr := ctx.deviceFor(v)
		if derr != 0 {
			return 0, derr
		}
		return dev.Read(dst, 0)
	}
	return fd.Open.Read(dst)
}

// DoWrite implements write(2).
func (ctx *Context_t) DoWrite(fdno int, src []byte) (int, defs.Err_t) {
	fd, err := ctx.Fds.Get(fdno)
	if err != 0 {
		return 0, err
	}
	if fd.Perms&FD_WRITE == 0 {
		return 0, defs.EBADF.Neg()
	}
	v := fd.Open.Vnode
	if v.Itype() == defs.I_DIR {
		return 0, defs.EISDIR.Neg()
	}
	if v.Itype() == defs.I_CHR || v.Itype() == defs.I_BLK {
		dev, derr := ctx.deviceFor(v)
		if derr != 0 {
			return 0, derr
		}
		return dev.Write(src, 0)
	}
	return fd.Open.Write(src)
}

// DoLseek implements lseek(2).
func (ctx *Context_t) DoLseek(fdno, off, whence int) (int, defs.Err_t) {
	fd, err := ctx.Fds.Get(fdno)
	if err != 0 {
		return 0, err
	}
	return fd.Open.Lseek(off, whence)
}

// DoDup implements dup(2).
func (ctx *Context_t) DoDup(oldfd int) (int, defs.Err_t) {
	return ctx.Fds.Dup(oldfd)
}

// DoDup2 implements dup2(2).
func (ctx *Context_t) DoDup2(oldfd, newfd int) defs.Err_t {
	return ctx.Fds.Dup2(oldfd, newfd)
}

// DoMkdir implements mkdir(2).
func (ctx *Context_t) DoMkdir(path ustr.Ustr) defs.Err_t {
	start := ctx.resolveStart(path)
	dir, name, err := ctx.Mount.DirNamev(start, path)
	start.Put()
	if err != 0 {
		return err
	}
	defer dir.Put()
	if name == "" {
		return defs.EEXIST.Neg()
	}
	newOps, err := dir.Ops.Mkdir(name)
	if err != 0 {
		return err
	}
	ctx.Mount.get(newOps).Put()
	return 0
}

// DoRmdir implements rmdir(2): refuses non-empty directories and `.`/
// `..`, per spec.md's invariant on directory removal.
func (ctx *Context_t) DoRmdir(path ustr.Ustr) defs.Err_t {
	start := ctx.resolveStart(path)
	dir, name, err := ctx.Mount.DirNamev(start, path)
	start.Put()
	if err != 0 {
		return err
	}
	defer dir.Put()
	if name == "" || name == "." || name == ".." {
		return defs.EINVAL.Neg()
	}

	child, err := ctx.Mount.Lookup(dir, name)
	if err != 0 {
		return err
	}
	if child.Itype() != defs.I_DIR {
		child.Put()
		return defs.ENOTDIR.Neg()
	}
	if !child.Ops.IsEmptyDir() {
		child.Put()
		return defs.ENOTEMPTY.Neg()
	}
	if _, err := dir.Ops.Unlink(name); err != 0 {
		child.Put()
		return err
	}
	return child.Put()
}

// DoMknod implements mknod(2) for device-special files.
func (ctx *Context_t) DoMknod(path ustr.Ustr, itype defs.Itype_t, dev uint16) defs.Err_t {
	start := ctx.resolveStart(path)
	dir, name, err := ctx.Mount.DirNamev(start, path)
	start.Put()
	if err != 0 {
		return err
	}
	defer dir.Put()
	if name == "" {
		return defs.EEXIST.Neg()
	}
	newOps, err := dir.Ops.Mknod(name, itype, dev)
	if err != 0 {
		return err
	}
	ctx.Mount.get(newOps).Put()
	return 0
}

// DoLink implements link(2): hard-link oldpath onto newpath.
func (ctx *Context_t) DoLink(oldpath, newpath ustr.Ustr) defs.Err_t {
	oldStart := ctx.resolveStart(oldpath)
	target, err := ctx.Mount.OpenNamev(oldStart, oldpath, false)
	oldStart.Put()
	if err != 0 {
		return err
	}
	defer target.Put()
	if target.Itype() == defs.I_DIR {
		return defs.EPERM.Neg()
	}

	newStart := ctx.resolveStart(newpath)
	dir, name, err := ctx.Mount.DirNamev(newStart, newpath)
	newStart.Put()
	if err != 0 {
		return err
	}
	defer dir.Put()
	if name == "" {
		return defs.EEXIST.Neg()
	}
	return dir.Ops.Link(name, target.Ops)
}

// DoUnlink implements unlink(2): drop the directory entry's on-disk
// linkcount reference, then drop this call's own VFS reference on the
// target -- the inode is only actually reclaimed once both counts
// reach zero (spec.md's delete_vnode contract, split between s5fs's
// RemoveDirent and Vnode_t.Put/Ops.Reclaim here).
func (ctx *Context_t) DoUnlink(path ustr.Ustr) defs.Err_t {
	start := ctx.resolveStart(path)
	dir, name, err := ctx.Mount.DirNamev(start, path)
	start.Put()
	if err != 0 {
		return err
	}
	defer dir.Put()
	if name == "" || name == "." || name == ".." {
		return defs.EINVAL.Neg()
	}

	child, err := ctx.Mount.Lookup(dir, name)
	if err != 0 {
		return err
	}
	if child.Itype() == defs.I_DIR {
		child.Put()
		return defs.EISDIR.Neg()
	}
	if _, err := dir.Ops.Unlink(name); err != 0 {
		child.Put()
		return err
	}
	return child.Put()
}

// DoRename implements rename(2) as link-then-unlink, the simplification
// spec.md's Non-goals sanction (no atomic cross-directory rename).
func (ctx *Context_t) DoRename(oldpath, newpath ustr.Ustr) defs.Err_t {
	if err := ctx.DoLink(oldpath, newpath); err != 0 {
		return err
	}
	return ctx.DoUnlink(oldpath)
}

// DoChdir implements chdir(2).
func (ctx *Context_t) DoChdir(path ustr.Ustr) defs.Err_t {
	start := ctx.resolveStart(path)
	v, err := ctx.Mount.OpenNamev(start, path, false)
	start.Put()
	if err != 0 {
		return err
	}
	if v.Itype() != defs.I_DIR {
		v.Put()
		return defs.ENOTDIR.Neg()
	}
	ctx.Cwd.set(v)
	return 0
}

// DoStat implements stat(2)/fstat(2) by fd.
func (ctx *Context_t) DoStat(fdno int) (*Stat_t, defs.Err_t) {
	fd, err := ctx.Fds.Get(fdno)
	if err != 0 {
		return nil, err
	}
	v := fd.Open.Vnode
	return &Stat_t{
		Type:  v.Itype(),
		Size:  v.Size(),
		Nlink: v.Ops.Linkcount() - 1,
	}, 0
}

// DoGetdent implements getdent(2): read one directory entry by index
// through the open file description at fdno.
func (ctx *Context_t) DoGetdent(fdno, idx int) (string, defs.Itype_t, bool, defs.Err_t) {
	fd, err := ctx.Fds.Get(fdno)
	if err != 0 {
		return "", 0, false, err
	}
	v := fd.Open.Vnode
	if v.Itype() != defs.I_DIR {
		return "", 0, false, defs.ENOTDIR.Neg()
	}
	return v.Ops.Getdent(idx)
}
