package s5fs

import (
	"strconv"

	"kcore/defs"
	"kcore/mem"
	"kcore/vfs"
)

// FileOps_t adapts one S5 inode to vfs.Ops_i, binding the inode the
// plain mem.FileSource contract needs to the Filesystem_t methods that
// take it explicitly (Filesystem_t.FillFilePage et al. are shared
// across every open inode, so the per-vnode binding lives here rather
// than in Filesystem_t itself).
type FileOps_t struct {
	fs  *Filesystem_t
	ino *Inode_t
}

// wrap returns the Ops_i for an already-loaded inode.
func (fs *Filesystem_t) wrap(ino *Inode_t) *FileOps_t {
	return &FileOps_t{fs: fs, ino: ino}
}

// RootOps returns the Ops_i for the filesystem's root directory, for
// handing to vfs.NewMount.
func (fs *Filesystem_t) RootOps() (*FileOps_t, defs.Err_t) {
	ino, err := fs.GetInode(fs.RootInode())
	if err != 0 {
		return nil, err
	}
	return fs.wrap(ino), 0
}

func (fo *FileOps_t) Key() string { return strconv.Itoa(fo.ino.Num()) }

func (fo *FileOps_t) Itype() defs.Itype_t { return fo.ino.Type() }

func (fo *FileOps_t) Size() int { return fo.ino.Size() }

func (fo *FileOps_t) SetSize(n int) {
	fo.ino.SetSize(n)
	fo.fs.putInode(fo.ino.Num(), fo.ino)
}

func (fo *FileOps_t) Linkcount() int { return fo.ino.Linkcount() }

func (fo *FileOps_t) Devid() uint16 { return fo.ino.Devid() }

// Lookup resolves name inside this directory inode's dirent array.
func (fo *FileOps_t) Lookup(name string) (vfs.Ops_i, defs.Err_t) {
	if fo.ino.Type() != defs.I_DIR {
		return nil, defs.ENOTDIR.Neg()
	}
	inum, _, err := fo.fs.FindDirent(fo.ino, name)
	if err != 0 {
		return nil, err
	}
	child, err := fo.fs.GetInode(inum)
	if err != 0 {
		return nil, err
	}
	return fo.fs.wrap(child), 0
}

// Link names target within this directory.
func (fo *FileOps_t) Link(name string, target vfs.Ops_i) defs.Err_t {
	t, ok := target.(*FileOps_t)
	if !ok {
		return defs.EINVAL.Neg()
	}
	return fo.fs.LinkDirent(fo.ino, name, t.ino.Num())
}

// Unlink removes name from this directory, returning the target
// inode's post-decrement linkcount.
func (fo *FileOps_t) Unlink(name string) (int, defs.Err_t) {
	_, lc, err := fo.fs.RemoveDirent(fo.ino, name)
	return lc, err
}

// Create allocates a fresh regular-file inode and links it as name.
func (fo *FileOps_t) Create(name string) (vfs.Ops_i, defs.Err_t) {
	ni, err := fo.fs.AllocInode(defs.I_DATA)
	if err != 0 {
		return nil, err
	}
	if err := fo.fs.LinkDirent(fo.ino, name, ni.Num()); err != 0 {
		fo.fs.FreeInode(ni.Num())
		return nil, err
	}
	return fo.fs.wrap(ni), 0
}

// Mkdir allocates a fresh directory inode, links it as name, and
// initializes its `.`/`..` entries.
func (fo *FileOps_t) Mkdir(name string) (vfs.Ops_i, defs.Err_t) {
	ni, err := fo.fs.AllocInode(defs.I_DIR)
	if err != 0 {
		return nil, err
	}
	if err := fo.fs.LinkDirent(fo.ino, name, ni.Num()); err != 0 {
		fo.fs.FreeInode(ni.Num())
		return nil, err
	}
	if err := fo.fs.InitDir(ni, fo.ino.Num()); err != 0 {
		return nil, err
	}
	return fo.fs.wrap(ni), 0
}

// Mknod allocates a device-special inode recording dev in the
// repurposed indirect word, and links it as name.
func (fo *FileOps_t) Mknod(name string, itype defs.Itype_t, dev uint16) (vfs.Ops_i, defs.Err_t) {
	ni, err := fo.fs.AllocInode(itype)
	if err != 0 {
		return nil, err
	}
	ni.SetDevid(dev)
	if err := fo.fs.putInode(ni.Num(), ni); err != 0 {
		return nil, err
	}
	if err := fo.fs.LinkDirent(fo.ino, name, ni.Num()); err != 0 {
		fo.fs.FreeInode(ni.Num())
		return nil, err
	}
	return fo.fs.wrap(ni), 0
}

func (fo *FileOps_t) IsEmptyDir() bool { return fo.fs.IsEmptyDir(fo.ino) }

// Getdent reads the idx'th directory entry's name and child type.
func (fo *FileOps_t) Getdent(idx int) (string, defs.Itype_t, bool, defs.Err_t) {
	name, inum, more, err := fo.fs.Getdent(fo.ino, idx)
	if err != 0 || !more {
		return "", 0, more, err
	}
	child, err := fo.fs.GetInode(inum)
	if err != 0 {
		return "", 0, false, err
	}
	return name, child.Type(), true, 0
}

// Reclaim frees the on-disk inode once its on-disk linkcount has
// already dropped to zero (a name-unlink already happened; this is
// only called once the VFS refcount also reaches zero).
func (fo *FileOps_t) Reclaim() defs.Err_t {
	if fo.ino.Linkcount() > 0 {
		return 0
	}
	return fo.fs.FreeInode(fo.ino.Num())
}

// ---------------------------------------------------------------
// mem.FileSource, binding the shared Filesystem_t methods to this
// particular inode.
// ---------------------------------------------------------------

func (fo *FileOps_t) FillFilePage(pagenum int, dst *mem.Page_t) defs.Err_t {
	return fo.fs.FillFilePage(fo.ino, pagenum, dst)
}

func (fo *FileOps_t) DirtyFilePage(pagenum int) defs.Err_t {
	return fo.fs.DirtyFilePage(fo.ino, pagenum)
}

func (fo *FileOps_t) CleanFilePage(pagenum int, src *mem.Page_t) defs.Err_t {
	return fo.fs.CleanFilePage(fo.ino, pagenum, src)
}
