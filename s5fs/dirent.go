package s5fs

import (
	"kcore/defs"
	"kcore/mem"
)

// direntCount returns the number of dirents currently stored in a
// directory inode's data (spec.md: "directory files are a contiguous
// array of dirents").
func (fs *Filesystem_t) direntCount(ino *Inode_t) int {
	return ino.Size() / fs.geo.S5DirentSize
}

func (fs *Filesystem_t) direntAt(ino *Inode_t, idx int, alloc bool) (*Dirent_t, *mem.Frame_t, defs.Err_t) {
	perBlock := fs.geo.S5BlockSize / fs.geo.S5DirentSize
	page := idx / perBlock
	off := (idx % perBlock) * fs.geo.S5DirentSize

	b, err := fs.SeekToBlock(ino, page, alloc)
	if err != 0 {
		return nil, nil, err
	}
	if b == 0 {
		return nil, nil, 0
	}
	pf, err := fs.dev.Cache().Lookup(b, alloc)
	if err != 0 {
		return nil, nil, err
	}
	return &Dirent_t{Data: pf.Data[off : off+fs.geo.S5DirentSize], Geo: fs.geo}, pf, 0
}

// FindDirent implements s5_find_dirent: a linear scan of the
// directory's dirent array.
func (fs *Filesystem_t) FindDirent(dir *Inode_t, name string) (inum, idx int, err defs.Err_t) {
	n := fs.direntCount(dir)
	for i := 0; i < n; i++ {
		d, _, derr := fs.direntAt(dir, i, false)
		if derr != 0 {
			return 0, -1, derr
		}
		if d == nil {
			continue
		}
		if d.Name() == name {
			return d.Inum(), i, 0
		}
	}
	return 0, -1, defs.ENOENT.Neg()
}

// LinkDirent implements s5_link: append a new dirent naming target in
// dir, and bump target's linkcount -- except that linking `.` does
// not change the linkcount, by convention (spec.md §4.7).
func (fs *Filesystem_t) LinkDirent(dir *Inode_t, name string, target int) defs.Err_t {
	if _, _, err := fs.FindDirent(dir, name); err == 0 {
		return defs.EEXIST.Neg()
	}

	idx := fs.direntCount(dir)
	d, pf, err := fs.direntAt(dir, idx, true)
	if err != 0 {
		return err
	}
	d.SetInum(target)
	if err := d.SetName(name); err != 0 {
		return err
	}
	if err := fs.writeThroughMeta(pf); err != 0 {
		return err
	}

	dir.SetSize(dir.Size() + fs.geo.S5DirentSize)
	if err := fs.putInode(dir.Num(), dir); err != 0 {
		return err
	}

	if name == "." {
		return 0
	}
	ti, err := fs.GetInode(target)
	if err != 0 {
		return err
	}
	ti.SetLinkcount(ti.Linkcount() + 1)
	return fs.putInode(target, ti)
}

// RemoveDirent implements s5_remove_dirent: find the victim, overwrite
// its slot with the last dirent, truncate size by one dirent, and
// decrement the target inode's linkcount. It returns the target's
// post-decrement linkcount; the caller (vfs, which alone knows whether
// the vnode is still referenced) decides whether to call FreeInode.
func (fs *Filesystem_t) RemoveDirent(dir *Inode_t, name string) (target int, linkcount int, err defs.Err_t) {
	target, idx, err := fs.FindDirent(dir, name)
	if err != 0 {
		return 0, 0, err
	}

	last := fs.direntCount(dir) - 1
	if idx != last {
		ld, _, lerr := fs.direntAt(dir, last, false)
		if lerr != 0 {
			return 0, 0, lerr
		}
		lastInum, lastName := ld.Inum(), ld.Name()

		vd, vpf, verr := fs.direntAt(dir, idx, false)
		if verr != 0 {
			return 0, 0, verr
		}
		vd.SetInum(lastInum)
		if serr := vd.SetName(lastName); serr != 0 {
			return 0, 0, serr
		}
		if werr := fs.writeThroughMeta(vpf); werr != 0 {
			return 0, 0, werr
		}
	}

	dir.SetSize(dir.Size() - fs.geo.S5DirentSize)
	if err := fs.putInode(dir.Num(), dir); err != 0 {
		return 0, 0, err
	}

	ti, err := fs.GetInode(target)
	if err != 0 {
		return 0, 0, err
	}
	lc := ti.Linkcount() - 1
	ti.SetLinkcount(lc)
	if err := fs.putInode(target, ti); err != 0 {
		return 0, 0, err
	}
	return target, lc, 0
}

// InitDir implements the second half of mkdir: link `.` (self, no
// linkcount bump) and `..` (parent, linkcount bump) into a freshly
// allocated directory inode.
func (fs *Filesystem_t) InitDir(dir *Inode_t, parent int) defs.Err_t {
	if err := fs.LinkDirent(dir, ".", dir.Num()); err != 0 {
		return err
	}
	return fs.LinkDirent(dir, "..", parent)
}

// IsEmptyDir reports whether dir contains only `.` and `..`, the
// precondition rmdir enforces (spec.md: "rmdir refuses unless the
// directory contains exactly `.` and `..`").
func (fs *Filesystem_t) IsEmptyDir(dir *Inode_t) bool {
	return fs.direntCount(dir) == 2
}

// Getdent reads the idx'th directory entry, for the getdent syscall.
// Returns ("", 0, false) once idx is past the last entry.
func (fs *Filesystem_t) Getdent(dir *Inode_t, idx int) (string, int, bool, defs.Err_t) {
	if idx >= fs.direntCount(dir) {
		return "", 0, false, 0
	}
	d, _, err := fs.direntAt(dir, idx, false)
	if err != 0 {
		return "", 0, false, err
	}
	return d.Name(), d.Inum(), true, 0
}
