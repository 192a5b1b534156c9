package s5fs

import (
	"sync"

	"kcore/blockdev"
	"kcore/defs"
	"kcore/kconfig"
	"kcore/klog"
	"kcore/kmetrics"
	"kcore/mem"
)

var log = klog.For("s5fs")

// Filesystem_t is a mounted S5 filesystem: the raw device, its page
// cache, and the narrow fs-wide mutex covering superblock mutation
// (spec.md §4.7 "Locking": "The fs mutex is narrower, covering only
// superblock mutation").
type Filesystem_t struct {
	geo *kconfig.Config
	raw *blockdev.MemDisk_t
	dev *mem.BlockDevObj_t // page-cached view of the raw device

	mu sync.Mutex // fs mutex: superblock mutation only
	sb *Superblock_t

	sbBlock    int
	inodeBlock int // first block of the packed inode table

	metrics *kmetrics.Registry
}

// SetMetrics attaches a kmetrics.Registry that block/inode allocation
// report to. Optional; nil disables metrics.
func (fs *Filesystem_t) SetMetrics(m *kmetrics.Registry) {
	fs.mu.Lock()
	fs.metrics = m
	fs.mu.Unlock()
}

// Mkfs formats raw with an empty S5 filesystem: every inode chained
// onto the free list, every data block chained onto the free list,
// and a root directory inode containing `.`/`..`. Grounded on the
// teacher's mkfs package (biscuit/src/mkfs/mkfs.go), reworked around
// this port's in-memory block device and Go-native free-list code
// instead of a standalone host tool that writes an image file.
func Mkfs(raw *blockdev.MemDisk_t, geo *kconfig.Config) (*Filesystem_t, defs.Err_t) {
	inodesPerBlock := geo.S5BlockSize / geo.S5InodeSize
	numInodes := inodesPerBlock * 4 // a handful of inode-table blocks

	fs := &Filesystem_t{
		geo:        geo,
		raw:        raw,
		dev:        raw.Obj(),
		sbBlock:    0,
		inodeBlock: 1,
	}

	dataStart := fs.inodeBlock + (numInodes+inodesPerBlock-1)/inodesPerBlock
	if dataStart >= raw.Nblocks() {
		return nil, defs.ENOSPC.Neg()
	}

	sbFrame, err := fs.dev.Cache().Lookup(fs.sbBlock, true)
	if err != 0 {
		return nil, err
	}
	sb := &Superblock_t{Data: sbFrame.Data[:], Geo: geo}
	sb.SetMagic(S5_MAGIC)
	sb.SetVersion(1)
	sb.SetNumInodes(numInodes)
	sb.SetNfree(0)
	sb.SetFreeInode(NoFree)
	fs.sb = sb

	fs.freeAllInodes(numInodes)

	for b := raw.Nblocks() - 1; b >= dataStart; b-- {
		fs.freeBlockLocked(b)
	}

	if err := fs.writeThroughMeta(sbFrame); err != 0 {
		return nil, err
	}

	root, err := fs.AllocInode(defs.I_DIR)
	if err != 0 {
		return nil, err
	}
	sb.SetRootInode(root.Num())
	if err := fs.writeThroughMeta(sbFrame); err != 0 {
		return nil, err
	}

	if err := fs.InitDir(root, root.Num()); err != 0 {
		return nil, err
	}
	return fs, 0
}

// Mount loads an already-formatted filesystem image from raw.
func Mount(raw *blockdev.MemDisk_t, geo *kconfig.Config) (*Filesystem_t, defs.Err_t) {
	fs := &Filesystem_t{geo: geo, raw: raw, dev: raw.Obj(), sbBlock: 0, inodeBlock: 1}
	sbFrame, err := fs.dev.Cache().Lookup(fs.sbBlock, false)
	if err != 0 {
		return nil, err
	}
	sb := &Superblock_t{Data: sbFrame.Data[:], Geo: geo}
	if sb.Magic() != S5_MAGIC {
		return nil, defs.EINVAL.Neg()
	}
	fs.sb = sb
	return fs, 0
}

// RootInode returns the inode number of the filesystem's root
// directory, recorded in the superblock at mkfs time.
func (fs *Filesystem_t) RootInode() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.RootInode()
}

func (fs *Filesystem_t) writeThroughMeta(pf *mem.Frame_t) defs.Err_t {
	if err := fs.dev.Cache().Dirty(pf); err != 0 {
		return err
	}
	return fs.dev.Cache().Clean(pf)
}

// ---------------------------------------------------------------
// Block allocation (spec.md §4.7 "Block allocation").
// ---------------------------------------------------------------

// AllocBlock implements s5_alloc_block under the fs mutex: pop the
// inline free-block array if nonempty; otherwise page in the block
// the last slot points to, adopt its contents as the new inline
// array, and return that now-vacated block.
func (fs *Filesystem_t) AllocBlock() (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sbFrame, err := fs.dev.Cache().Lookup(fs.sbBlock, true)
	if err != 0 {
		return 0, err
	}

	if n := fs.sb.Nfree(); n > 0 {
		n--
		b := fs.sb.FreeBlock(n)
		fs.sb.SetNfree(n)
		if werr := fs.writeThroughMeta(sbFrame); werr != 0 {
			return 0, werr
		}
		fs.zeroBlock(b)
		if fs.metrics != nil {
			fs.metrics.BlocksAllocated.Inc()
		}
		return b, 0
	}

	last := fs.geo.S5FreeBlockSlots - 1
	chainHead := fs.sb.FreeBlock(last)
	if chainHead == 0 {
		return 0, defs.ENOSPC.Neg()
	}

	chainFrame, err := fs.dev.Cache().Lookup(chainHead, false)
	if err != 0 {
		return 0, err
	}
	n := int(fieldr32(chainFrame.Data[:], 0))
	for i := 0; i < n; i++ {
		fs.sb.SetFreeBlock(i, int(fieldr32(chainFrame.Data[:], 1+i)))
	}
	fs.sb.SetFreeBlock(last, int(fieldr32(chainFrame.Data[:], 1+last)))
	fs.sb.SetNfree(n)
	if werr := fs.writeThroughMeta(sbFrame); werr != 0 {
		return 0, werr
	}
	fs.zeroBlock(chainHead)
	if fs.metrics != nil {
		fs.metrics.BlocksAllocated.Inc()
	}
	return chainHead, 0
}

func (fs *Filesystem_t) zeroBlock(b int) {
	pf, err := fs.dev.Cache().Lookup(b, true)
	if err != 0 {
		return
	}
	for i := range pf.Data {
		pf.Data[i] = 0
	}
	fs.writeThroughMeta(pf)
}

// FreeBlock implements s5_free_block: the dual of AllocBlock.
func (fs *Filesystem_t) FreeBlock(b int) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.freeBlockLocked(b)

	sbFrame, err := fs.dev.Cache().Lookup(fs.sbBlock, true)
	if err != 0 {
		return err
	}
	if werr := fs.writeThroughMeta(sbFrame); werr != 0 {
		return werr
	}
	if fs.metrics != nil {
		fs.metrics.BlocksFreed.Inc()
	}
	return 0
}

func (fs *Filesystem_t) freeBlockLocked(b int) {
	last := fs.geo.S5FreeBlockSlots - 1
	if n := fs.sb.Nfree(); n < last {
		fs.sb.SetFreeBlock(n, b)
		fs.sb.SetNfree(n + 1)
		return
	}

	// Array full: write it out to the freed block, which becomes the
	// new chain head, and reset the inline count to zero.
	chainFrame, err := fs.dev.Cache().Lookup(b, true)
	if err == 0 {
		n := last
		fieldw32(chainFrame.Data[:], 0, int32(n))
		for i := 0; i < n; i++ {
			fieldw32(chainFrame.Data[:], 1+i, int32(fs.sb.FreeBlock(i)))
		}
		// the word after the entries carries the old chain head
		fieldw32(chainFrame.Data[:], 1+last, int32(fs.sb.FreeBlock(last)))
		fs.writeThroughMeta(chainFrame)
	}
	fs.sb.SetNfree(0)
	fs.sb.SetFreeBlock(last, b)
}

// ---------------------------------------------------------------
// Inode allocation (spec.md §4.7 "Inode allocation").
// ---------------------------------------------------------------

func (fs *Filesystem_t) inodeBlockAndOffset(num int) (int, int) {
	perBlock := fs.geo.S5BlockSize / fs.geo.S5InodeSize
	return fs.inodeBlock + num/perBlock, (num % perBlock) * fs.geo.S5InodeSize
}

// GetInode loads inode num from the packed table.
func (fs *Filesystem_t) GetInode(num int) (*Inode_t, defs.Err_t) {
	blk, off := fs.inodeBlockAndOffset(num)
	pf, err := fs.dev.Cache().Lookup(blk, false)
	if err != 0 {
		return nil, err
	}
	return &Inode_t{Data: pf.Data[off : off+fs.geo.S5InodeSize], Geo: fs.geo, num: num}, 0
}

func (fs *Filesystem_t) putInode(num int, ino *Inode_t) defs.Err_t {
	blk, _ := fs.inodeBlockAndOffset(num)
	pf, err := fs.dev.Cache().Lookup(blk, true)
	if err != 0 {
		return err
	}
	return fs.writeThroughMeta(pf)
}

func (fs *Filesystem_t) freeAllInodes(numInodes int) {
	for i := numInodes - 1; i >= 0; i-- {
		blk, off := fs.inodeBlockAndOffset(i)
		pf, err := fs.dev.Cache().Lookup(blk, true)
		if err != 0 {
			continue
		}
		ino := &Inode_t{Data: pf.Data[off : off+fs.geo.S5InodeSize], Geo: fs.geo}
		ino.SetType(defs.I_FREE)
		ino.SetLinkcount(0)
		ino.SetSize(0)
		ino.SetNextFree(fs.sb.FreeInode())
		fs.sb.SetFreeInode(i)
		fs.writeThroughMeta(pf)
	}
}

// AllocInode implements s5_alloc_inode: pop the inode free-list head.
func (fs *Filesystem_t) AllocInode(t defs.Itype_t) (*Inode_t, defs.Err_t) {
	fs.mu.Lock()
	head := fs.sb.FreeInode()
	if head == NoFree || head < 0 {
		fs.mu.Unlock()
		return nil, defs.ENOSPC.Neg()
	}
	ino, err := fs.GetInode(head)
	if err != 0 {
		fs.mu.Unlock()
		return nil, err
	}
	next := ino.NextFree()
	fs.sb.SetFreeInode(next)

	sbFrame, serr := fs.dev.Cache().Lookup(fs.sbBlock, true)
	if serr != 0 {
		fs.mu.Unlock()
		return nil, serr
	}
	if werr := fs.writeThroughMeta(sbFrame); werr != 0 {
		fs.mu.Unlock()
		return nil, werr
	}
	fs.mu.Unlock()

	ino.SetType(t)
	ino.SetLinkcount(0)
	ino.SetSize(0)
	for i := 0; i < fs.geo.S5NDirect; i++ {
		ino.SetDirect(i, 0)
	}
	ino.SetIndirect(0)
	if err := fs.putInode(head, ino); err != 0 {
		return nil, err
	}
	if fs.metrics != nil {
		fs.metrics.InodesAllocated.Inc()
	}
	return ino, 0
}

// FreeInode implements s5_free_inode: release every direct block, the
// indirect block and its referenced data blocks (if the inode is a
// typed file or directory), then push the inode back onto the free
// list.
func (fs *Filesystem_t) FreeInode(num int) defs.Err_t {
	ino, err := fs.GetInode(num)
	if err != 0 {
		return err
	}

	if ino.Type() == defs.I_DATA || ino.Type() == defs.I_DIR {
		for i := 0; i < fs.geo.S5NDirect; i++ {
			if b := ino.Direct(i); b != 0 {
				fs.FreeBlock(b)
			}
		}
		if ind := ino.Indirect(); ind != 0 {
			indFrame, ferr := fs.dev.Cache().Lookup(ind, false)
			if ferr == 0 {
				for i := 0; i < fs.geo.S5NIndirect; i++ {
					if b := int(fieldr32(indFrame.Data[:], i)); b != 0 {
						fs.FreeBlock(b)
					}
				}
			}
			fs.FreeBlock(ind)
		}
	}

	fs.mu.Lock()
	ino.SetType(defs.I_FREE)
	ino.SetNextFree(fs.sb.FreeInode())
	fs.sb.SetFreeInode(num)
	sbFrame, serr := fs.dev.Cache().Lookup(fs.sbBlock, true)
	if serr != 0 {
		fs.mu.Unlock()
		return serr
	}
	werr := fs.writeThroughMeta(sbFrame)
	fs.mu.Unlock()
	if werr != 0 {
		return werr
	}
	if err := fs.putInode(num, ino); err != 0 {
		return err
	}
	if fs.metrics != nil {
		fs.metrics.InodesFreed.Inc()
	}
	return 0
}

// SeekToBlock implements s5_seek_to_block: translate a file-relative
// page index to a block number, optionally allocating (and, for the
// indirect range, allocating/zeroing the indirect block itself) on
// the way, per spec.md §4.7 "Indirection".
func (fs *Filesystem_t) SeekToBlock(ino *Inode_t, page int, alloc bool) (int, defs.Err_t) {
	if page < fs.geo.S5NDirect {
		b := ino.Direct(page)
		if b == 0 && alloc {
			nb, err := fs.AllocBlock()
			if err != 0 {
				return 0, err
			}
			ino.SetDirect(page, nb)
			fs.putInode(ino.num, ino)
			b = nb
		}
		return b, 0
	}

	idx := page - fs.geo.S5NDirect
	if idx >= fs.geo.S5NIndirect {
		return 0, defs.EINVAL.Neg()
	}

	indBlk := ino.Indirect()
	if indBlk == 0 {
		if !alloc {
			return 0, 0
		}
		nb, err := fs.AllocBlock()
		if err != 0 {
			return 0, err
		}
		ino.SetIndirect(nb)
		fs.putInode(ino.num, ino)
		indBlk = nb
	}

	indFrame, err := fs.dev.Cache().Lookup(indBlk, true)
	if err != 0 {
		return 0, err
	}
	b := int(fieldr32(indFrame.Data[:], idx))
	if b == 0 && alloc {
		nb, err := fs.AllocBlock()
		if err != 0 {
			return 0, err
		}
		fieldw32(indFrame.Data[:], idx, int32(nb))
		if werr := fs.writeThroughMeta(indFrame); werr != 0 {
			return 0, werr
		}
		b = nb
	}
	return b, 0
}

// FillFilePage / DirtyFilePage / CleanFilePage implement mem.FileSource
// for one inode, the contract vfs.Vnode_t's embedded mem.FileObj_t
// drives (spec.md §4.3 "File (vnode) object").
func (fs *Filesystem_t) FillFilePage(ino *Inode_t, pagenum int, dst *mem.Page_t) defs.Err_t {
	b, err := fs.SeekToBlock(ino, pagenum, false)
	if err != 0 {
		return err
	}
	if b == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return 0
	}
	return fs.raw.ReadBlock(b, dst)
}

func (fs *Filesystem_t) DirtyFilePage(ino *Inode_t, pagenum int) defs.Err_t {
	_, err := fs.SeekToBlock(ino, pagenum, true)
	return err
}

func (fs *Filesystem_t) CleanFilePage(ino *Inode_t, pagenum int, src *mem.Page_t) defs.Err_t {
	b, err := fs.SeekToBlock(ino, pagenum, false)
	if err != 0 {
		return err
	}
	if b == 0 {
		// still sparse: a clean of a never-dirtied page is a no-op.
		return 0
	}
	return fs.raw.WriteBlock(b, src)
}
