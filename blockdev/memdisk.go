// Package blockdev implements the raw block device spec.md's VFS/S5FS
// layer reads and writes through: an in-memory disk image satisfying
// kcore/mem.BlockSource, grounded on the teacher's fs.Disk_i/Bdev_block_t
// contract (fs/blk.go) but backed by a plain byte slice instead of the
// teacher's AHCI driver, since this port has no real disk controller to
// talk to.
package blockdev

import (
	"sync"

	"kcore/defs"
	"kcore/klog"
	"kcore/mem"
)

var log = klog.For("blockdev")

// MemDisk_t is a fixed-size in-memory block device. One block is
// exactly mem.PGSIZE bytes, matching kconfig.Config.S5BlockSize's
// default so S5FS can page-cache the device directly through a
// mem.BlockDevObj_t without any block/page translation.
type MemDisk_t struct {
	mu     sync.Mutex
	blocks [][]byte
}

// New returns a zero-filled disk of nblocks blocks.
func New(nblocks int) *MemDisk_t {
	d := &MemDisk_t{blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, mem.PGSIZE)
	}
	return d
}

// Nblocks reports the device's fixed size.
func (d *MemDisk_t) Nblocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}

// ReadBlock implements mem.BlockSource: copy block pagenum into dst.
func (d *MemDisk_t) ReadBlock(pagenum int, dst *mem.Page_t) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pagenum < 0 || pagenum >= len(d.blocks) {
		return defs.EINVAL.Neg()
	}
	copy(dst[:], d.blocks[pagenum])
	return 0
}

// WriteBlock implements mem.BlockSource: copy src into block pagenum.
func (d *MemDisk_t) WriteBlock(pagenum int, src *mem.Page_t) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pagenum < 0 || pagenum >= len(d.blocks) {
		return defs.EINVAL.Neg()
	}
	copy(d.blocks[pagenum], src[:])
	log.Debugf("wrote block %d", pagenum)
	return 0
}

// Obj wraps d in a page-cached mem.Obj_i the way the teacher's
// superblock/inode code pins Bdev_block_t pages through the block
// cache rather than touching the device directly on every access.
func (d *MemDisk_t) Obj() *mem.BlockDevObj_t {
	return mem.NewBlockDevObj(d)
}
