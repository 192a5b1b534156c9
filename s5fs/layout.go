// Package s5fs implements the on-disk S5 filesystem of spec.md §4.7:
// superblock, packed inode table, dirent protocol, block and inode
// free lists, indirect blocks and sparse files, layered over
// kcore/blockdev through the same page-frame cache (kcore/mem) the VM
// subsystem uses. Grounded on the teacher's fs.Superblock_t field
// accessors (biscuit/src/fs/super.go's fieldr/fieldw) and fs/blk.go's
// block-cache plumbing, generalized from the teacher's journaled,
// AHCI-backed filesystem to the unjournaled, write-through, in-memory
// S5FS spec.md describes (no log, no write-back daemon).
package s5fs

import (
	"encoding/binary"

	"kcore/defs"
	"kcore/kconfig"
)

// S5_MAGIC identifies a valid S5FS superblock.
const S5_MAGIC = 0x5ff5

// NoFree is the sentinel value ending the inode and block free lists
// (spec.md: "free_inode head (32-bit, 0xFFFFFFFF = none)").
const NoFree = -1

func fieldr32(d []byte, word int) int32 {
	return int32(binary.LittleEndian.Uint32(d[word*4:]))
}

func fieldw32(d []byte, word int, v int32) {
	binary.LittleEndian.PutUint32(d[word*4:], uint32(v))
}

// Superblock_t is the in-memory view of the on-disk super block,
// backed directly by a cached block-device page the way the teacher's
// Superblock_t wraps a *mem.Bytepg_t (fs/super.go).
type Superblock_t struct {
	Data []byte

	// Geometry mirrored from kconfig at mount time; not part of the
	// on-disk image (the teacher bakes these into package consts,
	// this port threads them explicitly like everything else).
	Geo *kconfig.Config
}

const (
	sbMagic     = 0
	sbVersion   = 1
	sbNumInodes = 2
	sbFreeInode = 3
	sbNfree     = 4
	sbRootInode = 5
	sbFreeBlk0  = 6 // first of Geo.S5FreeBlockSlots contiguous words
)

func (sb *Superblock_t) Magic() int32     { return fieldr32(sb.Data, sbMagic) }
func (sb *Superblock_t) SetMagic(v int32) { fieldw32(sb.Data, sbMagic, v) }

func (sb *Superblock_t) Version() int32     { return fieldr32(sb.Data, sbVersion) }
func (sb *Superblock_t) SetVersion(v int32) { fieldw32(sb.Data, sbVersion, v) }

func (sb *Superblock_t) NumInodes() int     { return int(fieldr32(sb.Data, sbNumInodes)) }
func (sb *Superblock_t) SetNumInodes(v int) { fieldw32(sb.Data, sbNumInodes, int32(v)) }

func (sb *Superblock_t) FreeInode() int     { return int(fieldr32(sb.Data, sbFreeInode)) }
func (sb *Superblock_t) SetFreeInode(v int) { fieldw32(sb.Data, sbFreeInode, int32(v)) }

func (sb *Superblock_t) Nfree() int     { return int(fieldr32(sb.Data, sbNfree)) }
func (sb *Superblock_t) SetNfree(v int) { fieldw32(sb.Data, sbNfree, int32(v)) }

func (sb *Superblock_t) RootInode() int     { return int(fieldr32(sb.Data, sbRootInode)) }
func (sb *Superblock_t) SetRootInode(v int) { fieldw32(sb.Data, sbRootInode, int32(v)) }

// FreeBlock returns slot i of the inline free-block array; slot
// Geo.S5FreeBlockSlots-1 doubles as the chain-continuation pointer
// when the array is full (spec.md §4.7 "Layout").
func (sb *Superblock_t) FreeBlock(i int) int {
	return int(fieldr32(sb.Data, sbFreeBlk0+i))
}

func (sb *Superblock_t) SetFreeBlock(i, v int) {
	fieldw32(sb.Data, sbFreeBlk0+i, int32(v))
}

// Inode_t is the in-memory view of one packed on-disk inode record,
// backed by its InodeSize-byte slice within an inode-table block.
type Inode_t struct {
	Data []byte
	Geo  *kconfig.Config
	num  int // inode number within the packed table; set by GetInode/AllocInode
}

// Num returns the inode's number within the packed inode table.
func (ino *Inode_t) Num() int { return ino.num }

const (
	inoType      = 0 // uint16
	inoLinkcount = 2 // uint16
	inoSize      = 4 // uint32
	inoDirect0   = 8 // uint32 * Geo.S5NDirect
)

func (ino *Inode_t) indirectOffset() int { return inoDirect0 + ino.Geo.S5NDirect*4 }

func (ino *Inode_t) Type() defs.Itype_t {
	return defs.Itype_t(binary.LittleEndian.Uint16(ino.Data[inoType:]))
}
func (ino *Inode_t) SetType(t defs.Itype_t) {
	binary.LittleEndian.PutUint16(ino.Data[inoType:], uint16(t))
}

func (ino *Inode_t) Linkcount() int {
	return int(binary.LittleEndian.Uint16(ino.Data[inoLinkcount:]))
}
func (ino *Inode_t) SetLinkcount(n int) {
	binary.LittleEndian.PutUint16(ino.Data[inoLinkcount:], uint16(n))
}

func (ino *Inode_t) Size() int {
	return int(binary.LittleEndian.Uint32(ino.Data[inoSize:]))
}
func (ino *Inode_t) SetSize(n int) {
	binary.LittleEndian.PutUint32(ino.Data[inoSize:], uint32(n))
}

// Direct returns direct-block pointer i (0 if unallocated/sparse).
func (ino *Inode_t) Direct(i int) int {
	return int(fieldr32(ino.Data, inoDirect0/4+i))
}
func (ino *Inode_t) SetDirect(i, v int) {
	fieldw32(ino.Data, inoDirect0/4+i, int32(v))
}

// Indirect returns the single indirect-block pointer. The same word
// is repurposed as a character/block device id for CHR/BLK inodes,
// and as the next-free-inode link when the inode is on the free list
// (spec.md §6 "indirect_block ... repurposed as devid ... repurposed
// as next-free when on free list").
func (ino *Inode_t) Indirect() int {
	return int(fieldr32(ino.Data, ino.indirectOffset()/4))
}
func (ino *Inode_t) SetIndirect(v int) {
	fieldw32(ino.Data, ino.indirectOffset()/4, int32(v))
}

func (ino *Inode_t) Devid() uint16      { return uint16(ino.Indirect()) }
func (ino *Inode_t) SetDevid(d uint16)  { ino.SetIndirect(int(d)) }
func (ino *Inode_t) NextFree() int      { return ino.Indirect() }
func (ino *Inode_t) SetNextFree(n int)  { ino.SetIndirect(n) }

// Dirent_t is the in-memory view of one packed on-disk directory
// entry, backed by its DirentSize-byte slice within a directory's
// data block.
type Dirent_t struct {
	Data []byte
	Geo  *kconfig.Config
}

func (d *Dirent_t) Inum() int     { return int(fieldr32(d.Data, 0)) }
func (d *Dirent_t) SetInum(n int) { fieldw32(d.Data, 0, int32(n)) }

func (d *Dirent_t) Name() string {
	raw := d.Data[4:]
	i := 0
	for i < len(raw) && raw[i] != 0 {
		i++
	}
	return string(raw[:i])
}

func (d *Dirent_t) SetName(name string) defs.Err_t {
	raw := d.Data[4:]
	if len(name) > len(raw) {
		return defs.ENAMETOOLONG.Neg()
	}
	for i := range raw {
		raw[i] = 0
	}
	copy(raw, name)
	return 0
}
