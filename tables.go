package squashfs

// The id, fragment and export tables share one layout in squashfuse's
// table.c: a flat array of fixed-size records is split into 8KiB chunks,
// each compressed independently as an ordinary metadata block, and a
// "block list" of 64-bit on-disk offsets to those chunks is stored
// uncompressed starting at the table's *Start superblock field. Looking up
// record i means: find which chunk it falls in (i / recordsPerBlock), read
// the 8-byte offset for that chunk from the block list, decompress the
// metadata block found there, then index into it at (i % recordsPerBlock).
//
// idTable, fragmentTable and exportTable below are three instances of this
// one pattern, parameterized by record size -- sqfs_table_get generalized.
type indirectTable struct {
	sb         *Superblock
	blockList  int64 // offset of the block-list array
	recordSize int
	count      int
}

func (t *indirectTable) recordsPerBlock() int {
	return metaBlockSize / t.recordSize
}

// read fetches the raw bytes of record i.
func (t *indirectTable) read(i int) ([]byte, error) {
	perBlock := t.recordsPerBlock()
	blockIdx := i / perBlock
	within := i % perBlock

	var off [8]byte
	if _, err := t.sb.blocks.ReadAt(off[:], t.blockList+int64(blockIdx)*8); err != nil {
		return nil, err
	}
	base := int64(t.sb.order.Uint64(off[:]))

	mc, err := t.sb.newMetaCursor(base, within*t.recordSize)
	if err != nil {
		return nil, err
	}
	return mc.ReadBytes(t.recordSize)
}

// idTable maps a 16-bit uid/gid index (as stored in an inode) to the
// 32-bit uid/gid it represents.
type idTable struct {
	indirectTable
}

func newIDTable(sb *Superblock) *idTable {
	return &idTable{indirectTable{
		sb:         sb,
		blockList:  int64(sb.IdTableStart),
		recordSize: 4,
		count:      int(sb.IdCount),
	}}
}

func (t *idTable) Lookup(idx uint16) (uint32, error) {
	if int(idx) >= t.count {
		return 0, ErrCorrupt
	}
	b, err := t.read(int(idx))
	if err != nil {
		return 0, err
	}
	return t.sb.order.Uint32(b), nil
}

// fragEntry describes one on-disk fragment block: its location, its
// on-disk (possibly compressed) size, and whether it's stored raw.
type fragEntry struct {
	Start      uint64
	Size       uint32
	Compressed bool
}

type fragmentTable struct {
	indirectTable
}

func newFragmentTable(sb *Superblock) *fragmentTable {
	return &fragmentTable{indirectTable{
		sb:         sb,
		blockList:  int64(sb.FragTableStart),
		recordSize: 16,
		count:      int(sb.FragCount),
	}}
}

func (t *fragmentTable) Lookup(idx uint32) (*fragEntry, error) {
	if int(idx) >= t.count {
		return nil, ErrCorrupt
	}
	b, err := t.read(int(idx))
	if err != nil {
		return nil, err
	}
	start := t.sb.order.Uint64(b[0:8])
	size := t.sb.order.Uint32(b[8:12])
	return &fragEntry{
		Start:      start,
		Size:       size & dataHeaderSizeMask,
		Compressed: size&dataHeaderCompMask == 0,
	}, nil
}

// exportTable maps a 1-based squashfs inode number to the inodeRef that
// locates it in the inode table, present only when SquashFlags.EXPORTABLE
// is set. This is what lets GetInode(ino) work without walking every
// directory, the same role NFS file handles play in squashfuse's export.c.
type exportTable struct {
	indirectTable
}

func newExportTable(sb *Superblock) *exportTable {
	return &exportTable{indirectTable{
		sb:         sb,
		blockList:  int64(sb.ExportTableStart),
		recordSize: 8,
		count:      int(sb.InodeCnt),
	}}
}

func (t *exportTable) Lookup(ino uint32) (inodeRef, error) {
	if ino == 0 || int(ino) > t.count {
		return 0, ErrCorrupt
	}
	b, err := t.read(int(ino) - 1)
	if err != nil {
		return 0, err
	}
	return inodeRef(t.sb.order.Uint64(b)), nil
}

// xattrIDTable maps an inode's XattrIdx to the xattr table position and
// counts of (name,value) pairs attached to it, per squashfuse's xattr.c
// sqfs_xattr_id struct.
type xattrIDEntry struct {
	XattrRef uint64 // (block<<16)|offset into the xattr key/value table
	Count    uint32
	Size     uint32 // on-disk size of this inode's xattr data, incl. headers
}

type xattrIDTable struct {
	indirectTable
	tableStart int64 // start of the xattr key/value metadata region
}

// newXattrIDTable parses the xattr id table header (located at
// XattrIdTableStart) and returns a table over the per-inode id records
// that follow it, or nil if the filesystem carries no xattr table at all.
func newXattrIDTable(sb *Superblock) (*xattrIDTable, error) {
	if sb.XattrIdTableStart == 0 || sb.XattrIdTableStart == 0xffffffffffffffff {
		return nil, nil
	}

	var hdr [16]byte
	if _, err := sb.blocks.ReadAt(hdr[:], int64(sb.XattrIdTableStart)); err != nil {
		return nil, err
	}
	tableStart := int64(sb.order.Uint64(hdr[0:8]))
	count := sb.order.Uint32(hdr[8:12])

	return &xattrIDTable{
		indirectTable: indirectTable{
			sb:         sb,
			blockList:  int64(sb.XattrIdTableStart) + 16,
			recordSize: 16,
			count:      int(count),
		},
		tableStart: tableStart,
	}, nil
}

func (t *xattrIDTable) Lookup(idx uint32) (*xattrIDEntry, error) {
	if t == nil {
		return nil, ErrNoXattrs
	}
	if int(idx) >= t.count {
		return nil, ErrXattrNotFound
	}
	b, err := t.read(int(idx))
	if err != nil {
		return nil, err
	}
	return &xattrIDEntry{
		XattrRef: t.sb.order.Uint64(b[0:8]),
		Count:    t.sb.order.Uint32(b[8:12]),
		Size:     t.sb.order.Uint32(b[12:16]),
	}, nil
}
