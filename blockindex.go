package squashfs

import "sort"

// mdPos is a (metadata block, byte offset) position in the compressed
// metadata stream, the same pair mdCursor.Position returns and newMDCursor
// reopens a cursor from.
type mdPos struct {
	block  int64
	offset uint16
}

// blockIndex lets ReadAt on a large file seek to an arbitrary block without
// decoding every preceding blocklist entry from block 0, grounded on
// squashfuse's file_index.c: one entry is recorded per metadata block the
// file's blocklist spans (not per data block), mapping that metadata
// block's position to the data offset and blocklist index its first entry
// continues from. A read first binary-searches this index down to a single
// metadata block, then linearly scans at most that one block's worth of
// entries to reach the exact block requested -- it never re-walks entries
// the index already accounted for.
type blockIndex struct {
	entries []blockIndexEntry
}

type blockIndexEntry struct {
	blockNo  int    // index into the file's blocklist this entry starts at
	physOfft uint64 // StartBlock-relative physical offset of blockNo
	md       mdPos  // metadata position of blockNo's own 4-byte entry
}

// indexableBlockCount mirrors sqfs_blockidx_indexable: a file's blocklist is
// only worth indexing once it spans more than one metadata block's worth of
// 4-byte entries; below that, decoding it eagerly at inode-decode time is
// cheaper than building and consulting an index.
func indexableBlockCount(blockSize uint32) int {
	return metaBlockSize / 4
}

// buildBlockIndex walks ino's entire blocklist once, from ino.blockListOrigin,
// recording an index entry every time the walk crosses into a new metadata
// block. This walk is unavoidable -- each entry's size depends on actually
// decoding every entry before it, squashfs stores no cumulative offsets on
// disk -- but unlike eager decoding at GetInode time, it happens at most
// once per inode, lazily, on the first ReadAt that needs it, and is cached
// on the Inode for every later ReadAt to reuse.
func buildBlockIndex(ino *Inode) (*blockIndex, error) {
	c, err := newMDCursor(ino.sb.blocks, ino.blockListOrigin.block, ino.blockListOrigin.offset)
	if err != nil {
		return nil, err
	}

	bi := &blockIndex{}
	offt := uint64(0)
	var lastBlock int64 = -1

	for i := 0; i < ino.dataBlockCount; i++ {
		block, pos := c.Position()
		if block != lastBlock {
			bi.entries = append(bi.entries, blockIndexEntry{
				blockNo:  i,
				physOfft: offt,
				md:       mdPos{block: block, offset: pos},
			})
			lastBlock = block
		}
		u32, err := c.ReadUint32()
		if err != nil {
			return nil, err
		}
		offt += uint64(u32) & dataHeaderSizeMask
	}
	return bi, nil
}

// seek returns the index entry at or immediately before targetBlock, the
// starting point for a bounded forward scan to reach it exactly.
func (bi *blockIndex) seek(targetBlock int) blockIndexEntry {
	if bi == nil || len(bi.entries) == 0 {
		return blockIndexEntry{}
	}
	idx := sort.Search(len(bi.entries), func(i int) bool {
		return bi.entries[i].blockNo > targetBlock
	})
	if idx == 0 {
		return bi.entries[0]
	}
	return bi.entries[idx-1]
}

// ensureBlockIndex lazily builds and caches ino's block index, called once
// per inode on the first ReadAt that needs to resolve a lazy (large-file)
// blocklist entry.
func (ino *Inode) ensureBlockIndex() (*blockIndex, error) {
	if ino.blockIdx == nil {
		idx, err := buildBlockIndex(ino)
		if err != nil {
			return nil, err
		}
		ino.blockIdx = idx
	}
	return ino.blockIdx, nil
}

// blockCursor yields successive (size, physOfft) pairs for a file's
// blocklist entries starting at some block, either by indexing directly
// into the already-materialized Blocks/BlocksOfft slices (small files) or
// by scanning forward through the metadata stream from the nearest block
// index entry (large, lazily-decoded files).
type blockCursor struct {
	ino   *Inode
	block int
	offt  uint64
	mc    *mdCursor // set only on the lazy path
}

// newBlockCursor returns a cursor positioned to yield startBlock next.
func (ino *Inode) newBlockCursor(startBlock int) (*blockCursor, error) {
	if !ino.blockListLazy {
		return &blockCursor{ino: ino, block: startBlock}, nil
	}

	idx, err := ino.ensureBlockIndex()
	if err != nil {
		return nil, err
	}
	e := idx.seek(startBlock)
	mc, err := newMDCursor(ino.sb.blocks, e.md.block, e.md.offset)
	if err != nil {
		return nil, err
	}

	bc := &blockCursor{ino: ino, block: e.blockNo, offt: e.physOfft, mc: mc}
	// Bounded by construction: e.blockNo is within one metadata block's
	// worth of entries (indexableBlockCount) of startBlock.
	for bc.block < startBlock {
		if _, _, err := bc.next(); err != nil {
			return nil, err
		}
	}
	return bc, nil
}

// next returns the current block's (raw size entry, physical offset) and
// advances the cursor to the following block.
func (bc *blockCursor) next() (uint32, uint64, error) {
	ino := bc.ino
	if !ino.blockListLazy {
		size := ino.Blocks[bc.block]
		off := ino.BlocksOfft[bc.block]
		bc.block++
		return size, off, nil
	}

	size, err := bc.mc.ReadUint32()
	if err != nil {
		return 0, 0, err
	}
	off := bc.offt
	bc.offt += uint64(size) & dataHeaderSizeMask
	bc.block++
	return size, off, nil
}
