package squashfs

import (
	"fmt"
	"io"
)

// Block header constants, per squashfuse's block.c.
const (
	metaBlockSize      = 8192
	metaHeaderCompMask = 0x8000
	dataHeaderCompMask = 1 << 24
	dataHeaderSizeMask = dataHeaderCompMask - 1
)

// blockResult is what a cache slot for the block caches holds: either a
// decompressed (or raw, if stored uncompressed) payload, or the error
// encountered producing it. Storing the error inside the cached value
// (rather than failing the cache.Get call itself) matches cache.c's
// contract: a failed read still transitions the slot to ready so that
// every waiter unblocks, they just all observe the same error.
type blockResult struct {
	data []byte
	err  error
}

// blockEngine turns a raw Input plus a Decompressor into cached logical
// blocks, for both the metadata stream and the data/fragment stream. It
// owns the three cache.go caches (metadata, data, fragment). The per-inode
// block index (blockindex.go) is not one of these caches: it is stored on
// the Inode value itself.
type blockEngine struct {
	in        Input
	comp      SquashComp
	overrides map[SquashComp]Decompressor // per-Superblock Decompressor overrides, see Option WithDecompressor
	metaCache *cache[blockResult]
	dataCache *cache[blockResult]
	fragCache *cache[blockResult]
}

func newBlockEngine(in Input, comp SquashComp, blockSize int) *blockEngine {
	return &blockEngine{
		in:        in,
		comp:      comp,
		metaCache: newCache[blockResult](8, 64, nil),
		dataCache: newCache[blockResult](2, 32, nil),
		fragCache: newCache[blockResult](2, 32, nil),
	}
}

// readRaw reads a 2-byte (metadata) or 4-byte (data) little
// endian header at offset, then the block body that follows, decompressing
// it if the header's top bit isn't set. This is sqfs_block_read generalized
// over header width, since the metadata and data formats differ only in
// how many bits encode size vs. the compressed flag.
func (e *blockEngine) readRaw(offset int64, headerLen int, dstCap int) (data []byte, compressedSize int64, err error) {
	var hdr [4]byte
	if _, err := e.in.ReadAt(hdr[:headerLen], offset); err != nil {
		return nil, 0, &IOError{Offset: offset, Err: err}
	}

	var size int
	var compressed bool
	switch headerLen {
	case 2:
		raw := uint16(hdr[0]) | uint16(hdr[1])<<8
		compressed = raw&metaHeaderCompMask == 0
		size = int(raw &^ metaHeaderCompMask)
		if size == 0 {
			size = metaBlockSize
		}
	case 4:
		raw := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16 | uint32(hdr[3])<<24
		compressed = raw&dataHeaderCompMask == 0
		size = int(raw & dataHeaderSizeMask)
	default:
		return nil, 0, fmt.Errorf("squashfs: invalid block header width %d", headerLen)
	}

	buf := make([]byte, size)
	if size > 0 {
		if _, err := e.in.ReadAt(buf, offset+int64(headerLen)); err != nil {
			return nil, 0, &IOError{Offset: offset + int64(headerLen), Err: err}
		}
	}

	total := int64(headerLen + size)
	if !compressed {
		return buf, total, nil
	}
	out, err := e.decompress(buf, dstCap)
	if err != nil {
		return nil, total, err
	}
	return out, total, nil
}

// decompress runs a per-engine override Decompressor if one was installed
// via Option WithDecompressor, falling back to the package-wide registry.
func (e *blockEngine) decompress(src []byte, dstCap int) ([]byte, error) {
	if d, ok := e.overrides[e.comp]; ok {
		out, err := d.Decompress(src, dstCap)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCompressedData, err)
		}
		return out, nil
	}
	return e.comp.decompress(src, dstCap)
}

// MetaBlock returns the decompressed contents of the metadata block at
// offset, fetching and caching it if necessary.
func (e *blockEngine) MetaBlock(offset int64) ([]byte, error) {
	h, init := e.metaCache.Get(uint64(offset))
	if init {
		data, _, err := e.readRaw(offset, 2, metaBlockSize)
		h.slot.value = blockResult{data: data, err: err}
		h.Ready()
	}
	r := h.Value()
	h.Release()
	return r.data, r.err
}

// readPlain reads size raw bytes at offset and decompresses them if
// compressed is set. Unlike metadata blocks, data and fragment blocks carry
// no on-disk header of their own -- their (size, compressed) pair always
// comes from elsewhere (a blocklist entry or a fragment-table record), so
// this is a plain positional read rather than readRaw's header-then-body.
func (e *blockEngine) readPlain(offset int64, size int, compressed bool, dstCap int) ([]byte, error) {
	buf := make([]byte, size)
	if size > 0 {
		if _, err := e.in.ReadAt(buf, offset); err != nil {
			return nil, &IOError{Offset: offset, Err: err}
		}
	}
	if !compressed {
		return buf, nil
	}
	return e.decompress(buf, dstCap)
}

// DataBlock returns the decompressed contents of the data block at offset,
// whose on-disk size and compressed flag come from the caller's already-
// decoded blocklist entry. size==0 (a hole) is handled by the caller before
// reaching here, per spec's "holes never touch the cache" invariant.
func (e *blockEngine) DataBlock(offset int64, size int, compressed bool, dstCap int) ([]byte, error) {
	h, init := e.dataCache.Get(uint64(offset))
	if init {
		data, err := e.readPlain(offset, size, compressed, dstCap)
		h.slot.value = blockResult{data: data, err: err}
		h.Ready()
	}
	r := h.Value()
	h.Release()
	return r.data, r.err
}

// FragBlock returns the decompressed contents of the fragment block at
// offset, which holds one or more files' tail fragments packed together.
func (e *blockEngine) FragBlock(offset int64, size int, compressed bool, dstCap int) ([]byte, error) {
	h, init := e.fragCache.Get(uint64(offset))
	if init {
		data, err := e.readPlain(offset, size, compressed, dstCap)
		h.slot.value = blockResult{data: data, err: err}
		h.Ready()
	}
	r := h.Value()
	h.Release()
	return r.data, r.err
}

// ReadAt is a convenience for components (the export/id/fragment tables)
// that need a plain byte range straight from the underlying image, bypassing
// the block caches entirely.
func (e *blockEngine) ReadAt(p []byte, off int64) (int, error) {
	n, err := e.in.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, &IOError{Offset: off, Err: err}
	}
	return n, err
}
