package squashfs

import (
	"encoding/binary"
	"io"
)

// mdCursor is a read cursor over the compressed metadata stream shared by
// the inode table, directory table, fragment/id/export tables, and xattr
// tables. It replaces the teacher's tableReader/inodeReader pair, which
// were two copies of the same block-at-a-time reader (one for the inode
// table, one generic) with no caching and no sharing between concurrent
// readers of the same block; mdCursor instead goes through blockEngine's
// metadata cache so two cursors opened at the same block offset coalesce
// onto a single decompress.
//
// The encoding it walks is squashfuse's metadata block format: a stream of
// logical blocks, each up to 8KiB of decompressed data, addressed by the
// byte offset of its 2-byte header within the filesystem image. A cursor
// position is the pair (block header offset, byte offset within the
// decompressed block) -- exactly the pair packed into an inode reference
// or a directory/export table entry.
type mdCursor struct {
	eng        *blockEngine
	blockStart int64 // offset of the current block's header in the image
	next       int64 // offset of the *next* block's header
	buf        []byte
	pos        int // read position within buf
}

// newMDCursor opens a cursor at the given (block, offset) pair.
func newMDCursor(eng *blockEngine, block int64, offset uint16) (*mdCursor, error) {
	c := &mdCursor{eng: eng, blockStart: block, next: block}
	if err := c.fill(); err != nil {
		return nil, err
	}
	if int(offset) > len(c.buf) {
		return nil, ErrCorrupt
	}
	c.pos = int(offset)
	return c, nil
}

// fill decompresses the block at c.next and advances c.next past it.
func (c *mdCursor) fill() error {
	data, err := c.eng.MetaBlock(c.next)
	if err != nil {
		return err
	}
	size, err := metaBlockOnDiskSize(c.eng, c.next)
	if err != nil {
		return err
	}
	c.blockStart = c.next
	c.next += size
	c.buf = data
	c.pos = 0
	return nil
}

// metaBlockOnDiskSize re-reads just the 2-byte header to learn how many
// bytes the block occupies on disk, so the cursor can advance to the next
// one. This is a second tiny read rather than plumbing the size back out of
// the cache, matching squashfuse's md_header/advance split in block.c.
func metaBlockOnDiskSize(eng *blockEngine, offset int64) (int64, error) {
	var hdr [2]byte
	if _, err := eng.ReadAt(hdr[:], offset); err != nil {
		return 0, &IOError{Offset: offset, Err: err}
	}
	raw := binary.LittleEndian.Uint16(hdr[:])
	size := int64(raw &^ metaHeaderCompMask)
	if size == 0 {
		size = metaBlockSize
	}
	return 2 + size, nil
}

// Position returns the cursor's current (block, offset) pair, suitable for
// encoding into an inodeRef or a lookup index entry.
func (c *mdCursor) Position() (block int64, offset uint16) {
	return c.blockStart, uint16(c.pos)
}

// Read implements io.Reader, spanning block boundaries transparently.
func (c *mdCursor) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.pos >= len(c.buf) {
			if err := c.fill(); err != nil {
				if total > 0 {
					return total, nil
				}
				return 0, err
			}
			if len(c.buf) == 0 {
				return total, io.EOF
			}
		}
		n := copy(p, c.buf[c.pos:])
		c.pos += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// Skip advances the cursor by n bytes without retaining them, used by
// directory and xattr readers that need to fast-forward over entries they
// won't decode (e.g. squashfuse's dir fast-forward index).
func (c *mdCursor) Skip(n int) error {
	_, err := io.CopyN(io.Discard, c, int64(n))
	return err
}

func (c *mdCursor) ReadUint8() (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *mdCursor) ReadUint16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (c *mdCursor) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *mdCursor) ReadUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(c, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *mdCursor) ReadInt16() (int16, error) {
	u, err := c.ReadUint16()
	return int16(u), err
}

func (c *mdCursor) ReadInt32() (int32, error) {
	u, err := c.ReadUint32()
	return int32(u), err
}

// ReadBytes reads exactly n bytes, as used for fixed-length string fields
// (directory entry names, xattr names/values).
func (c *mdCursor) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// newInodeCursor opens a metadata cursor at the position encoded by an
// inode reference, the replacement for the teacher's newInodeReader.
func (sb *Superblock) newInodeCursor(ref inodeRef) (*mdCursor, error) {
	base := int64(sb.InodeTableStart) + int64(ref.Index())
	return newMDCursor(sb.blocks, base, uint16(ref.Offset()))
}

// newMetaCursor opens a metadata cursor at an arbitrary block/offset pair
// within any metadata table (directory, fragment, export, xattr), the
// replacement for the teacher's newTableReader.
func (sb *Superblock) newMetaCursor(base int64, offset int) (*mdCursor, error) {
	return newMDCursor(sb.blocks, base, uint16(offset))
}
