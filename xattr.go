package squashfs

// Xattr key prefixes, per squashfuse's xattr.c PREFIX table. The low 8 bits
// of a key's type select the namespace; bit 8 (0x100) marks an out-of-line
// (OOL) value, where the stored "value" is actually a pointer to the real
// value elsewhere in the xattr table.
const (
	xattrPrefixUser      = 0
	xattrPrefixSecurity  = 1
	xattrPrefixTrusted   = 2
	xattrPrefixOutOfLine = 0x100
	xattrPrefixMask      = 0xff
)

var xattrPrefixNames = map[uint16]string{
	xattrPrefixUser:     "user.",
	xattrPrefixSecurity: "security.",
	xattrPrefixTrusted:  "trusted.",
}

// Xattr is one decoded name/value pair.
type Xattr struct {
	Name  string
	Value []byte
}

// XattrReader walks the xattr key/value pairs attached to one inode, a
// small state machine mirroring squashfuse's CURS_VSIZE/CURS_VAL/CURS_NEXT
// cursor flags in xattr.c: after reading a name you must read (or skip) its
// value before advancing to the next pair, since values can be out-of-line
// and require a second indirection through the OOL table.
type XattrReader struct {
	sb       *Superblock
	c        *mdCursor
	remain   uint32
	pending  bool // true once a name has been read and its value not yet consumed
	lastType uint16
}

// Xattrs opens an xattr reader for this inode, or ErrNoXattrs if it carries
// none (XattrIdx == 0xffffffff or the filesystem has no xattr table at
// all).
func (i *Inode) Xattrs() (*XattrReader, error) {
	if i.sb.xattrs == nil || i.XattrIdx == 0xffffffff {
		return nil, ErrNoXattrs
	}

	entry, err := i.sb.xattrs.Lookup(i.XattrIdx)
	if err != nil {
		return nil, err
	}

	block := int64(entry.XattrRef >> 16)
	offset := uint16(entry.XattrRef & 0xffff)
	c, err := newMDCursor(i.sb.blocks, i.sb.xattrs.tableStart+block, offset)
	if err != nil {
		return nil, err
	}

	return &XattrReader{sb: i.sb, c: c, remain: entry.Count}, nil
}

// Next reads the next pair's name and value type, without yet resolving
// the value. Call Value to fetch the value bytes before calling Next again.
func (r *XattrReader) Next() (name string, hasMore bool, err error) {
	if r.pending {
		if _, err := r.skipValue(); err != nil {
			return "", false, err
		}
	}
	if r.remain == 0 {
		return "", false, nil
	}

	typ, err := r.c.ReadUint16()
	if err != nil {
		return "", false, err
	}
	nameSize, err := r.c.ReadUint16()
	if err != nil {
		return "", false, err
	}
	nameBytes, err := r.c.ReadBytes(int(nameSize))
	if err != nil {
		return "", false, err
	}

	r.lastType = typ
	r.pending = true
	r.remain--

	prefix := xattrPrefixNames[typ&xattrPrefixMask]
	return prefix + string(nameBytes), true, nil
}

// Value resolves and returns the current pair's value, following the OOL
// indirection if the type's 0x100 bit is set.
func (r *XattrReader) Value() ([]byte, error) {
	if !r.pending {
		return nil, ErrXattrNotFound
	}
	r.pending = false

	valSize, err := r.c.ReadUint32()
	if err != nil {
		return nil, err
	}

	if r.lastType&xattrPrefixOutOfLine == 0 {
		return r.c.ReadBytes(int(valSize))
	}

	// Out-of-line: the 8 bytes just read as "value" are instead a 64-bit
	// pointer (block<<16|offset) to the real value elsewhere in the table.
	ref, err := r.c.ReadUint64()
	if err != nil {
		return nil, err
	}
	block := int64(ref >> 16)
	offset := uint16(ref & 0xffff)

	vc, err := newMDCursor(r.sb.blocks, r.sb.xattrs.tableStart+block, offset)
	if err != nil {
		return nil, err
	}
	realSize, err := vc.ReadUint32()
	if err != nil {
		return nil, err
	}
	return vc.ReadBytes(int(realSize))
}

func (r *XattrReader) skipValue() (int, error) {
	valSize, err := r.c.ReadUint32()
	if err != nil {
		return 0, err
	}
	if r.lastType&xattrPrefixOutOfLine == 0 {
		return 0, r.c.Skip(int(valSize))
	}
	return 0, r.c.Skip(8)
}

// All drains the reader into a slice, for callers that want every xattr at
// once rather than streaming.
func (r *XattrReader) All() ([]Xattr, error) {
	var out []Xattr
	for {
		name, more, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !more {
			return out, nil
		}
		val, err := r.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, Xattr{Name: name, Value: val})
	}
}

// Get looks up a single named xattr on an inode, returning ErrXattrNotFound
// if absent.
func (i *Inode) Get(name string) ([]byte, error) {
	r, err := i.Xattrs()
	if err != nil {
		return nil, err
	}
	for {
		n, more, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, ErrXattrNotFound
		}
		if n == name {
			return r.Value()
		}
	}
}
