package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

type SquashComp uint16

// Compression is the exported name for a squashfs compression id; SquashComp
// is kept as the internal name used throughout this package's decoding code.
type Compression = SquashComp

const (
	GZip SquashComp = 1
	LZMA            = 2
	LZO             = 3
	XZ              = 4
	LZ4             = 5
	ZSTD            = 6
)

func (s SquashComp) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("Compression(%d)", s)
}

// Decompressor is the capability the block engine consumes to turn
// compressed on-disk bytes into a decompressed block. dstCap is the maximum
// number of bytes the caller is willing to accept (the metadata block size
// or the superblock's data block size); a Decompressor that would produce
// more than that should fail rather than silently truncate it.
type Decompressor interface {
	Decompress(src []byte, dstCap int) ([]byte, error)
}

// DecompressorFunc adapts a plain function to the Decompressor interface.
type DecompressorFunc func(src []byte, dstCap int) ([]byte, error)

func (f DecompressorFunc) Decompress(src []byte, dstCap int) ([]byte, error) {
	return f(src, dstCap)
}

var (
	registryMu sync.RWMutex
	registry   = map[SquashComp]Decompressor{}
)

// RegisterDecompressor installs d as the handler for compression id c. It is
// meant to be called from init() in build-tag-gated files, the same way the
// teacher's comp_xz.go/comp_zstd.go register themselves, or by a caller that
// wants to supply its own implementation (e.g. LZO, which ships no default
// in this module).
func RegisterDecompressor(c SquashComp, d Decompressor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c] = d
}

// MakeDecompressor adapts a streaming decompressor constructor that cannot
// fail to open (e.g. zstd.ZipDecompressor(), which returns a bare
// func(io.Reader) io.ReadCloser) into a Decompressor that reads the stream
// to completion into a dstCap-bounded buffer.
func MakeDecompressor(newReader func(io.Reader) io.ReadCloser) Decompressor {
	return DecompressorFunc(func(src []byte, dstCap int) ([]byte, error) {
		r := newReader(bytes.NewReader(src))
		defer r.Close()
		return readBounded(r, dstCap)
	})
}

// MakeDecompressorErr is like MakeDecompressor, for constructors that can
// fail to even open the stream (xz.NewReader parses a header up front).
func MakeDecompressorErr(newReader func(io.Reader) (io.ReadCloser, error)) Decompressor {
	return DecompressorFunc(func(src []byte, dstCap int) ([]byte, error) {
		r, err := newReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readBounded(r, dstCap)
	})
}

func readBounded(r io.Reader, dstCap int) ([]byte, error) {
	buf := make([]byte, 0, dstCap)
	for {
		if len(buf) == cap(buf) {
			// Either exactly full, or the stream wants to overflow it; a
			// single extra byte read tells us which.
			var extra [1]byte
			n, err := r.Read(extra[:])
			if n > 0 {
				return nil, fmt.Errorf("decompressed output exceeds %d bytes", dstCap)
			}
			if err == io.EOF {
				return buf, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// decompress looks up the registered Decompressor for s and runs it.
func (s SquashComp) decompress(src []byte, dstCap int) ([]byte, error) {
	registryMu.RLock()
	d, ok := registry[s]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, s)
	}
	out, err := d.Decompress(src, dstCap)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadCompressedData, err)
	}
	return out, nil
}
