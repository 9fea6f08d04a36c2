//go:build zlib

package squashfs

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

func init() {
	RegisterDecompressor(GZip, MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
		return zlib.NewReader(r)
	}))
}
