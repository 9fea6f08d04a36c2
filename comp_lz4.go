//go:build lz4

package squashfs

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

func init() {
	RegisterDecompressor(LZ4, MakeDecompressor(func(r io.Reader) io.ReadCloser {
		return io.NopCloser(lz4.NewReader(r))
	}))
}
