//go:build zstd

package squashfs_test

import (
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/moku-fs/squashfs"
)

func TestZSTDCompressionRoundTrip(t *testing.T) {
	runCompressionRoundTrip(t, squashfs.ZSTD, func(src []byte) []byte {
		w, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd.NewWriter: %s", err)
		}
		defer w.Close()
		return w.EncodeAll(src, nil)
	})
}
