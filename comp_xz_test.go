//go:build xz

package squashfs_test

import (
	"bytes"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/moku-fs/squashfs"
)

func TestXZCompressionRoundTrip(t *testing.T) {
	runCompressionRoundTrip(t, squashfs.XZ, func(src []byte) []byte {
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			t.Fatalf("xz.NewWriter: %s", err)
		}
		if _, err := w.Write(src); err != nil {
			t.Fatalf("xz.Write: %s", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("xz.Close: %s", err)
		}
		return buf.Bytes()
	})
}
