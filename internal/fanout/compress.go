package fanout

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// DefaultCompressThreshold is the smallest frame worth compressing.
// Below this the gzip header overhead outweighs the savings.
const DefaultCompressThreshold = 1024

// compressFrame gzips an encoded frame. The caller decides whether the
// payload crossed the size threshold.
func compressFrame(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}
