package dave

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	common "github.com/beam-cloud/dave/pkg/common"
)

// deflatePayload compresses data as a raw deflate stream, the only payload
// compression the format knows.
func deflatePayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}

	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// inflatePayload decompresses a raw deflate stream and verifies it inflates
// to exactly the size the TOC recorded.
func inflatePayload(data []byte, uncompressedSize uint32) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()

	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecompressionFailed, err)
	}
	if uint32(len(out)) != uncompressedSize {
		return nil, fmt.Errorf("%w: inflated to %d bytes, expected %d", common.ErrDecompressionFailed, len(out), uncompressedSize)
	}

	return out, nil
}

// writePadding writes the zero bytes that take a region of the given size up
// to the next block boundary.
func writePadding(w io.Writer, written int64) error {
	rest := common.PadRest(written)
	if rest == 0 {
		return nil
	}

	_, err := w.Write(make([]byte, rest))
	return err
}
