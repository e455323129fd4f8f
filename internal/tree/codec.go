package tree

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// encodeBody serializes an item to its canonical BSON form (pkg/item.Encode)
// and then lzma-compresses it before it is written as a byVersion value.
func encodeBody(it item.Item) ([]byte, error) {
	raw, err := item.Encode(it)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("lzma writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("lzma compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lzma close: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBody(compressed []byte) (item.Item, error) {
	r, err := lzma.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return item.Item{}, fmt.Errorf("lzma reader: %w", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return item.Item{}, fmt.Errorf("lzma decompress: %w", err)
	}
	return item.Decode(raw)
}
