package linalg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// byteOrder is used for every field of a block-column record.
var byteOrder = binary.BigEndian

// maxRecordBlocks bounds a decoded record so corrupt input cannot trigger
// huge allocations.
const maxRecordBlocks = 1 << 20

// WriteBlockColumn serialises c as a record: an int32 block count followed,
// for each block in ascending row order, by int32 row key, int32 rows,
// int32 columns and the row-major float64 values.
func WriteBlockColumn(w io.Writer, c *BlockColumn) error {
	if err := binary.Write(w, byteOrder, int32(len(c.keys))); err != nil {
		return fmt.Errorf("write block count: %w", err)
	}
	for _, key := range c.keys {
		b := c.blocks[key]
		nr, nc := b.Dims()
		header := [3]int32{int32(key), int32(nr), int32(nc)}
		if err := binary.Write(w, byteOrder, header); err != nil {
			return fmt.Errorf("write block %d header: %w", key, err)
		}
		row := make([]float64, nc)
		for i := 0; i < nr; i++ {
			mat.Row(row, i, b)
			if err := binary.Write(w, byteOrder, row); err != nil {
				return fmt.Errorf("write block %d data: %w", key, err)
			}
		}
	}
	return nil
}

// ReadBlockColumn decodes one record written by WriteBlockColumn. It returns
// io.EOF when r is exhausted before a record starts.
func ReadBlockColumn(r io.Reader) (*BlockColumn, error) {
	var n int32
	if err := binary.Read(r, byteOrder, &n); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read block count: %w", err)
	}
	if n < 0 || n > maxRecordBlocks {
		return nil, fmt.Errorf("invalid block count %d", n)
	}

	c := &BlockColumn{ObservationIndex: -1, blocks: make(map[int]*mat.Dense, n)}
	for k := int32(0); k < n; k++ {
		var header [3]int32
		if err := binary.Read(r, byteOrder, &header); err != nil {
			return nil, fmt.Errorf("read block header: %w", err)
		}
		key, nr, nc := int(header[0]), int(header[1]), int(header[2])
		if nr <= 0 || nc <= 0 {
			return nil, fmt.Errorf("block %d has invalid shape %dx%d", key, nr, nc)
		}
		data := make([]float64, nr*nc)
		if err := binary.Read(r, byteOrder, data); err != nil {
			return nil, fmt.Errorf("read block %d data: %w", key, err)
		}
		c.width = nc
		c.Put(key, mat.NewDense(nr, nc, data))
	}
	return c, nil
}
