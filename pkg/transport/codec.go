package transport

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeInts frames values as a sequence of zigzag varints, the format
// collective payloads are exchanged in.
func EncodeInts(values ...int64) []byte {
	var buf []byte
	for _, v := range values {
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
	}
	return buf
}

// DecodeInts reverses EncodeInts, expecting exactly n values.
func DecodeInts(buf []byte, n int) ([]int64, error) {
	values := make([]int64, 0, n)
	for len(buf) > 0 {
		v, size := protowire.ConsumeVarint(buf)
		if err := protowire.ParseError(size); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		values = append(values, protowire.DecodeZigZag(v))
		buf = buf[size:]
	}
	if len(values) != n {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrMalformed, n, len(values))
	}
	return values, nil
}

// AllgatherInts exchanges n integers per member of comm and returns them
// indexed by rank.
func AllgatherInts(ctx context.Context, comm Comm, values ...int64) ([][]int64, error) {
	payloads, err := comm.Allgather(ctx, EncodeInts(values...))
	if err != nil {
		return nil, err
	}
	out := make([][]int64, len(payloads))
	for rank, payload := range payloads {
		out[rank], err = DecodeInts(payload, len(values))
		if err != nil {
			return nil, fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return out, nil
}
