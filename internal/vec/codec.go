package vec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// Codec converts values to and from their stored form.
type Codec[T any] interface {
	Encode(T) []byte
	Decode([]byte) (T, error)
}

// Uint64Codec stores any uint64-backed type as 8 big-endian bytes.
type Uint64Codec[T ~uint64] struct{}

func (Uint64Codec[T]) Encode(v T) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func (Uint64Codec[T]) Decode(b []byte) (T, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("uint64 codec: want 8 bytes, got %d", len(b))
	}
	return T(binary.BigEndian.Uint64(b)), nil
}

// Float64Codec stores any float64-backed type as its IEEE-754 bits.
type Float64Codec[T ~float64] struct{}

func (Float64Codec[T]) Encode(v T) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(float64(v)))
	return b
}

func (Float64Codec[T]) Decode(b []byte) (T, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("float64 codec: want 8 bytes, got %d", len(b))
	}
	return T(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
}

// U256Codec stores a 256-bit accumulator as 32 big-endian bytes.
type U256Codec struct{}

func (U256Codec) Encode(v uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}

func (U256Codec) Decode(b []byte) (uint256.Int, error) {
	var v uint256.Int
	if len(b) != 32 {
		return v, fmt.Errorf("u256 codec: want 32 bytes, got %d", len(b))
	}
	v.SetBytes(b)
	return v, nil
}

// SupplyCodec stores a SupplyState as count then value.
type SupplyCodec struct{}

func (SupplyCodec) Encode(s types.SupplyState) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], s.UTXOCount)
	binary.BigEndian.PutUint64(b[8:], uint64(s.Value))
	return b
}

func (SupplyCodec) Decode(b []byte) (types.SupplyState, error) {
	if len(b) != 16 {
		return types.SupplyState{}, fmt.Errorf("supply codec: want 16 bytes, got %d", len(b))
	}
	return types.SupplyState{
		UTXOCount: binary.BigEndian.Uint64(b[:8]),
		Value:     types.Sats(binary.BigEndian.Uint64(b[8:])),
	}, nil
}

// JSONCodec stores values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("json codec: %v", err))
	}
	return b
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
