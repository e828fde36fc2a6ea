package indexer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// StoreVersion is bumped whenever the stored layout changes.
const StoreVersion = 1

type outputCodec struct{}

func (outputCodec) Encode(o Output) []byte {
	b := make([]byte, 17)
	binary.BigEndian.PutUint64(b[:8], uint64(o.Value))
	b[8] = byte(o.Type)
	binary.BigEndian.PutUint64(b[9:], o.TypeIndex)
	return b
}

func (outputCodec) Decode(b []byte) (Output, error) {
	if len(b) != 17 {
		return Output{}, fmt.Errorf("output codec: want 17 bytes, got %d", len(b))
	}
	return Output{
		Value:     types.Sats(binary.BigEndian.Uint64(b[:8])),
		Type:      types.OutputType(b[8]),
		TypeIndex: binary.BigEndian.Uint64(b[9:]),
	}, nil
}

type inputCodec struct{}

func (inputCodec) Encode(in Input) []byte {
	b := make([]byte, 9)
	if in.Coinbase {
		b[0] = 1
	}
	binary.BigEndian.PutUint64(b[1:], in.OutputIndex)
	return b
}

func (inputCodec) Decode(b []byte) (Input, error) {
	if len(b) != 9 {
		return Input{}, fmt.Errorf("input codec: want 9 bytes, got %d", len(b))
	}
	return Input{Coinbase: b[0] == 1, OutputIndex: binary.BigEndian.Uint64(b[1:])}, nil
}

// Store is a Reader persisted in a storage.DB. An ingest process appends
// blocks and flushes; the engine only reads.
type Store struct {
	mu        sync.Mutex
	db        storage.DB
	hasPrices bool
	stamp     types.Stamp

	blocks    *vec.Vec[BlockInfo]
	outputs   *vec.Vec[Output]
	inputs    *vec.Vec[Input]
	dateClose *vec.Vec[types.Dollars]
}

// OpenStore opens the indexer data stored in db.
func OpenStore(db storage.DB, hasPrices bool) (*Store, error) {
	s := &Store{db: db, hasPrices: hasPrices}
	var err error
	if s.blocks, err = vec.Open[BlockInfo](db, "blocks", vec.JSONCodec[BlockInfo]{}); err != nil {
		return nil, err
	}
	if s.outputs, err = vec.Open[Output](db, "outputs", outputCodec{}); err != nil {
		return nil, err
	}
	if s.inputs, err = vec.Open[Input](db, "inputs", inputCodec{}); err != nil {
		return nil, err
	}
	if s.dateClose, err = vec.Open[types.Dollars](db, "date_close", vec.Float64Codec[types.Dollars]{}); err != nil {
		return nil, err
	}
	for _, st := range []types.Stamp{s.blocks.Stamp(), s.outputs.Stamp(), s.inputs.Stamp(), s.dateClose.Stamp()} {
		if st > s.stamp {
			s.stamp = st
		}
	}
	log.Indexer.Info().
		Uint64("height", s.blocks.Len()).
		Bool("prices", hasPrices).
		Msg("Indexer store opened")
	return s, nil
}

// AppendBlock appends a block with its outputs and inputs. The index
// ranges in b are filled in from the current lengths.
func (s *Store) AppendBlock(b BlockInfo, outs []Output, ins []Input) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.FirstOutput = s.outputs.Len()
	b.OutputCount = uint64(len(outs))
	b.FirstInput = s.inputs.Len()
	b.InputCount = uint64(len(ins))
	if !s.hasPrices {
		b.HasPrice, b.Price = false, 0
	}
	for _, o := range outs {
		s.outputs.Push(o)
	}
	for _, in := range ins {
		s.inputs.Push(in)
	}
	return s.blocks.Push(b)
}

// SetDateClose records the closing price of day d.
func (s *Store) SetDateClose(d types.DateIndex, price types.Dollars) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.dateClose.Len() < uint64(d) {
		s.dateClose.Push(types.Dollars(math.NaN()))
	}
	if uint64(d) < s.dateClose.Len() {
		return s.dateClose.Update(uint64(d), price)
	}
	s.dateClose.Push(price)
	return nil
}

// TruncateFrom removes blocks from height h on.
func (s *Store) TruncateFrom(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h >= s.blocks.Len() {
		return nil
	}
	b, ok, err := s.blocks.Get(h)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHeight, h)
	}
	s.blocks.Truncate(h)
	s.outputs.Truncate(b.FirstOutput)
	s.inputs.Truncate(b.FirstInput)
	return nil
}

// Flush persists appended data atomically where the backend allows.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp++
	b := storage.NewBatch(s.db)
	if err := s.outputs.Flush(b, s.stamp); err != nil {
		return err
	}
	if err := s.inputs.Flush(b, s.stamp); err != nil {
		return err
	}
	if err := s.dateClose.Flush(b, s.stamp); err != nil {
		return err
	}
	if err := s.blocks.Flush(b, s.stamp); err != nil {
		return err
	}
	return b.Commit()
}

func (s *Store) Height() uint64 { return s.blocks.Len() }

func (s *Store) Block(h uint64) (BlockInfo, error) {
	b, ok, err := s.blocks.Get(h)
	if err != nil {
		return BlockInfo{}, err
	}
	if !ok {
		return BlockInfo{}, fmt.Errorf("%w: %d", ErrUnknownHeight, h)
	}
	return b, nil
}

func (s *Store) Output(i uint64) (Output, error) {
	o, ok, err := s.outputs.Get(i)
	if err != nil {
		return Output{}, err
	}
	if !ok {
		return Output{}, fmt.Errorf("%w: %d", ErrUnknownOutput, i)
	}
	return o, nil
}

func (s *Store) Input(i uint64) (Input, error) {
	in, ok, err := s.inputs.Get(i)
	if err != nil {
		return Input{}, err
	}
	if !ok {
		return Input{}, fmt.Errorf("%w: %d", ErrUnknownInput, i)
	}
	return in, nil
}

func (s *Store) DateClose(d types.DateIndex) (types.Dollars, bool, error) {
	p, ok, err := s.dateClose.Get(uint64(d))
	if err != nil || !ok || math.IsNaN(float64(p)) {
		return 0, false, err
	}
	return p, true, nil
}

func (s *Store) HasPrices() bool { return s.hasPrices }

func (s *Store) Version() uint64 {
	return vec.Fingerprint("indexer", fmt.Sprint(StoreVersion), fmt.Sprint(s.hasPrices))
}
