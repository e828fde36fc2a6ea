// Package chainstate keeps the chain-wide per-height supply that is still
// unspent, which the engine needs to age and spend coins by creation height.
package chainstate

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-cohorts/internal/indexer"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// SeriesName is the name of the persisted supply-by-height array.
const SeriesName = "chain_state"

// Store persists the unspent supply created at each height.
type Store struct {
	supply *vec.Vec[types.SupplyState]
}

// Open opens the store in db.
func Open(db storage.DB, opts ...vec.Option) (*Store, error) {
	v, err := vec.Open[types.SupplyState](db, SeriesName, vec.SupplyCodec{}, opts...)
	if err != nil {
		return nil, fmt.Errorf("open chain state: %w", err)
	}
	return &Store{supply: v}, nil
}

// Len returns the number of heights stored.
func (s *Store) Len() uint64 { return s.supply.Len() }

// Stamp returns the stamp of the last flush.
func (s *Store) Stamp() types.Stamp { return s.supply.Stamp() }

// Append records the supply created at the next height.
func (s *Store) Append(st types.SupplyState) uint64 {
	return s.supply.Push(st)
}

// Set overwrites height h, or appends when h is the next height.
func (s *Store) Set(h uint64, st types.SupplyState) error {
	if h == s.supply.Len() {
		s.supply.Push(st)
		return nil
	}
	return s.supply.Update(h, st)
}

// Get returns the remaining supply created at height h.
func (s *Store) Get(h uint64) (types.SupplyState, error) {
	st, ok, err := s.supply.Get(h)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, fmt.Errorf("chain state: no height %d (len %d)", h, s.supply.Len())
	}
	return st, nil
}

// CollectRange returns heights [from, to).
func (s *Store) CollectRange(from, to uint64) ([]types.SupplyState, error) {
	return s.supply.Collect(from, to)
}

// RollbackBefore reverts flushes newer than stamp and returns the stamp reached.
func (s *Store) RollbackBefore(stamp types.Stamp) (types.Stamp, error) {
	return s.supply.RollbackBefore(stamp)
}

// TruncateTo keeps heights [0, h).
func (s *Store) TruncateTo(h uint64) {
	s.supply.Truncate(h)
}

// Flush writes pending changes to b.
func (s *Store) Flush(b storage.Batch, stamp types.Stamp) error {
	return s.supply.Flush(b, stamp)
}

// ValidateVersion resets the store when its version differs from v.
func (s *Store) ValidateVersion(v uint64) (bool, error) {
	return s.supply.ValidateVersion(v)
}

// Reset deletes all stored heights.
func (s *Store) Reset() error {
	return s.supply.Reset()
}

// BlockState is the in-memory per-height record the engine works on.
type BlockState struct {
	Timestamp uint64
	Price     types.Dollars
	HasPrice  bool
	Supply    types.SupplyState
}

// Reconstruct rebuilds the block states of heights [0, height) by zipping
// the stored supply with timestamps and prices from r.
func Reconstruct(s *Store, r indexer.Reader, height uint64) ([]BlockState, error) {
	if height > s.Len() {
		return nil, fmt.Errorf("chain state: reconstruct to %d but only %d stored", height, s.Len())
	}
	supplies, err := s.CollectRange(0, height)
	if err != nil {
		return nil, err
	}
	out := make([]BlockState, 0, height+1024)
	for h, sup := range supplies {
		b, err := r.Block(uint64(h))
		if err != nil {
			return nil, fmt.Errorf("chain state: reconstruct height %d: %w", h, err)
		}
		out = append(out, BlockState{
			Timestamp: b.Timestamp,
			Price:     b.Price,
			HasPrice:  b.HasPrice,
			Supply:    sup,
		})
	}
	return out, nil
}
