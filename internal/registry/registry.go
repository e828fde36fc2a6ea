// Package registry stores per-address balances. Addresses holding coins
// live in the loaded store and drained ones in the empty store; a per-type
// indirection maps an address's type index to its current slot.
package registry

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-cohorts/internal/log"
	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// ErrAddressMissing is returned when a slot that must exist is a hole.
var ErrAddressMissing = errors.New("address record missing")

// Registry holds the loaded and empty stores and the per-type indirection.
type Registry struct {
	loaded  *vec.Vec[LoadedAddressData]
	empty   *vec.Vec[EmptyAddressData]
	indexes map[types.OutputType]*vec.Vec[AnyAddressIndex]
}

// Open opens the registry in db. cacheSize bounds the loaded store's read
// cache; zero disables it.
func Open(db storage.DB, cacheSize int, opts ...vec.Option) (*Registry, error) {
	loadedOpts := opts
	if cacheSize > 0 {
		loadedOpts = append(append([]vec.Option{}, opts...), vec.WithCache(cacheSize))
	}
	r := &Registry{indexes: make(map[types.OutputType]*vec.Vec[AnyAddressIndex])}
	var err error
	if r.loaded, err = vec.Open[LoadedAddressData](db, "addresses/loaded", loadedCodec{}, loadedOpts...); err != nil {
		return nil, err
	}
	if r.empty, err = vec.Open[EmptyAddressData](db, "addresses/empty", emptyCodec{}, opts...); err != nil {
		return nil, err
	}
	for _, t := range types.AddressTypes {
		v, err := vec.Open[AnyAddressIndex](db, "addresses/index/"+t.String(), vec.Uint64Codec[AnyAddressIndex]{}, opts...)
		if err != nil {
			return nil, err
		}
		r.indexes[t] = v
	}
	log.Registry.Debug().
		Uint64("loaded", r.LoadedCount()).
		Uint64("empty", r.EmptyCount()).
		Msg("Address registry opened")
	return r, nil
}

func (r *Registry) index(t types.OutputType) (*vec.Vec[AnyAddressIndex], error) {
	v, ok := r.indexes[t]
	if !ok {
		return nil, fmt.Errorf("registry: output type %s has no addresses", t)
	}
	return v, nil
}

// Get resolves an address's current slot. found is false for an address
// never seen before.
func (r *Registry) Get(t types.OutputType, typeIndex uint64) (AnyAddressIndex, bool, error) {
	v, err := r.index(t)
	if err != nil {
		return 0, false, err
	}
	return v.Get(typeIndex)
}

// UpdateOrPush points typeIndex at idx, growing the indirection as needed.
func (r *Registry) UpdateOrPush(t types.OutputType, typeIndex uint64, idx AnyAddressIndex) error {
	v, err := r.index(t)
	if err != nil {
		return err
	}
	for v.Len() < typeIndex {
		if err := v.Delete(v.Push(0)); err != nil {
			return err
		}
	}
	if typeIndex == v.Len() {
		v.Push(idx)
		return nil
	}
	return v.Update(typeIndex, idx)
}

// GetOrReadLoaded returns the loaded record at slot i.
func (r *Registry) GetOrReadLoaded(i uint64) (LoadedAddressData, error) {
	d, ok, err := r.loaded.Get(i)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, fmt.Errorf("%w: %s", ErrAddressMissing, Loaded(i))
	}
	return d, nil
}

// GetOrReadEmpty returns the empty record at slot j.
func (r *Registry) GetOrReadEmpty(j uint64) (EmptyAddressData, error) {
	d, ok, err := r.empty.Get(j)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, fmt.Errorf("%w: %s", ErrAddressMissing, Empty(j))
	}
	return d, nil
}

// UpdateLoaded overwrites loaded slot i.
func (r *Registry) UpdateLoaded(i uint64, d LoadedAddressData) error {
	return r.loaded.Update(i, d)
}

// DeleteLoaded frees loaded slot i.
func (r *Registry) DeleteLoaded(i uint64) error {
	return r.loaded.Delete(i)
}

// PushLoaded stores d in the lowest free loaded slot.
func (r *Registry) PushLoaded(d LoadedAddressData) uint64 {
	return r.loaded.FillFirstHoleOrPush(d)
}

// UpdateEmpty overwrites empty slot j.
func (r *Registry) UpdateEmpty(j uint64, d EmptyAddressData) error {
	return r.empty.Update(j, d)
}

// DeleteEmpty frees empty slot j.
func (r *Registry) DeleteEmpty(j uint64) error {
	return r.empty.Delete(j)
}

// PushEmpty stores d in the lowest free empty slot.
func (r *Registry) PushEmpty(d EmptyAddressData) uint64 {
	return r.empty.FillFirstHoleOrPush(d)
}

// LoadedCount returns the number of addresses holding coins.
func (r *Registry) LoadedCount() uint64 {
	return r.loaded.Len() - r.loaded.HoleCount()
}

// EmptyCount returns the number of drained addresses.
func (r *Registry) EmptyCount() uint64 {
	return r.empty.Len() - r.empty.HoleCount()
}

func (r *Registry) stores() []vec.Series {
	out := []vec.Series{r.loaded, r.empty}
	for _, t := range types.AddressTypes {
		out = append(out, r.indexes[t])
	}
	return out
}

// Stamp returns the lowest stamp over all stores.
func (r *Registry) Stamp() types.Stamp {
	stores := r.stores()
	lowest := stores[0].Stamp()
	for _, s := range stores[1:] {
		if st := s.Stamp(); st < lowest {
			lowest = st
		}
	}
	return lowest
}

// RollbackBefore rolls every store back to at most stamp. agreed is false
// when the stores end up at different stamps; reached is the lowest.
func (r *Registry) RollbackBefore(stamp types.Stamp) (reached types.Stamp, agreed bool, err error) {
	agreed = true
	for i, s := range r.stores() {
		st, err := s.RollbackBefore(stamp)
		if err != nil {
			return 0, false, err
		}
		if i == 0 {
			reached = st
			continue
		}
		if st != reached {
			log.Registry.Warn().
				Str("store", s.Name()).
				Uint64("stamp", uint64(st)).
				Uint64("other", uint64(reached)).
				Msg("Registry stores disagree after rollback")
			agreed = false
			if st < reached {
				reached = st
			}
		}
	}
	return reached, agreed, nil
}

// StampedFlush writes every store to b.
func (r *Registry) StampedFlush(b storage.Batch, stamp types.Stamp) error {
	for _, s := range r.stores() {
		if err := s.Flush(b, stamp); err != nil {
			return err
		}
	}
	return nil
}

// ValidateVersion resets all stores if any of them is out of date.
func (r *Registry) ValidateVersion(version uint64) (bool, error) {
	stale := false
	for _, s := range r.stores() {
		reset, err := s.ValidateVersion(vec.Derive(version, s.Name(), 0))
		if err != nil {
			return false, err
		}
		stale = stale || reset
	}
	if stale {
		return true, r.Reset()
	}
	return false, nil
}

// Reset deletes every address record.
func (r *Registry) Reset() error {
	for _, s := range r.stores() {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	return nil
}
