package engine

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/internal/vec"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

const totalsSchema = 1

// totals holds the chain-wide counters the engine carries from height to
// height and their persisted series.
type totals struct {
	Unspendable types.Sats
	OpReturn    types.Sats
	AddrCount   [types.NumOutputTypes]uint64
	EmptyCount  [types.NumOutputTypes]uint64

	unspendable *vec.Vec[types.Sats]
	opReturn    *vec.Vec[types.Sats]
	addrCount   map[types.OutputType]*vec.Vec[uint64]
	emptyCount  map[types.OutputType]*vec.Vec[uint64]
	all         []vec.Series
}

func openTotals(db storage.DB, keep int) (*totals, error) {
	t := &totals{
		addrCount:  make(map[types.OutputType]*vec.Vec[uint64]),
		emptyCount: make(map[types.OutputType]*vec.Vec[uint64]),
	}
	opts := []vec.Option{vec.WithKeep(keep)}
	var err error
	if t.unspendable, err = vec.Open[types.Sats](db, "chain/unspendable_supply", vec.Uint64Codec[types.Sats]{}, opts...); err != nil {
		return nil, err
	}
	if t.opReturn, err = vec.Open[types.Sats](db, "chain/opreturn_supply", vec.Uint64Codec[types.Sats]{}, opts...); err != nil {
		return nil, err
	}
	t.all = append(t.all, t.unspendable, t.opReturn)
	for _, typ := range types.AddressTypes {
		a, err := vec.Open[uint64](db, "chain/addr_count/"+typ.String(), vec.Uint64Codec[uint64]{}, opts...)
		if err != nil {
			return nil, err
		}
		e, err := vec.Open[uint64](db, "chain/empty_addr_count/"+typ.String(), vec.Uint64Codec[uint64]{}, opts...)
		if err != nil {
			return nil, err
		}
		t.addrCount[typ], t.emptyCount[typ] = a, e
		t.all = append(t.all, a, e)
	}
	return t, nil
}

func (t *totals) minLen() uint64 {
	n := t.all[0].Len()
	for _, s := range t.all[1:] {
		if s.Len() < n {
			n = s.Len()
		}
	}
	return n
}

func (t *totals) stamp() types.Stamp {
	st := t.all[0].Stamp()
	for _, s := range t.all[1:] {
		if s.Stamp() < st {
			st = s.Stamp()
		}
	}
	return st
}

func (t *totals) validate(base uint64) (bool, error) {
	stale := false
	for _, s := range t.all {
		reset, err := s.ValidateVersion(vec.Derive(base, s.Name(), totalsSchema))
		if err != nil {
			return false, err
		}
		stale = stale || reset
	}
	if stale {
		return true, t.reset()
	}
	return false, nil
}

func (t *totals) rollbackBefore(stamp types.Stamp) (reached types.Stamp, agreed bool, err error) {
	agreed = true
	for i, s := range t.all {
		st, err := s.RollbackBefore(stamp)
		if err != nil {
			return 0, false, err
		}
		if i == 0 {
			reached = st
		} else if st != reached {
			agreed = false
			reached = min(reached, st)
		}
	}
	return reached, agreed, nil
}

// importAt truncates the series to starting heights and loads the
// counters persisted at starting-1.
func (t *totals) importAt(starting uint64) error {
	for _, s := range t.all {
		s.Truncate(starting)
	}
	t.Unspendable, t.OpReturn = 0, 0
	t.AddrCount = [types.NumOutputTypes]uint64{}
	t.EmptyCount = [types.NumOutputTypes]uint64{}
	if starting == 0 {
		return nil
	}
	h := starting - 1
	var errs []error
	read := func(ok bool, err error, name string) {
		if err == nil && !ok {
			err = fmt.Errorf("%s: no value at %d", name, h)
		}
		errs = append(errs, err)
	}
	var ok bool
	var err error
	t.Unspendable, ok, err = t.unspendable.Get(h)
	read(ok, err, t.unspendable.Name())
	t.OpReturn, ok, err = t.opReturn.Get(h)
	read(ok, err, t.opReturn.Name())
	for _, typ := range types.AddressTypes {
		t.AddrCount[typ], ok, err = t.addrCount[typ].Get(h)
		read(ok, err, t.addrCount[typ].Name())
		t.EmptyCount[typ], ok, err = t.emptyCount[typ].Get(h)
		read(ok, err, t.emptyCount[typ].Name())
	}
	return errors.Join(errs...)
}

func (t *totals) push(h uint64) error {
	errs := []error{
		t.unspendable.ForcedPushAt(h, t.Unspendable),
		t.opReturn.ForcedPushAt(h, t.OpReturn),
	}
	for _, typ := range types.AddressTypes {
		errs = append(errs,
			t.addrCount[typ].ForcedPushAt(h, t.AddrCount[typ]),
			t.emptyCount[typ].ForcedPushAt(h, t.EmptyCount[typ]),
		)
	}
	return errors.Join(errs...)
}

func (t *totals) flush(b storage.Batch, stamp types.Stamp) error {
	for _, s := range t.all {
		if err := s.Flush(b, stamp); err != nil {
			return err
		}
	}
	return nil
}

func (t *totals) reset() error {
	for _, s := range t.all {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	return t.importAt(0)
}
