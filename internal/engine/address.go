package engine

import (
	"fmt"
	"maps"
	"slices"

	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/registry"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

type addressStatus uint8

const (
	statusNew addressStatus = iota
	statusEmpty
	statusLoaded
)

// applyAddresses updates every address touched by a block, in address
// order, and moves their positions between the address cohorts.
func (e *Engine) applyAddresses(recv *received, spent *sent, h, ts uint64, current types.Dollars) error {
	deltas := make(map[addressKey]*addressDelta, len(recv.addresses)+len(spent.addresses))
	for k, d := range recv.addresses {
		deltas[k] = &addressDelta{received: d.received}
	}
	for k, d := range spent.addresses {
		if cur, ok := deltas[k]; ok {
			cur.sent = d.sent
		} else {
			deltas[k] = &addressDelta{sent: d.sent}
		}
	}
	keys := slices.SortedFunc(maps.Keys(deltas), compareAddressKeys)
	for _, k := range keys {
		if err := e.applyAddress(k, deltas[k], h, ts, current); err != nil {
			return fmt.Errorf("address %s/%d: %w", k.typ, k.index, err)
		}
	}
	return nil
}

func (e *Engine) applyAddress(k addressKey, d *addressDelta, h, ts uint64, current types.Dollars) error {
	idx, found, err := e.registry.Get(k.typ, k.index)
	if err != nil {
		return err
	}
	var data registry.LoadedAddressData
	status := statusNew
	if found {
		if idx.IsEmpty() {
			empty, err := e.registry.GetOrReadEmpty(idx.Index())
			if err != nil {
				return err
			}
			data, status = registry.FromEmpty(empty), statusEmpty
		} else {
			if data, err = e.registry.GetOrReadLoaded(idx.Index()); err != nil {
				return err
			}
			status = statusLoaded
			if err := e.leaveCohorts(data); err != nil {
				return err
			}
		}
	}

	for _, v := range d.received {
		data.Receive(v, current)
	}
	if len(d.sent) > 0 {
		// Realized flows belong to the cohorts the address sat in when it spent.
		ledgers := e.cohorts.AddressLedgers(data.Balance())
		for _, s := range d.sent {
			origin := e.blocks[s.origin]
			acquired := price(origin)
			age := cohort.AgeBetween(s.origin, origin.Timestamp, h, ts)
			for _, l := range ledgers {
				l.State().Realize(s.value, current, acquired, age)
			}
			if err := data.Send(s.value, acquired); err != nil {
				return err
			}
		}
	}

	if data.UTXOCount > 0 {
		e.joinCohorts(data)
		return e.storeLoaded(k, idx, status, data)
	}
	return e.storeEmpty(k, idx, status, data)
}

func (e *Engine) storeLoaded(k addressKey, idx registry.AnyAddressIndex, status addressStatus, data registry.LoadedAddressData) error {
	switch status {
	case statusLoaded:
		return e.registry.UpdateLoaded(idx.Index(), data)
	case statusEmpty:
		if err := e.registry.DeleteEmpty(idx.Index()); err != nil {
			return err
		}
		e.totals.EmptyCount[k.typ]--
	}
	i := e.registry.PushLoaded(data)
	e.totals.AddrCount[k.typ]++
	return e.registry.UpdateOrPush(k.typ, k.index, registry.Loaded(i))
}

func (e *Engine) storeEmpty(k addressKey, idx registry.AnyAddressIndex, status addressStatus, data registry.LoadedAddressData) error {
	switch status {
	case statusEmpty:
		return e.registry.UpdateEmpty(idx.Index(), data.ToEmpty())
	case statusLoaded:
		if err := e.registry.DeleteLoaded(idx.Index()); err != nil {
			return err
		}
		e.totals.AddrCount[k.typ]--
	}
	j := e.registry.PushEmpty(data.ToEmpty())
	e.totals.EmptyCount[k.typ]++
	return e.registry.UpdateOrPush(k.typ, k.index, registry.Empty(j))
}

// leaveCohorts removes an address's position from the cohorts of its
// balance. Its realized cap sits in the bucket of its average price.
func (e *Engine) leaveCohorts(data registry.LoadedAddressData) error {
	for _, l := range e.cohorts.AddressLedgers(data.Balance()) {
		if err := l.State().DecrementAt(data.Supply(), data.AvgPrice().ToCents(), data.RealizedCap); err != nil {
			return fmt.Errorf("%s: %w", l.Name(), err)
		}
		if err := l.DecrementAddrCount(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) joinCohorts(data registry.LoadedAddressData) {
	for _, l := range e.cohorts.AddressLedgers(data.Balance()) {
		l.State().IncrementAt(data.Supply(), data.AvgPrice().ToCents(), data.RealizedCap)
		l.IncrementAddrCount()
	}
}
