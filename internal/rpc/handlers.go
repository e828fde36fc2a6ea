package rpc

import (
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-cohorts/internal/cohort"
	"github.com/Klingon-tech/klingnet-cohorts/internal/rollup"
)

// resolveHeight maps an optional height onto a committed one.
func (s *Server) resolveHeight(h *uint64) (uint64, *Error) {
	n := s.src.Height()
	if n == 0 {
		return 0, &Error{Code: CodeNotFound, Message: "no heights computed yet"}
	}
	if h == nil {
		return n - 1, nil
	}
	if *h >= n {
		return 0, &Error{Code: CodeNotFound, Message: fmt.Sprintf("height %d not computed (committed %d)", *h, n)}
	}
	return *h, nil
}

// withLedger runs fn on the named ledger under the engine's read lock.
func (s *Server) withLedger(name string, fn func(*cohort.Ledger) *Error) *Error {
	var rpcErr *Error
	err := s.src.View(func(set *cohort.Set) error {
		l, ok := set.ByName(name)
		if !ok {
			rpcErr = &Error{Code: CodeNotFound, Message: fmt.Sprintf("ledger %q not found", name)}
			return nil
		}
		rpcErr = fn(l)
		return nil
	})
	if err != nil {
		return &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return rpcErr
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func (s *Server) handleGetInfo(_ *Request) (interface{}, *Error) {
	var info InfoResult
	err := s.src.View(func(set *cohort.Set) error {
		info.Ledgers = len(set.All())
		if l, ok := set.ByName(rollup.CirculatingLedger); ok {
			info.Priced = l.State().Priced()
		}
		return nil
	})
	if err != nil {
		return nil, internalError(err)
	}
	info.Height = s.src.Height()
	return info, nil
}

func (s *Server) handleList(req *Request) (interface{}, *Error) {
	var p ListParam
	if req.Params != nil {
		if rpcErr := parseParams(req, &p); rpcErr != nil {
			return nil, rpcErr
		}
	}
	var out []LedgerInfo
	err := s.src.View(func(set *cohort.Set) error {
		for _, l := range set.All() {
			if !strings.HasPrefix(l.Name(), p.Prefix) {
				continue
			}
			out = append(out, LedgerInfo{
				Name:    l.Name(),
				Kind:    l.Filter.Kind.String(),
				Address: l.Address,
			})
		}
		return nil
	})
	if err != nil {
		return nil, internalError(err)
	}
	if out == nil {
		out = []LedgerInfo{}
	}
	return out, nil
}

func (s *Server) handleGetSupply(req *Request) (interface{}, *Error) {
	var p LedgerParam
	if rpcErr := parseParams(req, &p); rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := s.resolveHeight(p.Height)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res := SupplyResult{Ledger: p.Ledger, Height: h}
	rpcErr = s.withLedger(p.Ledger, func(l *cohort.Ledger) *Error {
		sup, err := l.SupplyAt(h)
		if err != nil {
			return internalError(err)
		}
		n, err := l.AddrCountAt(h)
		if err != nil {
			return internalError(err)
		}
		res.Sats = uint64(sup.Value)
		res.BTC = sup.Value.BTC()
		res.UTXOCount = sup.UTXOCount
		res.AddrCount = n
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *Server) handleGetRealized(req *Request) (interface{}, *Error) {
	var p LedgerParam
	if rpcErr := parseParams(req, &p); rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := s.resolveHeight(p.Height)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res := RealizedResult{Ledger: p.Ledger, Height: h}
	rpcErr = s.withLedger(p.Ledger, func(l *cohort.Ledger) *Error {
		if !l.State().Priced() {
			return &Error{Code: CodeNotFound, Message: fmt.Sprintf("ledger %q is computed without prices", p.Ledger)}
		}
		r, err := l.RealizedAt(h)
		if err != nil {
			return internalError(err)
		}
		res.Cap = float64(r.Cap)
		res.Profit = float64(r.Profit)
		res.Loss = float64(r.Loss)
		res.ValueCreated = float64(r.ValueCreated)
		res.ValueDestroyed = float64(r.ValueDestroyed)
		res.AdjustedValueCreated = float64(r.AdjustedValueCreated)
		res.AdjustedValueDestroyed = float64(r.AdjustedValueDestroyed)
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *Server) handleGetUnrealized(req *Request) (interface{}, *Error) {
	var p LedgerParam
	if rpcErr := parseParams(req, &p); rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := s.resolveHeight(p.Height)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res := UnrealizedResult{Ledger: p.Ledger, Height: h}
	rpcErr = s.withLedger(p.Ledger, func(l *cohort.Ledger) *Error {
		if !l.State().Priced() {
			return &Error{Code: CodeNotFound, Message: fmt.Sprintf("ledger %q is computed without prices", p.Ledger)}
		}
		u, err := l.UnrealizedAt(h)
		if err != nil {
			return internalError(err)
		}
		res.SupplyInProfit = uint64(u.SupplyInProfit)
		res.SupplyInLoss = uint64(u.SupplyInLoss)
		res.SupplyEven = uint64(u.SupplyEven)
		res.Profit = float64(u.Profit)
		res.Loss = float64(u.Loss)
		res.MinPrice = float64(u.MinPrice)
		res.MaxPrice = float64(u.MaxPrice)
		return nil
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}

func (s *Server) handleRollupGetValue(req *Request) (interface{}, *Error) {
	var p SeriesParam
	if rpcErr := parseParams(req, &p); rpcErr != nil {
		return nil, rpcErr
	}
	h, rpcErr := s.resolveHeight(p.Height)
	if rpcErr != nil {
		return nil, rpcErr
	}

	res := SeriesResult{Ledger: p.Ledger, Metric: p.Metric, Height: h}
	err := s.src.View(func(*cohort.Set) error {
		v, ok := s.src.Rollup().Series(p.Ledger, p.Metric)
		if !ok {
			rpcErr = &Error{Code: CodeNotFound, Message: fmt.Sprintf("series %s/%s not found", p.Ledger, p.Metric)}
			return nil
		}
		val, ok, err := v.Get(h)
		if err != nil {
			return err
		}
		if !ok {
			rpcErr = &Error{Code: CodeNotFound, Message: fmt.Sprintf("series %s/%s not computed at %d", p.Ledger, p.Metric, h)}
			return nil
		}
		res.Value = val
		return nil
	})
	if err != nil {
		return nil, internalError(err)
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	return res, nil
}
