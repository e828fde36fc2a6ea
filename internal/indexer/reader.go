// Package indexer defines the read-only view of raw chain data the cohort
// engine consumes, with in-memory and storage-backed implementations.
package indexer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

var (
	ErrUnknownHeight = errors.New("unknown height")
	ErrUnknownOutput = errors.New("unknown output")
	ErrUnknownInput  = errors.New("unknown input")
)

// BlockInfo is the per-height data the engine reads.
type BlockInfo struct {
	Timestamp uint64        `json:"timestamp"`
	Price     types.Dollars `json:"price"`
	HasPrice  bool          `json:"has_price"`

	// Outputs and inputs of a block occupy contiguous global index ranges.
	FirstOutput uint64 `json:"first_output"`
	OutputCount uint64 `json:"output_count"`
	FirstInput  uint64 `json:"first_input"`
	InputCount  uint64 `json:"input_count"`

	// UnclaimedRewards is subsidy plus fees the coinbase did not claim.
	UnclaimedRewards types.Sats `json:"unclaimed_rewards"`
}

// Output is a created output.
type Output struct {
	Value     types.Sats       `json:"value"`
	Type      types.OutputType `json:"type"`
	TypeIndex uint64           `json:"type_index"`
}

// Input spends an output, or is a coinbase input spending nothing.
type Input struct {
	Coinbase    bool   `json:"coinbase,omitempty"`
	OutputIndex uint64 `json:"output_index"`
}

// Reader is the read-only chain view. Height is the number of indexed
// blocks; valid heights are [0, Height()).
type Reader interface {
	Height() uint64
	Block(h uint64) (BlockInfo, error)
	Output(i uint64) (Output, error)
	Input(i uint64) (Input, error)
	// DateClose returns the closing price of a UTC day when the price feed
	// provides one separately from block prices.
	DateClose(d types.DateIndex) (types.Dollars, bool, error)
	HasPrices() bool
	// Version fingerprints the reader's data schema.
	Version() uint64
}

// OriginHeight returns the height whose output range contains output
// index out, searching heights below limit.
func OriginHeight(r Reader, out uint64, limit uint64) (uint64, error) {
	var searchErr error
	h := sort.Search(int(limit), func(i int) bool {
		if searchErr != nil {
			return true
		}
		b, err := r.Block(uint64(i))
		if err != nil {
			searchErr = err
			return true
		}
		return b.FirstOutput > out
	})
	if searchErr != nil {
		return 0, searchErr
	}
	if h == 0 {
		return 0, fmt.Errorf("%w: output %d precedes height 0", ErrUnknownOutput, out)
	}
	origin := uint64(h - 1)
	b, err := r.Block(origin)
	if err != nil {
		return 0, err
	}
	if out >= b.FirstOutput+b.OutputCount {
		return 0, fmt.Errorf("%w: output %d not below height %d", ErrUnknownOutput, out, limit)
	}
	return origin, nil
}
