package indexer

import (
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// MemoryVersion is the version reported by Memory readers.
const MemoryVersion = 1

// BlockSpec describes a block to append to a Memory reader. A coinbase
// input is added automatically ahead of Spends.
type BlockSpec struct {
	Timestamp        uint64
	Price            types.Dollars
	NoPrice          bool
	Outputs          []Output
	Spends           []uint64
	UnclaimedRewards types.Sats
}

// Memory is an in-memory Reader that can be built block by block.
type Memory struct {
	mu        sync.RWMutex
	blocks    []BlockInfo
	outputs   []Output
	inputs    []Input
	dateClose map[types.DateIndex]types.Dollars
	noPrices  bool
	limit     uint64 // 0 means no limit
}

// NewMemory creates an empty reader. Blocks carry prices unless withPrices is false.
func NewMemory(withPrices bool) *Memory {
	return &Memory{
		dateClose: make(map[types.DateIndex]types.Dollars),
		noPrices:  !withPrices,
	}
}

// Append adds a block and returns its height and the global index of its
// first output.
func (m *Memory) Append(bs BlockSpec) (height, firstOutput uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := BlockInfo{
		Timestamp:        bs.Timestamp,
		Price:            bs.Price,
		HasPrice:         !m.noPrices && !bs.NoPrice,
		FirstOutput:      uint64(len(m.outputs)),
		OutputCount:      uint64(len(bs.Outputs)),
		FirstInput:       uint64(len(m.inputs)),
		InputCount:       uint64(len(bs.Spends)) + 1,
		UnclaimedRewards: bs.UnclaimedRewards,
	}
	if !b.HasPrice {
		b.Price = 0
	}
	m.outputs = append(m.outputs, bs.Outputs...)
	m.inputs = append(m.inputs, Input{Coinbase: true})
	for _, s := range bs.Spends {
		m.inputs = append(m.inputs, Input{OutputIndex: s})
	}
	m.blocks = append(m.blocks, b)
	return uint64(len(m.blocks) - 1), b.FirstOutput
}

// SetDateClose records a daily closing price.
func (m *Memory) SetDateClose(d types.DateIndex, price types.Dollars) {
	m.mu.Lock()
	m.dateClose[d] = price
	m.mu.Unlock()
}

// Truncate drops blocks from height h on, as a reorg would.
func (m *Memory) Truncate(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h >= uint64(len(m.blocks)) {
		return
	}
	b := m.blocks[h]
	m.outputs = m.outputs[:b.FirstOutput]
	m.inputs = m.inputs[:b.FirstInput]
	m.blocks = m.blocks[:h]
}

// Limit returns a view of m exposing only the first h blocks.
func (m *Memory) Limit(h uint64) *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Memory{
		blocks:    m.blocks,
		outputs:   m.outputs,
		inputs:    m.inputs,
		dateClose: m.dateClose,
		noPrices:  m.noPrices,
		limit:     h,
	}
}

func (m *Memory) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := uint64(len(m.blocks))
	if m.limit > 0 && m.limit < n {
		return m.limit
	}
	return n
}

func (m *Memory) Block(h uint64) (BlockInfo, error) {
	if h >= m.Height() {
		return BlockInfo{}, fmt.Errorf("%w: %d", ErrUnknownHeight, h)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[h], nil
}

func (m *Memory) Output(i uint64) (Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= uint64(len(m.outputs)) {
		return Output{}, fmt.Errorf("%w: %d", ErrUnknownOutput, i)
	}
	return m.outputs[i], nil
}

func (m *Memory) Input(i uint64) (Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= uint64(len(m.inputs)) {
		return Input{}, fmt.Errorf("%w: %d", ErrUnknownInput, i)
	}
	return m.inputs[i], nil
}

func (m *Memory) DateClose(d types.DateIndex) (types.Dollars, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.dateClose[d]
	return p, ok, nil
}

func (m *Memory) HasPrices() bool { return !m.noPrices }

func (m *Memory) Version() uint64 { return MemoryVersion }
