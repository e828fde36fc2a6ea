package engine

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	blocksProcessed    = metrics.GetOrCreateCounter(`cohorts_blocks_processed_total`)
	checkpointsWritten = metrics.GetOrCreateCounter(`cohorts_checkpoints_total`)
	rebuilds           = metrics.GetOrCreateCounter(`cohorts_rebuilds_total`)
	blockDuration      = metrics.GetOrCreateHistogram(`cohorts_block_duration_seconds`)
	checkpointDuration = metrics.GetOrCreateHistogram(`cohorts_checkpoint_duration_seconds`)
	tickTockMoves      = metrics.GetOrCreateCounter(`cohorts_ticktock_moves_total`)

	committedHeight atomic.Uint64
)

func init() {
	metrics.GetOrCreateGauge(`cohorts_committed_height`, func() float64 {
		return float64(committedHeight.Load())
	})
}
