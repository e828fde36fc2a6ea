package engine

import (
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-cohorts/internal/storage"
	"github.com/Klingon-tech/klingnet-cohorts/pkg/types"
)

// checkpoint persists every store after height h in a single batch, so a
// crash leaves either the previous checkpoint or this one.
func (e *Engine) checkpoint(h uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()
	stamp := types.StampAfter(h)

	b := storage.NewBatch(e.db)
	if err := e.chain.Flush(b, stamp); err != nil {
		return fmt.Errorf("flush chain state: %w", err)
	}
	if err := e.registry.StampedFlush(b, stamp); err != nil {
		return fmt.Errorf("flush registry: %w", err)
	}
	if err := e.totals.flush(b, stamp); err != nil {
		return fmt.Errorf("flush totals: %w", err)
	}
	for _, l := range e.cohorts.All() {
		if err := l.SafeFlush(b, stamp); err != nil {
			return fmt.Errorf("flush %s: %w", l.Name(), err)
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint %d: %w", stamp, err)
	}

	e.committed = stamp.Height()
	committedHeight.Store(e.committed)
	e.warm = true
	checkpointsWritten.Inc()
	checkpointDuration.UpdateDuration(start)
	e.logger.Info().
		Uint64("height", h).
		Dur("took", time.Since(start)).
		Msg("Checkpoint written")
	return nil
}
