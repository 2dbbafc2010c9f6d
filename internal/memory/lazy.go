package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/semem/pkg/types"
)

// LazyFilter selects which pending records one ProcessLazy pass handles.
type LazyFilter struct {
	// SessionID scopes the completed versions in the write buffer.
	SessionID string

	// IDs restricts the pass to specific records. Empty selects every
	// pending record.
	IDs []string

	// Limit caps how many records this pass completes. Zero means no cap.
	Limit int
}

// ProcessLazy completes pending records: embeds, extracts concepts, chunks
// oversized documents, and updates index and graph. Records are handled in
// bounded batches with a capped provider fan-out. The pass is idempotent —
// records that fail stay pending and are picked up again next time.
//
// It returns how many records were completed, together with the joined
// errors of the ones that were not.
func (m *Manager) ProcessLazy(ctx context.Context, filter LazyFilter) (int, error) {
	pending, err := m.pendingRecords(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	processed := 0
	var errs []error
	for start := 0; start < len(pending); start += m.cfg.LazyBatch {
		end := min(start+m.cfg.LazyBatch, len(pending))
		n, err := m.processBatch(ctx, filter.SessionID, pending[start:end])
		processed += n
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return processed, errors.Join(errs...)
}

// pendingRecords resolves the filter to the records awaiting processing.
func (m *Manager) pendingRecords(ctx context.Context, filter LazyFilter) ([]*types.Interaction, error) {
	if len(filter.IDs) == 0 {
		// The pending listing reads flushed state only, so buffered lazy
		// writes must reach the endpoint first.
		if err := m.store.FlushAll(ctx); err != nil {
			return nil, fmt.Errorf("memory: process lazy: %w", err)
		}
		pending, err := m.store.ListPending(ctx, filter.Limit)
		if err != nil {
			return nil, fmt.Errorf("memory: process lazy: %w", err)
		}
		return pending, nil
	}

	out := make([]*types.Interaction, 0, len(filter.IDs))
	for _, id := range filter.IDs {
		it, err := m.store.Get(ctx, filter.SessionID, id)
		if err != nil {
			return nil, fmt.Errorf("memory: process lazy: %w", err)
		}
		if !it.Metadata.PendingProcessing {
			continue
		}
		out = append(out, it)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// processBatch completes one batch with at most ProcessWorkers records in
// flight. A record failure never stops its siblings.
func (m *Manager) processBatch(ctx context.Context, sessionID string, batch []*types.Interaction) (int, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		done int
		errs []error
	)
	g.SetLimit(m.cfg.ProcessWorkers)

	for _, it := range batch {
		g.Go(func() error {
			if _, _, err := m.process(ctx, sessionID, it); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return done, errors.Join(errs...)
}
