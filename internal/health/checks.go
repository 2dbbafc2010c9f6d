package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/store"
)

// StoreCheck reports ready only while the persistent store is reachable.
// A degraded store still serves reads and buffers writes in session
// caches, but restarts would lose them, so readiness goes red.
func StoreCheck(st *store.Buffered) Checker {
	return Checker{
		Name: "store",
		Check: func(_ context.Context) error {
			status := st.Status()
			if !status.Degraded {
				return nil
			}
			if status.LastError != "" {
				return fmt.Errorf("endpoint unreachable (%s); %d writes buffered", status.LastError, status.QueuedWrites)
			}
			return fmt.Errorf("endpoint unreachable; %d writes buffered", status.QueuedWrites)
		},
	}
}

// IndexCheck probes the vector index. For the in-memory backend this is
// effectively free; for pgvector it exercises a live connection.
func IndexCheck(idx index.Index) Checker {
	return Checker{
		Name: "index",
		Check: func(ctx context.Context) error {
			if _, err := idx.Count(ctx); err != nil {
				return fmt.Errorf("count: %w", err)
			}
			return nil
		},
	}
}
