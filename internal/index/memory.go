package index

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultFlushWindow is the debounce window for buffered writes.
const DefaultFlushWindow = 500 * time.Millisecond

// Compile-time interface check.
var _ Index = (*Memory)(nil)

// entry is one indexed vector with its precomputed L2 norm.
type entry struct {
	vec  []float32
	norm float64
}

// op is one buffered write.
type op struct {
	id     string
	vec    []float32
	remove bool
}

// Memory is the in-memory vector index. Writes are buffered and applied
// in batches: the buffer drains when the debounce window elapses after
// the last write, or immediately when a search arrives while the buffer
// is dirty. Searches therefore always observe every prior write.
//
// Lookups are exact brute-force cosine similarity. All methods are safe
// for concurrent use.
type Memory struct {
	window time.Duration

	mu      sync.RWMutex // guards vectors
	vectors map[string]entry

	bufMu  sync.Mutex // guards buffer and timer
	buffer []op
	timer  *time.Timer
}

// NewMemory creates an empty in-memory index. A non-positive window
// selects [DefaultFlushWindow].
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultFlushWindow
	}
	return &Memory{
		window:  window,
		vectors: make(map[string]entry),
	}
}

// Add implements [Index]. The vector is copied into the buffer, so the
// caller may reuse the slice.
func (m *Memory) Add(_ context.Context, id string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	m.enqueue(op{id: id, vec: cp})
	return nil
}

// Remove implements [Index].
func (m *Memory) Remove(_ context.Context, id string) error {
	m.enqueue(op{id: id, remove: true})
	return nil
}

// enqueue buffers a write and (re)arms the debounce timer.
func (m *Memory) enqueue(o op) {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	m.buffer = append(m.buffer, o)
	if m.timer == nil {
		m.timer = time.AfterFunc(m.window, m.Flush)
	} else {
		m.timer.Reset(m.window)
	}
}

// Flush applies all buffered writes immediately. It is called by the
// debounce timer and by searches that find a dirty buffer; callers may
// also invoke it directly before shutting down.
func (m *Memory) Flush() {
	m.bufMu.Lock()
	ops := m.buffer
	m.buffer = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.bufMu.Unlock()

	if len(ops) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range ops {
		if o.remove {
			delete(m.vectors, o.id)
			continue
		}
		m.vectors[o.id] = entry{vec: o.vec, norm: l2norm(o.vec)}
	}
}

// dirty reports whether buffered writes are pending.
func (m *Memory) dirty() bool {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return len(m.buffer) > 0
}

// Search implements [Index]. A dirty buffer is flushed first so the
// search observes all prior writes. Vectors whose length differs from
// the query are skipped.
func (m *Memory) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}
	if m.dirty() {
		m.Flush()
	}

	qnorm := l2norm(vec)
	if qnorm == 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Hit, 0, len(m.vectors))
	for id, e := range m.vectors {
		if len(e.vec) != len(vec) || e.norm == 0 {
			continue
		}
		var dot float64
		for i, v := range vec {
			dot += float64(v) * float64(e.vec[i])
		}
		hits = append(hits, Hit{ID: id, Score: dot / (qnorm * e.norm)})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count implements [Index]. Pending writes are flushed first so the
// count reflects them.
func (m *Memory) Count(_ context.Context) (int, error) {
	if m.dirty() {
		m.Flush()
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors), nil
}

// Close drains the buffer and stops the debounce timer.
func (m *Memory) Close() error {
	m.Flush()
	return nil
}

func l2norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
