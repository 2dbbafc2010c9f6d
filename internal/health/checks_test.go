package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/semem/internal/index"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/rdf"
	rdfmock "github.com/MrWong99/semem/pkg/rdf/mock"
	"github.com/MrWong99/semem/pkg/types"
)

func TestStoreCheck_Healthy(t *testing.T) {
	st, err := store.NewBuffered(&rdfmock.Store{}, store.Config{})
	if err != nil {
		t.Fatalf("NewBuffered() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	c := StoreCheck(st)
	if c.Name != "store" {
		t.Errorf("Name = %q, want %q", c.Name, "store")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v, want nil", err)
	}
}

func TestStoreCheck_DegradedFails(t *testing.T) {
	backend := &rdfmock.Store{BatchErr: fmt.Errorf("dial: %w", rdf.ErrUnavailable)}
	st, err := store.NewBuffered(backend, store.Config{})
	if err != nil {
		t.Fatalf("NewBuffered() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.Put("sess-a", &types.Interaction{
		ID:       "semem:q1",
		Kind:     types.KindInteraction,
		Prompt:   "queued",
		Metadata: types.Metadata{Created: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.FlushSession(context.Background(), "sess-a"); !errors.Is(err, rdf.ErrUnavailable) {
		t.Fatalf("FlushSession() error = %v, want ErrUnavailable", err)
	}

	err = StoreCheck(st).Check(context.Background())
	if err == nil {
		t.Fatal("Check() error = nil for degraded store")
	}
	if !strings.Contains(err.Error(), "buffered") {
		t.Errorf("error should mention buffered writes, got: %v", err)
	}
}

func TestIndexCheck_Healthy(t *testing.T) {
	idx := index.NewMemory(time.Millisecond)

	c := IndexCheck(idx)
	if c.Name != "index" {
		t.Errorf("Name = %q, want %q", c.Name, "index")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v, want nil", err)
	}
}

func TestIndexCheck_CountErrorFails(t *testing.T) {
	idx := failingIndex{err: errors.New("connection reset")}
	err := IndexCheck(idx).Check(context.Background())
	if err == nil {
		t.Fatal("Check() error = nil for failing index")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error should carry the cause, got: %v", err)
	}
}

type failingIndex struct{ err error }

func (f failingIndex) Add(context.Context, string, []float32) error { return f.err }
func (f failingIndex) Remove(context.Context, string) error         { return f.err }
func (f failingIndex) Search(context.Context, []float32, int) ([]index.Hit, error) {
	return nil, f.err
}
func (f failingIndex) Count(context.Context) (int, error) { return 0, f.err }
