// Package mock provides a test double for the rdf.Store interface.
//
// Use Store in unit tests to verify the queries and updates the engine
// issues and to feed controlled results without a live SPARQL endpoint.
// All fields are safe to set before calling any method; mutating them
// during a concurrent call is the caller's responsibility.
//
// Example:
//
//	s := &mock.Store{
//	    AskResult: true,
//	}
//	ok, err := s.Ask(ctx, "ASK { ... }")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/semem/pkg/rdf"
)

// Store is a mock implementation of rdf.Store.
// Zero values for result fields cause methods to return zero values and
// nil errors. Set Err fields to inject failures.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SelectFunc, when non-nil, computes the result of Select from the
	// query text. Useful for tests that must answer different queries
	// differently. SelectErr still takes precedence.
	SelectFunc func(query string) ([]rdf.Binding, error)

	// SelectResult is returned by Select when SelectFunc is nil.
	SelectResult []rdf.Binding

	// SelectErr, if non-nil, is returned as the error from Select.
	SelectErr error

	// ConstructResult is returned by Construct.
	ConstructResult []rdf.Triple

	// ConstructErr, if non-nil, is returned as the error from Construct.
	ConstructErr error

	// AskResult is returned by Ask.
	AskResult bool

	// AskErr, if non-nil, is returned as the error from Ask.
	AskErr error

	// UpdateErr, if non-nil, is returned as the error from Update.
	UpdateErr error

	// BatchErr, if non-nil, is returned as the error from Batch.
	BatchErr error

	// ProbeErr, if non-nil, is returned as the error from Probe.
	ProbeErr error

	// --- Call records (read after test) ---

	// SelectCalls records the query text of every Select in order.
	SelectCalls []string

	// ConstructCalls records the query text of every Construct in order.
	ConstructCalls []string

	// AskCalls records the query text of every Ask in order.
	AskCalls []string

	// UpdateCalls records the update text of every Update in order.
	UpdateCalls []string

	// BatchCalls records the operations of every Batch in order.
	BatchCalls [][]string

	// ProbeCallCount is the number of times Probe was called.
	ProbeCallCount int
}

// Select records the call and returns SelectFunc(query) or SelectResult,
// SelectErr.
func (s *Store) Select(_ context.Context, query string) ([]rdf.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SelectCalls = append(s.SelectCalls, query)
	if s.SelectErr != nil {
		return nil, s.SelectErr
	}
	if s.SelectFunc != nil {
		return s.SelectFunc(query)
	}
	return s.SelectResult, nil
}

// Construct records the call and returns ConstructResult, ConstructErr.
func (s *Store) Construct(_ context.Context, query string) ([]rdf.Triple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConstructCalls = append(s.ConstructCalls, query)
	if s.ConstructErr != nil {
		return nil, s.ConstructErr
	}
	return s.ConstructResult, nil
}

// Ask records the call and returns AskResult, AskErr.
func (s *Store) Ask(_ context.Context, query string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AskCalls = append(s.AskCalls, query)
	if s.AskErr != nil {
		return false, s.AskErr
	}
	return s.AskResult, nil
}

// Update records the call and returns UpdateErr.
func (s *Store) Update(_ context.Context, update string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls = append(s.UpdateCalls, update)
	return s.UpdateErr
}

// Batch records the call and returns BatchErr.
func (s *Store) Batch(_ context.Context, updates []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, len(updates))
	copy(ops, updates)
	s.BatchCalls = append(s.BatchCalls, ops)
	return s.BatchErr
}

// Probe records the call and returns ProbeErr.
func (s *Store) Probe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProbeCallCount++
	return s.ProbeErr
}

// Updates returns every update statement seen so far, flattening batch
// operations in order. Thread-safe.
func (s *Store) Updates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []string
	all = append(all, s.UpdateCalls...)
	for _, batch := range s.BatchCalls {
		all = append(all, batch...)
	}
	return all
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SelectCalls = nil
	s.ConstructCalls = nil
	s.AskCalls = nil
	s.UpdateCalls = nil
	s.BatchCalls = nil
	s.ProbeCallCount = 0
}

// Ensure Store implements rdf.Store at compile time.
var _ rdf.Store = (*Store)(nil)
