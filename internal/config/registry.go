package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/provider/knowledge"
	"github.com/MrWong99/semem/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(EmbeddingsEntry) (embeddings.Provider, error)
	knowledge  map[string]func(KnowledgeEntry) (knowledge.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(EmbeddingsEntry) (embeddings.Provider, error)),
		knowledge:  make(map[string]func(KnowledgeEntry) (knowledge.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterKnowledge registers a knowledge provider factory under name.
// Knowledge entries carry no name of their own; the config block key
// ("wikipedia", "wikidata", "hyde") doubles as the registry name.
func (r *Registry) RegisterKnowledge(name string, factory func(KnowledgeEntry) (knowledge.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knowledge[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLMChain instantiates every entry of the completion chain in order
// and wraps them in a failover [llm.Chain]. Entry order is priority order.
func (r *Registry) CreateLLMChain(entries []ProviderEntry) (*llm.Chain, error) {
	providers := make([]llm.Provider, 0, len(entries))
	for i, entry := range entries {
		p, err := r.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("config: llm chain entry %d: %w", i, err)
		}
		providers = append(providers, p)
	}
	chain, err := llm.NewChain(providers...)
	if err != nil {
		return nil, fmt.Errorf("config: llm chain: %w", err)
	}
	return chain, nil
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry EmbeddingsEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateKnowledge instantiates the knowledge provider registered under name.
func (r *Registry) CreateKnowledge(name string, entry KnowledgeEntry) (knowledge.Provider, error) {
	r.mu.RLock()
	factory, ok := r.knowledge[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: knowledge/%q", ErrProviderNotRegistered, name)
	}
	return factory(entry)
}
