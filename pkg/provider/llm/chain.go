package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/semem/internal/resilience"
	"github.com/MrWong99/semem/pkg/types"
)

// Chain is a failover [Provider]. It forwards each completion to its
// member providers in priority order and returns the first success; a
// failed member is skipped for that call only. The chain never retries a
// member, and it stops immediately once ctx is cancelled or expired.
//
// Token counting and capabilities are answered conservatively so that a
// request shaped for the chain fits every member it may fail over to.
type Chain struct {
	providers []Provider
}

// NewChain builds a failover chain over providers, highest priority first.
func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("llm: chain requires at least one provider")
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("llm: chain provider %d is nil", i)
		}
	}
	return &Chain{providers: slices.Clone(providers)}, nil
}

// Complete tries each member in order and returns the first successful
// response. When every member fails, the returned error matches
// [resilience.ErrAllFailed] and lists each member's failure; when ctx
// dies mid-chain, the context error is returned instead so callers can
// tell a timeout from a provider outage.
func (c *Chain) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var errs []error
	for i, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm: chain: %w", ctx.Err())
		}
		if i < len(c.providers)-1 {
			slog.Warn("llm provider failed; failing over to next in chain",
				"provider", i,
				"error", err,
			)
		}
	}
	return nil, fmt.Errorf("llm: %w: %v", resilience.ErrAllFailed, errors.Join(errs...))
}

// CountTokens returns the largest estimate across members, so trimming
// against the chain never undercounts for any member.
func (c *Chain) CountTokens(messages []types.Message) (int, error) {
	best := 0
	var errs []error
	for i, p := range c.providers {
		n, err := p.CountTokens(messages)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %d: %w", i, err))
			continue
		}
		if n > best {
			best = n
		}
	}
	if len(errs) == len(c.providers) {
		return 0, fmt.Errorf("llm: chain count tokens: %w", errors.Join(errs...))
	}
	return best, nil
}

// Capabilities returns the intersection of member capabilities: the
// smallest context window and output cap across the chain.
func (c *Chain) Capabilities() ModelCapabilities {
	caps := c.providers[0].Capabilities()
	for _, p := range c.providers[1:] {
		pc := p.Capabilities()
		if pc.ContextWindow > 0 && (caps.ContextWindow == 0 || pc.ContextWindow < caps.ContextWindow) {
			caps.ContextWindow = pc.ContextWindow
		}
		if pc.MaxOutputTokens > 0 && (caps.MaxOutputTokens == 0 || pc.MaxOutputTokens < caps.MaxOutputTokens) {
			caps.MaxOutputTokens = pc.MaxOutputTokens
		}
	}
	return caps
}
