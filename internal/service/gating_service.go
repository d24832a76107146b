package service

import (
	"math"

	"github.com/toolgate-proxy/toolgate/internal/domain/discovery"
	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// GatingService combines lexical discovery over the tool repository with
// token-budgeted provisioning, emitting a gating.metrics event per
// provisioning pass.
type GatingService struct {
	repo      *tool.Repository
	estimator *discovery.Estimator
	bus       *events.Bus
}

// NewGatingService creates a GatingService over the repository.
func NewGatingService(repo *tool.Repository, bus *events.Bus) *GatingService {
	return &GatingService{
		repo:      repo,
		estimator: discovery.NewEstimator(),
		bus:       bus,
	}
}

// Discover ranks repository tools against the query.
func (g *GatingService) Discover(query string, limit int) []discovery.Scored {
	return discovery.Discover(g.repo.All(), query, limit)
}

// Provision discovers tools for the query without a result cap, then
// first-fits them under the token budget.
func (g *GatingService) Provision(query string, maxTokens float64) discovery.Provisioned {
	scored := discovery.Discover(g.repo.All(), query, math.MaxInt)

	tools := make([]tool.Descriptor, len(scored))
	for i, s := range scored {
		tools[i] = s.Tool
	}

	result := discovery.Provision(g.estimator, tools, maxTokens)

	budgeted := 0
	if maxTokens > 0 && !math.IsNaN(maxTokens) && !math.IsInf(maxTokens, 0) {
		budgeted = int(maxTokens)
	}
	g.bus.Publish(events.Event{
		Kind: events.GatingMetrics,
		Fields: map[string]interface{}{
			"toolsDiscovered":  len(scored),
			"toolsProvisioned": len(result.Tools),
			"tokensBudgeted":   budgeted,
			"tokensUsed":       result.TokensUsed,
		},
	})
	return result
}

// Estimate exposes the token estimator for a single descriptor.
func (g *GatingService) Estimate(d *tool.Descriptor) int {
	return g.estimator.Estimate(d)
}
