package discovery

import (
	"math"

	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// Provisioned is the outcome of a provisioning pass.
type Provisioned struct {
	// Tools is the selected subset, in the input (relevance) order.
	Tools []tool.Descriptor
	// TokensUsed is the running estimate sum of the selected tools.
	TokensUsed int
}

// Provision selects a first-fit subset of tools that fits under
// maxTokens. Tools are visited in the given order; a tool whose estimate
// alone exceeds the budget is skipped, and iteration continues so a
// smaller tool later in the list can still fill leftover budget. This is
// first-fit in relevance order, not an optimal knapsack.
//
// A maxTokens that is <= 0, NaN, or infinite yields an empty result.
func Provision(est *Estimator, tools []tool.Descriptor, maxTokens float64) Provisioned {
	if maxTokens <= 0 || math.IsNaN(maxTokens) || math.IsInf(maxTokens, 0) {
		return Provisioned{}
	}

	var out Provisioned
	for i := range tools {
		cost := est.Estimate(&tools[i])
		if float64(cost) > maxTokens {
			continue
		}
		if float64(out.TokensUsed+cost) > maxTokens {
			continue
		}
		out.Tools = append(out.Tools, tools[i])
		out.TokensUsed += cost
	}
	return out
}
