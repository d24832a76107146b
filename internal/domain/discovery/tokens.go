package discovery

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
)

// Estimator computes deterministic token-size estimates for descriptors.
// The estimate is max(1, ceil(len(JSON)/4)). Encoded lengths are cached by
// xxhash digest of every field that appears in the JSON so repeated provisioning
// passes over a stable repository do not re-encode every descriptor.
type Estimator struct {
	mu    sync.Mutex
	cache map[uint64]int
}

// NewEstimator creates an Estimator with an empty cache.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[uint64]int)}
}

// Estimate returns the token estimate for a descriptor. Any externally
// supplied TokenCount on the descriptor is ignored: estimates always derive
// from the JSON encoding, uniformly.
func (e *Estimator) Estimate(d *tool.Descriptor) int {
	key := cacheKey(d)

	e.mu.Lock()
	if est, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return est
	}
	e.mu.Unlock()

	est := estimateJSON(d)

	e.mu.Lock()
	e.cache[key] = est
	e.mu.Unlock()
	return est
}

// Invalidate drops all cached estimates. Call after bulk repository
// updates.
func (e *Estimator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[uint64]int)
}

// estimateJSON encodes the descriptor and derives the estimate from the
// output length. Encoding length is reproducible within a process, which is
// all determinism requires.
func estimateJSON(d *tool.Descriptor) int {
	data, err := json.Marshal(d)
	if err != nil {
		return 1
	}
	est := (len(data) + 3) / 4
	if est < 1 {
		est = 1
	}
	return est
}

// cacheKey digests the fields that change an estimate. The schema is
// hashed through its encoding to catch in-place schema edits.
func cacheKey(d *tool.Descriptor) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(d.Name)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(d.Description)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(d.Backend)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(d.DiscoverySource)
	for _, c := range d.Categories {
		_, _ = h.WriteString("\x01" + c)
	}
	for _, c := range d.Capabilities {
		_, _ = h.WriteString("\x02" + c)
	}
	if d.Deprecated {
		_, _ = h.WriteString("\x03")
	}
	_, _ = h.WriteString("\x04" + strconv.Itoa(d.TokenCount))
	if d.InputSchema != nil {
		if enc, err := json.Marshal(d.InputSchema); err == nil {
			_, _ = h.Write(enc)
		}
	}
	return h.Sum64()
}
