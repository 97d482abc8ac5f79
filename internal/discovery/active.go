package discovery

import (
	"sync"

	"github.com/agentpay/gateway/internal/capability"
)

// ActiveMap is the process-wide active-discovered-capability map of §5 item
// 5: insert-only for the process lifetime, concurrent readers, single
// activation per ID wins.
type ActiveMap struct {
	mu   sync.RWMutex
	byID map[string]*capability.Capability
}

// NewActiveMap constructs an empty active-discovered map.
func NewActiveMap() *ActiveMap {
	return &ActiveMap{byID: make(map[string]*capability.Capability)}
}

func (a *ActiveMap) store(c *capability.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.byID[c.ID]; exists {
		return // single activation per ID wins
	}
	a.byID[c.ID] = c
}

// ByID looks up an active discovered capability.
func (a *ActiveMap) ByID(id string) (*capability.Capability, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.byID[id]
	return c, ok
}

// List returns all currently active discovered capabilities.
func (a *ActiveMap) List() []*capability.Capability {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*capability.Capability, 0, len(a.byID))
	for _, c := range a.byID {
		out = append(out, c)
	}
	return out
}
