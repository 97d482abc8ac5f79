// Package gwctx holds the one process-wide Context struct that every
// handler and component shares by pointer, instead of reaching for package
// level singletons — the §5 "shared state" inventory collected in one
// place, constructed once in cmd/gateway and threaded through explicitly.
package gwctx

import (
	"github.com/agentpay/gateway/internal/backend"
	"github.com/agentpay/gateway/internal/config"
	"github.com/agentpay/gateway/internal/discovery"
	"github.com/agentpay/gateway/internal/dispatcher"
	"github.com/agentpay/gateway/internal/ledger"
	"github.com/agentpay/gateway/internal/paygate"
	"github.com/agentpay/gateway/internal/registry"
	"github.com/agentpay/gateway/internal/reliability"
)

// Context is the gateway's single shared-state holder.
type Context struct {
	Config      *config.Config
	Registry    *registry.Registry
	Active      *discovery.ActiveMap
	Discovery   *discovery.Engine
	Dispatcher  *dispatcher.Dispatcher
	Gate        *paygate.Gate
	Reliability *reliability.Registry
	Backend     *backend.Caller
	Ledger      *ledger.Ledger
}

// New assembles a Context from its already-constructed components.
func New(
	cfg *config.Config,
	reg *registry.Registry,
	active *discovery.ActiveMap,
	disco *discovery.Engine,
	disp *dispatcher.Dispatcher,
	gate *paygate.Gate,
	rel *reliability.Registry,
	be *backend.Caller,
	led *ledger.Ledger,
) *Context {
	return &Context{
		Config:      cfg,
		Registry:    reg,
		Active:      active,
		Discovery:   disco,
		Dispatcher:  disp,
		Gate:        gate,
		Reliability: rel,
		Backend:     be,
		Ledger:      led,
	}
}
