// Package executor carries out classified intents.
//
// Router dispatches on intent kind to the executor registered for it. The
// shell executor renders per-kind command templates from the config file,
// the automation executor forwards intents to a desktop automation endpoint
// and the agenda executor books schedule intents in process.
package executor

import (
	"context"
	"sort"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

// Router picks an executor by intent kind.
type Router struct {
	routes map[domain.IntentKind]ports.ActionExecutor
}

// NewRouter returns a router with no routes.
func NewRouter() *Router {
	return &Router{routes: make(map[domain.IntentKind]ports.ActionExecutor)}
}

// Handle registers exec for kind, replacing any earlier registration.
func (r *Router) Handle(kind domain.IntentKind, exec ports.ActionExecutor) *Router {
	r.routes[kind] = exec
	return r
}

// Kinds lists the routed kinds in lexical order.
func (r *Router) Kinds() []domain.IntentKind {
	kinds := make([]domain.IntentKind, 0, len(r.routes))
	for kind := range r.routes {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute implements ports.ActionExecutor.
func (r *Router) Execute(ctx context.Context, intent domain.Intent) (domain.CommandResult, error) {
	exec, ok := r.routes[intent.Kind]
	if !ok {
		return domain.CommandResult{}, &domain.ExecutionError{Kind: intent.Kind, Err: domain.ErrUnsupportedIntent}
	}
	return exec.Execute(ctx, intent)
}

var _ ports.ActionExecutor = (*Router)(nil)
