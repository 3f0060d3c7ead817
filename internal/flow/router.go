// internal/flow/router.go

// Package flow selects the conversational flow an incoming message
// belongs to, based on the routing rules attached to each flow.
package flow

import (
	"sort"
	"strings"

	"github.com/user/flowgate/internal/types"
)

// Input is the routable part of an incoming message.
type Input struct {
	ChannelType string
	Content     string
	Metadata    map[string]any
}

// Router matches messages against flow routing rules.
type Router struct{}

func NewRouter() *Router {
	return &Router{}
}

// match reports whether a single rule applies to the input. Empty rule
// dimensions are wildcards.
func match(rule types.RoutingRule, in Input) bool {
	if len(rule.Channels) > 0 {
		ok := false
		for _, ch := range rule.Channels {
			if strings.EqualFold(ch, in.ChannelType) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(rule.Keywords) > 0 {
		content := strings.ToLower(in.Content)
		ok := false
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for key, want := range rule.Metadata {
		got, present := in.Metadata[key]
		if !present || got != want {
			return false
		}
	}
	return true
}

// Resolve returns the flow whose matching rule has the highest priority,
// or nil when no rule of any flow matches. Flows are evaluated in id order
// so equal priorities resolve deterministically.
func (r *Router) Resolve(flows []*types.Flow, in Input) *types.Flow {
	ordered := make([]*types.Flow, len(flows))
	copy(ordered, flows)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var best *types.Flow
	bestPriority := 0
	for _, f := range ordered {
		if f == nil || !f.Active {
			continue
		}
		for _, rule := range f.Rules {
			if !match(rule, in) {
				continue
			}
			if best == nil || rule.Priority > bestPriority {
				best = f
				bestPriority = rule.Priority
			}
		}
	}
	return best
}
