package claims

import (
	"context"
	"fmt"
	"sync"
)

// Resolve selects the resolver for required: highest Priority wins, then
// highest specificity, then the earliest registered.
func Resolve(required RequiredClaim, defs []ResolverDefinition) (ResolverDefinition, bool) {
	bestIdx := -1
	bestPriority := 0
	bestSpecificity := -1

	for i, def := range defs {
		res := EvaluateMatch(required, def.Match)
		if !res.Matched {
			continue
		}
		if bestIdx < 0 ||
			def.Priority > bestPriority ||
			(def.Priority == bestPriority && res.Specificity > bestSpecificity) {
			bestIdx = i
			bestPriority = def.Priority
			bestSpecificity = res.Specificity
		}
	}

	if bestIdx < 0 {
		return ResolverDefinition{}, false
	}
	return defs[bestIdx], true
}

// Gather resolves each required claim in order and appends every produced
// Claim to a copy of existing. The first claim without a matching resolver
// aborts with a *NoResolverMatchedError.
func Gather(ctx context.Context, existing []Claim, required []RequiredClaim, sess Session, defs []ResolverDefinition) ([]Claim, error) {
	out := append([]Claim(nil), existing...)
	for _, rc := range required {
		def, ok := Resolve(rc, defs)
		if !ok {
			return nil, &NoResolverMatchedError{Claim: rc}
		}
		c, err := def.Resolve(ctx, rc, sess)
		if err != nil {
			return nil, fmt.Errorf("claim resolver %q: %w", def.ID, err)
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Registry is an ordered, concurrency-safe collection of resolver
// definitions. Registration order is the final tie-break in Resolve.
type Registry struct {
	mu   sync.RWMutex
	defs []ResolverDefinition
}

// NewRegistry returns a Registry seeded with defs in the given order.
func NewRegistry(defs ...ResolverDefinition) (*Registry, error) {
	r := &Registry{}
	for _, d := range defs {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add appends a resolver definition.
func (r *Registry) Add(def ResolverDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidResolver)
	}
	if def.Resolve == nil {
		return fmt.Errorf("%w: resolver %q has no resolve function", ErrInvalidResolver, def.ID)
	}
	for _, m := range def.Match {
		if unknown := m.Unknown(); len(unknown) > 0 {
			return fmt.Errorf("%w: resolver %q matches unknown field %q", ErrInvalidResolver, def.ID, unknown[0])
		}
	}
	def.Match = cloneMatchers(def.Match)

	r.mu.Lock()
	r.defs = append(r.defs, def)
	r.mu.Unlock()
	return nil
}

// AddFormat registers fn for required claims whose claim_token_format equals
// format. The definition id is "custom:<format>".
func (r *Registry) AddFormat(format string, fn ResolverFunc) error {
	if format == "" {
		return fmt.Errorf("%w: format is required", ErrInvalidResolver)
	}
	return r.Add(ResolverDefinition{
		ID:      "custom:" + format,
		Match:   []Matcher{{FieldClaimTokenFormat: One(format)}},
		Resolve: fn,
	})
}

// Definitions returns a snapshot of the registered resolvers.
func (r *Registry) Definitions() []ResolverDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ResolverDefinition(nil), r.defs...)
}

// Resolve selects a resolver from the registry.
func (r *Registry) Resolve(required RequiredClaim) (ResolverDefinition, bool) {
	return Resolve(required, r.Definitions())
}

// Gather runs Gather against the registry's current definitions.
func (r *Registry) Gather(ctx context.Context, existing []Claim, required []RequiredClaim, sess Session) ([]Claim, error) {
	return Gather(ctx, existing, required, sess, r.Definitions())
}

func cloneMatchers(in []Matcher) []Matcher {
	if in == nil {
		return nil
	}
	out := make([]Matcher, len(in))
	for i, m := range in {
		cp := make(Matcher, len(m))
		for f, v := range m {
			cp[f] = append(Values(nil), v...)
		}
		out[i] = cp
	}
	return out
}
