package stage

import (
	"sort"

	"github.com/siftsec/introspect/element"
)

// Registry holds the six stage implementations in fixed priority order.
// It is per-session state created alongside the Env, never a process-wide
// singleton.
type Registry struct {
	byName  map[element.StageName]Stage
	ordered []Stage
}

// NewRegistry builds all stages over env and binds itself back into env so
// result handlers can schedule downstream loads.
func NewRegistry(env *Env) *Registry {
	stages := []Stage{
		newInitStage(env),
		newCIMStage(env),
		newSourcetypeStage(env),
		newEventsizeStage(env),
		newVolumeStage(env),
		newReviewStage(env),
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Priority() < stages[j].Priority()
	})

	r := &Registry{byName: make(map[element.StageName]Stage, len(stages)), ordered: stages}
	for _, s := range stages {
		r.byName[s.Name()] = s
	}
	env.registry = r
	return r
}

// Get returns the stage by name, nil when unknown.
func (r *Registry) Get(name element.StageName) Stage {
	return r.byName[name]
}

// Ordered returns all stages by ascending priority, review last.
func (r *Registry) Ordered() []Stage {
	return r.ordered
}

// RelevantTo returns the stages applicable to an element id, in priority
// order.
func (r *Registry) RelevantTo(id string) []Stage {
	var out []Stage
	for _, s := range r.ordered {
		if s.IsRelevant(id) {
			out = append(out, s)
		}
	}
	return out
}

// Review returns the review stage's manual interface.
func (r *Registry) Review() *reviewStage {
	return r.byName[element.StageReview].(*reviewStage)
}
