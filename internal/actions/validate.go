package actions

import (
	"fmt"
	"strings"

	"github.com/corvohq/allocd/internal/store"
)

// ValidationError rejects a queue request. Fields holds one entry per
// problem, qualified with the index of the offending action, so a batch
// rejection names every missing or misplaced field at once.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid actions: " + strings.Join(e.Fields, "; ")
}

// actionFieldRules lists, per action type, which target parameters must
// be set. Everything not required must stay nil: an action carries
// exactly the fields its type interprets.
var actionFieldRules = map[string]struct {
	required []string
	optional []string
}{
	store.TypeAllocate:   {required: []string{"deployment_id", "amount"}},
	store.TypeUnallocate: {required: []string{"allocation_id"}, optional: []string{"poi", "force"}},
	store.TypeReallocate: {required: []string{"allocation_id", "amount"}, optional: []string{"poi", "force"}},
	store.TypeCollect:    {required: []string{"allocation_id"}},
}

// validateActions checks every action in the batch and returns a single
// ValidationError enumerating all problems, or nil.
func validateActions(actions []store.Action) error {
	var problems []string
	for i, a := range actions {
		rules, ok := actionFieldRules[a.Type]
		if !ok {
			problems = append(problems, fmt.Sprintf("action %d: unknown type %q", i, a.Type))
			continue
		}

		set := map[string]bool{
			"deployment_id": a.DeploymentID != nil,
			"allocation_id": a.AllocationID != nil,
			"amount":        a.Amount != nil,
			"poi":           a.POI != nil,
			"force":         a.Force != nil,
		}
		allowed := make(map[string]bool)
		for _, f := range rules.required {
			if !set[f] {
				problems = append(problems, fmt.Sprintf("action %d (%s): missing %s", i, a.Type, f))
			}
			allowed[f] = true
		}
		for _, f := range rules.optional {
			allowed[f] = true
		}
		for field, present := range set {
			if present && !allowed[field] {
				problems = append(problems, fmt.Sprintf("action %d (%s): unexpected %s", i, a.Type, field))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}
