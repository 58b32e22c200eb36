package highway

import "slices"

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	Kinds []EventKind
	// Sources restricts delivery to events from these driver instances.
	Sources []string
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !slices.Contains(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !slices.Contains(i.Sources, event.Source) {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 {
		if len(filter.Kinds) == 0 {
			return false
		}
		for _, kind := range filter.Kinds {
			if !slices.Contains(i.Kinds, kind) {
				return false
			}
		}
	}

	return true
}
