package hotkey

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// Bindings maps key combinations to named actions.
type Bindings struct {
	actions map[Combo]string
}

// ParseBindings parses an action → combination map. Every problem is
// reported at once: an action outside valid, an unparseable
// combination, or two actions bound to the same combination.
func ParseBindings(combos map[string]string, valid ...string) (*Bindings, error) {
	names := make([]string, 0, len(combos))
	for action := range combos {
		names = append(names, action)
	}
	sort.Strings(names)

	b := &Bindings{actions: make(map[Combo]string, len(combos))}
	var errs []error
	for _, action := range names {
		if len(valid) > 0 && !slices.Contains(valid, action) {
			errs = append(errs, fmt.Errorf("hotkeys: unknown action %q", action))
			continue
		}
		c, err := ParseCombo(combos[action])
		if err != nil {
			errs = append(errs, fmt.Errorf("hotkeys.%s: %w", action, err))
			continue
		}
		if other, dup := b.actions[c]; dup {
			errs = append(errs, fmt.Errorf("hotkeys.%s: %s is already bound to %s", action, c, other))
			continue
		}
		b.actions[c] = action
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b, nil
}

// Action returns the action bound to c.
func (b *Bindings) Action(c Combo) (string, bool) {
	a, ok := b.actions[c]
	return a, ok
}

// Combo returns the combination bound to action.
func (b *Bindings) Combo(action string) (Combo, bool) {
	for c, a := range b.actions {
		if a == action {
			return c, true
		}
	}
	return Combo{}, false
}

// Len is the number of bindings.
func (b *Bindings) Len() int { return len(b.actions) }
